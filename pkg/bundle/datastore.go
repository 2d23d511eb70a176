package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
)

// DataStore holds binary values above the inline threshold, addressed by
// content hash. Writes are idempotent; deletion is mark-and-sweep against a
// reference inventory, never synchronous.
type DataStore interface {
	// Put stores the stream and returns its content identifier.
	Put(r io.Reader) (string, error)

	// Get opens the blob for reading.
	Get(id string) (io.ReadCloser, error)

	// MarkStart begins a sweep cycle; blobs stored afterwards are
	// implicitly in use.
	MarkStart()

	// Mark flags a blob as referenced.
	Mark(id string)

	// Sweep deletes unmarked blobs older than the cycle start and returns
	// how many were removed.
	Sweep() (int, error)

	Close() error
}

// FileDataStore keeps each blob in a file named by its SHA-256 hex digest,
// fanned out over two-character subdirectories.
type FileDataStore struct {
	dir string

	mu        sync.Mutex
	marked    map[string]struct{}
	markStart time.Time
}

// NewFileDataStore opens (or creates) the blob directory.
func NewFileDataStore(dir string) (*FileDataStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data store dir: %w", err)
	}
	return &FileDataStore{dir: dir, marked: make(map[string]struct{})}, nil
}

func (ds *FileDataStore) blobPath(id string) string {
	return filepath.Join(ds.dir, id[:2], id)
}

func (ds *FileDataStore) Put(r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(ds.dir, "upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp blob: %w", err)
	}

	id := hex.EncodeToString(h.Sum(nil))
	path := ds.blobPath(id)
	if _, err := os.Stat(path); err == nil {
		// Content-addressed: the blob already exists, the write is a no-op.
		return id, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create blob dir: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}
	return id, nil
}

func (ds *FileDataStore) Get(id string) (io.ReadCloser, error) {
	if len(id) < 3 {
		return nil, fmt.Errorf("bad blob id %q: %w", id, errdefs.ErrProtocol)
	}
	f, err := os.Open(ds.blobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", id, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", id, err)
	}
	return f, nil
}

func (ds *FileDataStore) MarkStart() {
	ds.mu.Lock()
	ds.marked = make(map[string]struct{})
	ds.markStart = time.Now()
	ds.mu.Unlock()
}

func (ds *FileDataStore) Mark(id string) {
	ds.mu.Lock()
	ds.marked[id] = struct{}{}
	ds.mu.Unlock()
}

func (ds *FileDataStore) Sweep() (int, error) {
	ds.mu.Lock()
	marked := ds.marked
	cutoff := ds.markStart
	ds.mu.Unlock()

	if cutoff.IsZero() {
		return 0, fmt.Errorf("sweep without mark cycle")
	}

	removed := 0
	err := filepath.Walk(ds.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		id := filepath.Base(path)
		if _, ok := marked[id]; ok {
			return nil
		}
		// Blobs written after the cycle started are in use by definition;
		// their references may not be persisted yet.
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep failed: %w", err)
	}
	return removed, nil
}

func (ds *FileDataStore) Close() error {
	return nil
}
