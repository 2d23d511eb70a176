// Package journal implements the append-only cluster journal: framed,
// revision-ordered records that replicate workspace changes, registrations,
// and lock transitions between peer nodes. A record's revision is its end
// offset in the log file, so revisions are strictly increasing and a
// reader's cursor is always a valid resume point.
//
// Writers serialize through a cross-process file lock; the consistency
// model is at-most-one writer at any instant, not consensus.
package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/metrics"
)

// Record kinds, the first payload byte. KindPrivilege is part of the wire
// catalog but has no producer here: the privilege set is fixed, so nothing
// registers privileges at runtime.
const (
	KindChanges   byte = 'C'
	KindNodeType  byte = 'T'
	KindNamespace byte = 'N'
	KindPrivilege byte = 'P'
	KindLock      byte = 'L'
)

// Record is one journal entry. Revision is the offset just past the record;
// replaying "records greater than my cursor" resumes exactly after the last
// consumed entry.
type Record struct {
	Revision uint64
	Creator  string
	Payload  []byte
}

// Kind returns the dispatch byte of the payload.
func (r Record) Kind() byte {
	if len(r.Payload) == 0 {
		return 0
	}
	return r.Payload[0]
}

// Journal is a file-backed journal in one directory.
type Journal struct {
	dir      string
	logPath  string
	fileLock *flock.Flock
}

// Open prepares the journal directory.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}
	return &Journal{
		dir:      dir,
		logPath:  filepath.Join(dir, "journal.log"),
		fileLock: flock.New(filepath.Join(dir, "journal.lock")),
	}, nil
}

// Append writes one record under the cross-process writer lock and returns
// its revision.
func (j *Journal) Append(creator string, payload []byte) (uint64, error) {
	if err := j.fileLock.Lock(); err != nil {
		return 0, fmt.Errorf("failed to lock journal: %w", err)
	}
	defer j.fileLock.Unlock()

	f, err := os.OpenFile(j.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	frame, err := encodeFrame(creator, payload)
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(frame); err != nil {
		return 0, fmt.Errorf("failed to append journal record: %w (%w)", err, errdefs.ErrIO)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync journal: %w (%w)", err, errdefs.ErrIO)
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("failed to locate journal end: %w", err)
	}
	metrics.JournalRecordsTotal.WithLabelValues("written").Inc()
	return uint64(end), nil
}

// GlobalRevision returns the revision of the newest record.
func (j *Journal) GlobalRevision() (uint64, error) {
	info, err := os.Stat(j.logPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat journal: %w", err)
	}
	return uint64(info.Size()), nil
}

// Records returns every record with a revision strictly greater than from,
// in ascending revision order.
func (j *Journal) Records(from uint64) ([]Record, error) {
	f, err := os.Open(j.logPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(from), io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek journal: %w", err)
	}
	r := bufio.NewReader(f)
	offset := from
	var out []Record
	for {
		rec, n, err := decodeFrame(r)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("journal corrupt at revision %d: %w (%w)", offset, err, errdefs.ErrProtocol)
		}
		offset += uint64(n)
		rec.Revision = offset
		out = append(out, rec)
	}
}

// Frame layout: creator length (uvarint) | creator UTF-8 | payload length
// (int32 big-endian) | payload.
func encodeFrame(creator string, payload []byte) ([]byte, error) {
	if len(payload) > 1<<30 {
		return nil, fmt.Errorf("journal payload too large: %d bytes", len(payload))
	}
	var head [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(head[:], uint64(len(creator)))
	buf := make([]byte, 0, n+len(creator)+4+len(payload))
	buf = append(buf, head[:n]...)
	buf = append(buf, creator...)
	var plen [4]byte
	binary.BigEndian.PutUint32(plen[:], uint32(len(payload)))
	buf = append(buf, plen[:]...)
	buf = append(buf, payload...)
	return buf, nil
}

func decodeFrame(r *bufio.Reader) (Record, int, error) {
	clen, err := binary.ReadUvarint(r)
	if err != nil {
		return Record{}, 0, err
	}
	creator := make([]byte, clen)
	if _, err := io.ReadFull(r, creator); err != nil {
		return Record{}, 0, unexpectedEOF(err)
	}
	var plenBytes [4]byte
	if _, err := io.ReadFull(r, plenBytes[:]); err != nil {
		return Record{}, 0, unexpectedEOF(err)
	}
	plen := binary.BigEndian.Uint32(plenBytes[:])
	payload := make([]byte, plen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Record{}, 0, unexpectedEOF(err)
	}
	n := uvarintLen(clen) + int(clen) + 4 + int(plen)
	return Record{Creator: string(creator), Payload: payload}, n, nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
