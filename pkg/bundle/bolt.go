package bundle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
)

var (
	// Bucket names
	bucketBundles = []byte("bundles")
	bucketRefs    = []byte("refs")
)

// BoltStore implements Store using BoltDB. One database file holds the
// bundles and reference sets of a single workspace; BoltDB's transaction
// model gives StoreBatch its all-or-nothing guarantee.
type BoltStore struct {
	db    *bolt.DB
	codec *Codec
}

// NewBoltStore opens (or creates) the workspace database in dataDir.
func NewBoltStore(dataDir string, codec *Codec) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "bundle.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBundles, bucketRefs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, codec: codec}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Load(id types.NodeID) (*Bundle, error) {
	var b *Bundle
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBundles).Get(id.Bytes())
		if data == nil {
			return nil
		}
		decoded, err := s.codec.Decode(id, data)
		if err != nil {
			return err
		}
		b = decoded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load bundle %s: %w", id, err)
	}
	return b, nil
}

func (s *BoltStore) Exists(id types.NodeID) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketBundles).Get(id.Bytes()) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to check bundle %s: %w", id, err)
	}
	return exists, nil
}

func (s *BoltStore) Store(b *Bundle) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putBundle(tx, b)
	})
}

func (s *BoltStore) Destroy(id types.NodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBundles).Delete(id.Bytes())
	})
}

func (s *BoltStore) LoadRefs(target types.NodeID) (*References, error) {
	var refs *References
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRefs).Get(target.Bytes())
		if data == nil {
			return nil
		}
		decoded, err := decodeRefs(target, data)
		if err != nil {
			return err
		}
		refs = decoded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load refs %s: %w", target, err)
	}
	return refs, nil
}

func (s *BoltStore) StoreRefs(refs *References) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putRefs(tx, refs)
	})
}

func (s *BoltStore) DestroyRefs(target types.NodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRefs).Delete(target.Bytes())
	})
}

// StoreBatch applies the whole batch in one BoltDB transaction.
func (s *BoltStore) StoreBatch(batch *Batch) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range batch.Store {
			if err := s.putBundle(tx, b); err != nil {
				return err
			}
		}
		for _, id := range batch.Destroy {
			if err := tx.Bucket(bucketBundles).Delete(id.Bytes()); err != nil {
				return err
			}
		}
		for _, refs := range batch.StoreRefs {
			if refs.IsEmpty() {
				if err := tx.Bucket(bucketRefs).Delete(refs.Target.Bytes()); err != nil {
					return err
				}
				continue
			}
			if err := s.putRefs(tx, refs); err != nil {
				return err
			}
		}
		for _, id := range batch.DestroyRefs {
			if err := tx.Bucket(bucketRefs).Delete(id.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store batch: %w (%w)", err, errdefs.ErrIO)
	}
	return nil
}

func (s *BoltStore) putBundle(tx *bolt.Tx, b *Bundle) error {
	data, err := s.codec.Encode(b)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketBundles).Put(b.ID.Bytes(), data)
}

func (s *BoltStore) putRefs(tx *bolt.Tx, refs *References) error {
	data, err := encodeRefs(refs)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketRefs).Put(refs.Target.Bytes(), data)
}

// Reference sets are small; they serialize without the string indices so
// that the refs bucket stays self-contained.
func encodeRefs(refs *References) ([]byte, error) {
	buf := &bytes.Buffer{}
	var n [binary.MaxVarintLen64]byte
	c := binary.PutUvarint(n[:], uint64(len(refs.Properties)))
	buf.Write(n[:c])
	for _, p := range refs.Properties {
		buf.Write(p.ParentID.Bytes())
		for _, s := range []string{p.Name.Space, p.Name.Local} {
			c = binary.PutUvarint(n[:], uint64(len(s)))
			buf.Write(n[:c])
			buf.WriteString(s)
		}
	}
	return buf.Bytes(), nil
}

func decodeRefs(target types.NodeID, data []byte) (*References, error) {
	r := &reader{buf: bytes.NewReader(data)}
	count := r.uvarint()
	refs := NewReferences(target)
	for i := uint64(0); i < count && r.err == nil; i++ {
		parent, err := types.NodeIDFromBytes(r.raw(16))
		if err != nil {
			return nil, fmt.Errorf("refs %s: %w", target, errdefs.ErrProtocol)
		}
		space := r.str()
		local := r.str()
		refs.Add(types.NewPropertyID(parent, types.NewName(space, local)))
	}
	if r.err != nil {
		return nil, fmt.Errorf("refs %s: corrupt record: %w", target, errdefs.ErrProtocol)
	}
	return refs, nil
}
