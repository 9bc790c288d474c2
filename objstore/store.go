// Package objstore implements a persistent, content-addressed mapping
// from monotonically generated keys to byte streams and property maps.
// Keys and data are stored in a bbolt database, whose own ACID
// transactions give us the "writes are serialized, reads are lock-free
// snapshots" concurrency contract for free.
package objstore

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/rcowham/gosvnd/svnerr"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketStreams = []byte("streams")
	bucketProps   = []byte("props")
	bucketMeta    = []byte("meta")
	metaNextKey   = []byte("next-key")
)

// Checksums mirrors the pair of digests put-stream returns: a strong
// (collision-resistant, SHA-1-class) and a weak (MD5-class) checksum.
type Checksums struct {
	Strong string // hex-encoded SHA-1
	Weak   string // hex-encoded MD5
}

// Store is the object store.
type Store struct {
	db     *bolt.DB
	logger *logrus.Logger
}

// Open creates or opens an object store backed by a bbolt database file.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0644, nil)
	if err != nil {
		return nil, svnerr.Wrap(svnerr.IO, path, "failed to open object store", err)
	}
	s := &Store{db: db, logger: logger}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketStreams, bucketProps, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		if tx.Bucket(bucketMeta).Get(metaNextKey) == nil {
			// "0" is reserved for the empty key; the first
			// real key handed out is NextKey("0") == "1".
			return tx.Bucket(bucketMeta).Put(metaNextKey, []byte("0"))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, svnerr.Wrap(svnerr.IO, path, "failed to initialize object store buckets", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying bbolt handle so that higher layers (the
// transaction manager) can keep their own bucketed bookkeeping in the
// same database file rather than maintaining a second one.
func (s *Store) DB() *bolt.DB { return s.db }

// NewKey atomically advances and returns the store's monotone key counter.
func (s *Store) NewKey() (string, error) {
	var key string
	err := s.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketMeta)
		cur := string(mb.Get(metaNextKey))
		next, err := NextKey(cur)
		if err != nil {
			return err
		}
		if err := mb.Put(metaNextKey, []byte(next)); err != nil {
			return err
		}
		key = next
		return nil
	})
	if err != nil {
		return "", svnerr.Wrap(svnerr.IO, "", "failed to allocate key", err)
	}
	return key, nil
}

// PutStream streams bytes into storage under key, returning strong/weak
// checksums.
func (s *Store) PutStream(key string, r io.Reader) (Checksums, error) {
	var data bytes.Buffer
	strongH := sha1.New()
	weakH := md5.New()
	mw := io.MultiWriter(&data, strongH, weakH)
	if _, err := io.Copy(mw, r); err != nil {
		return Checksums{}, svnerr.Wrap(svnerr.IO, key, "failed to read stream", err)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStreams).Put([]byte(key), data.Bytes())
	})
	if err != nil {
		return Checksums{}, svnerr.Wrap(svnerr.IO, key, "failed to persist stream", err)
	}
	return Checksums{
		Strong: hex.EncodeToString(strongH.Sum(nil)),
		Weak:   hex.EncodeToString(weakH.Sum(nil)),
	}, nil
}

// GetStream returns a reader over the bytes stored under key. Fails
// PathNotFound if absent.
func (s *Store) GetStream(key string) (io.Reader, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketStreams).Get([]byte(key))
		if v == nil {
			return svnerr.New(svnerr.PathNotFound, key, "no such stream key")
		}
		out = append(out, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(out), nil
}

// PutProps stores a property map under key.
func (s *Store) PutProps(key string, p Props) error {
	data := SerializeProps(p)
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProps).Put([]byte(key), data)
	})
	if err != nil {
		return svnerr.Wrap(svnerr.IO, key, "failed to persist properties", err)
	}
	return nil
}

// GetProps retrieves and parses the property map stored under key. A
// missing key returns an empty map (a node with no properties set yet is
// not an error condition).
func (s *Store) GetProps(key string) (Props, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketProps).Get([]byte(key))
		if v != nil {
			data = append(data, v...)
		}
		return nil
	})
	if err != nil {
		return nil, svnerr.Wrap(svnerr.IO, key, "failed to read properties", err)
	}
	if data == nil {
		return Props{}, nil
	}
	p, err := ParseProps(data)
	if err != nil {
		return nil, fmt.Errorf("objstore: key %s: %w", key, err)
	}
	return p, nil
}

// VerifyChecksum recomputes the strong checksum for key and compares it
// against want, used by the commit driver's base-checksum verification.
func (s *Store) VerifyChecksum(key, want string) (bool, error) {
	r, err := s.GetStream(key)
	if err != nil {
		return false, err
	}
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return false, svnerr.Wrap(svnerr.IO, key, "failed to verify checksum", err)
	}
	return hex.EncodeToString(h.Sum(nil)) == want, nil
}
