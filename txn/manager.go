// Package txn implements copy-on-write tree transactions over the
// object store, revision-number assignment, and out-of-date / txn-conflict
// detection. Node identity for conflict detection is
// node-id, never path.
package txn

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/rcowham/gosvnd/objstore"
	"github.com/rcowham/gosvnd/svnerr"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRevisions = []byte("txn_revisions")
	bucketNodeRev   = []byte("txn_nodemodrev")
	bucketRevProps  = []byte("txn_revprops")
)

// revisionMeta is what gets persisted per committed revision.
type revisionMeta struct {
	RootKey string `json:"root_key"`
	Date    int64  `json:"date"`
	Author  string `json:"author"`
}

// Manager owns the repository's committed revision history and hands out
// transactions. It is the sole writer of revisions; all mutation is
// serialized through its mutex: assigning a new revision number is
// totally ordered and atomic with persisting that revision's contents.
type Manager struct {
	store    *objstore.Store
	mu       sync.Mutex
	blobPool *pond.WorkerPool
}

// SetBlobPool gives the manager a bounded worker pool to fan out
// independent sibling node saves across during commit, submitting each
// save to a bounded pond.WorkerPool instead of writing them one at a
// time. A nil pool (the default) keeps node saves strictly sequential;
// callers that never set one see no behavior change.
func (m *Manager) SetBlobPool(pool *pond.WorkerPool) {
	m.blobPool = pool
}

// NewManager opens (or bootstraps) the transaction manager against store.
// Revision 0, the empty tree, is created if this is a fresh store.
func NewManager(store *objstore.Store) (*Manager, error) {
	m := &Manager{store: store}
	db := store.DB()
	err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRevisions, bucketNodeRev, bucketRevProps} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, svnerr.Wrap(svnerr.IO, "", "failed to initialize txn buckets", err)
	}
	if _, err := m.rootKeyAt(0); err != nil {
		root := &node{ID: uuid.NewString(), Kind: KindDir, ModRev: 0}
		rootKey, err := saveNode(store, root)
		if err != nil {
			return nil, err
		}
		if err := m.persistRevision(0, rootKey, 0, ""); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func revKeyBytes(rev int64) []byte { return []byte(fmt.Sprintf("%020d", rev)) }

func (m *Manager) persistRevision(rev int64, rootKey string, date int64, author string) error {
	meta := revisionMeta{RootKey: rootKey, Date: date, Author: author}
	data, err := json.Marshal(meta)
	if err != nil {
		return svnerr.Wrap(svnerr.IO, "", "failed to marshal revision meta", err)
	}
	return m.store.DB().Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRevisions).Put(revKeyBytes(rev), data)
	})
}

func (m *Manager) rootKeyAt(rev int64) (string, error) {
	var meta revisionMeta
	var found bool
	err := m.store.DB().View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRevisions).Get(revKeyBytes(rev))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &meta)
	})
	if err != nil {
		return "", svnerr.Wrap(svnerr.IO, "", "failed to read revision", err)
	}
	if !found {
		return "", svnerr.New(svnerr.BadRevision, "", fmt.Sprintf("no such revision %d", rev))
	}
	return meta.RootKey, nil
}

// NodeAt resolves path as it existed in rev, returning its persisted node.
// Exported for the repo package's read paths (get-file/get-dir/check-path)
// and reused internally by Copy, so both walk history the same way.
func (m *Manager) NodeAt(rev int64, p string) (*PersistedNode, error) {
	rootKey, err := m.rootKeyAt(rev)
	if err != nil {
		return nil, err
	}
	n, err := loadNode(m.store, rootKey)
	if err != nil {
		return nil, err
	}
	parts := splitPath(p)
	for _, part := range parts {
		if n.Kind != KindDir {
			return nil, svnerr.New(svnerr.PathNotFound, p, "not a directory")
		}
		childKey, ok := n.Children[part]
		if !ok {
			return nil, svnerr.New(svnerr.PathNotFound, p, "no such path")
		}
		n, err = loadNode(m.store, childKey)
		if err != nil {
			return nil, err
		}
	}
	return (*PersistedNode)(n), nil
}

// NodeAtKey loads a single persisted node directly by its object-store
// key, without a path walk. Used by repo.GetDir to inspect a child's kind
// without re-resolving it from the repository root.
func (m *Manager) NodeAtKey(key string) (*PersistedNode, error) {
	n, err := loadNode(m.store, key)
	if err != nil {
		return nil, err
	}
	return (*PersistedNode)(n), nil
}

// Store exposes the underlying object store for callers (repo) that need
// to stream a resolved node's content or properties directly.
func (m *Manager) Store() *objstore.Store { return m.store }

// Youngest returns the youngest committed revision number.
func (m *Manager) Youngest() (int64, error) {
	var y int64 = -1
	err := m.store.DB().View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRevisions).Cursor()
		k, _ := c.Last()
		if k == nil {
			return nil
		}
		_, err := fmt.Sscanf(string(k), "%020d", &y)
		return err
	})
	if err != nil {
		return 0, svnerr.Wrap(svnerr.IO, "", "failed to determine youngest revision", err)
	}
	if y < 0 {
		return 0, nil
	}
	return y, nil
}

func (m *Manager) revisionMetaAt(rev int64) (revisionMeta, error) {
	var meta revisionMeta
	found := false
	err := m.store.DB().View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRevisions).Get(revKeyBytes(rev))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &meta)
	})
	if err != nil {
		return revisionMeta{}, svnerr.Wrap(svnerr.IO, "", "failed to read revision", err)
	}
	if !found {
		return revisionMeta{}, svnerr.New(svnerr.BadRevision, "", fmt.Sprintf("no such revision %d", rev))
	}
	return meta, nil
}

// RevisionDate returns the commit timestamp recorded for rev, the one
// piece of per-revision metadata RevProplist doesn't surface (svn:date is
// a convention at the property layer; this store keeps the authoritative
// timestamp alongside the root key instead).
func (m *Manager) RevisionDate(rev int64) (time.Time, error) {
	meta, err := m.revisionMetaAt(rev)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(meta.Date, 0).UTC(), nil
}

// GetDatedRev returns the youngest revision committed at or before t.
func (m *Manager) GetDatedRev(t time.Time) (int64, error) {
	youngest, err := m.Youngest()
	if err != nil {
		return 0, err
	}
	target := t.Unix()
	best := int64(0)
	for r := int64(0); r <= youngest; r++ {
		meta, err := m.revisionMetaAt(r)
		if err != nil {
			return 0, err
		}
		if meta.Date <= target {
			best = r
		} else {
			break
		}
	}
	return best, nil
}

// nodeModRev looks up, for a node-id, the most recent revision that
// modified it — the basis of out-of-date detection.
func (m *Manager) nodeModRev(nodeID string) (int64, bool, error) {
	var rev int64
	found := false
	err := m.store.DB().View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNodeRev).Get([]byte(nodeID))
		if v == nil {
			return nil
		}
		found = true
		_, err := fmt.Sscanf(string(v), "%d", &rev)
		return err
	})
	return rev, found, err
}

func (m *Manager) setNodeModRev(txb *bolt.Tx, nodeID string, rev int64) error {
	return txb.Bucket(bucketNodeRev).Put([]byte(nodeID), []byte(fmt.Sprintf("%d", rev)))
}

// RevProplist returns the revision properties (log message, date, author,
// and any custom revprops) for rev.
func (m *Manager) RevProplist(rev int64) (objstore.Props, error) {
	if _, err := m.revisionMetaAt(rev); err != nil {
		return nil, err
	}
	var data []byte
	err := m.store.DB().View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRevProps).Get(revKeyBytes(rev))
		if v != nil {
			data = append(data, v...)
		}
		return nil
	})
	if err != nil {
		return nil, svnerr.Wrap(svnerr.IO, "", "failed to read revprops", err)
	}
	if data == nil {
		return objstore.Props{}, nil
	}
	return objstore.ParseProps(data)
}

// RevProp returns a single revision property, or nil if unset.
func (m *Manager) RevProp(rev int64, name string) ([]byte, error) {
	props, err := m.RevProplist(rev)
	if err != nil {
		return nil, err
	}
	return props[name], nil
}

// ChangeRevProp mutates a revision property without creating a new
// revision. Governed by configuration at the server layer — this
// function itself performs no access check, leaving that to the
// server's change-rev-prop handler.
func (m *Manager) ChangeRevProp(rev int64, name string, value []byte) error {
	if _, err := m.revisionMetaAt(rev); err != nil {
		return err
	}
	props, err := m.RevProplist(rev)
	if err != nil {
		return err
	}
	if value == nil {
		delete(props, name)
	} else {
		props[name] = value
	}
	data := objstore.SerializeProps(props)
	return m.store.DB().Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRevProps).Put(revKeyBytes(rev), data)
	})
}
