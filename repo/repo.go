// Package repo glues the object store and transaction manager into the
// repository tuple: youngest-revision, object-store, uuid. It exposes the
// read-facing revision-store operations the wire protocol drives
// directly: get-file, get-dir, rev-proplist, rev-prop, change-rev-prop,
// check-path, and get-dated-rev.
package repo

import (
	"io"
	"time"

	"github.com/alitto/pond"
	"github.com/rcowham/gosvnd/objstore"
	"github.com/rcowham/gosvnd/svnerr"
	"github.com/rcowham/gosvnd/txn"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// blobPoolSize bounds how many sibling node saves a single commit's
// finalize pass fans out concurrently, the same bounded-concurrency
// idea applied to blob writes rather than an unbounded goroutine per
// node.
const blobPoolSize = 8

var bucketRepoMeta = []byte("repo_meta")
var keyUUID = []byte("uuid")

// NodeKind mirrors txn.Kind for callers outside this module's internal
// packages, plus a "none" value for check-path's "doesn't exist" answer.
type NodeKind int

const (
	KindNone NodeKind = iota
	KindFile
	KindDir
)

// DirEntry describes one child returned by GetDir.
type DirEntry struct {
	Name string
	Kind NodeKind
}

// Repository is the top-level handle a server process opens once and
// shares across connections.
type Repository struct {
	store    *objstore.Store
	mgr      *txn.Manager
	uuid     string
	blobPool *pond.WorkerPool
}

// Create opens (bootstrapping if necessary) a repository backed by a
// single bbolt file at dbPath: a fresh repository gets a freshly
// generated UUID, persisted so it is stable across restarts.
func Create(dbPath string, logger *logrus.Logger) (*Repository, error) {
	store, err := objstore.Open(dbPath, logger)
	if err != nil {
		return nil, err
	}
	mgr, err := txn.NewManager(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	id, err := loadOrCreateUUID(store.DB())
	if err != nil {
		store.Close()
		return nil, err
	}
	pool := pond.New(blobPoolSize, blobPoolSize*4, pond.MinWorkers(2))
	mgr.SetBlobPool(pool)
	return &Repository{store: store, mgr: mgr, uuid: id, blobPool: pool}, nil
}

func loadOrCreateUUID(db *bolt.DB) (string, error) {
	var id string
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketRepoMeta)
		if err != nil {
			return err
		}
		if v := b.Get(keyUUID); v != nil {
			id = string(v)
			return nil
		}
		id = uuid.NewString()
		return b.Put(keyUUID, []byte(id))
	})
	if err != nil {
		return "", svnerr.Wrap(svnerr.IO, "", "failed to establish repository uuid", err)
	}
	return id, nil
}

// Close releases the underlying object store's database handle.
func (r *Repository) Close() error {
	r.blobPool.StopAndWait()
	return r.store.Close()
}

// UUID returns the repository's stable identifier.
func (r *Repository) UUID() string { return r.uuid }

// Manager exposes the transaction manager for commit-path callers
// (the commit driver, report reconciler) that need to begin/commit txns.
func (r *Repository) Manager() *txn.Manager { return r.mgr }

// Youngest returns the youngest committed revision.
func (r *Repository) Youngest() (int64, error) { return r.mgr.Youngest() }

func nodeKindOf(n *txn.PersistedNode) NodeKind {
	switch n.Kind {
	case txn.KindDir:
		return KindDir
	default:
		return KindFile
	}
}

// CheckPath reports the kind of path as it existed in rev, or KindNone if
// it did not exist.
func (r *Repository) CheckPath(path string, rev int64) (NodeKind, error) {
	n, err := r.mgr.NodeAt(rev, path)
	if err != nil {
		if svnerr.Is(err, svnerr.PathNotFound) {
			return KindNone, nil
		}
		return KindNone, err
	}
	return nodeKindOf(n), nil
}

// GetFile returns path's content stream and properties as of rev.
func (r *Repository) GetFile(path string, rev int64) (io.Reader, objstore.Props, error) {
	n, err := r.mgr.NodeAt(rev, path)
	if err != nil {
		return nil, nil, err
	}
	if n.Kind == txn.KindDir {
		return nil, nil, svnerr.New(svnerr.PathNotFound, path, "is a directory, not a file")
	}
	var content io.Reader = emptyReader{}
	if n.ContentKey != "" {
		content, err = r.store.GetStream(n.ContentKey)
		if err != nil {
			return nil, nil, err
		}
	}
	props, err := r.propsOf(n.PropsKey)
	if err != nil {
		return nil, nil, err
	}
	return content, props, nil
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

// GetDir lists path's children, sorted in the stable order they were
// created/committed in, plus path's own properties.
func (r *Repository) GetDir(path string, rev int64) ([]DirEntry, objstore.Props, error) {
	n, err := r.mgr.NodeAt(rev, path)
	if err != nil {
		return nil, nil, err
	}
	if n.Kind != txn.KindDir {
		return nil, nil, svnerr.New(svnerr.PathNotFound, path, "is not a directory")
	}
	entries := make([]DirEntry, 0, len(n.ChildOrder))
	for _, name := range n.ChildOrder {
		childKey, ok := n.Children[name]
		if !ok {
			continue
		}
		child, err := loadNodeForDir(r, childKey)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, DirEntry{Name: name, Kind: nodeKindOf(child)})
	}
	props, err := r.propsOf(n.PropsKey)
	if err != nil {
		return nil, nil, err
	}
	return entries, props, nil
}

// loadNodeForDir resolves one child's kind without re-walking from the
// repository root: it is a thin wrapper kept in this file (rather than
// txn) because only GetDir's listing needs a child's kind without its
// full subtree.
func loadNodeForDir(r *Repository, key string) (*txn.PersistedNode, error) {
	return r.mgr.NodeAtKey(key)
}

func (r *Repository) propsOf(propsKey string) (objstore.Props, error) {
	if propsKey == "" {
		return objstore.Props{}, nil
	}
	return r.store.GetProps(propsKey)
}

// RevProplist returns all revision properties for rev.
func (r *Repository) RevProplist(rev int64) (objstore.Props, error) { return r.mgr.RevProplist(rev) }

// RevProp returns a single revision property, or nil if unset.
func (r *Repository) RevProp(rev int64, name string) ([]byte, error) { return r.mgr.RevProp(rev, name) }

// ChangeRevProp mutates a revision property in place without creating a
// new revision.
func (r *Repository) ChangeRevProp(rev int64, name string, value []byte) error {
	return r.mgr.ChangeRevProp(rev, name, value)
}

// GetDatedRev returns the youngest revision committed at or before t.
func (r *Repository) GetDatedRev(t time.Time) (int64, error) { return r.mgr.GetDatedRev(t) }

// RevisionDate returns the commit timestamp recorded for rev.
func (r *Repository) RevisionDate(rev int64) (time.Time, error) { return r.mgr.RevisionDate(rev) }
