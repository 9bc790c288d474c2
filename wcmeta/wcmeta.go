// Package wcmeta implements a durable, crash-consistent mapping from
// a working copy's repos-relative paths to their versioned entry metadata.
// It is backed by bbolt for the same reason objstore is:
// bbolt's own transactions give "observable only after sync" and
// "reflects pre-sync or post-sync state, never partial" for free.
package wcmeta

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/rcowham/gosvnd/svnerr"
	bolt "go.etcd.io/bbolt"
)

var bucketEntries = []byte("wc_entries")

// Kind is a versioned entry's node kind.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

// Schedule is the pending change, if any, recorded against an entry.
type Schedule int

const (
	ScheduleNormal Schedule = iota
	ScheduleAdd
	ScheduleDelete
	ScheduleReplace
)

// AbsentReason distinguishes why an entry is present in the store but not
// actually materialized on disk: excluded by authorization (AbsentAuthz)
// or by a depth-limited checkout (AbsentDepthExclude). AbsentNone marks
// an ordinary, materialized entry.
type AbsentReason int

const (
	AbsentNone AbsentReason = iota
	AbsentAuthz
	AbsentDepthExclude
)

// Depth is svn's familiar depth enum, shared by the report reconciler,
// the wire report sub-protocol, and this store's walk-entries.
type Depth int

const (
	DepthExclude Depth = iota
	DepthEmpty
	DepthFiles
	DepthImmediates
	DepthInfinity
)

// Entry is one versioned working-copy record.
type Entry struct {
	Path         string       `json:"path"` // repos-relpath; its own parent prefix satisfies the parent/child invariant by construction
	Kind         Kind         `json:"kind"`
	Schedule     Schedule     `json:"schedule"`
	BaseRevision int64        `json:"base_revision"`
	Checksum     string       `json:"checksum,omitempty"` // pristine strong checksum
	TextTime     int64        `json:"text_time,omitempty"` // mtime fingerprint, unix nanoseconds
	Size         int64        `json:"size,omitempty"`
	Changelist   string       `json:"changelist,omitempty"`
	AbsentReason AbsentReason `json:"absent_reason,omitempty"`
	CopyfromURL  string       `json:"copyfrom_url,omitempty"`
	CopyfromRev  int64        `json:"copyfrom_rev,omitempty"`
	TextConflicts []string    `json:"text_conflicts,omitempty"`
	PropConflict string       `json:"prop_conflict,omitempty"`
	LockToken    string       `json:"lock_token,omitempty"`
	LockOwner    string       `json:"lock_owner,omitempty"`
	LockComment  string       `json:"lock_comment,omitempty"`
}

// Store is the entry metadata store, rooted at one working copy.
type Store struct {
	db      *bolt.DB
	owned   bool
	mu      sync.Mutex
	pending map[string]*Entry // nil value = staged deletion
}

// Open creates or opens a dedicated entry store at dbPath. Most callers
// should use New against a *bolt.DB shared with workqueue (both tables
// belong in the same administrative "wc.db", mirroring how objstore and
// txn share one database file); Open exists for standalone use and tests.
func Open(dbPath string) (*Store, error) {
	db, err := bolt.Open(dbPath, 0644, nil)
	if err != nil {
		return nil, svnerr.Wrap(svnerr.IO, dbPath, "failed to open entry store", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an already-open bbolt handle, creating the entries bucket if
// necessary. The caller owns db's lifetime.
func New(db *bolt.DB) (*Store, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		return nil, svnerr.Wrap(svnerr.IO, "", "failed to initialize entry store", err)
	}
	return &Store{db: db, pending: make(map[string]*Entry)}, nil
}

// Close releases the underlying database handle, if this Store opened it
// itself (via Open). Stores built with New leave that to their caller.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func normPath(p string) string { return strings.Trim(p, "/") }

// ReadEntry returns path's committed entry. Writes staged but not yet
// synced are not visible here; they become visible only after Sync.
func (s *Store) ReadEntry(path string) (*Entry, bool, error) {
	path = normPath(path)
	var e *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get([]byte(path))
		if v == nil {
			return nil
		}
		var entry Entry
		if err := json.Unmarshal(v, &entry); err != nil {
			return svnerr.Wrap(svnerr.MalformedFile, path, "failed to unmarshal entry", err)
		}
		e = &entry
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return e, e != nil, nil
}

// ReadChildren returns dir's immediate versioned children, in stable
// lexicographic path order. The directory's child set is derived directly
// from the committed store by prefix scan rather than duplicated in a
// cached list on the parent entry, so the "parent records its child"
// invariant holds by construction instead of by separate bookkeeping.
func (s *Store) ReadChildren(dir string) ([]*Entry, error) {
	dir = normPath(dir)
	var children []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			p := string(k)
			if !isImmediateChild(dir, p) {
				continue
			}
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return svnerr.Wrap(svnerr.MalformedFile, p, "failed to unmarshal entry", err)
			}
			children = append(children, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Path < children[j].Path })
	return children, nil
}

func isImmediateChild(dir, candidate string) bool {
	if dir == "" {
		return candidate != "" && !strings.Contains(candidate, "/")
	}
	prefix := dir + "/"
	if !strings.HasPrefix(candidate, prefix) {
		return false
	}
	return !strings.Contains(candidate[len(prefix):], "/")
}

// WriteEntry stages path's entry for the next Sync. Not observable via
// ReadEntry/ReadChildren/WalkEntries until Sync is called.
func (s *Store) WriteEntry(path string, e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.Path = normPath(path)
	s.pending[normPath(path)] = &cp
}

// DeleteEntry stages path's entry for removal at the next Sync.
func (s *Store) DeleteEntry(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[normPath(path)] = nil
}

// Sync flushes every staged write/delete in one atomic bbolt transaction:
// on crash the store reflects either the pre-sync or post-sync state,
// never a partial write.
func (s *Store) Sync() error {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*Entry)
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for path, e := range pending {
			if e == nil {
				if err := b.Delete([]byte(path)); err != nil {
					return err
				}
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				return svnerr.Wrap(svnerr.IO, path, "failed to marshal entry", err)
			}
			if err := b.Put([]byte(path), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return svnerr.Wrap(svnerr.IO, "", "failed to sync entry store", err)
	}
	return nil
}

// WalkEntries visits every committed entry at or under root, depth-first
// in stable lexicographic path order, honoring depth the way svn's own
// depth-limited walks do: Empty visits only root itself, Files adds
// immediate file children, Immediates adds immediate children of either
// kind (without recursing into child directories), Infinity recurses
// fully.
func (s *Store) WalkEntries(root string, depth Depth, cb func(*Entry) error) error {
	root = normPath(root)
	var all []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			p := string(k)
			if p != root && !strings.HasPrefix(p, root+"/") && root != "" {
				continue
			}
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return svnerr.Wrap(svnerr.MalformedFile, p, "failed to unmarshal entry", err)
			}
			all = append(all, &entry)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Path < all[j].Path })

	for _, e := range all {
		rel := strings.TrimPrefix(strings.TrimPrefix(e.Path, root), "/")
		depthOfEntry := strings.Count(rel, "/")
		if e.Path == root {
			depthOfEntry = -1 // root itself, always visited except DepthExclude
		}
		switch depth {
		case DepthExclude:
			continue
		case DepthEmpty:
			if e.Path != root {
				continue
			}
		case DepthFiles:
			if e.Path != root && (depthOfEntry > 0 || e.Kind != KindFile) {
				continue
			}
		case DepthImmediates:
			if e.Path != root && depthOfEntry > 0 {
				continue
			}
		case DepthInfinity:
			// everything under root
		}
		if err := cb(e); err != nil {
			return err
		}
	}
	return nil
}
