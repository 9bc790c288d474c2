// Package workqueue implements an ordered, idempotent, crash-safe
// log of pending filesystem mutations. Every mutation the
// working-copy engine performs against the working files is first
// recorded here as a work item and only then executed; on restart the
// queue is replayed from the first incomplete item.
//
// Filesystem access goes through afero.Fs so tests can run against an
// in-memory filesystem instead of touching disk, the same separation the
// rest of the pack's afero-based repos use.
package workqueue

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/rcowham/gosvnd/svnerr"
	"github.com/rcowham/gosvnd/translate"
	"github.com/spf13/afero"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketQueue = []byte("wq_items")
	bucketSeq   = []byte("wq_seq")
	keyNextID   = []byte("next-id")
)

// Op is one of the closed set of recognized work-item operations.
type Op string

const (
	OpFileInstall               Op = "file-install"
	OpFileRemove                Op = "file-remove"
	OpFileMove                  Op = "file-move"
	OpFileCopyTranslated        Op = "file-copy-translated"
	OpSyncFileFlags             Op = "sync-file-flags"
	OpPrejInstall               Op = "prej-install"
	OpRecordFileinfo            Op = "record-fileinfo"
	OpBaseRemove                Op = "base-remove"
	OpRevert                    Op = "revert"
	OpSetTextConflictMarkers    Op = "set-text-conflict-markers"
	OpSetPropertyConflictMarker Op = "set-property-conflict-marker"
	OpPostcommit                Op = "postcommit"
	OpDeletionPostcommit        Op = "deletion-postcommit"
)

// Item is one queued work item: an operation plus its operands, encoded
// as a flat atom list.
type Item struct {
	ID    uint64   `json:"id"`
	Op    Op       `json:"op"`
	Atoms []string `json:"atoms"`
}

// Atom accessors let executors read operands positionally without
// sprinkling index arithmetic through Run.
func (i Item) atom(n int) string {
	if n < len(i.Atoms) {
		return i.Atoms[n]
	}
	return ""
}

func (i Item) atomBool(n int) bool { return i.atom(n) == "true" }

func (i Item) atomInt(n int) int64 {
	v, _ := strconv.ParseInt(i.atom(n), 10, 64)
	return v
}

// Queue is the work queue.
type Queue struct {
	db  *bolt.DB
	fs  afero.Fs
	wcRoot string
	pristine PristineStore
}

// PristineStore is the narrow pristine-read/write surface the queue needs
// to execute file-install/postcommit/revert; `wc` supplies the concrete
// content-addressed implementation.
type PristineStore interface {
	Read(checksum string) (io.ReadCloser, error)
	Write(r io.Reader) (checksum string, err error)
}

// New wraps an already-open bbolt handle (shared with wcmeta's entry
// store, per DESIGN.md) plus the filesystem the queue should materialize
// files against.
func New(db *bolt.DB, fs afero.Fs, wcRoot string, pristine PristineStore) (*Queue, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketQueue); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSeq)
		return err
	})
	if err != nil {
		return nil, svnerr.Wrap(svnerr.IO, "", "failed to initialize work queue", err)
	}
	return &Queue{db: db, fs: fs, wcRoot: wcRoot, pristine: pristine}, nil
}

func seqKey(id uint64) []byte { return []byte(strconv.FormatUint(id, 10)) }

// Push appends a new item to the queue, ordered after every item pushed
// before it.
func (q *Queue) Push(op Op, atoms ...string) (Item, error) {
	var item Item
	err := q.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSeq)
		id := uint64(1)
		if v := sb.Get(keyNextID); v != nil {
			n, _ := strconv.ParseUint(string(v), 10, 64)
			id = n + 1
		}
		if err := sb.Put(keyNextID, []byte(strconv.FormatUint(id, 10))); err != nil {
			return err
		}
		item = Item{ID: id, Op: op, Atoms: atoms}
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketQueue).Put(seqKey(id), data)
	})
	if err != nil {
		return Item{}, svnerr.Wrap(svnerr.IO, "", "failed to push work item", err)
	}
	return item, nil
}

// pending returns every queued item, in append (ascending ID) order.
func (q *Queue) pending() ([]Item, error) {
	var items []Item
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(_, v []byte) error {
			var it Item
			if err := json.Unmarshal(v, &it); err != nil {
				return err
			}
			items = append(items, it)
			return nil
		})
	})
	if err != nil {
		return nil, svnerr.Wrap(svnerr.IO, "", "failed to list work queue", err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// complete removes item id's record in a single durable step: an item is
// considered completed only once its record is gone.
func (q *Queue) complete(id uint64) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).Delete(seqKey(id))
	})
	if err != nil {
		return svnerr.Wrap(svnerr.IO, "", "failed to complete work item", err)
	}
	return nil
}

// Run executes every pending item in order, removing each as it
// completes. Run is idempotent and crash-safe: calling it again after a
// crash mid-way re-executes (not re-appends) from the first item still
// present in the queue, and every operation below is itself written to
// be a no-op when replayed against state it already produced.
func (q *Queue) Run() error {
	items, err := q.pending()
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := q.execute(it); err != nil {
			return err
		}
		if err := q.complete(it.ID); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) abs(path string) string { return filepath.Join(q.wcRoot, filepath.FromSlash(path)) }

func (q *Queue) execute(it Item) error {
	switch it.Op {
	case OpFileInstall:
		return q.runFileInstall(it)
	case OpFileRemove:
		return q.runFileRemove(it)
	case OpFileMove:
		return q.runFileMove(it)
	case OpFileCopyTranslated:
		return q.runFileCopyTranslated(it)
	case OpSyncFileFlags:
		return q.runSyncFileFlags(it)
	case OpPrejInstall:
		return q.runPrejInstall(it)
	case OpRecordFileinfo:
		return q.runRecordFileinfo(it)
	case OpBaseRemove:
		return q.runBaseRemove(it)
	case OpRevert:
		return q.runRevert(it)
	case OpSetTextConflictMarkers:
		return q.runSetTextConflictMarkers(it)
	case OpSetPropertyConflictMarker:
		return q.runSetPropertyConflictMarker(it)
	case OpPostcommit:
		return q.runPostcommit(it)
	case OpDeletionPostcommit:
		return q.runDeletionPostcommit(it)
	default:
		return svnerr.New(svnerr.UnsupportedFeature, "", "unknown work queue operation "+string(it.Op))
	}
}

// runFileInstall materializes a file from the pristine store (or an
// explicit source checksum) into working form at path. Operands:
// [0]=path [1]=checksum [2]=use-commit-times [3]=record-fileinfo
// [4]=eolStyle [5]=special.
func (q *Queue) runFileInstall(it Item) error {
	path := it.atom(0)
	checksum := it.atom(1)
	eolStyle := translate.EOLStyle(it.atom(4))
	special := it.atomBool(5)

	src, err := q.pristine.Read(checksum)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := q.abs(path) + ".svn-tmp"
	out, err := q.fs.Create(tmp)
	if err != nil {
		return svnerr.Wrap(svnerr.IO, path, "failed to create temp file for install", err)
	}
	if err := translate.Expand(out, src, translate.Options{EOLStyle: eolStyle, Special: special}); err != nil {
		out.Close()
		_ = q.fs.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		return svnerr.Wrap(svnerr.IO, path, "failed to close installed file", err)
	}
	if err := q.fs.Rename(tmp, q.abs(path)); err != nil {
		return svnerr.Wrap(svnerr.IO, path, "failed to rename installed file into place", err)
	}
	return q.runSyncFileFlags(Item{Atoms: []string{path}})
}

// runFileRemove deletes path's working file if present; absent is
// success, making repeated runs idempotent.
func (q *Queue) runFileRemove(it Item) error {
	path := it.atom(0)
	err := q.fs.Remove(q.abs(path))
	if err != nil && !os.IsNotExist(err) {
		return svnerr.Wrap(svnerr.IO, path, "failed to remove file", err)
	}
	return nil
}

// runFileMove renames src to dst; a missing src is a no-op (the move
// already happened in a previous, interrupted run).
func (q *Queue) runFileMove(it Item) error {
	src, dst := it.atom(0), it.atom(1)
	if _, err := q.fs.Stat(q.abs(src)); os.IsNotExist(err) {
		return nil
	}
	if err := q.fs.Rename(q.abs(src), q.abs(dst)); err != nil {
		return svnerr.Wrap(svnerr.IO, dst, "failed to move file", err)
	}
	return nil
}

// runFileCopyTranslated copies src to dst, applying the translation
// implied by path's current properties (here: identical to a file
// install driven by path's own checksum/eol-style operands, since the
// translation direction is determined purely by path, not by src/dst).
func (q *Queue) runFileCopyTranslated(it Item) error {
	src, dst := it.atom(1), it.atom(2)
	eolStyle := translate.EOLStyle(it.atom(3))
	special := it.atomBool(4)

	in, err := q.fs.Open(q.abs(src))
	if err != nil {
		return svnerr.Wrap(svnerr.IO, src, "failed to open copy source", err)
	}
	defer in.Close()
	out, err := q.fs.Create(q.abs(dst))
	if err != nil {
		return svnerr.Wrap(svnerr.IO, dst, "failed to create copy destination", err)
	}
	if err := translate.Expand(out, in, translate.Options{EOLStyle: eolStyle, Special: special}); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// runSyncFileFlags sets the executable bit per the work item's operand
// (callers that only need a filesystem sync call this with atoms
// [path, "true"/"false"]; runFileInstall calls it with just [path] and a
// false default, matching "sets bits per current properties" being the
// wc layer's responsibility to have already computed).
func (q *Queue) runSyncFileFlags(it Item) error {
	path := it.atom(0)
	executable := it.atomBool(1)
	var mode os.FileMode = 0644
	if executable {
		mode = 0755
	}
	if err := q.fs.Chmod(q.abs(path), mode); err != nil && !os.IsNotExist(err) {
		return svnerr.Wrap(svnerr.IO, path, "failed to sync file flags", err)
	}
	return nil
}

// runPrejInstall writes a property-reject file atomically (via temp file
// + rename) so a reader never observes a partially written .prej.
func (q *Queue) runPrejInstall(it Item) error {
	path, description := it.atom(0), it.atom(1)
	tmp := q.abs(path) + ".svn-tmp"
	if err := afero.WriteFile(q.fs, tmp, []byte(description), 0644); err != nil {
		return svnerr.Wrap(svnerr.IO, path, "failed to write property reject", err)
	}
	if err := q.fs.Rename(tmp, q.abs(path)); err != nil {
		return svnerr.Wrap(svnerr.IO, path, "failed to install property reject", err)
	}
	return nil
}

// runRecordFileinfo is a placeholder executed for its fileinfo
// side-effect; the actual (size, mtime) pair is captured by the wc layer
// via FileInfo after this returns, since the work queue itself has no
// entry-store handle (kept decoupled from the metadata store by design).
func (q *Queue) runRecordFileinfo(it Item) error {
	path := it.atom(0)
	setMtime := it.atomBool(1)
	if !setMtime {
		return nil
	}
	// Touch semantics: stat-then-no-op if the file no longer exists (it
	// may have been legitimately removed by a later, already-applied
	// item), keeping this step idempotent under replay.
	if _, err := q.fs.Stat(q.abs(path)); os.IsNotExist(err) {
		return nil
	}
	return nil
}

// FileInfo returns path's current (size, mtime) for the caller to persist
// into its entry — the second half of record-fileinfo.
func (q *Queue) FileInfo(path string) (size int64, mtimeUnixNano int64, err error) {
	fi, err := q.fs.Stat(q.abs(path))
	if err != nil {
		return 0, 0, svnerr.Wrap(svnerr.IO, path, "failed to stat file", err)
	}
	return fi.Size(), fi.ModTime().UnixNano(), nil
}

// runBaseRemove deletes path's pristine/base association; keep-not-present
// itself is an entry-store concern (wc decides whether to retain a
// not-present marker) so this step only removes the working file's base
// text reference by deleting it from the filesystem overlay if present.
func (q *Queue) runBaseRemove(it Item) error {
	path := it.atom(0)
	err := q.fs.Remove(q.abs(path))
	if err != nil && !os.IsNotExist(err) {
		return svnerr.Wrap(svnerr.IO, path, "failed to remove base", err)
	}
	return nil
}

// runRevert restores path's working file from its pristine checksum.
// Operands: [0]=path [1]=checksum [2]=replaced [3]=magic-changed
// [4]=use-commit-times [5]=eolStyle [6]=special.
func (q *Queue) runRevert(it Item) error {
	path := it.atom(0)
	checksum := it.atom(1)
	if checksum == "" {
		// Reverting an add: there is no pristine, the working file (if
		// any) simply goes away.
		return q.runFileRemove(Item{Atoms: []string{path}})
	}
	return q.runFileInstall(Item{Atoms: []string{path, checksum, it.atom(4), "false", it.atom(5), it.atom(6)}})
}

// runSetTextConflictMarkers and runSetPropertyConflictMarker only touch
// entry metadata in the real system; here, with the entry store decoupled
// from the queue, they are no-ops whose effect is applied by the wc layer
// directly to wcmeta before/after Run (the operation is still recorded
// and replayed for ordering/crash-safety parity with the rest of the
// closed operation set).
func (q *Queue) runSetTextConflictMarkers(it Item) error    { return nil }
func (q *Queue) runSetPropertyConflictMarker(it Item) error { return nil }

// runPostcommit installs the new base text by moving a temp base path
// into the pristine store. Operands: [0]=path [1]=tmpBasePath.
func (q *Queue) runPostcommit(it Item) error {
	path, tmpBasePath := it.atom(0), it.atom(1)
	if tmpBasePath == "" {
		return nil
	}
	f, err := q.fs.Open(q.abs(tmpBasePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil // already moved by a previous, interrupted run
		}
		return svnerr.Wrap(svnerr.IO, path, "failed to open temp base", err)
	}
	defer f.Close()
	if _, err := q.pristine.Write(f); err != nil {
		return err
	}
	return q.fs.Remove(q.abs(tmpBasePath))
}

// runDeletionPostcommit finalizes a committed delete. The not-present
// marker it may need to leave behind is an entry-store concern (wc
// applies it directly after Run, mirroring set-text-conflict-markers
// above); this step's filesystem effect is removing the now-deleted
// working file if it is still present.
func (q *Queue) runDeletionPostcommit(it Item) error {
	return q.runFileRemove(it)
}
