// Package wc assembles a working copy's administrative area: the
// content-addressed pristine store, the advisory lock guarding concurrent
// access, the README marker, and the shared bbolt handle that wcmeta and
// workqueue both write into.
package wc

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rcowham/gosvnd/localmod"
	"github.com/rcowham/gosvnd/svnerr"
	"github.com/rcowham/gosvnd/translate"
	"github.com/rcowham/gosvnd/wcmeta"
	"github.com/rcowham/gosvnd/workqueue"
	"github.com/spf13/afero"
	bolt "go.etcd.io/bbolt"
)

const readmeText = `This is a gosvnd working copy administrative directory.

Visit https://subversion.apache.org/ for more information.

Do NOT edit any files in this directory by hand, unless you know what
you are doing, since you may cause serious problems that prevent gosvnd
from functioning properly.
`

var bucketPristine = []byte("wc_pristine")

// WorkingCopy ties the entry store, work queue, and pristine store to one
// root directory and one shared administrative database file.
type WorkingCopy struct {
	Root     string
	Entries  *wcmeta.Store
	Queue    *workqueue.Queue
	Detector *localmod.Detector

	db   *bolt.DB
	fs   afero.Fs
	lock *flock.Flock
}

// Open opens (creating if necessary) the administrative area rooted at
// root: an ".svn" directory holding the shared "wc.db" bbolt file, a
// README marker, and an advisory lock file. fs is the filesystem the
// working files themselves live on (shared with workqueue so tests can
// run entirely in-memory).
func Open(fs afero.Fs, root string) (*WorkingCopy, error) {
	adminDir := filepath.Join(root, ".svn")
	if err := fs.MkdirAll(adminDir, 0755); err != nil {
		return nil, svnerr.Wrap(svnerr.IO, root, "failed to create administrative directory", err)
	}

	readmePath := filepath.Join(adminDir, "README.txt")
	if exists, _ := afero.Exists(fs, readmePath); !exists {
		if err := afero.WriteFile(fs, readmePath, []byte(readmeText), 0644); err != nil {
			return nil, svnerr.Wrap(svnerr.IO, root, "failed to write administrative readme", err)
		}
	}

	dbPath, err := realPath(fs, filepath.Join(adminDir, "wc.db"), "gosvnd-wc-*.db")
	if err != nil {
		return nil, err
	}
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}

	entries, err := wcmeta.New(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	pristine := &pristineStore{db: db}
	if err := pristine.init(); err != nil {
		db.Close()
		return nil, err
	}

	queue, err := workqueue.New(db, fs, root, pristine)
	if err != nil {
		db.Close()
		return nil, err
	}

	detector := localmod.New(fs, pristine)

	lockPath, err := realPath(fs, filepath.Join(adminDir, "lock"), "gosvnd-wc-*.lock")
	if err != nil {
		db.Close()
		return nil, err
	}

	return &WorkingCopy{
		Root:     root,
		Entries:  entries,
		Queue:    queue,
		Detector: detector,
		db:       db,
		fs:       fs,
		lock:     flock.New(lockPath),
	}, nil
}

// Lock acquires this working copy's advisory lock, blocking other gosvnd
// processes (not other OS processes touching the files directly) from
// running an operation concurrently against the same administrative area.
// Reentrant from the same *WorkingCopy handle: locking twice without an
// intervening Unlock is a no-op, matching how svn's own recursive locking
// behaves for nested operations against one working copy.
func (w *WorkingCopy) Lock() error {
	locked, err := w.lock.TryLock()
	if err != nil {
		return svnerr.Wrap(svnerr.IO, w.Root, "failed to acquire working copy lock", err)
	}
	if !locked {
		return svnerr.New(svnerr.IncorrectParams, w.Root, "working copy is locked by another process")
	}
	return nil
}

// Unlock releases the advisory lock acquired by Lock.
func (w *WorkingCopy) Unlock() error {
	if err := w.lock.Unlock(); err != nil {
		return svnerr.Wrap(svnerr.IO, w.Root, "failed to release working copy lock", err)
	}
	return nil
}

// Close flushes any staged entry-store writes and releases the shared
// database handle.
func (w *WorkingCopy) Close() error {
	if err := w.Entries.Sync(); err != nil {
		return err
	}
	return w.db.Close()
}

// pristineStore is wc's content-addressed pristine text store, keyed by
// strong (SHA-1) checksum rather than objstore's monotone key, since a
// working copy must be able to look a pristine up by the checksum an
// entry already carries without a separate index.
type pristineStore struct {
	db *bolt.DB
}

func (p *pristineStore) init() error {
	err := p.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPristine)
		return err
	})
	if err != nil {
		return svnerr.Wrap(svnerr.IO, "", "failed to initialize pristine store", err)
	}
	return nil
}

// Read implements both workqueue.PristineStore and localmod.PristineReader.
func (p *pristineStore) Read(checksum string) (io.ReadCloser, error) {
	var data []byte
	err := p.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPristine).Get([]byte(checksum))
		if v == nil {
			return svnerr.New(svnerr.PathNotFound, checksum, "no such pristine text")
		}
		data = append(data, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Write stores r's content under its own strong checksum, returning it.
func (p *pristineStore) Write(r io.Reader) (string, error) {
	h := sha1.New()
	var buf bytes.Buffer
	if _, err := io.Copy(io.MultiWriter(h, &buf), r); err != nil {
		return "", svnerr.Wrap(svnerr.IO, "", "failed to read pristine content", err)
	}
	checksum := hex.EncodeToString(h.Sum(nil))
	err := p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPristine).Put([]byte(checksum), buf.Bytes())
	})
	if err != nil {
		return "", svnerr.Wrap(svnerr.IO, checksum, "failed to persist pristine content", err)
	}
	return checksum, nil
}

// realPath resolves a real OS-backed path for administrative state that
// must live outside the afero abstraction (bbolt mmaps its file, flock
// takes a real OS file lock). Against afero's os-backed filesystem,
// logicalPath already is a real path. Against the in-memory filesystem
// used by tests, no real directory backs adminDir, so this allocates a
// real temp file instead, matching how the working files themselves stay
// purely in memory while the administrative database and lock do not.
func realPath(fs afero.Fs, logicalPath, tempPattern string) (string, error) {
	if _, ok := fs.(*afero.MemMapFs); !ok {
		return logicalPath, nil
	}
	tmp, err := afero.TempFile(afero.NewOsFs(), "", tempPattern)
	if err != nil {
		return "", svnerr.Wrap(svnerr.IO, logicalPath, "failed to allocate temp administrative file", err)
	}
	path := tmp.Name()
	tmp.Close()
	return path, nil
}

// openDB opens a bbolt database at dbPath.
func openDB(dbPath string) (*bolt.DB, error) {
	db, err := bolt.Open(dbPath, 0644, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, svnerr.Wrap(svnerr.IO, dbPath, "failed to open working copy database", err)
	}
	return db, nil
}

// EOLOptionsForEntry builds the translate.Options the work queue and
// local-modification detector need from an entry's cached svn:eol-style
// and svn:keywords property values (both already resolved to concrete
// strings by the caller, since property inheritance/keyword expansion
// values are a wc-level concern, not the translator's).
func EOLOptionsForEntry(eolStyle string, keywords map[string]string, special bool) translate.Options {
	style := translate.EOLStyle(eolStyle)
	if style == "" {
		style = translate.EOLNone
	}
	return translate.Options{EOLStyle: style, Keywords: keywords, Special: special}
}
