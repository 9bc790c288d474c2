// Package treeeditor implements the abstract tree-editor receiver
// contract that both the report reconciler and the commit
// driver drive, plus a guard that enforces the contract's depth-first
// open/close discipline on whichever driver is currently in use.
package treeeditor

import "fmt"

// DirHandle and FileHandle are opaque identities a driver threads through
// subsequent calls against the node they were returned for. Receivers are
// free to give these any concrete meaning (a path, a database key, a
// pointer into an in-memory tree); the editor contract never inspects
// them itself.
type DirHandle interface{}
type FileHandle interface{}

// Checksum is an optional expected/observed digest, carried by
// apply-textdelta (base-checksum) and close-file (result-checksum).
// Both are optional: a zero value means absent.
type Checksum string

// WindowConsumer receives the sequence of delta windows apply-textdelta
// opens a stream for. An empty-op window (len(Ops) == 0) terminates the
// delta.
type WindowConsumer interface {
	SendWindow(w Window) error
	Close() error
}

// OpKind is one of a delta window op's three shapes.
type OpKind int

const (
	OpCopyFromSource OpKind = iota
	OpCopyFromTarget
	OpNewData
)

// Op is a single instruction within a Window.
type Op struct {
	Kind OpKind
	Off  int64
	Len  int64
	// New holds the literal bytes for OpNewData; ignored otherwise.
	New []byte
}

// Window describes a suffix of the target stream produced by concatenating
// source views, target views, and inline literals.
type Window struct {
	SourceOffset int64
	SourceLength int64
	TargetLength int64
	Ops          []Op
}

// Copyfrom, when non-nil on an add-*, marks the new node as derived from
// an existing node at a prior revision: later text-delta/property calls against the returned
// handle apply on top of the source, not on top of emptiness.
type Copyfrom struct {
	Path string
	Rev  int64
}

// Editor is the tree-delta receiver contract the wire protocol's
// report/commit drive calls implement. Implementations are
// driven by exactly one of report.Reconciler or commit.Driver at a time;
// Guard below enforces the ordering discipline independent of which one
// is in use.
type Editor interface {
	OpenRoot(baseRev int64) (DirHandle, error)
	DeleteEntry(path string, baseRev int64, parent DirHandle) error
	AddDirectory(path string, parent DirHandle, copyfrom *Copyfrom) (DirHandle, error)
	OpenDirectory(path string, parent DirHandle, baseRev int64) (DirHandle, error)
	ChangeDirProp(dir DirHandle, name string, value []byte) error
	CloseDirectory(dir DirHandle) error
	AddFile(path string, parent DirHandle, copyfrom *Copyfrom) (FileHandle, error)
	OpenFile(path string, parent DirHandle, baseRev int64) (FileHandle, error)
	ApplyTextDelta(file FileHandle, baseChecksum Checksum) (WindowConsumer, error)
	ChangeFileProp(file FileHandle, name string, value []byte) error
	CloseFile(file FileHandle, resultChecksum Checksum) error
	CloseEdit() error
	AbortEdit() error
}

type dirState struct {
	parent       *dirState
	openChildren map[interface{}]bool
	closed       bool
}

// Guard wraps an Editor and panics if the driver calling it violates the
// open/close ordering contract editor calls must follow. A violation here
// is a bug in our own
// driver code (report's reconciler or commit's driver), never a
// condition a caller can produce by feeding the system bad input — that
// distinction is why this panics instead of returning an *svnerr.Error:
// svnerr is reserved for conditions external callers can actually hit.
type Guard struct {
	inner Editor
	root  *dirState
	dirs  map[DirHandle]*dirState
	files map[FileHandle]bool
	done  bool
}

// Wrap returns inner guarded by the ordering discipline.
func Wrap(inner Editor) *Guard {
	return &Guard{inner: inner, dirs: make(map[DirHandle]*dirState), files: make(map[FileHandle]bool)}
}

func (g *Guard) requireNotDone() {
	if g.done {
		panic("treeeditor: operation called after close-edit/abort-edit")
	}
}

func (g *Guard) requireOpenDir(parent DirHandle) *dirState {
	ds, ok := g.dirs[parent]
	if !ok {
		panic(fmt.Sprintf("treeeditor: parent handle %v is not a known open directory", parent))
	}
	if ds.closed {
		panic(fmt.Sprintf("treeeditor: parent handle %v was already closed", parent))
	}
	return ds
}

func (g *Guard) OpenRoot(baseRev int64) (DirHandle, error) {
	g.requireNotDone()
	if g.root != nil {
		panic("treeeditor: open-root called more than once")
	}
	h, err := g.inner.OpenRoot(baseRev)
	if err != nil {
		return nil, err
	}
	ds := &dirState{openChildren: make(map[interface{}]bool)}
	g.root = ds
	g.dirs[h] = ds
	return h, nil
}

func (g *Guard) DeleteEntry(path string, baseRev int64, parent DirHandle) error {
	g.requireNotDone()
	g.requireOpenDir(parent)
	return g.inner.DeleteEntry(path, baseRev, parent)
}

func (g *Guard) AddDirectory(path string, parent DirHandle, copyfrom *Copyfrom) (DirHandle, error) {
	g.requireNotDone()
	pds := g.requireOpenDir(parent)
	h, err := g.inner.AddDirectory(path, parent, copyfrom)
	if err != nil {
		return nil, err
	}
	pds.openChildren[h] = true
	g.dirs[h] = &dirState{parent: pds, openChildren: make(map[interface{}]bool)}
	return h, nil
}

func (g *Guard) OpenDirectory(path string, parent DirHandle, baseRev int64) (DirHandle, error) {
	g.requireNotDone()
	pds := g.requireOpenDir(parent)
	h, err := g.inner.OpenDirectory(path, parent, baseRev)
	if err != nil {
		return nil, err
	}
	pds.openChildren[h] = true
	g.dirs[h] = &dirState{parent: pds, openChildren: make(map[interface{}]bool)}
	return h, nil
}

func (g *Guard) ChangeDirProp(dir DirHandle, name string, value []byte) error {
	g.requireNotDone()
	g.requireOpenDir(dir)
	return g.inner.ChangeDirProp(dir, name, value)
}

func (g *Guard) CloseDirectory(dir DirHandle) error {
	g.requireNotDone()
	ds := g.requireOpenDir(dir)
	if len(ds.openChildren) > 0 {
		panic(fmt.Sprintf("treeeditor: close-directory called on %v with %d child(ren) still open", dir, len(ds.openChildren)))
	}
	if err := g.inner.CloseDirectory(dir); err != nil {
		return err
	}
	ds.closed = true
	if ds.parent != nil {
		delete(ds.parent.openChildren, dir)
	}
	return nil
}

func (g *Guard) AddFile(path string, parent DirHandle, copyfrom *Copyfrom) (FileHandle, error) {
	g.requireNotDone()
	pds := g.requireOpenDir(parent)
	h, err := g.inner.AddFile(path, parent, copyfrom)
	if err != nil {
		return nil, err
	}
	pds.openChildren[h] = true
	g.files[h] = true
	return h, nil
}

func (g *Guard) OpenFile(path string, parent DirHandle, baseRev int64) (FileHandle, error) {
	g.requireNotDone()
	pds := g.requireOpenDir(parent)
	h, err := g.inner.OpenFile(path, parent, baseRev)
	if err != nil {
		return nil, err
	}
	pds.openChildren[h] = true
	g.files[h] = true
	return h, nil
}

func (g *Guard) requireOpenFile(file FileHandle) {
	if !g.files[file] {
		panic(fmt.Sprintf("treeeditor: file handle %v is not open", file))
	}
}

func (g *Guard) ApplyTextDelta(file FileHandle, baseChecksum Checksum) (WindowConsumer, error) {
	g.requireNotDone()
	g.requireOpenFile(file)
	return g.inner.ApplyTextDelta(file, baseChecksum)
}

func (g *Guard) ChangeFileProp(file FileHandle, name string, value []byte) error {
	g.requireNotDone()
	g.requireOpenFile(file)
	return g.inner.ChangeFileProp(file, name, value)
}

func (g *Guard) CloseFile(file FileHandle, resultChecksum Checksum) error {
	g.requireNotDone()
	g.requireOpenFile(file)
	if err := g.inner.CloseFile(file, resultChecksum); err != nil {
		return err
	}
	delete(g.files, file)
	for _, ds := range g.dirs {
		delete(ds.openChildren, file)
	}
	return nil
}

func (g *Guard) CloseEdit() error {
	g.requireNotDone()
	if g.root != nil && len(g.root.openChildren) > 0 {
		panic("treeeditor: close-edit called while the root directory still has open children")
	}
	if err := g.inner.CloseEdit(); err != nil {
		return err
	}
	g.done = true
	return nil
}

func (g *Guard) AbortEdit() error {
	if g.done {
		panic("treeeditor: abort-edit called after close-edit/abort-edit")
	}
	err := g.inner.AbortEdit()
	g.done = true
	return err
}

// NewErrorWindowConsumer is a convenience no-op consumer for editors that
// reject a text delta outright (e.g. apply-textdelta against a path the
// receiver has already flagged tree-conflicted).
func NewErrorWindowConsumer(err error) WindowConsumer { return errConsumer{err} }

type errConsumer struct{ err error }

func (e errConsumer) SendWindow(Window) error { return e.err }
func (e errConsumer) Close() error             { return e.err }
