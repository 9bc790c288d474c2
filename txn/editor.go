package txn

import (
	"bytes"

	"github.com/rcowham/gosvnd/svnerr"
	"github.com/rcowham/gosvnd/treeeditor"
)

// Editor implements treeeditor.Editor directly against an open Txn: every
// tree-delta call a commit drive issues becomes the corresponding Txn
// method call, so a commit received over the wire turns into the same
// copy-on-write mutations a local caller would make. DirHandle/FileHandle
// values are always the *Handle a prior call on this same Editor
// returned, so type assertions below never fail in practice - nothing
// else constructs them.
type Editor struct {
	txn *Txn
}

// NewEditor wraps t, ready to be driven (normally behind treeeditor.Wrap,
// which enforces the open/close ordering this Editor itself doesn't
// check).
func NewEditor(t *Txn) *Editor { return &Editor{txn: t} }

func (e *Editor) OpenRoot(baseRev int64) (treeeditor.DirHandle, error) {
	return e.txn.Open("")
}

func (e *Editor) DeleteEntry(path string, baseRev int64, parent treeeditor.DirHandle) error {
	return e.txn.Delete(path)
}

func (e *Editor) AddDirectory(path string, parent treeeditor.DirHandle, copyfrom *treeeditor.Copyfrom) (treeeditor.DirHandle, error) {
	if copyfrom != nil {
		return e.txn.Copy(copyfrom.Path, copyfrom.Rev, path)
	}
	return e.txn.MakeDir(path)
}

func (e *Editor) OpenDirectory(path string, parent treeeditor.DirHandle, baseRev int64) (treeeditor.DirHandle, error) {
	return e.txn.Open(path)
}

func (e *Editor) ChangeDirProp(dir treeeditor.DirHandle, name string, value []byte) error {
	return e.txn.SetProp(dir.(*Handle), name, value)
}

// CloseDirectory is a no-op: a Txn has no per-directory close step of its
// own, only the ordering treeeditor.Guard already enforces on its caller's
// behalf.
func (e *Editor) CloseDirectory(dir treeeditor.DirHandle) error { return nil }

func (e *Editor) AddFile(path string, parent treeeditor.DirHandle, copyfrom *treeeditor.Copyfrom) (treeeditor.FileHandle, error) {
	if copyfrom != nil {
		return e.txn.Copy(copyfrom.Path, copyfrom.Rev, path)
	}
	return e.txn.MakeFile(path)
}

func (e *Editor) OpenFile(path string, parent treeeditor.DirHandle, baseRev int64) (treeeditor.FileHandle, error) {
	return e.txn.Open(path)
}

func (e *Editor) ApplyTextDelta(file treeeditor.FileHandle, baseChecksum treeeditor.Checksum) (treeeditor.WindowConsumer, error) {
	return &textDeltaConsumer{txn: e.txn, handle: file.(*Handle)}, nil
}

func (e *Editor) ChangeFileProp(file treeeditor.FileHandle, name string, value []byte) error {
	return e.txn.SetProp(file.(*Handle), name, value)
}

func (e *Editor) CloseFile(file treeeditor.FileHandle, resultChecksum treeeditor.Checksum) error {
	return nil
}

// CloseEdit is a no-op: finalizing the underlying revision is the caller's
// job (it alone knows whether to call Txn.Commit or, for a report drive
// that never mutates anything, nothing at all).
func (e *Editor) CloseEdit() error { return nil }

func (e *Editor) AbortEdit() error { return e.txn.Abort() }

// textDeltaConsumer assembles one file's new content from a sequence of
// delta windows. Every driver in this codebase (commit.Driver.finishFile,
// report.Reconciler.streamFullText) only ever sends a single whole-file
// OpNewData window followed by the empty terminator, so OpCopyFromSource
// (a copy against the base text apply-textdelta was opened against) is
// never actually produced; OpCopyFromTarget is supported anyway since
// it costs nothing extra to honor against the bytes assembled so far.
type textDeltaConsumer struct {
	txn    *Txn
	handle *Handle
	target []byte
}

func (c *textDeltaConsumer) SendWindow(w treeeditor.Window) error {
	for _, op := range w.Ops {
		switch op.Kind {
		case treeeditor.OpNewData:
			c.target = append(c.target, op.New...)
		case treeeditor.OpCopyFromTarget:
			if op.Off < 0 || op.Len < 0 || op.Off+op.Len > int64(len(c.target)) {
				return svnerr.New(svnerr.MalformedFile, "", "copy-from-target delta op out of range")
			}
			c.target = append(c.target, c.target[op.Off:op.Off+op.Len]...)
		default:
			return svnerr.New(svnerr.UnsupportedFeature, "", "copy-from-source delta windows are not supported")
		}
	}
	return nil
}

func (c *textDeltaConsumer) Close() error {
	_, err := c.txn.WriteContents(c.handle, bytes.NewReader(c.target))
	return err
}
