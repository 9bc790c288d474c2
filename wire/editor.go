package wire

import (
	"fmt"

	"github.com/rcowham/gosvnd/svnerr"
	"github.com/rcowham/gosvnd/treeeditor"
)

// Editor sub-command names: the tree-delta calls a commit drives from
// client to server, and a report drives from server to client, once the
// core commit/report command itself has started. Both directions reuse
// the same vocabulary and the same caller-minted string tokens identify
// a DirHandle/FileHandle across calls, the same way real working-copy
// protocols track open editor batons.
const (
	CmdOpenRoot       = "open-root"
	CmdDeleteEntry    = "delete-entry"
	CmdAddDir         = "add-dir"
	CmdOpenDir        = "open-dir"
	CmdChangeDirProp  = "change-dir-prop"
	CmdCloseDir       = "close-dir"
	CmdAddFile        = "add-file"
	CmdOpenFile       = "open-file"
	CmdApplyTextDelta = "apply-textdelta"
	CmdTextDeltaChunk = "textdelta-chunk"
	CmdTextDeltaEnd   = "textdelta-end"
	CmdChangeFileProp = "change-file-prop"
	CmdCloseFile      = "close-file"
	CmdCloseEdit      = "close-edit"
	CmdAbortEdit      = "abort-edit"
)

// EditorSession is the receiving half of the tree-delta sub-protocol: it
// applies an incoming stream of editor sub-commands, identified by the
// caller's own string tokens, against a treeeditor.Editor. A commit uses
// this server-side to turn the client's add-dir/add-file/... stream into
// calls against a txn-backed Editor; nothing stops the same type being
// driven client-side against a local editor, but this codebase only ever
// runs it on the server.
type EditorSession struct {
	editor treeeditor.Editor
	dirs   map[string]treeeditor.DirHandle
	files  map[string]treeeditor.FileHandle
	deltas map[string]treeeditor.WindowConsumer
}

func NewEditorSession(editor treeeditor.Editor) *EditorSession {
	return &EditorSession{
		editor: editor,
		dirs:   make(map[string]treeeditor.DirHandle),
		files:  make(map[string]treeeditor.FileHandle),
		deltas: make(map[string]treeeditor.WindowConsumer),
	}
}

// Step dispatches one editor sub-command, returning true once the edit
// has been closed or aborted.
func (s *EditorSession) Step(cmd Command, w *Writer) (done bool, err error) {
	switch cmd.Name {
	case CmdOpenRoot:
		if len(cmd.Args) < 2 {
			return false, badArgs(w, cmd)
		}
		h, err := s.editor.OpenRoot(cmd.Args[0].AsNumber())
		if err != nil {
			return false, w.WriteFailure(FailureFromErr(err)...)
		}
		s.dirs[string(cmd.Args[1].AsString())] = h
		return false, w.WriteSuccess()

	case CmdDeleteEntry:
		if len(cmd.Args) < 3 {
			return false, badArgs(w, cmd)
		}
		parent, ok := s.dirs[string(cmd.Args[2].AsString())]
		if !ok {
			return false, unknownToken(w, cmd)
		}
		if err := s.editor.DeleteEntry(string(cmd.Args[0].AsString()), cmd.Args[1].AsNumber(), parent); err != nil {
			return false, w.WriteFailure(FailureFromErr(err)...)
		}
		return false, w.WriteSuccess()

	case CmdAddDir:
		if len(cmd.Args) < 3 {
			return false, badArgs(w, cmd)
		}
		parent, ok := s.dirs[string(cmd.Args[1].AsString())]
		if !ok {
			return false, unknownToken(w, cmd)
		}
		token := string(cmd.Args[2].AsString())
		h, err := s.editor.AddDirectory(string(cmd.Args[0].AsString()), parent, copyfromFromArgs(cmd.Args[3:]))
		if err != nil {
			return false, w.WriteFailure(FailureFromErr(err)...)
		}
		s.dirs[token] = h
		return false, w.WriteSuccess()

	case CmdOpenDir:
		if len(cmd.Args) < 4 {
			return false, badArgs(w, cmd)
		}
		parent, ok := s.dirs[string(cmd.Args[1].AsString())]
		if !ok {
			return false, unknownToken(w, cmd)
		}
		token := string(cmd.Args[2].AsString())
		h, err := s.editor.OpenDirectory(string(cmd.Args[0].AsString()), parent, cmd.Args[3].AsNumber())
		if err != nil {
			return false, w.WriteFailure(FailureFromErr(err)...)
		}
		s.dirs[token] = h
		return false, w.WriteSuccess()

	case CmdChangeDirProp:
		if len(cmd.Args) < 2 {
			return false, badArgs(w, cmd)
		}
		dir, ok := s.dirs[string(cmd.Args[0].AsString())]
		if !ok {
			return false, unknownToken(w, cmd)
		}
		if err := s.editor.ChangeDirProp(dir, string(cmd.Args[1].AsString()), propValue(cmd.Args[2:])); err != nil {
			return false, w.WriteFailure(FailureFromErr(err)...)
		}
		return false, w.WriteSuccess()

	case CmdCloseDir:
		if len(cmd.Args) < 1 {
			return false, badArgs(w, cmd)
		}
		token := string(cmd.Args[0].AsString())
		dir, ok := s.dirs[token]
		if !ok {
			return false, unknownToken(w, cmd)
		}
		if err := s.editor.CloseDirectory(dir); err != nil {
			return false, w.WriteFailure(FailureFromErr(err)...)
		}
		delete(s.dirs, token)
		return false, w.WriteSuccess()

	case CmdAddFile:
		if len(cmd.Args) < 3 {
			return false, badArgs(w, cmd)
		}
		parent, ok := s.dirs[string(cmd.Args[1].AsString())]
		if !ok {
			return false, unknownToken(w, cmd)
		}
		token := string(cmd.Args[2].AsString())
		h, err := s.editor.AddFile(string(cmd.Args[0].AsString()), parent, copyfromFromArgs(cmd.Args[3:]))
		if err != nil {
			return false, w.WriteFailure(FailureFromErr(err)...)
		}
		s.files[token] = h
		return false, w.WriteSuccess()

	case CmdOpenFile:
		if len(cmd.Args) < 4 {
			return false, badArgs(w, cmd)
		}
		parent, ok := s.dirs[string(cmd.Args[1].AsString())]
		if !ok {
			return false, unknownToken(w, cmd)
		}
		token := string(cmd.Args[2].AsString())
		h, err := s.editor.OpenFile(string(cmd.Args[0].AsString()), parent, cmd.Args[3].AsNumber())
		if err != nil {
			return false, w.WriteFailure(FailureFromErr(err)...)
		}
		s.files[token] = h
		return false, w.WriteSuccess()

	case CmdApplyTextDelta:
		if len(cmd.Args) < 1 {
			return false, badArgs(w, cmd)
		}
		token := string(cmd.Args[0].AsString())
		file, ok := s.files[token]
		if !ok {
			return false, unknownToken(w, cmd)
		}
		var checksum treeeditor.Checksum
		if len(cmd.Args) > 1 {
			checksum = treeeditor.Checksum(cmd.Args[1].AsString())
		}
		consumer, err := s.editor.ApplyTextDelta(file, checksum)
		if err != nil {
			return false, w.WriteFailure(FailureFromErr(err)...)
		}
		s.deltas[token] = consumer
		return false, w.WriteSuccess()

	case CmdTextDeltaChunk:
		if len(cmd.Args) < 2 {
			return false, badArgs(w, cmd)
		}
		token := string(cmd.Args[0].AsString())
		consumer, ok := s.deltas[token]
		if !ok {
			return false, unknownToken(w, cmd)
		}
		data := cmd.Args[1].AsString()
		win := treeeditor.Window{TargetLength: int64(len(data))}
		if len(data) > 0 {
			win.Ops = []treeeditor.Op{{Kind: treeeditor.OpNewData, Len: int64(len(data)), New: data}}
		}
		if err := consumer.SendWindow(win); err != nil {
			return false, w.WriteFailure(FailureFromErr(err)...)
		}
		return false, w.WriteSuccess()

	case CmdTextDeltaEnd:
		if len(cmd.Args) < 1 {
			return false, badArgs(w, cmd)
		}
		token := string(cmd.Args[0].AsString())
		consumer, ok := s.deltas[token]
		if !ok {
			return false, unknownToken(w, cmd)
		}
		if err := consumer.SendWindow(treeeditor.Window{}); err != nil {
			return false, w.WriteFailure(FailureFromErr(err)...)
		}
		if err := consumer.Close(); err != nil {
			return false, w.WriteFailure(FailureFromErr(err)...)
		}
		delete(s.deltas, token)
		return false, w.WriteSuccess()

	case CmdChangeFileProp:
		if len(cmd.Args) < 2 {
			return false, badArgs(w, cmd)
		}
		file, ok := s.files[string(cmd.Args[0].AsString())]
		if !ok {
			return false, unknownToken(w, cmd)
		}
		if err := s.editor.ChangeFileProp(file, string(cmd.Args[1].AsString()), propValue(cmd.Args[2:])); err != nil {
			return false, w.WriteFailure(FailureFromErr(err)...)
		}
		return false, w.WriteSuccess()

	case CmdCloseFile:
		if len(cmd.Args) < 1 {
			return false, badArgs(w, cmd)
		}
		token := string(cmd.Args[0].AsString())
		file, ok := s.files[token]
		if !ok {
			return false, unknownToken(w, cmd)
		}
		var checksum treeeditor.Checksum
		if len(cmd.Args) > 1 {
			checksum = treeeditor.Checksum(cmd.Args[1].AsString())
		}
		if err := s.editor.CloseFile(file, checksum); err != nil {
			return false, w.WriteFailure(FailureFromErr(err)...)
		}
		delete(s.files, token)
		return false, w.WriteSuccess()

	case CmdCloseEdit:
		if err := s.editor.CloseEdit(); err != nil {
			return true, w.WriteFailure(FailureFromErr(err)...)
		}
		return true, w.WriteSuccess()

	case CmdAbortEdit:
		if err := s.editor.AbortEdit(); err != nil {
			return true, w.WriteFailure(FailureFromErr(err)...)
		}
		return true, w.WriteSuccess()

	default:
		return false, w.WriteFailure(FailureFromErr(svnerr.New(svnerr.UnsupportedFeature, cmd.Name, "not an editor sub-command"))...)
	}
}

func unknownToken(w *Writer, cmd Command) error {
	return w.WriteFailure(FailureFromErr(svnerr.New(svnerr.IncorrectParams, cmd.Name, "unknown token"))...)
}

func copyfromFromArgs(args []Value) *treeeditor.Copyfrom {
	if len(args) < 2 {
		return nil
	}
	p := string(args[0].AsString())
	if p == "" {
		return nil
	}
	return &treeeditor.Copyfrom{Path: p, Rev: args[1].AsNumber()}
}

func propValue(args []Value) []byte {
	if len(args) == 0 {
		return nil
	}
	return args[0].AsString()
}

// WireEditor implements treeeditor.Editor by serializing every call as an
// outbound editor sub-command and blocking for the peer's success/failure
// reply - the sending half of the sub-protocol EditorSession receives. A
// report drive uses it to push an update/switch/status/diff's resulting
// tree-delta to the client as the reconciler computes it, minting its own
// tokens rather than relying on any the peer assigns.
type WireEditor struct {
	r *Reader
	w *Writer
	n int
}

func NewWireEditor(r *Reader, w *Writer) *WireEditor { return &WireEditor{r: r, w: w} }

func (e *WireEditor) nextToken() string {
	e.n++
	return fmt.Sprintf("t%d", e.n)
}

func (e *WireEditor) roundTrip(name string, args ...Value) error {
	if err := e.w.WriteValue(Lst(append([]Value{Wd(name)}, args...)...)); err != nil {
		return err
	}
	resp, err := e.r.ReadCommand()
	if err != nil {
		return err
	}
	if resp.Name == "failure" {
		return errFromFailure(resp)
	}
	return nil
}

func errFromFailure(resp Command) error {
	if len(resp.Args) == 0 || len(resp.Args[0].List) == 0 {
		return svnerr.New(svnerr.Unknown, "", "empty failure response")
	}
	entry := resp.Args[0].List[0]
	if entry.Kind != KindList || len(entry.List) < 2 {
		return svnerr.New(svnerr.Unknown, "", "malformed failure response")
	}
	return svnerr.New(svnerr.Kind(entry.List[0].AsNumber()), "", string(entry.List[1].AsString()))
}

func copyfromArgs(copyfrom *treeeditor.Copyfrom) []Value {
	if copyfrom == nil {
		return nil
	}
	return []Value{Str(copyfrom.Path), Num(copyfrom.Rev)}
}

func (e *WireEditor) OpenRoot(baseRev int64) (treeeditor.DirHandle, error) {
	token := e.nextToken()
	if err := e.roundTrip(CmdOpenRoot, Num(baseRev), Str(token)); err != nil {
		return nil, err
	}
	return token, nil
}

func (e *WireEditor) DeleteEntry(path string, baseRev int64, parent treeeditor.DirHandle) error {
	return e.roundTrip(CmdDeleteEntry, Str(path), Num(baseRev), Str(parent.(string)))
}

func (e *WireEditor) AddDirectory(path string, parent treeeditor.DirHandle, copyfrom *treeeditor.Copyfrom) (treeeditor.DirHandle, error) {
	token := e.nextToken()
	args := append([]Value{Str(path), Str(parent.(string)), Str(token)}, copyfromArgs(copyfrom)...)
	if err := e.roundTrip(CmdAddDir, args...); err != nil {
		return nil, err
	}
	return token, nil
}

func (e *WireEditor) OpenDirectory(path string, parent treeeditor.DirHandle, baseRev int64) (treeeditor.DirHandle, error) {
	token := e.nextToken()
	if err := e.roundTrip(CmdOpenDir, Str(path), Str(parent.(string)), Str(token), Num(baseRev)); err != nil {
		return nil, err
	}
	return token, nil
}

func (e *WireEditor) ChangeDirProp(dir treeeditor.DirHandle, name string, value []byte) error {
	args := []Value{Str(dir.(string)), Str(name)}
	if value != nil {
		args = append(args, Bytes(value))
	}
	return e.roundTrip(CmdChangeDirProp, args...)
}

func (e *WireEditor) CloseDirectory(dir treeeditor.DirHandle) error {
	return e.roundTrip(CmdCloseDir, Str(dir.(string)))
}

func (e *WireEditor) AddFile(path string, parent treeeditor.DirHandle, copyfrom *treeeditor.Copyfrom) (treeeditor.FileHandle, error) {
	token := e.nextToken()
	args := append([]Value{Str(path), Str(parent.(string)), Str(token)}, copyfromArgs(copyfrom)...)
	if err := e.roundTrip(CmdAddFile, args...); err != nil {
		return nil, err
	}
	return token, nil
}

func (e *WireEditor) OpenFile(path string, parent treeeditor.DirHandle, baseRev int64) (treeeditor.FileHandle, error) {
	token := e.nextToken()
	if err := e.roundTrip(CmdOpenFile, Str(path), Str(parent.(string)), Str(token), Num(baseRev)); err != nil {
		return nil, err
	}
	return token, nil
}

func (e *WireEditor) ApplyTextDelta(file treeeditor.FileHandle, baseChecksum treeeditor.Checksum) (treeeditor.WindowConsumer, error) {
	token := file.(string)
	args := []Value{Str(token)}
	if baseChecksum != "" {
		args = append(args, Str(string(baseChecksum)))
	}
	if err := e.roundTrip(CmdApplyTextDelta, args...); err != nil {
		return nil, err
	}
	return &wireWindowConsumer{editor: e, token: token}, nil
}

func (e *WireEditor) ChangeFileProp(file treeeditor.FileHandle, name string, value []byte) error {
	args := []Value{Str(file.(string)), Str(name)}
	if value != nil {
		args = append(args, Bytes(value))
	}
	return e.roundTrip(CmdChangeFileProp, args...)
}

func (e *WireEditor) CloseFile(file treeeditor.FileHandle, resultChecksum treeeditor.Checksum) error {
	args := []Value{Str(file.(string))}
	if resultChecksum != "" {
		args = append(args, Str(string(resultChecksum)))
	}
	return e.roundTrip(CmdCloseFile, args...)
}

func (e *WireEditor) CloseEdit() error { return e.roundTrip(CmdCloseEdit) }
func (e *WireEditor) AbortEdit() error { return e.roundTrip(CmdAbortEdit) }

// wireWindowConsumer turns a treeeditor delta window into textdelta-chunk
// (non-empty Ops) or textdelta-end (the empty terminator window) sub-
// commands; Close is a no-op since the terminator round-trip already
// signaled completion to the peer.
type wireWindowConsumer struct {
	editor *WireEditor
	token  string
}

func (c *wireWindowConsumer) SendWindow(w treeeditor.Window) error {
	if len(w.Ops) == 0 {
		return c.editor.roundTrip(CmdTextDeltaEnd, Str(c.token))
	}
	var data []byte
	for _, op := range w.Ops {
		if op.Kind == treeeditor.OpNewData {
			data = append(data, op.New...)
		}
	}
	return c.editor.roundTrip(CmdTextDeltaChunk, Str(c.token), Bytes(data))
}

func (c *wireWindowConsumer) Close() error { return nil }
