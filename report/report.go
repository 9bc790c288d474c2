// Package report implements the server-side reconciliation of a
// client's mixed-revision report against a target revision, producing a
// tree-editor drive that brings the client up to date.
package report

import (
	"io"
	"path"
	"sort"
	"strings"

	"github.com/rcowham/gosvnd/objstore"
	"github.com/rcowham/gosvnd/svnerr"
	"github.com/rcowham/gosvnd/treeeditor"
	"github.com/rcowham/gosvnd/txn"
	"github.com/rcowham/gosvnd/wcmeta"
)

// Depth is shared with wcmeta rather than redefined here, per wcmeta's
// own doc comment: "shared by the report reconciler, the wire report
// sub-protocol, and this store's walk-entries".
type Depth = wcmeta.Depth

// reportedState is one path's believed state as declared (or inherited)
// by the client. Source, when non-empty, names the repos-relpath this
// path is actually switched to (link-path); an empty Source means the
// client's copy of path lives at path itself (set-path).
type reportedState struct {
	Revision   int64
	Source     string
	StartEmpty bool
	Depth      Depth
}

func (s reportedState) sourcePath(path string) string {
	if s.Source != "" {
		return s.Source
	}
	return path
}

// Reconciler drives editor against targetRev, starting from whatever the
// client declares via SetPath/LinkPath/DeletePath.
type Reconciler struct {
	mgr       *txn.Manager
	editor    treeeditor.Editor
	targetRev int64
	rootPath  string

	reported map[string]reportedState
	deleted  map[string]bool
	finished bool
	aborted  bool
}

// NewReconciler prepares a reconciler that will drive editor once
// FinishReport is called. rootPath is the repos-relpath the whole report
// is rooted at (normally "", the repository root, for an update of an
// entire working copy; a nonempty value scopes the report to a subtree,
// as for an update issued from within a checked-out subdirectory).
func NewReconciler(mgr *txn.Manager, editor treeeditor.Editor, targetRev int64, rootPath string) *Reconciler {
	return &Reconciler{
		mgr:       mgr,
		editor:    editor,
		targetRev: targetRev,
		rootPath:  normPath(rootPath),
		reported:  make(map[string]reportedState),
		deleted:   make(map[string]bool),
	}
}

func normPath(p string) string { return strings.Trim(path.Clean("/"+p), "/") }

func parentOf(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[:i]
	}
	return ""
}

func baseName(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// SetPath declares that the client currently has path at revision.
func (r *Reconciler) SetPath(p string, revision int64, startEmpty bool, depth Depth) error {
	if r.finished || r.aborted {
		return svnerr.New(svnerr.IncorrectParams, p, "report already finished or aborted")
	}
	p = normPath(p)
	delete(r.deleted, p)
	r.reported[p] = reportedState{Revision: revision, StartEmpty: startEmpty, Depth: depth}
	return nil
}

// LinkPath declares that the client has a switched subtree at path,
// sourced from sourcePath (the repos-relpath of the switch target) at
// revision. A single-repository model has no
// separate URL namespace, so sourcePath stands in for the protocol's url.
func (r *Reconciler) LinkPath(p, sourcePath string, revision int64, startEmpty bool, depth Depth) error {
	if r.finished || r.aborted {
		return svnerr.New(svnerr.IncorrectParams, p, "report already finished or aborted")
	}
	p = normPath(p)
	delete(r.deleted, p)
	r.reported[p] = reportedState{Revision: revision, Source: normPath(sourcePath), StartEmpty: startEmpty, Depth: depth}
	return nil
}

// DeletePath declares that the client has no such path.
func (r *Reconciler) DeletePath(p string) error {
	if r.finished || r.aborted {
		return svnerr.New(svnerr.IncorrectParams, p, "report already finished or aborted")
	}
	p = normPath(p)
	delete(r.reported, p)
	r.deleted[p] = true
	return nil
}

// AbortReport cancels the report; no further operations may be issued
// against it.
func (r *Reconciler) AbortReport() error {
	if r.finished {
		return svnerr.New(svnerr.IncorrectParams, "", "report already finished")
	}
	r.aborted = true
	return r.editor.AbortEdit()
}

// FinishReport commits the report and drives editor through the full
// set-path/target-revision reconciliation walk.
func (r *Reconciler) FinishReport() error {
	if r.finished || r.aborted {
		return svnerr.New(svnerr.IncorrectParams, "", "report already finished or aborted")
	}
	root, ok := r.reported[r.rootPath]
	if !ok {
		return svnerr.New(svnerr.IncorrectParams, r.rootPath, "report never declared the root path")
	}

	targetRoot, err := r.mgr.NodeAt(r.targetRev, root.sourcePath(r.rootPath))
	if err != nil {
		return err
	}

	rootHandle, err := r.editor.OpenRoot(root.Revision)
	if err != nil {
		return err
	}

	clientRoot, err := r.mgr.NodeAt(root.Revision, root.sourcePath(r.rootPath))
	if err == nil {
		if err := r.diffProps(func(name string, value []byte) error {
			return r.editor.ChangeDirProp(rootHandle, name, value)
		}, clientRoot.PropsKey, targetRoot.PropsKey); err != nil {
			return err
		}
	}

	if root.Depth != wcmeta.DepthEmpty && root.Depth != wcmeta.DepthExclude {
		if err := r.reconcileChildren(r.rootPath, rootHandle, targetRoot, root); err != nil {
			return err
		}
	}

	r.finished = true
	return r.editor.CloseEdit()
}

// reconcileChildren walks dirPath's children as they exist in target,
// comparing each against the client's reported-or-inherited state, and
// separately flags any explicitly reported child that target no longer
// has at all. parent is always already open: by the time a directory's
// children are being reconciled at all, something under it is known to
// have changed, so opening it was never avoidable in the first place.
func (r *Reconciler) reconcileChildren(dirPath string, parent treeeditor.DirHandle, target *txn.PersistedNode, self reportedState) error {
	targetNames := make(map[string]bool, len(target.ChildOrder))
	for _, name := range target.ChildOrder {
		targetNames[name] = true
	}

	for _, name := range target.ChildOrder {
		childPath := joinPath(dirPath, name)
		childKey := target.Children[name]
		childTarget, err := r.mgr.NodeAtKey(childKey)
		if err != nil {
			return err
		}
		if self.Depth == wcmeta.DepthFiles && childTarget.Kind == txn.KindDir {
			continue
		}
		if err := r.reconcileOne(childPath, parent, childTarget, self); err != nil {
			return err
		}
	}

	// Explicit reports the client still believes apply, but whose target
	// has no corresponding child: "target has no such node, client has
	// one" ⇒ delete-entry.
	var stale []string
	for p := range r.reported {
		if p == dirPath || parentOf(p) != dirPath {
			continue
		}
		if !targetNames[baseName(p)] {
			stale = append(stale, p)
		}
	}
	sort.Strings(stale)
	for _, p := range stale {
		state := r.reported[p]
		if err := r.editor.DeleteEntry(p, state.Revision, parent); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) reconcileOne(childPath string, parent treeeditor.DirHandle, target *txn.PersistedNode, self reportedState) error {
	state, present := r.resolveChild(childPath, self)
	if !present {
		return r.addFullSubtree(childPath, parent, target)
	}

	client, err := r.mgr.NodeAt(state.Revision, state.sourcePath(childPath))
	if err != nil {
		if svnerr.Is(err, svnerr.PathNotFound) {
			return r.addFullSubtree(childPath, parent, target)
		}
		return err
	}

	if client.ID != target.ID {
		if err := r.editor.DeleteEntry(childPath, state.Revision, parent); err != nil {
			return err
		}
		return r.addFullSubtree(childPath, parent, target)
	}

	// Directory mod-revs bump whenever any descendant's identity changes
	// (copy-on-write propagates a new key, hence a new mod-rev, up to
	// every ancestor). So target.ModRev <= state.Revision means nothing
	// under this node has changed since the client's reported view:
	// "equal states emit nothing".
	if target.ModRev <= state.Revision {
		return nil
	}

	childState := reportedState{Revision: state.Revision, Source: state.Source, Depth: state.Depth}
	if target.Kind == txn.KindDir {
		dirHandle, err := r.editor.OpenDirectory(childPath, parent, state.Revision)
		if err != nil {
			return err
		}
		if err := r.diffProps(func(name string, value []byte) error {
			return r.editor.ChangeDirProp(dirHandle, name, value)
		}, client.PropsKey, target.PropsKey); err != nil {
			return err
		}
		if childState.Depth != wcmeta.DepthEmpty && childState.Depth != wcmeta.DepthExclude {
			if err := r.reconcileChildren(childPath, dirHandle, target, childState); err != nil {
				return err
			}
		}
		return r.editor.CloseDirectory(dirHandle)
	}

	fileHandle, err := r.editor.OpenFile(childPath, parent, state.Revision)
	if err != nil {
		return err
	}
	if client.ContentKey != target.ContentKey {
		if err := r.streamFullText(fileHandle, target.ContentKey, ""); err != nil {
			return err
		}
	}
	if err := r.diffProps(func(name string, value []byte) error {
		return r.editor.ChangeFileProp(fileHandle, name, value)
	}, client.PropsKey, target.PropsKey); err != nil {
		return err
	}
	return r.editor.CloseFile(fileHandle, "")
}

// resolveChild determines childPath's believed presence: an explicit
// delete-path wins, then an explicit set-path/link-path, then, for every
// path the client did not explicitly mention, inheritance from the
// parent's own resolved revision and source.
func (r *Reconciler) resolveChild(childPath string, parentState reportedState) (reportedState, bool) {
	if r.deleted[childPath] {
		return reportedState{}, false
	}
	if s, ok := r.reported[childPath]; ok {
		return s, true
	}
	if parentState.StartEmpty {
		return reportedState{}, false
	}
	return reportedState{Revision: parentState.Revision, Source: inheritedSource(parentState, childPath), Depth: parentState.Depth}, true
}

func inheritedSource(parent reportedState, childPath string) string {
	if parent.Source == "" {
		return ""
	}
	// A switched directory's children are switched to the matching
	// relative position under its own source.
	name := baseName(childPath)
	return joinPath(parent.Source, name)
}

// addFullSubtree streams target (and, recursively, every descendant) as
// a brand-new add, used both for genuinely new paths and for the
// add-half of a delete+add pair (a changed node identity at the same
// path always deletes the old entry before adding the new one).
func (r *Reconciler) addFullSubtree(p string, parent treeeditor.DirHandle, target *txn.PersistedNode) error {
	if target.Kind == txn.KindDir {
		h, err := r.editor.AddDirectory(p, parent, nil)
		if err != nil {
			return err
		}
		props, err := r.props(target.PropsKey)
		if err != nil {
			return err
		}
		for name, value := range props {
			if err := r.editor.ChangeDirProp(h, name, value); err != nil {
				return err
			}
		}
		for _, name := range target.ChildOrder {
			childKey := target.Children[name]
			child, err := r.mgr.NodeAtKey(childKey)
			if err != nil {
				return err
			}
			if err := r.addFullSubtree(joinPath(p, name), h, child); err != nil {
				return err
			}
		}
		return r.editor.CloseDirectory(h)
	}

	h, err := r.editor.AddFile(p, parent, nil)
	if err != nil {
		return err
	}
	if err := r.streamFullText(h, target.ContentKey, ""); err != nil {
		return err
	}
	props, err := r.props(target.PropsKey)
	if err != nil {
		return err
	}
	for name, value := range props {
		if err := r.editor.ChangeFileProp(h, name, value); err != nil {
			return err
		}
	}
	return r.editor.CloseFile(h, "")
}

// streamFullText sends target content as a single delta window. The
// reconciler never computes an incremental byte-diff against the
// client's prior text (that is the commit driver's concern, working
// against a real base text it holds locally); here the server always has
// only the target's bytes, so the window is "new data covering the whole
// file", followed by the terminating empty window.
func (r *Reconciler) streamFullText(h treeeditor.FileHandle, contentKey string, baseChecksum treeeditor.Checksum) error {
	consumer, err := r.editor.ApplyTextDelta(h, baseChecksum)
	if err != nil {
		return err
	}
	var data []byte
	if contentKey != "" {
		stream, err := r.mgr.Store().GetStream(contentKey)
		if err != nil {
			return err
		}
		data, err = io.ReadAll(stream)
		if err != nil {
			return svnerr.Wrap(svnerr.IO, "", "failed to read file content", err)
		}
	}
	if len(data) > 0 {
		if err := consumer.SendWindow(treeeditor.Window{
			TargetLength: int64(len(data)),
			Ops:          []treeeditor.Op{{Kind: treeeditor.OpNewData, Off: 0, Len: int64(len(data)), New: data}},
		}); err != nil {
			return err
		}
	}
	if err := consumer.SendWindow(treeeditor.Window{}); err != nil {
		return err
	}
	return consumer.Close()
}

func (r *Reconciler) props(key string) (objstore.Props, error) {
	if key == "" {
		return objstore.Props{}, nil
	}
	return r.mgr.Store().GetProps(key)
}

// diffProps classifies every property in old/new and invokes apply for
// anything that changed: a new or changed value, or nil for a removal.
func (r *Reconciler) diffProps(apply func(name string, value []byte) error, oldKey, newKey string) error {
	oldProps, err := r.props(oldKey)
	if err != nil {
		return err
	}
	newProps, err := r.props(newKey)
	if err != nil {
		return err
	}
	names := make(map[string]bool, len(oldProps)+len(newProps))
	for n := range oldProps {
		names[n] = true
	}
	for n := range newProps {
		names[n] = true
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)
	for _, name := range sorted {
		nv, inNew := newProps[name]
		ov, inOld := oldProps[name]
		if inNew && (!inOld || string(nv) != string(ov)) {
			if err := apply(name, nv); err != nil {
				return err
			}
		} else if !inNew && inOld {
			if err := apply(name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
