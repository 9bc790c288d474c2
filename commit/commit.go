// Package commit implements driving a tree editor against a set of
// harvested working-copy changes.
package commit

import (
	"path"
	"sort"
	"strings"

	"github.com/rcowham/gosvnd/svnerr"
	"github.com/rcowham/gosvnd/treeeditor"
	"github.com/rcowham/gosvnd/wcmeta"
	"github.com/rcowham/gosvnd/workqueue"
)

// Candidate is one harvested local change, as the working-copy engine's
// commit harvest reports it.
type Candidate struct {
	Path string
	Kind wcmeta.Kind
	Schedule wcmeta.Schedule

	TreeConflict    bool // fails the commit locally during the pre-commit check
	ParentVersioned bool // false + ScheduleAdd is a "dangling parent"

	TextMod        bool
	PropMod        bool
	NewText        []byte // working (post-translate) text; present when TextMod
	BaseChecksum   treeeditor.Checksum
	ResultChecksum treeeditor.Checksum
	TmpBasePath    string // tmp pristine path for the postcommit work item

	PropChanges map[string][]byte // name -> new value, nil value means delete

	CopyFrom *treeeditor.Copyfrom
	BaseRev  int64

	LockToken string
}

func normPath(p string) string { return strings.Trim(path.Clean("/"+p), "/") }

func parentOf(p string) string {
	if p == "" {
		return ""
	}
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[:i]
	}
	return ""
}

// SortAndValidate sorts candidates by path and rejects duplicates.
func SortAndValidate(cands []Candidate) ([]Candidate, error) {
	sorted := append([]Candidate(nil), cands...)
	for i := range sorted {
		sorted[i].Path = normPath(sorted[i].Path)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Path == sorted[i-1].Path {
			return nil, svnerr.New(svnerr.DuplicateCommitURL, sorted[i].Path, "duplicate commit path")
		}
	}
	return sorted, nil
}

// CommonBaseURL computes the longest common path prefix of sorted
// (already-normalized) candidates, shortening to its parent when the
// prefix is itself a candidate that is not purely a property-modified
// directory.
func CommonBaseURL(sorted []Candidate) string {
	if len(sorted) == 0 {
		return ""
	}
	prefix := sorted[0].Path
	for _, c := range sorted[1:] {
		prefix = commonPrefix(prefix, c.Path)
	}
	for _, c := range sorted {
		if c.Path != prefix {
			continue
		}
		pureDirPropMod := c.Kind == wcmeta.KindDir && c.Schedule == wcmeta.ScheduleNormal && c.PropMod && !c.TextMod
		if !pureDirPropMod {
			prefix = parentOf(prefix)
		}
		break
	}
	return prefix
}

func commonPrefix(a, b string) string {
	as := splitNonEmpty(a)
	bs := splitNonEmpty(b)
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	i := 0
	for i < n && as[i] == bs[i] {
		i++
	}
	return strings.Join(as[:i], "/")
}

func splitNonEmpty(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// PreCommitCheck runs the local checks that must fail the commit before
// any transaction is opened: any candidate already in a
// tree conflict, any scheduled-add whose parent is unversioned and not
// itself part of this commit, and any scheduled-delete redundantly listed
// under an ancestor that is itself scheduled for delete.
func PreCommitCheck(sorted []Candidate) error {
	byPath := make(map[string]Candidate, len(sorted))
	for _, c := range sorted {
		byPath[c.Path] = c
	}
	for _, c := range sorted {
		if c.TreeConflict {
			return svnerr.New(svnerr.TreeConflict, c.Path, "candidate is in a tree conflict")
		}
		if c.Schedule == wcmeta.ScheduleAdd && !c.ParentVersioned {
			return svnerr.New(svnerr.IllegalTarget, c.Path, "scheduled add's parent is not versioned and not part of this commit")
		}
		if c.Schedule == wcmeta.ScheduleDelete {
			for anc := parentOf(c.Path); anc != ""; anc = parentOf(anc) {
				if a, ok := byPath[anc]; ok && a.Schedule == wcmeta.ScheduleDelete {
					return svnerr.New(svnerr.IllegalTarget, c.Path, "scheduled delete is already covered by an ancestor's scheduled delete")
				}
			}
		}
	}
	return nil
}

// LockChecker resolves a path's currently-held lock, letting the driver
// enforce the no-lock-token/lock-owner-mismatch checks before a locked
// path's TEXT-MOD or DELETE is let through.
type LockChecker interface {
	LockAt(path string) (token string, held bool, err error)
}

// PostcommitItem is one work item to enqueue after a successful
// close-edit: the new revision is stamped in by
// the caller once the underlying transaction reports it, since the
// driver itself only knows the tree-editor side of the commit.
type PostcommitItem struct {
	Path        string
	Deletion    bool
	TmpBasePath string
}

// QueueOp and QueueAtoms render item as the operation and
// atom list workqueue.Queue.Push expects, so a caller can enqueue it
// directly without re-deriving the op/atoms mapping.
func (item PostcommitItem) QueueOp() workqueue.Op {
	if item.Deletion {
		return workqueue.OpDeletionPostcommit
	}
	return workqueue.OpPostcommit
}

func (item PostcommitItem) QueueAtoms() []string {
	if item.Deletion {
		return []string{item.Path}
	}
	return []string{item.Path, item.TmpBasePath}
}

// Driver drives an Editor against a sorted, pre-checked candidate list.
type Driver struct {
	editor  treeeditor.Editor
	baseRev int64
	locks   LockChecker
}

func NewDriver(editor treeeditor.Editor, baseRev int64, locks LockChecker) *Driver {
	return &Driver{editor: editor, baseRev: baseRev, locks: locks}
}

// Drive sorts and validates cands, runs the pre-commit checks, computes
// the candidates' common base directory and opens it implicitly as the
// edit root (the base itself is never reported through an explicit
// AddDirectory/OpenDirectory call), then opens every intermediate
// ancestor a candidate needs, relative to that base, before issuing one
// editor call per candidate. On any failure it aborts the edit and
// returns the error; on success it closes every directory it opened and
// the edit itself, returning the postcommit items.
func (d *Driver) Drive(cands []Candidate) ([]PostcommitItem, error) {
	sorted, err := SortAndValidate(cands)
	if err != nil {
		return nil, err
	}
	if err := PreCommitCheck(sorted); err != nil {
		return nil, err
	}

	base := CommonBaseURL(sorted)

	root, err := d.editor.OpenRoot(d.baseRev)
	if err != nil {
		return nil, err
	}
	open := map[string]treeeditor.DirHandle{"": root}

	var items []PostcommitItem
	for _, c := range sorted {
		if err := d.checkLock(c); err != nil {
			_ = d.editor.AbortEdit()
			return nil, err
		}
		rel := relativeTo(base, c.Path)
		parent, err := d.openAncestors(open, parentOf(rel))
		if err != nil {
			_ = d.editor.AbortEdit()
			return nil, err
		}
		item, err := d.driveOne(c, rel, parent, open)
		if err != nil {
			_ = d.editor.AbortEdit()
			return nil, err
		}
		if item != nil {
			items = append(items, *item)
		}
	}

	if err := closeAllDirs(d.editor, open); err != nil {
		_ = d.editor.AbortEdit()
		return nil, err
	}
	if err := d.editor.CloseEdit(); err != nil {
		return nil, err
	}
	return items, nil
}

// relativeTo rewrites full (a candidate's repos-relative path) relative
// to base, the directory OpenRoot already stands in for. full == base
// itself only happens for a pure-dir-prop-mod candidate CommonBaseURL
// chose not to shorten past; relativeTo reports that case as "" so the
// caller drives it against the root handle directly rather than
// re-opening it.
func relativeTo(base, full string) string {
	if base == "" {
		return full
	}
	if full == base {
		return ""
	}
	return strings.TrimPrefix(full, base+"/")
}

func (d *Driver) checkLock(c Candidate) error {
	if d.locks == nil {
		return nil
	}
	if c.Schedule != wcmeta.ScheduleDelete && !c.TextMod {
		return nil
	}
	token, held, err := d.locks.LockAt(c.Path)
	if err != nil {
		return err
	}
	if !held {
		return nil
	}
	if c.LockToken == "" {
		return svnerr.New(svnerr.NoLockToken, c.Path, "path is locked and no lock token was supplied")
	}
	if c.LockToken != token {
		return svnerr.New(svnerr.LockOwnerMismatch, c.Path, "supplied lock token does not match the held lock")
	}
	return nil
}

// openAncestors opens every directory on the way down to dirPath that
// isn't already open, deepest call first so each OpenDirectory is issued
// against an already-open parent.
func (d *Driver) openAncestors(open map[string]treeeditor.DirHandle, dirPath string) (treeeditor.DirHandle, error) {
	if h, ok := open[dirPath]; ok {
		return h, nil
	}
	parent, err := d.openAncestors(open, parentOf(dirPath))
	if err != nil {
		return nil, err
	}
	h, err := d.editor.OpenDirectory(dirPath, parent, d.baseRev)
	if err != nil {
		return nil, err
	}
	open[dirPath] = h
	return h, nil
}

// driveOne issues the editor call(s) for one candidate. rel is c.Path
// rewritten relative to the drive's common base (see relativeTo);
// PostcommitItem.Path still carries c.Path in full, since the postcommit
// work item is consumed against the real working copy, not the editor.
func (d *Driver) driveOne(c Candidate, rel string, parent treeeditor.DirHandle, open map[string]treeeditor.DirHandle) (*PostcommitItem, error) {
	switch c.Schedule {
	case wcmeta.ScheduleDelete:
		if err := d.editor.DeleteEntry(rel, c.BaseRev, parent); err != nil {
			return nil, err
		}
		return &PostcommitItem{Path: c.Path, Deletion: true}, nil

	case wcmeta.ScheduleAdd, wcmeta.ScheduleReplace:
		if c.Schedule == wcmeta.ScheduleReplace {
			if err := d.editor.DeleteEntry(rel, c.BaseRev, parent); err != nil {
				return nil, err
			}
		}
		if c.Kind == wcmeta.KindDir {
			h, err := d.editor.AddDirectory(rel, parent, c.CopyFrom)
			if err != nil {
				return nil, err
			}
			if err := d.applyDirProps(h, c); err != nil {
				return nil, err
			}
			open[rel] = h
			return nil, nil
		}
		h, err := d.editor.AddFile(rel, parent, c.CopyFrom)
		if err != nil {
			return nil, err
		}
		return d.finishFile(h, c)

	default: // ScheduleNormal: identity unchanged, text and/or props modified
		if c.Kind == wcmeta.KindDir {
			h, ok := open[rel]
			if !ok {
				var err error
				h, err = d.editor.OpenDirectory(rel, parent, c.BaseRev)
				if err != nil {
					return nil, err
				}
				open[rel] = h
			}
			if err := d.applyDirProps(h, c); err != nil {
				return nil, err
			}
			return nil, nil
		}
		h, err := d.editor.OpenFile(rel, parent, c.BaseRev)
		if err != nil {
			return nil, err
		}
		return d.finishFile(h, c)
	}
}

func (d *Driver) applyDirProps(h treeeditor.DirHandle, c Candidate) error {
	for name, val := range c.PropChanges {
		if err := d.editor.ChangeDirProp(h, name, val); err != nil {
			return err
		}
	}
	return nil
}

// finishFile applies a text delta (as a single whole-file OpNewData
// window, the same simplification report.streamFullText makes and for
// the same reason: a real incremental byte diff needs a diffing
// algorithm this system doesn't implement, and a full-replace window is
// a valid, if non-minimal, delta stream), the property changes, and
// closes the file.
func (d *Driver) finishFile(h treeeditor.FileHandle, c Candidate) (*PostcommitItem, error) {
	if c.TextMod {
		consumer, err := d.editor.ApplyTextDelta(h, c.BaseChecksum)
		if err != nil {
			return nil, err
		}
		if len(c.NewText) > 0 {
			if err := consumer.SendWindow(treeeditor.Window{
				TargetLength: int64(len(c.NewText)),
				Ops: []treeeditor.Op{{Kind: treeeditor.OpNewData, Len: int64(len(c.NewText)), New: c.NewText}},
			}); err != nil {
				return nil, err
			}
		}
		if err := consumer.SendWindow(treeeditor.Window{}); err != nil {
			return nil, err
		}
		if err := consumer.Close(); err != nil {
			return nil, err
		}
	}
	for name, val := range c.PropChanges {
		if err := d.editor.ChangeFileProp(h, name, val); err != nil {
			return nil, err
		}
	}
	if err := d.editor.CloseFile(h, c.ResultChecksum); err != nil {
		return nil, err
	}
	if !c.TextMod {
		return nil, nil
	}
	return &PostcommitItem{Path: c.Path, TmpBasePath: c.TmpBasePath}, nil
}

// closeAllDirs closes every directory this drive opened except the root
// (which close-edit itself finalizes), deepest path first: a path that
// is a strict descendant of another is always the lexicographically
// greater string when both are slash-joined with no leading separator,
// so sorting descending closes every child before its parent.
func closeAllDirs(editor treeeditor.Editor, open map[string]treeeditor.DirHandle) error {
	paths := make([]string, 0, len(open))
	for p := range open {
		if p == "" {
			continue
		}
		paths = append(paths, p)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	for _, p := range paths {
		if err := editor.CloseDirectory(open[p]); err != nil {
			return err
		}
	}
	return nil
}
