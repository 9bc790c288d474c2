// Package merge implements applying an incoming edit against a
// working copy that may itself carry local modifications.
// The diff3 algorithm is out of scope; callers inject a TextMerger oracle.
package merge

import (
	"bytes"
	"fmt"
	"os"
	"path"

	"github.com/rcowham/gosvnd/localmod"
	"github.com/rcowham/gosvnd/objstore"
	"github.com/rcowham/gosvnd/svnerr"
	"github.com/rcowham/gosvnd/translate"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Outcome is the per-path result of merging a server update into a
// working copy.
type Outcome int

const (
	Unchanged Outcome = iota
	Changed
	Merged
	Conflicted
	Missing
	Obstructed
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	case Merged:
		return "merged"
	case Conflicted:
		return "conflicted"
	case Missing:
		return "missing"
	case Obstructed:
		return "obstructed"
	default:
		return "unknown"
	}
}

// TextMerger is the injected three-way merge oracle. Implementations
// receive the base, local ("mine"), and incoming ("theirs") texts and
// report whether the result still carries unresolved conflicts; the
// actual diff3 algorithm lives entirely behind this interface.
type TextMerger interface {
	Merge(base, mine, theirs []byte) (result []byte, conflict bool, err error)
}

// ConflictArtifacts names the three intermediate files left behind when
// a text merge conflicts, labeled the way svn's own conflict markers
// reference them.
type ConflictArtifacts struct {
	WorkingLabel string // ".working"
	LeftLabel    string // ".merge-left.r<leftRev>"
	RightLabel   string // ".merge-right.r<rightRev>"

	WorkingText []byte // the pre-merge local text, for the .working artifact
	LeftText    []byte // the base text, for the .merge-left.r<rev> artifact
	RightText   []byte // the incoming text, for the .merge-right.r<rev> artifact
}

// FileInput bundles everything MergeFile needs to decide and apply one
// path's text merge.
type FileInput struct {
	Path string

	LeftExists bool   // did the base side exist server-side at all
	LeftText   []byte // base (pristine) text; meaningless if !LeftExists
	LeftRev    int64

	RightText []byte // incoming text
	RightRev  int64

	LeftMime  string // svn:mime-type as recorded on the base side
	RightMime string // svn:mime-type as recorded on the incoming side

	LocalStatus localmod.Status // result of an already-run local-status check
}

func conflictLabels(in FileInput) (working, left, right string) {
	return ".working",
		fmt.Sprintf(".merge-left.r%d", in.LeftRev),
		fmt.Sprintf(".merge-right.r%d", in.RightRev)
}

func isBinary(in FileInput) bool {
	if in.LeftMime != "" {
		return !isTextMime(in.LeftMime)
	}
	if in.RightMime != "" {
		return !isTextMime(in.RightMime)
	}
	if len(in.RightText) > 0 {
		return translate.LooksBinary(in.RightText)
	}
	return translate.LooksBinary(in.LeftText)
}

func isTextMime(mime string) bool {
	return len(mime) >= 5 && mime[:5] == "text/"
}

// MergeFile drives the three-way text merge against path's
// working file on fs. mine is the file's current working content, read
// by the caller beforehand (missing is reported via LocalStatus ==
// localmod.StatusMissing, in which case mine may be nil).
func MergeFile(fs afero.Fs, merger TextMerger, in FileInput, mine []byte) (Outcome, *ConflictArtifacts, error) {
	if in.LocalStatus == localmod.StatusMissing {
		return Missing, nil, nil
	}

	// The left side of an add never existed server-side: if the local
	// file already matches the incoming text byte-for-byte, there is
	// nothing to do.
	if !in.LeftExists && bytes.Equal(mine, in.RightText) {
		return Unchanged, nil, nil
	}

	if isBinary(in) && in.LocalStatus == localmod.StatusUnmodified {
		if bytes.Equal(mine, in.RightText) {
			return Unchanged, nil, nil
		}
		if bytes.Equal(mine, in.LeftText) {
			if err := overwrite(fs, in.Path, in.RightText); err != nil {
				return Changed, nil, err
			}
			return Changed, nil, nil
		}
	}

	if in.LocalStatus == localmod.StatusUnmodified {
		if err := overwrite(fs, in.Path, in.RightText); err != nil {
			return Changed, nil, err
		}
		return Changed, nil, nil
	}

	result, conflict, err := merger.Merge(in.LeftText, mine, in.RightText)
	if err != nil {
		return Conflicted, nil, svnerr.Wrap(svnerr.IO, in.Path, "text merge oracle failed", err)
	}

	if conflict {
		workingLabel, leftLabel, rightLabel := conflictLabels(in)
		art := &ConflictArtifacts{
			WorkingLabel: workingLabel,
			LeftLabel:    leftLabel,
			RightLabel:   rightLabel,
			WorkingText:  mine,
			LeftText:     in.LeftText,
			RightText:    in.RightText,
		}
		if err := overwrite(fs, in.Path, result); err != nil {
			return Conflicted, art, err
		}
		return Conflicted, art, nil
	}

	if err := overwrite(fs, in.Path, result); err != nil {
		return Merged, nil, err
	}
	return Merged, nil, nil
}

func overwrite(fs afero.Fs, p string, data []byte) error {
	tmp := p + ".svn-tmp"
	if err := afero.WriteFile(fs, tmp, data, 0644); err != nil {
		return svnerr.Wrap(svnerr.IO, p, "failed to stage merged content", err)
	}
	if err := fs.Rename(tmp, p); err != nil {
		return svnerr.Wrap(svnerr.IO, p, "failed to install merged content", err)
	}
	return nil
}

// FileResult is one input's merge outcome. MergeFiles stores each result
// at its input's index in the returned slice, so MergeFiles' concurrent
// ordering never needs to be load-bearing for callers.
type FileResult struct {
	Path      string
	Outcome   Outcome
	Conflict  *ConflictArtifacts
}

// MergeFiles runs MergeFile for every input concurrently, fanning out
// with an errgroup the way commit's candidate text-delta preparation
// does: independent per-file work joined with first-error semantics.
func MergeFiles(fs afero.Fs, merger TextMerger, inputs []FileInput, working [][]byte) ([]FileResult, error) {
	results := make([]FileResult, len(inputs))
	var g errgroup.Group
	for i := range inputs {
		i := i
		g.Go(func() error {
			outcome, conflict, err := MergeFile(fs, merger, inputs[i], working[i])
			if err != nil {
				return err
			}
			results[i] = FileResult{Path: inputs[i].Path, Outcome: outcome, Conflict: conflict}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// PropOutcome classifies one incoming property change against the
// working copy's own value.
type PropOutcome int

const (
	PropUnchanged PropOutcome = iota
	PropClean
	PropMerged
	PropConflict
)

// PropConflictInfo records the three values a conflicting property
// carries, for the reject artifact.
type PropConflictInfo struct {
	Name     string
	Base     []byte
	Local    []byte
	Incoming []byte
}

// MergeProps classifies and applies every property where base != incoming
// ("incoming") against local's current value: clean when
// local matches base (no local change, apply incoming outright), merged
// when local already ended up at the same value incoming would produce
// (nothing to apply, no conflict), otherwise a conflict recorded in
// rejects rather than silently applied.
func MergeProps(local, base, incoming objstore.Props) (merged objstore.Props, outcomes map[string]PropOutcome, rejects []PropConflictInfo) {
	merged = objstore.Props{}
	for k, v := range local {
		merged[k] = v
	}
	outcomes = make(map[string]PropOutcome)

	names := make(map[string]bool)
	for k := range base {
		names[k] = true
	}
	for k := range incoming {
		names[k] = true
	}

	for name := range names {
		oldVal, newVal := base[name], incoming[name]
		if bytes.Equal(oldVal, newVal) {
			continue // not an incoming change
		}
		localVal := local[name]
		switch {
		case bytes.Equal(localVal, oldVal):
			outcomes[name] = PropClean
			if newVal == nil {
				delete(merged, name)
			} else {
				merged[name] = newVal
			}
		case bytes.Equal(localVal, newVal):
			outcomes[name] = PropMerged
		default:
			outcomes[name] = PropConflict
			rejects = append(rejects, PropConflictInfo{Name: name, Base: oldVal, Local: localVal, Incoming: newVal})
		}
	}
	return merged, outcomes, rejects
}

// DirOutcome is the result of applying one incoming directory add/delete.
type DirOutcome int

const (
	DirUnchanged DirOutcome = iota
	DirAdded
	DirDeleted
	DirObstructed
)

// MergeDirectoryAdd materializes an incoming directory add at
// parentPath/name. An existing unversioned directory obstructs the add
// rather than conflicting with it.
func MergeDirectoryAdd(fs afero.Fs, parentPath, name string, alreadyVersioned bool) (DirOutcome, error) {
	p := path.Join(parentPath, name)
	exists, err := afero.DirExists(fs, p)
	if err != nil {
		return DirUnchanged, svnerr.Wrap(svnerr.IO, p, "failed to check for obstructing directory", err)
	}
	if exists && !alreadyVersioned {
		return DirObstructed, nil
	}
	if err := fs.MkdirAll(p, 0755); err != nil {
		return DirUnchanged, svnerr.Wrap(svnerr.IO, p, "failed to create directory", err)
	}
	return DirAdded, nil
}

// MergeDirectoryDelete removes an incoming-deleted directory's now-empty
// shell. Children are deleted individually by the caller walking the
// entry store first; an already-absent directory is success, keeping
// this idempotent under replay the same way workqueue's own operations
// are.
func MergeDirectoryDelete(fs afero.Fs, parentPath, name string) (DirOutcome, error) {
	p := path.Join(parentPath, name)
	if err := fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return DirUnchanged, svnerr.Wrap(svnerr.IO, p, "failed to remove directory", err)
	}
	return DirDeleted, nil
}
