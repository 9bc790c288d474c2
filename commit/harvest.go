package commit

import (
	"github.com/rcowham/gosvnd/node"
	"github.com/rcowham/gosvnd/treeeditor"
	"github.com/rcowham/gosvnd/wcmeta"
)

// Harvest walks a working copy's entry metadata store and produces the
// candidate list a commit starts from:
// every entry carrying a pending schedule (add/delete/replace), tagged
// with whether its parent is still versioned once this same commit's own
// scheduled deletes are taken into account.
//
// A node.Node tree of every entry NOT itself scheduled for deletion
// stands in for "the working copy shape this commit would leave behind",
// so ParentVersioned can be answered by a single tree lookup instead of a
// second store scan per candidate, and so the check respects the working
// copy's case sensitivity the way a real filesystem lookup would.
//
// Harvest does not detect TEXT-MOD/PROP-MOD on entries with no pending
// schedule (an in-place edit of an already-versioned file): that needs a
// working-copy content comparison this store has no part in, and is
// the caller's job once it has a pristine reader and a working-properties
// source to compare against.
func Harvest(meta *wcmeta.Store, caseInsensitive bool) ([]Candidate, error) {
	versioned := node.NewNode("", caseInsensitive)
	var scheduled []*wcmeta.Entry

	err := meta.WalkEntries("", wcmeta.DepthInfinity, func(e *wcmeta.Entry) error {
		if e.Schedule != wcmeta.ScheduleDelete {
			versioned.AddVersionedEntry(e.Path, e.Kind == wcmeta.KindFile)
		}
		if e.Schedule != wcmeta.ScheduleNormal {
			scheduled = append(scheduled, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cands := make([]Candidate, 0, len(scheduled))
	for _, e := range scheduled {
		c := Candidate{
			Path:         e.Path,
			Kind:         e.Kind,
			Schedule:     e.Schedule,
			TreeConflict: len(e.TextConflicts) > 0 || e.PropConflict != "",
			BaseRev:      e.BaseRevision,
			LockToken:    e.LockToken,
		}
		if e.Schedule == wcmeta.ScheduleAdd || e.Schedule == wcmeta.ScheduleReplace {
			c.ParentVersioned = versioned.Exists(parentOf(e.Path))
			if e.CopyfromURL != "" {
				c.CopyFrom = &treeeditor.Copyfrom{Path: e.CopyfromURL, Rev: e.CopyfromRev}
			}
		}
		cands = append(cands, c)
	}
	return cands, nil
}
