package commit

import (
	"crypto/md5"
	"encoding/hex"

	"github.com/rcowham/gosvnd/treeeditor"
	"github.com/rcowham/gosvnd/wcmeta"
	"golang.org/x/sync/errgroup"
)

// ContentSource supplies the text a text-mod candidate's delta window is
// built from. Harvest deliberately stops short of this - reading working
// copy content needs a working-properties/pristine-text comparison it
// plays no part in - so PrepareTextDeltas is the step that closes that
// gap once a caller has a source to read from.
type ContentSource interface {
	// ReadWorking returns path's current (post-translate) working text.
	ReadWorking(path string) ([]byte, error)
	// ReadBaseChecksum returns the pristine checksum of path at baseRev,
	// used to let the server verify it still holds the text the client
	// started editing from. Only called for an in-place edit of an
	// already-versioned file; an add/replace candidate has no base to
	// check against.
	ReadBaseChecksum(path string, baseRev int64) (treeeditor.Checksum, error)
}

func checksumOf(data []byte) treeeditor.Checksum {
	sum := md5.Sum(data)
	return treeeditor.Checksum(hex.EncodeToString(sum[:]))
}

// PrepareTextDeltas fills in NewText, ResultChecksum, and (for an
// in-place edit) BaseChecksum for every file candidate with TextMod set.
// Candidates are read independently and concurrently, fanned out with an
// errgroup the same way merge.MergeFiles fans out its own per-file work,
// since one candidate's read has no bearing on another's and there is no
// ordering constraint this step needs to respect - that constraint
// belongs to Driver.Drive, which still applies results to the editor
// strictly in sorted order.
func PrepareTextDeltas(cands []Candidate, src ContentSource) ([]Candidate, error) {
	out := make([]Candidate, len(cands))
	copy(out, cands)

	var idxs []int
	for i := range out {
		if out[i].Kind == wcmeta.KindFile && out[i].TextMod {
			idxs = append(idxs, i)
		}
	}
	if len(idxs) == 0 {
		return out, nil
	}

	var g errgroup.Group
	for _, i := range idxs {
		idx := i
		g.Go(func() error {
			data, err := src.ReadWorking(out[idx].Path)
			if err != nil {
				return err
			}
			out[idx].NewText = data
			out[idx].ResultChecksum = checksumOf(data)

			if out[idx].Schedule != wcmeta.ScheduleAdd && out[idx].Schedule != wcmeta.ScheduleReplace {
				base, err := src.ReadBaseChecksum(out[idx].Path, out[idx].BaseRev)
				if err != nil {
					return err
				}
				out[idx].BaseChecksum = base
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
