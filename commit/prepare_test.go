package commit

import (
	"fmt"
	"sync"
	"testing"

	"github.com/rcowham/gosvnd/treeeditor"
	"github.com/rcowham/gosvnd/wcmeta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContentSource struct {
	mu      sync.Mutex
	working map[string][]byte
	base    map[string]treeeditor.Checksum
	reads   int
}

func (f *fakeContentSource) ReadWorking(path string) ([]byte, error) {
	f.mu.Lock()
	f.reads++
	f.mu.Unlock()
	data, ok := f.working[path]
	if !ok {
		return nil, fmt.Errorf("no working text for %s", path)
	}
	return data, nil
}

func (f *fakeContentSource) ReadBaseChecksum(path string, baseRev int64) (treeeditor.Checksum, error) {
	return f.base[path], nil
}

func TestPrepareTextDeltasFillsNewTextAndResultChecksum(t *testing.T) {
	cands := []Candidate{
		{Path: "trunk/a.txt", Kind: wcmeta.KindFile, Schedule: wcmeta.ScheduleAdd, TextMod: true},
		{Path: "trunk/b.txt", Kind: wcmeta.KindDir, Schedule: wcmeta.ScheduleAdd}, // not a file, skipped
	}
	src := &fakeContentSource{working: map[string][]byte{"trunk/a.txt": []byte("hello")}}

	out, err := PrepareTextDeltas(cands, src)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out[0].NewText)
	assert.NotEmpty(t, out[0].ResultChecksum)
	assert.Empty(t, out[0].BaseChecksum)
	assert.Nil(t, out[1].NewText)
}

func TestPrepareTextDeltasSetsBaseChecksumOnlyForInPlaceEdits(t *testing.T) {
	cands := []Candidate{
		{Path: "trunk/edited.txt", Kind: wcmeta.KindFile, Schedule: wcmeta.ScheduleNormal, TextMod: true, BaseRev: 3},
	}
	src := &fakeContentSource{
		working: map[string][]byte{"trunk/edited.txt": []byte("v2")},
		base:    map[string]treeeditor.Checksum{"trunk/edited.txt": "deadbeef"},
	}

	out, err := PrepareTextDeltas(cands, src)
	require.NoError(t, err)
	assert.Equal(t, treeeditor.Checksum("deadbeef"), out[0].BaseChecksum)
}

func TestPrepareTextDeltasReadsConcurrentlyAndPropagatesFirstError(t *testing.T) {
	cands := []Candidate{
		{Path: "trunk/ok.txt", Kind: wcmeta.KindFile, Schedule: wcmeta.ScheduleAdd, TextMod: true},
		{Path: "trunk/missing.txt", Kind: wcmeta.KindFile, Schedule: wcmeta.ScheduleAdd, TextMod: true},
	}
	src := &fakeContentSource{working: map[string][]byte{"trunk/ok.txt": []byte("x")}}

	_, err := PrepareTextDeltas(cands, src)
	assert.Error(t, err)
}

func TestPrepareTextDeltasLeavesUnrelatedCandidatesUntouched(t *testing.T) {
	cands := []Candidate{
		{Path: "trunk/gone.txt", Kind: wcmeta.KindFile, Schedule: wcmeta.ScheduleDelete},
	}
	src := &fakeContentSource{working: map[string][]byte{}}

	out, err := PrepareTextDeltas(cands, src)
	require.NoError(t, err)
	assert.Nil(t, out[0].NewText)
	assert.Zero(t, src.reads)
}
