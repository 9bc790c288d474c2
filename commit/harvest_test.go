package commit

import (
	"path/filepath"
	"testing"

	"github.com/rcowham/gosvnd/wcmeta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openHarvestTestStore(t *testing.T) *wcmeta.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := wcmeta.Open(filepath.Join(dir, "entries.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeAndSync(t *testing.T, s *wcmeta.Store, path string, e *wcmeta.Entry) {
	t.Helper()
	s.WriteEntry(path, e)
	require.NoError(t, s.Sync())
}

func TestHarvestSkipsEntriesWithNoSchedule(t *testing.T) {
	s := openHarvestTestStore(t)
	writeAndSync(t, s, "trunk", &wcmeta.Entry{Kind: wcmeta.KindDir, Schedule: wcmeta.ScheduleNormal})
	writeAndSync(t, s, "trunk/a.txt", &wcmeta.Entry{Kind: wcmeta.KindFile, Schedule: wcmeta.ScheduleNormal})

	cands, err := Harvest(s, false)
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestHarvestReportsScheduledAddWithVersionedParent(t *testing.T) {
	s := openHarvestTestStore(t)
	writeAndSync(t, s, "trunk", &wcmeta.Entry{Kind: wcmeta.KindDir, Schedule: wcmeta.ScheduleNormal})
	writeAndSync(t, s, "trunk/new.txt", &wcmeta.Entry{Kind: wcmeta.KindFile, Schedule: wcmeta.ScheduleAdd})

	cands, err := Harvest(s, false)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "trunk/new.txt", cands[0].Path)
	assert.Equal(t, wcmeta.ScheduleAdd, cands[0].Schedule)
	assert.True(t, cands[0].ParentVersioned)
}

func TestHarvestReportsDanglingParentForAddedEntryUnderUnversionedDir(t *testing.T) {
	s := openHarvestTestStore(t)
	writeAndSync(t, s, "trunk/orphan/new.txt", &wcmeta.Entry{Kind: wcmeta.KindFile, Schedule: wcmeta.ScheduleAdd})

	cands, err := Harvest(s, false)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.False(t, cands[0].ParentVersioned)
}

func TestHarvestTreatsCommitOwnParentAddAsSatisfyingChild(t *testing.T) {
	s := openHarvestTestStore(t)
	writeAndSync(t, s, "trunk/newdir", &wcmeta.Entry{Kind: wcmeta.KindDir, Schedule: wcmeta.ScheduleAdd})
	writeAndSync(t, s, "trunk/newdir/child.txt", &wcmeta.Entry{Kind: wcmeta.KindFile, Schedule: wcmeta.ScheduleAdd})
	writeAndSync(t, s, "trunk", &wcmeta.Entry{Kind: wcmeta.KindDir, Schedule: wcmeta.ScheduleNormal})

	cands, err := Harvest(s, false)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	for _, c := range cands {
		assert.Truef(t, c.ParentVersioned, "%s should see its parent as versioned", c.Path)
	}
}

func TestHarvestMarksDeletedEntryAndIgnoresItAsAParent(t *testing.T) {
	s := openHarvestTestStore(t)
	writeAndSync(t, s, "trunk", &wcmeta.Entry{Kind: wcmeta.KindDir, Schedule: wcmeta.ScheduleNormal})
	writeAndSync(t, s, "trunk/gone.txt", &wcmeta.Entry{Kind: wcmeta.KindFile, Schedule: wcmeta.ScheduleDelete, BaseRevision: 4})

	cands, err := Harvest(s, false)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, wcmeta.ScheduleDelete, cands[0].Schedule)
	assert.EqualValues(t, 4, cands[0].BaseRev)
}

func TestHarvestCarriesCopyFromAndTreeConflictAndLockToken(t *testing.T) {
	s := openHarvestTestStore(t)
	writeAndSync(t, s, "trunk", &wcmeta.Entry{Kind: wcmeta.KindDir, Schedule: wcmeta.ScheduleNormal})
	writeAndSync(t, s, "trunk/copied.txt", &wcmeta.Entry{
		Kind:         wcmeta.KindFile,
		Schedule:     wcmeta.ScheduleAdd,
		CopyfromURL:  "trunk/orig.txt",
		CopyfromRev:  7,
		PropConflict: "needs-resolve",
		LockToken:    "opaquelocktoken:abc",
	})

	cands, err := Harvest(s, false)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	c := cands[0]
	require.NotNil(t, c.CopyFrom)
	assert.Equal(t, "trunk/orig.txt", c.CopyFrom.Path)
	assert.EqualValues(t, 7, c.CopyFrom.Rev)
	assert.True(t, c.TreeConflict)
	assert.Equal(t, "opaquelocktoken:abc", c.LockToken)
}
