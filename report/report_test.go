package report

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/rcowham/gosvnd/objstore"
	"github.com/rcowham/gosvnd/treeeditor"
	"github.com/rcowham/gosvnd/txn"
	"github.com/rcowham/gosvnd/wcmeta"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestManager(t *testing.T) *txn.Manager {
	t.Helper()
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store, err := objstore.Open(filepath.Join(dir, "fs.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	mgr, err := txn.NewManager(store)
	require.NoError(t, err)
	return mgr
}

// recordingEditor captures every call treeeditor.Guard lets through, using
// the path string itself as both dir and file handles.
type recordingEditor struct {
	calls []string
}

func (r *recordingEditor) OpenRoot(baseRev int64) (treeeditor.DirHandle, error) {
	r.calls = append(r.calls, "open-root")
	return "", nil
}
func (r *recordingEditor) DeleteEntry(path string, baseRev int64, parent treeeditor.DirHandle) error {
	r.calls = append(r.calls, "delete-entry:"+path)
	return nil
}
func (r *recordingEditor) AddDirectory(path string, parent treeeditor.DirHandle, copyfrom *treeeditor.Copyfrom) (treeeditor.DirHandle, error) {
	r.calls = append(r.calls, "add-directory:"+path)
	return path, nil
}
func (r *recordingEditor) OpenDirectory(path string, parent treeeditor.DirHandle, baseRev int64) (treeeditor.DirHandle, error) {
	r.calls = append(r.calls, "open-directory:"+path)
	return path, nil
}
func (r *recordingEditor) ChangeDirProp(dir treeeditor.DirHandle, name string, value []byte) error {
	r.calls = append(r.calls, "change-dir-prop:"+name)
	return nil
}
func (r *recordingEditor) CloseDirectory(dir treeeditor.DirHandle) error {
	r.calls = append(r.calls, "close-directory:"+dir.(string))
	return nil
}
func (r *recordingEditor) AddFile(path string, parent treeeditor.DirHandle, copyfrom *treeeditor.Copyfrom) (treeeditor.FileHandle, error) {
	r.calls = append(r.calls, "add-file:"+path)
	return path, nil
}
func (r *recordingEditor) OpenFile(path string, parent treeeditor.DirHandle, baseRev int64) (treeeditor.FileHandle, error) {
	r.calls = append(r.calls, "open-file:"+path)
	return path, nil
}
func (r *recordingEditor) ApplyTextDelta(file treeeditor.FileHandle, baseChecksum treeeditor.Checksum) (treeeditor.WindowConsumer, error) {
	r.calls = append(r.calls, "apply-textdelta:"+file.(string))
	return treeeditor.NewErrorWindowConsumer(nil), nil
}
func (r *recordingEditor) ChangeFileProp(file treeeditor.FileHandle, name string, value []byte) error {
	r.calls = append(r.calls, "change-file-prop:"+name)
	return nil
}
func (r *recordingEditor) CloseFile(file treeeditor.FileHandle, resultChecksum treeeditor.Checksum) error {
	r.calls = append(r.calls, "close-file:"+file.(string))
	return nil
}
func (r *recordingEditor) CloseEdit() error { r.calls = append(r.calls, "close-edit"); return nil }
func (r *recordingEditor) AbortEdit() error { r.calls = append(r.calls, "abort-edit"); return nil }

// E3: a report declaring the root at rev 5 and "sub" at rev
// 3 against target rev 7, where only sub/x changed between 3 and 7, must
// emit open-root(5), open-directory("sub", 3), open-file("sub/x", 3), one
// apply-textdelta, close-file, close-directory, close-directory,
// close-edit -- and touch nothing else.
func TestWorkedExampleE3(t *testing.T) {
	mgr := openTestManager(t)

	// rev 1: create sub/x and sub/y, and an untouched top-level file.
	tx, err := mgr.BeginTxn(0)
	require.NoError(t, err)
	_, err = tx.MakeDir("/sub")
	require.NoError(t, err)
	hx, err := tx.MakeFile("/sub/x")
	require.NoError(t, err)
	_, err = tx.WriteContents(hx, strings.NewReader("one"))
	require.NoError(t, err)
	hy, err := tx.MakeFile("/sub/y")
	require.NoError(t, err)
	_, err = tx.WriteContents(hy, strings.NewReader("y"))
	require.NoError(t, err)
	hOther, err := tx.MakeFile("/other")
	require.NoError(t, err)
	_, err = tx.WriteContents(hOther, strings.NewReader("other"))
	require.NoError(t, err)
	_, _, err = tx.Commit("seed", "alice")
	require.NoError(t, err)

	// rev 2: bump sub/x. sub/y and /other are untouched from here on.
	tx, err = mgr.BeginTxn(1)
	require.NoError(t, err)
	hx2, err := tx.Open("/sub/x")
	require.NoError(t, err)
	_, err = tx.WriteContents(hx2, strings.NewReader("two"))
	require.NoError(t, err)
	_, _, err = tx.Commit("bump x", "alice")
	require.NoError(t, err)

	// rev 2 holds the client's believed state of "sub".
	youngest, err := mgr.Youngest()
	require.NoError(t, err)
	require.Equal(t, int64(2), youngest)

	// rev 3: bump /other only, unrelated to sub entirely.
	tx, err = mgr.BeginTxn(2)
	require.NoError(t, err)
	hOther2, err := tx.Open("/other")
	require.NoError(t, err)
	_, err = tx.WriteContents(hOther2, strings.NewReader("other changed"))
	require.NoError(t, err)
	rev3, _, err := tx.Commit("bump other", "alice")
	require.NoError(t, err)
	require.Equal(t, int64(3), rev3)

	// root at rev 3 is the client's believed state for "", reported at 5
	// in the worked example's numbering; what matters here is the two
	// revisions used in the report are strictly below target and bracket
	// exactly one real change under sub/x.
	rootClientRev := rev3

	tx, err = mgr.BeginTxn(rev3)
	require.NoError(t, err)
	hx3, err := tx.Open("/sub/x")
	require.NoError(t, err)
	_, err = tx.WriteContents(hx3, strings.NewReader("three"))
	require.NoError(t, err)
	targetRev, _, err := tx.Commit("bump x again", "alice")
	require.NoError(t, err)

	subClientRev := int64(2) // sub/x holds "two" here, which targetRev replaces

	rec := &recordingEditor{}
	guard := treeeditor.Wrap(rec)
	rc := NewReconciler(mgr, guard, targetRev, "")
	require.NoError(t, rc.SetPath("", rootClientRev, false, wcmeta.DepthInfinity))
	require.NoError(t, rc.SetPath("sub", subClientRev, false, wcmeta.DepthInfinity))
	require.NoError(t, rc.FinishReport())

	assert.Equal(t, []string{
		"open-root",
		"open-directory:sub",
		"open-file:sub/x",
		"apply-textdelta:sub/x",
		"close-file:sub/x",
		"close-directory:sub",
		"close-edit",
	}, rec.calls)
}

// Property 9: a client report declaring path@R where the
// server's revision R has a different node-id at that path emits a
// delete+add pair, not an open+modify.
func TestProperty9NodeIDMismatchEmitsDeleteThenAdd(t *testing.T) {
	mgr := openTestManager(t)

	tx, err := mgr.BeginTxn(0)
	require.NoError(t, err)
	h, err := tx.MakeFile("/a.txt")
	require.NoError(t, err)
	_, err = tx.WriteContents(h, strings.NewReader("first"))
	require.NoError(t, err)
	rev1, _, err := tx.Commit("create a.txt", "alice")
	require.NoError(t, err)

	// Replace a.txt: delete then recreate under the same name, a new
	// node-id at the same path.
	tx, err = mgr.BeginTxn(rev1)
	require.NoError(t, err)
	require.NoError(t, tx.Delete("/a.txt"))
	h2, err := tx.MakeFile("/a.txt")
	require.NoError(t, err)
	_, err = tx.WriteContents(h2, strings.NewReader("second"))
	require.NoError(t, err)
	targetRev, _, err := tx.Commit("replace a.txt", "alice")
	require.NoError(t, err)

	rec := &recordingEditor{}
	guard := treeeditor.Wrap(rec)
	rc := NewReconciler(mgr, guard, targetRev, "")
	require.NoError(t, rc.SetPath("", rev1, false, wcmeta.DepthInfinity))
	require.NoError(t, rc.FinishReport())

	assert.Equal(t, []string{
		"open-root",
		"delete-entry:a.txt",
		"add-file:a.txt",
		"apply-textdelta:a.txt",
		"close-file:a.txt",
		"close-edit",
	}, rec.calls)
}

func TestUnchangedSubtreeEmitsNothing(t *testing.T) {
	mgr := openTestManager(t)

	tx, err := mgr.BeginTxn(0)
	require.NoError(t, err)
	h, err := tx.MakeFile("/a.txt")
	require.NoError(t, err)
	_, err = tx.WriteContents(h, strings.NewReader("stable"))
	require.NoError(t, err)
	rev1, _, err := tx.Commit("create a.txt", "alice")
	require.NoError(t, err)

	// rev2 touches nothing new; bump an unrelated property on the root
	// would still force a new root key, so instead commit nothing and
	// just reuse rev1 as both client and target to prove the no-op path.
	rec := &recordingEditor{}
	guard := treeeditor.Wrap(rec)
	rc := NewReconciler(mgr, guard, rev1, "")
	require.NoError(t, rc.SetPath("", rev1, false, wcmeta.DepthInfinity))
	require.NoError(t, rc.FinishReport())

	assert.Equal(t, []string{"open-root", "close-edit"}, rec.calls)
}

func TestExplicitReportOfDeletedPathEmitsDeleteEntry(t *testing.T) {
	mgr := openTestManager(t)

	tx, err := mgr.BeginTxn(0)
	require.NoError(t, err)
	h, err := tx.MakeFile("/gone.txt")
	require.NoError(t, err)
	_, err = tx.WriteContents(h, strings.NewReader("bye"))
	require.NoError(t, err)
	rev1, _, err := tx.Commit("create gone.txt", "alice")
	require.NoError(t, err)

	tx, err = mgr.BeginTxn(rev1)
	require.NoError(t, err)
	require.NoError(t, tx.Delete("/gone.txt"))
	targetRev, _, err := tx.Commit("delete gone.txt", "alice")
	require.NoError(t, err)

	rec := &recordingEditor{}
	guard := treeeditor.Wrap(rec)
	rc := NewReconciler(mgr, guard, targetRev, "")
	require.NoError(t, rc.SetPath("", rev1, false, wcmeta.DepthInfinity))
	require.NoError(t, rc.SetPath("gone.txt", rev1, false, wcmeta.DepthInfinity))
	require.NoError(t, rc.FinishReport())

	assert.Equal(t, []string{
		"open-root",
		"delete-entry:gone.txt",
		"close-edit",
	}, rec.calls)
}

func TestAbortReportDrivesAbortEdit(t *testing.T) {
	mgr := openTestManager(t)
	rec := &recordingEditor{}
	guard := treeeditor.Wrap(rec)
	rc := NewReconciler(mgr, guard, 0, "")
	require.NoError(t, rc.SetPath("", 0, false, wcmeta.DepthInfinity))
	require.NoError(t, rc.AbortReport())
	assert.Contains(t, rec.calls, "abort-edit")
}
