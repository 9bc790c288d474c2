package repo

import (
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	r, err := Create(filepath.Join(dir, "repo.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestCreateAssignsStableUUID(t *testing.T) {
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	path := filepath.Join(dir, "repo.db")

	r1, err := Create(path, logger)
	require.NoError(t, err)
	id := r1.UUID()
	require.NoError(t, r1.Close())

	r2, err := Create(path, logger)
	require.NoError(t, err)
	defer r2.Close()
	assert.Equal(t, id, r2.UUID())
}

func commitReadme(t *testing.T, r *Repository, content string) int64 {
	t.Helper()
	tx, err := r.Manager().BeginTxn(0)
	require.NoError(t, err)
	_, err = tx.MakeDir("/trunk")
	require.NoError(t, err)
	h, err := tx.MakeFile("/trunk/README")
	require.NoError(t, err)
	_, err = tx.WriteContents(h, strings.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, tx.SetProp(h, "svn:mime-type", []byte("text/plain")))
	rev, _, err := tx.Commit("init", "alice")
	require.NoError(t, err)
	return rev
}

func TestGetFileReturnsContentAndProps(t *testing.T) {
	r := openTestRepo(t)
	rev := commitReadme(t, r, "hello")

	stream, props, err := r.GetFile("/trunk/README", rev)
	require.NoError(t, err)
	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, []byte("text/plain"), props["svn:mime-type"])
}

func TestGetDirListsChildren(t *testing.T) {
	r := openTestRepo(t)
	rev := commitReadme(t, r, "hello")

	entries, _, err := r.GetDir("/trunk", rev)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "README", entries[0].Name)
	assert.Equal(t, KindFile, entries[0].Kind)
}

func TestCheckPathDistinguishesFileDirNone(t *testing.T) {
	r := openTestRepo(t)
	rev := commitReadme(t, r, "hello")

	k, err := r.CheckPath("/trunk", rev)
	require.NoError(t, err)
	assert.Equal(t, KindDir, k)

	k, err = r.CheckPath("/trunk/README", rev)
	require.NoError(t, err)
	assert.Equal(t, KindFile, k)

	k, err = r.CheckPath("/nope", rev)
	require.NoError(t, err)
	assert.Equal(t, KindNone, k)
}

func TestRevPropsRoundTrip(t *testing.T) {
	r := openTestRepo(t)
	rev := commitReadme(t, r, "hello")

	props, err := r.RevProplist(rev)
	require.NoError(t, err)
	assert.Equal(t, []byte("init"), props["svn:log"])
	assert.Equal(t, []byte("alice"), props["svn:author"])

	require.NoError(t, r.ChangeRevProp(rev, "svn:log", []byte("edited message")))
	msg, err := r.RevProp(rev, "svn:log")
	require.NoError(t, err)
	assert.Equal(t, []byte("edited message"), msg)
}
