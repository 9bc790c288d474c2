package txn

import (
	"path/filepath"
	"testing"

	"github.com/rcowham/gosvnd/objstore"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *objstore.Store {
	t.Helper()
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	s, err := objstore.Open(filepath.Join(dir, "objstore.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveLoadNodeRoundTrip(t *testing.T) {
	s := openTestStore(t)
	n := &node{
		ID:         "node-1",
		Kind:       KindDir,
		ModRev:     3,
		Children:   map[string]string{"a.txt": "k1"},
		ChildOrder: []string{"a.txt"},
	}
	key, err := saveNode(s, n)
	require.NoError(t, err)

	got, err := loadNode(s, key)
	require.NoError(t, err)
	assert.Equal(t, n.ID, got.ID)
	assert.Equal(t, n.Kind, got.Kind)
	assert.Equal(t, n.ModRev, got.ModRev)
	assert.Equal(t, n.Children, got.Children)
	assert.Equal(t, n.ChildOrder, got.ChildOrder)
}

func TestNodeCloneIsIndependent(t *testing.T) {
	n := &node{ID: "x", Kind: KindDir, Children: map[string]string{"a": "1"}, ChildOrder: []string{"a"}}
	c := n.clone()
	c.Children["b"] = "2"
	c.ChildOrder = append(c.ChildOrder, "b")
	assert.Len(t, n.Children, 1)
	assert.Len(t, n.ChildOrder, 1)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "file", KindFile.String())
	assert.Equal(t, "dir", KindDir.String())
	assert.Equal(t, "symlink", KindSymlink.String())
}
