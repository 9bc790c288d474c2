package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rcowham/gosvnd/repo"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newFixtureTestRepo(t *testing.T) *repo.Repository {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	dbPath := filepath.Join(t.TempDir(), "repo.db")
	r, err := repo.Create(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestParseScriptBuildsCommitsWithOps(t *testing.T) {
	script := `
# a comment line is ignored

commit alice first revision
add trunk/a.txt hello

commit bob second revision
edit trunk/a.txt hello again
copy trunk/a.txt trunk/b.txt
delete trunk/a.txt
`
	commits, err := ParseScript(strings.NewReader(script))
	require.NoError(t, err)
	require.Len(t, commits, 2)

	require.Equal(t, "alice", commits[0].author)
	require.Equal(t, "first revision", commits[0].logMsg)
	require.Len(t, commits[0].ops, 1)
	require.Equal(t, FixtureOp{action: "add", path: "trunk/a.txt", content: "hello"}, commits[0].ops[0])

	require.Equal(t, "bob", commits[1].author)
	require.Len(t, commits[1].ops, 3)
	require.Equal(t, "edit", commits[1].ops[0].action)
	require.Equal(t, "copy", commits[1].ops[1].action)
	require.Equal(t, "trunk/a.txt", commits[1].ops[1].srcPath)
	require.Equal(t, "trunk/b.txt", commits[1].ops[1].path)
	require.Equal(t, "delete", commits[1].ops[2].action)
}

func TestParseScriptRejectsOpBeforeAnyCommit(t *testing.T) {
	_, err := ParseScript(strings.NewReader("add trunk/a.txt hello\n"))
	require.Error(t, err)
}

func TestParseScriptRejectsMalformedCommitLine(t *testing.T) {
	_, err := ParseScript(strings.NewReader("commit alice\n"))
	require.Error(t, err)
}

func TestRunReplaysScriptedCommitsInOrder(t *testing.T) {
	r := newFixtureTestRepo(t)
	script := `
commit alice first revision
add trunk/a.txt hello

commit bob second revision
edit trunk/a.txt hello again
add trunk/b.txt world
`
	commits, err := ParseScript(strings.NewReader(script))
	require.NoError(t, err)

	g := NewFixtureGenerator(logrus.New())
	lastRev, err := g.Run(r, commits)
	require.NoError(t, err)
	require.EqualValues(t, 2, lastRev)

	youngest, err := r.Youngest()
	require.NoError(t, err)
	require.EqualValues(t, 2, youngest)

	props, err := r.RevProplist(2)
	require.NoError(t, err)
	require.Equal(t, "bob", string(props["svn:author"]))
	require.Equal(t, "second revision", string(props["svn:log"]))
}

func TestRunCopyAndDeleteAcrossCommits(t *testing.T) {
	r := newFixtureTestRepo(t)
	script := `
commit alice add a file
add trunk/a.txt hello

commit alice copy then delete the original
copy trunk/a.txt trunk/b.txt
delete trunk/a.txt
`
	commits, err := ParseScript(strings.NewReader(script))
	require.NoError(t, err)

	g := NewFixtureGenerator(logrus.New())
	_, err = g.Run(r, commits)
	require.NoError(t, err)

	kind, err := r.CheckPath("trunk/a.txt", 2)
	require.NoError(t, err)
	require.Equal(t, repo.KindNone, kind)

	kind, err = r.CheckPath("trunk/b.txt", 2)
	require.NoError(t, err)
	require.Equal(t, repo.KindFile, kind)
}

func TestRunReturnsErrorForUnknownCommitTarget(t *testing.T) {
	r := newFixtureTestRepo(t)
	script := `
commit alice delete something that was never added
delete trunk/missing.txt
`
	commits, err := ParseScript(strings.NewReader(script))
	require.NoError(t, err)

	g := NewFixtureGenerator(logrus.New())
	_, err = g.Run(r, commits)
	require.Error(t, err)
}
