package main

import (
	"bytes"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rcowham/gosvnd/config"
	"github.com/rcowham/gosvnd/journal"
	"github.com/rcowham/gosvnd/repo"
	"github.com/rcowham/gosvnd/wire"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openGosvnserveTestRepo(t *testing.T) *repo.Repository {
	t.Helper()
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	r, err := repo.Create(filepath.Join(dir, "repo.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func commitGosvnserveReadme(t *testing.T, r *repo.Repository) int64 {
	t.Helper()
	tx, err := r.Manager().BeginTxn(0)
	require.NoError(t, err)
	_, err = tx.MakeDir("/trunk")
	require.NoError(t, err)
	h, err := tx.MakeFile("/trunk/README")
	require.NoError(t, err)
	_, err = tx.WriteContents(h, strings.NewReader("hello"))
	require.NoError(t, err)
	rev, _, err := tx.Commit("init", "alice")
	require.NoError(t, err)
	return rev
}

// pipedSession starts handleConnection against one end of an in-memory
// net.Pipe and returns the other end, already past the handshake, wired
// to the same session helpers a real client would use.
func pipedSession(t *testing.T, r *repo.Repository, cfg *config.Config) (*wire.Reader, *wire.Writer) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	auth := wire.NewChainAuthenticator(cfg.AnonAccess != config.AccessNone, nil, nil, cfg.Realm)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	go handleConnection(serverConn, r, cfg, auth, logger, nil)

	cr := wire.NewReader(clientConn)
	cw := wire.NewWriter(clientConn)

	_, err := cr.ReadGreeting()
	require.NoError(t, err)
	require.NoError(t, cw.WriteValue(wire.Lst(wire.Num(2), wire.Lst(), wire.Str(""))))

	_, err = cr.ReadValue() // auth-request: (mechs realm)
	require.NoError(t, err)
	require.NoError(t, cw.WriteValue(wire.Lst(wire.Wd(wire.MechAnonymous))))

	result, err := cr.ReadValue() // ( success (principal) )
	require.NoError(t, err)
	require.Equal(t, "success", result.List[0].Word)

	t.Cleanup(func() { clientConn.Close() })
	return cr, cw
}

func TestHandshakeNegotiatesAnonymousAccess(t *testing.T) {
	r := openGosvnserveTestRepo(t)
	cfg := &config.Config{AnonAccess: config.AccessRead, AuthAccess: config.AccessWrite, Realm: "testrealm"}
	pipedSession(t, r, cfg)
}

func TestGetLatestRevOverTheWire(t *testing.T) {
	r := openGosvnserveTestRepo(t)
	rev := commitGosvnserveReadme(t, r)
	cfg := &config.Config{AnonAccess: config.AccessRead, AuthAccess: config.AccessWrite, Realm: "testrealm"}
	cr, cw := pipedSession(t, r, cfg)

	require.NoError(t, cw.WriteValue(wire.Lst(wire.Wd(wire.CmdGetLatestRev))))
	resp, err := cr.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, "success", resp.List[0].Word)
	assert.EqualValues(t, rev, resp.List[1].List[0].Number)
}

func TestCheckPathOverTheWire(t *testing.T) {
	r := openGosvnserveTestRepo(t)
	rev := commitGosvnserveReadme(t, r)
	cfg := &config.Config{AnonAccess: config.AccessRead, AuthAccess: config.AccessWrite, Realm: "testrealm"}
	cr, cw := pipedSession(t, r, cfg)

	require.NoError(t, cw.WriteValue(wire.Lst(wire.Wd(wire.CmdCheckPath), wire.Str("/trunk/README"), wire.Num(rev))))
	resp, err := cr.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, "success", resp.List[0].Word)
	assert.Equal(t, "file", resp.List[1].List[0].Word)
}

func TestChangeRevPropDeniedWithoutWriteAccess(t *testing.T) {
	r := openGosvnserveTestRepo(t)
	rev := commitGosvnserveReadme(t, r)
	cfg := &config.Config{AnonAccess: config.AccessRead, AuthAccess: config.AccessWrite, Realm: "testrealm"}
	cr, cw := pipedSession(t, r, cfg)

	require.NoError(t, cw.WriteValue(wire.Lst(wire.Wd(wire.CmdChangeRevProp), wire.Num(rev), wire.Wd("svn:log"), wire.Str("edited"))))
	resp, err := cr.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, "failure", resp.List[0].Word)
}

func TestSuccessfulAuthAndChangeRevPropAreJournaled(t *testing.T) {
	r := openGosvnserveTestRepo(t)
	rev := commitGosvnserveReadme(t, r)
	cfg := &config.Config{AnonAccess: config.AccessWrite, AuthAccess: config.AccessWrite, Realm: "testrealm"}

	serverConn, clientConn := net.Pipe()
	auth := wire.NewChainAuthenticator(true, nil, nil, cfg.Realm)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	var buf bytes.Buffer
	jrnl := journal.New(&buf)

	go handleConnection(serverConn, r, cfg, auth, logger, jrnl)

	cr := wire.NewReader(clientConn)
	cw := wire.NewWriter(clientConn)
	_, err := cr.ReadGreeting()
	require.NoError(t, err)
	require.NoError(t, cw.WriteValue(wire.Lst(wire.Num(2), wire.Lst(), wire.Str(""))))
	_, err = cr.ReadValue()
	require.NoError(t, err)
	require.NoError(t, cw.WriteValue(wire.Lst(wire.Wd(wire.MechAnonymous))))
	result, err := cr.ReadValue()
	require.NoError(t, err)
	require.Equal(t, "success", result.List[0].Word)

	require.NoError(t, cw.WriteValue(wire.Lst(wire.Wd(wire.CmdChangeRevProp), wire.Num(rev), wire.Wd("svn:log"), wire.Str("edited"))))
	resp, err := cr.ReadValue()
	require.NoError(t, err)
	require.Equal(t, "success", resp.List[0].Word)
	clientConn.Close()

	out := buf.String()
	assert.Contains(t, out, "@auth@")
	assert.Contains(t, out, "result=success")
	assert.Contains(t, out, "@change-rev-prop@")
	assert.Contains(t, out, "name=svn:log")
}

func TestGetFileOverTheWire(t *testing.T) {
	r := openGosvnserveTestRepo(t)
	rev := commitGosvnserveReadme(t, r)
	cfg := &config.Config{AnonAccess: config.AccessRead, AuthAccess: config.AccessWrite, Realm: "testrealm"}
	cr, cw := pipedSession(t, r, cfg)

	require.NoError(t, cw.WriteValue(wire.Lst(wire.Wd(wire.CmdGetFile), wire.Str("/trunk/README"), wire.Num(rev))))
	resp, err := cr.ReadValue()
	require.NoError(t, err)
	require.Equal(t, "success", resp.List[0].Word)
	assert.Equal(t, "hello", string(resp.List[1].List[2].String))
}
