package main

// gosvnserve is the server daemon entrypoint: it accepts TCP connections,
// negotiates the wire protocol greeting and authentication handshake,
// then dispatches each session's commands against a single shared
// Repository. Connection handling follows the same bounded-concurrency
// idiom used for blob writes elsewhere - submitting work to a bounded
// pond.WorkerPool instead of spawning an unbounded number of goroutines;
// here the pool bounds concurrent connections the same way, each one
// still served start-to-finish by whichever worker picks it up.

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/alitto/pond"
	"github.com/rcowham/gosvnd/config"
	"github.com/rcowham/gosvnd/journal"
	"github.com/rcowham/gosvnd/report"
	"github.com/rcowham/gosvnd/repo"
	"github.com/rcowham/gosvnd/svnerr"
	"github.com/rcowham/gosvnd/treeeditor"
	"github.com/rcowham/gosvnd/txn"
	"github.com/rcowham/gosvnd/wire"
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/alecthomas/kingpin.v2"
)

const protocolVersion = 2

// htpasswdStore is a minimal PasswordStore backed by "user:secret" lines,
// the simplest on-disk shape that satisfies wire.PasswordStore without
// committing to any particular real htpasswd dialect.
type htpasswdStore struct {
	secrets map[string]string
}

func loadPasswordStore(path string) (*htpasswdStore, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load password db %s: %w", path, err)
	}
	secrets := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		secrets[parts[0]] = parts[1]
	}
	return &htpasswdStore{secrets: secrets}, nil
}

func (s *htpasswdStore) Lookup(username string) (string, bool, error) {
	secret, ok := s.secrets[username]
	return secret, ok, nil
}

// session is one authenticated connection's view of the repository: its
// access level gates which handlers PreDispatch admits.
type session struct {
	repo      *repo.Repository
	access    config.AccessLevel
	principal string
	logger    *logrus.Entry
	jrnl      *journal.Journal
}

func accessLevelFor(cfg *config.Config, principal string) config.AccessLevel {
	if principal == "" {
		return cfg.AnonAccess
	}
	return cfg.AuthAccess
}

// handshake performs the version/capability greeting and the
// ANONYMOUS/EXTERNAL/CRAM-MD5 auth negotiation, returning the
// authenticated principal (empty for anonymous).
func handshake(r *wire.Reader, w *wire.Writer, auth *wire.ChainAuthenticator) (string, error) {
	if err := w.WriteGreeting(wire.Greeting{
		MinVer: protocolVersion, MaxVer: protocolVersion,
		Mechanisms:   auth.Mechanisms(),
		Capabilities: []string{"edit-pipelining"},
	}); err != nil {
		return "", err
	}
	if _, err := r.ReadClientGreeting(); err != nil {
		return "", err
	}

	mechWords := make([]wire.Value, len(auth.Mechanisms()))
	for i, m := range auth.Mechanisms() {
		mechWords[i] = wire.Wd(m)
	}
	if err := w.WriteSuccess(wire.Lst(mechWords...), wire.Str(auth.Realm)); err != nil {
		return "", err
	}
	sel, err := r.ReadValue()
	if err != nil {
		return "", err
	}
	if sel.Kind != wire.KindList || len(sel.List) == 0 {
		return "", svnerr.New(svnerr.MalformedFile, "", "malformed auth mechanism selection")
	}
	mech := sel.List[0].AsWord()

	principal, authErr := auth.Authenticate(mech, r, w)
	if authErr != nil {
		_ = w.WriteFailure(wire.FailureFromErr(authErr)...)
		return "", authErr
	}
	if err := w.WriteSuccess(wire.Str(principal)); err != nil {
		return "", err
	}
	return principal, nil
}

// buildDispatcher registers every core command this server serves.
// get-latest-rev through get-dir read directly off Repository; commit
// opens a txn and drives it through a txn-backed treeeditor.Editor over
// the wire editor sub-protocol; update/switch/status/diff drive a
// report.Reconciler against a WireEditor that streams the resulting
// tree-delta back to the client; log walks revision properties directly.
func buildDispatcher(s *session) *wire.Dispatcher {
	d := wire.NewDispatcher()

	d.Register(wire.CmdGetLatestRev, func(cmd wire.Command, r *wire.Reader, w *wire.Writer) error {
		rev, err := s.repo.Youngest()
		if err != nil {
			return w.WriteFailure(wire.FailureFromErr(err)...)
		}
		return w.WriteSuccess(wire.Num(rev))
	})

	d.Register(wire.CmdGetDatedRev, func(cmd wire.Command, r *wire.Reader, w *wire.Writer) error {
		if len(cmd.Args) < 1 {
			return w.WriteFailure(wire.FailureFromErr(svnerr.New(svnerr.IncorrectParams, cmd.Name, "wrong number of arguments"))...)
		}
		rev, err := s.repo.GetDatedRev(time.Unix(cmd.Args[0].AsNumber(), 0))
		if err != nil {
			return w.WriteFailure(wire.FailureFromErr(err)...)
		}
		return w.WriteSuccess(wire.Num(rev))
	})

	d.Register(wire.CmdCheckPath, func(cmd wire.Command, r *wire.Reader, w *wire.Writer) error {
		if len(cmd.Args) < 2 {
			return w.WriteFailure(wire.FailureFromErr(svnerr.New(svnerr.IncorrectParams, cmd.Name, "wrong number of arguments"))...)
		}
		path := string(cmd.Args[0].AsString())
		rev := cmd.Args[1].AsNumber()
		kind, err := s.repo.CheckPath(path, rev)
		if err != nil {
			return w.WriteFailure(wire.FailureFromErr(err)...)
		}
		return w.WriteSuccess(wire.Wd(kindWord(kind)))
	})

	d.Register(wire.CmdRevProplist, func(cmd wire.Command, r *wire.Reader, w *wire.Writer) error {
		if len(cmd.Args) < 1 {
			return w.WriteFailure(wire.FailureFromErr(svnerr.New(svnerr.IncorrectParams, cmd.Name, "wrong number of arguments"))...)
		}
		props, err := s.repo.RevProplist(cmd.Args[0].AsNumber())
		if err != nil {
			return w.WriteFailure(wire.FailureFromErr(err)...)
		}
		return w.WriteSuccess(propList(props))
	})

	d.Register(wire.CmdRevProp, func(cmd wire.Command, r *wire.Reader, w *wire.Writer) error {
		if len(cmd.Args) < 2 {
			return w.WriteFailure(wire.FailureFromErr(svnerr.New(svnerr.IncorrectParams, cmd.Name, "wrong number of arguments"))...)
		}
		val, err := s.repo.RevProp(cmd.Args[0].AsNumber(), cmd.Args[1].AsWord())
		if err != nil {
			return w.WriteFailure(wire.FailureFromErr(err)...)
		}
		if val == nil {
			return w.WriteSuccess()
		}
		return w.WriteSuccess(wire.Bytes(val))
	})

	d.Register(wire.CmdChangeRevProp, func(cmd wire.Command, r *wire.Reader, w *wire.Writer) error {
		if s.access != config.AccessWrite {
			return w.WriteFailure(wire.FailureFromErr(svnerr.New(svnerr.NotAuthorized, cmd.Name, "write access required"))...)
		}
		if len(cmd.Args) < 3 {
			return w.WriteFailure(wire.FailureFromErr(svnerr.New(svnerr.IncorrectParams, cmd.Name, "wrong number of arguments"))...)
		}
		rev := cmd.Args[0].AsNumber()
		name := cmd.Args[1].AsWord()
		if err := s.repo.ChangeRevProp(rev, name, cmd.Args[2].AsString()); err != nil {
			return w.WriteFailure(wire.FailureFromErr(err)...)
		}
		if s.jrnl != nil {
			_ = s.jrnl.WriteEvent("change-rev-prop",
				"rev", fmt.Sprintf("%d", rev), "name", name, "principal", s.principal)
		}
		return w.WriteSuccess()
	})

	d.Register(wire.CmdGetFile, func(cmd wire.Command, r *wire.Reader, w *wire.Writer) error {
		if len(cmd.Args) < 2 {
			return w.WriteFailure(wire.FailureFromErr(svnerr.New(svnerr.IncorrectParams, cmd.Name, "wrong number of arguments"))...)
		}
		path := string(cmd.Args[0].AsString())
		rev := cmd.Args[1].AsNumber()
		content, props, err := s.repo.GetFile(path, rev)
		if err != nil {
			return w.WriteFailure(wire.FailureFromErr(err)...)
		}
		data, err := io.ReadAll(content)
		if err != nil {
			return w.WriteFailure(wire.FailureFromErr(svnerr.Wrap(svnerr.IO, path, "failed to read file content", err))...)
		}
		return w.WriteSuccess(wire.Num(rev), propList(props), wire.Bytes(data))
	})

	d.Register(wire.CmdGetDir, func(cmd wire.Command, r *wire.Reader, w *wire.Writer) error {
		if len(cmd.Args) < 2 {
			return w.WriteFailure(wire.FailureFromErr(svnerr.New(svnerr.IncorrectParams, cmd.Name, "wrong number of arguments"))...)
		}
		path := string(cmd.Args[0].AsString())
		rev := cmd.Args[1].AsNumber()
		entries, props, err := s.repo.GetDir(path, rev)
		if err != nil {
			return w.WriteFailure(wire.FailureFromErr(err)...)
		}
		items := make([]wire.Value, len(entries))
		for i, e := range entries {
			items[i] = wire.Lst(wire.Str(e.Name), wire.Wd(kindWord(repo.NodeKind(e.Kind))))
		}
		return w.WriteSuccess(wire.Num(rev), propList(props), wire.Lst(items...))
	})

	d.Register(wire.CmdCommit, s.handleCommit)

	reportHandler := s.handleReportDrive
	d.Register(wire.CmdUpdate, reportHandler)
	d.Register(wire.CmdSwitch, reportHandler)
	d.Register(wire.CmdStatus, reportHandler)
	d.Register(wire.CmdDiff, reportHandler)

	d.Register(wire.CmdLog, s.handleLog)

	return d
}

// handleCommit opens a transaction against the youngest revision, acks
// the commit command, then reads the client's editor sub-command stream
// until close-edit or abort-edit. A txn-backed Editor, wrapped in a Guard
// so a misbehaving drive panics instead of corrupting the transaction,
// interprets each incoming add-dir/add-file/... call directly against
// the open txn; close-edit finalizes it and reports the new revision.
func (s *session) handleCommit(cmd wire.Command, r *wire.Reader, w *wire.Writer) error {
	if s.access != config.AccessWrite {
		return w.WriteFailure(wire.FailureFromErr(svnerr.New(svnerr.NotAuthorized, cmd.Name, "write access required"))...)
	}
	if len(cmd.Args) < 1 {
		return w.WriteFailure(wire.FailureFromErr(svnerr.New(svnerr.IncorrectParams, cmd.Name, "wrong number of arguments"))...)
	}
	logMessage := string(cmd.Args[0].AsString())

	baseRev, err := s.repo.Youngest()
	if err != nil {
		return w.WriteFailure(wire.FailureFromErr(err)...)
	}
	t, err := s.repo.Manager().BeginTxn(baseRev)
	if err != nil {
		return w.WriteFailure(wire.FailureFromErr(err)...)
	}
	guard := treeeditor.Wrap(txn.NewEditor(t))
	editorSession := wire.NewEditorSession(guard)

	if err := w.WriteSuccess(); err != nil {
		return err
	}

	for {
		ecmd, err := r.ReadCommand()
		if err != nil {
			return err
		}
		switch ecmd.Name {
		case wire.CmdCloseEdit:
			if err := guard.CloseEdit(); err != nil {
				return w.WriteFailure(wire.FailureFromErr(err)...)
			}
			newRev, when, err := t.Commit(logMessage, s.principal)
			if err != nil {
				return w.WriteFailure(wire.FailureFromErr(err)...)
			}
			if s.jrnl != nil {
				_ = s.jrnl.WriteEvent("commit", "rev", fmt.Sprintf("%d", newRev), "principal", s.principal)
			}
			return w.WriteSuccess(wire.Num(newRev), wire.Str(when.UTC().Format(time.RFC3339)), wire.Str(s.principal))

		case wire.CmdAbortEdit:
			_ = guard.AbortEdit()
			return w.WriteSuccess()

		default:
			if _, err := editorSession.Step(ecmd, w); err != nil {
				return err
			}
		}
	}
}

// handleReportDrive serves update/switch/status/diff, all of which share
// the same report-then-driven-edit shape: the client declares its current
// state via set-path/link-path/delete-path, then finish-report walks the
// reconciler against targetRev and streams the resulting tree-delta back
// over a WireEditor, the outbound half of the same sub-protocol
// handleCommit receives.
func (s *session) handleReportDrive(cmd wire.Command, r *wire.Reader, w *wire.Writer) error {
	if s.access == config.AccessNone {
		return w.WriteFailure(wire.FailureFromErr(svnerr.New(svnerr.NotAuthorized, cmd.Name, "read access required"))...)
	}
	targetRev, err := targetRevision(s, cmd)
	if err != nil {
		return w.WriteFailure(wire.FailureFromErr(err)...)
	}
	var rootPath string
	if len(cmd.Args) > 1 {
		rootPath = string(cmd.Args[1].AsString())
	}

	if err := w.WriteSuccess(); err != nil {
		return err
	}

	editor := wire.NewWireEditor(r, w)
	rec := report.NewReconciler(s.repo.Manager(), editor, targetRev, rootPath)
	reportSession := wire.NewReportSession(rec)
	for {
		rcmd, err := r.ReadCommand()
		if err != nil {
			return err
		}
		done, err := reportSession.Step(rcmd, w)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// targetRevision resolves an update/switch/status/diff command's optional
// leading revision argument, defaulting to youngest when the client omits
// it (an empty list rather than a number, in the wire grammar).
func targetRevision(s *session, cmd wire.Command) (int64, error) {
	if len(cmd.Args) > 0 && cmd.Args[0].Kind == wire.KindNumber {
		return cmd.Args[0].AsNumber(), nil
	}
	return s.repo.Youngest()
}

// handleLog walks [start, end] (inclusive, start may exceed end for a
// reverse walk) and reports each revision's author, date, and log
// message. changed-paths and path filtering are not implemented: every
// revision in range is reported with an empty changed-paths list.
func (s *session) handleLog(cmd wire.Command, r *wire.Reader, w *wire.Writer) error {
	if s.access == config.AccessNone {
		return w.WriteFailure(wire.FailureFromErr(svnerr.New(svnerr.NotAuthorized, cmd.Name, "read access required"))...)
	}
	if len(cmd.Args) < 3 {
		return w.WriteFailure(wire.FailureFromErr(svnerr.New(svnerr.IncorrectParams, cmd.Name, "wrong number of arguments"))...)
	}
	start := cmd.Args[1].AsNumber()
	end := cmd.Args[2].AsNumber()
	if cmd.Args[2].Kind != wire.KindNumber {
		youngest, err := s.repo.Youngest()
		if err != nil {
			return w.WriteFailure(wire.FailureFromErr(err)...)
		}
		end = youngest
	}

	step := int64(1)
	if start > end {
		step = -1
	}
	var entries []wire.Value
	for rev := start; ; rev += step {
		props, err := s.repo.RevProplist(rev)
		if err != nil {
			return w.WriteFailure(wire.FailureFromErr(err)...)
		}
		when, err := s.repo.RevisionDate(rev)
		if err != nil {
			return w.WriteFailure(wire.FailureFromErr(err)...)
		}
		entries = append(entries, wire.Lst(
			wire.Lst(), // changed-paths: not implemented
			wire.Num(rev),
			wire.Str(string(props["svn:author"])),
			wire.Str(when.Format(time.RFC3339)),
			wire.Str(string(props["svn:log"])),
		))
		if rev == end {
			break
		}
	}
	return w.WriteSuccess(wire.Lst(entries...))
}

func kindWord(k repo.NodeKind) string {
	switch k {
	case repo.KindFile:
		return "file"
	case repo.KindDir:
		return "dir"
	default:
		return "none"
	}
}

func propList(props map[string][]byte) wire.Value {
	items := make([]wire.Value, 0, len(props))
	for name, val := range props {
		items = append(items, wire.Lst(wire.Wd(name), wire.Bytes(val)))
	}
	return wire.Lst(items...)
}

func handleConnection(conn net.Conn, r *repo.Repository, cfg *config.Config, auth *wire.ChainAuthenticator, logger *logrus.Logger, jrnl *journal.Journal) {
	defer conn.Close()
	wr := wire.NewReader(conn)
	ww := wire.NewWriter(conn)
	remote := conn.RemoteAddr().String()

	principal, err := handshake(wr, ww, auth)
	if err != nil {
		logger.WithError(err).Warn("handshake failed")
		if jrnl != nil {
			_ = jrnl.WriteEvent("auth", "result", "failure", "remote", remote)
		}
		return
	}
	if jrnl != nil {
		_ = jrnl.WriteEvent("auth", "result", "success", "principal", principal, "remote", remote)
	}
	s := &session{
		repo:      r,
		access:    accessLevelFor(cfg, principal),
		principal: principal,
		logger:    logger.WithFields(logrus.Fields{"principal": principal, "remote": remote}),
		jrnl:      jrnl,
	}
	s.logger.Info("session established")

	d := buildDispatcher(s)
	for {
		if err := d.Dispatch(wr, ww); err != nil {
			if !svnerr.Is(err, svnerr.ConnectionClosed) {
				s.logger.WithError(err).Debug("session ended")
			}
			return
		}
	}
}

func main() {
	var (
		listenAddr  = kingpin.Flag("listen", "Address to listen on.").Default(":3690").String()
		repoPath    = kingpin.Flag("repo", "Path to the repository's bbolt database file.").Required().String()
		configFile  = kingpin.Flag("config", "Path to the repository configuration YAML file.").String()
		logFile     = kingpin.Flag("log-file", "Path to the rotated server log (stderr if unset).").String()
		journalFile = kingpin.Flag("journal", "Path to the audit/debug journal file (disabled if unset).").String()
		maxConns    = kingpin.Flag("max-connections", "Maximum concurrent client connections served.").Default("50").Int()
		debug       = kingpin.Flag("debug", "Enable debug logging.").Bool()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version("gosvnserve 1.0.0").Author("Robert Cowham")
	kingpin.CommandLine.Help = "Serves a gosvnd repository over the svn wire protocol.\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug {
		logger.Level = logrus.DebugLevel
	}
	if *logFile != "" {
		logger.SetOutput(&lumberjack.Logger{Filename: *logFile, MaxSize: 100, MaxBackups: 5, MaxAge: 28, Compress: true})
	}

	cfg := &config.Config{AnonAccess: config.AccessRead, AuthAccess: config.AccessWrite, Realm: "gosvnd"}
	if *configFile != "" {
		loaded, err := config.LoadConfigFile(*configFile)
		if err != nil {
			logger.Fatalf("Failed to load config %s: %v", *configFile, err)
		}
		cfg = loaded
	}

	r, err := repo.Create(*repoPath, logger)
	if err != nil {
		logger.Fatalf("Failed to open repository %s: %v", *repoPath, err)
	}
	defer r.Close()

	var jrnl *journal.Journal
	if *journalFile != "" {
		jrnl, err = journal.Open(*journalFile)
		if err != nil {
			logger.Fatalf("Failed to open journal %s: %v", *journalFile, err)
		}
		defer jrnl.Close()
	}

	passwords, err := loadPasswordStore(cfg.PasswordDB)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	// passwords is a typed nil *htpasswdStore when no password_db is
	// configured; keep it out of the interface-valued field entirely so
	// ChainAuthenticator's own nil check (which compares the interface,
	// not the pointer it wraps) sees a true nil and disables CRAM-MD5.
	var pwStore wire.PasswordStore
	if passwords != nil {
		pwStore = passwords
	}
	auth := wire.NewChainAuthenticator(cfg.AnonAccess != config.AccessNone, nil, pwStore, cfg.Realm)

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logger.Fatalf("Failed to listen on %s: %v", *listenAddr, err)
	}
	defer ln.Close()
	logger.Infof("gosvnserve listening on %s (repo %s)", *listenAddr, *repoPath)

	pool := pond.New(*maxConns, *maxConns*4, pond.MinWorkers(4))
	defer pool.StopAndWait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.WithError(err).Error("accept failed")
			return
		}
		pool.Submit(func() {
			handleConnection(conn, r, cfg, auth, logger, jrnl)
		})
	}
}
