package wire

import (
	"github.com/rcowham/gosvnd/report"
	"github.com/rcowham/gosvnd/svnerr"
	"github.com/rcowham/gosvnd/wcmeta"
)

// Core command names.
const (
	CmdGetLatestRev  = "get-latest-rev"
	CmdGetDatedRev   = "get-dated-rev"
	CmdRevProplist   = "rev-proplist"
	CmdRevProp       = "rev-prop"
	CmdChangeRevProp = "change-rev-prop"
	CmdGetFile       = "get-file"
	CmdGetDir        = "get-dir"
	CmdCommit        = "commit"
	CmdUpdate        = "update"
	CmdSwitch        = "switch"
	CmdStatus        = "status"
	CmdDiff          = "diff"
	CmdLog           = "log"
	CmdCheckPath     = "check-path"
)

// Report sub-command names.
const (
	CmdSetPath      = "set-path"
	CmdLinkPath     = "link-path"
	CmdDeletePath   = "delete-path"
	CmdFinishReport = "finish-report"
	CmdAbortReport  = "abort-report"
)

// Handler answers one core command against the already-authenticated
// session, writing its own success/failure envelope. It receives the
// Reader alongside the already-parsed Command so a command that opens a
// sub-protocol (commit's editor drive, update/switch/status/diff's
// report) can keep reading further commands off the same stream before
// it returns.
type Handler func(cmd Command, r *Reader, w *Writer) error

// Dispatcher routes a stream of core commands to registered Handlers. A
// command with no registered handler fails with UnsupportedFeature
// rather than panicking: an unrecognized command is a condition a
// real client can trigger (protocol skew), not an internal bug.
type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(name string, h Handler) {
	d.handlers[name] = h
}

// Dispatch reads one command and routes it, writing either the handler's
// own envelope or a failure envelope for an unknown command / handler
// error the handler didn't already convert into a failure response.
func (d *Dispatcher) Dispatch(r *Reader, w *Writer) error {
	cmd, err := r.ReadCommand()
	if err != nil {
		return err
	}
	h, ok := d.handlers[cmd.Name]
	if !ok {
		return w.WriteFailure(FailureFromErr(svnerr.New(svnerr.UnsupportedFeature, cmd.Name, "unrecognized command"))...)
	}
	return h(cmd, r, w)
}

// ReportSession drives report sub-commands against a report.Reconciler
// until finish-report or abort-report. Each
// sub-command writes its own success/failure envelope; FinishReport
// additionally drives the tree editor it was constructed against, so a
// caller dispatches the subsequent editor calls through whatever Editor
// it handed the Reconciler, not through ReportSession itself.
type ReportSession struct {
	rec *report.Reconciler
}

func NewReportSession(rec *report.Reconciler) *ReportSession {
	return &ReportSession{rec: rec}
}

// Step dispatches one report sub-command, returning true once the report
// has finished or been aborted.
func (s *ReportSession) Step(cmd Command, w *Writer) (done bool, err error) {
	switch cmd.Name {
	case CmdSetPath:
		if len(cmd.Args) < 4 {
			return false, badArgs(w, cmd)
		}
		path := string(cmd.Args[0].AsString())
		rev := cmd.Args[1].AsNumber()
		startEmpty := cmd.Args[2].AsWord() == "true"
		depth := depthFromWord(cmd.Args[3].AsWord())
		if err := s.rec.SetPath(path, rev, startEmpty, depth); err != nil {
			return false, w.WriteFailure(FailureFromErr(err)...)
		}
		return false, w.WriteSuccess()

	case CmdLinkPath:
		if len(cmd.Args) < 5 {
			return false, badArgs(w, cmd)
		}
		path := string(cmd.Args[0].AsString())
		source := string(cmd.Args[1].AsString())
		rev := cmd.Args[2].AsNumber()
		startEmpty := cmd.Args[3].AsWord() == "true"
		depth := depthFromWord(cmd.Args[4].AsWord())
		if err := s.rec.LinkPath(path, source, rev, startEmpty, depth); err != nil {
			return false, w.WriteFailure(FailureFromErr(err)...)
		}
		return false, w.WriteSuccess()

	case CmdDeletePath:
		if len(cmd.Args) < 1 {
			return false, badArgs(w, cmd)
		}
		if err := s.rec.DeletePath(string(cmd.Args[0].AsString())); err != nil {
			return false, w.WriteFailure(FailureFromErr(err)...)
		}
		return false, w.WriteSuccess()

	case CmdFinishReport:
		if err := s.rec.FinishReport(); err != nil {
			return true, w.WriteFailure(FailureFromErr(err)...)
		}
		return true, w.WriteSuccess()

	case CmdAbortReport:
		if err := s.rec.AbortReport(); err != nil {
			return true, w.WriteFailure(FailureFromErr(err)...)
		}
		return true, w.WriteSuccess()

	default:
		return false, w.WriteFailure(FailureFromErr(svnerr.New(svnerr.UnsupportedFeature, cmd.Name, "not a report sub-command"))...)
	}
}

func badArgs(w *Writer, cmd Command) error {
	return w.WriteFailure(FailureFromErr(svnerr.New(svnerr.IncorrectParams, cmd.Name, "wrong number of arguments"))...)
}

func depthFromWord(word string) wcmeta.Depth {
	switch word {
	case "exclude":
		return wcmeta.DepthExclude
	case "empty":
		return wcmeta.DepthEmpty
	case "files":
		return wcmeta.DepthFiles
	case "immediates":
		return wcmeta.DepthImmediates
	default:
		return wcmeta.DepthInfinity
	}
}
