package main

// gitfilter replays a small scripted sequence of commits into a fresh
// repository, for use as an end-to-end test fixture. A tool of this name
// once filtered a git fast-export stream line by line into a rewritten
// fast-import stream; this one reads a much simpler line-oriented script
// and drives the same kind of one-op-at-a-time replay against a txn.Txn
// instead, since there is no git stream in this domain to filter - what
// carries over is the idea of a small standalone CLI that builds
// deterministic, hand-authored repository fixtures for exercising the
// rest of the system end to end.

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rcowham/gosvnd/repo"
	"github.com/rcowham/gosvnd/txn"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

// FixtureOp is one file-level mutation within a scripted commit.
type FixtureOp struct {
	action  string // "add", "edit", "delete", "copy"
	path    string
	srcPath string // copy only
	content string // add/edit only
}

// FixtureCommit is one scripted commit: an author, a log message, and
// the ordered file operations to apply before committing.
type FixtureCommit struct {
	author string
	logMsg string
	ops    []FixtureOp
}

// ParseScript reads a fixture script into its ordered list of commits.
//
// Grammar, one directive per line, blank lines and "#" comments ignored:
//
//	commit <author> <log message...>
//	add <path> <content...>
//	edit <path> <content...>
//	delete <path>
//	copy <src> <dst>
//
// Every add/edit/delete/copy line belongs to the most recently seen
// commit line.
func ParseScript(r io.Reader) ([]*FixtureCommit, error) {
	var commits []*FixtureCommit
	var current *FixtureCommit
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		keyword := fields[0]
		rest := ""
		if len(fields) == 2 {
			rest = fields[1]
		}
		switch keyword {
		case "commit":
			parts := strings.SplitN(rest, " ", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("line %d: commit needs an author and a log message", lineNo)
			}
			current = &FixtureCommit{author: parts[0], logMsg: parts[1]}
			commits = append(commits, current)
		case "add", "edit":
			if current == nil {
				return nil, fmt.Errorf("line %d: %s before any commit line", lineNo, keyword)
			}
			parts := strings.SplitN(rest, " ", 2)
			content := ""
			if len(parts) == 2 {
				content = parts[1]
			}
			current.ops = append(current.ops, FixtureOp{action: keyword, path: parts[0], content: content})
		case "delete":
			if current == nil {
				return nil, fmt.Errorf("line %d: delete before any commit line", lineNo)
			}
			current.ops = append(current.ops, FixtureOp{action: "delete", path: rest})
		case "copy":
			if current == nil {
				return nil, fmt.Errorf("line %d: copy before any commit line", lineNo)
			}
			parts := strings.SplitN(rest, " ", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("line %d: copy needs a source and a destination", lineNo)
			}
			current.ops = append(current.ops, FixtureOp{action: "copy", srcPath: parts[0], path: parts[1]})
		default:
			return nil, fmt.Errorf("line %d: unrecognized directive %q", lineNo, keyword)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return commits, nil
}

// FixtureGenerator replays parsed fixture commits against a repository.
type FixtureGenerator struct {
	logger *logrus.Logger
}

func NewFixtureGenerator(logger *logrus.Logger) *FixtureGenerator {
	return &FixtureGenerator{logger: logger}
}

// Run replays every scripted commit against r in order, returning the
// revision number of the last commit applied.
func (g *FixtureGenerator) Run(r *repo.Repository, commits []*FixtureCommit) (int64, error) {
	var lastRev int64
	for i, c := range commits {
		rev, err := g.applyCommit(r, c)
		if err != nil {
			return 0, fmt.Errorf("commit %d (%q): %w", i+1, c.logMsg, err)
		}
		g.logger.Infof("r%d: %s (%s)", rev, c.logMsg, c.author)
		lastRev = rev
	}
	return lastRev, nil
}

func (g *FixtureGenerator) applyCommit(r *repo.Repository, c *FixtureCommit) (int64, error) {
	youngest, err := r.Youngest()
	if err != nil {
		return 0, err
	}
	tx, err := r.Manager().BeginTxn(youngest)
	if err != nil {
		return 0, err
	}
	for _, op := range c.ops {
		switch op.action {
		case "add":
			if err := ensureParentDirs(tx, op.path); err != nil {
				return 0, err
			}
			h, err := tx.MakeFile(op.path)
			if err != nil {
				return 0, err
			}
			if _, err := tx.WriteContents(h, strings.NewReader(op.content)); err != nil {
				return 0, err
			}
		case "edit":
			h, err := tx.Open(op.path)
			if err != nil {
				return 0, err
			}
			if _, err := tx.WriteContents(h, strings.NewReader(op.content)); err != nil {
				return 0, err
			}
		case "delete":
			if err := tx.Delete(op.path); err != nil {
				return 0, err
			}
		case "copy":
			if err := ensureParentDirs(tx, op.path); err != nil {
				return 0, err
			}
			if _, err := tx.Copy(op.srcPath, youngest, op.path); err != nil {
				return 0, err
			}
		}
	}
	rev, _, err := tx.Commit(c.logMsg, c.author)
	return rev, err
}

// ensureParentDirs creates any missing intermediate directories above p
// within tx, so a fixture script can "add trunk/sub/a.txt ..." without a
// separate directory-creation directive - the script format only talks
// about files, the way a working copy's own add-with-parents convenience
// does for users.
func ensureParentDirs(tx *txn.Txn, p string) error {
	dir := path.Dir(p)
	if dir == "." || dir == "/" || dir == "" {
		return nil
	}
	var missing []string
	for d := dir; d != "." && d != "/" && d != ""; d = path.Dir(d) {
		if _, err := tx.Open(d); err == nil {
			break
		}
		missing = append([]string{d}, missing...)
	}
	for _, d := range missing {
		if _, err := tx.MakeDir(d); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	var (
		scriptFile = kingpin.Arg(
			"script", "Fixture script to replay (see ParseScript for grammar).",
		).Required().String()
		dbPath = kingpin.Flag(
			"out", "Path to the repository's bbolt database file to create.",
		).Default("fixture.db").String()
		debug = kingpin.Flag(
			"debug", "Enable debug logging.",
		).Bool()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version("gitfilter 1.0.0").Author("Robert Cowham")
	kingpin.CommandLine.Help = "Replays a scripted sequence of commits into a fresh repository, for use as an end-to-end test fixture.\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug {
		logger.Level = logrus.DebugLevel
	}

	startTime := time.Now()
	logger.Infof("Starting gitfilter at %v, script: %v", startTime, *scriptFile)

	f, err := os.Open(*scriptFile)
	if err != nil {
		logger.Fatalf("Failed to open %s: %v", *scriptFile, err)
	}
	defer f.Close()

	commits, err := ParseScript(f)
	if err != nil {
		logger.Fatalf("Failed to parse %s: %v", *scriptFile, err)
	}

	r, err := repo.Create(*dbPath, logger)
	if err != nil {
		logger.Fatalf("Failed to create repository %s: %v", *dbPath, err)
	}
	defer r.Close()

	g := NewFixtureGenerator(logger)
	lastRev, err := g.Run(r, commits)
	if err != nil {
		logger.Fatalf("Failed to replay fixture script: %v", err)
	}
	logger.Infof("Wrote %s at r%d", *dbPath, lastRev)
}
