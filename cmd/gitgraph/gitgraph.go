package main

// gitgraph renders a repository's committed revisions as a timeline
// graph (graphviz dot format): one node per revision, annotated with its
// log message and author, chained in commit order. Our revision history
// is linear, so the graph this produces is a chain rather than a commit
// DAG - the same operator-debugging use case emicklei/dot serves either
// way.

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/emicklei/dot"
	"github.com/rcowham/gosvnd/repo"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

// RevisionGraphOption configures one graph render.
type RevisionGraphOption struct {
	dbPath   string
	outFile  string
	firstRev int64
	lastRev  int64 // 0 means "youngest"
	maxRevs  int   // 0 means unbounded
}

// RevisionGraph walks a repository's committed revisions and builds a
// dot.Graph chaining them in commit order.
type RevisionGraph struct {
	logger *logrus.Logger
	opts   RevisionGraphOption
	graph  *dot.Graph
}

func NewRevisionGraph(logger *logrus.Logger, opts RevisionGraphOption) *RevisionGraph {
	return &RevisionGraph{logger: logger, opts: opts, graph: dot.NewGraph(dot.Directed)}
}

// labelFor renders a revision's node label from its rev-props, truncating
// the log message to keep node text short enough for a dot renderer to
// lay out sanely.
func labelFor(rev int64, author string, logMsg []byte) string {
	msg := strings.TrimSpace(string(logMsg))
	if len(msg) > 40 {
		msg = msg[:40] + "…"
	}
	if msg == "" {
		msg = "(no log message)"
	}
	if author == "" {
		return fmt.Sprintf("r%d: %s", rev, msg)
	}
	return fmt.Sprintf("r%d (%s): %s", rev, author, msg)
}

// Build walks [firstRev, lastRev] (clamped to the repository's youngest
// revision and opts.maxRevs), adding one node per revision and an edge
// from each to its successor.
func (g *RevisionGraph) Build(r *repo.Repository) error {
	youngest, err := r.Youngest()
	if err != nil {
		return err
	}
	last := g.opts.lastRev
	if last == 0 || last > youngest {
		last = youngest
	}
	first := g.opts.firstRev
	if first < 0 {
		first = 0
	}

	var prev *dot.Node
	count := 0
	for rev := first; rev <= last; rev++ {
		if g.opts.maxRevs > 0 && count >= g.opts.maxRevs {
			g.logger.Infof("stopping at %d revisions (--max reached)", g.opts.maxRevs)
			break
		}
		props, err := r.RevProplist(rev)
		if err != nil {
			return err
		}
		label := labelFor(rev, string(props["svn:author"]), props["svn:log"])
		node := g.graph.Node(label)
		if prev != nil {
			g.graph.Edge(*prev, node, "next")
		}
		prev = &node
		count++
	}
	return nil
}

// Write renders the graph to opts.outFile in dot format.
func (g *RevisionGraph) Write() error {
	f, err := os.Create(g.opts.outFile)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", g.opts.outFile, err)
	}
	defer f.Close()
	_, err = f.WriteString(g.graph.String())
	return err
}

func main() {
	var (
		dbPath = kingpin.Arg(
			"db", "Path to the repository's bbolt database file.",
		).Required().String()
		outFile = kingpin.Flag(
			"out", "Output dot file.",
		).Default("revisions.dot").String()
		firstRev = kingpin.Flag(
			"first", "First revision to include.",
		).Default("0").Int64()
		lastRev = kingpin.Flag(
			"last", "Last revision to include (0 means youngest).",
		).Default("0").Int64()
		maxRevs = kingpin.Flag(
			"max", "Maximum number of revisions to render (0 means unbounded).",
		).Default("0").Int()
		debug = kingpin.Flag(
			"debug", "Enable debug logging.",
		).Bool()
	)

	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version("gitgraph 1.0.0").Author("Robert Cowham")
	kingpin.CommandLine.Help = "Renders a repository's revision timeline as a graphviz dot file.\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug {
		logger.Level = logrus.DebugLevel
	}

	startTime := time.Now()
	logger.Infof("Starting gitgraph at %v, db: %v", startTime, *dbPath)

	r, err := repo.Create(*dbPath, logger)
	if err != nil {
		logger.Fatalf("Failed to open repository %s: %v", *dbPath, err)
	}
	defer r.Close()

	g := NewRevisionGraph(logger, RevisionGraphOption{
		dbPath: *dbPath, outFile: *outFile,
		firstRev: *firstRev, lastRev: *lastRev, maxRevs: *maxRevs,
	})
	if err := g.Build(r); err != nil {
		logger.Fatalf("Failed to build revision graph: %v", err)
	}
	if err := g.Write(); err != nil {
		logger.Fatalf("Failed to write %s: %v", *outFile, err)
	}
	logger.Infof("Wrote %s", *outFile)
}
