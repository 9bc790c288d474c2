package main

// gosvnadmin is the repository bootstrap tool: create a fresh repository
// database, or dump a revision's properties for inspection. It is the
// operational sibling of gosvnserve, kept as its own small binary rather
// than folded into one do-everything CLI, matching how the graph tool
// and filter tool each stay separate.

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/rcowham/gosvnd/repo"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

// createRepository creates (or opens, if it already exists) the
// repository database at path and reports its uuid.
func createRepository(path string, logger *logrus.Logger) (uuid string, err error) {
	r, err := repo.Create(path, logger)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return r.UUID(), nil
}

// dumpRevProps prints rev's properties, name-sorted, to w.
func dumpRevProps(path string, rev int64, logger *logrus.Logger, w io.Writer) error {
	r, err := repo.Create(path, logger)
	if err != nil {
		return err
	}
	defer r.Close()
	props, err := r.RevProplist(rev)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s: %s\n", name, props[name])
	}
	return nil
}

// youngestRev returns the repository's youngest committed revision.
func youngestRev(path string, logger *logrus.Logger) (int64, error) {
	r, err := repo.Create(path, logger)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return r.Youngest()
}

func main() {
	app := kingpin.New("gosvnadmin", "Repository bootstrap and inspection tool.")
	app.UsageTemplate(kingpin.CompactUsageTemplate).Version("gosvnadmin 1.0.0").Author("Robert Cowham")
	app.HelpFlag.Short('h')
	debug := app.Flag("debug", "Enable debug logging.").Bool()

	createCmd := app.Command("create", "Create a fresh repository database.")
	createPath := createCmd.Arg("path", "Path to the repository's bbolt database file to create.").Required().String()

	dumpCmd := app.Command("dump-revprops", "Print a revision's properties.")
	dumpPath := dumpCmd.Arg("path", "Path to the repository's bbolt database file.").Required().String()
	dumpRev := dumpCmd.Arg("rev", "Revision number to dump.").Required().Int64()

	youngestCmd := app.Command("youngest", "Print the youngest committed revision.")
	youngestPath := youngestCmd.Arg("path", "Path to the repository's bbolt database file.").Required().String()

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug {
		logger.Level = logrus.DebugLevel
	}

	switch cmd {
	case createCmd.FullCommand():
		uuid, err := createRepository(*createPath, logger)
		if err != nil {
			logger.Fatalf("Failed to create repository %s: %v", *createPath, err)
		}
		fmt.Printf("Created repository %s (uuid %s)\n", *createPath, uuid)

	case dumpCmd.FullCommand():
		if err := dumpRevProps(*dumpPath, *dumpRev, logger, os.Stdout); err != nil {
			logger.Fatalf("Failed to read r%d properties: %v", *dumpRev, err)
		}

	case youngestCmd.FullCommand():
		rev, err := youngestRev(*youngestPath, logger)
		if err != nil {
			logger.Fatalf("Failed to read youngest revision: %v", err)
		}
		fmt.Println(rev)
	}
}
