// Package journal writes the server's audit/debug trail: one line per
// event, in a fixed delimiter-based record format, generalized to a
// flat event-plus-fields record that fits any of gosvnserve's audit
// points (auth attempts, property changes, lock grants) without a
// record type per event.
package journal

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Record is one audit/debug event: Event names what happened
// ("auth", "change-rev-prop", "lock-acquired", ...) and Fields carries
// whatever that event has to say about it. Fields are written in
// sorted key order so two runs of the same event produce byte-identical
// lines, mirroring the stable field order of a fixed-column record log.
type Record struct {
	Time   time.Time
	Event  string
	Fields map[string]string
}

// Journal serializes writes from concurrent connections onto one
// underlying io.Writer, the same role a shared journal log plays
// serializing records onto one output file.
type Journal struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// New wraps an already-open writer, for tests and for callers who want
// to manage the file themselves.
func New(w io.Writer) *Journal {
	return &Journal{w: w}
}

// Open opens (creating if needed, appending if not) the journal file at
// path.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Journal{w: f, closer: f}, nil
}

// Close closes the underlying file, if Open created one. It is a no-op
// for a Journal built with New.
func (j *Journal) Close() error {
	if j.closer == nil {
		return nil
	}
	return j.closer.Close()
}

// Write appends rec as one line: "@jr@ <unix-nano> @<event>@ k=v k=v ...".
// A value containing a space or '@' is itself wrapped in @...@ so the
// line stays whitespace-delimited, the same @...@ escaping convention a
// p4 journal format uses for its own Text fields.
func (j *Journal) Write(rec Record) error {
	names := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "@jr@ %d @%s@", rec.Time.UnixNano(), rec.Event)
	for _, k := range names {
		v := rec.Fields[k]
		if strings.ContainsAny(v, " @") {
			v = "@" + v + "@"
		}
		fmt.Fprintf(&b, " %s=%s", k, v)
	}
	b.WriteByte('\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := io.WriteString(j.w, b.String())
	return err
}

// WriteEvent is a Write shorthand for the common case of an event with
// no field map of its own, built from alternating key/value strings.
func (j *Journal) WriteEvent(event string, kv ...string) error {
	fields := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	return j.Write(Record{Time: time.Now(), Event: event, Fields: fields})
}
