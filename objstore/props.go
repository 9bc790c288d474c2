package objstore

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/rcowham/gosvnd/svnerr"
)

// Props is a mapping from short property name to an arbitrary byte string.
type Props map[string][]byte

// SerializeProps implements the exact record format from libsvn_subr's
// hash-dump format:
//
//	K <namelen>\n<name>\nV <valuelen>\n<value>\nEND\n
//
// Entries are written in an arbitrary but deterministic order (sorted by
// name) so that round-tripping is reproducible for tests and so that two
// serializations of an equal map are byte-identical.
func SerializeProps(p Props) []byte {
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	sortStrings(names)

	var buf bytes.Buffer
	for _, name := range names {
		val := p[name]
		fmt.Fprintf(&buf, "K %d\n%s\n", len(name), name)
		fmt.Fprintf(&buf, "V %d\n", len(val))
		buf.Write(val)
		buf.WriteByte('\n')
	}
	buf.WriteString("END\n")
	return buf.Bytes()
}

func sortStrings(s []string) {
	// Small, allocation-free insertion sort: property tables are small
	// (handful of reserved-prefix keys plus a few user props) so this
	// avoids pulling in sort for a single call site.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// ParseProps reparses the record format produced by SerializeProps. Any
// token other than "K", "V", or a final "END" at a record boundary is
// rejected with MalformedFile.
func ParseProps(data []byte) (Props, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	out := Props{}
	for {
		tok, err := readToken(r)
		if err != nil {
			return nil, svnerr.Wrap(svnerr.MalformedFile, "", "truncated property stream", err)
		}
		if tok == "END" {
			if _, err := expectNewline(r); err != nil {
				return nil, svnerr.Wrap(svnerr.MalformedFile, "", "missing newline after END", err)
			}
			return out, nil
		}
		if tok != "K" {
			return nil, svnerr.New(svnerr.MalformedFile, "", fmt.Sprintf("expected K or END, got %q", tok))
		}
		nlen, err := readLengthAndNewline(r)
		if err != nil {
			return nil, err
		}
		name, err := readExactThenNewline(r, nlen)
		if err != nil {
			return nil, err
		}
		vtok, err := readToken(r)
		if err != nil || vtok != "V" {
			return nil, svnerr.New(svnerr.MalformedFile, string(name), "expected V after name")
		}
		vlen, err := readLengthAndNewline(r)
		if err != nil {
			return nil, err
		}
		val, err := readExactThenNewline(r, vlen)
		if err != nil {
			return nil, err
		}
		out[string(name)] = val
	}
}

// readToken reads up to the next space, e.g. "K" or "V" or "END".
func readToken(r *bufio.Reader) (string, error) {
	tok, err := r.ReadString(' ')
	if err != nil {
		// "END\n" has no trailing space before newline - try newline too.
		if tok != "" {
			if tok[len(tok)-1] == '\n' {
				// Hand the newline back for the END branch's expectNewline.
				_ = r.UnreadByte()
			}
			return trimOneTrailing(tok, ' '), nil
		}
		return "", err
	}
	return trimOneTrailing(tok, ' '), nil
}

func trimOneTrailing(s string, b byte) string {
	if len(s) > 0 && s[len(s)-1] == b {
		return s[:len(s)-1]
	}
	// handle "END\n" case: strip trailing newline too
	if len(s) > 0 && s[len(s)-1] == '\n' {
		return s[:len(s)-1]
	}
	return s
}

func readLengthAndNewline(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, svnerr.Wrap(svnerr.MalformedFile, "", "truncated length line", err)
	}
	line = line[:len(line)-1]
	n, err := strconv.Atoi(line)
	if err != nil || n < 0 {
		return 0, svnerr.New(svnerr.MalformedFile, "", fmt.Sprintf("invalid length %q", line))
	}
	return n, nil
}

func readExactThenNewline(r *bufio.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, svnerr.Wrap(svnerr.MalformedFile, "", "short read in property stream", err)
	}
	if _, err := expectNewline(r); err != nil {
		return nil, err
	}
	return buf, nil
}

func expectNewline(r *bufio.Reader) (byte, error) {
	b, err := r.ReadByte()
	if err != nil || b != '\n' {
		return 0, svnerr.New(svnerr.MalformedFile, "", "expected newline")
	}
	return b, nil
}
