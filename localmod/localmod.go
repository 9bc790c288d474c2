// Package localmod implements the cheap-then-deep comparison of a
// working file against its pristine, via a cached fingerprint.
package localmod

import (
	"bytes"
	"io"
	"os"

	"github.com/rcowham/gosvnd/objstore"
	"github.com/rcowham/gosvnd/svnerr"
	"github.com/rcowham/gosvnd/translate"
	"github.com/spf13/afero"
)

// Status is the outcome of a local-modification check.
type Status int

const (
	StatusUnmodified Status = iota
	StatusModified
	StatusMissing
)

func (s Status) String() string {
	switch s {
	case StatusUnmodified:
		return "unmodified"
	case StatusModified:
		return "modified"
	case StatusMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// Fingerprint is the cached (size, mtime) pair recorded the last time the
// detector confirmed the working file matched its pristine.
type Fingerprint struct {
	Size        int64
	MtimeUnixNS int64
}

// PristineReader opens the byte stream of the pristine text identified by
// a strong checksum (the same interface workqueue's PristineStore half
// implements, but read-only here).
type PristineReader interface {
	Read(checksum string) (io.ReadCloser, error)
}

// RefreshFunc is called with an up-to-date Fingerprint when step 4
// confirms the file is unmodified, so the caller can persist the
// refreshed mtime into the entry store.
type RefreshFunc func(Fingerprint) error

// Detector runs the four-step algorithm against one filesystem.
type Detector struct {
	fs       afero.Fs
	pristine PristineReader
}

func New(fs afero.Fs, pristine PristineReader) *Detector {
	return &Detector{fs: fs, pristine: pristine}
}

// TextStatus runs the cheap-then-deep comparison steps in order,
// returning at the first decisive step.
func (d *Detector) TextStatus(path, checksum string, fp Fingerprint, opts translate.Options, refresh RefreshFunc) (Status, error) {
	fi, err := d.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusMissing, nil
		}
		return StatusModified, svnerr.Wrap(svnerr.IO, path, "failed to stat working file", err)
	}

	// Step 2: size mismatch is decisive.
	if fi.Size() != fp.Size {
		return StatusModified, nil
	}

	// Step 3: mtime match (same granularity it was recorded at) is decisive.
	if fi.ModTime().UnixNano() == fp.MtimeUnixNS {
		return StatusUnmodified, nil
	}

	// Step 4: apply the reverse translation and compare byte-for-byte.
	f, err := d.fs.Open(path)
	if err != nil {
		return StatusModified, svnerr.Wrap(svnerr.IO, path, "failed to open working file", err)
	}
	defer f.Close()

	var normalized bytes.Buffer
	if err := translate.Contract(&normalized, f, opts); err != nil {
		return StatusModified, err
	}

	pristine, err := d.pristine.Read(checksum)
	if err != nil {
		return StatusModified, err
	}
	defer pristine.Close()
	pristineData, err := io.ReadAll(pristine)
	if err != nil {
		return StatusModified, svnerr.Wrap(svnerr.IO, path, "failed to read pristine", err)
	}

	if !bytes.Equal(normalized.Bytes(), pristineData) {
		return StatusModified, nil
	}

	if refresh != nil {
		if err := refresh(Fingerprint{Size: fi.Size(), MtimeUnixNS: fi.ModTime().UnixNano()}); err != nil {
			return StatusUnmodified, err
		}
	}
	return StatusUnmodified, nil
}

// PropStatus compares working properties to the base property map.
// Because property ordering is unspecified, this compares parsed maps,
// not raw bytes.
func PropStatus(working, base objstore.Props) Status {
	if len(working) != len(base) {
		return StatusModified
	}
	for k, v := range working {
		bv, ok := base[k]
		if !ok || !bytes.Equal(v, bv) {
			return StatusModified
		}
	}
	return StatusUnmodified
}
