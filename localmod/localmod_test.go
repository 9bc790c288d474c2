package localmod

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rcowham/gosvnd/objstore"
	"github.com/rcowham/gosvnd/translate"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePristine struct{ content string }

func (f fakePristine) Read(checksum string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.content)), nil
}

func TestMissingFileIsMissingNotModified(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := New(fs, fakePristine{content: "hello"})
	status, err := d.TextStatus("/wc/a.txt", "sum", Fingerprint{}, translate.Options{EOLStyle: translate.EOLLF}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusMissing, status)
}

func TestSizeMismatchIsModified(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/wc/a.txt", []byte("hello world"), 0644))
	d := New(fs, fakePristine{content: "hello"})
	status, err := d.TextStatus("/wc/a.txt", "sum", Fingerprint{Size: 5}, translate.Options{EOLStyle: translate.EOLLF}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusModified, status)
}

func TestMtimeMatchIsUnmodifiedWithoutDeepCompare(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/wc/a.txt", []byte("hello"), 0644))
	fi, err := fs.Stat("/wc/a.txt")
	require.NoError(t, err)

	// Even though the pristine content here differs, step 3 must short
	// circuit on the mtime match before step 4 would have caught it.
	d := New(fs, fakePristine{content: "completely different"})
	status, err := d.TextStatus("/wc/a.txt", "sum", Fingerprint{Size: 5, MtimeUnixNS: fi.ModTime().UnixNano()}, translate.Options{EOLStyle: translate.EOLLF}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusUnmodified, status)
}

func TestDeepCompareEqualRefreshesFingerprint(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/wc/a.txt", []byte("hello"), 0644))
	fi, err := fs.Stat("/wc/a.txt")
	require.NoError(t, err)
	stale := fi.ModTime().Add(-time.Hour).UnixNano()

	d := New(fs, fakePristine{content: "hello"})
	var refreshed Fingerprint
	status, err := d.TextStatus("/wc/a.txt", "sum", Fingerprint{Size: 5, MtimeUnixNS: stale}, translate.Options{EOLStyle: translate.EOLLF}, func(fp Fingerprint) error {
		refreshed = fp
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusUnmodified, status)
	assert.Equal(t, int64(5), refreshed.Size)
}

func TestDeepCompareDifferentIsModified(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/wc/a.txt", []byte("hello!"), 0644))
	fi, err := fs.Stat("/wc/a.txt")
	require.NoError(t, err)
	stale := fi.ModTime().Add(-time.Hour).UnixNano()

	d := New(fs, fakePristine{content: "hello"})
	status, err := d.TextStatus("/wc/a.txt", "sum", Fingerprint{Size: 6, MtimeUnixNS: stale}, translate.Options{EOLStyle: translate.EOLLF}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusModified, status)
}

func TestPropStatusComparesParsedMaps(t *testing.T) {
	a := objstore.Props{"k": []byte("v")}
	b := objstore.Props{"k": []byte("v")}
	assert.Equal(t, StatusUnmodified, PropStatus(a, b))

	c := objstore.Props{"k": []byte("different")}
	assert.Equal(t, StatusModified, PropStatus(a, c))

	d := objstore.Props{"k": []byte("v"), "k2": []byte("v2")}
	assert.Equal(t, StatusModified, PropStatus(a, d))
}
