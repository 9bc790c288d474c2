package objstore

import (
	"testing"

	"github.com/rcowham/gosvnd/svnerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeParsePropsRoundTrip(t *testing.T) {
	p := Props{
		"svn:eol-style": []byte("native"),
		"color":         []byte("red"),
		"wine review":   []byte("A forthright entrance, yet coquettish on the tongue."),
	}
	data := SerializeProps(p)
	got, err := ParseProps(data)
	require.NoError(t, err)
	assert.Equal(t, len(p), len(got))
	for k, v := range p {
		assert.Equal(t, v, got[k])
	}
}

func TestSerializeEmptyProps(t *testing.T) {
	data := SerializeProps(Props{})
	assert.Equal(t, "END\n", string(data))
	got, err := ParseProps(data)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSerializeIsDeterministic(t *testing.T) {
	p := Props{"b": []byte("2"), "a": []byte("1"), "c": []byte("3")}
	d1 := SerializeProps(p)
	d2 := SerializeProps(p)
	assert.Equal(t, d1, d2)
	assert.Equal(t, "K 1\na\nV 1\n1\nK 1\nb\nV 1\n2\nK 1\nc\nV 1\n3\nEND\n", string(d1))
}

func TestParsePropsRejectsMalformedToken(t *testing.T) {
	_, err := ParseProps([]byte("X 1\na\nEND\n"))
	require.Error(t, err)
	assert.True(t, svnerr.Is(err, svnerr.MalformedFile))
}

func TestParsePropsRejectsTruncated(t *testing.T) {
	_, err := ParseProps([]byte("K 5\nshort"))
	require.Error(t, err)
	assert.True(t, svnerr.Is(err, svnerr.MalformedFile))
}

func TestParsePropsRejectsBadLength(t *testing.T) {
	_, err := ParseProps([]byte("K five\nhello\nEND\n"))
	require.Error(t, err)
	assert.True(t, svnerr.Is(err, svnerr.MalformedFile))
}

// Testable Property 2: serialize(props) then reparse yields equal map.
func TestRoundTripPropertySetEquality(t *testing.T) {
	p := Props{"svn:executable": []byte(""), "svn:mime-type": []byte("text/plain")}
	data := SerializeProps(p)
	got, err := ParseProps(data)
	require.NoError(t, err)
	assert.Equal(t, len(p), len(got))
	for k := range p {
		_, ok := got[k]
		assert.True(t, ok, "missing key %s", k)
	}
}
