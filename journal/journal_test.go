package journal

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteOrdersFieldsByKey(t *testing.T) {
	var buf bytes.Buffer
	j := New(&buf)

	err := j.Write(Record{
		Time:  time.Unix(0, 1000),
		Event: "auth",
		Fields: map[string]string{
			"result":    "success",
			"mechanism": "ANONYMOUS",
		},
	})
	require.NoError(t, err)

	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "@jr@ 1000 @auth@"))
	assert.True(t, strings.Index(line, "mechanism=") < strings.Index(line, "result="))
}

func TestWriteEscapesValuesContainingSpaceOrAt(t *testing.T) {
	var buf bytes.Buffer
	j := New(&buf)

	require.NoError(t, j.WriteEvent("change-rev-prop", "log", "fix bug @42"))

	assert.Contains(t, buf.String(), "log=@fix bug @42@")
}

func TestWriteEventBuildsFieldsFromPairs(t *testing.T) {
	var buf bytes.Buffer
	j := New(&buf)

	require.NoError(t, j.WriteEvent("lock-acquired", "path", "/trunk/a.txt", "owner", "alice"))

	line := buf.String()
	assert.Contains(t, line, "@lock-acquired@")
	assert.Contains(t, line, "owner=alice")
	assert.Contains(t, line, "path=/trunk/a.txt")
}

func TestMultipleWritesAppendOneLineEach(t *testing.T) {
	var buf bytes.Buffer
	j := New(&buf)

	require.NoError(t, j.WriteEvent("auth", "result", "success"))
	require.NoError(t, j.WriteEvent("auth", "result", "failure"))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 2)
}
