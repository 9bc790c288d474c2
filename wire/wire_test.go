package wire

import (
	"bytes"
	"testing"

	"github.com/rcowham/gosvnd/svnerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteValue(v))
	got, err := NewReader(&buf).ReadValue()
	require.NoError(t, err)
	return got
}

func TestNumberRoundTrip(t *testing.T) {
	got := roundTrip(t, Num(42))
	assert.Equal(t, KindNumber, got.Kind)
	assert.EqualValues(t, 42, got.Number)
}

func TestStringRoundTrip(t *testing.T) {
	got := roundTrip(t, Str("hello world"))
	assert.Equal(t, KindString, got.Kind)
	assert.Equal(t, "hello world", string(got.String))
}

func TestStringWithEmbeddedSpaceAndColon(t *testing.T) {
	got := roundTrip(t, Str("a: b c"))
	assert.Equal(t, "a: b c", string(got.String))
}

func TestWordRoundTrip(t *testing.T) {
	got := roundTrip(t, Wd("success"))
	assert.Equal(t, KindWord, got.Kind)
	assert.Equal(t, "success", got.Word)
}

func TestNestedListRoundTrip(t *testing.T) {
	v := Lst(Wd("success"), Lst(Num(5), Str("abc")), Num(7))
	got := roundTrip(t, v)
	require.Equal(t, KindList, got.Kind)
	require.Len(t, got.List, 3)
	assert.Equal(t, "success", got.List[0].Word)
	require.Equal(t, KindList, got.List[1].Kind)
	assert.EqualValues(t, 5, got.List[1].List[0].Number)
	assert.Equal(t, "abc", string(got.List[1].List[1].String))
	assert.EqualValues(t, 7, got.List[2].Number)
}

func TestEmptyListRoundTrip(t *testing.T) {
	got := roundTrip(t, Lst())
	assert.Equal(t, KindList, got.Kind)
	assert.Empty(t, got.List)
}

func TestReadCommand(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteValue(Lst(Wd("get-file"), Str("trunk/a.txt"), Num(5))))
	cmd, err := NewReader(&buf).ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, "get-file", cmd.Name)
	require.Len(t, cmd.Args, 2)
	assert.Equal(t, "trunk/a.txt", string(cmd.Args[0].AsString()))
	assert.EqualValues(t, 5, cmd.Args[1].AsNumber())
}

func TestReadCommandRejectsNonListAndNonWordHead(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteValue(Num(1)))
	_, err := NewReader(&buf).ReadCommand()
	require.Error(t, err)
	assert.True(t, svnerr.Is(err, svnerr.MalformedFile))

	buf.Reset()
	require.NoError(t, NewWriter(&buf).WriteValue(Lst(Num(1), Wd("get-file"))))
	_, err = NewReader(&buf).ReadCommand()
	require.Error(t, err)
	assert.True(t, svnerr.Is(err, svnerr.MalformedFile))
}

func TestWriteSuccessEnvelope(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteSuccess(Num(17)))
	v, err := NewReader(&buf).ReadValue()
	require.NoError(t, err)
	require.Len(t, v.List, 2)
	assert.Equal(t, "success", v.List[0].Word)
	assert.EqualValues(t, 17, v.List[1].List[0].Number)
}

func TestWriteFailureEnvelope(t *testing.T) {
	var buf bytes.Buffer
	err := svnerr.New(svnerr.OutOfDate, "trunk/a.txt", "out of date")
	require.NoError(t, NewWriter(&buf).WriteFailure(FailureFromErr(err)...))
	v, rerr := NewReader(&buf).ReadValue()
	require.NoError(t, rerr)
	assert.Equal(t, "failure", v.List[0].Word)
	entry := v.List[1].List[0]
	assert.EqualValues(t, svnerr.OutOfDate, entry.List[0].Number)
	assert.Equal(t, "out of date", string(entry.List[1].String))
}

func TestGreetingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	g := Greeting{MinVer: 2, MaxVer: 2, Mechanisms: []string{MechAnonymous, MechCRAMMD5}, Capabilities: []string{"edit-pipelining"}}
	require.NoError(t, NewWriter(&buf).WriteGreeting(g))
	got, err := NewReader(&buf).ReadGreeting()
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.MinVer)
	assert.Equal(t, []string{"ANONYMOUS", "CRAM-MD5"}, got.Mechanisms)
	assert.Equal(t, []string{"edit-pipelining"}, got.Capabilities)
}

func TestClientGreetingWithStringURL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteValue(Lst(Num(2), Lst(Wd("edit-pipelining")), Str("svn://host/repo"))))
	got, err := NewReader(&buf).ReadClientGreeting()
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Version)
	assert.Equal(t, []string{"edit-pipelining"}, got.Capabilities)
	assert.Equal(t, "svn://host/repo", got.URL)
}

func TestDispatcherUnknownCommandFails(t *testing.T) {
	var in, out bytes.Buffer
	require.NoError(t, NewWriter(&in).WriteValue(Lst(Wd("bogus-command"))))
	d := NewDispatcher()
	require.NoError(t, d.Dispatch(NewReader(&in), NewWriter(&out)))
	v, err := NewReader(&out).ReadValue()
	require.NoError(t, err)
	assert.Equal(t, "failure", v.List[0].Word)
}

func TestDispatcherRoutesRegisteredCommand(t *testing.T) {
	var in, out bytes.Buffer
	require.NoError(t, NewWriter(&in).WriteValue(Lst(Wd(CmdGetLatestRev))))
	d := NewDispatcher()
	d.Register(CmdGetLatestRev, func(cmd Command, r *Reader, w *Writer) error {
		return w.WriteSuccess(Num(9))
	})
	require.NoError(t, d.Dispatch(NewReader(&in), NewWriter(&out)))
	v, err := NewReader(&out).ReadValue()
	require.NoError(t, err)
	assert.Equal(t, "success", v.List[0].Word)
	assert.EqualValues(t, 9, v.List[1].List[0].Number)
}
