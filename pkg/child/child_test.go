package child

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/txproc/pkg/event"
	"github.com/cuemby/txproc/pkg/types"
)

func TestBuildArgvScriptKind(t *testing.T) {
	desc := &types.QueueDescriptor{Shell: "/bin/sh"}
	params := event.ExecParams{Positional: []event.Param{event.StringParam("hello world")}}
	argv, err := buildArgv(desc, event.KindScript, "/bin/echo", params)
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/sh", "-c", "'/bin/echo' 'hello world'"}, argv)
}

func TestBuildArgvInterpreterKind(t *testing.T) {
	desc := &types.QueueDescriptor{Interpreter: "/usr/bin/python3"}
	params := event.ExecParams{Positional: []event.Param{event.IntParam(7)}}
	argv, err := buildArgv(desc, event.KindInterpreter, "/opt/script.py", params)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/python3", "/opt/script.py", "7"}, argv)
}

func TestBuildArgvBinaryKindUsesDefaultScript(t *testing.T) {
	desc := &types.QueueDescriptor{DefaultScript: "/bin/true"}
	argv, err := buildArgv(desc, event.KindBinary, "", event.ExecParams{})
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/true"}, argv)
}

func TestShellQuoteEscapesEmbeddedQuote(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestWrapWithRlimitsNoopWhenUnset(t *testing.T) {
	argv := []string{"/bin/echo", "hi"}
	assert.Equal(t, argv, wrapWithRlimits(argv, types.ResourceLimits{}))
}

func TestWrapWithRlimitsBuildsUlimitPrefix(t *testing.T) {
	argv := []string{"/bin/echo", "hi"}
	wrapped := wrapWithRlimits(argv, types.ResourceLimits{CPUSeconds: 5})
	require.Len(t, wrapped, 3)
	assert.Equal(t, "/bin/sh", wrapped[0])
	assert.Contains(t, wrapped[2], "ulimit -t 5")
}

func TestRunOneShotSuccess(t *testing.T) {
	c := New(&types.QueueDescriptor{Shell: "/bin/sh"})
	params := event.ExecParams{Positional: []event.Param{event.StringParam("hello")}}
	out, result, err := c.RunOneShot(context.Background(), event.KindScript, "/bin/echo", params)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "hello\n", string(out))
}

func TestRunOneShotNonZeroExit(t *testing.T) {
	c := New(&types.QueueDescriptor{Shell: "/bin/sh"})
	_, result, err := c.RunOneShot(context.Background(), event.KindBinary, "/bin/false", event.ExecParams{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, types.CauseExecFailure, result.FailureCause)
}

func TestRunOneShotSignaled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := New(&types.QueueDescriptor{})
	_, result, err := c.RunOneShot(ctx, event.KindBinary, "/bin/sleep", event.ExecParams{Positional: []event.Param{event.StringParam("5")}})
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestExtractStandardResponseMarkersAndPrefixes(t *testing.T) {
	desc := &types.QueueDescriptor{
		SuccessMarker: "OK",
		FailureMarker: "FAIL",
		ErrorPrefix:   "ERR:",
		TracePrefix:   "TRACE:",
		ParamPrefix:   "PARAM:",
	}
	output := []byte("TRACE:step1\nOK\nTRACE:step2\nPARAM:42\n")
	resp := ExtractStandardResponse(desc, output)
	assert.True(t, resp.Success)
	assert.Equal(t, "step1-step2", resp.TraceTimestamp)
	assert.Equal(t, "42", resp.SystemParam)
}

func TestExtractStandardResponseNoMarkerIsFailure(t *testing.T) {
	desc := &types.QueueDescriptor{SuccessMarker: "OK", FailureMarker: "FAIL"}
	resp := ExtractStandardResponse(desc, []byte("nothing relevant here"))
	assert.False(t, resp.Success)
	assert.Equal(t, types.CauseNoFailOrSuccess, resp.FailureCause)
}

func TestPersistentRoundtripViaCat(t *testing.T) {
	desc := &types.QueueDescriptor{PersistentApp: []string{"/bin/cat"}}
	c := New(desc)
	require.NoError(t, c.StartPersistent(nil))
	defer c.TerminateSignal(15)

	req := &event.Event{Kind: event.KindScript, DestQueue: "persist", Reference: "55555-66666"}
	reply, err := c.SendPersistent(req)
	require.NoError(t, err)
	assert.Equal(t, req.Reference, reply.Reference)
	assert.NotZero(t, c.Pid())
}
