package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/txproc/pkg/event"
	"github.com/cuemby/txproc/pkg/recovery"
	"github.com/cuemby/txproc/pkg/types"
)

func openTestRecoveryLog(t *testing.T) (*recovery.Log, func()) {
	t.Helper()
	rl, err := recovery.Open(recovery.OpenConfig{BaseDir: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	return rl, func() { _ = rl.Close() }
}

type fakeSink struct {
	mu   sync.Mutex
	seen []*event.Event
}

func (s *fakeSink) Emit(ev *event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, ev)
}

func (s *fakeSink) last() *event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seen) == 0 {
		return nil
	}
	return s.seen[len(s.seen)-1]
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func TestHandleWorkEventSuccess(t *testing.T) {
	sink := &fakeSink{}
	desc := &types.QueueDescriptor{Shell: "/bin/sh"}
	w := New(1, "work", desc, nil, sink, zerolog.Nop())

	ev := &event.Event{Kind: event.KindBinary, ScriptName: "/bin/echo", Reference: "11111-22222"}
	done := w.Handle(context.Background(), ev)
	require.NotNil(t, done)
	assert.Equal(t, 1, done.Slot)
	assert.False(t, done.RecoveryWritten)

	result := sink.last()
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, "11111-22222", result.Reference)
}

func TestHandleExpiredEventSkipsExecution(t *testing.T) {
	sink := &fakeSink{}
	desc := &types.QueueDescriptor{Shell: "/bin/sh"}
	w := New(1, "work", desc, nil, sink, zerolog.Nop())

	ev := &event.Event{Kind: event.KindBinary, ScriptName: "/bin/sleep", Expiry: time.Now().Add(-time.Second)}
	done := w.Handle(context.Background(), ev)
	require.NotNil(t, done)

	result := sink.last()
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, string(types.CauseExpired), result.FailureCause)
}

func TestHandleFailureRetriesThenRoutesToErrorQueue(t *testing.T) {
	sink := &fakeSink{}
	desc := &types.QueueDescriptor{Shell: "/bin/sh", ErrorQueue: "errs", MaxRetries: 1}
	w := New(1, "work", desc, nil, sink, zerolog.Nop())

	ev := &event.Event{Kind: event.KindBinary, ScriptName: "/bin/false"}
	done := w.Handle(context.Background(), ev)
	require.NotNil(t, done)
	assert.False(t, done.RecoveryWritten)

	routed := sink.last()
	require.NotNil(t, routed)
	assert.Equal(t, event.KindError, routed.Kind)
	assert.Equal(t, "errs", routed.DestQueue)
}

func TestHandleFailureWritesRecoveryLogWhenNoErrorQueue(t *testing.T) {
	rl, cleanup := openTestRecoveryLog(t)
	defer cleanup()

	sink := &fakeSink{}
	desc := &types.QueueDescriptor{Shell: "/bin/sh"}
	w := New(1, "work", desc, rl, sink, zerolog.Nop())

	ev := &event.Event{Kind: event.KindBinary, ScriptName: "/bin/false"}
	done := w.Handle(context.Background(), ev)
	require.NotNil(t, done)
	assert.True(t, done.RecoveryWritten)
	assert.Equal(t, 0, sink.count())
}

func TestHandleRetriesExhaustedDropsEvent(t *testing.T) {
	sink := &fakeSink{}
	desc := &types.QueueDescriptor{Shell: "/bin/sh", MaxRetries: 1}
	w := New(1, "work", desc, nil, sink, zerolog.Nop())

	ev := &event.Event{Kind: event.KindBinary, ScriptName: "/bin/false", Retries: 1}
	done := w.Handle(context.Background(), ev)
	require.NotNil(t, done)
	assert.False(t, done.RecoveryWritten)
	assert.Equal(t, 0, sink.count())
}

func TestHandleCommandProducesNoDoneEnvelope(t *testing.T) {
	sink := &fakeSink{}
	desc := &types.QueueDescriptor{}
	w := New(1, "work", desc, nil, sink, zerolog.Nop())

	ev := &event.Event{Kind: event.KindCommand, CommandID: event.CmdResetStats}
	done := w.Handle(context.Background(), ev)
	assert.Nil(t, done)
}

func TestStartPersistentRunsRoundtrip(t *testing.T) {
	sink := &fakeSink{}
	desc := &types.QueueDescriptor{PersistentApp: []string{"/bin/cat"}}
	w := New(2, "persist", desc, nil, sink, zerolog.Nop())

	require.NoError(t, w.StartPersistent())
	defer w.Signal(15)
	assert.NotZero(t, w.Pid())

	ev := &event.Event{Kind: event.KindScript, Reference: "33333-44444"}
	done := w.Handle(context.Background(), ev)
	require.NotNil(t, done)

	result := sink.last()
	require.NotNil(t, result)
	assert.Equal(t, "33333-44444", result.Reference)
	assert.Equal(t, event.KindResult, result.Kind)
}
