package nucleus

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/txproc/pkg/event"
	"github.com/cuemby/txproc/pkg/recovery"
	"github.com/cuemby/txproc/pkg/types"
)

func newTestNucleus(t *testing.T, cfg Config) (*Nucleus, func()) {
	t.Helper()
	rl, err := recovery.Open(recovery.OpenConfig{BaseDir: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	cfg.Logger = zerolog.Nop()
	if cfg.MaintenanceTick == 0 {
		cfg.MaintenanceTick = 20 * time.Millisecond
	}
	n := New(cfg, rl)
	return n, func() { rl.Close() }
}

func runNucleus(t *testing.T, n *Nucleus) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = n.Run(ctx) }()
	return cancel
}

func expectResult(t *testing.T, n *Nucleus, timeout time.Duration) *event.Event {
	t.Helper()
	select {
	case ev := <-n.Results():
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for result")
		return nil
	}
}

func TestScriptQueueHappyPath(t *testing.T) {
	n, closeLog := newTestNucleus(t, Config{})
	defer closeLog()
	cancel := runNucleus(t, n)
	defer cancel()

	require.NoError(t, n.AddQueue(&types.QueueDescriptor{Name: "work", Kind: types.QueueStraight, Workers: 2, Shell: "/bin/sh", MaxExecTime: 10 * time.Second}))

	n.Submit(&event.Event{Kind: event.KindBinary, DestQueue: "work", ScriptName: "/bin/echo", Reference: "10000-00001"})
	got := expectResult(t, n, 2*time.Second)
	assert.True(t, got.Success)
	assert.Equal(t, "10000-00001", got.Reference)

	p, ok := n.Pool("work")
	require.True(t, ok)
	time.Sleep(50 * time.Millisecond)
	status := p.Status()
	assert.Equal(t, 1, status.ExecCount)
}

func TestUnknownQueueWithRouterFallback(t *testing.T) {
	n, closeLog := newTestNucleus(t, Config{NotLocalQueueRouter: "forward"})
	defer closeLog()
	cancel := runNucleus(t, n)
	defer cancel()

	require.NoError(t, n.AddQueue(&types.QueueDescriptor{Name: "forward", Kind: types.QueueStraight, Workers: 1, Shell: "/bin/sh"}))

	n.Submit(&event.Event{Kind: event.KindBinary, DestQueue: "nowhere", ScriptName: "/bin/echo", Reference: "20000-00002"})
	got := expectResult(t, n, 2*time.Second)
	assert.True(t, got.Success)
}

func TestUnknownQueueWithoutRouterFails(t *testing.T) {
	n, closeLog := newTestNucleus(t, Config{})
	defer closeLog()
	cancel := runNucleus(t, n)
	defer cancel()

	n.Submit(&event.Event{Kind: event.KindBinary, DestQueue: "nowhere", Reference: "30000-00003"})
	got := expectResult(t, n, 2*time.Second)
	assert.False(t, got.Success)
	assert.Equal(t, string(types.CauseUnknownQueue), got.FailureCause)
}

func TestExpiredEventNeverExecutes(t *testing.T) {
	n, closeLog := newTestNucleus(t, Config{})
	defer closeLog()
	cancel := runNucleus(t, n)
	defer cancel()

	require.NoError(t, n.AddQueue(&types.QueueDescriptor{Name: "work", Kind: types.QueueStraight, Workers: 1, Shell: "/bin/sh"}))

	n.Submit(&event.Event{Kind: event.KindBinary, DestQueue: "work", ScriptName: "/bin/echo", Expiry: time.Now().Add(-time.Second), Reference: "40000-00004"})
	got := expectResult(t, n, 2*time.Second)
	assert.False(t, got.Success)
	assert.Equal(t, string(types.CauseExpired), got.FailureCause)
}

func TestAdmitSynthesizesMissingReference(t *testing.T) {
	n, closeLog := newTestNucleus(t, Config{})
	defer closeLog()
	cancel := runNucleus(t, n)
	defer cancel()

	require.NoError(t, n.AddQueue(&types.QueueDescriptor{Name: "work", Kind: types.QueueStraight, Workers: 1, Shell: "/bin/sh"}))

	n.Submit(&event.Event{Kind: event.KindBinary, DestQueue: "work", ScriptName: "/bin/echo"})
	got := expectResult(t, n, 2*time.Second)
	assert.True(t, got.Success)
	assert.Regexp(t, `^\d{5}-\d{5}$`, got.Reference)
}

func TestShutdownCommandStopsLoop(t *testing.T) {
	n, closeLog := newTestNucleus(t, Config{})
	defer closeLog()

	require.NoError(t, n.AddQueue(&types.QueueDescriptor{Name: "work", Kind: types.QueueStraight, Workers: 1, Shell: "/bin/sh"}))

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	n.Shutdown()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("nucleus did not stop after shutdown command")
	}
}
