package pool

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/txproc/pkg/event"
	"github.com/cuemby/txproc/pkg/health"
	"github.com/cuemby/txproc/pkg/recovery"
	"github.com/cuemby/txproc/pkg/types"
)

type alwaysUnhealthy struct{}

func (alwaysUnhealthy) Check(context.Context) health.Result {
	return health.Result{Healthy: false, Message: "probe always fails"}
}
func (alwaysUnhealthy) Type() health.CheckType { return health.CheckTypeExec }

func drain(t *testing.T, out chan *event.Event, n int, timeout time.Duration) []*event.Event {
	t.Helper()
	var got []*event.Event
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case ev := <-out:
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(got))
		}
	}
	return got
}

func TestSubmitDispatchesToIdleWorker(t *testing.T) {
	out := make(chan *event.Event, 8)
	desc := &types.QueueDescriptor{Shell: "/bin/sh", Workers: 1}
	p := New("work", desc, nil, out, zerolog.Nop())

	// Let the initial worker settle into Idle before submitting.
	time.Sleep(20 * time.Millisecond)

	p.Submit(&event.Event{Kind: event.KindBinary, ScriptName: "/bin/echo", Reference: "10000-00001"})
	got := drain(t, out, 1, time.Second)
	assert.True(t, got[0].Success)
	assert.Equal(t, "10000-00001", got[0].Reference)
}

func TestSubmitRejectsWhenFrozen(t *testing.T) {
	out := make(chan *event.Event, 8)
	desc := &types.QueueDescriptor{Shell: "/bin/sh", Workers: 1, MaxLength: 0}
	p := New("work", desc, nil, out, zerolog.Nop())

	p.Freeze(true)
	p.Submit(&event.Event{Kind: event.KindBinary, ScriptName: "/bin/echo", Reference: "20000-00002"})
	got := drain(t, out, 1, time.Second)
	assert.False(t, got[0].Success)
	assert.Equal(t, string(types.CauseFrozen), got[0].FailureCause)
}

func TestCollectionQueueRoutesBySubQueue(t *testing.T) {
	out := make(chan *event.Event, 8)
	desc := &types.QueueDescriptor{Shell: "/bin/sh", Workers: 2, Kind: types.QueueCollection}
	p := New("work", desc, nil, out, zerolog.Nop())
	time.Sleep(20 * time.Millisecond)

	ev := &event.Event{Kind: event.KindBinary, ScriptName: "/bin/echo", Reference: "30000-00003", HasSubQueue: true, SubQueue: 1}
	p.Submit(ev)
	got := drain(t, out, 1, time.Second)
	assert.Equal(t, 1, got[0].WorkerPID)
}

func TestScanForExpiredDropsQueuedEvent(t *testing.T) {
	out := make(chan *event.Event, 8)
	desc := &types.QueueDescriptor{Shell: "/bin/sh", Workers: 1}
	p := New("work", desc, nil, out, zerolog.Nop())

	p.mu.Lock()
	p.queue = append(p.queue, &event.Event{Kind: event.KindBinary, ScriptName: "/bin/echo", Expiry: time.Now().Add(-time.Second)})
	p.mu.Unlock()

	p.ScanForExpired(time.Now())
	got := drain(t, out, 1, time.Second)
	assert.False(t, got[0].Success)
	assert.Equal(t, string(types.CauseExpired), got[0].FailureCause)
}

func TestResizeGrowsAndShrinksSlotCount(t *testing.T) {
	out := make(chan *event.Event, 8)
	desc := &types.QueueDescriptor{Shell: "/bin/sh", Workers: 1}
	p := New("work", desc, nil, out, zerolog.Nop())
	time.Sleep(20 * time.Millisecond)

	delta := p.Resize(3)
	assert.Equal(t, 2, delta)
	time.Sleep(20 * time.Millisecond)
	p.mu.Lock()
	count := len(p.slots)
	p.mu.Unlock()
	assert.Equal(t, 3, count)

	delta = p.Resize(1)
	assert.Equal(t, -2, delta)
}

func TestCheckHealthRestartsUnhealthyPersistentWorker(t *testing.T) {
	out := make(chan *event.Event, 16)
	desc := &types.QueueDescriptor{
		Name:              "persist",
		Kind:              types.QueueStraight,
		Workers:           1,
		PersistentApp:     []string{"/bin/cat"},
		ManagementQueue:   "mgmt",
		ManagementMask:    types.MgmtWorkerStartup | types.MgmtPersistentDied,
		ManagementKind:    types.MgmtKindBinary,
		HealthCheck:       alwaysUnhealthy{},
		HealthCheckConfig: health.Config{Timeout: time.Second, Retries: 1},
		RespawnDelay:      10 * time.Millisecond,
	}
	p := New("persist", desc, nil, out, zerolog.Nop())
	time.Sleep(20 * time.Millisecond)

	initial := drain(t, out, 1, time.Second)
	initialPid, _ := initial[0].Params.Get("newpid")
	assert.EqualValues(t, 1, initialPid.Int)

	p.CheckHealth(context.Background())

	respawned := drain(t, out, 1, 2*time.Second)
	workerPid, _ := respawned[0].Params.Get("workerpid")
	assert.EqualValues(t, 1, workerPid.Int)
}

// TestTimeoutKillsAndRespawnsOneShotWorker covers the S2 acceptance
// scenario: a one-shot event that overruns its queue's maxExecTime is
// killed, yields a failure result with a signal-shaped cause, writes one
// recovery-log entry, and leaves the pool with an idle worker again.
func TestTimeoutKillsAndRespawnsOneShotWorker(t *testing.T) {
	rl, err := recovery.Open(recovery.OpenConfig{BaseDir: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer rl.Close()

	out := make(chan *event.Event, 8)
	desc := &types.QueueDescriptor{Shell: "/bin/sh", Workers: 1, MaxExecTime: 300 * time.Millisecond}
	p := New("slow", desc, rl, out, zerolog.Nop())
	time.Sleep(20 * time.Millisecond)

	p.Submit(&event.Event{
		Kind:       event.KindBinary,
		ScriptName: "/bin/sleep",
		Reference:  "60000-00006",
		Params:     event.ExecParams{Positional: []event.Param{event.StringParam("5")}},
	})

	got := drain(t, out, 1, 5*time.Second)
	assert.False(t, got[0].Success)
	assert.True(t, strings.Contains(got[0].FailureCause, "SIG"), "failureCause = %q", got[0].FailureCause)
	assert.EqualValues(t, 1, rl.EntryCount())

	deadline := time.Now().Add(2 * time.Second)
	for {
		s := p.Status()
		if s.IdleCount == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool did not return to idle after timeout kill")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestPersistentWorkerStableSlotAcrossEvents covers the S3 acceptance
// scenario: three events submitted to a persistent queue in sequence come
// back in submission order, each off the same worker slot, proving the
// startupinfo command StartPersistent delivers ahead of any work event
// didn't disturb the child's request/reply framing.
func TestPersistentWorkerStableSlotAcrossEvents(t *testing.T) {
	out := make(chan *event.Event, 16)
	desc := &types.QueueDescriptor{
		Name:          "persist",
		Workers:       1,
		PersistentApp: []string{"/bin/cat"},
	}
	p := New("persist", desc, nil, out, zerolog.Nop())
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 3; i++ {
		ref := "70000-0000" + string(rune('7'+i))
		p.Submit(&event.Event{Kind: event.KindBinary, Reference: ref})
		got := drain(t, out, 1, time.Second)
		assert.Equal(t, ref, got[0].Reference)
		assert.Equal(t, 1, got[0].WorkerPID)
	}
}

// TestQueueFullRejectionWritesTwoRecoveryEntries covers the S4 acceptance
// scenario: a single-worker queue with maxLength=2 admits the first
// submission (executing) and the second (queued behind it), then rejects
// the next two with a queue-full cause, each producing its own
// recovery-log entry.
func TestQueueFullRejectionWritesTwoRecoveryEntries(t *testing.T) {
	rl, err := recovery.Open(recovery.OpenConfig{BaseDir: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer rl.Close()

	out := make(chan *event.Event, 8)
	desc := &types.QueueDescriptor{Shell: "/bin/sh", Workers: 1, MaxLength: 2}
	p := New("tight", desc, rl, out, zerolog.Nop())
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 4; i++ {
		p.Submit(&event.Event{
			Kind:       event.KindBinary,
			ScriptName: "/bin/sleep",
			Reference:  "80000-0000" + string(rune('1'+i)),
			Params:     event.ExecParams{Positional: []event.Param{event.StringParam("1")}},
		})
	}

	var rejected int
	deadline := time.After(3 * time.Second)
	for rejected < 2 {
		select {
		case ev := <-out:
			if !ev.Success && ev.FailureCause == string(types.CauseQueueFull) {
				rejected++
			}
		case <-deadline:
			t.Fatalf("timed out waiting for 2 queue-full rejections, got %d", rejected)
		}
	}
	assert.EqualValues(t, 2, rl.EntryCount())
}

// TestFrozenRejectionEntryIsRecoverable exercises the real production
// WriteEntry call site in Submit's admission-control path (not a
// hand-constructed fixture) end to end: the entry it writes must itself
// be resubmittable by recovery.Recover, per spec.md section 1's
// durable-logging guarantee.
func TestFrozenRejectionEntryIsRecoverable(t *testing.T) {
	dir := t.TempDir()
	rl, err := recovery.Open(recovery.OpenConfig{BaseDir: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)

	out := make(chan *event.Event, 8)
	desc := &types.QueueDescriptor{Shell: "/bin/sh", Workers: 1, MaxLength: 0}
	p := New("frozen", desc, rl, out, zerolog.Nop())
	time.Sleep(20 * time.Millisecond)

	p.Freeze(true)
	p.Submit(&event.Event{Kind: event.KindBinary, ScriptName: "/bin/echo", Reference: "90000-00009"})
	got := drain(t, out, 1, time.Second)
	assert.False(t, got[0].Success)
	assert.EqualValues(t, 1, rl.EntryCount())
	require.NoError(t, rl.Close())

	dest := make(chan *event.Event, 4)
	resubmitted, skipped, err := recovery.Recover(filepath.Join(dir, "recovery.log"), time.Now(), dest)
	require.NoError(t, err)
	assert.Equal(t, 1, resubmitted)
	assert.Equal(t, 0, skipped)

	close(dest)
	replayed := <-dest
	assert.Equal(t, "90000-00009", replayed.Reference)
}

func TestStatusResetsAccumulators(t *testing.T) {
	out := make(chan *event.Event, 8)
	desc := &types.QueueDescriptor{Shell: "/bin/sh", Workers: 1}
	p := New("work", desc, nil, out, zerolog.Nop())
	time.Sleep(20 * time.Millisecond)

	p.Submit(&event.Event{Kind: event.KindBinary, ScriptName: "/bin/echo", Reference: "40000-00004"})
	drain(t, out, 1, time.Second)

	s := p.Status()
	require.Equal(t, 1, s.ExecCount)
	s2 := p.Status()
	assert.Equal(t, 0, s2.ExecCount)
}
