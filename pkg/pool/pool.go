// Package pool implements the per-queue worker supervisor of spec.md
// section 4.5. A Pool owns the FIFO of pending events, the set of worker
// slots and their Idle/Busy/Terminal bookkeeping, and the stat
// accumulators a `stats` command reads. State is guarded by
// a single mutex rather than fed through a dedicated actor goroutine; see
// DESIGN.md for why that is an equivalent restructuring of the original's
// single-threaded-pool invariant, not a relaxation of it.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/txproc/pkg/child"
	"github.com/cuemby/txproc/pkg/event"
	"github.com/cuemby/txproc/pkg/health"
	"github.com/cuemby/txproc/pkg/qmevents"
	"github.com/cuemby/txproc/pkg/recovery"
	"github.com/cuemby/txproc/pkg/types"
	"github.com/cuemby/txproc/pkg/worker"
)

// State is a worker slot's position in the Spawning -> Idle -> Busy ->
// {Idle | Terminal} state machine of spec.md section 4.4.
type State int

const (
	StateSpawning State = iota
	StateIdle
	StateBusy
	StateTerminal
)

type workerSlot struct {
	pid       int
	w         *worker.Worker
	in        chan *event.Event
	cancel    context.CancelFunc
	state     State
	startedAt time.Time
	termSent  time.Time

	// healthStatus tracks the queue's optional liveness probe for this
	// slot's persistent child; nil until the first check runs.
	healthStatus *health.Status
}

// Status is the CSV-snapshot payload of spec.md section 4.5's final
// bullet, already parsed into fields rather than a raw line so a caller
// (the nucleus's stats command handler) can format it however it needs.
type Status struct {
	ExecTimeLimit time.Duration
	ExecCount     int
	MaxExec       time.Duration
	MeanExec      time.Duration
	QueueCount    int
	MaxQueue      time.Duration
	MeanQueue     time.Duration
	WorkerCount   int
	IdleCount     int
}

// CSV renders s in the fixed field order spec.md names.
func (s Status) CSV() string {
	return fmt.Sprintf("%g,%d,%g,%g,%d,%g,%g,%d,%d",
		s.ExecTimeLimit.Seconds(), s.ExecCount, s.MaxExec.Seconds(), s.MeanExec.Seconds(),
		s.QueueCount, s.MaxQueue.Seconds(), s.MeanQueue.Seconds(), s.WorkerCount, s.IdleCount)
}

// Pool is the supervisor for one named queue.
type Pool struct {
	name string
	desc *types.QueueDescriptor
	rl   *recovery.Log
	out  chan<- *event.Event
	log  zerolog.Logger

	mu        sync.Mutex
	queue     []*event.Event
	slots     map[int]*workerSlot
	idleOrder []int
	nextPid   int
	frozen    bool
	draining  bool

	recoveryEvents int
	execCount      int
	sumExecTime    time.Duration
	maxExecTime    time.Duration
	sumQueueTime   time.Duration
	maxQueueTime   time.Duration
}

// New creates a pool for name with desc.Workers initial slots already
// spawning.
func New(name string, desc *types.QueueDescriptor, rl *recovery.Log, out chan<- *event.Event, log zerolog.Logger) *Pool {
	p := &Pool{
		name:  name,
		desc:  desc,
		rl:    rl,
		out:   out,
		log:   log.With().Str("queue", name).Logger(),
		slots: make(map[int]*workerSlot),
	}
	p.mu.Lock()
	for i := 0; i < desc.Workers; i++ {
		p.spawnLocked(0)
	}
	p.mu.Unlock()
	return p
}

// Emit implements worker.Sink: every result and management event a worker
// produces is forwarded verbatim to the pool's endpoint back to the
// nucleus, exactly the "worker's own fd to Nucleus" of spec.md section
// 4.6.
func (p *Pool) Emit(ev *event.Event) { p.out <- ev }

func (p *Pool) spawnLocked(oldPid int) *workerSlot {
	p.nextPid++
	pid := p.nextPid
	w := worker.New(pid, p.name, p.desc, p.rl, p, p.log)
	ctx, cancel := context.WithCancel(context.Background())
	slot := &workerSlot{pid: pid, w: w, in: make(chan *event.Event, 1), cancel: cancel, state: StateSpawning}
	p.slots[pid] = slot

	if qmevents.Enabled(p.desc, qmevents.WorkerStartup) {
		p.out <- qmevents.WorkerStartupEvent(p.desc, p.name, oldPid, pid)
	}
	go p.runSlot(ctx, slot)
	return slot
}

// runSlot is the goroutine-per-worker loop spec.md section 5 explicitly
// allows in place of a worker-per-process model: it owns the blocking
// calls (waitpid-equivalent, persistent-child read) so the pool's own
// bookkeeping never blocks on child I/O.
func (p *Pool) runSlot(ctx context.Context, slot *workerSlot) {
	if err := slot.w.StartPersistent(); err != nil {
		p.log.Error().Err(err).Int("slot", slot.pid).Msg("failed to start persistent child")
	}
	p.markIdle(slot.pid)

	if slot.w.Persistent() {
		go p.watchCrash(ctx, slot)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-slot.in:
			if !ok {
				return
			}
			if ev.Kind == event.KindCommand && ev.CommandID == event.CmdShutdown {
				slot.w.Handle(ctx, ev)
				p.retire(slot.pid)
				return
			}
			done := slot.w.Handle(ctx, ev)
			if done != nil {
				p.release(slot.pid, *done)
			}
		}
	}
}

// watchCrash blocks on the persistent child's exit and drives the
// reap-report-respawn sequence of spec.md section 4.4's SIGCHLD handling.
func (p *Pool) watchCrash(ctx context.Context, slot *workerSlot) {
	for {
		result := slot.w.AwaitExit()
		select {
		case <-ctx.Done():
			return
		default:
		}
		slot.w.ReportCrash(result)
		respawn := p.handleCrash(slot.pid, result)
		if !respawn {
			return
		}
		time.Sleep(p.desc.RespawnDelay)
		if err := slot.w.StartPersistent(); err != nil {
			p.log.Error().Err(err).Int("slot", slot.pid).Msg("respawn failed")
			p.handleCrash(slot.pid, child.ExitResult{Success: false, FailureCause: types.CauseWorkerCrash})
			return
		}
		p.markIdle(slot.pid)
	}
}

// handleCrash applies the `respawn(pid, shouldRespawn)` logic of spec.md
// section 4.5 to a persistent child's unexpected exit: an in-flight event
// is recovery-logged with reason worker_crash, then the slot either stays
// (for respawn) or is retired.
func (p *Pool) handleCrash(pid int, _ child.ExitResult) (shouldRespawn bool) {
	p.mu.Lock()
	slot, ok := p.slots[pid]
	if !ok {
		p.mu.Unlock()
		return false
	}
	wasBusy := slot.state == StateBusy
	terminal := slot.state == StateTerminal
	var inFlight *event.Event
	if wasBusy {
		inFlight = slot.w.Current()
	}
	p.removeFromIdleLocked(pid)
	p.mu.Unlock()

	if wasBusy && inFlight != nil && p.rl != nil {
		from := fmt.Sprintf("worker:%s:%d", p.name, pid)
		if err := p.rl.WriteEntry(inFlight, recovery.ResultSuccess, "worker_crash", from, "nucleus", time.Now()); err != nil {
			p.log.Error().Err(err).Msg("recovery log write failed after worker crash")
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if terminal || p.draining {
		delete(p.slots, pid)
		return false
	}
	slot.state = StateSpawning
	return true
}

func (p *Pool) retire(pid int) {
	p.mu.Lock()
	slot, ok := p.slots[pid]
	if ok {
		delete(p.slots, pid)
		p.removeFromIdleLocked(pid)
	}
	p.mu.Unlock()
	if ok {
		slot.cancel()
	}
	p.maybeFinishDraining()
}

func (p *Pool) markIdle(pid int) {
	p.mu.Lock()
	if slot, ok := p.slots[pid]; ok && slot.state != StateTerminal {
		slot.state = StateIdle
		p.idleOrder = append(p.idleOrder, pid)
	}
	p.mu.Unlock()
	p.feed()
}

func (p *Pool) removeFromIdleLocked(pid int) {
	for i, v := range p.idleOrder {
		if v == pid {
			p.idleOrder = append(p.idleOrder[:i], p.idleOrder[i+1:]...)
			return
		}
	}
}

// Submit is spec.md section 4.5's `submit(event)`: admission control plus
// enqueue.
func (p *Pool) Submit(ev *event.Event) {
	now := time.Now()
	p.mu.Lock()
	full := p.desc.MaxLength > 0 && p.admittedCountLocked() >= p.desc.MaxLength
	frozen := p.frozen
	if full || frozen {
		p.mu.Unlock()
		reason, cause := "queue_full", types.CauseQueueFull
		if frozen {
			reason, cause = "frozen", types.CauseFrozen
		}
		if p.rl != nil {
			_ = p.rl.WriteEntry(ev, recovery.ResultSuccess, reason, "nucleus", p.name, now)
		}
		p.emitFailure(ev, cause, reason, now)
		return
	}
	ev.QueueTime = now
	p.queue = append(p.queue, ev)
	p.mu.Unlock()
	p.feed()
}

// admittedCountLocked is the number of events the pool currently owns,
// whether waiting in the FIFO or in flight on a busy worker. maxLength
// bounds this total, not just the waiting queue: spec.md section 7's S4
// scenario expects a single-worker queue with maxLength=2 to admit its
// first two submissions (one executing, one queued) and reject the rest.
func (p *Pool) admittedCountLocked() int {
	n := len(p.queue)
	for _, slot := range p.slots {
		if slot.state == StateBusy {
			n++
		}
	}
	return n
}

func (p *Pool) emitFailure(ev *event.Event, cause types.FailureCause, msg string, now time.Time) {
	p.out <- &event.Event{
		Kind:         event.KindResult,
		DestQueue:    ev.DestQueue,
		Reference:    ev.Reference,
		ReturnRoute:  append([]event.ReturnHop(nil), ev.ReturnRoute...),
		Success:      false,
		FailureCause: string(cause),
		ErrorString:  msg,
		ElapsedTime:  time.Since(now),
	}
}

// feed is spec.md section 4.5's `feed()`: dispatch queued events to
// eligible idle workers until either runs out.
func (p *Pool) feed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) > 0 {
		ev := p.queue[0]
		pid, ok := p.pickIdleLocked(ev)
		if !ok {
			return
		}
		p.queue = p.queue[1:]
		slot := p.slots[pid]
		p.removeFromIdleLocked(pid)
		slot.state = StateBusy
		slot.startedAt = time.Now()
		slot.termSent = time.Time{}

		qt := slot.startedAt.Sub(ev.QueueTime)
		p.sumQueueTime += qt
		if qt > p.maxQueueTime {
			p.maxQueueTime = qt
		}
		slot.in <- ev
	}
}

// pickIdleLocked implements the eligibility rule of spec.md section 4.5's
// `feed()`: any idle worker for a straight queue, or only the worker whose
// slot matches the event's addressed sub-queue for a collection queue.
// The sub-queue id travels as the `name;sub` wire suffix parsed into
// Event.SubQueue, so it is already the stable per-queue worker address
// rather than an OS pid that changes across a respawn.
func (p *Pool) pickIdleLocked(ev *event.Event) (int, bool) {
	if p.desc.Kind == types.QueueCollection {
		if !ev.HasSubQueue {
			return 0, false
		}
		slot, ok := p.slots[ev.SubQueue]
		if !ok || slot.state != StateIdle {
			return 0, false
		}
		return ev.SubQueue, true
	}
	if len(p.idleOrder) == 0 {
		return 0, false
	}
	return p.idleOrder[0], true
}

// release is spec.md section 4.5's `release(fd, doneEvent)`.
func (p *Pool) release(pid int, done worker.DoneEnvelope) {
	p.mu.Lock()
	slot, ok := p.slots[pid]
	if !ok {
		p.mu.Unlock()
		return
	}
	wasBusy := slot.state == StateBusy
	terminal := slot.state == StateTerminal

	p.execCount++
	p.sumExecTime += done.Elapsed
	if done.Elapsed > p.maxExecTime {
		p.maxExecTime = done.Elapsed
	}
	if done.RecoveryWritten {
		p.recoveryEvents++
	}
	if wasBusy && !terminal {
		slot.state = StateIdle
		p.idleOrder = append(p.idleOrder, pid)
	}
	p.mu.Unlock()

	if terminal {
		p.retire(pid)
		return
	}
	p.feed()
	p.maybeFinishDraining()
}

// Resize is spec.md section 4.5's `resize(newCount)`: grows by spawning
// new slots, shrinks by retiring idle slots first and marking enough busy
// slots Terminal to shed the rest once their current event completes. It
// returns the signed delta actually applied.
func (p *Pool) Resize(newCount int) int {
	p.mu.Lock()
	current := len(p.slots)
	delta := newCount - current
	switch {
	case delta > 0:
		for i := 0; i < delta; i++ {
			p.spawnLocked(0)
		}
	case delta < 0:
		toRemove := -delta
		for toRemove > 0 && len(p.idleOrder) > 0 {
			pid := p.idleOrder[0]
			p.idleOrder = p.idleOrder[1:]
			if slot, ok := p.slots[pid]; ok {
				delete(p.slots, pid)
				slot.cancel()
			}
			toRemove--
		}
		for _, slot := range p.slots {
			if toRemove == 0 {
				break
			}
			if slot.state == StateBusy {
				slot.state = StateTerminal
				toRemove--
			}
		}
	}
	p.mu.Unlock()
	return delta
}

// CheckOverruns is spec.md section 4.5's `checkOverruns()`: called on
// every maintenance tick. The first overrun pass sends SIGTERM; the next
// tick that still finds the same worker busy past its SIGTERM escalates
// to SIGKILL.
func (p *Pool) CheckOverruns(now time.Time) {
	if p.desc.MaxExecTime <= 0 {
		return
	}
	p.mu.Lock()
	var overrun []*workerSlot
	for _, slot := range p.slots {
		if slot.state == StateBusy && now.Sub(slot.startedAt) > p.desc.MaxExecTime {
			overrun = append(overrun, slot)
		}
	}
	p.mu.Unlock()

	for _, slot := range overrun {
		if slot.termSent.IsZero() {
			if err := slot.w.Signal(15); err != nil { // SIGTERM
				p.log.Warn().Err(err).Int("slot", slot.pid).Msg("sigterm failed")
			}
			p.mu.Lock()
			slot.termSent = now
			p.mu.Unlock()
		} else {
			if err := slot.w.Signal(9); err != nil { // SIGKILL
				p.log.Warn().Err(err).Int("slot", slot.pid).Msg("sigkill failed")
			}
		}
	}
}

// CheckHealth polls the queue's optional liveness probe (pkg/health)
// against every spawning/idle/busy persistent slot, gated by the probe's
// own Interval so it isn't re-run on every maintenance tick. A slot whose
// Status flips unhealthy is SIGKILLed; the existing watchCrash/handleCrash
// path then reaps and respawns it exactly as it would an unexpected exit.
func (p *Pool) CheckHealth(ctx context.Context) {
	if p.desc.HealthCheck == nil {
		return
	}
	cfg := p.desc.HealthCheckConfig

	p.mu.Lock()
	var targets []*workerSlot
	for _, slot := range p.slots {
		if slot.state != StateTerminal {
			targets = append(targets, slot)
		}
	}
	p.mu.Unlock()

	for _, slot := range targets {
		if slot.healthStatus == nil {
			slot.healthStatus = health.NewStatus()
		}
		if slot.healthStatus.InStartPeriod(cfg) {
			continue
		}
		if !slot.healthStatus.LastCheck.IsZero() && time.Since(slot.healthStatus.LastCheck) < cfg.Interval {
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		result := p.desc.HealthCheck.Check(checkCtx)
		cancel()
		slot.healthStatus.Update(result, cfg)

		if !slot.healthStatus.Healthy {
			p.log.Warn().Int("slot", slot.pid).Str("message", result.Message).
				Msg("persistent worker failed health check, forcing restart")
			if err := slot.w.Signal(9); err != nil { // SIGKILL
				p.log.Warn().Err(err).Int("slot", slot.pid).Msg("sigkill after failed health check failed")
			}
		}
	}
}

// ScanForExpired is spec.md section 4.5's `scanForExpired()`: queued (not
// yet dispatched) events past their expiry are dropped via the same
// failure path a late execution would take.
func (p *Pool) ScanForExpired(now time.Time) {
	p.mu.Lock()
	var kept []*event.Event
	var expired []*event.Event
	for _, ev := range p.queue {
		if ev.Expired(now) {
			expired = append(expired, ev)
		} else {
			kept = append(kept, ev)
		}
	}
	p.queue = kept
	p.mu.Unlock()

	for _, ev := range expired {
		if p.rl != nil {
			_ = p.rl.WriteEntry(ev, recovery.ResultSuccess, "expired", "nucleus", p.name, now)
		}
		p.emitFailure(ev, types.CauseExpired, "expired while queued", now)
	}
}

// ExitWhenDone is spec.md section 4.5's `exitWhenDone()`: for persistent
// pools it forwards the command to every worker immediately; for straight
// pools it only sets the flag, and IsDrained/Shutdown finish the job once
// the queue empties.
func (p *Pool) ExitWhenDone() {
	p.mu.Lock()
	p.draining = true
	persistent := p.desc.PersistentApp != nil
	var slots []*workerSlot
	if persistent {
		for _, s := range p.slots {
			slots = append(slots, s)
		}
	}
	p.mu.Unlock()

	for _, slot := range slots {
		select {
		case slot.in <- &event.Event{Kind: event.KindCommand, CommandID: event.CmdExitWhenDone}:
		default:
		}
	}
	p.maybeFinishDraining()
}

func (p *Pool) maybeFinishDraining() {
	p.mu.Lock()
	draining := p.draining
	drained := p.isDrainedLocked()
	p.mu.Unlock()
	if draining && drained {
		p.Shutdown(false)
	}
}

// isDrainedLocked decides spec.md section 9's Open Question 1: a pool is
// drained when its queue is empty and every worker is Idle, independent
// of worker count (zero workers is trivially drained).
func (p *Pool) isDrainedLocked() bool {
	if len(p.queue) != 0 {
		return false
	}
	for _, slot := range p.slots {
		if slot.state != StateIdle {
			return false
		}
	}
	return true
}

// IsDrained reports whether the pool's queue is empty and every worker is
// idle, used by the nucleus's exit-when-done shutdown coordination.
func (p *Pool) IsDrained() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isDrainedLocked()
}

// Freeze stops Submit from admitting new events without touching
// in-flight work, used by nucleus-conf pool-freeze.
func (p *Pool) Freeze(frozen bool) {
	p.mu.Lock()
	p.frozen = frozen
	p.mu.Unlock()
}

// Shutdown is spec.md section 4.5's `shutdown()`. The first call freezes
// submissions and asks every worker to stop cooperatively (idle workers
// shut down immediately, busy ones are marked Terminal so they stop once
// their current event completes). force escalates straight to SIGKILL on
// persistent children still running, for a second user-initiated
// shutdown during drain.
func (p *Pool) Shutdown(force bool) {
	p.mu.Lock()
	p.frozen = true
	var toShutdown []*workerSlot
	for _, slot := range p.slots {
		switch slot.state {
		case StateIdle:
			toShutdown = append(toShutdown, slot)
		case StateBusy:
			slot.state = StateTerminal
			if force {
				toShutdown = append(toShutdown, slot)
			}
		case StateSpawning:
			slot.state = StateTerminal
		}
	}
	p.mu.Unlock()

	for _, slot := range toShutdown {
		if force {
			_ = slot.w.Signal(9)
			continue
		}
		select {
		case slot.in <- &event.Event{Kind: event.KindCommand, CommandID: event.CmdShutdown}:
		default:
		}
	}
}

// Status produces the CSV snapshot of spec.md section 4.5 and resets the
// stat accumulators, as the spec requires of a read.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Status{
		ExecTimeLimit: p.desc.MaxExecTime,
		ExecCount:     p.execCount,
		MaxExec:       p.maxExecTime,
		QueueCount:    len(p.queue),
		MaxQueue:      p.maxQueueTime,
		WorkerCount:   len(p.slots),
		IdleCount:     len(p.idleOrder),
	}
	if p.execCount > 0 {
		s.MeanExec = p.sumExecTime / time.Duration(p.execCount)
	}
	if len(p.queue) > 0 {
		s.MeanQueue = p.sumQueueTime / time.Duration(len(p.queue))
	}

	p.execCount = 0
	p.sumExecTime = 0
	p.maxExecTime = 0
	p.sumQueueTime = 0
	p.maxQueueTime = 0
	return s
}

// ResetStats zeroes the accumulators without producing a Status snapshot,
// for the bare `reset-stats` command.
func (p *Pool) ResetStats() {
	p.mu.Lock()
	p.execCount = 0
	p.sumExecTime = 0
	p.maxExecTime = 0
	p.sumQueueTime = 0
	p.maxQueueTime = 0
	p.recoveryEvents = 0
	p.mu.Unlock()
}

// Broadcast forwards ev to every worker slot, used by the nucleus for
// commands not otherwise handled at the pool level.
func (p *Pool) Broadcast(ev *event.Event) {
	p.mu.Lock()
	var slots []*workerSlot
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.Unlock()
	for _, slot := range slots {
		select {
		case slot.in <- ev:
		default:
		}
	}
}

// Name returns the queue name the pool was created with.
func (p *Pool) Name() string { return p.name }

// SetMaxLength rewrites the queue's maxLength in place, for the
// nucleus-conf `set max-queue-length` operation.
func (p *Pool) SetMaxLength(n int) {
	p.mu.Lock()
	p.desc.MaxLength = n
	p.mu.Unlock()
}

// SetMaxExecTime rewrites the queue's maxExecTime in place, for the
// nucleus-conf `set max-exec-time` operation.
func (p *Pool) SetMaxExecTime(d time.Duration) {
	p.mu.Lock()
	p.desc.MaxExecTime = d
	p.mu.Unlock()
}
