package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/txproc/pkg/child"
	"github.com/cuemby/txproc/pkg/event"
	"github.com/cuemby/txproc/pkg/qmevents"
	"github.com/cuemby/txproc/pkg/recovery"
	"github.com/cuemby/txproc/pkg/types"
)

// DoneEnvelope is what a Worker hands back to its pool after finishing one
// work event: enough for the pool to update its idle set and stats without
// re-inspecting the event itself.
type DoneEnvelope struct {
	Slot            int
	Elapsed         time.Duration
	RecoveryWritten bool
}

// Sink is the pool's mailbox for everything a Worker produces besides its
// own DoneEnvelope: result events bound for an originator and, when a queue
// has management events enabled, queue-management events bound for the
// configured management queue. Both travel the same wire-event path back
// through the nucleus, so one method covers both.
type Sink interface {
	Emit(ev *event.Event)
}

// Worker is one unit of per-queue concurrency (spec.md section 4.4): it
// owns exactly one child.Child and executes events handed to it by its
// pool one at a time. A Worker never reads from or writes to its pool's
// queues directly; it only sees what Handle is called with.
type Worker struct {
	Slot int

	queue string
	desc  *types.QueueDescriptor
	rl    *recovery.Log
	sink  Sink
	log   zerolog.Logger

	ch *child.Child

	mu           sync.Mutex
	current      *event.Event
	startedAt    time.Time
	terminal     bool
	exitWhenDone bool
}

// New returns a Worker for slot in queue, driving desc's configured child.
// rl may be nil; a retryable failure on a queue without an errorQueue then
// produces a failure result instead of a recovery-log entry. sink receives
// every result and management event the worker produces.
func New(slot int, queue string, desc *types.QueueDescriptor, rl *recovery.Log, sink Sink, log zerolog.Logger) *Worker {
	return &Worker{
		Slot:  slot,
		queue: queue,
		desc:  desc,
		rl:    rl,
		sink:  sink,
		log:   log,
		ch:    child.New(desc),
	}
}

// Current returns the event presently in flight, or nil when idle.
func (w *Worker) Current() *event.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Busy reports whether a work event is currently executing.
func (w *Worker) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current != nil
}

// StartedAt returns when the current event began executing; zero if idle.
func (w *Worker) StartedAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.startedAt
}

// MarkTerminal flags the worker slot for removal, set by the shutdown
// command. The pool decides on respawn from its own slot state and does
// not read this flag.
func (w *Worker) MarkTerminal() {
	w.mu.Lock()
	w.terminal = true
	w.mu.Unlock()
}

// Terminal reports whether the slot has been marked for removal.
func (w *Worker) Terminal() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminal
}

// Pid returns the persistent child's OS pid, or 0 for a one-shot queue or
// a not-yet-started persistent one.
func (w *Worker) Pid() int { return w.ch.Pid() }

// Persistent reports whether this worker's queue runs a long-lived child,
// used by the pool to decide whether to watch for an unexpected exit.
func (w *Worker) Persistent() bool { return w.ch.Persistent() }

func (w *Worker) setCurrent(ev *event.Event, at time.Time) {
	w.mu.Lock()
	w.current = ev
	w.startedAt = at
	w.mu.Unlock()
}

func (w *Worker) clearCurrent() {
	w.mu.Lock()
	w.current = nil
	w.startedAt = time.Time{}
	w.mu.Unlock()
}

// StartPersistent launches the queue's persistent app, if configured,
// delivers it a synthetic startupinfo command as the first event it
// receives, and emits a persistent-startup management event when the
// queue is configured to report one. Calling it on a one-shot queue is a
// no-op.
func (w *Worker) StartPersistent() error {
	if !w.ch.Persistent() {
		return nil
	}
	onStderr := func(line string) {
		w.log.Debug().Str("queue", w.queue).Int("slot", w.Slot).Msg(line)
	}
	if err := w.ch.StartPersistent(onStderr); err != nil {
		return fmt.Errorf("worker: start persistent child: %w", err)
	}
	if _, err := w.ch.SendPersistent(w.startupInfoEvent()); err != nil {
		return fmt.Errorf("worker: deliver startupinfo: %w", err)
	}
	if qmevents.Enabled(w.desc, qmevents.PersistentStartup) {
		w.sink.Emit(qmevents.PersistentStartupEvent(w.desc, w.queue, w.Slot, w.ch.Pid(), joinArgv(w.desc.PersistentApp)))
	}
	return nil
}

// startupInfoEvent is the command spec.md section 4.3 says a pool sends a
// persistent child immediately after spawn, so the child can self-
// identify. The child's reply is discarded: startupinfo is informational
// only and never the result of a submitted work event.
func (w *Worker) startupInfoEvent() *event.Event {
	ev := &event.Event{Kind: event.KindCommand, CommandID: event.CmdStartupInfo}
	ev.Params.Set("ownqueue", event.StringParam(w.queue))
	ev.Params.Set("workerpid", event.IntParam(int64(w.Slot)))
	return ev
}

func joinArgv(argv []string) string {
	s := ""
	for i, a := range argv {
		if i > 0 {
			s += " "
		}
		s += a
	}
	return s
}

// Signal forwards sig to a persistent child, used by the pool's overrun
// sweep to escalate SIGTERM to SIGKILL one maintenance tick apart. It is a
// no-op for one-shot queues, whose per-event context deadline drives the
// same escalation through exec.Cmd directly.
func (w *Worker) Signal(sig syscall.Signal) error {
	if !w.ch.Persistent() {
		return nil
	}
	return w.ch.TerminateSignal(sig)
}

// AwaitExit blocks until the persistent child exits and reports the
// result, used by the pool's crash-reap goroutine. It returns immediately
// with a successful result for a one-shot queue.
func (w *Worker) AwaitExit() child.ExitResult {
	if !w.ch.Persistent() {
		return child.ExitResult{Success: true}
	}
	return w.ch.Wait()
}

// ReportCrash emits a persistent-died management event describing result,
// when the queue is configured to report one.
func (w *Worker) ReportCrash(result child.ExitResult) {
	if !qmevents.Enabled(w.desc, qmevents.PersistentDied) {
		return
	}
	errString := ""
	if !result.Success && result.FailureCause == types.CauseExecFailure {
		errString = "non-zero exit"
	}
	w.sink.Emit(qmevents.PersistentDiedEvent(w.desc, w.queue, w.Slot, w.ch.Pid(), joinArgv(w.desc.PersistentApp),
		result.ExitStatus, int(result.TermSignal), errString, result.FailureCause))
}

// Handle executes one event to completion. Command events never produce a
// DoneEnvelope: the pool does not count them against a worker's busy slot.
// Work events always produce exactly one DoneEnvelope once execution (or
// expiry) has been resolved.
func (w *Worker) Handle(ctx context.Context, ev *event.Event) *DoneEnvelope {
	if ev.Kind == event.KindCommand {
		w.handleCommand(ctx, ev)
		return nil
	}
	envelope := w.execute(ctx, ev)
	return &envelope
}

func (w *Worker) execute(ctx context.Context, ev *event.Event) DoneEnvelope {
	now := time.Now()
	w.setCurrent(ev, now)
	defer w.clearCurrent()

	recoveryWritten := false
	if ev.Expired(now) {
		w.emitFailure(ev, types.CauseExpired, "event expired before execution", now)
	} else {
		ev.Trace += w.queue + ">"
		if w.desc.MaxExecTime > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, w.desc.MaxExecTime)
			defer cancel()
		}
		recoveryWritten = w.runAndEmit(ctx, ev, now)
	}
	return DoneEnvelope{Slot: w.Slot, Elapsed: time.Since(now), RecoveryWritten: recoveryWritten}
}

func (w *Worker) runAndEmit(ctx context.Context, ev *event.Event, now time.Time) bool {
	switch {
	case w.ch.Persistent():
		reply, err := w.ch.SendPersistent(ev)
		if err != nil {
			return w.onExecFailure(ev, types.CauseExecFailure, err.Error(), now)
		}
		reply.Kind = event.KindResult
		reply.ElapsedTime = time.Since(now)
		reply.WorkerPID = w.Slot
		w.sink.Emit(reply)
		return false

	case ev.Kind == event.KindURL:
		return w.runURL(ctx, ev, now)

	default:
		output, result, err := w.ch.RunOneShot(ctx, ev.Kind, ev.ScriptName, ev.Params)
		if err != nil {
			return w.onExecFailure(ev, types.CauseExecFailure, err.Error(), now)
		}
		return w.emitOneShotResult(ev, output, result, now)
	}
}

func (w *Worker) emitOneShotResult(ev *event.Event, output []byte, result child.ExitResult, now time.Time) bool {
	if w.desc.ParseResponseForObject {
		if parsed, err := child.ParseAsEvent(output); err == nil {
			parsed.Kind = event.KindResult
			parsed.ElapsedTime = time.Since(now)
			parsed.WorkerPID = w.Slot
			w.sink.Emit(parsed)
			return false
		}
	}
	if w.desc.BStandardResponse {
		resp := child.ExtractStandardResponse(w.desc, output)
		if !resp.Success {
			return w.onExecFailure(ev, resp.FailureCause, resp.ErrorString, now)
		}
		r := w.successResult(ev, string(output), now)
		r.TraceTimestamp = resp.TraceTimestamp
		r.SystemParam = resp.SystemParam
		w.sink.Emit(r)
		return false
	}
	if !result.Success {
		return w.onExecFailure(ev, result.FailureCause, "", now)
	}
	w.sink.Emit(w.successResult(ev, string(output), now))
	return false
}

func (w *Worker) runURL(ctx context.Context, ev *event.Event, now time.Time) bool {
	target := ev.URL
	if target == "" {
		target = w.desc.DefaultURL
	}
	if target == "" {
		return w.onExecFailure(ev, types.CauseExecFailure, "no url configured for event or queue", now)
	}
	data, err := event.Serialize(ev)
	if err != nil {
		return w.onExecFailure(ev, types.CauseExecFailure, err.Error(), now)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return w.onExecFailure(ev, types.CauseExecFailure, err.Error(), now)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return w.onExecFailure(ev, types.CauseExecFailure, err.Error(), now)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return w.onExecFailure(ev, types.CauseExecFailure, fmt.Sprintf("http status %d", resp.StatusCode), now)
	}
	w.sink.Emit(w.successResult(ev, string(body), now))
	return false
}

// onExecFailure applies the retry/errorQueue/recovery-log routing of
// spec.md section 4.4 to a failed execution. It returns whether it wrote a
// recovery-log entry, for the caller's DoneEnvelope.
//
// A timeout kill (SIGTERM/SIGKILL from the overrun escalation) is not
// retried: the command already ran to its full maxExecTime budget once,
// so resubmitting it would only time out again. Both a recovery-log entry
// and a failure result are produced for it, matching the timeout scenario
// spec.md section 7 describes, rather than the single-outcome rule that
// governs an ordinary retryable exec failure.
func (w *Worker) onExecFailure(ev *event.Event, cause types.FailureCause, errString string, now time.Time) bool {
	if cause == types.CauseSIGTERM || cause == types.CauseSIGKILL {
		wrote := false
		if w.rl != nil {
			from := fmt.Sprintf("worker:%s:%d", w.queue, w.Slot)
			if err := w.rl.WriteEntry(ev, recovery.ResultSuccess, string(cause), from, "nucleus", now); err != nil {
				w.log.Error().Err(err).Str("reference", ev.Reference).Msg("recovery log write failed")
			} else {
				wrote = true
			}
		}
		w.emitFailure(ev, cause, errString, now)
		return wrote
	}

	cap := event.MaxRetries
	if w.desc.MaxRetries > 0 && w.desc.MaxRetries < cap {
		cap = w.desc.MaxRetries
	}
	if ev.Retries >= cap {
		w.log.Warn().Str("reference", ev.Reference).Str("cause", string(cause)).Msg("retries exhausted, dropping event")
		return false
	}
	ev.Retries++

	if w.desc.ErrorQueue != "" {
		errEv := *ev
		errEv.Kind = event.KindError
		errEv.DestQueue = w.desc.ErrorQueue
		errEv.HasSubQueue = false
		errEv.ErrorString = errString
		errEv.FailureCause = string(cause)
		errEv.WorkerPID = w.Slot
		w.sink.Emit(&errEv)
		return false
	}

	if w.rl != nil {
		from := fmt.Sprintf("worker:%s:%d", w.queue, w.Slot)
		err := w.rl.WriteEntry(ev, recovery.ResultSuccess, "exec_fail", from, "nucleus", now)
		if err != nil {
			w.log.Error().Err(err).Str("reference", ev.Reference).Msg("recovery log write failed")
		}
		return err == nil
	}

	w.emitFailure(ev, cause, errString, now)
	return false
}

func (w *Worker) successResult(ev *event.Event, output string, now time.Time) *event.Event {
	return &event.Event{
		Kind:        event.KindResult,
		DestQueue:   ev.DestQueue,
		SubQueue:    ev.SubQueue,
		HasSubQueue: ev.HasSubQueue,
		Reference:   ev.Reference,
		ReturnRoute: append([]event.ReturnHop(nil), ev.ReturnRoute...),
		Trace:       ev.Trace,
		Success:     true,
		Result:      output,
		WorkerPID:   w.Slot,
		ElapsedTime: time.Since(now),
	}
}

func (w *Worker) emitFailure(ev *event.Event, cause types.FailureCause, errString string, now time.Time) {
	w.sink.Emit(&event.Event{
		Kind:         event.KindResult,
		DestQueue:    ev.DestQueue,
		SubQueue:     ev.SubQueue,
		HasSubQueue:  ev.HasSubQueue,
		Reference:    ev.Reference,
		ReturnRoute:  append([]event.ReturnHop(nil), ev.ReturnRoute...),
		Trace:        ev.Trace,
		Success:      false,
		FailureCause: string(cause),
		ErrorString:  errString,
		WorkerPID:    w.Slot,
		ElapsedTime:  time.Since(now),
	})
}

// handleCommand dispatches a command event. Commands never produce a
// result or a DoneEnvelope; the pool's command path is fire-and-forget
// from a worker's perspective.
func (w *Worker) handleCommand(_ context.Context, ev *event.Event) {
	switch ev.CommandID {
	case event.CmdShutdown:
		w.MarkTerminal()
		if w.ch.Persistent() {
			_ = w.ch.TerminateSignal(syscall.SIGTERM)
		}

	case event.CmdReopenLog:
		if w.rl != nil {
			if err := w.rl.Reopen(); err != nil {
				w.log.Error().Err(err).Msg("reopen-log failed")
			}
		}

	case event.CmdExitWhenDone:
		w.mu.Lock()
		w.exitWhenDone = true
		w.mu.Unlock()
		if w.ch.Persistent() {
			if _, err := w.ch.SendPersistent(ev); err != nil {
				w.log.Warn().Err(err).Msg("exit-when-done forward failed")
			}
		}

	case event.CmdPersistentApp:
		if w.ch.Persistent() {
			if _, err := w.ch.SendPersistent(ev); err != nil {
				w.log.Warn().Err(err).Msg("persistent-app command forward failed")
			}
		}

	case event.CmdResetStats, event.CmdStats, event.CmdEndOfQueue, event.CmdWorkerConf:
		// A worker has no per-slot state these commands touch; the
		// nucleus acts on stats and reset-stats itself, and end-of-queue
		// and worker-conf are accepted and ignored here.

	default:
		w.log.Debug().Str("command", string(ev.CommandID)).Msg("unhandled command at worker")
	}
}

// ExitWhenDone reports whether an exit-when-done command has been
// received by this worker. The pool decides whether to respawn a dead
// persistent child from its own draining state, not from this flag.
func (w *Worker) ExitWhenDone() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitWhenDone
}
