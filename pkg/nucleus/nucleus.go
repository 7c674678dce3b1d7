package nucleus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/txproc/pkg/event"
	"github.com/cuemby/txproc/pkg/pool"
	"github.com/cuemby/txproc/pkg/recovery"
	"github.com/cuemby/txproc/pkg/types"
)

// Config holds the Nucleus's own tunables (spec.md section 4.6), separate
// from any one queue's descriptor.
type Config struct {
	// MaintenanceTick is the cadence of the main loop's housekeeping pass:
	// CheckOverruns runs every tick, ScanForExpired every ExpireScanEvery
	// ticks.
	MaintenanceTick time.Duration
	ExpireScanEvery int

	// NotLocalQueueRouter, when set, is the queue name an event with an
	// unrecognized destQueue is forwarded to instead of failing fast.
	NotLocalQueueRouter string

	// StatsQueue, when set, receives one row per pool on every `stats`
	// command.
	StatsQueue string

	Logger zerolog.Logger
}

// Nucleus is the single-process admission and maintenance loop of
// spec.md section 4.6: it owns the named queues, routes inbound events to
// their pool (or the router-fallback pool, or a recovery-logged failure),
// distributes command events, and drives each pool's maintenance hooks off
// one ticker.
type Nucleus struct {
	cfg Config
	rl  *recovery.Log
	log zerolog.Logger

	mu    sync.Mutex
	pools map[string]*pool.Pool

	in      chan *event.Event
	poolOut chan *event.Event
	results chan *event.Event
	stop    chan struct{}
	stopped bool

	draining bool
	tick     int
}

// New creates a Nucleus with no queues yet; call AddQueue for each queue
// the loaded config describes before calling Run.
func New(cfg Config, rl *recovery.Log) *Nucleus {
	if cfg.MaintenanceTick <= 0 {
		cfg.MaintenanceTick = 500 * time.Millisecond
	}
	if cfg.ExpireScanEvery <= 0 {
		cfg.ExpireScanEvery = 10
	}
	return &Nucleus{
		cfg:     cfg,
		rl:      rl,
		log:     cfg.Logger,
		pools:   make(map[string]*pool.Pool),
		in:      make(chan *event.Event, 64),
		poolOut: make(chan *event.Event, 64),
		results: make(chan *event.Event, 64),
		stop:    make(chan struct{}),
	}
}

// AddQueue registers a queue and spawns its pool's initial workers. n.pools
// is guarded by n.mu, so it may be called while Run is active.
func (n *Nucleus) AddQueue(desc *types.QueueDescriptor) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.pools[desc.Name]; exists {
		return fmt.Errorf("nucleus: queue %q already exists", desc.Name)
	}
	n.pools[desc.Name] = pool.New(desc.Name, desc, n.rl, n.poolOut, n.log)
	return nil
}

// Pool returns the named queue's pool, for callers (stats reporting,
// tests) that need direct access rather than routing a command event.
func (n *Nucleus) Pool(name string) (*pool.Pool, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.pools[name]
	return p, ok
}

// Submit is the Nucleus-side half of the gateway contract (spec.md section
// 6): a caller outside the main loop hands in one event; it is queued for
// admission on the next loop iteration.
func (n *Nucleus) Submit(ev *event.Event) {
	n.in <- ev
}

// Results is the channel of events the main loop could not hand to a local
// endpoint: results and management events whose return route has been
// exhausted. A gateway (or, in tests, the caller) drains this to deliver
// them to their true originator.
func (n *Nucleus) Results() <-chan *event.Event {
	return n.results
}

// Shutdown requests an immediate, forcible stop equivalent to receiving a
// `shutdown` command event.
func (n *Nucleus) Shutdown() {
	n.Submit(&event.Event{Kind: event.KindCommand, CommandID: event.CmdShutdown})
}

// Run is the main loop of spec.md section 4.6: one cooperative select over
// inbound admission, pool output, and the maintenance ticker. It returns
// when a shutdown command is processed or ctx is cancelled.
func (n *Nucleus) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.MaintenanceTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-n.in:
			if n.handleInbound(ev) {
				return nil
			}
		case ev := <-n.poolOut:
			n.handlePoolOutput(ev)
		case now := <-ticker.C:
			if n.maintenance(now) {
				return nil
			}
		}
	}
}

// Pools returns a snapshot of every registered queue's pool, for callers
// (the metrics collector, admin tooling) that need to iterate them without
// routing a command event.
func (n *Nucleus) Pools() map[string]*pool.Pool {
	return n.snapshotPools()
}

func (n *Nucleus) snapshotPools() map[string]*pool.Pool {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]*pool.Pool, len(n.pools))
	for k, v := range n.pools {
		out[k] = v
	}
	return out
}

// handleInbound implements main-loop step 2: command events are dispatched
// to handleCommand, work events are admitted to their destination pool.
// Returns true if the loop should stop (a shutdown command was handled).
func (n *Nucleus) handleInbound(ev *event.Event) bool {
	if ev.Kind == event.KindCommand {
		return n.handleCommand(ev)
	}
	n.admit(ev)
	return false
}

// synthesizeReference builds spec.md section 4.1's `NNNNN-NNNNN` structured
// reference for an event admitted without one, using a uuid as the random
// source rather than a package-level math/rand generator so concurrent
// admission across pools never needs its own seeding or locking.
func synthesizeReference() string {
	id := uuid.New()
	a := uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])
	b := uint32(id[4])<<24 | uint32(id[5])<<16 | uint32(id[6])<<8 | uint32(id[7])
	return fmt.Sprintf("%05d-%05d", a%100000, b%100000)
}

// admit looks up ev's destination queue, falling back to the configured
// router queue, and finally to an unknown-queue failure — main-loop step 2
// verbatim.
func (n *Nucleus) admit(ev *event.Event) {
	if ev.Reference == "" {
		ev.Reference = synthesizeReference()
	}
	n.mu.Lock()
	p, ok := n.pools[ev.DestQueue]
	if !ok && n.cfg.NotLocalQueueRouter != "" {
		p, ok = n.pools[n.cfg.NotLocalQueueRouter]
	}
	n.mu.Unlock()

	if !ok {
		now := time.Now()
		if n.rl != nil {
			if err := n.rl.WriteEntry(ev, recovery.ResultSuccess, "unknown_queue", "nucleus", ev.DestQueue, now); err != nil {
				n.log.Error().Err(err).Msg("recovery log write failed")
			}
		}
		n.emitFailure(ev, types.CauseUnknownQueue, "unknown queue: "+ev.DestQueue, now)
		return
	}
	p.Submit(ev)
}

func (n *Nucleus) emitFailure(ev *event.Event, cause types.FailureCause, msg string, now time.Time) {
	n.deliver(&event.Event{
		Kind:         event.KindResult,
		DestQueue:    ev.DestQueue,
		SubQueue:     ev.SubQueue,
		HasSubQueue:  ev.HasSubQueue,
		Reference:    ev.Reference,
		ReturnRoute:  append([]event.ReturnHop(nil), ev.ReturnRoute...),
		Trace:        ev.Trace,
		Success:      false,
		FailureCause: string(cause),
		ErrorString:  msg,
	})
}

// handlePoolOutput implements main-loop step 4: a worker's own fd to the
// Nucleus carries result/reply events bound for an external originator and
// management events bound for a managementQueue. The former have no local
// destination and are delivered out via Results(); the latter re-enter
// admission like any other work event.
func (n *Nucleus) handlePoolOutput(ev *event.Event) {
	switch ev.Kind {
	case event.KindResult, event.KindReply:
		n.deliver(ev)
	case event.KindError:
		n.admit(ev)
	default:
		if ev.DestQueue != "" {
			n.admit(ev)
		} else {
			n.deliver(ev)
		}
	}
}

// deliver hands ev, return-route intact, to the external Results() sink; a
// gateway reads it from there, pops its own hop with ev.PopReturn to learn
// which connection to write the result back to, and forwards any
// remaining hops itself.
func (n *Nucleus) deliver(ev *event.Event) {
	select {
	case n.results <- ev:
	default:
		n.log.Warn().Str("reference", ev.Reference).Msg("results channel full, dropping result")
	}
}

// maintenance implements main-loop step 6: CheckOverruns every tick,
// ScanForExpired at a slower cadence, and the drain-then-exit check while
// exit-when-done is in effect. Returns true once every pool has drained
// during a drain sequence.
func (n *Nucleus) maintenance(now time.Time) bool {
	n.tick++
	pools := n.snapshotPools()

	scanExpired := n.tick%n.cfg.ExpireScanEvery == 0
	for _, p := range pools {
		p.CheckOverruns(now)
		p.CheckHealth(context.Background())
		if scanExpired {
			p.ScanForExpired(now)
		}
	}

	if !n.draining {
		return false
	}
	for _, p := range pools {
		if !p.IsDrained() {
			return false
		}
	}
	return true
}

// handleCommand implements main-loop step 3's command table. Returns true
// only for `shutdown`, signaling Run to stop immediately.
func (n *Nucleus) handleCommand(ev *event.Event) bool {
	pools := n.snapshotPools()

	switch ev.CommandID {
	case event.CmdStats:
		for name, p := range pools {
			status := p.Status()
			if n.cfg.StatsQueue != "" {
				n.admit(&event.Event{
					Kind:      event.KindBinary,
					DestQueue: n.cfg.StatsQueue,
					Reference: event.NewReference(),
					Result:    fmt.Sprintf("%s,%s", name, status.CSV()),
				})
			}
			p.Broadcast(ev)
		}
	case event.CmdResetStats:
		for _, p := range pools {
			p.ResetStats()
			p.Broadcast(ev)
		}
	case event.CmdReopenLog:
		if n.rl != nil {
			if err := n.rl.Reopen(); err != nil {
				n.log.Error().Err(err).Msg("reopen recovery log failed")
			}
		}
		for _, p := range pools {
			p.Broadcast(ev)
		}
	case event.CmdNucleusConf:
		n.applyNucleusConf(ev, pools)
	case event.CmdWorkerConf:
		if p, ok := pools[ev.DestQueue]; ok {
			p.Broadcast(ev)
		}
	case event.CmdExitWhenDone:
		n.draining = true
		for _, p := range pools {
			p.ExitWhenDone()
		}
	case event.CmdShutdown:
		for _, p := range pools {
			p.Shutdown(true)
		}
		return true
	default:
		if ev.DestQueue != "" {
			if p, ok := pools[ev.DestQueue]; ok {
				p.Broadcast(ev)
			}
		} else {
			for _, p := range pools {
				p.Broadcast(ev)
			}
		}
	}
	return false
}

// applyNucleusConf handles the reconfigure subset of spec.md section 4.6's
// `nucleus-conf` command that maps onto a single targeted queue: resize,
// freeze, maxlength, maxexectime and dropqueue. Queue creation needs a full
// descriptor the wire event can't carry, so it stays a config-reload-time
// operation via AddQueue rather than a nucleus-conf op.
func (n *Nucleus) applyNucleusConf(ev *event.Event, pools map[string]*pool.Pool) {
	op, _ := ev.Params.Get("op")
	queueParam, _ := ev.Params.Get("queue")
	p, ok := pools[queueParam.String()]

	switch op.String() {
	case "resize":
		if ok {
			v, _ := ev.Params.Get("value")
			p.Resize(int(v.Int))
		}
	case "freeze":
		if ok {
			v, _ := ev.Params.Get("value")
			p.Freeze(v.String() == "true")
		}
	case "maxlength":
		if ok {
			v, _ := ev.Params.Get("value")
			p.SetMaxLength(int(v.Int))
		}
	case "maxexectime":
		if ok {
			v, _ := ev.Params.Get("value")
			p.SetMaxExecTime(time.Duration(v.Int) * time.Second)
		}
	case "dropqueue":
		if ok {
			p.Shutdown(false)
			n.mu.Lock()
			delete(n.pools, queueParam.String())
			n.mu.Unlock()
		}
	default:
		n.log.Warn().Str("op", op.String()).Msg("unrecognized nucleus-conf operation")
	}
}
