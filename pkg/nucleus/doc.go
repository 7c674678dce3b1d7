/*
Package nucleus implements the single-process scheduler of spec.md section
4.6: one cooperative event loop owning every queue's WorkerPool, all event
admission, and the command table gateways use to reconfigure a running
instance.

# Architecture

	┌───────────────────────── NUCLEUS ─────────────────────────┐
	│                                                            │
	│   Submit()/gateway ──▶ in ──┐                              │
	│                             │                              │
	│                  ┌──────────▼──────────┐    maintenance    │
	│                  │   Run() main loop    │◀── ticker ────┐  │
	│                  └──────────┬──────────┘                │  │
	│                             │ admit/route               │  │
	│            ┌────────────────┼────────────────┐          │  │
	│            ▼                ▼                ▼          │  │
	│      pool "work"      pool "slow"      pool "errors" ...│  │
	│            │                │                │          │  │
	│            └────────────────┴────────────────┘          │  │
	│                             │ Emit (result/mgmt events)  │  │
	│                             ▼                            │  │
	│                          poolOut ──▶ handlePoolOutput ───┘  │
	│                             │                               │
	│                             ▼                               │
	│                         Results()                           │
	└──────────────────────────────────────────────────────────┘

# Admission

Every inbound event (work item or command) arrives on Submit. Work events
are routed to the pool named by DestQueue, falling back to
Config.NotLocalQueueRouter, and finally to a recovery-logged,
cause=unknownQueue failure result. Command events are dispatched through
handleCommand's table: stats, reset-stats, reopen-log, nucleus-conf,
worker-conf, exit-when-done and shutdown each get dedicated handling;
anything else is broadcast to the targeted queue's workers (or every
worker, if no destQueue is set).

# Maintenance

One ticker drives CheckOverruns on every pool each tick and ScanForExpired
every Config.ExpireScanEvery ticks. While a drain (exit-when-done) is in
effect, the same tick checks every pool's IsDrained and stops the loop once
all of them report drained.

# Result delivery

A worker's result and management events surface on each pool's Emit
channel, fanned into poolOut. Management events carrying a destination
queue re-enter admission like any other work event (so a managementQueue
is just an ordinary queue); events with no further local destination are
handed to Results() for an attached gateway to deliver to the true
originator.
*/
package nucleus
