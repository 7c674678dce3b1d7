// Package pool implements the WorkerPool supervisor of spec.md section
// 4.5: one Pool per queue, owning the FIFO of pending events, the
// Spawning/Idle/Busy/Terminal state of its worker slots, and the stat
// accumulators a stats command reads and resets.
//
// A straight queue dispatches a queued event to any idle worker; a
// collection queue only dispatches to the worker slot addressed by the
// event's sub-queue id, so a caller can pin related events to the same
// worker. Submit enforces maxLength and the frozen flag; Resize grows or
// shrinks the slot count; CheckOverruns and ScanForExpired are driven by
// the nucleus's maintenance tick.
package pool
