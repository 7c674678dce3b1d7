// Package worker implements one unit of per-queue concurrency (spec.md
// section 4.4): a Worker owns exactly one child.Child and executes
// events handed to it by its pool one at a time, sending a DoneEnvelope
// back to the pool for every work event. A success, an expired event, a
// timeout kill, or a failure with no recovery log and no errorQueue
// yields a result event; a retryable failure routed to the errorQueue
// yields an error event instead; one written to the recovery log, or
// dropped after its retries are exhausted, yields no event.
// Commands branch into a handler table and never produce a result or a
// done signal.
package worker
