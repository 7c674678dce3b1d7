/*
Package health provides liveness probes for persistent-app workers,
supplementing the exit-status liveness spec.md section 4.3 already gets
for free from waitpid: a persistent child can hang while still holding its
pipes open, in which case the supervisor never observes an exit to react
to. A queue descriptor may attach a Checker (HTTP, TCP or Exec) that the
owning pool polls on its own cadence; repeated failures are treated the
same as an unexpected exit and feed the worker back through its crash/
respawn path.

# Checkers

	┌─────────────────────────────┐
	│        health.Checker        │
	│  Check(ctx) Result            │
	│  Type() CheckType              │
	└──────────┬─────────┬─────────┘
	           │         │
	    HTTPChecker  TCPChecker  ExecChecker
	    (GET URL)    (dial addr)  (run command)

Status tracks consecutive successes/failures against a Config's Retries
threshold so one flaky probe doesn't mark a worker unhealthy: Healthy turns
false only after Retries consecutive failures, and a single success turns
it true again.
*/
package health
