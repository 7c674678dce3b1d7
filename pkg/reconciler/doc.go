/*
Package reconciler runs the background orphan-payload sweep for txProc's
recovery log.

WriteEntry (pkg/recovery) writes and syncs a payload file before it appends
the file's CSV index line and marks it pending in the bolt accelerator. A
crash between those two steps leaves a payload file on disk that neither the
CSV log nor the bolt index knows about — nothing in the normal write or
Recover path will ever revisit it.

	┌──────────────────────────────────────────────┐
	│              Sweep (every Interval)           │
	└───────────────────┬────────────────────────────┘
	                    │
	        list payload directory
	                    │
	     skip files younger than GracePeriod
	     (still mid-write, not orphaned)
	                    │
	     skip files with a pending-bucket entry
	     (already indexed)
	                    │
	     warn on the remainder; remove once older
	     than RemoveAfter

GracePeriod keeps an in-flight write from being misreported as an orphan;
RemoveAfter keeps a genuine orphan visible in logs for a while before the
reconciler deletes it, so an operator has a chance to notice first.
*/
package reconciler
