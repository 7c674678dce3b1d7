/*
Package recovery implements the durable at-least-once ledger of events that
could not be delivered or executed: an append-only CSV index plus a
directory of individual payload files, one per entry, plus a small bbolt
index holding the payload sequence counter and the set of payload files
whose CSV line was written. Recover does not consult the index; it reads
the CSV log from start to end.

# Layout

	<baseDir>/recovery.log           append-only CSV index
	<baseDir>/recovery/rNNNNNN_XXXXXX  one payload file per entry
	<baseDir>/recovery-index.db      bbolt accelerator (pending set, counters)

# Atomicity

WriteEntry writes the payload file before the CSV index line. If the
process crashes between the two, the orphan payload file has no CSV line,
and Recover, which only opens payload files named by CSV lines, never
resubmits it, whether or not it parses. pkg/reconciler reports such
files and removes them once they are older than its RemoveAfter age.

# Recovery

Recover reads an older log's CSV lines, and for each SUCC-marked entry
parses the matching payload file, drops it (removing the file) if already
expired, sets its ReadyTime to the replay time now, and forwards it to a
supplied channel. Payload files are removed on resubmission; entries whose
payload file cannot be read or parsed are counted as skipped and left in
place.
*/
package recovery
