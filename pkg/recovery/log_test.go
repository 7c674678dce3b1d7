package recovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/txproc/pkg/event"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(OpenConfig{BaseDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestWriteEntryCreatesPayloadAndIndexLine(t *testing.T) {
	l := openTestLog(t)
	ev := &event.Event{Kind: event.KindScript, DestQueue: "work", Reference: "11111-22222"}

	now := time.Unix(1700000000, 0)
	err := l.WriteEntry(ev, ResultError, "queueFull", "pool:work", "nucleus", now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, l.EntryCount())

	entries, err := ParseLog(l.logPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, ResultError, e.Result)
	assert.Equal(t, "queueFull", e.Reason)
	assert.Equal(t, "pool:work", e.From)
	assert.Equal(t, "nucleus", e.To)
	assert.Equal(t, "work", e.Queue)

	payloadPath := filepath.Join(l.payloadDir, e.PayloadFile)
	data, err := os.ReadFile(payloadPath)
	require.NoError(t, err)
	parsed, err := event.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, ev.Reference, parsed.Reference)
}

func TestWriteEntrySequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(OpenConfig{BaseDir: dir})
	require.NoError(t, err)

	ev := &event.Event{Kind: event.KindScript, DestQueue: "q"}
	now := time.Unix(1700000000, 0)
	require.NoError(t, l.WriteEntry(ev, ResultError, "r1", "a", "b", now))
	require.NoError(t, l.Close())

	l2, err := Open(OpenConfig{BaseDir: dir})
	require.NoError(t, err)
	defer l2.Close()
	require.NoError(t, l2.WriteEntry(ev, ResultError, "r2", "a", "b", now))

	entries, err := ParseLog(l2.logPath)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.NotEqual(t, entries[0].PayloadFile, entries[1].PayloadFile)
}

func TestRecoverResubmitsUnexpiredEvents(t *testing.T) {
	l := openTestLog(t)
	now := time.Unix(1700000000, 0)

	live := &event.Event{Kind: event.KindScript, DestQueue: "work", Reference: "aaaaa-11111"}
	expired := &event.Event{Kind: event.KindScript, DestQueue: "work", Reference: "bbbbb-22222", Expiry: now.Add(-time.Hour)}

	require.NoError(t, l.WriteEntry(live, ResultSuccess, "exec_fail", "worker:1", "nucleus", now))
	require.NoError(t, l.WriteEntry(expired, ResultSuccess, "exec_fail", "worker:1", "nucleus", now))
	require.NoError(t, l.Close())

	dest := make(chan *event.Event, 2)
	resubmitted, skipped, err := Recover(l.logPath, now.Add(time.Minute), dest)
	require.NoError(t, err)
	assert.Equal(t, 1, resubmitted)
	assert.Equal(t, 0, skipped)

	close(dest)
	var got []*event.Event
	for e := range dest {
		got = append(got, e)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "aaaaa-11111", got[0].Reference)
	assert.False(t, got[0].ReadyTime.IsZero())

	remaining, err := os.ReadDir(l.payloadDir)
	require.NoError(t, err)
	assert.Len(t, remaining, 0)
}

func TestRecoverSkipsMissingPayload(t *testing.T) {
	l := openTestLog(t)
	now := time.Unix(1700000000, 0)
	ev := &event.Event{Kind: event.KindScript, DestQueue: "work"}
	require.NoError(t, l.WriteEntry(ev, ResultSuccess, "exec_fail", "worker:1", "nucleus", now))
	require.NoError(t, l.Close())

	entries, err := ParseLog(l.logPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, os.Remove(filepath.Join(l.payloadDir, entries[0].PayloadFile)))

	dest := make(chan *event.Event, 1)
	resubmitted, skipped, err := Recover(l.logPath, now, dest)
	require.NoError(t, err)
	assert.Equal(t, 0, resubmitted)
	assert.Equal(t, 1, skipped)
}

func TestReopenPreservesPayloadFiles(t *testing.T) {
	l := openTestLog(t)
	ev := &event.Event{Kind: event.KindScript, DestQueue: "q"}
	now := time.Unix(1700000000, 0)
	require.NoError(t, l.WriteEntry(ev, ResultError, "r", "a", "b", now))
	require.NoError(t, l.Reopen())
	require.NoError(t, l.WriteEntry(ev, ResultError, "r2", "a", "b", now))

	entries, err := ParseLog(l.logPath)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
