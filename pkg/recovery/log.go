package recovery

import (
	"crypto/rand"
	"encoding/csv"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/txproc/pkg/event"
)

const payloadDirName = "recovery"

// OpenConfig controls how a Log is opened.
type OpenConfig struct {
	BaseDir string

	// RotateOnStart, if true, invokes RotateHelperPath once before the log
	// is opened.
	RotateOnStart    bool
	RotateHelperPath string
	RotateArgs       []string

	Logger zerolog.Logger
}

// Log is the durable recovery ledger: a CSV index file plus a directory of
// payload files, backed by a bbolt accelerator index. WriteEntry and the
// other methods are mutex-protected and safe to call from multiple
// goroutines concurrently.
type Log struct {
	mu sync.Mutex

	baseDir    string
	payloadDir string
	logPath    string

	file  *os.File
	index *boltIndex

	entryCount uint64
	log        zerolog.Logger
}

// Open creates the base and payload directories if needed, optionally runs
// a rotate helper, and opens (or creates) the CSV index for appending.
func Open(cfg OpenConfig) (*Log, error) {
	if cfg.RotateOnStart && cfg.RotateHelperPath != "" {
		if err := runRotateHelper(cfg.RotateHelperPath, cfg.RotateArgs); err != nil {
			return nil, fmt.Errorf("recovery: rotate helper: %w", err)
		}
	}

	payloadDir := filepath.Join(cfg.BaseDir, payloadDirName)
	if err := os.MkdirAll(payloadDir, 0700); err != nil {
		return nil, fmt.Errorf("recovery: create payload dir: %w", err)
	}

	logPath := filepath.Join(cfg.BaseDir, "recovery.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("recovery: open index log: %w", err)
	}

	idx, err := openBoltIndex(cfg.BaseDir)
	if err != nil {
		f.Close()
		return nil, err
	}

	logger := cfg.Logger
	return &Log{
		baseDir:    cfg.BaseDir,
		payloadDir: payloadDir,
		logPath:    logPath,
		file:       f,
		index:      idx,
		log:        logger,
	}, nil
}

func runRotateHelper(path string, args []string) error {
	cmd := exec.Command(path, args...)
	return cmd.Run()
}

// Close releases the underlying file handles.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.file.Close()
	if idxErr := l.index.Close(); idxErr != nil && err == nil {
		err = idxErr
	}
	return err
}

// Reopen closes and reopens the CSV index file, leaving payload files
// untouched. Used after external log rotation.
func (l *Log) Reopen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("recovery: close for reopen: %w", err)
	}
	f, err := os.OpenFile(l.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("recovery: reopen index log: %w", err)
	}
	l.file = f
	return nil
}

// WriteEntry durably records an event that could not be delivered or
// executed. The payload file is written and synced before the CSV index
// line is appended; a crash between the two leaves an orphan payload file
// with no CSV line, which Recover never resubmits.
//
// result reflects whether this write itself succeeded, not whether the
// event's own delivery/execution failed — that's what reason is for.
// Callers should pass ResultSuccess for every entry recorded during normal
// operation; ResultError is reserved for a caller that already knows its
// own write attempt is suspect (e.g. a legacy log being reconciled) and
// wants Recover to skip it rather than resubmit it.
func (l *Log) WriteEntry(ev *event.Event, result Result, reason, from, to string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, err := l.index.nextSeq()
	if err != nil {
		return fmt.Errorf("recovery: allocate sequence: %w", err)
	}
	payloadName := fmt.Sprintf("r%06d_%s", seq, randSuffix())
	payloadPath := filepath.Join(l.payloadDir, payloadName)

	data, err := event.Serialize(ev)
	if err != nil {
		return fmt.Errorf("recovery: serialize event: %w", err)
	}
	pf, err := os.OpenFile(payloadPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("recovery: create payload file: %w", err)
	}
	if _, err := pf.Write(data); err != nil {
		pf.Close()
		return fmt.Errorf("recovery: write payload file: %w", err)
	}
	if err := pf.Sync(); err != nil {
		pf.Close()
		return fmt.Errorf("recovery: sync payload file: %w", err)
	}
	if err := pf.Close(); err != nil {
		return fmt.Errorf("recovery: close payload file: %w", err)
	}

	record := []string{
		string(result),
		now.Format("2006-01-02T15:04:05Z07:00"),
		strconv.FormatInt(now.Unix(), 10),
		reason,
		from,
		to,
		ev.DestQueueKey(),
		string(ev.Kind),
		payloadName,
		ev.TraceTimestamp,
		compactEvent(ev),
	}
	w := csv.NewWriter(l.file)
	if err := w.Write(record); err != nil {
		return fmt.Errorf("recovery: write index line: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recovery: flush index line: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("recovery: sync index log: %w", err)
	}

	l.entryCount++
	if err := l.index.markPending(payloadName, pendingRecord{
		Queue:  ev.DestQueueKey(),
		Reason: reason,
		Unix:   now.Unix(),
		Kind:   string(ev.Kind),
	}); err != nil {
		l.log.Warn().Err(err).Str("payload", payloadName).Msg("recovery index bookkeeping failed")
	}
	return nil
}

// EntryCount returns the number of entries written since Open, for stats
// reporting; it does not reset on read (unlike pool counters).
func (l *Log) EntryCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entryCount
}

// PayloadDir returns the directory WriteEntry writes payload files into,
// for the reconciler's orphan sweep.
func (l *Log) PayloadDir() string {
	return l.payloadDir
}

// IsKnownPayload reports whether name has a pending-bucket entry, i.e. it
// survived past the point in WriteEntry where the CSV index line was
// flushed. A payload file absent from the bucket crashed before that
// point (a true orphan); entries stay in the bucket after Recover
// resubmits their payloads.
func (l *Log) IsKnownPayload(name string) (bool, error) {
	return l.index.hasPending(name)
}

func compactEvent(ev *event.Event) string {
	return fmt.Sprintf("%s;%s;ref=%s;retries=%d", ev.Kind, ev.DestQueueKey(), ev.Reference, ev.Retries)
}

func randSuffix() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "000000"
	}
	return fmt.Sprintf("%02x%02x%02x", b[0], b[1], b[2])
}

// ParseLog reads a CSV index file (this log's own, or an older rotated-out
// one passed to Recover) into Entry values. Lines with fewer than 11
// fields are skipped silently; a caller that needs the count of skipped
// lines should compare against a raw line count of the file. A line that
// is not valid CSV stops the parse and returns the entries read so far
// together with the error.
func ParseLog(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("recovery: open log for parse: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var entries []Entry
	for {
		rec, err := r.Read()
		if err != nil {
			if err.Error() == "EOF" || strings.Contains(err.Error(), "EOF") {
				break
			}
			return entries, fmt.Errorf("recovery: parse log line: %w", err)
		}
		if len(rec) < 11 {
			continue
		}
		unix, _ := strconv.ParseInt(rec[2], 10, 64)
		entries = append(entries, Entry{
			Result:         Result(rec[0]),
			Date:           rec[1],
			Unix:           unix,
			Reason:         rec[3],
			From:           rec[4],
			To:             rec[5],
			Queue:          rec[6],
			Kind:           rec[7],
			PayloadFile:    rec[8],
			TraceTimestamp: rec[9],
			Compact:        rec[10],
		})
	}
	return entries, nil
}

// Recover replays an older recovery log (and its sibling payload
// directory) into destination. Events already expired at replay time are
// dropped; their payload files are removed. Successfully resubmitted
// events have their ReadyTime set to now and their payload files
// removed. Entries whose payload file cannot
// be read or parsed are left on disk and reported via skipped.
func Recover(oldLogPath string, now time.Time, destination chan<- *event.Event) (resubmitted, skipped int, err error) {
	entries, err := ParseLog(oldLogPath)
	if err != nil {
		return 0, 0, err
	}
	payloadDir := filepath.Join(filepath.Dir(oldLogPath), payloadDirName)

	for _, e := range entries {
		if e.Result != ResultSuccess {
			continue
		}
		payloadPath := filepath.Join(payloadDir, e.PayloadFile)
		data, err := os.ReadFile(payloadPath)
		if err != nil {
			skipped++
			continue
		}
		ev, err := event.Parse(data)
		if err != nil {
			skipped++
			continue
		}
		if ev.Expired(now) {
			os.Remove(payloadPath)
			continue
		}
		ev.ReadyTime = now
		destination <- ev
		os.Remove(payloadPath)
		resubmitted++
	}
	return resubmitted, skipped, nil
}
