package reconciler

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/txproc/pkg/metrics"
	"github.com/cuemby/txproc/pkg/recovery"
)

// Config controls the orphan-payload sweep's cadence and grace periods.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// GracePeriod excludes payload files younger than this from being
	// reported as orphans at all, so a write still in flight between its
	// pf.Sync and the CSV append isn't flagged mid-write.
	GracePeriod time.Duration

	// RemoveAfter is how long a confirmed orphan must persist before the
	// reconciler deletes it. Kept well above GracePeriod so an operator has
	// a window to notice the warning logs before data disappears.
	RemoveAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.RemoveAfter <= 0 {
		c.RemoveAfter = 24 * time.Hour
	}
	return c
}

// Reconciler periodically scans the recovery log's payload directory for
// orphan files: a payload WriteEntry wrote and synced, but whose CSV index
// line or bolt pending-bucket entry never got appended because the process
// crashed in between. Those files would otherwise sit unreferenced forever,
// since nothing in the normal write path revisits them.
type Reconciler struct {
	rl     *recovery.Log
	cfg    Config
	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

// New creates a reconciler bound to rl.
func New(rl *recovery.Log, cfg Config, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		rl:     rl,
		cfg:    cfg.withDefaults(),
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.cfg.Interval).Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// sweep performs one orphan-payload scan.
func (r *Reconciler) sweep() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.sweepOrphanPayloads(); err != nil {
		r.logger.Error().Err(err).Msg("orphan payload sweep failed")
	}
}

func (r *Reconciler) sweepOrphanPayloads() error {
	dir := r.rl.PayloadDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	now := time.Now()
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < r.cfg.GracePeriod {
			continue
		}

		known, err := r.rl.IsKnownPayload(de.Name())
		if err != nil {
			r.logger.Warn().Err(err).Str("payload", de.Name()).Msg("could not check pending index")
			continue
		}
		if known {
			continue
		}

		metrics.OrphanPayloadsFoundTotal.Inc()
		age := now.Sub(info.ModTime())
		if age < r.cfg.RemoveAfter {
			r.logger.Warn().
				Str("payload", de.Name()).
				Dur("age", age).
				Msg("orphan recovery payload: no index entry, not yet old enough to remove")
			continue
		}

		path := filepath.Join(dir, de.Name())
		if err := os.Remove(path); err != nil {
			r.logger.Error().Err(err).Str("payload", de.Name()).Msg("failed to remove orphan payload")
			continue
		}
		metrics.OrphanPayloadsRemovedTotal.Inc()
		r.logger.Info().Str("payload", de.Name()).Dur("age", age).Msg("removed orphan recovery payload")
	}
	return nil
}
