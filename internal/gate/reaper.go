package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/juju/clock"
	"gopkg.in/tomb.v2"

	"github.com/desertthunder/pmx/internal/metrics"
	"github.com/desertthunder/pmx/internal/shared"
)

const (
	DefaultReapInterval = 10 * time.Minute

	reapBatch = 100
)

// ReaperConfig configures a [Reaper].
type ReaperConfig struct {
	Store     Store
	Payloads  PayloadStore
	Retention time.Duration
	Interval  time.Duration
	Clock     clock.Clock
	Logger    *log.Logger
	Metrics   *metrics.Metrics
}

// Validate ensures that the config values are valid.
func (c *ReaperConfig) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("%w: reaper needs a store", shared.ErrInvalidInput)
	}
	if c.Payloads == nil {
		return fmt.Errorf("%w: reaper needs a payload store", shared.ErrInvalidInput)
	}
	return nil
}

// Reaper deletes expired results, payload first and metadata second.
type Reaper struct {
	tomb tomb.Tomb
	cfg  ReaperConfig
	log  *log.Logger
}

// NewReaper validates cfg and starts the sweep loop.
func NewReaper(cfg ReaperConfig) (*Reaper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReapInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	r := &Reaper{cfg: cfg, log: shared.WithLogger(cfg.Logger, "component", "reaper")}
	r.tomb.Go(r.loop)
	return r, nil
}

// Kill asks the reaper to stop.
func (r *Reaper) Kill() {
	r.tomb.Kill(nil)
}

// Wait blocks until the reaper has stopped.
func (r *Reaper) Wait() error {
	return r.tomb.Wait()
}

// Stop kills the reaper and waits for it.
func (r *Reaper) Stop() error {
	r.Kill()
	return r.Wait()
}

func (r *Reaper) loop() error {
	timer := r.cfg.Clock.NewTimer(r.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-r.tomb.Dying():
			return tomb.ErrDying
		case <-timer.Chan():
			if _, err := r.Sweep(r.tomb.Context(context.Background())); err != nil {
				// Store errors are retried on the next tick.
				r.log.Error("sweep failed", "err", err)
			}
			timer.Reset(r.cfg.Interval)
		}
	}
}

// Sweep removes every result older than the retention window and returns how many it removed.
//
// A result whose payload cannot be deleted keeps its metadata so the next sweep retries it.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.cfg.Clock.Now().UTC().Add(-r.cfg.Retention)
	reaped, failed := 0, 0
	skipped := make(map[string]bool)

	for {
		limit := reapBatch + len(skipped)
		batch, err := r.cfg.Store.ExpiredResults(ctx, cutoff, limit)
		if err != nil {
			r.cfg.Metrics.GateReaped(reaped, failed)
			return reaped, fmt.Errorf("failed to list expired results: %w", err)
		}

		progressed := false
		for _, result := range batch {
			if skipped[result.ID()] {
				continue
			}
			if ref := result.PayloadRef(); ref != "" {
				if err := r.cfg.Payloads.Delete(ctx, ref); err != nil {
					r.log.Warn("failed to delete payload", "result", result.ID(), "err", err)
					skipped[result.ID()] = true
					failed++
					continue
				}
			}
			if err := r.cfg.Store.DeleteResult(ctx, result.ID()); err != nil {
				r.log.Warn("failed to delete result", "result", result.ID(), "err", err)
				skipped[result.ID()] = true
				failed++
				continue
			}
			reaped++
			progressed = true
		}
		if !progressed || len(batch) < limit {
			break
		}
	}

	if reaped > 0 || failed > 0 {
		r.log.Info("reaped expired results", "reaped", reaped, "failed", failed)
	}
	r.cfg.Metrics.GateReaped(reaped, failed)
	return reaped, nil
}
