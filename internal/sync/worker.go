package sync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/campuswap/edgesync/internal/changelog"
	"github.com/campuswap/edgesync/internal/conflict"
	"github.com/campuswap/edgesync/internal/db"
	"github.com/campuswap/edgesync/internal/metrics"
	"github.com/campuswap/edgesync/internal/topology"
)

// Config tunes the worker loop.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// DefaultConfig returns the worker defaults: poll every two seconds, move at
// most 200 events per origin per round.
func DefaultConfig() Config {
	return Config{Interval: 2 * time.Second, BatchSize: 200}
}

// Worker drains the edges' change logs and replicates events along the
// configured links. One worker serves the whole replica set.
type Worker struct {
	cluster   *db.Cluster
	applier   *Applier
	conflicts *conflict.Store
	logger    *logrus.Entry
	cfg       Config

	lastManual int64
	manualSeen bool
}

func NewWorker(cluster *db.Cluster, conflicts *conflict.Store, logger *logrus.Entry, cfg Config) *Worker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Worker{
		cluster:   cluster,
		applier:   NewApplier(cluster, conflicts, logger),
		conflicts: conflicts,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run executes rounds until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.WithField("interval", w.cfg.Interval).Info("Sync worker started")
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := w.RunRound(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.WithError(err).Error("Sync round failed")
		}
		select {
		case <-ctx.Done():
			w.logger.Info("Sync worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunRound performs one pass over every due link. A failure on one origin
// does not stop the others.
func (w *Worker) RunRound(ctx context.Context) error {
	started := time.Now()
	hub := w.cluster.Hub()

	counter, err := topology.ManualTriggerCounter(ctx, hub)
	if err != nil {
		return err
	}
	forced := w.manualSeen && counter > w.lastManual
	w.lastManual = counter
	w.manualSeen = true
	if forced {
		w.logger.Info("Manual trigger observed, running scheduled links now")
	}

	due, err := topology.ResolveDue(ctx, hub, time.Now(), forced)
	if err != nil {
		return err
	}

	for _, origin := range w.cluster.Edges() {
		links := due[origin]
		if len(links) == 0 {
			continue
		}
		if err := w.syncOrigin(ctx, origin, links); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// the cursor was not advanced past the failure, the next round
			// resumes there
			w.logger.WithError(err).WithField("origin", origin).
				Error("Replication from origin halted")
		}
	}

	if pending, err := w.conflicts.CountPending(ctx); err == nil {
		metrics.PendingConflicts.Set(float64(pending))
	}
	metrics.RoundsTotal.Inc()
	metrics.RoundDuration.Observe(time.Since(started).Seconds())
	return nil
}

// syncOrigin moves one batch from origin's change log to every due target.
// Events are applied in commit order and the cursor advances only past
// events every target accepted.
func (w *Worker) syncOrigin(ctx context.Context, origin db.Role, links []topology.Link) error {
	hub := w.cluster.Hub()
	edge := w.cluster.Pool(origin)
	cursorName := topology.CursorName(origin)

	linkIDs := make([]int64, len(links))
	for i, l := range links {
		linkIDs[i] = l.ID
	}
	// idle scheduled links still count as a run
	defer func() {
		if err := topology.TouchLastRun(ctx, hub, linkIDs, time.Now()); err != nil {
			w.logger.WithError(err).Warning("Failed to stamp link run time")
		}
	}()

	cursor, err := topology.LoadCursor(ctx, hub, cursorName)
	if err != nil {
		return err
	}
	events, err := changelog.FetchUnprocessed(ctx, edge, cursor, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	var (
		processed []int64
		applied   int
		haltErr   error
	)
	for _, e := range events {
		if !isTracked(e.Table) {
			metrics.EventsSkipped.WithLabelValues(string(origin), "untracked").Inc()
			processed = append(processed, e.LogID)
			cursor = e.LogID
			continue
		}
		snap, err := e.Snapshot()
		if err != nil {
			w.logger.WithError(err).WithFields(logrus.Fields{
				"origin": origin,
				"log_id": e.LogID,
			}).Warning("Skipping event with unusable row image")
			metrics.EventsSkipped.WithLabelValues(string(origin), "corrupt").Inc()
			processed = append(processed, e.LogID)
			cursor = e.LogID
			continue
		}
		// repair uninstrumented origin writes before the event fans out
		if _, err := w.applier.HealClock(ctx, origin, e, snap); err != nil {
			haltErr = err
			break
		}

		for _, link := range links {
			outcome, err := w.applyWithRetry(ctx, origin, link.Target, e, snap)
			if err != nil {
				haltErr = err
				break
			}
			switch outcome {
			case OutcomeApplied:
				metrics.EventsReplicated.WithLabelValues(string(origin), string(link.Target)).Inc()
				applied++
			case OutcomeSkipped:
				metrics.EventsSkipped.WithLabelValues(string(origin), "stale").Inc()
			}
		}
		if haltErr != nil {
			break
		}
		processed = append(processed, e.LogID)
		cursor = e.LogID
	}

	if len(processed) > 0 {
		if err := topology.StoreCursor(ctx, hub, cursorName, cursor); err != nil {
			return err
		}
		metrics.CursorPosition.WithLabelValues(string(origin)).Set(float64(cursor))
		if err := changelog.MarkProcessed(ctx, edge, processed); err != nil {
			return err
		}
		if applied > 0 {
			if err := conflict.BumpDailyStat(ctx, hub, false, applied); err != nil {
				w.logger.WithError(err).Warning("Failed to bump success counter")
			}
		}
	}
	return haltErr
}

// applyWithRetry retries transient apply failures with backoff; every other
// error surfaces immediately.
func (w *Worker) applyWithRetry(ctx context.Context, origin, target db.Role, e changelog.Event, snap map[string]any) (Outcome, error) {
	var outcome Outcome
	attempts := 0
	err := db.RetryTransient(ctx, func() error {
		attempts++
		var err error
		outcome, err = w.applier.Apply(ctx, origin, target, e, snap)
		return err
	}, "apply "+e.Table)
	if attempts > 1 {
		metrics.ApplyRetries.Add(float64(attempts - 1))
	}
	return outcome, err
}

func isTracked(table string) bool {
	_, ok := parentRefs[table]
	return ok
}
