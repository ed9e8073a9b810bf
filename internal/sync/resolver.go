package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/campuswap/edgesync/internal/conflict"
	"github.com/campuswap/edgesync/internal/db"
	"github.com/campuswap/edgesync/internal/metrics"
	"github.com/campuswap/edgesync/internal/vclock"
)

// Strategy selects which version wins a conflict.
type Strategy string

const (
	// StrategySource keeps the version of the replica that reported the
	// conflict.
	StrategySource Strategy = "source"
	// StrategyTarget keeps the version the target had.
	StrategyTarget Strategy = "target"
	// StrategyManual closes the conflict without replicating anything: the
	// operator already reconciled the data out of band.
	StrategyManual Strategy = "manual"
)

var (
	ErrAlreadyResolved = errors.New("conflict is already resolved")
	ErrUnknownStrategy = errors.New("unknown resolution strategy")
)

// ResolveRequest is one operator decision.
type ResolveRequest struct {
	ConflictID int64
	Strategy   Strategy
	ResolvedBy *int64
	Note       string
}

// Resolver executes operator conflict decisions: it writes the winning
// version to both disagreeing databases and the hub, then closes the whole
// conflict group.
type Resolver struct {
	cluster *db.Cluster
	store   *conflict.Store
	applier *Applier
	logger  *logrus.Entry
}

func NewResolver(cluster *db.Cluster, store *conflict.Store, logger *logrus.Entry) *Resolver {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Resolver{
		cluster: cluster,
		store:   store,
		applier: NewApplier(cluster, store, logger),
		logger:  logger,
	}
}

// Resolve applies one decision and returns how many conflict records it
// closed.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (int, error) {
	rec, err := r.store.Get(ctx, req.ConflictID)
	if err != nil {
		return 0, err
	}
	if rec.Resolved {
		return 0, ErrAlreadyResolved
	}

	note := req.Note
	switch req.Strategy {
	case StrategyManual:
		note = appendNote(note, "resolved manually without replication")
	case StrategySource, StrategyTarget:
		winner, winnerRole, err := r.pickWinner(ctx, rec, req)
		if err != nil {
			return 0, err
		}
		if winner == nil {
			// the record vanished from both sides since detection, nothing to
			// replicate
			note = appendNote(note, "record gone on both sides, closed without replication")
		} else if err := r.replicateWinner(ctx, rec, winner, winnerRole); err != nil {
			return 0, err
		}
	default:
		return 0, ErrUnknownStrategy
	}

	closed, err := r.store.MarkResolved(ctx, req.ConflictID, req.ResolvedBy, conflict.StatusResolved, note)
	if err != nil {
		return 0, err
	}
	metrics.ConflictsResolved.Add(float64(closed))
	r.logger.WithFields(logrus.Fields{
		"conflict_id": req.ConflictID,
		"strategy":    req.Strategy,
		"closed":      closed,
	}).Info("Conflict resolved")
	return closed, nil
}

// pickWinner loads the winning row and reports which replica it came from.
// When the preferred side no longer has the record, the other side's copy
// wins instead.
func (r *Resolver) pickWinner(ctx context.Context, rec conflict.Record, req ResolveRequest) (map[string]any, db.Role, error) {
	first, second := rec.Source, rec.Target
	if req.Strategy == StrategyTarget {
		first, second = second, first
	}
	row, err := selectRow(ctx, r.cluster.Pool(first), rec.Table, rec.RecordID)
	if err != nil {
		return nil, first, err
	}
	if row != nil {
		return row, first, nil
	}
	row, err = selectRow(ctx, r.cluster.Pool(second), rec.Table, rec.RecordID)
	return row, second, err
}

// replicateWinner stamps the winner with a clock that dominates both
// conflicting versions and writes it to the hub and both disagreeing
// replicas, capture triggers suppressed. Missing parents at a target are
// backfilled from the replica the winner came from, and transient failures
// are retried.
func (r *Resolver) replicateWinner(ctx context.Context, rec conflict.Record, winner map[string]any, from db.Role) error {
	merged := vclock.Merge(rec.Payload.SourceClock, rec.Payload.TargetClock)
	merged = vclock.Merge(merged, vclock.Parse(winner["v_clock"]))

	key := r.cluster.ClockKey(rec.Source)
	if key == "" {
		key = r.cluster.ClockKey(rec.Target)
	}
	if key != "" {
		merged = merged.Bump(key)
	}
	winner["v_clock"] = merged

	source := r.cluster.Pool(from)
	for _, role := range dedupeRoles(rec.Source, rec.Target, db.RoleHub) {
		pool := r.cluster.Pool(role)
		if pool == nil {
			continue
		}
		err := db.RetryTransient(ctx, func() error {
			res := upsertRow(ctx, pool, rec.Table, winner)
			if res.Kind == db.KindForeignKeyMissing && source != nil {
				if berr := r.applier.backfillParents(ctx, source, pool, rec.Table, winner, backfillMaxDepth); berr != nil {
					return berr
				}
				res = upsertRow(ctx, pool, rec.Table, winner)
			}
			if !res.OK() {
				return res.Err
			}
			return nil
		}, "resolve "+rec.Table)
		if err != nil {
			return fmt.Errorf("failed to write winner to %s: %w", role, err)
		}
	}
	return nil
}

func appendNote(note, extra string) string {
	if note == "" {
		return extra
	}
	return note + "; " + extra
}

func dedupeRoles(roles ...db.Role) []db.Role {
	seen := make(map[db.Role]struct{}, len(roles))
	out := roles[:0]
	for _, role := range roles {
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}
