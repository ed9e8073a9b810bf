// Package sync replicates change-log events between the databases of the
// replica set, detecting conflicts with vector clocks.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sirupsen/logrus"

	"github.com/campuswap/edgesync/internal/changelog"
	"github.com/campuswap/edgesync/internal/conflict"
	"github.com/campuswap/edgesync/internal/db"
	"github.com/campuswap/edgesync/internal/metrics"
	"github.com/campuswap/edgesync/internal/vclock"
)

// Outcome classifies what applying one event to one target did.
type Outcome int

const (
	// OutcomeApplied means the target now carries the source's version.
	OutcomeApplied Outcome = iota
	// OutcomeSkipped means the target already had this version or a newer one.
	OutcomeSkipped
	// OutcomeConflict means the versions are concurrent and a conflict record
	// was stored; the event still counts as handled.
	OutcomeConflict
)

const backfillMaxDepth = 4

// Applier applies single change-log events to target databases.
type Applier struct {
	cluster   *db.Cluster
	conflicts *conflict.Store
	logger    *logrus.Entry
}

func NewApplier(cluster *db.Cluster, conflicts *conflict.Store, logger *logrus.Entry) *Applier {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Applier{cluster: cluster, conflicts: conflicts, logger: logger}
}

// Apply replicates one event from origin to target. snap is the event's
// decoded row image. Transient failures surface as errors so the caller can
// retry; concurrent versions are stored as conflicts and reported as handled.
func (a *Applier) Apply(ctx context.Context, origin, target db.Role, e changelog.Event, snap map[string]any) (Outcome, error) {
	source := a.cluster.Pool(origin)
	dest := a.cluster.Pool(target)

	srcClock := vclock.Parse(snap["v_clock"])
	current, err := selectRow(ctx, dest, e.Table, e.DataID)
	if err != nil {
		return OutcomeSkipped, err
	}

	if e.Operation == changelog.OpDelete {
		return a.applyDelete(ctx, origin, target, dest, e, snap, srcClock, current)
	}

	if current == nil {
		return a.applyWrite(ctx, origin, target, source, dest, e, snap)
	}

	tgtClock := vclock.Parse(current["v_clock"])
	switch {
	case srcClock.Equal(tgtClock):
		if !rowsDiffer(snap, current) {
			return OutcomeSkipped, nil
		}
		// equal clocks with drifted fields mean the target was edited around
		// the capture triggers; the replicated version wins
		return a.applyWrite(ctx, origin, target, source, dest, e, snap)
	case srcClock.Dominates(tgtClock):
		return a.applyWrite(ctx, origin, target, source, dest, e, snap)
	case tgtClock.Dominates(srcClock):
		return OutcomeSkipped, nil
	default:
		return a.recordConflict(ctx, origin, target, e, conflict.ReasonConcurrent, srcClock, tgtClock, snap, current)
	}
}

// HealClock repairs rows written around the capture triggers before they are
// replicated: an update whose before/after images changed business fields
// without moving the clock, or an insert missing the origin's own clock
// component. The origin component is bumped on the stored row, under
// suppression, and snap carries the bumped clock onward, so later comparisons
// keep their monotonicity.
func (a *Applier) HealClock(ctx context.Context, origin db.Role, e changelog.Event, snap map[string]any) (bool, error) {
	key := a.cluster.ClockKey(origin)
	if key == "" || e.Operation == changelog.OpDelete {
		return false, nil
	}
	cur := vclock.Parse(snap["v_clock"])
	needsHeal := false
	switch e.Operation {
	case changelog.OpInsert:
		needsHeal = cur[key] == 0
	case changelog.OpUpdate:
		before, err := e.Before()
		if err != nil || before == nil {
			return false, err
		}
		needsHeal = cur.Equal(vclock.Parse(before["v_clock"])) && rowsDiffer(before, snap)
	}
	if !needsHeal {
		return false, nil
	}

	healed := cur.Bump(key)
	snap["v_clock"] = healed
	err := inSuppressedTx(ctx, a.cluster.Pool(origin), func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET v_clock = $1 WHERE id = $2`, e.Table),
			healed.String(), e.DataID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to heal clock on %s/%d: %w", e.Table, e.DataID, err)
	}
	a.logger.WithFields(logrus.Fields{
		"table":  e.Table,
		"record": e.DataID,
		"origin": origin,
	}).Warning("Row written without clock bump, healed origin clock")
	return true, nil
}

func (a *Applier) applyDelete(ctx context.Context, origin, target db.Role, dest db.PgxIface, e changelog.Event, snap map[string]any, srcClock vclock.Clock, current map[string]any) (Outcome, error) {
	if current == nil {
		return OutcomeSkipped, nil
	}
	tgtClock := vclock.Parse(current["v_clock"])
	switch {
	case srcClock.Dominates(tgtClock) || srcClock.Equal(tgtClock):
		if err := deleteRow(ctx, dest, e.Table, e.DataID); err != nil {
			return OutcomeSkipped, err
		}
		return OutcomeApplied, nil
	case tgtClock.Dominates(srcClock):
		// the delete is stale, the target kept writing
		return OutcomeSkipped, nil
	default:
		return a.recordConflict(ctx, origin, target, e, conflict.ReasonDeleteUpdate, srcClock, tgtClock, snap, current)
	}
}

// applyWrite upserts the row, backfilling missing parents and merging
// colliding user identities before giving up.
func (a *Applier) applyWrite(ctx context.Context, origin, target db.Role, source, dest db.PgxIface, e changelog.Event, snap map[string]any) (Outcome, error) {
	res := upsertRow(ctx, dest, e.Table, snap)
	if res.Kind == db.KindForeignKeyMissing {
		if err := a.backfillParents(ctx, source, dest, e.Table, snap, backfillMaxDepth); err != nil {
			return OutcomeSkipped, fmt.Errorf("parent backfill for %s/%d failed: %w", e.Table, e.DataID, err)
		}
		res = upsertRow(ctx, dest, e.Table, snap)
	}
	if res.Kind == db.KindUniqueViolation && e.Table == "users" {
		existingID, found, err := remapIdentity(ctx, dest, snap)
		if err != nil {
			return OutcomeSkipped, err
		}
		if found {
			a.logger.WithFields(logrus.Fields{
				"incoming": e.DataID,
				"existing": existingID,
			}).Info("Merging user registered on both replicas")
			merged := make(map[string]any, len(snap))
			for k, v := range snap {
				merged[k] = v
			}
			merged["id"] = existingID
			res = upsertRow(ctx, dest, e.Table, merged)
		}
	}
	if res.OK() {
		return OutcomeApplied, nil
	}
	if res.Kind == db.KindUniqueViolation {
		srcClock := vclock.Parse(snap["v_clock"])
		return a.recordConflict(ctx, origin, target, e, conflict.ReasonIdentity, srcClock, nil, snap, nil)
	}
	return OutcomeSkipped, fmt.Errorf("failed to apply %s/%d to %s: %w", e.Table, e.DataID, target, res.Err)
}

func (a *Applier) recordConflict(ctx context.Context, origin, target db.Role, e changelog.Event, reason string, srcClock, tgtClock vclock.Clock, snap, current map[string]any) (Outcome, error) {
	_, err := a.conflicts.Create(ctx, conflict.Record{
		Table:    e.Table,
		RecordID: e.DataID,
		Source:   origin,
		Target:   target,
		Payload: conflict.Payload{
			Reason:      reason,
			Operation:   e.Operation,
			SourceClock: srcClock,
			TargetClock: tgtClock,
			SourceRow:   snap,
			TargetRow:   current,
		},
	})
	if err != nil {
		return OutcomeSkipped, err
	}
	metrics.ConflictsDetected.WithLabelValues(e.Table).Inc()
	if err := conflict.BumpDailyStat(ctx, a.cluster.Hub(), true, 1); err != nil {
		a.logger.WithError(err).Warning("Failed to bump conflict counter")
	}
	return OutcomeConflict, nil
}

// selectRow loads one row by id as a column map, or nil when absent.
func selectRow(ctx context.Context, conn db.PgxIface, table string, id int64) (map[string]any, error) {
	rows, err := conn.Query(ctx,
		fmt.Sprintf(`SELECT * FROM %s WHERE id = $1`, table), id)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%d: %w", table, id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s/%d: %w", table, id, err)
	}
	row := make(map[string]any, len(values))
	for i, fd := range rows.FieldDescriptions() {
		row[fd.Name] = values[i]
	}
	return row, nil
}

func rowExists(ctx context.Context, conn db.PgxIface, table string, id int64) (bool, error) {
	var exists bool
	err := conn.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table), id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to probe %s/%d: %w", table, id, err)
	}
	return exists, nil
}

// upsertRow writes a full row image keyed by id, with capture triggers
// suppressed for the transaction so the write is neither re-logged nor
// clock-bumped on the receiving side.
func upsertRow(ctx context.Context, conn db.PgxIface, table string, row map[string]any) db.ApplyResult {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	args := make([]any, 0, len(cols))
	placeholders := make([]string, 0, len(cols))
	updates := make([]string, 0, len(cols))
	for i, col := range cols {
		args = append(args, sqlValue(row[col]))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		if col != "id" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}
	q := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s`,
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		strings.Join(updates, ", "))

	var rowsAffected int64
	err := inSuppressedTx(ctx, conn, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, q, args...)
		if err != nil {
			return err
		}
		rowsAffected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return db.Failed(err)
	}
	return db.Applied(rowsAffected)
}

func deleteRow(ctx context.Context, conn db.PgxIface, table string, id int64) error {
	return inSuppressedTx(ctx, conn, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
		return err
	})
}

// inSuppressedTx runs fn in a transaction with the capture triggers muted.
// SET LOCAL scopes the setting to this transaction only.
func inSuppressedTx(ctx context.Context, conn db.PgxIface, fn func(pgx.Tx) error) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SET LOCAL app.sync_suppress = 'on'`); err != nil {
		return fmt.Errorf("failed to suppress capture triggers: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// sqlValue converts a JSON row-image value into something pgx can bind:
// json.Number keeps integer precision, nested objects go back to JSON text.
func sqlValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return string(raw)
	case vclock.Clock:
		return val.String()
	default:
		return v
	}
}

// rowsDiffer compares two row images on their business columns, ignoring the
// clock and update timestamp. Values may come from a JSON snapshot on one
// side and a live row on the other, so both are canonicalized first.
func rowsDiffer(a, b map[string]any) bool {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	for k := range keys {
		if k == "v_clock" || k == "updated_at" {
			continue
		}
		if canonical(a[k]) != canonical(b[k]) {
			return true
		}
	}
	return false
}

func canonical(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case string:
		if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return t.UTC().Format(time.RFC3339Nano)
		}
		return val
	case json.Number:
		return canonicalNumber(val.String())
	case pgtype.Numeric:
		if dv, err := val.Value(); err == nil {
			if s, ok := dv.(string); ok {
				return canonicalNumber(s)
			}
		}
		return fmt.Sprint(val)
	case map[string]any, []any:
		raw, _ := json.Marshal(val)
		return string(raw)
	default:
		return fmt.Sprint(val)
	}
}

// canonicalNumber strips representation differences like trailing zeros so
// "12.50" from a JSON snapshot matches "12.5" from a live numeric column.
func canonicalNumber(s string) string {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return s
}

func asInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case json.Number:
		i, err := val.Int64()
		return i, err == nil
	case float64:
		return int64(val), true
	default:
		return 0, false
	}
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
