// Package topology manages the replication topology and worker state kept on
// the hub: which database replicates to which, in what mode, and how far each
// worker has progressed through its source's change log.
package topology

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/campuswap/edgesync/internal/db"
)

// Replication modes.
const (
	ModeRealtime  = "realtime"
	ModeScheduled = "scheduled"
)

// ManualTriggerWorker is the sync_worker_state row used as a counter: the
// operator API bumps it and the worker treats an observed increase as a
// request to run scheduled links immediately.
const ManualTriggerWorker = "manual_trigger"

var (
	ErrSameEndpoint   = errors.New("source and target must differ")
	ErrUnknownRole    = errors.New("unknown replica role")
	ErrSourceNotEdge  = errors.New("replication source must be an edge replica")
	ErrUnknownMode    = errors.New("unknown replication mode")
	ErrLinkNotFound   = errors.New("replication link not found")
	ErrBadInterval    = errors.New("scheduled links need a positive interval")
)

// Link is one directed replication edge of the topology.
type Link struct {
	ID              int64
	Source          db.Role
	Target          db.Role
	Mode            string
	IntervalSeconds int
	Enabled         bool
	LastRunAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Due reports whether the link should run now. Realtime links are always
// due; scheduled links are due once their interval elapsed since the last
// run, or immediately when forced by a manual trigger.
func (l Link) Due(now time.Time, forced bool) bool {
	if !l.Enabled {
		return false
	}
	if l.Mode == ModeRealtime {
		return true
	}
	if forced || l.LastRunAt == nil {
		return true
	}
	return now.Sub(*l.LastRunAt) >= time.Duration(l.IntervalSeconds)*time.Second
}

func validate(l Link) error {
	if !db.IsSupportedRole(l.Source) || !db.IsSupportedRole(l.Target) {
		return ErrUnknownRole
	}
	if l.Source == l.Target {
		return ErrSameEndpoint
	}
	if l.Source == db.RoleHub {
		return ErrSourceNotEdge
	}
	switch l.Mode {
	case ModeRealtime:
	case ModeScheduled:
		if l.IntervalSeconds <= 0 {
			return ErrBadInterval
		}
	default:
		return ErrUnknownMode
	}
	return nil
}

// CreateLink inserts a new replication link and returns its id.
func CreateLink(ctx context.Context, conn db.PgxIface, l Link) (int64, error) {
	if err := validate(l); err != nil {
		return 0, err
	}
	var id int64
	err := conn.QueryRow(ctx,
		`INSERT INTO sync_configs (source, target, mode, interval_seconds, enabled)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		l.Source, l.Target, l.Mode, l.IntervalSeconds, l.Enabled).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create replication link: %w", err)
	}
	return id, nil
}

// UpdateLink rewrites the mutable fields of an existing link.
func UpdateLink(ctx context.Context, conn db.PgxIface, l Link) error {
	if err := validate(l); err != nil {
		return err
	}
	tag, err := conn.Exec(ctx,
		`UPDATE sync_configs
		 SET source = $2, target = $3, mode = $4, interval_seconds = $5,
		     enabled = $6, updated_at = now()
		 WHERE id = $1`,
		l.ID, l.Source, l.Target, l.Mode, l.IntervalSeconds, l.Enabled)
	if err != nil {
		return fmt.Errorf("failed to update replication link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLinkNotFound
	}
	return nil
}

// DeleteLink removes a link from the topology.
func DeleteLink(ctx context.Context, conn db.PgxIface, id int64) error {
	tag, err := conn.Exec(ctx, `DELETE FROM sync_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete replication link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLinkNotFound
	}
	return nil
}

// ListLinks returns the whole topology ordered by id.
func ListLinks(ctx context.Context, conn db.PgxIface) ([]Link, error) {
	rows, err := conn.Query(ctx,
		`SELECT id, source, target, mode, interval_seconds, enabled,
		        last_run_at, created_at, updated_at
		 FROM sync_configs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list replication links: %w", err)
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.ID, &l.Source, &l.Target, &l.Mode, &l.IntervalSeconds,
			&l.Enabled, &l.LastRunAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan replication link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// ResolveDue returns the enabled links that should run in this round, grouped
// by source so one change-log scan can serve every target of that source.
func ResolveDue(ctx context.Context, conn db.PgxIface, now time.Time, forced bool) (map[db.Role][]Link, error) {
	links, err := ListLinks(ctx, conn)
	if err != nil {
		return nil, err
	}
	due := make(map[db.Role][]Link)
	for _, l := range links {
		if l.Due(now, forced) {
			due[l.Source] = append(due[l.Source], l)
		}
	}
	return due, nil
}

// TouchLastRun stamps last_run_at on the given links. Runs that moved no
// events still count, otherwise an idle scheduled link would fire every
// round.
func TouchLastRun(ctx context.Context, conn db.PgxIface, ids []int64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := conn.Exec(ctx,
		`UPDATE sync_configs SET last_run_at = $2, updated_at = now() WHERE id = ANY($1)`,
		ids, now)
	if err != nil {
		return fmt.Errorf("failed to stamp last run: %w", err)
	}
	return nil
}

// CursorName derives the durable cursor name for one edge's change log.
func CursorName(origin db.Role) string {
	return "edge_sync_log:" + string(origin)
}

// LoadCursor returns the last acknowledged change-log id for a worker, or 0
// when the worker has never run.
func LoadCursor(ctx context.Context, conn db.PgxIface, worker string) (int64, error) {
	var last int64
	err := conn.QueryRow(ctx,
		`SELECT last_event_id FROM sync_worker_state WHERE worker_name = $1`,
		worker).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load cursor %s: %w", worker, err)
	}
	return last, nil
}

// StoreCursor persists a worker's cursor. Callers advance it only after
// every target accepted the events up to lastEventID.
func StoreCursor(ctx context.Context, conn db.PgxIface, worker string, lastEventID int64) error {
	_, err := conn.Exec(ctx,
		`INSERT INTO sync_worker_state (worker_name, last_event_id)
		 VALUES ($1, $2)
		 ON CONFLICT (worker_name)
		 DO UPDATE SET last_event_id = EXCLUDED.last_event_id, updated_at = now()`,
		worker, lastEventID)
	if err != nil {
		return fmt.Errorf("failed to store cursor %s: %w", worker, err)
	}
	return nil
}

// ManualTriggerCounter reads the manual trigger counter.
func ManualTriggerCounter(ctx context.Context, conn db.PgxIface) (int64, error) {
	return LoadCursor(ctx, conn, ManualTriggerWorker)
}

// BumpManualTrigger increments the manual trigger counter and returns the
// new value.
func BumpManualTrigger(ctx context.Context, conn db.PgxIface) (int64, error) {
	var counter int64
	err := conn.QueryRow(ctx,
		`INSERT INTO sync_worker_state (worker_name, last_event_id)
		 VALUES ($1, 1)
		 ON CONFLICT (worker_name)
		 DO UPDATE SET last_event_id = sync_worker_state.last_event_id + 1, updated_at = now()
		 RETURNING last_event_id`,
		ManualTriggerWorker).Scan(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to bump manual trigger: %w", err)
	}
	return counter, nil
}

// EnsureDefaults seeds the baseline topology: each edge replicates to the hub
// and to the other edge in realtime. Existing rows are left untouched.
func EnsureDefaults(ctx context.Context, conn db.PgxIface, edges []db.Role) error {
	for _, source := range edges {
		targets := []db.Role{db.RoleHub}
		for _, other := range edges {
			if other != source {
				targets = append(targets, other)
			}
		}
		for _, target := range targets {
			_, err := conn.Exec(ctx,
				`INSERT INTO sync_configs (source, target, mode, enabled)
				 VALUES ($1, $2, $3, true)
				 ON CONFLICT (source, target, mode) DO NOTHING`,
				source, target, ModeRealtime)
			if err != nil {
				return fmt.Errorf("failed to seed link %s->%s: %w", source, target, err)
			}
		}
	}
	return nil
}
