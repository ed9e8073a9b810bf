// Package conflict persists concurrent-write conflicts on the hub and backs
// the operator resolution workflow.
package conflict

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/campuswap/edgesync/internal/db"
	"github.com/campuswap/edgesync/internal/vclock"
)

// Conflict statuses.
const (
	StatusPending  = "pending"
	StatusResolved = "resolved"
	StatusIgnored  = "ignored"
)

// Reasons a record pair is flagged.
const (
	ReasonConcurrent   = "update_conflict"
	ReasonDeleteUpdate = "delete_conflict"
	ReasonIdentity     = "identity_collision"
)

// Payload is the evidence captured when a conflict is detected: both row
// images and both clocks, as seen at detection time.
type Payload struct {
	Reason      string       `json:"reason"`
	Operation   string       `json:"operation"`
	SourceClock vclock.Clock `json:"source_clock"`
	TargetClock vclock.Clock `json:"target_clock"`
	SourceRow   map[string]any `json:"source_row,omitempty"`
	TargetRow   map[string]any `json:"target_row,omitempty"`
}

// Record is one stored conflict.
type Record struct {
	ID             int64
	Table          string
	RecordID       int64
	Source         db.Role
	Target         db.Role
	Payload        Payload
	Resolved       bool
	Status         string
	ResolutionNote string
	ResolvedBy     *int64
	ResolvedAt     *time.Time
	CreatedAt      time.Time
}

// Signature groups conflicts that describe the same disagreement: same row,
// same reason, same clock pair regardless of which side reported first.
func (r Record) Signature() string {
	a := r.Payload.SourceClock.String()
	b := r.Payload.TargetClock.String()
	if b < a {
		a, b = b, a
	}
	return strings.Join([]string{
		r.Table, strconv.FormatInt(r.RecordID, 10), r.Payload.Reason, a, b,
	}, "|")
}

// Store reads and writes conflict records on the hub.
type Store struct {
	conn     db.PgxIface
	notifier Notifier
	logger   *logrus.Entry
}

// NewStore wires a conflict store. notifier may be nil when notifications
// are disabled.
func NewStore(conn db.PgxIface, notifier Notifier, logger *logrus.Entry) *Store {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{conn: conn, notifier: notifier, logger: logger}
}

// Create records a detected conflict and notifies operators. Notification
// failures are logged and swallowed: losing a mail must never fail the sync
// round.
func (s *Store) Create(ctx context.Context, r Record) (int64, error) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode conflict payload: %w", err)
	}
	var id int64
	err = s.conn.QueryRow(ctx,
		`INSERT INTO conflict_records (table_name, record_id, source, target, payload, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		r.Table, r.RecordID, r.Source, r.Target, payload, StatusPending).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to store conflict: %w", err)
	}

	if s.notifier != nil {
		r.ID = id
		if err := s.notifier.ConflictDetected(r); err != nil {
			s.logger.WithError(err).WithField("conflict_id", id).
				Warning("Conflict notification failed")
		}
	}
	return id, nil
}

// Filter narrows List output.
type Filter struct {
	Table    string
	Resolved *bool
	ShowAll  bool // include duplicate reports of the same disagreement
	Limit    int
	Offset   int
}

// List returns conflicts newest first. Unless ShowAll is set, duplicate
// records with the same signature are collapsed to their newest report and
// the duplicate count is returned per record.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, map[int64]int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	var (
		where []string
		args  []any
	)
	if f.Table != "" {
		args = append(args, f.Table)
		where = append(where, fmt.Sprintf("table_name = $%d", len(args)))
	}
	if f.Resolved != nil {
		args = append(args, *f.Resolved)
		where = append(where, fmt.Sprintf("resolved = $%d", len(args)))
	}
	q := `SELECT id, table_name, record_id, source, target, payload, resolved,
	             status, COALESCE(resolution_note, ''), resolved_by, resolved_at, created_at
	      FROM conflict_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"

	rows, err := s.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var all []Record
	for rows.Next() {
		var (
			r   Record
			raw []byte
		)
		if err := rows.Scan(&r.ID, &r.Table, &r.RecordID, &r.Source, &r.Target, &raw,
			&r.Resolved, &r.Status, &r.ResolutionNote, &r.ResolvedBy, &r.ResolvedAt,
			&r.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &r.Payload); err != nil {
				s.logger.WithField("conflict_id", r.ID).
					Warning("Conflict payload is not valid JSON, keeping record with empty payload")
			}
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	duplicates := make(map[int64]int)
	if !f.ShowAll {
		seen := make(map[string]int64)
		kept := all[:0]
		for _, r := range all {
			sig := r.Signature()
			if leader, ok := seen[sig]; ok {
				duplicates[leader]++
				continue
			}
			seen[sig] = r.ID
			kept = append(kept, r)
		}
		all = kept
	}

	if f.Offset >= len(all) {
		return nil, duplicates, nil
	}
	all = all[f.Offset:]
	if len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, duplicates, nil
}

// Get returns one conflict by id.
func (s *Store) Get(ctx context.Context, id int64) (Record, error) {
	var (
		r   Record
		raw []byte
	)
	err := s.conn.QueryRow(ctx,
		`SELECT id, table_name, record_id, source, target, payload, resolved,
		        status, COALESCE(resolution_note, ''), resolved_by, resolved_at, created_at
		 FROM conflict_records WHERE id = $1`, id).
		Scan(&r.ID, &r.Table, &r.RecordID, &r.Source, &r.Target, &raw,
			&r.Resolved, &r.Status, &r.ResolutionNote, &r.ResolvedBy, &r.ResolvedAt,
			&r.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("failed to load conflict %d: %w", id, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &r.Payload); err != nil {
			return Record{}, fmt.Errorf("conflict %d payload is corrupt: %w", id, err)
		}
	}
	return r, nil
}

// MarkResolved closes a conflict and every duplicate report sharing its
// signature, so operators resolve a disagreement once. Returns the number of
// records closed.
func (s *Store) MarkResolved(ctx context.Context, id int64, resolvedBy *int64, status, note string) (int, error) {
	if status != StatusResolved && status != StatusIgnored {
		return 0, fmt.Errorf("invalid resolution status %q", status)
	}
	leader, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	open, _, err := s.List(ctx, Filter{
		Table:    leader.Table,
		Resolved: boolPtr(false),
		ShowAll:  true,
		Limit:    1000,
	})
	if err != nil {
		return 0, err
	}
	sig := leader.Signature()
	ids := []int64{id}
	for _, r := range open {
		if r.ID != id && r.Signature() == sig {
			ids = append(ids, r.ID)
		}
	}

	tag, err := s.conn.Exec(ctx,
		`UPDATE conflict_records
		 SET resolved = true, status = $2, resolution_note = $3,
		     resolved_by = $4, resolved_at = now(), updated_at = now()
		 WHERE id = ANY($1) AND resolved = false`,
		ids, status, note, resolvedBy)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve conflict %d: %w", id, err)
	}
	return int(tag.RowsAffected()), nil
}

// ExportCSV writes the filtered conflicts as CSV, one row per record.
func (s *Store) ExportCSV(ctx context.Context, w io.Writer, f Filter) error {
	f.ShowAll = true
	if f.Limit <= 0 {
		f.Limit = 10000
	}
	records, _, err := s.List(ctx, f)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{"id", "table", "record_id", "source", "target", "reason",
		"source_clock", "target_clock", "status", "resolved", "created_at"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, r := range records {
		row := []string{
			strconv.FormatInt(r.ID, 10),
			r.Table,
			strconv.FormatInt(r.RecordID, 10),
			string(r.Source),
			string(r.Target),
			r.Payload.Reason,
			r.Payload.SourceClock.String(),
			r.Payload.TargetClock.String(),
			r.Status,
			strconv.FormatBool(r.Resolved),
			r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// CountPending returns the number of unresolved conflicts, for the status
// endpoint.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.conn.QueryRow(ctx,
		`SELECT count(*) FROM conflict_records WHERE resolved = false`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending conflicts: %w", err)
	}
	return n, nil
}

// BumpDailyStat increments today's success or conflict counter.
func BumpDailyStat(ctx context.Context, conn db.PgxIface, conflicts bool, delta int) error {
	column := "sync_success_count"
	if conflicts {
		column = "sync_conflict_count"
	}
	q := fmt.Sprintf(
		`INSERT INTO daily_stats (stat_date, %[1]s) VALUES (current_date, $1)
		 ON CONFLICT (stat_date) DO UPDATE SET %[1]s = daily_stats.%[1]s + EXCLUDED.%[1]s`,
		column)
	if _, err := conn.Exec(ctx, q, delta); err != nil {
		return fmt.Errorf("failed to bump daily stats: %w", err)
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
