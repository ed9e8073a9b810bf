// Package changelog reads and acknowledges the append-only change log that
// edge database triggers populate for every tracked write.
package changelog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/campuswap/edgesync/internal/db"
)

// Operation names match what the log triggers record.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// WriteOrigin distinguishes application writes from writes applied by the
// replication worker. Replicated writes run with trigger suppression so they
// are neither re-logged nor clock-bumped on the receiving side.
type WriteOrigin int

const (
	OriginLocal WriteOrigin = iota
	OriginReplication
)

func (o WriteOrigin) String() string {
	if o == OriginReplication {
		return "replication"
	}
	return "local"
}

// Event is one captured row change from an edge's sync_log.
type Event struct {
	LogID      int64
	Table      string
	DataID     int64
	Operation  string
	OldData    []byte
	NewData    []byte
	OccurredAt time.Time
}

// Snapshot decodes the row image relevant to the event's operation: the new
// image for inserts and updates, the old image for deletes. Numbers decode as
// json.Number so snowflake ids survive beyond float64 precision.
func (e Event) Snapshot() (map[string]any, error) {
	raw := e.NewData
	if e.Operation == OpDelete {
		raw = e.OldData
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("event %d has no row image", e.LogID)
	}
	snap, err := decodeImage(raw)
	if err != nil {
		return nil, fmt.Errorf("event %d carries corrupt row image: %w", e.LogID, err)
	}
	return snap, nil
}

// Before decodes the pre-update row image, or nil when the trigger recorded
// none (inserts).
func (e Event) Before() (map[string]any, error) {
	if len(e.OldData) == 0 {
		return nil, nil
	}
	before, err := decodeImage(e.OldData)
	if err != nil {
		return nil, fmt.Errorf("event %d carries corrupt pre-image: %w", e.LogID, err)
	}
	return before, nil
}

func decodeImage(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var image map[string]any
	if err := dec.Decode(&image); err != nil {
		return nil, err
	}
	return image, nil
}

// FetchUnprocessed returns up to limit pending events with log_id greater
// than after, in commit order.
func FetchUnprocessed(ctx context.Context, conn db.PgxIface, after int64, limit int) ([]Event, error) {
	rows, err := conn.Query(ctx,
		`SELECT log_id, table_name, data_id, operation, old_data, new_data, occurred_at
		 FROM sync_log
		 WHERE status = 0 AND log_id > $1
		 ORDER BY log_id
		 LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.LogID, &e.Table, &e.DataID, &e.Operation,
			&e.OldData, &e.NewData, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkProcessed flips events to processed and stamps processed_at. Replaying
// an already processed event is harmless, so this runs outside the apply
// transaction.
func MarkProcessed(ctx context.Context, conn db.PgxIface, logIDs []int64) error {
	if len(logIDs) == 0 {
		return nil
	}
	_, err := conn.Exec(ctx,
		`UPDATE sync_log SET status = 1, processed_at = now() WHERE log_id = ANY($1)`,
		logIDs)
	if err != nil {
		return fmt.Errorf("failed to mark events processed: %w", err)
	}
	return nil
}
