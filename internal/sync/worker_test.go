package sync

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuswap/edgesync/internal/conflict"
	"github.com/campuswap/edgesync/internal/db"
	"github.com/campuswap/edgesync/internal/topology"
)

func linkRows(links ...topology.Link) *pgxmock.Rows {
	now := time.Now()
	rows := pgxmock.NewRows([]string{
		"id", "source", "target", "mode", "interval_seconds", "enabled",
		"last_run_at", "created_at", "updated_at",
	})
	for _, l := range links {
		rows.AddRow(l.ID, l.Source, l.Target, l.Mode, l.IntervalSeconds, l.Enabled,
			l.LastRunAt, now, now)
	}
	return rows
}

func TestRunRoundMovesBatchAndAdvancesCursor(t *testing.T) {
	tc := newTestCluster(t)
	w := NewWorker(tc.cluster, conflict.NewStore(tc.hub, nil, nil), nil, Config{})

	now := time.Now()
	tc.hub.ExpectQuery(`SELECT last_event_id FROM sync_worker_state`).
		WithArgs(topology.ManualTriggerWorker).
		WillReturnRows(pgxmock.NewRows([]string{"last_event_id"}))
	tc.hub.ExpectQuery(`SELECT id, source, target, mode`).
		WillReturnRows(linkRows(topology.Link{
			ID: 1, Source: db.RoleNorth, Target: db.RoleSouth,
			Mode: topology.ModeRealtime, Enabled: true,
		}))
	tc.hub.ExpectQuery(`SELECT last_event_id FROM sync_worker_state`).
		WithArgs("edge_sync_log:north").
		WillReturnRows(pgxmock.NewRows([]string{"last_event_id"}).AddRow(int64(5)))

	tc.north.ExpectQuery(`SELECT log_id, table_name, data_id`).
		WithArgs(int64(5), 200).
		WillReturnRows(pgxmock.NewRows([]string{
			"log_id", "table_name", "data_id", "operation", "old_data", "new_data", "occurred_at",
		}).
			// audit tables are not replicated: skip and advance
			AddRow(int64(6), "audit_log", int64(1), "INSERT", []byte(nil), []byte(`{"id":1}`), now).
			AddRow(int64(7), "items", int64(7), "INSERT", []byte(nil),
				[]byte(`{"id":7,"title":"lamp","v_clock":{"N":1}}`), now))

	tc.south.ExpectQuery(`SELECT \* FROM items WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows(itemColumns()))
	tc.south.ExpectBegin()
	tc.south.ExpectExec(`SET LOCAL app\.sync_suppress`).
		WillReturnResult(pgxmock.NewResult("SET", 0))
	tc.south.ExpectExec(`INSERT INTO items`).
		WithArgs(int64(7), "lamp", `{"N":1}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	tc.south.ExpectCommit()

	tc.hub.ExpectExec(`INSERT INTO sync_worker_state`).
		WithArgs("edge_sync_log:north", int64(7)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	tc.north.ExpectExec(`UPDATE sync_log SET status = 1`).
		WithArgs([]int64{6, 7}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	tc.hub.ExpectExec(`INSERT INTO daily_stats \(stat_date, sync_success_count\)`).
		WithArgs(1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	tc.hub.ExpectExec(`UPDATE sync_configs SET last_run_at`).
		WithArgs([]int64{1}, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	tc.hub.ExpectQuery(`SELECT count\(\*\) FROM conflict_records`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))

	require.NoError(t, w.RunRound(context.Background()))
	tc.verify(t)
}

func TestRunRoundHealsUninstrumentedWrite(t *testing.T) {
	tc := newTestCluster(t)
	w := NewWorker(tc.cluster, conflict.NewStore(tc.hub, nil, nil), nil, Config{})

	now := time.Now()
	tc.hub.ExpectQuery(`SELECT last_event_id FROM sync_worker_state`).
		WithArgs(topology.ManualTriggerWorker).
		WillReturnRows(pgxmock.NewRows([]string{"last_event_id"}))
	tc.hub.ExpectQuery(`SELECT id, source, target, mode`).
		WillReturnRows(linkRows(topology.Link{
			ID: 1, Source: db.RoleNorth, Target: db.RoleSouth,
			Mode: topology.ModeRealtime, Enabled: true,
		}))
	tc.hub.ExpectQuery(`SELECT last_event_id FROM sync_worker_state`).
		WithArgs("edge_sync_log:north").
		WillReturnRows(pgxmock.NewRows([]string{"last_event_id"}).AddRow(int64(5)))

	// the title changed but the clock did not: a write bypassed the triggers
	tc.north.ExpectQuery(`SELECT log_id, table_name, data_id`).
		WithArgs(int64(5), 200).
		WillReturnRows(pgxmock.NewRows([]string{
			"log_id", "table_name", "data_id", "operation", "old_data", "new_data", "occurred_at",
		}).AddRow(int64(6), "items", int64(7), "UPDATE",
			[]byte(`{"id":7,"title":"lamp","v_clock":{"N":1}}`),
			[]byte(`{"id":7,"title":"fancy lamp","v_clock":{"N":1}}`), now))

	// the origin row is repaired first
	tc.north.ExpectBegin()
	tc.north.ExpectExec(`SET LOCAL app\.sync_suppress`).
		WillReturnResult(pgxmock.NewResult("SET", 0))
	tc.north.ExpectExec(`UPDATE items SET v_clock = \$1 WHERE id = \$2`).
		WithArgs(`{"N":2}`, int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	tc.north.ExpectCommit()

	// the healed clock dominates the target's version, the change replicates
	tc.south.ExpectQuery(`SELECT \* FROM items WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows(itemColumns()).
			AddRow(int64(7), "lamp", map[string]any{"N": float64(1)}))
	tc.south.ExpectBegin()
	tc.south.ExpectExec(`SET LOCAL app\.sync_suppress`).
		WillReturnResult(pgxmock.NewResult("SET", 0))
	tc.south.ExpectExec(`INSERT INTO items`).
		WithArgs(int64(7), "fancy lamp", `{"N":2}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	tc.south.ExpectCommit()

	tc.hub.ExpectExec(`INSERT INTO sync_worker_state`).
		WithArgs("edge_sync_log:north", int64(6)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	tc.north.ExpectExec(`UPDATE sync_log SET status = 1`).
		WithArgs([]int64{6}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	tc.hub.ExpectExec(`INSERT INTO daily_stats \(stat_date, sync_success_count\)`).
		WithArgs(1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	tc.hub.ExpectExec(`UPDATE sync_configs SET last_run_at`).
		WithArgs([]int64{1}, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	tc.hub.ExpectQuery(`SELECT count\(\*\) FROM conflict_records`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))

	require.NoError(t, w.RunRound(context.Background()))
	tc.verify(t)
}

func TestRunRoundHaltsOriginOnFatalError(t *testing.T) {
	tc := newTestCluster(t)
	w := NewWorker(tc.cluster, conflict.NewStore(tc.hub, nil, nil), nil, Config{})

	now := time.Now()
	tc.hub.ExpectQuery(`SELECT last_event_id FROM sync_worker_state`).
		WithArgs(topology.ManualTriggerWorker).
		WillReturnRows(pgxmock.NewRows([]string{"last_event_id"}))
	tc.hub.ExpectQuery(`SELECT id, source, target, mode`).
		WillReturnRows(linkRows(topology.Link{
			ID: 1, Source: db.RoleNorth, Target: db.RoleSouth,
			Mode: topology.ModeRealtime, Enabled: true,
		}))
	tc.hub.ExpectQuery(`SELECT last_event_id FROM sync_worker_state`).
		WithArgs("edge_sync_log:north").
		WillReturnRows(pgxmock.NewRows([]string{"last_event_id"}).AddRow(int64(5)))

	tc.north.ExpectQuery(`SELECT log_id, table_name, data_id`).
		WithArgs(int64(5), 200).
		WillReturnRows(pgxmock.NewRows([]string{
			"log_id", "table_name", "data_id", "operation", "old_data", "new_data", "occurred_at",
		}).AddRow(int64(6), "items", int64(7), "INSERT", []byte(nil),
			[]byte(`{"id":7,"title":"lamp","v_clock":{"N":1}}`), now))

	tc.south.ExpectQuery(`SELECT \* FROM items WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnError(assert.AnError)

	// the cursor must not move past the failed event
	tc.hub.ExpectExec(`UPDATE sync_configs SET last_run_at`).
		WithArgs([]int64{1}, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	tc.hub.ExpectQuery(`SELECT count\(\*\) FROM conflict_records`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))

	require.NoError(t, w.RunRound(context.Background()), "one origin failing must not fail the round")
	tc.verify(t)
}

func TestManualTriggerForcesScheduledLinks(t *testing.T) {
	tc := newTestCluster(t)
	w := NewWorker(tc.cluster, conflict.NewStore(tc.hub, nil, nil), nil, Config{})
	w.manualSeen = true
	w.lastManual = 2

	recent := time.Now().Add(-time.Second)
	tc.hub.ExpectQuery(`SELECT last_event_id FROM sync_worker_state`).
		WithArgs(topology.ManualTriggerWorker).
		WillReturnRows(pgxmock.NewRows([]string{"last_event_id"}).AddRow(int64(3)))
	tc.hub.ExpectQuery(`SELECT id, source, target, mode`).
		WillReturnRows(linkRows(topology.Link{
			ID: 2, Source: db.RoleSouth, Target: db.RoleHub,
			Mode: topology.ModeScheduled, IntervalSeconds: 3600,
			Enabled: true, LastRunAt: &recent,
		}))
	tc.hub.ExpectQuery(`SELECT last_event_id FROM sync_worker_state`).
		WithArgs("edge_sync_log:south").
		WillReturnRows(pgxmock.NewRows([]string{"last_event_id"}).AddRow(int64(0)))

	tc.south.ExpectQuery(`SELECT log_id, table_name, data_id`).
		WithArgs(int64(0), 200).
		WillReturnRows(pgxmock.NewRows([]string{
			"log_id", "table_name", "data_id", "operation", "old_data", "new_data", "occurred_at",
		}))

	// an empty forced run still counts as a run
	tc.hub.ExpectExec(`UPDATE sync_configs SET last_run_at`).
		WithArgs([]int64{2}, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	tc.hub.ExpectQuery(`SELECT count\(\*\) FROM conflict_records`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))

	require.NoError(t, w.RunRound(context.Background()))
	assert.Equal(t, int64(3), w.lastManual)
	tc.verify(t)
}
