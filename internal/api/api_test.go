package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuswap/edgesync/internal/conflict"
	"github.com/campuswap/edgesync/internal/db"
	"github.com/campuswap/edgesync/internal/snowflake"
	"github.com/campuswap/edgesync/internal/sync"
	"github.com/campuswap/edgesync/internal/topology"
)

func newTestServer(t *testing.T) (*Server, pgxmock.PgxPoolIface) {
	t.Helper()
	hub, err := pgxmock.NewPool()
	require.NoError(t, err)
	north, err := pgxmock.NewPool()
	require.NoError(t, err)
	south, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		hub.Close()
		north.Close()
		south.Close()
	})

	cluster, err := db.NewCluster(
		[]db.ReplicaConfig{
			{Role: db.RoleHub, WriterID: 1},
			{Role: db.RoleNorth, WriterID: 2, ClockKey: "N"},
			{Role: db.RoleSouth, WriterID: 3, ClockKey: "S"},
		},
		map[db.Role]db.PgxPoolIface{
			db.RoleHub:   hub,
			db.RoleNorth: north,
			db.RoleSouth: south,
		})
	require.NoError(t, err)

	store := conflict.NewStore(hub, nil, nil)
	resolver := sync.NewResolver(cluster, store, nil)
	signer, err := conflict.NewTokenSigner("test-secret", time.Hour)
	require.NoError(t, err)
	ids, err := snowflake.New(2)
	require.NoError(t, err)
	return NewServer(cluster, store, resolver, signer, ids, nil), hub
}

func TestListLinks(t *testing.T) {
	s, hub := newTestServer(t)
	now := time.Now()
	hub.ExpectQuery(`SELECT id, source, target, mode`).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "source", "target", "mode", "interval_seconds", "enabled",
			"last_run_at", "created_at", "updated_at",
		}).AddRow(int64(1), db.RoleNorth, db.RoleHub, topology.ModeRealtime, 0, true,
			(*time.Time)(nil), now, now))

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/links", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"source":"north"`)
	assert.NoError(t, hub.ExpectationsWereMet())
}

func TestCreateLinkRejectsSameEndpoint(t *testing.T) {
	s, hub := newTestServer(t)

	body := strings.NewReader(`{"source":"north","target":"north","mode":"realtime","enabled":true}`)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/links", body))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "source and target must differ")
	assert.NoError(t, hub.ExpectationsWereMet())
}

func TestCreateLink(t *testing.T) {
	s, hub := newTestServer(t)
	hub.ExpectQuery(`INSERT INTO sync_configs`).
		WithArgs(db.RoleSouth, db.RoleHub, topology.ModeScheduled, 600, true).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(4)))

	body := strings.NewReader(`{"source":"south","target":"hub","mode":"scheduled","interval_seconds":600,"enabled":true}`)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/links", body))

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Contains(t, rr.Body.String(), `"id":4`)
	assert.NoError(t, hub.ExpectationsWereMet())
}

func TestDeleteLinkNotFound(t *testing.T) {
	s, hub := newTestServer(t)
	hub.ExpectExec(`DELETE FROM sync_configs`).
		WithArgs(int64(9)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/links/9", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.NoError(t, hub.ExpectationsWereMet())
}

func TestTriggerSync(t *testing.T) {
	s, hub := newTestServer(t)
	hub.ExpectQuery(`INSERT INTO sync_worker_state`).
		WithArgs(topology.ManualTriggerWorker).
		WillReturnRows(pgxmock.NewRows([]string{"last_event_id"}).AddRow(int64(5)))

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/sync/trigger", nil))

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Contains(t, rr.Body.String(), `"trigger":5`)
	assert.NoError(t, hub.ExpectationsWereMet())
}

func TestStatus(t *testing.T) {
	s, hub := newTestServer(t)
	hub.ExpectQuery(`SELECT last_event_id FROM sync_worker_state`).
		WithArgs("edge_sync_log:north").
		WillReturnRows(pgxmock.NewRows([]string{"last_event_id"}).AddRow(int64(42)))
	hub.ExpectQuery(`SELECT last_event_id FROM sync_worker_state`).
		WithArgs("edge_sync_log:south").
		WillReturnRows(pgxmock.NewRows([]string{"last_event_id"}).AddRow(int64(17)))
	hub.ExpectQuery(`SELECT count\(\*\) FROM conflict_records`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(2)))

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"north":42`)
	assert.Contains(t, rr.Body.String(), `"pending_conflicts":2`)
	assert.NoError(t, hub.ExpectationsWereMet())
}

func TestResolveRejectsForeignToken(t *testing.T) {
	s, hub := newTestServer(t)

	token, err := s.signer.Issue(99)
	require.NoError(t, err)

	body := strings.NewReader(`{"strategy":"source"}`)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/api/conflicts/31/resolve?token="+token, body))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "issued for conflict 99")
	assert.NoError(t, hub.ExpectationsWereMet())
}

func TestResolveRejectsGarbageToken(t *testing.T) {
	s, hub := newTestServer(t)

	body := strings.NewReader(`{"strategy":"source"}`)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/api/conflicts/31/resolve?token=not-a-token", body))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NoError(t, hub.ExpectationsWereMet())
}

func TestAllocateIDs(t *testing.T) {
	s, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/ids?count=3", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"writer":2`)

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/ids?count=5000", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "edgesync_rounds_total")
}
