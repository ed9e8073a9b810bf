package db

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyFor(t *testing.T) {
	assert.Equal(t, pgx.RepeatableRead, PolicyFor(RoleHub).Isolation)
	assert.Equal(t, pgx.RepeatableRead, PolicyFor(RoleNorth).Isolation)
	assert.Equal(t, pgx.ReadCommitted, PolicyFor(RoleSouth).Isolation)
	assert.NotZero(t, PolicyFor(RoleNorth).LockTimeout)
	assert.NotZero(t, PolicyFor(RoleNorth).StatementTimeout)
}

func TestClassifySQLSTATE(t *testing.T) {
	cases := []struct {
		code string
		want ErrorKind
	}{
		{"40001", KindTransient},
		{"40P01", KindTransient},
		{"55P03", KindTransient},
		{"57014", KindTransient},
		{"23503", KindForeignKeyMissing},
		{"23505", KindUniqueViolation},
		{"42601", KindFatal},
	}
	for _, tc := range cases {
		err := &pgconn.PgError{Code: tc.code, Message: "boom"}
		assert.Equal(t, tc.want, Classify(err), "SQLSTATE %s", tc.code)
	}
}

func TestClassifyMessagePatterns(t *testing.T) {
	assert.Equal(t, KindTransient, Classify(errors.New("Deadlock found when trying to get lock")))
	assert.Equal(t, KindTransient, Classify(errors.New("Lock wait timeout exceeded")))
	assert.Equal(t, KindTransient, Classify(errors.New("could not serialize access due to concurrent update")))
	assert.Equal(t, KindFatal, Classify(errors.New("relation \"nope\" does not exist")))
	assert.Equal(t, KindNone, Classify(nil))
}

func TestApplyResult(t *testing.T) {
	ok := Applied(1)
	assert.True(t, ok.OK())
	assert.Equal(t, KindNone, ok.Kind)

	failed := Failed(&pgconn.PgError{Code: "23505"})
	assert.False(t, failed.OK())
	assert.Equal(t, KindUniqueViolation, failed.Kind)
}

func TestNewCluster(t *testing.T) {
	mockHub, err := pgxmock.NewPool()
	require.NoError(t, err)
	mockNorth, err := pgxmock.NewPool()
	require.NoError(t, err)
	mockSouth, err := pgxmock.NewPool()
	require.NoError(t, err)

	replicas := []ReplicaConfig{
		{Role: RoleHub, WriterID: 0},
		{Role: RoleNorth, WriterID: 1, ClockKey: "N"},
		{Role: RoleSouth, WriterID: 2, ClockKey: "S"},
	}
	pools := map[Role]PgxPoolIface{
		RoleHub:   mockHub,
		RoleNorth: mockNorth,
		RoleSouth: mockSouth,
	}

	cluster, err := NewCluster(replicas, pools)
	require.NoError(t, err)
	assert.Equal(t, []Role{RoleNorth, RoleSouth}, cluster.Edges())
	assert.Equal(t, []Role{RoleHub, RoleNorth, RoleSouth}, cluster.Roles())
	assert.Equal(t, "N", cluster.ClockKey(RoleNorth))
	assert.Equal(t, "", cluster.ClockKey(RoleHub))
	assert.Same(t, cluster.Hub(), cluster.Pool(RoleHub))
}

func TestNewClusterRejectsUnknownRole(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	_, err = NewCluster(
		[]ReplicaConfig{{Role: Role("west")}},
		map[Role]PgxPoolIface{Role("west"): mock},
	)
	assert.Error(t, err)
}

func TestNewClusterRequiresHub(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	_, err = NewCluster(
		[]ReplicaConfig{{Role: RoleNorth, ClockKey: "N"}},
		map[Role]PgxPoolIface{RoleNorth: mock},
	)
	assert.Error(t, err)
}
