// Package db provides database access for the edgesync replica set.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Role identifies one database in the replica set.
type Role string

const (
	// RoleHub is the coordination database: cursors, topology, conflicts.
	RoleHub Role = "hub"
	// RoleNorth is the north-campus edge database (vector-clock key "N").
	RoleNorth Role = "north"
	// RoleSouth is the south-campus edge database (vector-clock key "S").
	RoleSouth Role = "south"
)

// SupportedRoles lists every role a replication link may reference.
var SupportedRoles = []Role{RoleHub, RoleNorth, RoleSouth}

// IsSupportedRole reports whether r names a database in the replica set.
func IsSupportedRole(r Role) bool {
	for _, s := range SupportedRoles {
		if s == r {
			return true
		}
	}
	return false
}

// ReplicaConfig describes one database of the replica set. It is constructed
// once at startup and injected wherever role-specific behavior is needed.
type ReplicaConfig struct {
	Role     Role
	DSN      string
	WriterID int    // snowflake writer id, 0-1023
	ClockKey string // vector-clock component bumped by local writes ("" for the hub)
}

// TxPolicy is the per-role transaction policy applied at connection open.
type TxPolicy struct {
	Isolation        pgx.TxIsoLevel
	LockTimeout      time.Duration
	StatementTimeout time.Duration
}

// PolicyFor returns the transaction policy for a role. The hub and north
// roles keep the repeatable-read semantics of their original engines; south
// runs read committed.
func PolicyFor(role Role) TxPolicy {
	policy := TxPolicy{
		Isolation:        pgx.ReadCommitted,
		LockTimeout:      10 * time.Second,
		StatementTimeout: 30 * time.Second,
	}
	if role == RoleHub || role == RoleNorth {
		policy.Isolation = pgx.RepeatableRead
	}
	return policy
}

// PgxIface is common interface for every pgx class
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PgxPoolIface is interface representing pgx pool
type PgxPoolIface interface {
	PgxIface
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Close()
	Config() *pgxpool.Config
	Ping(ctx context.Context) error
	Stat() *pgxpool.Stat
}

type ConnConfigCallback = func(*pgxpool.Config) error

// New creates a pool for one replica with its transaction policy applied as
// connection runtime parameters.
func New(ctx context.Context, rc ReplicaConfig, callbacks ...ConnConfigCallback) (PgxPoolIface, error) {
	connConfig, err := pgxpool.ParseConfig(rc.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s DSN: %w", rc.Role, err)
	}
	return NewWithConfig(ctx, rc, connConfig, callbacks...)
}

// NewWithConfig creates a new pool with a given config
func NewWithConfig(ctx context.Context, rc ReplicaConfig, connConfig *pgxpool.Config, callbacks ...ConnConfigCallback) (PgxPoolIface, error) {
	logger := logrus.WithField("role", string(rc.Role))
	if connConfig.ConnConfig.ConnectTimeout == 0 {
		connConfig.ConnConfig.ConnectTimeout = time.Second * 5
	}
	connConfig.MaxConnIdleTime = 15 * time.Second

	policy := PolicyFor(rc.Role)
	params := connConfig.ConnConfig.RuntimeParams
	params["application_name"] = "edgesync"
	params["default_transaction_isolation"] = string(policy.Isolation)
	params["lock_timeout"] = fmt.Sprintf("%dms", policy.LockTimeout.Milliseconds())
	params["statement_timeout"] = fmt.Sprintf("%dms", policy.StatementTimeout.Milliseconds())

	connConfig.ConnConfig.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		logger.WithField("severity", n.Severity).WithField("notice", n.Message).Info("Notice received")
	}
	for _, f := range callbacks {
		if err := f(connConfig); err != nil {
			return nil, err
		}
	}
	return pgxpool.NewWithConfig(ctx, connConfig)
}

// Cluster bundles the pools and replica configuration for the whole set.
type Cluster struct {
	pools    map[Role]PgxPoolIface
	replicas map[Role]ReplicaConfig
	edges    []Role
}

// NewCluster builds a Cluster from already-connected pools. Edge order is
// fixed by SupportedRoles and determines the worker's round-robin order.
func NewCluster(replicas []ReplicaConfig, pools map[Role]PgxPoolIface) (*Cluster, error) {
	c := &Cluster{
		pools:    pools,
		replicas: make(map[Role]ReplicaConfig, len(replicas)),
	}
	for _, rc := range replicas {
		if !IsSupportedRole(rc.Role) {
			return nil, fmt.Errorf("unsupported replica role %q", rc.Role)
		}
		if _, ok := pools[rc.Role]; !ok {
			return nil, fmt.Errorf("no pool for replica role %q", rc.Role)
		}
		c.replicas[rc.Role] = rc
	}
	if _, ok := c.replicas[RoleHub]; !ok {
		return nil, fmt.Errorf("cluster requires a %q replica", RoleHub)
	}
	for _, r := range SupportedRoles {
		if rc, ok := c.replicas[r]; ok && rc.ClockKey != "" {
			c.edges = append(c.edges, r)
		}
	}
	return c, nil
}

// Pool returns the connection pool for a role.
func (c *Cluster) Pool(role Role) PgxPoolIface { return c.pools[role] }

// Hub returns the coordination pool.
func (c *Cluster) Hub() PgxPoolIface { return c.pools[RoleHub] }

// Edges returns the change-log-producing roles in fixed iteration order.
func (c *Cluster) Edges() []Role { return c.edges }

// Roles returns every configured role in fixed order.
func (c *Cluster) Roles() []Role {
	roles := make([]Role, 0, len(c.replicas))
	for _, r := range SupportedRoles {
		if _, ok := c.replicas[r]; ok {
			roles = append(roles, r)
		}
	}
	return roles
}

// ClockKey returns the vector-clock component a role bumps on local writes,
// or "" for roles that do not produce a change log.
func (c *Cluster) ClockKey(role Role) string { return c.replicas[role].ClockKey }

// Close closes every pool.
func (c *Cluster) Close() {
	for _, p := range c.pools {
		p.Close()
	}
}
