// Package migrations contains schema definitions for the hub and edge
// databases of the edgesync replica set.
package migrations

import (
	"context"
	"fmt"
	"strings"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// TrackedTables lists the business tables replicated between databases.
// Writes to any other table are ignored by the sync worker.
var TrackedTables = []string{
	"users",
	"user_profiles",
	"items",
	"item_images",
	"transactions",
	"messages",
	"favorites",
}

// businessSchema is shared by all three replicas. Row ids are snowflake ids
// generated in the application, so no table uses a serial primary key.
// Every tracked table carries a v_clock column next to its business columns.
const businessSchema = `
	CREATE TABLE campuses (
		id bigint PRIMARY KEY,
		name text NOT NULL UNIQUE,
		code text NOT NULL UNIQUE,
		created_at timestamp with time zone NOT NULL DEFAULT now(),
		updated_at timestamp with time zone NOT NULL DEFAULT now()
	);

	CREATE TABLE categories (
		id bigint PRIMARY KEY,
		name text NOT NULL UNIQUE,
		parent_id bigint REFERENCES categories(id),
		created_at timestamp with time zone NOT NULL DEFAULT now(),
		updated_at timestamp with time zone NOT NULL DEFAULT now()
	);

	CREATE TABLE users (
		id bigint PRIMARY KEY,
		username text NOT NULL UNIQUE,
		email text NOT NULL UNIQUE,
		student_id text UNIQUE,
		password_hash text NOT NULL,
		campus_id bigint REFERENCES campuses(id),
		is_active boolean NOT NULL DEFAULT true,
		created_at timestamp with time zone NOT NULL DEFAULT now(),
		updated_at timestamp with time zone NOT NULL DEFAULT now(),
		v_clock jsonb NOT NULL DEFAULT '{}'
	);

	CREATE TABLE user_profiles (
		id bigint PRIMARY KEY,
		user_id bigint NOT NULL UNIQUE REFERENCES users(id),
		nickname text,
		avatar_url text,
		bio text,
		created_at timestamp with time zone NOT NULL DEFAULT now(),
		updated_at timestamp with time zone NOT NULL DEFAULT now(),
		v_clock jsonb NOT NULL DEFAULT '{}'
	);

	CREATE TABLE items (
		id bigint PRIMARY KEY,
		seller_id bigint NOT NULL REFERENCES users(id),
		category_id bigint REFERENCES categories(id),
		campus_id bigint REFERENCES campuses(id),
		title text NOT NULL,
		description text,
		price numeric(10,2) NOT NULL DEFAULT 0,
		status text NOT NULL DEFAULT 'active',
		created_at timestamp with time zone NOT NULL DEFAULT now(),
		updated_at timestamp with time zone NOT NULL DEFAULT now(),
		v_clock jsonb NOT NULL DEFAULT '{}'
	);

	CREATE TABLE item_images (
		id bigint PRIMARY KEY,
		item_id bigint NOT NULL REFERENCES items(id),
		url text NOT NULL,
		sort_order integer NOT NULL DEFAULT 0,
		created_at timestamp with time zone NOT NULL DEFAULT now(),
		updated_at timestamp with time zone NOT NULL DEFAULT now(),
		v_clock jsonb NOT NULL DEFAULT '{}'
	);

	CREATE TABLE transactions (
		id bigint PRIMARY KEY,
		item_id bigint NOT NULL REFERENCES items(id),
		buyer_id bigint NOT NULL REFERENCES users(id),
		seller_id bigint NOT NULL REFERENCES users(id),
		price numeric(10,2) NOT NULL DEFAULT 0,
		status text NOT NULL DEFAULT 'pending',
		created_at timestamp with time zone NOT NULL DEFAULT now(),
		updated_at timestamp with time zone NOT NULL DEFAULT now(),
		v_clock jsonb NOT NULL DEFAULT '{}'
	);

	CREATE TABLE messages (
		id bigint PRIMARY KEY,
		sender_id bigint NOT NULL REFERENCES users(id),
		receiver_id bigint NOT NULL REFERENCES users(id),
		item_id bigint REFERENCES items(id),
		content text NOT NULL,
		is_read boolean NOT NULL DEFAULT false,
		created_at timestamp with time zone NOT NULL DEFAULT now(),
		updated_at timestamp with time zone NOT NULL DEFAULT now(),
		v_clock jsonb NOT NULL DEFAULT '{}'
	);

	CREATE TABLE favorites (
		id bigint PRIMARY KEY,
		user_id bigint NOT NULL REFERENCES users(id),
		item_id bigint NOT NULL REFERENCES items(id),
		created_at timestamp with time zone NOT NULL DEFAULT now(),
		updated_at timestamp with time zone NOT NULL DEFAULT now(),
		v_clock jsonb NOT NULL DEFAULT '{}',
		UNIQUE(user_id, item_id)
	);
`

// hubSchema holds the coordination tables: worker cursors, replication
// topology, conflicts and daily counters. Owned by the hub only.
const hubSchema = `
	CREATE TABLE sync_worker_state (
		id bigserial PRIMARY KEY,
		worker_name text NOT NULL UNIQUE,
		last_event_id bigint NOT NULL DEFAULT 0,
		updated_at timestamp with time zone NOT NULL DEFAULT now()
	);

	CREATE TABLE sync_configs (
		id bigserial PRIMARY KEY,
		source text NOT NULL,
		target text NOT NULL,
		mode text NOT NULL DEFAULT 'realtime',
		interval_seconds integer NOT NULL DEFAULT 300,
		enabled boolean NOT NULL DEFAULT true,
		last_run_at timestamp with time zone,
		created_at timestamp with time zone NOT NULL DEFAULT now(),
		updated_at timestamp with time zone NOT NULL DEFAULT now(),
		UNIQUE(source, target, mode),
		CHECK (source <> target)
	);

	CREATE TABLE conflict_records (
		id bigserial PRIMARY KEY,
		table_name text NOT NULL,
		record_id bigint NOT NULL,
		source text NOT NULL,
		target text NOT NULL,
		payload jsonb,
		resolved boolean NOT NULL DEFAULT false,
		status text NOT NULL DEFAULT 'pending',
		resolution_note text,
		resolved_by bigint,
		resolved_at timestamp with time zone,
		created_at timestamp with time zone NOT NULL DEFAULT now(),
		updated_at timestamp with time zone NOT NULL DEFAULT now()
	);
	CREATE INDEX idx_conflict_records_resolved ON conflict_records(resolved);
	CREATE INDEX idx_conflict_records_record ON conflict_records(table_name, record_id);

	CREATE TABLE daily_stats (
		id bigserial PRIMARY KEY,
		stat_date date NOT NULL UNIQUE,
		sync_success_count integer NOT NULL DEFAULT 0,
		sync_conflict_count integer NOT NULL DEFAULT 0
	);
`

// changeLogSchema is the append-only change log of one edge database plus the
// suppression check and trigger functions feeding it. The suppression setting
// app.sync_suppress is set with SET LOCAL by replicated writes, so it is
// scoped to a single transaction.
const changeLogSchema = `
	CREATE TABLE sync_log (
		log_id bigserial PRIMARY KEY,
		table_name text NOT NULL,
		data_id bigint NOT NULL,
		operation text NOT NULL,
		old_data jsonb,
		new_data jsonb,
		occurred_at timestamp with time zone NOT NULL DEFAULT now(),
		status integer NOT NULL DEFAULT 0,
		processed_at timestamp with time zone
	);
	CREATE INDEX idx_sync_log_pending ON sync_log(status, log_id);

	CREATE FUNCTION edgesync_suppressed() RETURNS boolean AS $fn$
		SELECT COALESCE(current_setting('app.sync_suppress', true), '') = 'on'
	$fn$ LANGUAGE sql;

	CREATE FUNCTION edgesync_bump_vclock() RETURNS trigger AS $fn$
	DECLARE
		k text := TG_ARGV[0];
		cur jsonb;
	BEGIN
		IF edgesync_suppressed() THEN
			RETURN NEW;
		END IF;
		cur := COALESCE(NEW.v_clock, '{}'::jsonb);
		NEW.v_clock := jsonb_set(cur, ARRAY[k],
			to_jsonb(COALESCE((cur->>k)::bigint, 0) + 1), true);
		RETURN NEW;
	END
	$fn$ LANGUAGE plpgsql;

	CREATE FUNCTION edgesync_log_change() RETURNS trigger AS $fn$
	BEGIN
		IF edgesync_suppressed() THEN
			RETURN COALESCE(NEW, OLD);
		END IF;
		IF TG_OP = 'DELETE' THEN
			INSERT INTO sync_log (table_name, data_id, operation, old_data, new_data)
			VALUES (TG_TABLE_NAME, OLD.id, 'DELETE', to_jsonb(OLD), NULL);
			RETURN OLD;
		ELSIF TG_OP = 'INSERT' THEN
			INSERT INTO sync_log (table_name, data_id, operation, old_data, new_data)
			VALUES (TG_TABLE_NAME, NEW.id, 'INSERT', NULL, to_jsonb(NEW));
		ELSE
			INSERT INTO sync_log (table_name, data_id, operation, old_data, new_data)
			VALUES (TG_TABLE_NAME, NEW.id, 'UPDATE', to_jsonb(OLD), to_jsonb(NEW));
		END IF;
		RETURN NEW;
	END
	$fn$ LANGUAGE plpgsql;
`

// edgeTriggerSQL creates the vector-clock bump and change-log triggers for
// every tracked table, binding the edge's own clock component.
func edgeTriggerSQL(clockKey string) string {
	var b strings.Builder
	for _, table := range TrackedTables {
		fmt.Fprintf(&b, `
	CREATE TRIGGER %[1]s_bump_vclock
		BEFORE INSERT OR UPDATE ON %[1]s
		FOR EACH ROW EXECUTE FUNCTION edgesync_bump_vclock('%[2]s');
	CREATE TRIGGER %[1]s_log_change
		AFTER INSERT OR UPDATE OR DELETE ON %[1]s
		FOR EACH ROW EXECUTE FUNCTION edgesync_log_change();
`, table, clockKey)
	}
	return b.String()
}

// hubMigrations holds function returning all hub upgrade migrations needed
var hubMigrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_tables",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, businessSchema+hubSchema)
				return err
			},
		},
		// adding new migration here
	)
}

func edgeMigrations(clockKey string) migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_tables",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, businessSchema+changeLogSchema+edgeTriggerSQL(clockKey))
				return err
			},
		},
		// adding new migration here
	)
}

var (
	hubMigratorInstance *migrator.Migrator
	hubOnce             sync.Once
)

// getHubMigrator returns a singleton hub migrator instance
func getHubMigrator() (*migrator.Migrator, error) {
	var err error
	hubOnce.Do(func() {
		hubMigratorInstance, err = migrator.New(
			hubMigrations(),
			migrator.TableName("edgesync_migrations"),
		)
	})
	return hubMigratorInstance, err
}

func newEdgeMigrator(clockKey string) (*migrator.Migrator, error) {
	return migrator.New(
		edgeMigrations(clockKey),
		migrator.TableName("edgesync_migrations"),
	)
}

// ApplyHub applies all pending hub migrations to the database
func ApplyHub(ctx context.Context, conn *pgx.Conn) error {
	m, err := getHubMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply hub migrations: %w", err)
	}
	return nil
}

// HubNeedsUpgrade checks if the hub database needs migration
func HubNeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getHubMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}
	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}
	return needUpgrade, nil
}

// ApplyEdge applies all pending edge migrations, binding the edge's
// vector-clock component into its triggers.
func ApplyEdge(ctx context.Context, conn *pgx.Conn, clockKey string) error {
	if clockKey == "" {
		return fmt.Errorf("edge migration requires a vector-clock key")
	}
	m, err := newEdgeMigrator(clockKey)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply edge migrations: %w", err)
	}
	return nil
}

// EdgeNeedsUpgrade checks if an edge database needs migration
func EdgeNeedsUpgrade(ctx context.Context, conn *pgx.Conn, clockKey string) (bool, error) {
	m, err := newEdgeMigrator(clockKey)
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}
	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}
	return needUpgrade, nil
}
