// Package main implements the edgesync binary: the replication worker and
// operator API for the campus marketplace replica set.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/campuswap/edgesync/internal/api"
	"github.com/campuswap/edgesync/internal/conflict"
	"github.com/campuswap/edgesync/internal/db"
	"github.com/campuswap/edgesync/internal/log"
	"github.com/campuswap/edgesync/internal/migrations"
	"github.com/campuswap/edgesync/internal/snowflake"
	"github.com/campuswap/edgesync/internal/sync"
	"github.com/campuswap/edgesync/internal/topology"
)

// Config holds the application configuration
type Config struct {
	HubDSN   string `env:"EDGESYNC_HUB_DSN" long:"hub-dsn" description:"hub database connection string"`
	NorthDSN string `env:"EDGESYNC_NORTH_DSN" long:"north-dsn" description:"north edge database connection string"`
	SouthDSN string `env:"EDGESYNC_SOUTH_DSN" long:"south-dsn" description:"south edge database connection string"`

	LogLevel     string `short:"l" env:"EDGESYNC_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	SyncInterval string `env:"EDGESYNC_SYNC_INTERVAL" long:"sync-interval" description:"Interval between worker rounds" default:"2s"`
	BatchSize    int    `env:"EDGESYNC_BATCH_SIZE" long:"batch-size" description:"Events moved per origin per round" default:"200"`
	APIAddr      string `env:"EDGESYNC_API_ADDR" long:"api-addr" description:"Operator API listen address" default:":8080"`
	WriterID     int    `env:"EDGESYNC_WRITER_ID" long:"writer-id" description:"Snowflake writer id of this node, 0-1023" default:"0"`

	TokenSecret string `env:"EDGESYNC_TOKEN_SECRET" long:"token-secret" description:"Secret for conflict resolution tokens"`
	SMTPHost    string `env:"EDGESYNC_SMTP_HOST" long:"smtp-host" description:"SMTP host for conflict notifications"`
	SMTPPort    int    `env:"EDGESYNC_SMTP_PORT" long:"smtp-port" description:"SMTP port" default:"587"`
	SMTPUser    string `env:"EDGESYNC_SMTP_USER" long:"smtp-user" description:"SMTP username"`
	SMTPPass    string `env:"EDGESYNC_SMTP_PASS" long:"smtp-pass" description:"SMTP password"`
	MailFrom    string `env:"EDGESYNC_MAIL_FROM" long:"mail-from" description:"Sender of conflict notifications"`
	MailTo      string `env:"EDGESYNC_MAIL_TO" long:"mail-to" description:"Comma-separated notification recipients"`
	ConsoleURL  string `env:"EDGESYNC_CONSOLE_URL" long:"console-url" description:"Base URL of the operator console"`

	Version bool `short:"v" long:"version" description:"Show version information"`
	Help    bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	parser.SubcommandsOptional = true
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	return
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("edgesync version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(false))
	logrus.SetReportCaller(false)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("edgesync logging initialized")
	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

// Replicas derives the replica set from the configured DSNs.
func (c *Config) Replicas() []db.ReplicaConfig {
	return []db.ReplicaConfig{
		{Role: db.RoleHub, DSN: c.HubDSN, WriterID: 1},
		{Role: db.RoleNorth, DSN: c.NorthDSN, WriterID: 2, ClockKey: "N"},
		{Role: db.RoleSouth, DSN: c.SouthDSN, WriterID: 3, ClockKey: "S"},
	}
}

// Recipients splits the notification recipient list.
func (c *Config) Recipients() []string {
	if c.MailTo == "" {
		return nil
	}
	parts := strings.Split(c.MailTo, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func migrate(ctx context.Context, pool db.PgxPoolIface, rc db.ReplicaConfig) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire %s connection: %w", rc.Role, err)
	}
	defer conn.Release()
	if rc.ClockKey == "" {
		return migrations.ApplyHub(ctx, conn.Conn())
	}
	return migrations.ApplyEdge(ctx, conn.Conn(), rc.ClockKey)
}

func main() {
	// Quick check for version flags before full parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	config, err := ParseCLI(os.Args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(config.LogLevel); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	interval, err := time.ParseDuration(config.SyncInterval)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid sync interval format")
	}

	ids, err := snowflake.New(config.WriterID)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid writer id")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	// Connect to every replica with retry logic, then migrate it
	replicas := config.Replicas()
	pools := make(map[db.Role]db.PgxPoolIface, len(replicas))
	for _, rc := range replicas {
		pool, err := db.NewWithRetry(ctx, rc)
		if err != nil {
			logrus.WithError(err).WithField("role", rc.Role).
				Fatal("Failed to connect after retries")
		}
		defer pool.Close()
		if err := migrate(ctx, pool, rc); err != nil {
			logrus.WithError(err).WithField("role", rc.Role).
				Fatal("Failed to apply migrations")
		}
		pools[rc.Role] = pool
	}

	cluster, err := db.NewCluster(replicas, pools)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid replica set")
	}
	if err := topology.EnsureDefaults(ctx, cluster.Hub(), cluster.Edges()); err != nil {
		logrus.WithError(err).Fatal("Failed to seed replication topology")
	}

	var signer *conflict.TokenSigner
	if config.TokenSecret != "" {
		if signer, err = conflict.NewTokenSigner(config.TokenSecret, conflict.DefaultTokenTTL); err != nil {
			logrus.WithError(err).Fatal("Failed to create token signer")
		}
	}
	var notifier conflict.Notifier
	if config.SMTPHost != "" {
		notifier = conflict.NewMailNotifier(conflict.MailConfig{
			Host:       config.SMTPHost,
			Port:       config.SMTPPort,
			Username:   config.SMTPUser,
			Password:   config.SMTPPass,
			From:       config.MailFrom,
			Recipients: config.Recipients(),
			ConsoleURL: config.ConsoleURL,
		}, signer)
	}

	store := conflict.NewStore(cluster.Hub(), notifier, nil)
	resolver := sync.NewResolver(cluster, store, nil)
	worker := sync.NewWorker(cluster, store, nil, sync.Config{
		Interval:  interval,
		BatchSize: config.BatchSize,
	})

	server := api.NewServer(cluster, store, resolver, signer, ids, nil)
	go func() {
		if err := server.Serve(ctx, config.APIAddr); err != nil {
			logrus.WithError(err).Error("Operator API failed")
			cancel()
		}
	}()

	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("Synchronization failed")
	}

	logrus.Info("Graceful shutdown completed")
}
