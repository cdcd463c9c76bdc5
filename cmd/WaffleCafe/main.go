package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/api"
	"github.com/BTreeMap/WaffleCafe/internal/catalog"
	"github.com/BTreeMap/WaffleCafe/internal/dispatch"
	"github.com/BTreeMap/WaffleCafe/internal/friends"
	"github.com/BTreeMap/WaffleCafe/internal/genai"
	"github.com/BTreeMap/WaffleCafe/internal/lifecycle"
	"github.com/BTreeMap/WaffleCafe/internal/lockfile"
	"github.com/BTreeMap/WaffleCafe/internal/messaging"
	"github.com/BTreeMap/WaffleCafe/internal/notify"
	"github.com/BTreeMap/WaffleCafe/internal/recovery"
	"github.com/BTreeMap/WaffleCafe/internal/scheduler"
	"github.com/BTreeMap/WaffleCafe/internal/store"
	"github.com/BTreeMap/WaffleCafe/internal/twiliosms"
	"github.com/BTreeMap/WaffleCafe/internal/util"
	"github.com/BTreeMap/WaffleCafe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for WaffleCafe state data
	DefaultStateDir = "/var/lib/wafflecafe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "wafflecafe.db"
	// DefaultWhatsAppDBFileName holds the linked WhatsApp session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultJobPollInterval is how often due triggers are claimed
	DefaultJobPollInterval = 5 * time.Second
	// DefaultOutboxPollInterval is how often pending notifications are sent
	DefaultOutboxPollInterval = 2 * time.Second
	// DefaultNotifyRate caps notification sends per second
	DefaultNotifyRate = 5
)

func main() {
	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}
	initializeLogger(flags.LogLevel)
	slog.Debug("Final configuration",
		"state_dir", flags.StateDir,
		"dsn_type", store.DetectDSNType(flags.DBDSN),
		"api_addr", flags.APIAddr,
		"catalog_path", flags.CatalogPath,
		"openai_key_set", flags.OpenAIKey != "",
		"twilio_set", flags.TwilioAccountSID != "",
		"whatsapp", flags.WhatsApp)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping WaffleCafe")
	a, err := newApp(flags)
	if err != nil {
		slog.Error("WaffleCafe failed to start", "error", err)
		os.Exit(1)
	}
	err = a.run(ctx)
	a.close()
	if err != nil {
		slog.Error("WaffleCafe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("WaffleCafe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	APIAddr          string
	LogLevel         string
	CatalogPath      string
	OpenAIKey        string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	WhatsApp         bool
	WhatsAppDSN      string
	MaintenanceCron  string
	NotifyRate       int
	JobPollInterval  time.Duration
}

// Flags holds the effective settings after command line overrides.
type Flags struct {
	StateDir         string
	DBDSN            string
	APIAddr          string
	LogLevel         string
	CatalogPath      string
	OpenAIKey        string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	WhatsApp         bool
	WhatsAppDSN      string
	QROutput         string
	NumericCode      bool
	MaintenanceCron  string
	NotifyRate       int
	JobPollInterval  time.Duration
}

// initializeLogger sets up structured logging at the given level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// parseLogLevel maps LOG_LEVEL values to slog levels, defaulting to debug.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         util.GetEnv("WAFFLE_STATE_DIR", DefaultStateDir),
		DatabaseURL:      util.GetEnv("DATABASE_URL", ""),
		APIAddr:          util.GetEnv("API_ADDR", api.DefaultAddr),
		LogLevel:         util.GetEnv("LOG_LEVEL", "debug"),
		CatalogPath:      util.GetEnv("CATALOG_PATH", ""),
		OpenAIKey:        util.GetEnv("OPENAI_API_KEY", ""),
		TwilioAccountSID: util.GetEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  util.GetEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFrom:       util.GetEnv("TWILIO_FROM_NUMBER", ""),
		WhatsApp:         util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		WhatsAppDSN:      util.GetEnv("WHATSAPP_DB_DSN", ""),
		MaintenanceCron:  util.GetEnv("MAINTENANCE_CRON", scheduler.DefaultMaintenanceSpec),
		NotifyRate:       util.ParseIntEnv("NOTIFY_RATE_PER_SEC", DefaultNotifyRate),
		JobPollInterval:  util.ParseDurationEnv("JOB_POLL_INTERVAL", DefaultJobPollInterval),
	}

	slog.Debug("environment variables loaded",
		"WAFFLE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"LOG_LEVEL", config.LogLevel,
		"CATALOG_PATH", config.CatalogPath,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"WHATSAPP_ENABLED", config.WhatsApp,
		"MAINTENANCE_CRON", config.MaintenanceCron,
		"NOTIFY_RATE_PER_SEC", config.NotifyRate,
		"JOB_POLL_INTERVAL", config.JobPollInterval)

	return config
}

// parseCommandLineFlags parses args with environment defaults. File-backed
// databases follow the state directory unless given explicitly.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	var f Flags
	fs.StringVar(&f.StateDir, "state-dir", config.StateDir, "state directory for WaffleCafe data (overrides $WAFFLE_STATE_DIR)")
	fs.StringVar(&f.DBDSN, "db-dsn", config.DatabaseURL, "SQLite path, Postgres DSN or :memory: (overrides $DATABASE_URL)")
	fs.StringVar(&f.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&f.LogLevel, "log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.StringVar(&f.CatalogPath, "catalog", config.CatalogPath, "prompt catalog override file, watched for changes (overrides $CATALOG_PATH)")
	fs.StringVar(&f.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key for custom prompt previews (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.TwilioAccountSID, "twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)")
	fs.StringVar(&f.TwilioAuthToken, "twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)")
	fs.StringVar(&f.TwilioFrom, "twilio-from", config.TwilioFrom, "Twilio sender number (overrides $TWILIO_FROM_NUMBER)")
	fs.BoolVar(&f.WhatsApp, "whatsapp", config.WhatsApp, "send notifications from a linked WhatsApp account (overrides $WHATSAPP_ENABLED)")
	fs.StringVar(&f.WhatsAppDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "WhatsApp session database (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&f.QROutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&f.NumericCode, "numeric-code", false, "print the WhatsApp login code as text instead of a QR code")
	fs.StringVar(&f.MaintenanceCron, "maintenance-cron", config.MaintenanceCron, "cron schedule for recovery and housekeeping (overrides $MAINTENANCE_CRON)")
	fs.IntVar(&f.NotifyRate, "notify-rate", config.NotifyRate, "notification sends per second, 0 disables pacing (overrides $NOTIFY_RATE_PER_SEC)")
	fs.DurationVar(&f.JobPollInterval, "job-poll-interval", config.JobPollInterval, "how often due triggers are claimed (overrides $JOB_POLL_INTERVAL)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	if f.DBDSN == "" {
		f.DBDSN = filepath.Join(f.StateDir, DefaultDBFileName)
	}
	if f.WhatsAppDSN == "" {
		f.WhatsAppDSN = "file:" + filepath.Join(f.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	return f, nil
}

// ensureDirectoriesExist creates the directory of a file-based database.
func ensureDirectoriesExist(dsn string) error {
	if store.DetectDSNType(dsn) != store.DSNTypeSQLite {
		return nil
	}
	path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database directory %s: %w", dir, err)
	}
	return nil
}

// buildTransports returns the notification channels enabled by flags and a
// function that disconnects them. The websocket hub and the log are always on.
func buildTransports(f Flags, hub *messaging.Hub) ([]messaging.Transport, func(), error) {
	transports := []messaging.Transport{hub, messaging.LogTransport{}}
	cleanup := func() {}

	if f.TwilioAccountSID != "" && f.TwilioAuthToken != "" {
		client, err := twiliosms.NewClient(
			twiliosms.WithAccountSID(f.TwilioAccountSID),
			twiliosms.WithAuthToken(f.TwilioAuthToken),
			twiliosms.WithFrom(f.TwilioFrom),
		)
		if err != nil {
			return nil, cleanup, fmt.Errorf("twilio: %w", err)
		}
		slog.Info("Twilio notifications enabled", "channel", client.Channel())
		transports = append(transports, messaging.NewTwilioTransport(client))
	}

	if f.WhatsApp {
		var waOpts []whatsapp.Option
		waOpts = append(waOpts, whatsapp.WithDBDSN(f.WhatsAppDSN))
		if f.QROutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(f.QROutput))
		}
		if f.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		if err := ensureDirectoriesExist(f.WhatsAppDSN); err != nil {
			return nil, cleanup, err
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, cleanup, fmt.Errorf("whatsapp: %w", err)
		}
		slog.Info("WhatsApp notifications enabled")
		transports = append(transports, messaging.NewWhatsAppTransport(client))
		cleanup = client.Disconnect
	}
	return transports, cleanup, nil
}

// app holds the wired components of a running instance.
type app struct {
	flags      Flags
	lock       *lockfile.Lock
	store      store.Backend
	catalog    *catalog.Catalog
	dispatcher *dispatch.Dispatcher
	runner     *store.JobRunner
	sender     *store.OutboxSender
	hub        *messaging.Hub
	recovery   *recovery.RecoveryManager
	server     *api.Server
	transports []messaging.Transport
	disconnect func()
}

// newApp opens storage and wires every component. Nothing runs until run.
func newApp(f Flags) (*app, error) {
	a := &app{flags: f}
	if err := a.wire(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() (err error) {
	f := a.flags
	if a.lock, err = lockfile.AcquireLock(f.StateDir); err != nil {
		return err
	}
	if err = ensureDirectoriesExist(f.DBDSN); err != nil {
		return err
	}
	if a.store, err = store.Open(f.DBDSN); err != nil {
		return err
	}

	var catOpts []catalog.Option
	if f.CatalogPath != "" {
		catOpts = append(catOpts, catalog.WithOverridePath(f.CatalogPath))
	}
	if f.OpenAIKey != "" {
		client, gerr := genai.NewClient(genai.WithAPIKey(f.OpenAIKey))
		if gerr != nil {
			slog.Warn("GenAI client unavailable, custom previews will be truncated", "error", gerr)
		} else {
			catOpts = append(catOpts, catalog.WithPreviewer(client))
		}
	}
	if a.catalog, err = catalog.New(a.store, catOpts...); err != nil {
		return fmt.Errorf("load prompt catalog: %w", err)
	}

	gateway := notify.NewJobGateway(a.store, a.store)
	fr := friends.NewService(a.store, gateway)
	a.dispatcher = dispatch.NewDispatcher(a.store, lifecycle.NewMachine(a.store), gateway,
		dispatch.WithPromptSource(a.catalog),
		dispatch.WithFriendChecker(fr),
		dispatch.WithReplyDedup(a.store),
	)
	a.runner = store.NewJobRunner(a.store, f.JobPollInterval)
	a.dispatcher.RegisterJobs(a.runner)

	a.hub = messaging.NewHub()
	if a.transports, a.disconnect, err = buildTransports(f, a.hub); err != nil {
		return err
	}
	a.sender = store.NewOutboxSender(a.store,
		messaging.NewOutboxDelivery(a.store, messaging.NewMultiTransport(a.transports...)),
		DefaultOutboxPollInterval,
		store.WithRateLimit(f.NotifyRate),
		store.WithReceipts(a.store),
	)

	a.recovery = recovery.NewRecoveryManager(a.store, time.Now)
	a.recovery.RegisterRecoverable(recovery.NewStaleWork())
	a.recovery.RegisterRecoverable(recovery.NewTriggers(a.dispatcher))

	a.server = api.NewServer(a.store, a.dispatcher, a.catalog, fr,
		api.WithAddr(f.APIAddr),
		api.WithFeed(a.hub),
	)
	return nil
}

// run recovers interrupted work, starts the background loops and serves the
// API until ctx is done.
func (a *app) run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.recovery.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery incomplete", "error", err)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob("maintenance", a.flags.MaintenanceCron, func() {
		if err := a.recovery.RecoverAll(ctx); err != nil {
			slog.Warn("Maintenance recovery incomplete", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("maintenance schedule: %w", err)
	}

	wg.Add(3)
	go func() { defer wg.Done(); a.runner.Run(ctx) }()
	go func() { defer wg.Done(); a.sender.Run(ctx) }()
	go func() {
		defer wg.Done()
		if err := a.catalog.Watch(ctx); err != nil {
			slog.Error("Catalog watcher stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), api.DefaultShutdownTimeout)
	defer cancelShutdown()
	if err := a.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}

// close releases everything newApp acquired. It tolerates a partly built app.
func (a *app) close() {
	if a.hub != nil {
		if err := a.hub.Stop(); err != nil {
			slog.Warn("Hub stop failed", "error", err)
		}
	}
	if a.disconnect != nil {
		a.disconnect()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("Store close failed", "error", err)
		}
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			slog.Warn("Lock release failed", "error", err)
		}
	}
}
