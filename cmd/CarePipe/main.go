package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CarePipe/internal/api"
	"github.com/BTreeMap/CarePipe/internal/conversation"
	"github.com/BTreeMap/CarePipe/internal/dispatch"
	"github.com/BTreeMap/CarePipe/internal/lockfile"
	"github.com/BTreeMap/CarePipe/internal/messaging"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/notify"
	"github.com/BTreeMap/CarePipe/internal/orchestrator"
	"github.com/BTreeMap/CarePipe/internal/reminder"
	"github.com/BTreeMap/CarePipe/internal/scheduler"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CarePipe/internal/util"
	"github.com/BTreeMap/CarePipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CarePipe state data
	DefaultStateDir = "/var/lib/carepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "carepipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAPIAddr is the default HTTP listen address
	DefaultAPIAddr = ":8080"
	// DefaultTimezone is the zone reminder times are evaluated in
	DefaultTimezone = "Asia/Jakarta"
	// DefaultKafkaTopic is the default escalation topic
	DefaultKafkaTopic = "carepipe.escalations"

	jobPollInterval    = 5 * time.Second
	outboxPollInterval = 5 * time.Second
	notifierTimeout    = 10 * time.Second
)

// Gateway names accepted by GATEWAY.
const (
	GatewayWhatsApp = "whatsapp"
	GatewayTwilio   = "twilio"
	GatewayHTTP     = "http"
)

func main() {
	loadDotEnv()
	config := loadEnvironmentConfig()
	if err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], &config); err != nil {
		os.Exit(2)
	}
	initializeLogger(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping CarePipe", "gateway", config.Gateway, "api_addr", config.APIAddr, "timezone", config.Timezone)
	if err := run(ctx, config); err != nil {
		slog.Error("CarePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CarePipe exited successfully")
}

// Config holds the service configuration. Environment variables provide defaults and flags override them.
type Config struct {
	LogLevel    string
	StateDir    string
	DatabaseURL string
	APIAddr     string
	Timezone    string

	Gateway              string
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioFromNumber     string
	TwilioStatusCallback string
	WhatsAppDSN          string
	QROutput             string
	NumericCode          bool
	GatewayURL           string
	GatewayToken         string

	WebhookSecret   string
	SignatureHeader string
	AllowUnsigned   bool

	BreakerFailureThreshold int
	BreakerCooldown         time.Duration
	SendMaxAttempts         int
	SendTimeout             time.Duration
	SendRatePerSec          float64
	SendBurst               int

	ContextTTLVerification time.Duration
	ContextTTLReminder     time.Duration

	OperatorPhone           string
	EscalationWebhookURL    string
	EscalationWebhookSecret string
	KafkaBrokers            string
	KafkaEscalationTopic    string
	SQSEscalationQueueURL   string
}

// initializeLogger sets up structured logging at the configured level (debug by default).
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelDebug
	}
	return l
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
}

// loadEnvironmentConfig reads configuration from environment variables and applies defaults.
func loadEnvironmentConfig() Config {
	retry := messaging.DefaultRetryPolicy()
	config := Config{
		LogLevel:    util.GetEnv("LOG_LEVEL", "debug"),
		StateDir:    util.GetEnv("CAREPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		APIAddr:     util.GetEnv("API_ADDR", DefaultAPIAddr),
		Timezone:    util.GetEnv("TIMEZONE", DefaultTimezone),

		Gateway:              strings.ToLower(util.GetEnv("GATEWAY", GatewayWhatsApp)),
		TwilioAccountSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:     os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioStatusCallback: os.Getenv("TWILIO_STATUS_CALLBACK_URL"),
		WhatsAppDSN:          os.Getenv("WHATSAPP_DB_DSN"),
		GatewayURL:           os.Getenv("GATEWAY_URL"),
		GatewayToken:         os.Getenv("GATEWAY_TOKEN"),

		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		SignatureHeader: util.GetEnv("WEBHOOK_SIGNATURE_HEADER", api.DefaultSignatureHeader),
		AllowUnsigned:   util.ParseBoolEnv("ALLOW_UNSIGNED_WEBHOOKS", false),

		BreakerFailureThreshold: util.ParseIntEnv("BREAKER_FAILURE_THRESHOLD", messaging.DefaultFailureThreshold),
		BreakerCooldown:         util.ParseDurationEnv("BREAKER_COOLDOWN", messaging.DefaultCooldown),
		SendMaxAttempts:         util.ParseIntEnv("SEND_MAX_ATTEMPTS", retry.MaxAttempts),
		SendTimeout:             util.ParseDurationEnv("SEND_TIMEOUT", retry.AttemptTimeout),
		SendRatePerSec:          util.ParseFloatEnv("SEND_RATE_PER_SEC", 0),
		SendBurst:               util.ParseIntEnv("SEND_RATE_BURST", 1),

		ContextTTLVerification: util.ParseDurationEnv("CONTEXT_TTL_VERIFICATION", conversation.DefaultVerificationTTL),
		ContextTTLReminder:     util.ParseDurationEnv("CONTEXT_TTL_REMINDER", conversation.DefaultReminderTTL),

		OperatorPhone:           os.Getenv("OPERATOR_PHONE"),
		EscalationWebhookURL:    os.Getenv("ESCALATION_WEBHOOK_URL"),
		EscalationWebhookSecret: os.Getenv("ESCALATION_WEBHOOK_SECRET"),
		KafkaBrokers:            os.Getenv("KAFKA_BROKERS"),
		KafkaEscalationTopic:    util.GetEnv("KAFKA_ESCALATION_TOPIC", DefaultKafkaTopic),
		SQSEscalationQueueURL:   os.Getenv("SQS_ESCALATION_QUEUE_URL"),
	}

	slog.Debug("environment variables loaded",
		"CAREPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"GATEWAY", config.Gateway,
		"WEBHOOK_SECRET_SET", config.WebhookSecret != "",
		"ALLOW_UNSIGNED_WEBHOOKS", config.AllowUnsigned,
		"TIMEZONE", config.Timezone)
	return config
}

// parseCommandLineFlags registers flags on fs with config values as defaults and parses args into config.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config *Config) error {
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for CarePipe data (overrides $CAREPIPE_STATE_DIR)")
	fs.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "application database DSN; SQLite path or Postgres URL (overrides $DATABASE_URL)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.Gateway, "gateway", config.Gateway, "outbound gateway: whatsapp, twilio or http (overrides $GATEWAY)")
	fs.StringVar(&config.WhatsAppDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&config.QROutput, "qr-output", config.QROutput, "path to write the WhatsApp login QR code")
	fs.BoolVar(&config.NumericCode, "numeric-code", config.NumericCode, "print the WhatsApp login code instead of a QR code")
	fs.StringVar(&config.Timezone, "timezone", config.Timezone, "IANA zone reminder times are evaluated in (overrides $TIMEZONE)")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.BoolVar(&config.AllowUnsigned, "allow-unsigned-webhooks", config.AllowUnsigned, "accept webhooks without a valid signature (overrides $ALLOW_UNSIGNED_WEBHOOKS)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	// Unset DSNs default to files in the (possibly overridden) state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	return nil
}

// lockDir returns the directory holding the SQLite database, or false for Postgres, where
// instances coordinate through advisory locks instead.
func lockDir(config Config) (string, bool) {
	if store.DetectDSNType(config.DatabaseURL) == store.DSNTypePostgres {
		return "", false
	}
	path, _, _ := strings.Cut(strings.TrimPrefix(config.DatabaseURL, "file:"), "?")
	return filepath.Dir(path), true
}

func retryPolicy(config Config) messaging.RetryPolicy {
	p := messaging.DefaultRetryPolicy()
	if config.SendMaxAttempts > 0 {
		p.MaxAttempts = config.SendMaxAttempts
	}
	if config.SendTimeout > 0 {
		p.AttemptTimeout = config.SendTimeout
	}
	return p
}

// buildTransport creates the outbound transport. For the whatsapp gateway it also returns the
// connected client so inbound events can be subscribed.
func buildTransport(ctx context.Context, config Config) (messaging.Transport, *whatsapp.Client, error) {
	switch config.Gateway {
	case GatewayTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFromNumber),
			twiliowhatsapp.WithStatusCallback(config.TwilioStatusCallback),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create twilio client: %w", err)
		}
		return messaging.NewTwilioTransport(client), nil, nil
	case GatewayHTTP:
		if config.GatewayURL == "" {
			return nil, nil, errors.New("GATEWAY_URL is required for the http gateway")
		}
		return messaging.NewHTTPTransport(config.GatewayURL,
			messaging.WithBearerToken(config.GatewayToken),
			messaging.WithHTTPClient(&http.Client{Timeout: retryPolicy(config).AttemptTimeout}),
		), nil, nil
	case GatewayWhatsApp:
		var opts []whatsapp.Option
		if config.WhatsAppDSN != "" {
			opts = append(opts, whatsapp.WithDBDSN(config.WhatsAppDSN))
		}
		if config.QROutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(config.QROutput))
		}
		if config.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppTransport(client), client, nil
	default:
		return nil, nil, fmt.Errorf("unknown gateway %q", config.Gateway)
	}
}

// buildNotifier assembles the configured escalation sinks. The log sink is always present.
// The returned close function releases sinks that hold connections.
func buildNotifier(ctx context.Context, config Config, sender notify.TextSender) (notify.Notifier, func(), error) {
	sinks := notify.Multi{notify.LogNotifier{}}
	var closers []func() error

	if config.EscalationWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(config.EscalationWebhookURL, config.EscalationWebhookSecret, &http.Client{Timeout: notifierTimeout}))
	}
	if config.KafkaBrokers != "" {
		k := notify.NewKafkaNotifier(notify.NewKafkaWriter(config.KafkaBrokers, config.KafkaEscalationTopic))
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
	}
	if config.SQSEscalationQueueURL != "" {
		client, err := notify.NewSQSClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create SQS client: %w", err)
		}
		sinks = append(sinks, notify.NewSQSNotifier(client, config.SQSEscalationQueueURL))
	}
	if config.OperatorPhone != "" && sender != nil {
		sinks = append(sinks, notify.NewMessageNotifier(sender, config.OperatorPhone))
	}

	slog.Debug("escalation sinks configured", "count", len(sinks))
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				slog.Warn("failed to close escalation sink", "error", err)
			}
		}
	}
	return sinks, closeAll, nil
}

// recordStatus applies a gateway status update to the reminder it belongs to, if any.
func recordStatus(ctx context.Context, tracker *reminder.Tracker, u models.StatusUpdate) {
	action, ok := models.DeliveryActionFor(u.Status)
	if !ok {
		return
	}
	_, err := tracker.RecordDeliveryByGatewayID(ctx, u.ProviderID, action, u.Raw, map[string]string{"status": string(u.Status)})
	if err != nil && !errors.Is(err, models.ErrReminderNotFound) {
		slog.Error("recordStatus: failed to record delivery status", "providerID", u.ProviderID, "error", err)
	}
}

// run wires every component and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, config Config) error {
	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", config.Timezone, err)
	}
	if dir, ok := lockDir(config); ok {
		lock, err := lockfile.Acquire(dir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(config.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	transport, waClient, err := buildTransport(ctx, config)
	if err != nil {
		return err
	}
	if waClient != nil {
		defer waClient.Disconnect()
	}

	breaker := messaging.NewCircuitBreaker(transport.Name(),
		messaging.WithFailureThreshold(config.BreakerFailureThreshold),
		messaging.WithCooldown(config.BreakerCooldown))
	sender := messaging.NewSender(transport,
		messaging.WithRetryPolicy(retryPolicy(config)),
		messaging.WithBreaker(breaker),
		messaging.WithRateLimit(config.SendRatePerSec, config.SendBurst))

	notifier, closeNotifier, err := buildNotifier(ctx, config, sender)
	if err != nil {
		return err
	}
	defer closeNotifier()

	contexts := conversation.NewManager(st,
		conversation.WithTTL(models.ContextVerification, config.ContextTTLVerification),
		conversation.WithTTL(models.ContextReminderConfirmation, config.ContextTTLReminder))
	tracker := reminder.NewTracker(st)

	var handlerOpts []orchestrator.Option
	if pg, ok := st.(*store.PostgresStore); ok {
		slog.Debug("using Postgres advisory locks for per-patient serialization")
		handlerOpts = append(handlerOpts, orchestrator.WithLocker(pg.AdvisoryLocker()))
	}
	handler := orchestrator.NewHandler(st, contexts, tracker, sender, notifier, handlerOpts...)

	dispatcher := dispatch.NewDispatcher(st, tracker, contexts, sender,
		dispatch.WithLocation(loc),
		dispatch.WithContextTTLs(config.ContextTTLReminder, config.ContextTTLVerification))

	runner := store.NewJobRunner(st, jobPollInterval)
	dispatcher.Register(runner)
	if err := runner.RecoverStaleJobs(ctx); err != nil {
		slog.Warn("failed to recover stale jobs", "error", err)
	}
	outbox := store.NewOutboxSender(st, sender.OutboxSendFunc(), outboxPollInterval)
	if err := outbox.RecoverStaleMessages(ctx); err != nil {
		slog.Warn("failed to recover stale outbox messages", "error", err)
	}

	if waClient != nil {
		waClient.Subscribe(
			func(msg models.InboundMessage) { handler.Handle(ctx, msg) },
			func(u models.StatusUpdate) { recordStatus(ctx, tracker, u) },
		)
	}

	sched := scheduler.NewScheduler(loc)
	jobs := &scheduler.Jobs{Reminders: st, Enqueuer: dispatcher, Contexts: contexts, Dedup: st, Location: loc}
	if err := jobs.Register(sched); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	server := api.NewServer(st, handler, tracker, dispatcher, sender,
		api.WithWebhookSecret(config.WebhookSecret),
		api.WithSignatureHeader(config.SignatureHeader),
		api.WithAllowUnsigned(config.AllowUnsigned))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})
	g.Go(func() error {
		outbox.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx, config.APIAddr)
	})
	return g.Wait()
}
