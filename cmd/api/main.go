package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"careflow/config"
	"careflow/contact"
	"careflow/db"
	"careflow/export"
	"careflow/notify"
	"careflow/referral"
	"careflow/storage"
	"careflow/telemetry"
)

func main() {
	var (
		configPath    = pflag.String("config", "", "path to the YAML config file (or CAREFLOW_CONFIG)")
		sweepInterval = pflag.Duration("sweep-interval", time.Hour, "retention sweep interval")
		noSweep       = pflag.Bool("no-sweep", false, "disable the retention sweeper")
	)
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys, err := cfg.KeyRing()
	if err != nil {
		logger.Error("key ring construction failed", "error", err)
		os.Exit(1)
	}

	client, err := buildStorage(ctx, cfg.Storage)
	if err != nil {
		logger.Error("storage client construction failed", "error", err)
		os.Exit(1)
	}

	dispatcher := buildDispatcher(cfg.Notify, logger)

	var (
		referralStore referral.Store
		packageStore  export.PackageStore
	)
	if cfg.Database.URL != "" {
		pool, err := db.NewPool(ctx, cfg.Database.URL)
		if err != nil {
			logger.Error("database pool construction failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		referralStore = referral.NewPGStore(pool)
		packageStore = export.NewPGPackageStore(pool)
	} else {
		if cfg.Environment == config.Production {
			logger.Error("database.url is required in production")
			os.Exit(1)
		}
		logger.Warn("no database configured, using in-memory stores")
		referralStore = referral.NewMemoryStore()
		packageStore = export.NewMemoryPackageStore()
	}

	broadcaster := telemetry.New(logger)
	defer broadcaster.Close()

	exporter := export.NewService(packageStore, referralStore, client, keys, dispatcher, export.Defaults{
		ExporterID:    cfg.Export.ExporterID,
		ObjectPrefix:  cfg.Export.ObjectPrefix,
		SignedURLTTL:  cfg.Export.SignedURLTTL.Std(),
		RetentionDays: cfg.Export.RetentionDays,
	}, logger)

	referrals := referral.NewService(referralStore, dispatcher, broadcaster, logger).
		WithExportHook(func(ctx context.Context, r referral.Referral) {
			if _, err := exporter.Export(ctx, r, export.Options{}); err != nil {
				logger.Error("triggered intake export failed", "referral_id", r.ID, "error", err)
			}
		})

	contactProvider, err := contact.NewProvider(contact.Config{
		Provider:          cfg.Contact.Provider,
		WebhookURL:        cfg.Contact.WebhookURL,
		WebhookSecret:     cfg.Contact.WebhookSecret,
		Brokers:           cfg.Contact.Brokers,
		SubmissionTopic:   cfg.Contact.SubmissionTopic,
		SubscriptionTopic: cfg.Contact.SubscriptionTopic,
	}, logger)
	if err != nil {
		logger.Error("contact provider construction failed", "error", err)
		os.Exit(1)
	}
	if closer, ok := contactProvider.(io.Closer); ok {
		defer closer.Close()
	}

	if !*noSweep {
		sweeper := export.NewSweeper(packageStore, client, dispatcher, *sweepInterval, logger)
		go sweeper.Run(ctx)
	}

	logger.Info("careflow core ready",
		"environment", cfg.Environment,
		"storage_backend", cfg.Storage.Backend,
		"notify", cfg.Notify.Kind,
		"sweeper", !*noSweep,
		"referral_service", referrals != nil,
		"contact_provider", cfg.Contact.Provider,
	)

	<-ctx.Done()
	logger.Info("shutting down")
}

func buildStorage(ctx context.Context, cfg config.StorageConfig) (storage.Client, error) {
	switch cfg.Backend {
	case "s3":
		return storage.NewS3(ctx, storage.S3Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			PathStyle:       cfg.PathStyle,
		})
	case "local":
		return storage.NewLocal(cfg.LocalDir, cfg.LocalSigningSecret)
	default:
		return storage.NewMemory(), nil
	}
}

func buildDispatcher(cfg config.NotifyConfig, logger *slog.Logger) notify.Dispatcher {
	switch cfg.Kind {
	case "sqs":
		client, err := notify.NewDefaultSQSClient(context.Background())
		if err != nil {
			logger.Warn("sqs client unavailable, falling back to log dispatcher", "error", err)
			return notify.LogDispatcher{Logger: logger}
		}
		return notify.NewSQSDispatcherForURL(client, cfg.QueueURL)
	case "none":
		return notify.NopDispatcher{}
	default:
		return notify.LogDispatcher{Logger: logger}
	}
}
