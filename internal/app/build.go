package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/rxdictate/internal/auth"
	"github.com/ent0n29/rxdictate/internal/backup"
	"github.com/ent0n29/rxdictate/internal/config"
	"github.com/ent0n29/rxdictate/internal/finalize"
	"github.com/ent0n29/rxdictate/internal/httpapi"
	"github.com/ent0n29/rxdictate/internal/logging"
	"github.com/ent0n29/rxdictate/internal/medicine"
	"github.com/ent0n29/rxdictate/internal/observability"
	"github.com/ent0n29/rxdictate/internal/registry"
	"github.com/ent0n29/rxdictate/internal/sanitize"
	"github.com/ent0n29/rxdictate/internal/session"
	"github.com/ent0n29/rxdictate/internal/store"
)

const serviceName = "rxdictate"

type BuildResult struct {
	Config    config.Config
	Logger    zerolog.Logger
	API       *httpapi.Server
	Sessions  *session.Manager
	Registry  *registry.Registry
	Pipeline  *finalize.Pipeline
	Metrics   *observability.Metrics
	Providers string
	Medicines int

	// Cleanup should be called on shutdown to release external resources (DB, Redis, tracer).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: serviceName,
	})

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Exporter:    cfg.OTelExporter,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: serviceName,
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, err := store.Open(ctx, store.Options{
		DatabaseURL:   cfg.DatabaseURL,
		LedgerBackend: cfg.LedgerBackend,
		Redis: store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
	})
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("store init failed: %w", err)
	}
	closeAll := func() error {
		var errs []string
		if err := st.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	reg := registry.New(cfg.ProviderEnv())
	loadOverrides(ctx, st, reg, logger)

	providers := buildProviders(cfg, reg, metrics, logger)

	backupStore, err := backup.New(ctx, backup.Config{
		Backend:   cfg.BackupBackend,
		Bucket:    cfg.BackupBucket,
		Region:    cfg.BackupRegion,
		Endpoint:  cfg.BackupEndpoint,
		AccessKey: cfg.BackupAccessKey,
		SecretKey: cfg.BackupSecretKey,
		UseSSL:    cfg.BackupUseSSL,
	})
	if err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("backup store init failed: %w", err)
	}

	var engine *medicine.Engine
	if path := strings.TrimSpace(cfg.MedicineCSVPath); path != "" {
		rows, err := medicine.LoadFile(path)
		if err != nil {
			_ = closeAll()
			return nil, fmt.Errorf("medicine catalogue load failed: %w", err)
		}
		engine = medicine.NewEngine(rows)
	}

	pipeline := finalize.New(finalize.Deps{
		Gateway:     providers.text,
		Transcriber: providers.transcription,
		Ledger:      st,
		Macros:      st,
		Notes:       st,
		Backup:      backupStore,
		Sanitizer:   sanitize.New(),
		Metrics:     metrics,
		Logger:      logging.Component(logger, "finalize"),
	})

	sessions := session.NewManager(cfg.SessionInactivityTimeout, cfg.MaxConnectionsPerOwner)
	sessionLogger := logging.Component(logger, "session")
	sessions.SetExpireHook(func(c *session.Connection) {
		metrics.IncSessionEvent("expired")
		sessionLogger.Info().
			Str(logging.FieldConnectionID, c.ID).
			Str(logging.FieldOwnerID, c.OwnerID).
			Int64("frames_in", c.FramesIn).
			Msg("idle connection expired")
	})

	api := httpapi.New(httpapi.Options{
		AllowAnyOrigin: cfg.AllowAnyOrigin,
		MaxUploadBytes: cfg.MaxUploadBytes,
		LiveLanguage:   cfg.LiveLanguage,
	}, httpapi.Deps{
		Sessions: sessions,
		Pipeline: pipeline,
		Streamer: providers.transcription,
		Store:    st,
		Registry: reg,
		Medicine: engine,
		Verifier: auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Admin:    auth.NewAdmin(cfg.AdminUser, cfg.AdminPasswordHash),
		Metrics:  metrics,
		Logger:   logging.Component(logger, "httpapi"),
	})

	res := &BuildResult{
		Config:    cfg,
		Logger:    logger,
		API:       api,
		Sessions:  sessions,
		Registry:  reg,
		Pipeline:  pipeline,
		Metrics:   metrics,
		Providers: providers.detail(),
		Cleanup:   closeAll,
	}
	if engine != nil {
		res.Medicines = engine.Size()
	}
	return res, nil
}

// loadOverrides applies persisted overrides. A stored value that no longer
// validates is skipped so one bad row cannot keep the service down.
func loadOverrides(ctx context.Context, st store.ConfigStore, reg *registry.Registry, logger zerolog.Logger) {
	stored, err := st.Overrides(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("load provider overrides failed, using environment")
		return
	}
	valid := make(map[string]string, len(stored))
	for key, value := range stored {
		entry := map[string]string{key: value}
		if err := registry.ValidateOverrides(entry); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("ignoring stored provider override")
			continue
		}
		valid[key] = value
	}
	if len(valid) > 0 {
		reg.ApplyOverrides(valid)
	}
}
