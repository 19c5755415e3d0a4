package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/rxdictate/internal/registry"
)

const testSecret = "0123456789abcdef0123"

func setBaseEnv(t *testing.T) {
	t.Helper()
	for key := range defaults {
		t.Setenv(key, "")
	}
	for _, key := range []string{
		"CONFIG_FILE", "DATABASE_URL", "REDIS_ADDR", "ADMIN_USER", "ADMIN_PASSWORD_HASH",
		"BACKUP_BUCKET", "BACKUP_ENDPOINT", "PROVIDER_TRANSCRIPTION_LIVE", "PROVIDER_TEXT_SCRIBE",
		"MODEL_TEXT_SCRIBE",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("AUTH_JWT_SECRET", testSecret)
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" || cfg.MetricsNamespace != "rxdictate" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ShutdownTimeout != 15*time.Second || cfg.SessionInactivityTimeout != 2*time.Minute {
		t.Fatalf("durations = %s, %s", cfg.ShutdownTimeout, cfg.SessionInactivityTimeout)
	}
	if cfg.LedgerBackend != "store" || cfg.BackupBackend != "none" || cfg.OTelExporter != "none" {
		t.Fatalf("backends = %q %q %q", cfg.LedgerBackend, cfg.BackupBackend, cfg.OTelExporter)
	}
	if cfg.LiveLanguage != "en-IN" || cfg.MaxUploadBytes != 25<<20 {
		t.Fatalf("live language = %q, upload = %d", cfg.LiveLanguage, cfg.MaxUploadBytes)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("APP_SESSION_IDLE_TIMEOUT", "45s")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "true")
	t.Setenv("LOG_FORMAT", "Console")
	t.Setenv("PROVIDER_TEXT_SCRIBE", "anthropic")
	t.Setenv("MODEL_TEXT_SCRIBE", "claude-3-5-haiku-latest")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" || cfg.SessionInactivityTimeout != 45*time.Second || !cfg.AllowAnyOrigin {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.LogFormat != "console" {
		t.Fatalf("LogFormat = %q", cfg.LogFormat)
	}
	env := cfg.ProviderEnv()
	if env.Backends[registry.TaskTextScribe] != "anthropic" || env.Models[registry.TaskTextScribe] != "claude-3-5-haiku-latest" {
		t.Fatalf("provider env = %+v", env)
	}
	if _, ok := env.Backends[registry.TaskTextReview]; ok {
		t.Fatalf("unset task leaked into env layer")
	}
}

func TestLoadEnvFileDoesNotOverrideProcess(t *testing.T) {
	setBaseEnv(t)
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "APP_BIND_ADDR=:7070\nAPP_METRICS_NAMESPACE=fromfile\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ENV_FILE", envFile)
	t.Setenv("APP_BIND_ADDR", ":6060")
	// godotenv sets variables that are absent; register cleanup for them.
	t.Setenv("APP_METRICS_NAMESPACE", "")
	os.Unsetenv("APP_METRICS_NAMESPACE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":6060" {
		t.Fatalf("BindAddr = %q, process env should win", cfg.BindAddr)
	}
	if cfg.MetricsNamespace != "fromfile" {
		t.Fatalf("MetricsNamespace = %q, want value from env file", cfg.MetricsNamespace)
	}
}

func TestLoadConfigFile(t *testing.T) {
	setBaseEnv(t)
	file := filepath.Join(t.TempDir(), "config.yml")
	yaml := "app_bind_addr: \":5050\"\nlive_language: hi-IN\n"
	if err := os.WriteFile(file, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("CONFIG_FILE", file)
	t.Setenv("LIVE_LANGUAGE", "ta-IN")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":5050" {
		t.Fatalf("BindAddr = %q, want file value", cfg.BindAddr)
	}
	if cfg.LiveLanguage != "ta-IN" {
		t.Fatalf("LiveLanguage = %q, env should beat file", cfg.LiveLanguage)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"short idle timeout": {"APP_SESSION_IDLE_TIMEOUT", "1s"},
		"bad duration":       {"APP_SHUTDOWN_TIMEOUT", "soon"},
		"unknown ledger":     {"LEDGER_BACKEND", "sqlite"},
		"unknown backup":     {"BACKUP_BACKEND", "gcs"},
		"short secret":       {"AUTH_JWT_SECRET", "short"},
		"unknown provider":   {"PROVIDER_TRANSCRIPTION_LIVE", "anthropic"},
		"bad log level":      {"LOG_LEVEL", "loud"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(kv[0], kv[1])
			if _, err := Load(); err == nil {
				t.Fatalf("Load() accepted %s=%s", kv[0], kv[1])
			}
		})
	}
}

func TestLoadRequiresDependentSettings(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("LEDGER_BACKEND", "redis")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "REDIS_ADDR") {
		t.Fatalf("error = %v, want REDIS_ADDR requirement", err)
	}

	setBaseEnv(t)
	t.Setenv("BACKUP_BACKEND", "s3")
	_, err = Load()
	if err == nil || !strings.Contains(err.Error(), "BACKUP_BUCKET") {
		t.Fatalf("error = %v, want BACKUP_BUCKET requirement", err)
	}

	setBaseEnv(t)
	t.Setenv("ADMIN_USER", "admin")
	if _, err = Load(); err == nil || !strings.Contains(err.Error(), "ADMIN_PASSWORD_HASH") {
		t.Fatalf("error = %v, want ADMIN_PASSWORD_HASH requirement", err)
	}
}
