package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ent0n29/rxdictate/internal/registry"
)

// Config contains all runtime settings for the dictation service.
type Config struct {
	BindAddr                 string        `mapstructure:"APP_BIND_ADDR" validate:"required"`
	Environment              string        `mapstructure:"APP_ENV" validate:"required"`
	ShutdownTimeout          time.Duration `mapstructure:"APP_SHUTDOWN_TIMEOUT" validate:"gt=0"`
	SessionInactivityTimeout time.Duration `mapstructure:"APP_SESSION_IDLE_TIMEOUT" validate:"gte=5s"`
	MaxConnectionsPerOwner   int           `mapstructure:"APP_MAX_CONNECTIONS_PER_OWNER" validate:"gte=0"`
	MaxUploadBytes           int64         `mapstructure:"APP_MAX_UPLOAD_BYTES" validate:"gt=0"`
	MetricsNamespace         string        `mapstructure:"APP_METRICS_NAMESPACE" validate:"required"`
	AllowAnyOrigin           bool          `mapstructure:"APP_ALLOW_ANY_ORIGIN"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"oneof=trace debug info warn error"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"oneof=json console"`

	JWTSecret         string `mapstructure:"AUTH_JWT_SECRET" validate:"required,min=16"`
	JWTIssuer         string `mapstructure:"AUTH_JWT_ISSUER"`
	AdminUser         string `mapstructure:"ADMIN_USER"`
	AdminPasswordHash string `mapstructure:"ADMIN_PASSWORD_HASH" validate:"required_with=AdminUser"`

	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	LedgerBackend string `mapstructure:"LEDGER_BACKEND" validate:"oneof=store redis"`
	RedisAddr     string `mapstructure:"REDIS_ADDR" validate:"required_if=LedgerBackend redis"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB" validate:"gte=0"`

	BackupBackend   string `mapstructure:"BACKUP_BACKEND" validate:"oneof=none s3 minio"`
	BackupBucket    string `mapstructure:"BACKUP_BUCKET" validate:"required_unless=BackupBackend none"`
	BackupRegion    string `mapstructure:"BACKUP_REGION"`
	BackupEndpoint  string `mapstructure:"BACKUP_ENDPOINT" validate:"required_if=BackupBackend minio"`
	BackupAccessKey string `mapstructure:"BACKUP_ACCESS_KEY"`
	BackupSecretKey string `mapstructure:"BACKUP_SECRET_KEY"`
	BackupUseSSL    bool   `mapstructure:"BACKUP_USE_SSL"`

	OpenAIAPIKey       string  `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL      string  `mapstructure:"OPENAI_BASE_URL"`
	AnthropicAPIKey    string  `mapstructure:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL   string  `mapstructure:"ANTHROPIC_BASE_URL"`
	AnthropicMaxTokens int     `mapstructure:"ANTHROPIC_MAX_TOKENS" validate:"gt=0"`
	GeminiAPIKey       string  `mapstructure:"GEMINI_API_KEY"`
	GeminiBaseURL      string  `mapstructure:"GEMINI_BASE_URL"`
	DeepgramAPIKey     string  `mapstructure:"DEEPGRAM_API_KEY"`
	DeepgramBaseURL    string  `mapstructure:"DEEPGRAM_BASE_URL"`
	DeepgramWSBaseURL  string  `mapstructure:"DEEPGRAM_WS_BASE_URL"`
	ElevenLabsAPIKey   string  `mapstructure:"ELEVENLABS_API_KEY"`
	ElevenLabsBaseURL  string  `mapstructure:"ELEVENLABS_BASE_URL"`
	ElevenLabsWSURL    string  `mapstructure:"ELEVENLABS_WS_BASE_URL"`
	TextTemperature    float64 `mapstructure:"TEXT_TEMPERATURE" validate:"gte=0,lte=2"`

	ProviderTranscriptionLive    string `mapstructure:"PROVIDER_TRANSCRIPTION_LIVE"`
	ProviderTranscriptionOffline string `mapstructure:"PROVIDER_TRANSCRIPTION_OFFLINE"`
	ProviderTextScribe           string `mapstructure:"PROVIDER_TEXT_SCRIBE"`
	ProviderTextReview           string `mapstructure:"PROVIDER_TEXT_REVIEW"`
	ProviderTextFormat           string `mapstructure:"PROVIDER_TEXT_FORMAT"`

	ModelTranscriptionLive    string `mapstructure:"MODEL_TRANSCRIPTION_LIVE"`
	ModelTranscriptionOffline string `mapstructure:"MODEL_TRANSCRIPTION_OFFLINE"`
	ModelTextScribe           string `mapstructure:"MODEL_TEXT_SCRIBE"`
	ModelTextReview           string `mapstructure:"MODEL_TEXT_REVIEW"`
	ModelTextFormat           string `mapstructure:"MODEL_TEXT_FORMAT"`

	LiveLanguage    string `mapstructure:"LIVE_LANGUAGE" validate:"required"`
	MedicineCSVPath string `mapstructure:"MEDICINE_CSV_PATH"`

	OTelExporter string `mapstructure:"OTEL_EXPORTER" validate:"oneof=none otlphttp"`
	OTelEndpoint string `mapstructure:"OTEL_ENDPOINT"`
}

var defaults = map[string]any{
	"APP_BIND_ADDR":                 ":8080",
	"APP_ENV":                       "development",
	"APP_SHUTDOWN_TIMEOUT":          "15s",
	"APP_SESSION_IDLE_TIMEOUT":      "2m",
	"APP_MAX_CONNECTIONS_PER_OWNER": 4,
	"APP_MAX_UPLOAD_BYTES":          int64(25 << 20),
	"APP_METRICS_NAMESPACE":         "rxdictate",
	"APP_ALLOW_ANY_ORIGIN":          false,
	"LOG_LEVEL":                     "info",
	"LOG_FORMAT":                    "json",
	"AUTH_JWT_ISSUER":               "rxdictate",
	"LEDGER_BACKEND":                "store",
	"REDIS_DB":                      0,
	"BACKUP_BACKEND":                "none",
	"BACKUP_REGION":                 "us-east-1",
	"BACKUP_USE_SSL":                true,
	"ANTHROPIC_MAX_TOKENS":          4096,
	"TEXT_TEMPERATURE":              0.2,
	"LIVE_LANGUAGE":                 "en-IN",
	"OTEL_EXPORTER":                 "none",
}

// Options locate optional config sources.
type Options struct {
	// ConfigFile is a YAML file read before the environment.
	ConfigFile string
	// EnvFile is a dotenv file. Variables already set in the process win.
	EnvFile string
}

// Load reads CONFIG_FILE and ENV_FILE (default .env) when present, then the
// process environment, and validates the result.
func Load() (Config, error) {
	return LoadWith(Options{
		ConfigFile: strings.TrimSpace(os.Getenv("CONFIG_FILE")),
		EnvFile:    envOrDefault("ENV_FILE", ".env"),
	})
}

func LoadWith(opts Options) (Config, error) {
	if opts.EnvFile != "" && fileExists(opts.EnvFile) {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range keysOf(reflect.TypeOf(Config{})) {
		if err := v.BindEnv(key); err != nil {
			return Config{}, err
		}
	}
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", opts.ConfigFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.trim()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field rules and provider backend names.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s %s", fe.Field(), describe(fe)))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	backends := make(map[string]string)
	for task, id := range c.ProviderEnv().Backends {
		backends[string(task)] = id
	}
	if err := registry.ValidateOverrides(backends); err != nil {
		return fmt.Errorf("invalid provider environment: %w", err)
	}
	return nil
}

// ProviderEnv is the environment layer for the provider registry.
func (c Config) ProviderEnv() registry.EnvLayer {
	env := registry.EnvLayer{
		Backends: map[registry.Task]string{},
		Models:   map[registry.Task]string{},
	}
	set := func(task registry.Task, backend, model string) {
		if backend != "" {
			env.Backends[task] = backend
		}
		if model != "" {
			env.Models[task] = model
		}
	}
	set(registry.TaskTranscriptionLive, c.ProviderTranscriptionLive, c.ModelTranscriptionLive)
	set(registry.TaskTranscriptionOffline, c.ProviderTranscriptionOffline, c.ModelTranscriptionOffline)
	set(registry.TaskTextScribe, c.ProviderTextScribe, c.ModelTextScribe)
	set(registry.TaskTextReview, c.ProviderTextReview, c.ModelTextReview)
	set(registry.TaskTextFormat, c.ProviderTextFormat, c.ModelTextFormat)
	return env
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("mapstructure"); name != "" {
			return name
		}
		return fld.Name
	})
	return v
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if", "required_with", "required_unless":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "gt", "gte", "lte":
		return fmt.Sprintf("is out of range (%s %s)", fe.Tag(), fe.Param())
	default:
		return "is invalid"
	}
}

func (c *Config) trim() {
	rv := reflect.ValueOf(c).Elem()
	for i := 0; i < rv.NumField(); i++ {
		if f := rv.Field(i); f.Kind() == reflect.String {
			f.SetString(strings.TrimSpace(f.String()))
		}
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.LogFormat = strings.ToLower(c.LogFormat)
	c.LedgerBackend = strings.ToLower(c.LedgerBackend)
	c.BackupBackend = strings.ToLower(c.BackupBackend)
	c.OTelExporter = strings.ToLower(c.OTelExporter)
}

func keysOf(t reflect.Type) []string {
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if k := t.Field(i).Tag.Get("mapstructure"); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
