package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Field names shared across components.
const (
	FieldComponent    = "component"
	FieldConnectionID = "connection_id"
	FieldOwnerID      = "owner_id"
	FieldTask         = "task"
	FieldBackend      = "backend"
	FieldModel        = "model"
)

type Config struct {
	Level   string
	Format  string
	Output  string
	NoColor bool
	Service string
}

func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	if strings.TrimSpace(c.Format) == "" {
		c.Format = FormatJSON
	}
	if strings.TrimSpace(c.Output) == "" {
		c.Output = "stdout"
	}
}

func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Level)); err != nil {
		return fmt.Errorf("LOG_LEVEL %q is invalid", c.Level)
	}
	switch strings.ToLower(c.Format) {
	case FormatJSON, FormatConsole, "pretty":
		return nil
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console (got: %s)", c.Format)
	}
}

// New builds the root logger.
func New(cfg Config) zerolog.Logger {
	cfg.ApplyDefaults()
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	out := outputWriter(cfg.Output)
	var zl zerolog.Logger
	switch strings.ToLower(cfg.Format) {
	case FormatConsole, "pretty":
		zl = zerolog.New(zerolog.ConsoleWriter{Out: out, NoColor: cfg.NoColor, TimeFormat: time.RFC3339})
	default:
		zl = zerolog.New(out)
	}
	ctx := zl.Level(level).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	return ctx.Logger()
}

// Component tags l with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str(FieldComponent, name).Logger()
}

func outputWriter(output string) io.Writer {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "stderr":
		return os.Stderr
	default:
		return os.Stdout
	}
}
