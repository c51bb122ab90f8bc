package obslog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Output formats accepted in LOG_FORMAT.
const (
	FormatLegacy  = "legacy"
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Options describes one process logger. OptionsFromEnv fills it from LOG_*.
type Options struct {
	App     string
	Level   zapcore.Level
	Format  string
	Console bool
	// File is the log file path; empty disables file output.
	File   string
	Caller bool
}

var (
	mu      sync.Mutex
	current = zap.NewNop()
	closeFn = func() error { return nil }
)

// L returns the process logger; a no-op logger until InitFromEnv runs.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return current
}

// Sync flushes buffered entries. Errors from syncing stdout are ignored.
func Sync() { _ = L().Sync() }

// InitFromEnv installs the process logger built from LOG_* for app and
// releases the file held by a previous logger.
func InitFromEnv(app string) error {
	logger, closer, err := New(OptionsFromEnv(app), os.Stdout)
	if err != nil {
		return err
	}
	mu.Lock()
	prevClose := closeFn
	current, closeFn = logger, closer
	mu.Unlock()
	return prevClose()
}

// OptionsFromEnv reads LOG_LEVEL, LOG_FORMAT, LOG_TO_CONSOLE, LOG_TO_FILE,
// LOG_FILE and LOG_CALLER. The file defaults to logs/<app>.log.
func OptionsFromEnv(app string) Options {
	app = strings.TrimSpace(app)
	if app == "" {
		app = "cheese-duel"
	}
	o := Options{
		App:     app,
		Level:   parseLevel(os.Getenv("LOG_LEVEL")),
		Format:  parseFormat(os.Getenv("LOG_FORMAT")),
		Console: envBool("LOG_TO_CONSOLE", true),
		Caller:  envBool("LOG_CALLER", false),
	}
	if envBool("LOG_TO_FILE", true) {
		o.File = strings.TrimSpace(os.Getenv("LOG_FILE"))
		if o.File == "" {
			o.File = filepath.Join("logs", app+".log")
		}
	}
	return o
}

// New builds a logger for o writing console output to stdout. The returned
// func closes the log file, if any.
func New(o Options, stdout zapcore.WriteSyncer) (*zap.Logger, func() error, error) {
	closer := func() error { return nil }
	var cores []zapcore.Core

	if o.Console || o.File == "" {
		colored := o.Format == FormatConsole && isTerminal(stdout)
		cores = append(cores, zapcore.NewCore(encoderFor(o.Format, colored), stdout, o.Level))
	}
	if o.File != "" {
		f, err := openLogFile(o.File)
		if err != nil {
			return nil, nil, err
		}
		closer = f.Close
		cores = append(cores, zapcore.NewCore(encoderFor(o.Format, false), zapcore.AddSync(f), o.Level))
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if o.Caller || o.Format == FormatLegacy {
		opts = append(opts, zap.AddCaller())
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...).With(zap.String("app", o.App))
	return logger, closer, nil
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func encoderFor(format string, colored bool) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	switch format {
	case FormatJSON:
		cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(cfg)
	case FormatConsole:
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		if colored {
			cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		return zapcore.NewConsoleEncoder(cfg)
	default:
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.ConsoleSeparator = " | "
		return zapcore.NewConsoleEncoder(cfg)
	}
}

func isTerminal(w zapcore.WriteSyncer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && isatty.IsTerminal(f.Fd())
}

func parseFormat(s string) string {
	switch f := strings.ToLower(strings.TrimSpace(s)); f {
	case FormatJSON, FormatConsole:
		return f
	default:
		return FormatLegacy
	}
}

func parseLevel(s string) zapcore.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "":
		return def
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
