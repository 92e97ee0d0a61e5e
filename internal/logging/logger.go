package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component constants for structured logging.
const (
	CompStatus     = "status"
	CompWrapper    = "wrapper"
	CompSupervisor = "supervisor"
	CompManager    = "manager"
	CompChat       = "chat"
	CompUpdater    = "updater"
	CompStorage    = "storage"
	CompConfig     = "config"
	CompWeb        = "web"
	CompGame       = "game"
)

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files (e.g. ~/.factorio-deck/logs)
	LogDir string

	// FileName is the log file inside LogDir (default: controller.log)
	FileName string

	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format is "json" (default) or "text"
	Format string

	// MaxSizeMB is the max size in MB before rotation (default: 10)
	MaxSizeMB int

	// MaxBackups is rotated files to keep (default: 5)
	MaxBackups int

	// MaxAgeDays is days to keep rotated files (default: 10)
	MaxAgeDays int

	// Compress rotated files
	Compress bool

	// CrashLines is how many recent log lines are kept in memory for crash dumps (default: 5000)
	CrashLines int

	// AggregateInterval is the aggregation flush interval (default: 30s)
	AggregateInterval time.Duration

	// Stderr mirrors log output to stderr (foreground runs)
	Stderr bool

	// PprofAddr starts a pprof server on this address when non-empty
	PprofAddr string
}

var (
	globalLogger *slog.Logger
	globalCrash  *CrashRing
	globalAgg    *Aggregator
	globalMu     sync.RWMutex
	lumberjackW  *lumberjack.Logger
)

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init initializes the global logging system.
// With neither LogDir nor Stderr set, logs are discarded.
func Init(cfg Config) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if cfg.FileName == "" {
		cfg.FileName = "controller.log"
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 10
	}
	if cfg.CrashLines <= 0 {
		cfg.CrashLines = 5000
	}
	if cfg.AggregateInterval <= 0 {
		cfg.AggregateInterval = 30 * time.Second
	}

	if cfg.LogDir == "" && !cfg.Stderr {
		globalLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		globalCrash = NewCrashRing(16)
		globalAgg = NewAggregator(nil, cfg.AggregateInterval)
		return
	}

	globalCrash = NewCrashRing(cfg.CrashLines)
	writers := []io.Writer{globalCrash}

	if cfg.LogDir != "" {
		lumberjackW = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, cfg.FileName),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, lumberjackW)
	}
	if cfg.Stderr {
		writers = append(writers, os.Stderr)
	}
	out := io.MultiWriter(writers...)

	handlerOpts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(out, handlerOpts)
	}
	globalLogger = slog.New(handler)

	globalAgg = NewAggregator(globalLogger, cfg.AggregateInterval)
	globalAgg.Start()

	if cfg.PprofAddr != "" {
		startPprof(cfg.PprofAddr)
	}
}

// Logger returns the global logger. Safe to call before Init (returns a discard logger).
func Logger() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return globalLogger
}

// ForComponent returns a sub-logger with the component field set.
// The returned logger resolves the global handler at log time, so package-level
// loggers created before Init still reach the configured outputs.
func ForComponent(name string) *slog.Logger {
	return slog.New(&dynamicHandler{component: name})
}

type dynamicHandler struct {
	component string
	attrs     []slog.Attr
	group     string
}

func (h *dynamicHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *dynamicHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := Logger().Handler().WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	if h.group != "" {
		handler = handler.WithGroup(h.group)
	}
	return handler.Handle(ctx, r)
}

func (h *dynamicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &dynamicHandler{component: h.component, attrs: merged, group: h.group}
}

func (h *dynamicHandler) WithGroup(name string) slog.Handler {
	return &dynamicHandler{component: h.component, attrs: h.attrs, group: name}
}

// Aggregate records a high-frequency event for batched logging.
func Aggregate(component, key string, fields ...slog.Attr) {
	globalMu.RLock()
	agg := globalAgg
	globalMu.RUnlock()
	if agg != nil {
		agg.Record(component, key, fields...)
	}
}

// DumpCrashRing writes the most recent log lines to path.
func DumpCrashRing(path string) error {
	globalMu.RLock()
	ring := globalCrash
	globalMu.RUnlock()
	if ring == nil {
		return nil
	}
	return ring.DumpToFile(path)
}

// Shutdown flushes the aggregator and closes writers.
func Shutdown() {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalAgg != nil {
		globalAgg.Stop()
		globalAgg = nil
	}
	if lumberjackW != nil {
		lumberjackW.Close()
		lumberjackW = nil
	}
	globalLogger = nil
	globalCrash = nil
}
