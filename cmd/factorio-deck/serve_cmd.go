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
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/factorio-deck/factorio-deck/internal/chatlink"
	"github.com/factorio-deck/factorio-deck/internal/config"
	"github.com/factorio-deck/factorio-deck/internal/logging"
	"github.com/factorio-deck/factorio-deck/internal/manager"
	"github.com/factorio-deck/factorio-deck/internal/platform"
	"github.com/factorio-deck/factorio-deck/internal/statedb"
	"github.com/factorio-deck/factorio-deck/internal/web"
	"github.com/factorio-deck/factorio-deck/internal/wrapper"
)

const (
	heartbeatInterval = 10 * time.Second
	heartbeatTimeout  = 30 * time.Second
	shutdownTimeout   = 5 * time.Second
)

var errNotPrimary = errors.New("another controller is already running for this state directory")

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config.toml (default $FACTORIO_DECK_HOME/config.toml)")
	listenAddr := fs.String("listen", "", "Listen address for the HTTP API (overrides config)")
	readOnly := fs.Bool("read-only", false, "Refuse server operations over HTTP")
	logStderr := fs.Bool("log-stderr", false, "Also write logs to stderr")

	fs.Usage = func() {
		fmt.Println("Usage: factorio-deck serve [options]")
		fmt.Println()
		fmt.Println("Run the controller in the foreground.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("flag parsing: %w", err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	path := *configPath
	if path == "" {
		p, err := config.Path()
		if err != nil {
			return err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.Controller.Listen = *listenAddr
	}

	logCfg := cfg.Logging("controller.log")
	logCfg.Stderr = *logStderr
	logging.Init(logCfg)
	defer logging.Shutdown()
	log := logging.ForComponent(logging.CompManager)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = serve(ctx, cfg, path, *readOnly)
	if err != nil {
		log.Error("controller_failed", slog.String("error", err.Error()))
		crashPath := filepath.Join(cfg.Logs.Dir, "crash.log")
		if dumpErr := logging.DumpCrashRing(crashPath); dumpErr == nil {
			fmt.Fprintf(os.Stderr, "recent log lines written to %s\n", crashPath)
		}
	}
	return err
}

func serve(ctx context.Context, cfg *config.Config, configPath string, readOnly bool) error {
	log := logging.ForComponent(logging.CompManager)

	if !platform.SupportsUnixSockets() {
		return fmt.Errorf("wrapper sockets are not supported on %s", platform.Detect())
	}

	db, err := statedb.Open(cfg.Controller.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}
	if err := recordStart(db); err != nil {
		log.Warn("state_meta_failed", slog.String("error", err.Error()))
	}
	if err := db.RegisterController(); err != nil {
		return fmt.Errorf("register controller: %w", err)
	}
	defer func() { _ = db.UnregisterController() }()
	primary, err := db.ElectPrimary(heartbeatTimeout)
	if err != nil {
		return err
	}
	if !primary {
		return errNotPrimary
	}
	defer func() { _ = db.ResignPrimary() }()

	if err := db.SyncServers(cfg.Servers); err != nil {
		return fmt.Errorf("store server definitions: %w", err)
	}

	var chat *chatlink.Service
	if cfg.Chat.Enabled() {
		chat = chatlink.New(chatlink.Options{
			API:           chatlink.NewHTTPChannelAPI(cfg.Chat.Endpoint, cfg.Chat.Token, cfg.Chat.RequestsPerSecond),
			TopicDelay:    cfg.Chat.TopicDelay(),
			FlushInterval: cfg.Chat.FlushInterval(),
			MessageSize:   cfg.Chat.MessageSize,
		})
		defer chat.Close()
	}

	opts := manager.Options{
		Store:             db,
		Hub:               wrapper.NewHub(),
		WrapperExecutable: cfg.Wrapper.Executable,
		SocketPath:        cfg.Controller.Socket,
		LogDir:            cfg.Wrapper.LogDir,
		HistorySize:       cfg.Controller.HistorySize,
	}
	// A nil *chatlink.Service must not become a non-nil ChatRelay.
	if chat != nil {
		opts.Chat = chat
	}
	mgr := manager.New(opts)
	defer mgr.Close()
	mgr.Sync(cfg.Servers)

	srv := web.NewServer(web.Config{
		ListenAddr: cfg.Controller.Listen,
		ReadOnly:   readOnly,
		Token:      cfg.Controller.Token,
		Servers:    mgr,
	})

	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		if err := db.SyncServers(next.Servers); err != nil {
			log.Error("server_sync_failed", slog.String("error", err.Error()))
			return
		}
		mgr.Sync(next.Servers)
	})
	if err != nil {
		log.Warn("config_watch_disabled", slog.String("error", err.Error()))
	} else if warning := platform.CheckFsnotifySupport(configPath); warning != "" {
		log.Warn("config_watch_unreliable", slog.String("reason", warning))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Hub().Listen(ctx, cfg.Controller.Socket)
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}
	g.Go(func() error { return heartbeatLoop(ctx, db) })

	log.Info("controller_started",
		slog.String("listen", cfg.Controller.Listen),
		slog.String("socket", cfg.Controller.Socket),
		slog.Int("servers", len(cfg.Servers)),
		slog.Bool("chat", chat != nil))

	err = g.Wait()
	log.Info("controller_stopped")
	return err
}

// recordStart notes which controller version last opened the state database.
func recordStart(db *statedb.StateDB) error {
	if err := db.SetMeta("controller_version", Version); err != nil {
		return err
	}
	return db.SetMeta("controller_started_at", time.Now().UTC().Format(time.RFC3339))
}

// heartbeatLoop keeps this controller the primary until ctx is done.
func heartbeatLoop(ctx context.Context, db *statedb.StateDB) error {
	log := logging.ForComponent(logging.CompStorage)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := db.Heartbeat(); err != nil {
				log.Warn("heartbeat_failed", slog.String("error", err.Error()))
				continue
			}
			if err := db.CleanDeadControllers(heartbeatTimeout * 4); err != nil {
				log.Warn("heartbeat_cleanup_failed", slog.String("error", err.Error()))
			}
			primary, err := db.ElectPrimary(heartbeatTimeout)
			if err != nil {
				log.Warn("primary_check_failed", slog.String("error", err.Error()))
				continue
			}
			if !primary {
				return errNotPrimary
			}
		}
	}
}
