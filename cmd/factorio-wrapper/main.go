// Command factorio-wrapper runs one Factorio server under a pseudo terminal
// and relays its console to the controller over a Unix socket. The controller
// starts it; it is not meant to be run by hand.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/factorio-deck/factorio-deck/internal/logging"
	"github.com/factorio-deck/factorio-deck/internal/wrapper"
)

const (
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 30 * time.Second
)

var log = logging.ForComponent(logging.CompWrapper)

type options struct {
	serverID string
	socket   string
	dir      string
	logDir   string
	command  []string
}

func parseOptions(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("factorio-wrapper", flag.ContinueOnError)
	fs.StringVar(&o.serverID, "server-id", "", "Server id to register as")
	fs.StringVar(&o.socket, "socket", "", "Controller socket path")
	fs.StringVar(&o.dir, "dir", "", "Working directory of the game")
	fs.StringVar(&o.logDir, "log-dir", "", "Directory for the wrapper log (default stderr only)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	o.command = fs.Args()
	switch {
	case o.serverID == "":
		return o, errors.New("-server-id is required")
	case o.socket == "":
		return o, errors.New("-socket is required")
	case len(o.command) == 0:
		return o, errors.New("game command is required after --")
	}
	return o, nil
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	logging.Init(logging.Config{
		LogDir:   opts.logDir,
		FileName: "wrapper-" + opts.serverID + ".log",
		Format:   "text",
		Stderr:   true,
	})
	defer logging.Shutdown()

	if err := run(opts); err != nil {
		log.Error("wrapper_failed", slog.String("error", err.Error()))
		logging.Shutdown()
		os.Exit(1)
	}
}

func run(opts options) error {
	game := wrapper.NewGame(wrapper.StartSpec{
		Executable: opts.command[0],
		Args:       opts.command[1:],
		Dir:        opts.dir,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		connectLoop(ctx, opts, game)
		return nil
	})
	g.Go(func() error {
		return forwardSignals(ctx, game)
	})

	if err := game.Start(); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	log.Info("wrapper_started", slog.String("server_id", opts.serverID))

	select {
	case <-game.Done():
		// Let the final status change reach the controller.
		time.Sleep(200 * time.Millisecond)
	case <-ctx.Done():
	}
	cancel()
	err := g.Wait()
	log.Info("wrapper_exited", slog.String("status", game.Status().String()))
	return err
}

// connectLoop keeps a controller connection open while ctx lives. The game
// keeps running while the controller is away; its output is dropped until the
// next connection.
func connectLoop(ctx context.Context, opts options, game *wrapper.Game) {
	delay := reconnectDelay
	for ctx.Err() == nil {
		client, err := wrapper.Dial(ctx, opts.socket, opts.serverID)
		if err != nil {
			log.Warn("controller_dial_failed",
				slog.String("socket", opts.socket),
				slog.String("error", err.Error()))
		} else {
			delay = reconnectDelay
			log.Info("controller_connected", slog.String("socket", opts.socket))
			game.SetReporter(client)
			serveErr := client.Serve(ctx, game)
			game.SetReporter(nil)
			_ = client.Close()
			if serveErr != nil {
				log.Warn("controller_connection_lost", slog.String("error", serveErr.Error()))
			} else {
				log.Info("controller_disconnected")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// forwardSignals turns SIGINT and SIGTERM into a graceful game stop. A second
// signal kills the game.
func forwardSignals(ctx context.Context, game *wrapper.Game) error {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	stopping := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigs:
			log.Info("signal_received", slog.String("signal", sig.String()))
			var err error
			if stopping {
				err = game.ForceStop()
			} else {
				stopping = true
				err = game.Stop()
			}
			if err != nil && !errors.Is(err, wrapper.ErrGameNotRunning) {
				log.Warn("signal_stop_failed", slog.String("error", err.Error()))
			}
		}
	}
}
