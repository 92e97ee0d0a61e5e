package wrapper

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/factorio-deck/factorio-deck/internal/server"
)

var gameLog = clientLog.With(slog.String("role", "game"))

// Reporter receives what the game produces. The wrapper points it at the
// current controller connection; it may be nil while disconnected.
type Reporter interface {
	SendOutput(line string) error
	SendStatus(newStatus, oldStatus server.Status) error
}

// stateChange matches the multiplayer state transitions Factorio logs, e.g.
// "changing state from(CreatingGame) to(InGame)".
var stateChange = regexp.MustCompile(`changing state from\((\w+)\) to\((\w+)\)`)

// DefaultStopTimeout is how long Stop waits for a graceful exit before the
// game is killed.
const DefaultStopTimeout = 30 * time.Second

var ErrGameNotRunning = errors.New("game not running")

// Game runs one Factorio server process under a pseudo terminal so its
// console output is line buffered and it accepts console commands.
type Game struct {
	spec        StartSpec
	stopTimeout time.Duration

	mu       sync.Mutex
	status   server.Status
	reporter Reporter
	cmd      *exec.Cmd
	ptmx     *os.File
	done     chan struct{}
}

// NewGame prepares a game process described by spec. LogPath is ignored; the
// output goes to the reporter.
func NewGame(spec StartSpec) *Game {
	return &Game{
		spec:        spec,
		stopTimeout: DefaultStopTimeout,
		status:      server.StatusWrapperStarted,
		done:        make(chan struct{}),
	}
}

// SetReporter swaps the reporter and replays the current status to it.
func (g *Game) SetReporter(r Reporter) {
	g.mu.Lock()
	g.reporter = r
	st := g.status
	g.mu.Unlock()

	if r != nil {
		_ = r.SendStatus(st, server.StatusUnknown)
	}
}

// Status returns the game status as seen by the wrapper.
func (g *Game) Status() server.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Done is closed once the game process has exited.
func (g *Game) Done() <-chan struct{} {
	return g.done
}

func (g *Game) setStatus(st server.Status) {
	g.mu.Lock()
	g.setStatusLocked(st)
	g.mu.Unlock()
}

func (g *Game) setStatusLocked(st server.Status) {
	old := g.status
	if old == st {
		return
	}
	g.status = st
	gameLog.Info("game_status", slog.String("from", old.String()), slog.String("to", st.String()))
	if g.reporter != nil {
		_ = g.reporter.SendStatus(st, old)
	}
}

// Start launches the game.
func (g *Game) Start() error {
	cmd := exec.Command(g.spec.Executable, g.spec.Args...)
	cmd.Dir = g.spec.Dir
	cmd.Env = os.Environ()
	for k, v := range g.spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	g.setStatus(server.StatusStarting)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		g.setStatus(server.StatusCrashed)
		close(g.done)
		return fmt.Errorf("start game pty: %w", err)
	}
	// Raw mode turns off echo of console commands.
	if _, err := term.MakeRaw(int(ptmx.Fd())); err != nil {
		gameLog.Warn("pty_raw_failed", slog.String("error", err.Error()))
	}

	g.mu.Lock()
	g.cmd = cmd
	g.ptmx = ptmx
	g.mu.Unlock()

	gameLog.Info("game_started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("executable", g.spec.Executable))

	output := make(chan struct{})
	go func() {
		defer close(output)
		g.readOutput(ptmx)
	}()
	go func() {
		err := cmd.Wait()
		<-output
		ptmx.Close()
		g.exited(err)
	}()
	return nil
}

func (g *Game) readOutput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		g.handleLine(strings.TrimRight(scanner.Text(), "\r"))
	}
	// Linux reports EIO on the master once the child side is gone.
	if err := scanner.Err(); err != nil && !errors.Is(err, syscall.EIO) {
		gameLog.Warn("game_output_error", slog.String("error", err.Error()))
	}
}

func (g *Game) handleLine(line string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r := g.reporter; r != nil {
		_ = r.SendOutput(line)
	}
	if m := stateChange.FindStringSubmatch(line); m != nil {
		if st, ok := statusForGameState(m[2], g.status); ok {
			g.setStatusLocked(st)
		}
	}
}

// statusForGameState maps a Factorio multiplayer state to a status.
func statusForGameState(state string, current server.Status) (server.Status, bool) {
	switch state {
	case "InGame":
		return server.StatusRunning, true
	case "DisconnectScheduled", "Disconnected", "Closed":
		if current == server.StatusRunning {
			return server.StatusStopping, true
		}
	}
	return current, false
}

func (g *Game) exited(err error) {
	g.mu.Lock()
	var next server.Status
	switch g.status {
	case server.StatusKilling:
		next = server.StatusKilled
	case server.StatusStopping:
		next = server.StatusStopped
	default:
		next = server.StatusCrashed
	}
	if err == nil && next == server.StatusCrashed && g.status == server.StatusRunning {
		// Clean exit without a stop request, e.g. /quit from the console.
		next = server.StatusStopped
	}
	g.setStatusLocked(next)
	g.cmd = nil
	g.ptmx = nil
	g.mu.Unlock()

	attrs := []any{slog.String("status", next.String())}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	gameLog.Info("game_exited", attrs...)
	close(g.done)
}

// SendToFactorio writes one console line to the game.
func (g *Game) SendToFactorio(data string) error {
	g.mu.Lock()
	ptmx := g.ptmx
	g.mu.Unlock()
	if ptmx == nil {
		return ErrGameNotRunning
	}
	_, err := ptmx.Write([]byte(strings.TrimRight(data, "\r\n") + "\n"))
	return err
}

// Stop interrupts the game and kills it if it has not exited within the
// stop timeout.
func (g *Game) Stop() error {
	g.mu.Lock()
	cmd := g.cmd
	if cmd == nil {
		g.mu.Unlock()
		return ErrGameNotRunning
	}
	g.setStatusLocked(server.StatusStopping)
	g.mu.Unlock()

	if err := signalGroup(cmd, syscall.SIGINT); err != nil {
		return err
	}
	go func() {
		select {
		case <-g.done:
		case <-time.After(g.stopTimeout):
			gameLog.Warn("game_stop_timeout", slog.Duration("timeout", g.stopTimeout))
			_ = g.ForceStop()
		}
	}()
	return nil
}

// ForceStop kills the game process group.
func (g *Game) ForceStop() error {
	g.mu.Lock()
	cmd := g.cmd
	if cmd == nil {
		g.mu.Unlock()
		return ErrGameNotRunning
	}
	g.setStatusLocked(server.StatusKilling)
	g.mu.Unlock()

	return signalGroup(cmd, syscall.SIGKILL)
}

// signalGroup signals the session the pty started; its leader is the game.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
