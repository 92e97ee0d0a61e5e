package wrapper

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// StartSpec describes an OS process to launch.
type StartSpec struct {
	Executable string
	Args       []string
	Dir        string
	Env        map[string]string

	// LogPath receives the process stdout and stderr. Empty discards them.
	LogPath string
}

// Process is a started OS process owned by exactly one caller.
type Process interface {
	Pid() int
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process and its children.
	Kill() error
	// Interrupt asks the process to shut down.
	Interrupt() error
}

// ProcessHost creates OS processes.
type ProcessHost interface {
	StartProcess(spec StartSpec) (Process, error)
}

// ExecHost starts processes with os/exec in their own process group, so a
// wrapper outlives the controller and can be killed together with the game
// server it launched.
type ExecHost struct{}

func (ExecHost) StartProcess(spec StartSpec) (Process, error) {
	if spec.Executable == "" {
		return nil, errors.New("empty executable")
	}

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile io.WriteCloser
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open process log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}
	return &execProcess{cmd: cmd, logFile: logFile}, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	logFile io.WriteCloser
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	if p.logFile != nil {
		p.logFile.Close()
	}
	return err
}

func (p *execProcess) Kill() error {
	// Negative pid targets the whole process group.
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func (p *execProcess) Interrupt() error {
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGINT); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
