// internal/orchestrator/launcher.go
package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/jason-s-yu/gamelobby/internal/models"
)

// LaunchSpec is everything needed to start one game server process.
type LaunchSpec struct {
	Dir     string
	Command string
	Args    []string
	Env     []string
	LogPath string
}

// ExitStatus describes how a game server process ended.
type ExitStatus struct {
	Code     int
	Signaled bool
	Err      error
}

// Clean reports a zero exit that was not caused by a signal.
func (s ExitStatus) Clean() bool {
	return s.Code == 0 && !s.Signaled && s.Err == nil
}

// Process is a running game server.
type Process interface {
	Pid() int
	// Done is closed once the process has exited and its status is final.
	Done() <-chan struct{}
	ExitStatus() ExitStatus
	Signal(sig os.Signal) error
	Kill() error
}

// Launcher starts game server processes.
type Launcher interface {
	Start(spec LaunchSpec) (Process, error)
}

// ExecLauncher runs game servers as child processes with stdout and stderr
// appended to a per-session log file.
type ExecLauncher struct{}

func (ExecLauncher) Start(spec LaunchSpec) (Process, error) {
	var out *os.File
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.Create(spec.LogPath)
		if err != nil {
			return nil, fmt.Errorf("open game log: %w", err)
		}
		out = f
	}

	// not CommandContext: the game must outlive the request that started it
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}

	if err := cmd.Start(); err != nil {
		if out != nil {
			_ = out.Close()
		}
		return nil, err
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		st := ExitStatus{Code: -1}
		if cmd.ProcessState != nil {
			st.Code = cmd.ProcessState.ExitCode()
			st.Signaled = st.Code == -1
		}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			st.Err = err
		}
		if out != nil {
			_ = out.Close()
		}
		p.mu.Lock()
		p.status = st
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	mu     sync.Mutex
	status ExitStatus
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) Signal(s os.Signal) error { return p.cmd.Process.Signal(s) }
func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

func (p *execProcess) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// launchSpec builds the command line from a release manifest. Placeholders
// in the manifest arguments are expanded; the game also gets its identity
// through GAME_* environment variables.
func launchSpec(cfg Config, rel models.Release, roomID string, gen uint64, port int, pubKey string) (LaunchSpec, error) {
	srv := rel.Manifest.Server
	if srv.EntryPoint == "" && srv.StartCommand == "" {
		return LaunchSpec{}, fmt.Errorf("release %s %s has no server entry point", rel.Name, rel.Version)
	}

	repl := strings.NewReplacer(
		"{PORT}", strconv.Itoa(port),
		"{NUM_PLAYERS}", strconv.Itoa(expectedPlayers),
		"{ROOM_ID}", roomID,
		"{GAME_NAME}", rel.Name,
		"{VERSION}", rel.Version,
	)

	var (
		command string
		args    []string
	)
	if srv.StartCommand != "" {
		command = srv.StartCommand
		if srv.EntryPoint != "" {
			args = append(args, srv.EntryPoint)
		}
	} else {
		command = "./" + srv.EntryPoint
	}
	for _, a := range srv.Arguments {
		args = append(args, repl.Replace(a))
	}

	env := append(os.Environ(),
		"GAME_ROOM_ID="+roomID,
		"GAME_GENERATION="+strconv.FormatUint(gen, 10),
		"GAME_NAME="+rel.Name,
		"GAME_VERSION="+rel.Version,
		"GAME_PORT="+strconv.Itoa(port),
		"GAME_EXPECTED_PLAYERS="+strconv.Itoa(expectedPlayers),
		"GAME_TICKET_PUBKEY="+pubKey,
	)

	return LaunchSpec{
		Dir:     filepath.Join(cfg.GamesDir, rel.Path),
		Command: command,
		Args:    args,
		Env:     env,
		LogPath: filepath.Join(cfg.LogDir, fmt.Sprintf("game_%d_%s.log", port, roomID)),
	}, nil
}
