// Package runtimeproc owns the lifecycle of the JS/Wasm execution runtime
// subprocess: starting it, feeding it updateConfig buffers, watching it
// for unexpected exit, and tearing it down. The runtime itself is
// out-of-scope (spec.md treats it as "an opaque subprocess fed a
// serialised config"); this package is the supervisor-side half of that
// boundary.
//
// Grounded on cuemby-warren's pkg/embedded/containerd.go, which manages an
// equivalent external daemon process (start, graceful-then-forced stop,
// background monitor, restart-on-crash) — generalised here from a
// single long-lived daemon to a process that can be handed a new config
// buffer on every reload without restarting. An unexpected exit is only
// logged; a fresh process is started only by an explicit Restart call.
package runtimeproc

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Process is the interface the Supervisor drives; Manager's default
// implementation shells out to a real subprocess, but tests substitute a
// fake to exercise Manager's watchdog/generation bookkeeping without a
// real runtime binary.
type Process interface {
	// Start launches the process. The os/exec implementation returns as
	// soon as the process has been spawned; it does not wait for a
	// readiness signal.
	Start(ctx context.Context) error
	// UpdateConfig hands the process a freshly encoded config buffer.
	UpdateConfig(ctx context.Context, buf []byte, entryPort int) error
	// Wait blocks until the process exits and returns its exit error (nil
	// on a clean exit).
	Wait() error
	// Stop asks the process to exit, escalating to a forced kill after
	// grace elapses.
	Stop(grace time.Duration) error
}

// Spawner constructs a new Process bound to a command the Manager
// launches with os/exec. Tests can substitute a Spawner that returns a
// fake Process instead of shelling out.
type Spawner func(binaryPath string, args []string, log zerolog.Logger) Process

// Manager owns exactly one runtime Process at a time, generation-tagged
// so stale watchdog goroutines recognise a process they no longer own
// after a restart.
type Manager struct {
	spawner    Spawner
	binaryPath string
	args       []string
	log        zerolog.Logger

	mu         sync.Mutex
	proc       Process
	generation uint64
	exited     chan struct{} // closed when the current process exits; replaced on restart
}

// Options configures a new Manager.
type Options struct {
	BinaryPath string
	Args       []string
	Log        zerolog.Logger
	// Spawner defaults to OSProcessSpawner when nil.
	Spawner Spawner
}

// New creates a Manager. It does not start a process; call Start.
func New(opts Options) *Manager {
	spawner := opts.Spawner
	if spawner == nil {
		spawner = OSProcessSpawner
	}
	return &Manager{
		spawner:    spawner,
		binaryPath: opts.BinaryPath,
		args:       opts.Args,
		log:        opts.Log,
	}
}

// Start launches the runtime process and arms the crash watchdog.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx)
}

func (m *Manager) startLocked(ctx context.Context) error {
	proc := m.spawner(m.binaryPath, m.args, m.log)
	if err := proc.Start(ctx); err != nil {
		return fmt.Errorf("runtimeproc: starting runtime: %w", err)
	}
	m.generation++
	gen := m.generation
	m.proc = proc
	exited := make(chan struct{})
	m.exited = exited

	go func() {
		err := proc.Wait()
		close(exited)
		m.handleExit(gen, err)
	}()

	return nil
}

// handleExit logs an unexpected exit. It does NOT restart the process, and
// neither does the Supervisor: nothing reacts to the exit beyond this log
// line, and a new process starts only through an explicit Restart.
func (m *Manager) handleExit(generation uint64, exitErr error) {
	m.mu.Lock()
	isCurrent := generation == m.generation
	m.mu.Unlock()
	if !isCurrent {
		// Already superseded by an explicit Restart; nothing to report.
		return
	}
	if exitErr != nil {
		m.log.Error().Err(exitErr).Uint64("generation", generation).Msg("runtime process exited unexpectedly")
	} else {
		m.log.Warn().Uint64("generation", generation).Msg("runtime process exited")
	}
}

// UpdateConfig hands the current process a new config buffer.
func (m *Manager) UpdateConfig(ctx context.Context, buf []byte, entryPort int) error {
	m.mu.Lock()
	proc := m.proc
	m.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("runtimeproc: no process running")
	}
	return proc.UpdateConfig(ctx, buf, entryPort)
}

// Restart stops the current process (if any) and starts a fresh one,
// bumping the generation so the old watchdog goroutine's exit report is
// suppressed.
func (m *Manager) Restart(ctx context.Context, grace time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc != nil {
		m.generation++ // invalidate the old watchdog before stopping, so its Wait() race doesn't double-log
		_ = m.proc.Stop(grace)
		<-m.exited
	}
	return m.startLocked(ctx)
}

// Generation reports the current process generation, for diagnostics.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Stop tears down the current process and waits for it to exit.
func (m *Manager) Stop(grace time.Duration) error {
	m.mu.Lock()
	proc := m.proc
	exited := m.exited
	m.generation++
	m.proc = nil
	m.mu.Unlock()
	if proc == nil {
		return nil
	}
	err := proc.Stop(grace)
	if exited != nil {
		<-exited
	}
	return err
}

// osProcess is the default os/exec-backed Process implementation.
type osProcess struct {
	cmd *exec.Cmd
	log zerolog.Logger

	stdin io.WriteCloser

	// exec.Cmd.Wait may only be called once; Wait and Stop both need its
	// result, so the real call is guarded by waitOnce and its result
	// fanned out via waitDone.
	waitOnce sync.Once
	waitDone chan struct{}
	waitErr  error
}

// OSProcessSpawner is the production Spawner: runs binaryPath as a real
// subprocess with args, piping its stdout/stderr into log at info/error
// level the way cuemby-warren's logWriter does for its embedded
// containerd daemon.
func OSProcessSpawner(binaryPath string, args []string, log zerolog.Logger) Process {
	return &osProcess{log: log, cmd: exec.Command(binaryPath, args...), waitDone: make(chan struct{})}
}

func (p *osProcess) Start(ctx context.Context) error {
	p.cmd.Stdout = &logWriter{log: p.log, level: zerolog.InfoLevel}
	p.cmd.Stderr = &logWriter{log: p.log, level: zerolog.ErrorLevel}
	// Guarantees the runtime subprocess dies with us even if Dispose is
	// never called (a panic, a kill -9, a crashed test) — Linux-only, but
	// so is the rest of this package's SIGTERM/SIGKILL escalation below.
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("runtimeproc: opening stdin pipe: %w", err)
	}
	p.stdin = stdin
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("runtimeproc: starting process: %w", err)
	}
	return nil
}

// UpdateConfig writes a length-prefixed (4-byte big-endian) frame
// containing buf and the entry port to the process's stdin. The runtime
// is responsible for reading frames off its stdin in a loop.
func (p *osProcess) UpdateConfig(ctx context.Context, buf []byte, entryPort int) error {
	if p.stdin == nil {
		return fmt.Errorf("runtimeproc: process has no stdin pipe")
	}
	frame := encodeUpdateFrame(buf, entryPort)
	_, err := p.stdin.Write(frame)
	return err
}

// Wait blocks until the underlying exec.Cmd exits. Safe to call from
// multiple goroutines (the Manager watchdog and Stop, concurrently) —
// only the first caller actually invokes cmd.Wait.
func (p *osProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.waitDone)
	})
	<-p.waitDone
	return p.waitErr
}

// Stop closes stdin (the runtime's cue to exit once it drains its frame
// queue) and sends SIGTERM, then escalates to SIGKILL if the process has
// not exited after grace — the same graceful-then-forced shape as
// cuemby-warren's ContainerdManager.Stop.
func (p *osProcess) Stop(grace time.Duration) error {
	if p.cmd.Process == nil {
		return nil
	}
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.log.Warn().Err(err).Msg("sending SIGTERM to runtime process")
	}

	// Stop must observe the exit regardless of whether a Manager watchdog
	// is also calling Wait concurrently, so it drives the Once itself too.
	go p.Wait()

	select {
	case <-p.waitDone:
		return p.waitErr
	case <-time.After(grace):
		if err := p.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("runtimeproc: killing process: %w", err)
		}
		<-p.waitDone
		return nil
	}
}

// logWriter adapts an io.Writer (exec.Cmd.Stdout/Stderr) onto zerolog, one
// log event per Write call (callers — bufio scanners upstream, typically
// — are expected to write one line at a time).
type logWriter struct {
	log   zerolog.Logger
	level zerolog.Level
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.log.WithLevel(w.level).Msg(string(p))
	return len(p), nil
}
