// Package supervisor owns the single call agent subprocess: spawning it,
// feeding it stdin instructions, and tearing it down through an escalating
// quit → SIGTERM → SIGKILL sequence.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrSessionActive is returned by Start when a session already exists.
	ErrSessionActive = errors.New("session already active")
	// ErrNoSession is returned by Send when nothing is running.
	ErrNoSession = errors.New("no active session")
	// ErrStdinClosed is returned by Send after stdin was closed for shutdown.
	ErrStdinClosed = errors.New("session stdin closed")
)

// State is the lifecycle state of the session slot.
type State int

const (
	Idle State = iota
	Starting
	Running
	GracefulStop
	ForcedStop
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case GracefulStop:
		return "graceful_stop"
	case ForcedStop:
		return "forced_stop"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StreamHandler consumes one of the session's output streams until EOF or
// until the stream is closed under it.
type StreamHandler func(ctx context.Context, r io.Reader) error

// Config controls how the session is spawned and stopped.
type Config struct {
	// Command is the argv of the call agent.
	Command []string
	// Env is appended to the orchestrator's environment.
	Env []string

	StartupDelay    time.Duration
	GracefulTimeout time.Duration
	KillTimeout     time.Duration
	// DrainTimeout bounds how long output readers may keep running after
	// the process has exited before their pipes are closed under them.
	DrainTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = 3 * time.Second
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 500 * time.Millisecond
	}
}

// Options wires the supervisor to the rest of the process.
type Options struct {
	Stdout StreamHandler
	Stderr StreamHandler
	Logger *slog.Logger
	// OnTransition, if set, is called after every state change.
	OnTransition func(from, to State, pid int)
}

// Supervisor manages at most one session at a time.
type Supervisor struct {
	cfg  Config
	opts Options
	log  *slog.Logger

	// transition serializes Start/Stop/Terminate.
	transition sync.Mutex

	mu    sync.Mutex
	state State
	sess  *session
}

type session struct {
	cmd *exec.Cmd
	pid int

	stdinMu sync.Mutex
	stdin   *os.File

	exited  chan struct{} // closed once Wait returned
	done    chan struct{} // closed once readers are gone and the slot is Idle
	waitErr error
}

func New(cfg Config, opts Options) *Supervisor {
	cfg.setDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	discard := func(ctx context.Context, r io.Reader) error {
		_, err := io.Copy(io.Discard, r)
		return err
	}
	if opts.Stdout == nil {
		opts.Stdout = discard
	}
	if opts.Stderr == nil {
		opts.Stderr = discard
	}
	return &Supervisor{cfg: cfg, opts: opts, log: logger}
}

// State returns the current state of the slot.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the pid of the current session, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return 0
	}
	return s.sess.pid
}

// Running reports whether a session exists whose process has not exited.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return false
	}
	select {
	case <-sess.exited:
		return false
	default:
		return true
	}
}

// setState moves the slot to `to` if sess is still the current session.
// sess == nil only applies while the slot is empty.
func (s *Supervisor) setState(sess *session, to State) {
	s.mu.Lock()
	if s.sess != sess {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = to
	pid := 0
	if sess != nil {
		pid = sess.pid
	}
	s.mu.Unlock()
	s.notify(from, to, pid)
}

func (s *Supervisor) notify(from, to State, pid int) {
	if from == to {
		return
	}
	s.log.Info("session state", "from", from.String(), "to", to.String(), "session_pid", pid)
	if s.opts.OnTransition != nil {
		s.opts.OnTransition(from, to, pid)
	}
}

// Start spawns the agent and waits the startup delay. On any failure the
// slot is left Idle.
func (s *Supervisor) Start(ctx context.Context) (int, error) {
	s.transition.Lock()
	defer s.transition.Unlock()

	s.mu.Lock()
	if s.sess != nil || s.state != Idle {
		s.mu.Unlock()
		return 0, ErrSessionActive
	}
	s.mu.Unlock()
	if len(s.cfg.Command) == 0 {
		return 0, errors.New("session command is empty")
	}

	s.setState(nil, Starting)
	sess, err := s.spawn()
	if err != nil {
		s.setState(nil, Idle)
		return 0, err
	}
	s.log.Info("session started", "session_pid", sess.pid, "command", s.cfg.Command, "startup_delay", s.cfg.StartupDelay)

	timer := time.NewTimer(s.cfg.StartupDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-sess.exited:
		<-sess.done
		return 0, fmt.Errorf("session exited during startup: %w", exitError(sess.waitErr))
	case <-ctx.Done():
		s.shutdown(context.Background(), sess, false)
		return 0, ctx.Err()
	}
	s.setState(sess, Running)
	return sess.pid, nil
}

func exitError(err error) error {
	if err == nil {
		return errors.New("exit status 0")
	}
	return err
}

func (s *Supervisor) spawn() (*session, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	// Own process group so signals reach anything the agent forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start %s: %w", s.cfg.Command[0], err)
	}
	// The child holds its own copies now.
	closeAll(stdinR, stdoutW, stderrW)

	sess := &session{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdin:  stdinW,
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()

	readerCtx, cancel := context.WithCancel(context.Background())
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		if err := s.opts.Stdout(readerCtx, stdoutR); err != nil && readerCtx.Err() == nil && !errors.Is(err, os.ErrClosed) {
			s.log.Warn("session stdout reader stopped", "session_pid", sess.pid, "error", err)
		}
	}()
	go func() {
		defer readers.Done()
		if err := s.opts.Stderr(readerCtx, stderrR); err != nil && readerCtx.Err() == nil && !errors.Is(err, os.ErrClosed) {
			s.log.Warn("session stderr reader stopped", "session_pid", sess.pid, "error", err)
		}
	}()

	go s.monitor(sess, cancel, &readers, stdoutR, stderrR)
	return sess, nil
}

// monitor reaps the process, retires its readers and frees the slot.
func (s *Supervisor) monitor(sess *session, cancel context.CancelFunc, readers *sync.WaitGroup, outputs ...*os.File) {
	sess.waitErr = sess.cmd.Wait()
	close(sess.exited)
	s.log.Info("session exited", "session_pid", sess.pid, "exit", describeExit(sess.waitErr))

	readersDone := make(chan struct{})
	go func() {
		readers.Wait()
		close(readersDone)
	}()
	timer := time.NewTimer(s.cfg.DrainTimeout)
	select {
	case <-readersDone:
	case <-timer.C:
		s.log.Debug("session readers still running after exit; closing pipes", "session_pid", sess.pid)
	}
	timer.Stop()
	cancel()
	closeAll(outputs...)
	<-readersDone
	sess.closeStdin()

	s.mu.Lock()
	from := s.state
	current := s.sess == sess
	if current {
		s.sess = nil
		s.state = Idle
	}
	s.mu.Unlock()
	if current {
		s.notify(from, Idle, sess.pid)
	}
	close(sess.done)
}

// Send writes one instruction line to the session's stdin.
func (s *Supervisor) Send(line string) error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}
	if err := sess.writeLine(line); err != nil {
		return err
	}
	s.log.Info("sent session instruction", "session_pid", sess.pid, "instruction", line)
	return nil
}

// Stop retires the current session: "quit" on stdin and EOF, then SIGTERM
// after the graceful timeout, then SIGKILL after the kill timeout. It
// returns once the slot is Idle. Stopping an empty slot is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.retire(ctx, true)
}

// Terminate is Stop without the graceful phase.
func (s *Supervisor) Terminate(ctx context.Context) error {
	return s.retire(ctx, false)
}

// Shutdown terminates any session during process exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	return s.Terminate(ctx)
}

func (s *Supervisor) retire(ctx context.Context, graceful bool) error {
	s.transition.Lock()
	defer s.transition.Unlock()

	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	s.shutdown(ctx, sess, graceful)
	return nil
}

// shutdown runs the escalation for sess. Callers hold s.transition.
func (s *Supervisor) shutdown(ctx context.Context, sess *session, graceful bool) {
	if graceful {
		s.setState(sess, GracefulStop)
		if err := sess.writeLine("quit"); err != nil {
			s.log.Debug("quit instruction not delivered", "session_pid", sess.pid, "error", err)
		}
		sess.closeStdin()
		if waitExit(ctx, sess, s.cfg.GracefulTimeout) {
			<-sess.done
			return
		}
		s.log.Warn("session ignored quit; sending SIGTERM", "session_pid", sess.pid, "timeout", s.cfg.GracefulTimeout)
	}

	s.setState(sess, ForcedStop)
	s.signal(sess, unix.SIGTERM)
	if waitExit(ctx, sess, s.cfg.KillTimeout) {
		<-sess.done
		return
	}
	s.log.Warn("session ignored SIGTERM; sending SIGKILL", "session_pid", sess.pid, "timeout", s.cfg.KillTimeout)
	s.signal(sess, unix.SIGKILL)
	<-sess.done
}

// waitExit reports whether the process exited within d. A cancelled ctx
// cuts the wait short so the caller escalates.
func waitExit(ctx context.Context, sess *session, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-sess.exited:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		select {
		case <-sess.exited:
			return true
		default:
			return false
		}
	}
}

func (s *Supervisor) signal(sess *session, sig syscall.Signal) {
	select {
	case <-sess.exited:
		return
	default:
	}
	err := unix.Kill(-sess.pid, sig)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		s.log.Debug("signal process group failed; signalling process", "session_pid", sess.pid, "signal", sig.String(), "error", err)
		err = sess.cmd.Process.Signal(sig)
	}
	if err != nil && !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, unix.ESRCH) {
		s.log.Warn("signal session", "session_pid", sess.pid, "signal", sig.String(), "error", err)
	}
}

func (sess *session) writeLine(line string) error {
	sess.stdinMu.Lock()
	defer sess.stdinMu.Unlock()
	if sess.stdin == nil {
		return ErrStdinClosed
	}
	if _, err := io.WriteString(sess.stdin, line+"\n"); err != nil {
		return fmt.Errorf("write session stdin: %w", err)
	}
	return nil
}

func (sess *session) closeStdin() {
	sess.stdinMu.Lock()
	defer sess.stdinMu.Unlock()
	if sess.stdin != nil {
		_ = sess.stdin.Close()
		sess.stdin = nil
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// describeExit renders a Wait error the way operators expect to read it.
func describeExit(err error) string {
	if err == nil {
		return "exit status 0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return "killed by " + ws.Signal().String()
		}
		return fmt.Sprintf("exit status %d", exitErr.ExitCode())
	}
	return err.Error()
}
