package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/mcpharness/errors"
	"github.com/m4xw311/mcpharness/logger"
	"github.com/m4xw311/mcpharness/metrics"
)

const (
	DefaultGracePeriod   = 3 * time.Second
	DefaultStopTimeout   = 5 * time.Second
	DefaultProbeTimeout  = 10 * time.Second
	DefaultProbeInterval = 100 * time.Millisecond
	DefaultSettle        = time.Second

	// outputTail bounds how much child output is kept in memory per stream.
	outputTail = 64 << 10
	// waitDelay bounds how long Wait keeps copying output after the child
	// exits, in case a grandchild still holds the pipes open.
	waitDelay = 2 * time.Second
	// probeAttempt bounds a single readiness probe call.
	probeAttempt = time.Second
)

// State is the liveness of a managed process.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateExited
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Spec describes a child process to launch.
type Spec struct {
	Name string
	Path string
	Args []string
	Env  []string // nil inherits the parent environment
	Dir  string

	// GracePeriod is the fixed wait after launch when Probe is nil.
	GracePeriod time.Duration
	// StopTimeout is how long Stop waits after SIGTERM before SIGKILL.
	StopTimeout time.Duration

	// Probe, when set, replaces the fixed grace period: Start polls it
	// every ProbeInterval until it succeeds or ProbeTimeout elapses, then
	// requires the child to stay alive for Settle. A probe can be answered
	// by something else already bound to the port; the child failing to
	// bind shows up as an exit inside the settle window.
	Probe         Probe
	ProbeTimeout  time.Duration
	ProbeInterval time.Duration
	Settle        time.Duration

	// Log tees child stdout/stderr to rotating files when enabled.
	Log    logger.Config
	Logger *slog.Logger
}

func (s Spec) withDefaults() Spec {
	if s.Name == "" {
		s.Name = s.Path
	}
	if s.GracePeriod <= 0 {
		s.GracePeriod = DefaultGracePeriod
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = DefaultStopTimeout
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = DefaultProbeTimeout
	}
	if s.ProbeInterval <= 0 {
		s.ProbeInterval = DefaultProbeInterval
	}
	if s.Settle <= 0 {
		s.Settle = DefaultSettle
	}
	if s.Logger == nil {
		s.Logger = logger.Discard()
	}
	return s
}

// StartupError reports a child that exited before it became ready.
type StartupError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup error: %s", e.Stderr)
}

func (e *StartupError) Is(target error) bool { return target == errors.ErrStartup }

// ManagedProcess is a child process owned by the supervisor. The zero value
// is not usable; obtain one from Start.
type ManagedProcess struct {
	spec    Spec
	log     *slog.Logger
	cmd     *exec.Cmd
	stdout  *tailBuffer
	stderr  *tailBuffer
	closers []io.Closer
	done    chan struct{} // closed once the exit status has been observed

	mu       sync.Mutex
	state    State
	exitCode int
	stopping bool
	killed   bool
	signals  int // signals sent by Stop
}

// Start launches the child described by spec and waits until it is ready.
// Without a probe that means surviving the grace period; with one it means
// the probe succeeding before ProbeTimeout. A child that exits first yields
// a *StartupError carrying its captured stderr, including one that exits
// during the settle window after a successful probe. Failed starts are not
// retried.
func Start(ctx context.Context, spec Spec) (*ManagedProcess, error) {
	spec = spec.withDefaults()
	if spec.Path == "" {
		return nil, errors.New("process %q: empty executable path", spec.Name)
	}

	p := &ManagedProcess{
		spec:   spec,
		log:    spec.Logger.With("server", spec.Name),
		stdout: newTailBuffer(outputTail),
		stderr: newTailBuffer(outputTail),
		done:   make(chan struct{}),
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.WaitDelay = waitDelay
	configureSysProcAttr(cmd)

	var stdout, stderr io.Writer = p.stdout, p.stderr
	if spec.Log.Enabled() {
		outW, errW := spec.Log.Writers(spec.Name)
		if outW != nil {
			stdout = io.MultiWriter(p.stdout, outW)
			p.closers = append(p.closers, outW)
		}
		if errW != nil {
			stderr = io.MultiWriter(p.stderr, errW)
			p.closers = append(p.closers, errW)
		}
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	p.log.Info("starting", "path", spec.Path, "args", strings.Join(spec.Args, " "))
	launched := time.Now()
	if err := cmd.Start(); err != nil {
		p.closeWriters()
		metrics.IncProcessStart(spec.Name, err)
		return nil, errors.Wrapf(err, "could not launch %s", spec.Name)
	}
	p.cmd = cmd
	p.state = StateRunning
	go p.wait()

	if err := p.awaitReady(ctx); err != nil {
		metrics.IncProcessStart(spec.Name, err)
		p.log.Error("failed to start", "error", err)
		return nil, err
	}
	metrics.IncProcessStart(spec.Name, nil)
	metrics.ObserveReadiness(spec.Name, time.Since(launched).Seconds())
	p.log.Info("started", "pid", cmd.Process.Pid)
	return p, nil
}

func (p *ManagedProcess) wait() {
	_ = p.cmd.Wait()
	code := -1
	if ps := p.cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
	}

	p.mu.Lock()
	p.exitCode = code
	if p.killed {
		p.state = StateKilled
	} else {
		p.state = StateExited
	}
	stopping := p.stopping
	p.mu.Unlock()

	p.closeWriters()
	if !stopping {
		p.log.Warn("exited", "exit_code", code)
	}
	close(p.done)
}

func (p *ManagedProcess) awaitReady(ctx context.Context) error {
	if p.spec.Probe == nil {
		p.log.Info("waiting for startup", "grace_period", p.spec.GracePeriod)
		return p.holdFor(ctx, p.spec.GracePeriod)
	}

	p.log.Info("waiting for readiness", "timeout", p.spec.ProbeTimeout)
	deadline := time.NewTimer(p.spec.ProbeTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(p.spec.ProbeInterval)
	defer tick.Stop()
	var lastErr error
	for {
		attempt, cancel := context.WithTimeout(ctx, probeAttempt)
		lastErr = p.spec.Probe.Ready(attempt)
		cancel()
		if lastErr == nil {
			p.log.Debug("probe succeeded, settling", "settle", p.spec.Settle)
			return p.holdFor(ctx, p.spec.Settle)
		}

		select {
		case <-p.done:
			return p.startupError()
		case <-ctx.Done():
			p.Stop()
			return errors.Wrapf(ctx.Err(), "starting %s", p.spec.Name)
		case <-deadline.C:
			p.Stop()
			return errors.Wrapf(errors.ErrStartup, "%s not ready after %s: %v", p.spec.Name, p.spec.ProbeTimeout, lastErr)
		case <-tick.C:
		}
	}
}

// holdFor requires the child to stay alive for d.
func (p *ManagedProcess) holdFor(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return p.startupError()
	case <-ctx.Done():
		p.Stop()
		return errors.Wrapf(ctx.Err(), "starting %s", p.spec.Name)
	case <-t.C:
	}
	return p.checkAlive()
}

// checkAlive fails if the child has already exited.
func (p *ManagedProcess) checkAlive() error {
	select {
	case <-p.done:
		return p.startupError()
	default:
		return nil
	}
}

func (p *ManagedProcess) startupError() error {
	detail := strings.TrimSpace(p.stderr.String())
	if detail == "" {
		detail = strings.TrimSpace(p.stdout.String())
	}
	if detail == "" {
		detail = fmt.Sprintf("exited with code %d", p.ExitCode())
	}
	return &StartupError{Name: p.spec.Name, ExitCode: p.ExitCode(), Stderr: detail}
}

// Stop terminates the process: SIGTERM to its process group, then SIGKILL
// if it is still alive after StopTimeout. It is a no-op on a nil or
// non-running process and safe to call more than once or concurrently.
func (p *ManagedProcess) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	if p.stopping {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.stopping = true
	p.signals++
	p.mu.Unlock()

	p.log.Info("stopping", "pid", p.cmd.Process.Pid, "path", p.Path(), "args", strings.Join(p.Args(), " "))
	if err := terminate(p.cmd.Process); err != nil {
		p.log.Debug("terminate signal failed", "error", err)
	}

	timeout := time.NewTimer(p.spec.StopTimeout)
	defer timeout.Stop()
	select {
	case <-p.done:
		metrics.IncProcessStop(p.spec.Name, "graceful")
		p.log.Info("stopped", "exit_code", p.ExitCode())
		return
	case <-timeout.C:
	}

	if !p.markKilled() {
		// Exited between the timer firing and the state check.
		<-p.done
		metrics.IncProcessStop(p.spec.Name, "graceful")
		p.log.Info("stopped", "exit_code", p.ExitCode())
		return
	}
	p.log.Warn("did not stop in time, killing", "stop_timeout", p.spec.StopTimeout)
	if err := kill(p.cmd.Process); err != nil {
		p.log.Debug("kill signal failed", "error", err)
	}
	<-p.done
	metrics.IncProcessStop(p.spec.Name, "killed")
	p.log.Info("stopped", "state", p.State())
}

// markKilled records the SIGKILL escalation, unless the child has already
// been reaped, in which case its process group must not be signalled.
func (p *ManagedProcess) markKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		return false
	}
	p.killed = true
	p.signals++
	return true
}

func (p *ManagedProcess) closeWriters() {
	for _, c := range p.closers {
		_ = c.Close()
	}
	p.closers = nil
}

// Name returns the logical server name.
func (p *ManagedProcess) Name() string { return p.spec.Name }

// Path returns the executable path.
func (p *ManagedProcess) Path() string { return p.spec.Path }

// Args returns a copy of the argument list.
func (p *ManagedProcess) Args() []string { return append([]string(nil), p.spec.Args...) }

// PID returns the child's process id.
func (p *ManagedProcess) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ManagedProcess) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *ManagedProcess) Running() bool { return p.State() == StateRunning }

// ExitCode is -1 while running or when the child died from a signal.
func (p *ManagedProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateRunning {
		return -1
	}
	return p.exitCode
}

// Done is closed once the child's exit status has been observed.
func (p *ManagedProcess) Done() <-chan struct{} { return p.done }

// Stderr returns the most recent captured stderr output.
func (p *ManagedProcess) Stderr() string { return p.stderr.String() }

// Stdout returns the most recent captured stdout output.
func (p *ManagedProcess) Stdout() string { return p.stdout.String() }
