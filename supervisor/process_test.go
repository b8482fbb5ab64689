package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m4xw311/mcpharness/errors"
	"github.com/m4xw311/mcpharness/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGrace = 300 * time.Millisecond
	testStop  = 500 * time.Millisecond
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func shSpec(name, script string) Spec {
	return Spec{
		Name:        name,
		Path:        "/bin/sh",
		Args:        []string{"-c", script},
		GracePeriod: testGrace,
		StopTimeout: testStop,
	}
}

func TestStartImmediateExitReportsStderr(t *testing.T) {
	requireUnix(t)
	begin := time.Now()
	p, err := Start(context.Background(), shSpec("crash", "echo 'address already in use' >&2; exit 3"))
	require.Error(t, err)
	assert.Nil(t, p)

	var se *StartupError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "crash", se.Name)
	assert.Equal(t, 3, se.ExitCode)
	assert.Contains(t, err.Error(), "startup error: address already in use")
	assert.True(t, errors.Is(err, errors.ErrStartup))
	// The exit is noticed without sitting out the whole grace period.
	assert.Less(t, time.Since(begin), testGrace+time.Second)
}

func TestStartExitWithoutOutput(t *testing.T) {
	requireUnix(t)
	_, err := Start(context.Background(), shSpec("quiet", "exit 7"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 7")
}

func TestStartMissingExecutable(t *testing.T) {
	requireUnix(t)
	_, err := Start(context.Background(), Spec{Name: "ghost", Path: "/nonexistent/binary"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not launch ghost")

	_, err = Start(context.Background(), Spec{Name: "empty"})
	assert.Error(t, err)
}

func TestStartLongRunningThenStop(t *testing.T) {
	requireUnix(t)
	begin := time.Now()
	p, err := Start(context.Background(), shSpec("sleeper", "exec sleep 1000"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(begin), testGrace)
	assert.Equal(t, StateRunning, p.State())
	assert.Positive(t, p.PID())
	assert.Equal(t, -1, p.ExitCode())
	assert.Equal(t, "/bin/sh", p.Path())
	assert.Equal(t, []string{"-c", "exec sleep 1000"}, p.Args())

	stopped := time.Now()
	p.Stop()
	assert.Less(t, time.Since(stopped), testStop)
	assert.Equal(t, StateExited, p.State())
	assert.Equal(t, 1, p.signals)
	select {
	case <-p.Done():
	default:
		t.Fatal("done channel not closed after Stop")
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	requireUnix(t)
	p, err := Start(context.Background(), shSpec("stubborn", `trap "" TERM; while true; do sleep 0.05; done`))
	require.NoError(t, err)

	begin := time.Now()
	p.Stop()
	elapsed := time.Since(begin)
	assert.GreaterOrEqual(t, elapsed, testStop)
	assert.Less(t, elapsed, testStop+time.Second)
	assert.Equal(t, StateKilled, p.State())
	assert.Equal(t, 2, p.signals)
}

func TestStopIsIdempotent(t *testing.T) {
	requireUnix(t)
	p, err := Start(context.Background(), shSpec("twice", "exec sleep 1000"))
	require.NoError(t, err)

	p.Stop()
	state, code, signals := p.State(), p.ExitCode(), p.signals
	p.Stop()
	assert.Equal(t, state, p.State())
	assert.Equal(t, code, p.ExitCode())
	assert.Equal(t, signals, p.signals)
}

func TestStopAfterSpontaneousExit(t *testing.T) {
	requireUnix(t)
	p, err := Start(context.Background(), shSpec("short", "sleep 0.8"))
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit on its own")
	}
	assert.Equal(t, StateExited, p.State())
	assert.Equal(t, 0, p.ExitCode())

	p.Stop()
	assert.Equal(t, 0, p.signals)
	assert.Equal(t, StateExited, p.State())
}

func TestStopNil(t *testing.T) {
	var p *ManagedProcess
	assert.NotPanics(t, p.Stop)
}

func TestConcurrentStop(t *testing.T) {
	requireUnix(t)
	p, err := Start(context.Background(), shSpec("shared", "exec sleep 1000"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Stop()
		}()
	}
	wg.Wait()
	assert.Equal(t, StateExited, p.State())
	assert.Equal(t, 1, p.signals)
}

func TestStartCancelledContextStopsChild(t *testing.T) {
	requireUnix(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	spec := shSpec("cancelled", "exec sleep 1000")
	spec.GracePeriod = 5 * time.Second
	_, err := Start(ctx, spec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestStartWithProbe(t *testing.T) {
	requireUnix(t)
	var calls atomic.Int32
	spec := shSpec("probed", "exec sleep 1000")
	spec.GracePeriod = time.Hour // must not be used when a probe is set
	spec.ProbeInterval = 10 * time.Millisecond
	spec.Settle = 50 * time.Millisecond
	spec.Probe = ProbeFunc(func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	p, err := Start(context.Background(), spec)
	require.NoError(t, err)
	defer p.Stop()
	assert.EqualValues(t, 3, calls.Load())
	assert.True(t, p.Running())
}

func TestStartProbeTimeoutStopsChild(t *testing.T) {
	requireUnix(t)
	spec := shSpec("never-ready", "exec sleep 1000")
	spec.ProbeTimeout = 200 * time.Millisecond
	spec.ProbeInterval = 20 * time.Millisecond
	spec.Probe = ProbeFunc(func(context.Context) error { return errors.New("connection refused") })

	_, err := Start(context.Background(), spec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStartup))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestStartProbeSeesEarlyExit(t *testing.T) {
	requireUnix(t)
	spec := shSpec("probe-crash", "echo 'bad config' >&2; exit 2")
	spec.ProbeInterval = 20 * time.Millisecond
	spec.Probe = ProbeFunc(func(context.Context) error { return errors.New("refused") })

	_, err := Start(context.Background(), spec)
	var se *StartupError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Stderr, "bad config")
}

// A probe answered by another listener on the same port succeeds at once;
// the child dying shortly after must still fail the start.
func TestStartProbeReadyButChildExitsWhileSettling(t *testing.T) {
	requireUnix(t)
	spec := shSpec("stale-port", "sleep 0.2; echo 'address already in use' >&2; exit 1")
	spec.Probe = ProbeFunc(func(context.Context) error { return nil })

	begin := time.Now()
	p, err := Start(context.Background(), spec)
	assert.Nil(t, p)
	var se *StartupError
	require.True(t, errors.As(err, &se))
	assert.True(t, errors.Is(err, errors.ErrStartup))
	assert.Contains(t, se.Stderr, "address already in use")
	assert.Equal(t, 1, se.ExitCode)
	assert.Less(t, time.Since(begin), DefaultSettle)
}

func TestStartProbeSettleElapses(t *testing.T) {
	requireUnix(t)
	spec := shSpec("settled", "exec sleep 1000")
	spec.Settle = 150 * time.Millisecond
	spec.Probe = ProbeFunc(func(context.Context) error { return nil })

	begin := time.Now()
	p, err := Start(context.Background(), spec)
	require.NoError(t, err)
	defer p.Stop()
	assert.GreaterOrEqual(t, time.Since(begin), spec.Settle)
	assert.True(t, p.Running())
}

func TestMarkKilledSkipsReapedChild(t *testing.T) {
	requireUnix(t)
	p, err := Start(context.Background(), shSpec("reaped", "sleep 0.5"))
	require.NoError(t, err)
	<-p.Done()

	assert.False(t, p.markKilled())
	assert.Equal(t, 0, p.signals)
	assert.Equal(t, StateExited, p.State())
}

func TestHTTPProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	probe := HTTPProbe{URL: srv.URL}
	assert.Error(t, probe.Ready(context.Background()))
	status.Store(http.StatusOK)
	assert.NoError(t, probe.Ready(context.Background()))

	assert.Error(t, HTTPProbe{URL: "http://127.0.0.1:1/healthz"}.Ready(context.Background()))
}

func TestChildOutputIsCapturedAndLogged(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	spec := shSpec("chatty", "echo to-stdout; echo to-stderr >&2; exec sleep 1000")
	spec.Log = logger.Config{Dir: dir}

	p, err := Start(context.Background(), spec)
	require.NoError(t, err)
	p.Stop()

	assert.Contains(t, p.Stdout(), "to-stdout")
	assert.Contains(t, p.Stderr(), "to-stderr")
	assert.FileExists(t, dir+"/chatty.stdout.log")
	assert.FileExists(t, dir+"/chatty.stderr.log")
}

func TestTailBufferKeepsEnd(t *testing.T) {
	tb := newTailBuffer(5)
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defg"))
	assert.Equal(t, "cdefg", tb.String())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "not started", StateNotStarted.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "exited", StateExited.String())
	assert.Equal(t, "killed", StateKilled.String())
}
