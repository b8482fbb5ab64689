package harness

import (
	"bytes"
	"context"
	"net"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/m4xw311/mcpharness/agent"
	"github.com/m4xw311/mcpharness/config"
	"github.com/m4xw311/mcpharness/errors"
	"github.com/m4xw311/mcpharness/llm"
	"github.com/m4xw311/mcpharness/logger"
	"github.com/m4xw311/mcpharness/session"
	"github.com/m4xw311/mcpharness/supervisor"
	"github.com/m4xw311/mcpharness/tools"
	"github.com/m4xw311/mcpharness/tools/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLauncher struct {
	started  []supervisor.Spec
	err      error
	stopAlls int
}

func (f *fakeLauncher) Start(_ context.Context, spec supervisor.Spec) (*supervisor.ManagedProcess, error) {
	f.started = append(f.started, spec)
	return nil, f.err
}

func (f *fakeLauncher) StopAll() { f.stopAlls++ }

type fakeSource struct {
	tools  []tools.Tool
	closed bool
}

func (f *fakeSource) Tools() []tools.Tool { return f.tools }
func (f *fakeSource) Close() error        { f.closed = true; return nil }

type opTool struct{ server, name, result string }

func (o *opTool) Name() string           { return o.name }
func (o *opTool) Server() string         { return o.server }
func (o *opTool) Description() string    { return o.name }
func (o *opTool) Schema() map[string]any { return tools.EmptySchema() }
func (o *opTool) Execute(context.Context, map[string]interface{}) (string, error) {
	return o.result, nil
}

// routingClient calls the tool named after the first word of the prompt,
// then answers with the tool's result.
type routingClient struct{}

func (routingClient) Chat(_ context.Context, msgs []session.Message, _ []tools.Tool) (*session.Message, error) {
	last := msgs[len(msgs)-1]
	if last.Role == session.RoleTool {
		return &session.Message{Role: session.RoleAssistant, Content: last.Content}, nil
	}
	name := strings.Fields(last.Content)[0]
	return &session.Message{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{{ToolCallID: "c1", Name: name}}}, nil
}

type fixture struct {
	h        *Harness
	launcher *fakeLauncher
	source   *fakeSource
	out      *bytes.Buffer
	connects int
	clients  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Prompts = []string{"multiply (3 + 5) x 12", "get_weather nyc"}
	cfg.TranscriptDir = t.TempDir()

	f := &fixture{
		launcher: &fakeLauncher{},
		source: &fakeSource{tools: []tools.Tool{
			&opTool{"math", "multiply", "96"},
			&opTool{"weather", "get_weather", "It's always sunny in New York"},
		}},
		out: &bytes.Buffer{},
	}
	f.h = &Harness{
		Config:   cfg,
		Launcher: f.launcher,
		Connect: func(context.Context, []config.MCPServer, mcp.Options) (ToolSource, error) {
			f.connects++
			return f.source, nil
		},
		NewClient: func(context.Context, string, string) (llm.LLMClient, error) {
			f.clients++
			return routingClient{}, nil
		},
		Getenv: func(k string) string {
			if k == "OPENAI_API_KEY" {
				return "sk-test"
			}
			return ""
		},
		Out:    f.out,
		Logger: logger.Discard(),
	}
	return f
}

func TestRunAnswersPrompts(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Run(context.Background()))

	out := f.out.String()
	assert.Contains(t, out, "Starting weather server...\nweather server started successfully.\n")
	assert.Contains(t, out, "Testing: multiply (3 + 5) x 12\nResponse: 96\n")
	assert.Contains(t, out, "Testing: get_weather nyc\nResponse: It's always sunny in New York\n")

	require.Len(t, f.launcher.started, 1)
	spec := f.launcher.started[0]
	assert.Equal(t, "weather", spec.Name)
	assert.Equal(t, []string{"weather-server", "--addr", config.DefaultWeatherAddr}, spec.Args)
	assert.Equal(t, supervisor.HTTPProbe{URL: "http://localhost:8000/healthz"}, spec.Probe)

	assert.Equal(t, 1, f.launcher.stopAlls)
	assert.True(t, f.source.closed)

	entries, err := os.ReadDir(f.h.Config.TranscriptDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRunMissingCredentialLaunchesNothing(t *testing.T) {
	f := newFixture(t)
	f.h.Getenv = func(string) string { return "" }

	err := f.h.Run(context.Background())
	require.True(t, errors.Is(err, errors.ErrMissingCredential))
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
	assert.Empty(t, f.launcher.started)
	assert.Zero(t, f.connects)
	assert.Zero(t, f.clients)
}

func TestRunProviderWithoutCredentialVariable(t *testing.T) {
	f := newFixture(t)
	f.h.Config.LLMClient = llm.ProviderMock
	f.h.Getenv = func(string) string { return "" }
	require.NoError(t, f.h.Run(context.Background()))
}

func TestRunStartupFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.launcher.err = &supervisor.StartupError{Name: "weather", ExitCode: 1, Stderr: "address already in use"}

	err := f.h.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStartup))
	assert.Contains(t, err.Error(), "address already in use")
	assert.Zero(t, f.connects)
	assert.Zero(t, f.clients)
	assert.Equal(t, 1, f.launcher.stopAlls)
	assert.NotContains(t, f.out.String(), "Testing:")
}

func TestRunConnectFailureStillStops(t *testing.T) {
	f := newFixture(t)
	f.h.Connect = func(context.Context, []config.MCPServer, mcp.Options) (ToolSource, error) {
		return nil, errors.New("connection refused")
	}
	assert.ErrorContains(t, f.h.Run(context.Background()), "connection refused")
	assert.Equal(t, 1, f.launcher.stopAlls)
}

func TestRunClientFailureClosesSessions(t *testing.T) {
	f := newFixture(t)
	f.h.NewClient = func(context.Context, string, string) (llm.LLMClient, error) {
		return nil, errors.New("bad model")
	}
	assert.ErrorContains(t, f.h.Run(context.Background()), "bad model")
	assert.True(t, f.source.closed)
	assert.Equal(t, 1, f.launcher.stopAlls)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRunReleasesMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.h.Config.MetricsAddr = freeAddr(t)

	require.NoError(t, f.h.Run(context.Background()))
	require.NoError(t, f.h.Run(context.Background()))

	ln, err := net.Listen("tcp", f.h.Config.MetricsAddr)
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}

func TestRunMetricsBindFailureLaunchesNothing(t *testing.T) {
	f := newFixture(t)
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	f.h.Config.MetricsAddr = busy.Addr().String()

	err = f.h.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics endpoint")
	assert.Empty(t, f.launcher.started)
	assert.Zero(t, f.connects)
	assert.Equal(t, 1, f.launcher.stopAlls)
}

func TestChat(t *testing.T) {
	f := newFixture(t)
	in := strings.NewReader("multiply 8 by 12\n/quit\n")
	require.NoError(t, f.h.Chat(context.Background(), in, agent.ModeAuto, agent.ToolVerbosityInfo))

	assert.Contains(t, f.out.String(), "Calling tool `multiply`")
	assert.Contains(t, f.out.String(), "Assistant: 96")
	assert.Equal(t, 1, f.launcher.stopAlls)

	entries, err := os.ReadDir(f.h.Config.TranscriptDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSpecFor(t *testing.T) {
	f := newFixture(t)
	f.h.Config.Logging.Dir = "/var/log/mcpharness"
	spec := f.h.specFor(config.MCPServer{
		Name:        "weather",
		Command:     "/bin/weather",
		GracePeriod: time.Second,
		StopTimeout: 2 * time.Second,
	})
	assert.Nil(t, spec.Probe)
	assert.Equal(t, time.Second, spec.GracePeriod)
	assert.Equal(t, 2*time.Second, spec.StopTimeout)
	assert.Equal(t, "/var/log/mcpharness", spec.Log.Dir)
}

// The supervised child must be gone after Run returns, even when a later
// step fails.
func TestRunStopsRealChildOnError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	f := newFixture(t)
	sup := supervisor.New(nil)
	f.h.Launcher = sup
	f.h.Config.Servers = []config.MCPServer{{
		Name:        "sleeper",
		Transport:   config.TransportSSE,
		URL:         "http://127.0.0.1:1/sse",
		Command:     "/bin/sh",
		Args:        []string{"-c", "sleep 30"},
		Supervise:   true,
		GracePeriod: 200 * time.Millisecond,
		StopTimeout: time.Second,
	}}
	f.h.Connect = func(context.Context, []config.MCPServer, mcp.Options) (ToolSource, error) {
		return nil, errors.New("connection refused")
	}

	require.Error(t, f.h.Run(context.Background()))
	p, ok := sup.Get("sleeper")
	require.True(t, ok)
	assert.False(t, p.Running())
	assert.NotEqual(t, supervisor.StateRunning, p.State())
}
