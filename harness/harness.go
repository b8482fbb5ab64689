// Package harness wires the demo together: supervised tool servers, MCP
// sessions, the LLM client and the agent.
package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/m4xw311/mcpharness/agent"
	"github.com/m4xw311/mcpharness/agent/terminal"
	"github.com/m4xw311/mcpharness/config"
	"github.com/m4xw311/mcpharness/errors"
	"github.com/m4xw311/mcpharness/llm"
	"github.com/m4xw311/mcpharness/logger"
	"github.com/m4xw311/mcpharness/metrics"
	"github.com/m4xw311/mcpharness/session"
	"github.com/m4xw311/mcpharness/supervisor"
	"github.com/m4xw311/mcpharness/tools"
	"github.com/m4xw311/mcpharness/tools/mcp"
	"github.com/m4xw311/mcpharness/toolserver"
	"github.com/prometheus/client_golang/prometheus"
)

// Launcher starts supervised processes and stops all of them on demand.
// *supervisor.Supervisor satisfies it.
type Launcher interface {
	Start(ctx context.Context, spec supervisor.Spec) (*supervisor.ManagedProcess, error)
	StopAll()
}

// ToolSource is an open set of tool server sessions.
type ToolSource interface {
	Tools() []tools.Tool
	Close() error
}

type Connector func(ctx context.Context, servers []config.MCPServer, opts mcp.Options) (ToolSource, error)

type ClientFactory func(ctx context.Context, provider, model string) (llm.LLMClient, error)

type Harness struct {
	Config    *config.Config
	Launcher  Launcher
	Connect   Connector
	NewClient ClientFactory
	Getenv    func(string) string
	Out       io.Writer
	Logger    *slog.Logger
}

// New returns a harness using the real supervisor, MCP client and LLM
// providers.
func New(cfg *config.Config, out io.Writer, log *slog.Logger) *Harness {
	if log == nil {
		log = logger.Discard()
	}
	return &Harness{
		Config:   cfg,
		Launcher: supervisor.New(log.With("component", "supervisor")),
		Connect: func(ctx context.Context, servers []config.MCPServer, opts mcp.Options) (ToolSource, error) {
			return mcp.ConnectAll(ctx, servers, opts)
		},
		NewClient: llm.New,
		Getenv:    os.Getenv,
		Out:       out,
		Logger:    log,
	}
}

// Run executes every configured prompt and prints each answer. Supervised
// servers are stopped on every return path.
func (h *Harness) Run(ctx context.Context) error {
	if err := h.checkCredential(); err != nil {
		return err
	}
	defer h.Launcher.StopAll()

	a, closeTools, err := h.prepare(ctx)
	if err != nil {
		return err
	}
	defer closeTools()

	for _, prompt := range h.Config.Prompts {
		fmt.Fprintf(h.Out, "\nTesting: %s\n", prompt)
		answer, sess, err := a.Ask(ctx, prompt)
		h.saveTranscript(sess)
		if err != nil {
			return err
		}
		fmt.Fprintf(h.Out, "Response: %s\n", answer)
	}
	return nil
}

// Chat performs the same setup as Run, then hands stdin-style input to the
// interactive terminal.
func (h *Harness) Chat(ctx context.Context, in io.Reader, mode agent.Mode, verbosity agent.ToolVerbosity) error {
	if err := h.checkCredential(); err != nil {
		return err
	}
	defer h.Launcher.StopAll()

	a, closeTools, err := h.prepare(ctx)
	if err != nil {
		return err
	}
	defer closeTools()
	a.Mode = mode
	a.Verbosity = verbosity

	term := terminal.New(a, session.New(""), in, h.Out)
	err = term.Run(ctx, "")
	h.saveTranscript(term.Session())
	return err
}

func (h *Harness) checkCredential() error {
	env := config.CredentialEnv(h.Config.LLMClient)
	if env != "" && h.Getenv(env) == "" {
		return errors.Wrapf(errors.ErrMissingCredential, "%s environment variable is not set", env)
	}
	return nil
}

// prepare starts the metrics endpoint and the supervised servers, opens the
// MCP sessions and builds the agent. The returned func closes the sessions
// and stops the metrics endpoint.
func (h *Harness) prepare(ctx context.Context) (*agent.Agent, func(), error) {
	stopMetrics, err := h.startMetrics(ctx)
	if err != nil {
		return nil, nil, err
	}

	for _, srv := range h.Config.Supervised() {
		fmt.Fprintf(h.Out, "Starting %s server...\n", srv.Name)
		if _, err := h.Launcher.Start(ctx, h.specFor(srv)); err != nil {
			stopMetrics()
			return nil, nil, errors.Wrapf(err, "failed to start %s server", srv.Name)
		}
		fmt.Fprintf(h.Out, "%s server started successfully.\n", srv.Name)
	}

	stderr := h.stdioStderr()
	group, err := h.Connect(ctx, h.Config.Servers, mcp.Options{
		Stderr: stderr,
		Logger: h.Logger.With("component", "mcp"),
	})
	if err != nil {
		closeAll(stderr)
		stopMetrics()
		return nil, nil, err
	}
	closeTools := func() {
		if err := group.Close(); err != nil {
			h.Logger.Warn("closing tool sessions", "error", err)
		}
		closeAll(stderr)
		stopMetrics()
	}

	a, err := h.buildAgent(ctx, group.Tools())
	if err != nil {
		closeTools()
		return nil, nil, err
	}
	return a, closeTools, nil
}

func (h *Harness) buildAgent(ctx context.Context, ts []tools.Tool) (*agent.Agent, error) {
	registry, err := tools.NewToolRegistry(ts...)
	if err != nil {
		return nil, err
	}
	client, err := h.NewClient(ctx, h.Config.LLMClient, h.Config.Model)
	if err != nil {
		return nil, err
	}
	a, err := agent.New(h.Config, h.Config.Toolset, registry, client, agent.ModeAuto, agent.ToolVerbosityNone)
	if err != nil {
		return nil, err
	}
	a.Logger = h.Logger.With("component", "agent")
	return a, nil
}

func (h *Harness) specFor(srv config.MCPServer) supervisor.Spec {
	spec := supervisor.Spec{
		Name:        srv.Name,
		Path:        srv.Command,
		Args:        srv.Args,
		GracePeriod: srv.GracePeriod,
		StopTimeout: srv.StopTimeout,
		Log:         logger.Config{Dir: h.Config.Logging.Dir},
	}
	if r := srv.Readiness; r.URL != "" {
		spec.Probe = supervisor.HTTPProbe{URL: r.URL}
		spec.ProbeTimeout = r.Timeout
		spec.ProbeInterval = r.Interval
	}
	return spec
}

// stdioStderr returns one writer that collects the stderr of every stdio
// server, or nil when child logs are not kept.
func (h *Harness) stdioStderr() io.WriteCloser {
	_, stderr := logger.Config{Dir: h.Config.Logging.Dir}.Writers("stdio-servers")
	return stderr
}

func closeAll(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func (h *Harness) saveTranscript(sess *session.Session) {
	if sess == nil || h.Config.TranscriptDir == "" {
		return
	}
	path, err := sess.Save(h.Config.TranscriptDir)
	if err != nil {
		h.Logger.Warn("could not save transcript", "error", err)
		return
	}
	h.Logger.Debug("transcript saved", "path", path)
}

// startMetrics binds the metrics endpoint when one is configured. The
// returned func stops it and waits until the port is released.
func (h *Harness) startMetrics(ctx context.Context) (func(), error) {
	addr := h.Config.MetricsAddr
	if addr == "" {
		return func() {}, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "metrics endpoint on %s", addr)
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		h.Logger.Warn("metrics registration failed", "error", err)
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.GET(toolserver.PathMetrics, gin.WrapH(metrics.Handler()))

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := toolserver.Serve(ctx, ln, r, h.Logger.With("component", "metrics")); err != nil {
			h.Logger.Warn("metrics endpoint stopped", "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}
