// Package toolserver holds the plumbing shared by the example MCP tool
// servers: construction, call metrics, stdio serving and the HTTP router
// that exposes a server over SSE and streamable HTTP next to health and
// metrics endpoints.
package toolserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/m4xw311/mcpharness/errors"
	"github.com/m4xw311/mcpharness/metrics"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
)

// Version is reported by every example server during initialization.
const Version = "v1.0.0"

// Routes served by NewRouter.
const (
	PathSSE        = "/sse"
	PathStreamable = "/mcp"
	PathHealth     = "/healthz"
	PathMetrics    = "/metrics"
)

const shutdownTimeout = 2 * time.Second

// New returns an empty MCP server called name.
func New(name string) *mcp.Server {
	return mcp.NewServer(&mcp.Implementation{Name: name, Version: Version}, nil)
}

// AddTool registers a typed handler on s and counts every call under the
// server label.
func AddTool[In, Out any](s *mcp.Server, server string, t *mcp.Tool, h mcp.ToolHandlerFor[In, Out]) {
	mcp.AddTool(s, t, func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		res, out, err := h(ctx, req, in)
		metrics.IncToolCall(server, t.Name, err)
		return res, out, err
	})
}

// Text wraps a plain string as a tool result.
func Text(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: s}}}
}

// ServeStdio serves s over stdin/stdout until the client disconnects or ctx
// is done.
func ServeStdio(ctx context.Context, s *mcp.Server) error {
	if err := s.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return errors.Wrapf(err, "stdio server")
	}
	return nil
}

// NewRouter exposes s over SSE and streamable HTTP, plus a health endpoint
// used as the readiness probe and the Prometheus metrics endpoint.
func NewRouter(s *mcp.Server, log *slog.Logger) *gin.Engine {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration failed", "error", err)
	}

	getServer := func(*http.Request) *mcp.Server { return s }
	sse := mcp.NewSSEHandler(getServer, nil)
	streamable := mcp.NewStreamableHTTPHandler(getServer, nil)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))
	r.GET(PathHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET(PathMetrics, gin.WrapH(metrics.Handler()))
	r.Any(PathSSE, gin.WrapH(sse))
	r.Any(PathStreamable, gin.WrapH(streamable))
	return r
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

// ListenAndServe serves h on addr until ctx is done, then shuts down.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, log *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return Serve(ctx, ln, h, log)
}

// Serve serves h on ln until ctx is done, then shuts down. The listener is
// closed on return.
func Serve(ctx context.Context, ln net.Listener, h http.Handler, log *slog.Logger) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	log.Info("listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return errors.Wrapf(err, "serve on %s", ln.Addr())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Long-lived SSE streams keep Shutdown waiting; drop them.
		_ = srv.Close()
	}
	log.Info("stopped")
	return nil
}
