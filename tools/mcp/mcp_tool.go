package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/m4xw311/mcpharness/config"
	"github.com/m4xw311/mcpharness/errors"
	"github.com/m4xw311/mcpharness/logger"
	"github.com/m4xw311/mcpharness/metrics"
	"github.com/m4xw311/mcpharness/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

var clientImpl = &mcpsdk.Implementation{Name: "mcpharness", Version: "v1.0.0"}

// Options tunes how clients are connected.
type Options struct {
	// Stderr receives the stderr of stdio servers. Nil discards it.
	Stderr io.Writer
	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logger.Discard()
}

// Client is a session with a single MCP server, whatever its transport.
type Client struct {
	Name  string
	conn  *mcpsdk.ClientSession
	tools []*MCPTool
}

// Transport builds the SDK transport for srv. Stdio servers are spawned by
// the transport itself and terminated when the session closes.
func Transport(srv config.MCPServer, opts Options) (mcpsdk.Transport, error) {
	switch srv.Transport {
	case config.TransportStdio:
		cmd := exec.Command(srv.Command, srv.Args...)
		cmd.Stderr = opts.Stderr
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case config.TransportSSE:
		return &mcpsdk.SSEClientTransport{Endpoint: srv.URL}, nil
	case config.TransportHTTP:
		return &mcpsdk.StreamableClientTransport{Endpoint: srv.URL}, nil
	default:
		return nil, errors.Wrapf(errors.ErrUnknownTransport, "server %q: %q", srv.Name, srv.Transport)
	}
}

// Connect opens a session with srv and discovers its tools.
func Connect(ctx context.Context, srv config.MCPServer, opts Options) (*Client, error) {
	t, err := Transport(srv, opts)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(ctx, srv.Name, t)
	if err != nil {
		return nil, err
	}
	opts.logger().Info("connected to tool server",
		"server", srv.Name, "transport", srv.Transport, "tools", len(c.tools))
	return c, nil
}

// NewClient connects over an already built transport.
func NewClient(ctx context.Context, name string, t mcpsdk.Transport) (*Client, error) {
	conn, err := mcpsdk.NewClient(clientImpl, nil).Connect(ctx, t, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", name)
	}
	c := &Client{Name: name, conn: conn}
	if err := c.discover(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) discover(ctx context.Context) error {
	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := c.conn.ListTools(ctx, params)
		if err != nil {
			return errors.Wrapf(err, "failed to list tools from MCP server '%s'", c.Name)
		}
		for _, t := range list.Tools {
			schema, err := schemaMap(t.InputSchema)
			if err != nil {
				return errors.Wrapf(err, "tool '%s/%s' has an unusable input schema", c.Name, t.Name)
			}
			c.tools = append(c.tools, &MCPTool{
				serverName:  c.Name,
				toolName:    t.Name,
				description: t.Description,
				schema:      schema,
				client:      c,
			})
		}
		if list.NextCursor == "" {
			return nil
		}
		params.Cursor = list.NextCursor
	}
}

// schemaMap normalises whatever the SDK decoded into a plain JSON object.
func schemaMap(s any) (map[string]any, error) {
	if s == nil {
		return tools.EmptySchema(), nil
	}
	if m, ok := s.(map[string]any); ok {
		return m, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Tools returns the tools discovered on this server.
func (c *Client) Tools() []tools.Tool {
	out := make([]tools.Tool, len(c.tools))
	for i, t := range c.tools {
		out[i] = t
	}
	return out
}

// GetTool returns a specific tool provided by this MCP server by its short name.
func (c *Client) GetTool(name string) (*MCPTool, bool) {
	for _, t := range c.tools {
		if t.toolName == name {
			return t, true
		}
	}
	return nil, false
}

// Close ends the session. For stdio servers this also stops the process.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Group is a set of open clients, one per configured server.
type Group struct {
	clients []*Client
}

// ConnectAll connects to every server in order. If any connection fails the
// ones already opened are closed.
func ConnectAll(ctx context.Context, servers []config.MCPServer, opts Options) (*Group, error) {
	g := &Group{}
	for _, srv := range servers {
		c, err := Connect(ctx, srv, opts)
		if err != nil {
			g.Close()
			return nil, err
		}
		g.clients = append(g.clients, c)
	}
	return g, nil
}

// Tools returns the tools of every server in connection order.
func (g *Group) Tools() []tools.Tool {
	var out []tools.Tool
	for _, c := range g.clients {
		out = append(out, c.Tools()...)
	}
	return out
}

// Close closes every session, newest first, and reports all failures.
func (g *Group) Close() error {
	var errs []error
	for i := len(g.clients) - 1; i >= 0; i-- {
		if err := g.clients[i].Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "closing '%s'", g.clients[i].Name))
		}
	}
	g.clients = nil
	return errors.Join(errs...)
}

// MCPTool represents a tool available from an external MCP server.
type MCPTool struct {
	serverName  string
	toolName    string
	description string
	schema      map[string]any
	client      *Client
}

// Name returns the bare tool name. Some providers reject separators in
// function names, so the server is exposed through Server instead.
func (t *MCPTool) Name() string {
	return t.toolName
}

func (t *MCPTool) Server() string { return t.serverName }

func (t *MCPTool) Description() string {
	return t.description
}

func (t *MCPTool) Schema() map[string]any { return t.schema }

// Execute sends the arguments to the MCP server and returns the text of the
// result. A result flagged as an error is returned as a Go error.
func (t *MCPTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	result, err := t.client.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: args,
	})
	if err != nil {
		metrics.IncToolCall(t.serverName, t.toolName, err)
		return "", errors.Wrapf(err, "failed to call tool '%s'", tools.Path(t))
	}
	text := contentText(result.Content)
	if result.IsError {
		err = errors.New("tool '%s' failed: %s", tools.Path(t), text)
	}
	metrics.IncToolCall(t.serverName, t.toolName, err)
	if err != nil {
		return "", err
	}
	return text, nil
}

func contentText(content []mcpsdk.Content) string {
	var b strings.Builder
	for _, c := range content {
		switch c := c.(type) {
		case *mcpsdk.TextContent:
			b.WriteString(c.Text)
		case *mcpsdk.ImageContent:
			fmt.Fprintf(&b, "[image %s]", c.MIMEType)
		case *mcpsdk.AudioContent:
			fmt.Fprintf(&b, "[audio %s]", c.MIMEType)
		default:
			fmt.Fprintf(&b, "[%T]", c)
		}
	}
	return b.String()
}
