// Package weather is a mock weather MCP server reached over SSE.
package weather

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/m4xw311/mcpharness/toolserver"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	ServerName = "Weather"
	ToolName   = "get_weather"
)

type Input struct {
	Location string `json:"location" jsonschema:"city name or abbreviation, for example nyc"`
}

var forecasts = []struct {
	names    []string
	forecast string
}{
	{[]string{"nyc", "new york", "new york city"}, "It's always sunny in New York"},
	{[]string{"sf", "san francisco"}, "It's foggy in San Francisco"},
	{[]string{"la", "los angeles"}, "It's warm and sunny in Los Angeles"},
}

// Lookup returns the canned forecast for location. Matching ignores case.
func Lookup(location string) string {
	key := strings.ToLower(location)
	for _, f := range forecasts {
		for _, n := range f.names {
			if key == n {
				return f.forecast
			}
		}
	}
	return fmt.Sprintf("Weather data not available for %s", location)
}

// NewServer returns the MCP server with get_weather registered.
func NewServer() *mcp.Server {
	s := toolserver.New(ServerName)
	toolserver.AddTool(s, "weather", &mcp.Tool{
		Name:        ToolName,
		Description: "Get weather for location.",
	}, func(_ context.Context, _ *mcp.CallToolRequest, in Input) (*mcp.CallToolResult, any, error) {
		return toolserver.Text(Lookup(in.Location)), nil, nil
	})
	return s
}

// Handler serves the weather server over SSE at /sse together with the
// health and metrics endpoints.
func Handler(log *slog.Logger) http.Handler {
	return toolserver.NewRouter(NewServer(), log)
}

// Serve runs the HTTP server on addr until ctx is done.
func Serve(ctx context.Context, addr string, log *slog.Logger) error {
	return toolserver.ListenAndServe(ctx, addr, Handler(log), log)
}
