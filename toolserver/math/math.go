// Package math is an arithmetic MCP server reached over stdio.
package math

import (
	"context"
	"strconv"

	"github.com/m4xw311/mcpharness/toolserver"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const ServerName = "Math"

type Operands struct {
	A int `json:"a" jsonschema:"first operand"`
	B int `json:"b" jsonschema:"second operand"`
}

func Add(a, b int) int      { return a + b }
func Multiply(a, b int) int { return a * b }

// NewServer returns the MCP server with add and multiply registered.
func NewServer() *mcp.Server {
	s := toolserver.New(ServerName)
	binary := func(name, desc string, op func(a, b int) int) {
		toolserver.AddTool(s, "math", &mcp.Tool{Name: name, Description: desc},
			func(_ context.Context, _ *mcp.CallToolRequest, in Operands) (*mcp.CallToolResult, any, error) {
				return toolserver.Text(strconv.Itoa(op(in.A, in.B))), nil, nil
			})
	}
	binary("add", "Add two numbers", Add)
	binary("multiply", "Multiply two numbers", Multiply)
	return s
}

// RunStdio serves the math server on stdin/stdout.
func RunStdio(ctx context.Context) error {
	return toolserver.ServeStdio(ctx, NewServer())
}
