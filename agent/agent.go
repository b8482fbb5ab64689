package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/m4xw311/mcpharness/config"
	"github.com/m4xw311/mcpharness/errors"
	"github.com/m4xw311/mcpharness/llm"
	"github.com/m4xw311/mcpharness/logger"
	"github.com/m4xw311/mcpharness/session"
	"github.com/m4xw311/mcpharness/tools"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModePrompt Mode = "prompt"
)

type ToolVerbosity string

const (
	ToolVerbosityNone ToolVerbosity = "none"
	ToolVerbosityInfo ToolVerbosity = "info"
	ToolVerbosityAll  ToolVerbosity = "all"
)

const DefaultMaxSteps = 10

type Agent struct {
	LLMClient      llm.LLMClient
	AvailableTools []tools.Tool
	SystemPrompt   string
	Mode           Mode
	Verbosity      ToolVerbosity
	MaxSteps       int
	Logger         *slog.Logger
}

// New builds an agent whose tools are the toolset's selection from registry.
func New(cfg *config.Config, toolset string, registry *tools.ToolRegistry, client llm.LLMClient, mode Mode, verbosity ToolVerbosity) (*Agent, error) {
	ts, err := cfg.GetToolset(toolset)
	if err != nil {
		return nil, err
	}
	active, err := registry.GetActiveTools(ts)
	if err != nil {
		return nil, err
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Agent{
		LLMClient:      client,
		AvailableTools: active,
		SystemPrompt:   cfg.SystemPrompt,
		Mode:           mode,
		Verbosity:      verbosity,
		MaxSteps:       maxSteps,
	}, nil
}

func (a *Agent) log() *slog.Logger {
	if a.Logger == nil {
		return logger.Discard()
	}
	return a.Logger
}

// ProcessCallbacks lets each front end observe a turn. Every field is
// optional; a nil ShouldExecuteTool allows every call.
type ProcessCallbacks struct {
	OnAssistantMessage func(message string)
	OnToolCall         func(toolCall session.ToolCall)
	OnToolResult       func(toolCall session.ToolCall, result string)
	ShouldExecuteTool  func(toolCall session.ToolCall) bool
	OnWarning          func(warning string)
}

func (cb ProcessCallbacks) assistant(m string) {
	if cb.OnAssistantMessage != nil {
		cb.OnAssistantMessage(m)
	}
}

func (cb ProcessCallbacks) toolCall(tc session.ToolCall) {
	if cb.OnToolCall != nil {
		cb.OnToolCall(tc)
	}
}

func (cb ProcessCallbacks) toolResult(tc session.ToolCall, r string) {
	if cb.OnToolResult != nil {
		cb.OnToolResult(tc, r)
	}
}

func (cb ProcessCallbacks) allow(tc session.ToolCall) bool {
	return cb.ShouldExecuteTool == nil || cb.ShouldExecuteTool(tc)
}

func (cb ProcessCallbacks) warn(w string) {
	if cb.OnWarning != nil {
		cb.OnWarning(w)
	}
}

// ProcessUserInput appends input to sess and alternates between the model
// and its tool calls until the model answers without calling a tool.
func (a *Agent) ProcessUserInput(ctx context.Context, sess *session.Session, input string, cb ProcessCallbacks) error {
	if len(sess.Messages) == 0 && a.SystemPrompt != "" {
		sess.AddMessage(session.Message{Role: session.RoleSystem, Content: a.SystemPrompt})
	}
	sess.AddMessage(session.Message{Role: session.RoleUser, Content: input})

	maxSteps := a.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	for step := 0; step < maxSteps; step++ {
		resp, err := a.LLMClient.Chat(ctx, sess.Messages, a.AvailableTools)
		if err != nil {
			return errors.Wrapf(err, "LLM chat failed")
		}
		resp.Role = session.RoleAssistant
		sess.AddMessage(*resp)
		if resp.Content != "" {
			cb.assistant(resp.Content)
		}
		if len(resp.ToolCalls) == 0 {
			return nil
		}

		for _, tc := range resp.ToolCalls {
			cb.toolCall(tc)
			result := a.runTool(ctx, tc, cb)
			if err := ctx.Err(); err != nil {
				return err
			}
			cb.toolResult(tc, result)
			sess.AddMessage(session.ToolResult(tc, result))
		}
	}
	return errors.Wrapf(errors.ErrMaxSteps, "no final answer after %d steps", maxSteps)
}

// runTool executes one call. Failures are returned as text for the model
// rather than ending the turn.
func (a *Agent) runTool(ctx context.Context, tc session.ToolCall, cb ProcessCallbacks) string {
	tool := a.findTool(tc.Name)
	if tool == nil {
		msg := fmt.Sprintf("tool %q is not available", tc.Name)
		cb.warn(msg)
		return "Error: " + msg
	}
	if !cb.allow(tc) {
		return fmt.Sprintf("The user declined to run tool %q.", tc.Name)
	}
	a.log().Debug("calling tool", "tool", tools.Path(tool), "args", tc.Args)
	out, err := tool.Execute(ctx, tc.Args)
	if err != nil {
		cb.warn(fmt.Sprintf("tool %q failed: %v", tc.Name, err))
		return "Error: " + err.Error()
	}
	return out
}

func (a *Agent) findTool(name string) tools.Tool {
	for _, t := range a.AvailableTools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// Ask runs a single question in a fresh session and returns the final
// answer, which is the last assistant text of the turn.
func (a *Agent) Ask(ctx context.Context, question string) (string, *session.Session, error) {
	sess := session.New("")
	var answer string
	err := a.ProcessUserInput(ctx, sess, question, ProcessCallbacks{
		OnAssistantMessage: func(m string) { answer = m },
		OnWarning:          func(w string) { a.log().Warn(w) },
	})
	return answer, sess, err
}
