package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/m4xw311/mcpharness/agent"
	"github.com/m4xw311/mcpharness/session"
)

// Terminal handles the interactive chat mode for the agent.
type Terminal struct {
	agent   *agent.Agent
	session *session.Session
	in      *bufio.Scanner
	out     io.Writer
}

// New returns a terminal reading from in and writing to out.
func New(a *agent.Agent, sess *session.Session, in io.Reader, out io.Writer) *Terminal {
	return &Terminal{
		agent:   a,
		session: sess,
		in:      bufio.NewScanner(in),
		out:     out,
	}
}

func (t *Terminal) Session() *session.Session { return t.session }

// Run reads lines until EOF, /quit or /exit. A failed turn is reported and
// the loop continues; a cancelled context ends it.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil {
			return err
		}
	}

	for {
		fmt.Fprint(t.out, "You: ")
		if !t.in.Scan() {
			break
		}
		userInput := strings.TrimSpace(t.in.Text())
		if userInput == "" {
			continue
		}
		if userInput == "/quit" || userInput == "/exit" {
			break
		}

		if err := t.processTurn(ctx, userInput); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(t.out, "Error: %v\n", err)
		}
	}
	return t.in.Err()
}

func (t *Terminal) processTurn(ctx context.Context, userInput string) error {
	callbacks := agent.ProcessCallbacks{
		OnAssistantMessage: func(message string) {
			fmt.Fprintf(t.out, "Assistant: %s\n", message)
		},
		OnToolCall: func(toolCall session.ToolCall) {
			switch t.agent.Verbosity {
			case agent.ToolVerbosityAll:
				fmt.Fprintf(t.out, "Calling tool `%s` with args: %v\n", toolCall.Name, toolCall.Args)
			case agent.ToolVerbosityInfo:
				fmt.Fprintf(t.out, "Calling tool `%s`\n", toolCall.Name)
			}
		},
		OnToolResult: func(toolCall session.ToolCall, result string) {
			if t.agent.Verbosity == agent.ToolVerbosityAll {
				fmt.Fprintf(t.out, "Tool `%s` output: %s\n", toolCall.Name, result)
			}
		},
		ShouldExecuteTool: func(toolCall session.ToolCall) bool {
			if t.agent.Mode != agent.ModePrompt {
				return true
			}
			fmt.Fprintf(t.out, "Allow tool `%s`? (y/n): ", toolCall.Name)
			if !t.in.Scan() {
				return false
			}
			return strings.EqualFold(strings.TrimSpace(t.in.Text()), "y")
		},
		OnWarning: func(warning string) {
			fmt.Fprintf(t.out, "Warning: %s\n", warning)
		},
	}
	return t.agent.ProcessUserInput(ctx, t.session, userInput, callbacks)
}
