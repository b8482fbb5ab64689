// Package agent runs the tool-calling loop between a language model and the
// tools exposed by the connected MCP servers.
//
// A turn starts with ProcessUserInput. The agent sends the session history
// and the active tools to the LLM client, executes every tool call the model
// returns, appends the results as tool messages and asks again. The turn ends
// when the model replies without tool calls, or fails with ErrMaxSteps when
// MaxSteps round trips pass without a final answer.
//
// Front ends observe a turn through ProcessCallbacks:
//
//	err := a.ProcessUserInput(ctx, sess, "what is the weather in nyc?", agent.ProcessCallbacks{
//	    OnAssistantMessage: func(m string) { fmt.Println(m) },
//	    ShouldExecuteTool:  func(tc session.ToolCall) bool { return confirm(tc) },
//	})
//
// In ModePrompt the terminal front end asks before each call; in ModeAuto
// every call runs. ToolVerbosity controls how much of each call is shown.
//
// Ask is the non-interactive form used by the demo run: one question, a
// fresh session, the final answer.
package agent
