// Package terminal is the interactive chat front end for the agent.
//
// It reads one line per turn, prints the assistant's replies and, depending
// on the agent's ToolVerbosity, the tool calls and their output. In prompt
// mode each tool call waits for a "y" before it runs. "/quit", "/exit" or
// end of input ends the session.
package terminal
