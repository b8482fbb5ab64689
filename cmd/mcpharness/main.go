package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/m4xw311/mcpharness/agent"
	"github.com/m4xw311/mcpharness/config"
	"github.com/m4xw311/mcpharness/errors"
	"github.com/m4xw311/mcpharness/harness"
	"github.com/m4xw311/mcpharness/logger"
	mathserver "github.com/m4xw311/mcpharness/toolserver/math"
	"github.com/m4xw311/mcpharness/toolserver/weather"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitInterrupted = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// cli carries the streams and the loaded configuration between commands.
type cli struct {
	in          io.Reader
	out, errOut io.Writer
	cfg         *config.Config
}

// ChatFlags holds flags for the chat command.
type ChatFlags struct {
	Mode      string
	Verbosity string
}

func run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	c := &cli{in: in, out: out, errOut: errOut}
	root := buildRoot(c)
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)
	return c.exitCode(ctx, root.ExecuteContext(ctx))
}

func buildRoot(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "mcpharness",
		Short:         "Ask an LLM agent questions answered by MCP tool servers",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.load(); err != nil {
				return err
			}
			return harness.New(c.cfg, c.out, c.log()).Run(cmd.Context())
		},
	}
	root.AddCommand(
		createChatCommand(c, &ChatFlags{}),
		createWeatherServerCommand(c),
		createMathServerCommand(c),
	)
	return root
}

func createChatCommand(c *cli, flags *ChatFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode, err := parseMode(flags.Mode)
			if err != nil {
				return err
			}
			verbosity, err := parseVerbosity(flags.Verbosity)
			if err != nil {
				return err
			}
			if err := c.load(); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "Ready. Type your prompt, or /quit to leave.")
			return harness.New(c.cfg, c.out, c.log()).Chat(cmd.Context(), c.in, mode, verbosity)
		},
	}
	cmd.Flags().StringVarP(&flags.Mode, "mode", "m", string(agent.ModePrompt), "tool execution mode: auto or prompt")
	cmd.Flags().StringVar(&flags.Verbosity, "tool-verbosity", string(agent.ToolVerbosityInfo), "tool output: none, info or all")
	return cmd
}

func createWeatherServerCommand(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "weather-server",
		Short: "Serve the mock weather tool over SSE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return weather.Serve(cmd.Context(), addr, logger.New(c.errOut, os.Getenv("MCPHARNESS_LOG_LEVEL")))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", config.DefaultWeatherAddr, "listen address")
	return cmd
}

func createMathServerCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "math-server",
		Short: "Serve the math tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout carries the protocol; nothing else may write to it.
			return mathserver.RunStdio(cmd.Context())
		},
	}
}

func (c *cli) load() error {
	if err := config.LoadDotEnv(config.DotEnvFile); err != nil {
		return err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

func (c *cli) log() *slog.Logger {
	level := ""
	if c.cfg != nil {
		level = c.cfg.Logging.Level
	}
	return logger.New(c.errOut, level)
}

func (c *cli) exitCode(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return exitOK
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		fmt.Fprintln(c.out, "\nProgram interrupted by user. Cleaning up...")
		return exitInterrupted
	case errors.Is(err, errors.ErrMissingCredential):
		env := "OPENAI_API_KEY"
		if c.cfg != nil {
			if e := config.CredentialEnv(c.cfg.LLMClient); e != "" {
				env = e
			}
		}
		fmt.Fprintf(c.out, "Error: %s environment variable is not set.\n", env)
		fmt.Fprintf(c.out, "Please set your API key using: export %s='your-api-key'\n", env)
		fmt.Fprintf(c.out, "Or create a %s file with %s=your-api-key\n", config.DotEnvFile, env)
		return exitOK
	default:
		fmt.Fprintf(c.errOut, "An error occurred: %v\n", err)
		return exitError
	}
}

func parseMode(s string) (agent.Mode, error) {
	switch agent.Mode(s) {
	case agent.ModeAuto, agent.ModePrompt:
		return agent.Mode(s), nil
	}
	return "", errors.New("invalid mode %q: must be 'auto' or 'prompt'", s)
}

func parseVerbosity(s string) (agent.ToolVerbosity, error) {
	switch agent.ToolVerbosity(s) {
	case agent.ToolVerbosityNone, agent.ToolVerbosityInfo, agent.ToolVerbosityAll:
		return agent.ToolVerbosity(s), nil
	}
	return "", errors.New("invalid tool verbosity %q: must be 'none', 'info' or 'all'", s)
}
