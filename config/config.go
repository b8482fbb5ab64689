package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/m4xw311/mcpharness/errors"
	"gopkg.in/yaml.v3"
)

const (
	// DirName is the per-user and per-project configuration directory.
	DirName = ".mcpharness"

	TransportStdio = "stdio"
	TransportSSE   = "sse"
	// TransportHTTP is the streamable HTTP transport.
	TransportHTTP = "http"

	DefaultLLM         = "openai"
	DefaultModel       = "gpt-4o"
	DefaultWeatherAddr = "localhost:8000"
)

// Readiness configures the probe the supervisor polls before treating a
// supervised server as ready. An empty URL means "wait the grace period".
type Readiness struct {
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`
}

// MCPServer describes one tool server and how to reach it.
type MCPServer struct {
	Name      string   `yaml:"name"`
	Transport string   `yaml:"transport"` // "stdio", "sse" or "http"
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	URL       string   `yaml:"url"` // sse or http endpoint

	// Supervise starts Command as a managed child before connecting.
	// Only meaningful for network transports; stdio servers are owned by
	// their client connection.
	Supervise   bool          `yaml:"supervise"`
	GracePeriod time.Duration `yaml:"grace_period"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
	Readiness   Readiness     `yaml:"readiness"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"` // doublestar patterns over "<server>/<tool>"
}

type Logging struct {
	Level string `yaml:"level"`
	// Dir receives <server>.stdout.log and <server>.stderr.log for
	// supervised children. Empty keeps child output in memory only.
	Dir string `yaml:"dir"`
}

type Config struct {
	LLMClient     string      `yaml:"llm"`
	Model         string      `yaml:"model"`
	SystemPrompt  string      `yaml:"system_prompt"`
	Prompts       []string    `yaml:"prompts"`
	Toolset       string      `yaml:"toolset"`
	Toolsets      []Toolset   `yaml:"toolsets"`
	Servers       []MCPServer `yaml:"servers"`
	MaxSteps      int         `yaml:"max_steps"`
	TranscriptDir string      `yaml:"transcript_dir"`
	MetricsAddr   string      `yaml:"metrics_addr"`
	Logging       Logging     `yaml:"logging"`
}

// Default returns the built-in demo configuration: a math server reached
// over stdio and a supervised weather server reached over SSE, both served
// by this binary.
func Default() *Config {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	return &Config{
		LLMClient: DefaultLLM,
		Model:     DefaultModel,
		Prompts: []string{
			"what's (3 + 5) x 12?",
			"what is the weather in nyc?",
		},
		Toolset: "default",
		Toolsets: []Toolset{
			{Name: "default", Tools: []string{"**"}},
		},
		Servers: []MCPServer{
			{
				Name:      "math",
				Transport: TransportStdio,
				Command:   self,
				Args:      []string{"math-server"},
			},
			{
				Name:      "weather",
				Transport: TransportSSE,
				Command:   self,
				Args:      []string{"weather-server", "--addr", DefaultWeatherAddr},
				URL:       "http://" + DefaultWeatherAddr + "/sse",
				Supervise: true,
				Readiness: Readiness{
					URL:     "http://" + DefaultWeatherAddr + "/healthz",
					Timeout: 10 * time.Second,
				},
			},
		},
		MaxSteps:      10,
		TranscriptDir: filepath.Join(DirName, "sessions"),
		Logging:       Logging{Level: "info"},
	}
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence. Both are layered over
// Default.
func LoadConfig() (*Config, error) {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, DirName, "config.yaml"))
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	paths = append(paths, filepath.Join(wd, DirName, "config.yaml"))
	return LoadFrom(paths...)
}

// LoadFrom layers each existing file in paths over Default, in order, then
// applies MCPHARNESS_* environment overrides. Missing files are skipped.
func LoadFrom(paths ...string) (*Config, error) {
	cfg := Default()
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := loadFromFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading config %s", path)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Fields present in the file replace the layer below; lists are replaced
	// wholesale rather than merged.
	return yaml.Unmarshal(data, cfg)
}

// Validate checks server definitions for obvious mistakes.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.Name == "" {
			return errors.New("server without a name")
		}
		if seen[s.Name] {
			return errors.New("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
		switch s.Transport {
		case TransportStdio:
			if s.Command == "" {
				return errors.New("server %q: stdio transport requires command", s.Name)
			}
			if s.Supervise {
				return errors.New("server %q: stdio servers cannot be supervised", s.Name)
			}
		case TransportSSE, TransportHTTP:
			if s.URL == "" {
				return errors.New("server %q: %s transport requires url", s.Name, s.Transport)
			}
			if s.Supervise && s.Command == "" {
				return errors.New("server %q: supervise requires command", s.Name)
			}
		default:
			return errors.Wrapf(errors.ErrUnknownTransport, "server %q: %q", s.Name, s.Transport)
		}
	}
	return nil
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = "default"
	}
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return &ts, nil
		}
	}
	if name == "default" {
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	return c.GetToolset("default")
}

// Supervised returns the servers that must be started as managed children.
func (c *Config) Supervised() []MCPServer {
	var out []MCPServer
	for _, s := range c.Servers {
		if s.Supervise {
			out = append(out, s)
		}
	}
	return out
}
