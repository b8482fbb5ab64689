package config

import (
	"os"
	"strings"

	"github.com/m4xw311/mcpharness/errors"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// DotEnvFile is read from the working directory before credentials are checked.
const DotEnvFile = ".env"

// credentials maps an LLM provider to the environment variable holding its key.
// Providers absent here (bedrock, mock) authenticate some other way.
var credentials = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

// CredentialEnv returns the environment variable the provider needs, or ""
// when it has no single required variable.
func CredentialEnv(provider string) string {
	return credentials[provider]
}

// LoadDotEnv reads KEY=VALUE pairs from path into the process environment.
// Keys keep their case. Variables that are already set win. A missing file
// is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	vars, err := gotenv.Read(path)
	if err != nil {
		return errors.Wrapf(err, "could not parse %s", path)
	}
	for name, value := range vars {
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if err := os.Setenv(name, value); err != nil {
			return errors.Wrapf(err, "could not set %s", name)
		}
	}
	return nil
}

// EnvPrefix prefixes the variables that override config file values.
const EnvPrefix = "MCPHARNESS"

// applyEnv overrides scalar settings from MCPHARNESS_* variables, e.g.
// MCPHARNESS_LLM=mock or MCPHARNESS_LOGGING_LEVEL=debug. Empty values are
// ignored.
func applyEnv(cfg *Config) error {
	v := viper.New()
	overrides := []struct {
		key string
		dst *string
	}{
		{"llm", &cfg.LLMClient},
		{"model", &cfg.Model},
		{"toolset", &cfg.Toolset},
		{"metrics_addr", &cfg.MetricsAddr},
		{"transcript_dir", &cfg.TranscriptDir},
		{"logging_level", &cfg.Logging.Level},
		{"logging_dir", &cfg.Logging.Dir},
	}
	for _, o := range overrides {
		env := EnvPrefix + "_" + strings.ToUpper(o.key)
		if err := v.BindEnv(o.key, env); err != nil {
			return errors.Wrapf(err, "binding %s", env)
		}
		if val := v.GetString(o.key); val != "" {
			*o.dst = val
		}
	}
	return nil
}
