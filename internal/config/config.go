// Package config loads the support agent's configuration from a YAML file
// and the environment. Environment variables win over the file, and a .env
// file in the working directory wins over both.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SUPPORTAGENT_"

// EnvFile is loaded into the environment before it is applied. Its values
// replace variables that are already set.
const EnvFile = ".env"

var ErrMissingAPIKey = errors.New("missing api key")

type Config struct {
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Deepgram DeepgramConfig `yaml:"deepgram"`
	Agent    AgentConfig    `yaml:"agent"`
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	Store    StoreConfig    `yaml:"store"`
	LogLevel string         `yaml:"log_level"`
}

type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
	// BaseURL points the client at any OpenAI compatible API, e.g. Groq.
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type DeepgramConfig struct {
	APIKey   string `yaml:"api_key"`
	Voice    string `yaml:"voice"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

type AgentConfig struct {
	// SystemPrompt replaces the built in support agent prompt.
	SystemPrompt       string        `yaml:"system_prompt"`
	ToolTimeout        time.Duration `yaml:"tool_timeout"`
	MaxToolRounds      int           `yaml:"max_tool_rounds"`
	AllowInterruptions bool          `yaml:"allow_interruptions"`
	Metrics            bool          `yaml:"metrics"`
	InitialTTFBOnly    bool          `yaml:"initial_ttfb_only"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
}

type StoreConfig struct {
	// Dir is where transcripts are archived. Empty disables the archive.
	Dir string `yaml:"dir"`
}

func Default() Config {
	return Config{
		OpenAI: OpenAIConfig{Model: "gpt-4o"},
		Deepgram: DeepgramConfig{
			Voice:    "aura-2-thalia-en",
			Model:    "nova-3",
			Language: "en-US",
		},
		Agent: AgentConfig{
			ToolTimeout:        10 * time.Second,
			MaxToolRounds:      8,
			AllowInterruptions: true,
			Metrics:            true,
			InitialTTFBOnly:    true,
		},
		Server:   ServerConfig{Address: ":8080", Path: "/session"},
		Audio:    AudioConfig{SampleRate: 16000},
		LogLevel: "info",
	}
}

// Load reads the configuration at path on top of the defaults and applies
// the environment. An empty path skips the file; a missing EnvFile is
// ignored.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Overload(EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load %s: %w", EnvFile, err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	overrides := map[string]*string{
		"OPENAI_API_KEY":            &c.OpenAI.APIKey,
		"OPENAI_BASE_URL":           &c.OpenAI.BaseURL,
		"DEEPGRAM_API_KEY":          &c.Deepgram.APIKey,
		envPrefix + "MODEL":         &c.OpenAI.Model,
		envPrefix + "VOICE":         &c.Deepgram.Voice,
		envPrefix + "LANGUAGE":      &c.Deepgram.Language,
		envPrefix + "SYSTEM_PROMPT": &c.Agent.SystemPrompt,
		envPrefix + "ADDRESS":       &c.Server.Address,
		envPrefix + "STORE_DIR":     &c.Store.Dir,
		envPrefix + "LOG_LEVEL":     &c.LogLevel,
	}
	for key, field := range overrides {
		if value, ok := lookup(key); ok {
			*field = value
		}
	}

	if value, ok := lookup(envPrefix + "TOOL_TIMEOUT"); ok {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %sTOOL_TIMEOUT: %w", envPrefix, err)
		}
		c.Agent.ToolTimeout = timeout
	}
	if value, ok := lookup(envPrefix + "ALLOW_INTERRUPTIONS"); ok {
		allow, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid %sALLOW_INTERRUPTIONS: %w", envPrefix, err)
		}
		c.Agent.AllowInterruptions = allow
	}
	if value, ok := lookup(envPrefix + "SAMPLE_RATE"); ok {
		rate, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %sSAMPLE_RATE: %w", envPrefix, err)
		}
		c.Audio.SampleRate = rate
	}
	return nil
}

// RequireOpenAI fails when no model API key is configured.
func (c Config) RequireOpenAI() error {
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("%w: set OPENAI_API_KEY or openai.api_key", ErrMissingAPIKey)
	}
	return nil
}

// RequireDeepgram fails when no speech API key is configured.
func (c Config) RequireDeepgram() error {
	if c.Deepgram.APIKey == "" {
		return fmt.Errorf("%w: set DEEPGRAM_API_KEY or deepgram.api_key", ErrMissingAPIKey)
	}
	return nil
}
