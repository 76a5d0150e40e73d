// Package config loads the run configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talgya/cavesim/internal/agents"
	"github.com/talgya/cavesim/internal/llm"
)

// Environment variables that override secrets in the file.
const (
	EnvLLMAPIKey = "CAVESIM_LLM_API_KEY"
	EnvAdminKey  = "CAVESIM_ADMIN_KEY"
)

type Config struct {
	Simulation SimulationConfig `yaml:"simulation"`
	Agents     []agents.Profile `yaml:"agents"`
	LLM        LLMConfig        `yaml:"llm"`
	API        APIConfig        `yaml:"api"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

type SimulationConfig struct {
	TotalDays    int           `yaml:"total_days"`
	TicksPerDay  int           `yaml:"ticks_per_day"`
	TickInterval time.Duration `yaml:"tick_interval"`
	IdleWait     time.Duration `yaml:"idle_wait"`
	MinSurvivors int           `yaml:"min_survivors"`
	EatAfterTick int           `yaml:"eat_after_tick"`
	Seed         int64         `yaml:"seed"`
}

type LLMConfig struct {
	Provider     string        `yaml:"provider"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	Temperature  float64       `yaml:"temperature"`
	MaxTokens    int           `yaml:"max_tokens"`
	MaxPerMinute int           `yaml:"max_per_minute"`
	Timeout      time.Duration `yaml:"timeout"`
}

type APIConfig struct {
	Port     int    `yaml:"port"`
	AdminKey string `yaml:"admin_key"`
}

// ArchiveConfig locates the run archive. Empty paths disable that part.
type ArchiveConfig struct {
	DBPath    string `yaml:"db_path"`
	EventsDir string `yaml:"events_dir"`
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Simulation: SimulationConfig{
			TotalDays:    14,
			TicksPerDay:  24,
			TickInterval: 5 * time.Second,
			IdleWait:     500 * time.Millisecond,
			MinSurvivors: 2,
			EatAfterTick: agents.DefaultEatAfterTick,
		},
		LLM: LLMConfig{
			Provider:     llm.ProviderAnthropic,
			Temperature:  0.8,
			MaxTokens:    1024,
			MaxPerMinute: 60,
			Timeout:      60 * time.Second,
		},
		API: APIConfig{Port: 8080},
		Archive: ArchiveConfig{
			DBPath:    "data/cavesim.db",
			EventsDir: "data/events",
		},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvLLMAPIKey); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv(EnvAdminKey); v != "" {
		c.API.AdminKey = v
	}
}

// Normalize trims names and fills zero values that have a safe default.
func (c *Config) Normalize() {
	for i := range c.Agents {
		c.Agents[i].Name = strings.TrimSpace(c.Agents[i].Name)
	}
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = llm.ProviderAnthropic
	}
	if c.Simulation.IdleWait <= 0 {
		c.Simulation.IdleWait = 500 * time.Millisecond
	}
	if c.Simulation.EatAfterTick <= 0 {
		c.Simulation.EatAfterTick = agents.DefaultEatAfterTick
	}
}

func (c Config) Validate() error {
	s := c.Simulation
	if s.TotalDays <= 0 {
		return fmt.Errorf("simulation.total_days must be > 0")
	}
	if s.TicksPerDay <= 0 {
		return fmt.Errorf("simulation.ticks_per_day must be > 0")
	}
	if s.TickInterval < 0 {
		return fmt.Errorf("simulation.tick_interval must be >= 0")
	}
	if s.MinSurvivors < 0 {
		return fmt.Errorf("simulation.min_survivors must be >= 0")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("agents must not be empty")
	}
	seen := map[string]bool{}
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d] name must not be empty", i)
		}
		if a.Name == "system" || a.Name == "human" {
			return fmt.Errorf("agents[%d] name %q is reserved", i, a.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent name: %s", a.Name)
		}
		seen[a.Name] = true
	}
	switch c.LLM.Provider {
	case llm.ProviderAnthropic, llm.ProviderOpenAI:
	default:
		return fmt.Errorf("llm.provider %q must be %q or %q", c.LLM.Provider, llm.ProviderAnthropic, llm.ProviderOpenAI)
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	return nil
}

// LLMClientConfig converts the llm section for llm.NewClient.
func (c Config) LLMClientConfig() llm.Config {
	return llm.Config{
		Provider:     c.LLM.Provider,
		APIKey:       c.LLM.APIKey,
		BaseURL:      c.LLM.BaseURL,
		Model:        c.LLM.Model,
		Temperature:  c.LLM.Temperature,
		MaxTokens:    c.LLM.MaxTokens,
		MaxPerMinute: c.LLM.MaxPerMinute,
		Timeout:      c.LLM.Timeout,
	}
}
