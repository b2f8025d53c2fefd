package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expands ${ENV} references, and merges it
// over Default(). A missing path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadEnv loads a .env file if present, then applies MAGI_* environment
// overrides onto cfg. Called once at binary start.
func LoadEnv(cfg *Config) {
	_ = godotenv.Load()

	if v := os.Getenv("MAGI_PROCESS_ID"); v != "" {
		cfg.Engine.ProcessID = v
	}
	if v := os.Getenv("MAGI_CONTROLLER_HOST"); v != "" {
		cfg.Engine.ControllerHost = v
	}
	if v := os.Getenv("MAGI_CONTROLLER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			cfg.Engine.ControllerPort = port
		}
	}
	if v := os.Getenv("MAGI_OUTPUT_DIR"); v != "" {
		cfg.Controller.OutputDir = v
	}

	ensureProvider := func(name, key string) {
		if key == "" {
			return
		}
		if cfg.Providers == nil {
			cfg.Providers = map[string]ProviderConfig{}
		}
		p := cfg.Providers[name]
		if p.APIKey == "" {
			p.APIKey = key
		}
		cfg.Providers[name] = p
	}
	ensureProvider("openai", os.Getenv("OPENAI_API_KEY"))
	ensureProvider("anthropic", os.Getenv("ANTHROPIC_API_KEY"))
	ensureProvider("deepseek", os.Getenv("DEEPSEEK_API_KEY"))
	ensureProvider("grok", os.Getenv("XAI_API_KEY"))
	ensureProvider("openrouter", os.Getenv("OPENROUTER_API_KEY"))
}
