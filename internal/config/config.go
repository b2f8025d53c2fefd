// Package config loads and validates the MAGI configuration shared by the
// controller and engine binaries.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	// Name is the assistant's name, used in the monologue and the
	// canonical "<Name> said:" ingestion prefix.
	Name string `yaml:"name"`

	// PersonName is how the engine addresses its human operator; the
	// user-facing reply tool is named talk_to_<person>.
	PersonName string `yaml:"person_name"`

	Controller ControllerConfig `yaml:"controller"`
	Engine     EngineConfig     `yaml:"engine"`
	Models     ModelsConfig     `yaml:"models"`
	History    HistoryConfig    `yaml:"history"`
	Log        LogConfig        `yaml:"log"`

	// Providers holds API credentials and base URLs keyed by provider name
	// (openai, anthropic, deepseek, grok, openrouter).
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ControllerConfig configures the mediator process.
type ControllerConfig struct {
	// Port serves the engine socket, the UI socket, REST and /metrics.
	Port int `yaml:"port"`

	// EngineImage is the container image used for spawned task engines.
	EngineImage string `yaml:"engine_image"`

	// OutputDir is the shared volume mounted into every engine at
	// /magi_output; per-process subdirectories are created on demand.
	OutputDir string `yaml:"output_dir"`
}

// EngineConfig configures one engine (overseer or task) process.
type EngineConfig struct {
	// ControllerHost is where the engine dials the controller socket.
	ControllerHost string `yaml:"controller_host"`
	ControllerPort int    `yaml:"controller_port"`

	// ProcessID identifies this engine; minted by the controller.
	ProcessID string `yaml:"process_id"`

	// TestMode disables the socket and pretty-prints events to stdout.
	TestMode bool `yaml:"test_mode"`

	// ThoughtDelaySeconds is the pause between monologue turns. Allowed
	// values: 0, 2, 4, 8, 16, 32, 64, 128.
	ThoughtDelaySeconds int `yaml:"thought_delay_seconds"`

	// MaxToolCallRoundsPerTurn bounds the tool loop for task agents.
	// The overseer always runs with 1.
	MaxToolCallRoundsPerTurn int `yaml:"max_tool_call_rounds_per_turn"`

	// TaskHealthCheckInterval is how often the overseer sweeps task health.
	TaskHealthCheckInterval time.Duration `yaml:"task_health_check_interval"`

	// TaskStallThreshold marks a task unhealthy when no process event has
	// been observed for this long and the task is not terminal.
	TaskStallThreshold time.Duration `yaml:"task_stall_threshold"`

	// MemoryPath is the sqlite database backing the memory tools.
	MemoryPath string `yaml:"memory_path"`
}

// ProviderConfig holds one provider's credentials.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ModelsConfig drives model rotation.
type ModelsConfig struct {
	// Classes maps a model class name to its candidate models.
	Classes map[string]ModelClass `yaml:"classes"`

	// Disabled lists models excluded from rotation everywhere.
	Disabled []string `yaml:"disabled"`

	// Overrides pins a class to a fixed model, bypassing rotation.
	Overrides map[string]string `yaml:"overrides"`
}

// ModelClass is a named bucket of candidate models with per-model scores.
type ModelClass struct {
	Models []string `yaml:"models"`

	// Scores maps model → selection weight 0–100 for this class. Models
	// without an entry score zero.
	Scores map[string]int `yaml:"scores"`
}

// HistoryConfig tunes the overseer history store.
type HistoryConfig struct {
	// CompactionThresholdTokens triggers compaction when the approximate
	// token count (chars/4) exceeds it.
	CompactionThresholdTokens int `yaml:"compaction_threshold_tokens"`

	// SummaryModelClass picks the model class used for summarization.
	SummaryModelClass string `yaml:"summary_model_class"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// ThoughtDelays enumerates the allowed thought-delay values in seconds.
var ThoughtDelays = []int{0, 2, 4, 8, 16, 32, 64, 128}

// ValidThoughtDelay reports whether d is an allowed thought delay.
func ValidThoughtDelay(d int) bool {
	for _, v := range ThoughtDelays {
		if v == d {
			return true
		}
	}
	return false
}

// Default returns the baseline configuration applied underneath any loaded
// file. Every field a caller reads has a workable default.
func Default() *Config {
	return &Config{
		Name:       "Magi",
		PersonName: "user",
		Controller: ControllerConfig{
			Port:        3010,
			EngineImage: "magi-engine:latest",
			OutputDir:   "/magi_output",
		},
		Engine: EngineConfig{
			ControllerHost:           "localhost",
			ControllerPort:           3010,
			ThoughtDelaySeconds:      4,
			MaxToolCallRoundsPerTurn: 10,
			TaskHealthCheckInterval:  10 * time.Minute,
			TaskStallThreshold:       5 * time.Minute,
			MemoryPath:               "magi-memory.db",
		},
		Models: ModelsConfig{
			Classes: map[string]ModelClass{
				"standard": {
					Models: []string{"gpt-4o", "claude-sonnet-4-20250514"},
					Scores: map[string]int{"gpt-4o": 50, "claude-sonnet-4-20250514": 50},
				},
				"monologue": {
					Models: []string{"gpt-4o", "claude-sonnet-4-20250514", "deepseek-chat"},
					Scores: map[string]int{"gpt-4o": 40, "claude-sonnet-4-20250514": 40, "deepseek-chat": 20},
				},
				"summary": {
					Models: []string{"gpt-4o-mini", "claude-3-5-haiku-latest"},
					Scores: map[string]int{"gpt-4o-mini": 60, "claude-3-5-haiku-latest": 40},
				},
			},
		},
		History: HistoryConfig{
			CompactionThresholdTokens: 50_000,
			SummaryModelClass:         "summary",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Controller.Port <= 0 || c.Controller.Port > 65535 {
		return fmt.Errorf("controller port %d out of range", c.Controller.Port)
	}
	if !ValidThoughtDelay(c.Engine.ThoughtDelaySeconds) {
		return fmt.Errorf("thought_delay_seconds %d not in %v", c.Engine.ThoughtDelaySeconds, ThoughtDelays)
	}
	if c.History.CompactionThresholdTokens <= 0 {
		return fmt.Errorf("compaction_threshold_tokens must be positive")
	}
	for name, class := range c.Models.Classes {
		if len(class.Models) == 0 {
			return fmt.Errorf("model class %q has no models", name)
		}
	}
	if _, ok := c.Models.Classes["standard"]; !ok {
		return fmt.Errorf("model class \"standard\" is required as the rotation fallback")
	}
	return nil
}
