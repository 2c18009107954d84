// Package config loads and validates the Pulse daemon configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultStateDir is used when state.dir is left empty.
const DefaultStateDir = "/var/lib/pulse"

// Config is the root configuration object, mirroring the section table
// in the external interface contract.
type Config struct {
	Webhook    WebhookConfig    `yaml:"webhook"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Drives     DrivesConfig     `yaml:"drives"`
	Sensors    SensorsConfig    `yaml:"sensors"`
	Evaluator  EvaluatorConfig  `yaml:"evaluator"`
	Plasticity PlasticityConfig `yaml:"plasticity"`
	State      StateConfig      `yaml:"state"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Generative GenerativeConfig `yaml:"generative"`
}

// WebhookConfig controls trigger dispatch.
type WebhookConfig struct {
	URL                string        `yaml:"url"`
	Token              string        `yaml:"token"`
	MessagePrefix      string        `yaml:"message_prefix"`
	MaxTurnsPerHour    int           `yaml:"max_turns_per_hour"`
	MinTriggerInterval time.Duration `yaml:"min_trigger_interval"`
	SessionMode        string        `yaml:"session_mode"`
	Deliver            bool          `yaml:"deliver"`
	IsolatedModel      string        `yaml:"isolated_model"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
}

// WorkspaceConfig names the JSON source files the Drive Engine watches
// for one-time spikes.
type WorkspaceConfig struct {
	Root          string `yaml:"root"`
	Goals         string `yaml:"goals"`
	Emotions      string `yaml:"emotions"`
	Hypotheses    string `yaml:"hypotheses"`
	WorkingMemory string `yaml:"working_memory"`
	Evolution     string `yaml:"evolution"`
}

// CategoryConfig describes one configured drive at startup.
type CategoryConfig struct {
	Weight float64 `yaml:"weight"`
	Source string  `yaml:"source"`
}

// DrivesConfig is the Drive Engine's tunables.
type DrivesConfig struct {
	PressureRate                  float64                   `yaml:"pressure_rate"`
	TriggerThreshold              float64                   `yaml:"trigger_threshold"`
	MaxPressure                   float64                   `yaml:"max_pressure"`
	SuccessDecay                  float64                   `yaml:"success_decay"`
	FailureBoost                  float64                   `yaml:"failure_boost"`
	OverrideMinIndividualPressure float64                   `yaml:"override_min_individual_pressure"`
	AdaptiveDecay                 bool                      `yaml:"adaptive_decay"`
	Categories                    map[string]CategoryConfig `yaml:"categories"`
}

// FilesystemSensorConfig controls the filesystem sensor.
type FilesystemSensorConfig struct {
	Enabled          bool     `yaml:"enabled"`
	WatchPaths       []string `yaml:"watch_paths"`
	IgnorePatterns   []string `yaml:"ignore_patterns"`
	IgnoreSelfWrites bool     `yaml:"ignore_self_writes"`
}

// SystemSensorConfig controls the system-health sensor.
type SystemSensorConfig struct {
	Enabled                bool     `yaml:"enabled"`
	MemoryThresholdPercent float64  `yaml:"memory_threshold_percent"`
	WatchProcesses         []string `yaml:"watch_processes"`
}

// SensorsConfig groups all sensor configuration sections.
type SensorsConfig struct {
	Filesystem FilesystemSensorConfig `yaml:"filesystem"`
	System     SystemSensorConfig     `yaml:"system"`
}

// RulesEvaluatorConfig configures the synchronous rules-based gate.
type RulesEvaluatorConfig struct {
	SingleDriveThreshold        float64 `yaml:"single_drive_threshold"`
	CombinedThreshold           float64 `yaml:"combined_threshold"`
	SuppressDuringConversation  bool    `yaml:"suppress_during_conversation"`
	ConversationCooldownMinutes int     `yaml:"conversation_cooldown_minutes"`
}

// ModelEvaluatorConfig configures the LLM-backed gate.
type ModelEvaluatorConfig struct {
	BaseURL            string  `yaml:"base_url"`
	APIKey             string  `yaml:"api_key"`
	Model              string  `yaml:"model"`
	MaxTokens          int     `yaml:"max_tokens"`
	Temperature        float64 `yaml:"temperature"`
	TimeoutSeconds     int     `yaml:"timeout_seconds"`
	MaxSuppressMinutes int     `yaml:"max_suppress_minutes"`
}

// EvaluatorConfig selects and configures the gating strategy.
type EvaluatorConfig struct {
	Mode  string               `yaml:"mode"`
	Rules RulesEvaluatorConfig `yaml:"rules"`
	Model ModelEvaluatorConfig `yaml:"model"`
}

// PlasticityConfig controls Drive Evolution.
type PlasticityConfig struct {
	Enabled            bool    `yaml:"enabled"`
	HistoryWindow      int     `yaml:"history_window"`
	EvolutionInterval  int     `yaml:"evolution_interval"`
	MinRecords         int     `yaml:"min_records"`
	MaxDeltaPerCycle   float64 `yaml:"max_delta_per_cycle"`
	MinWeight          float64 `yaml:"min_weight"`
	MaxWeight          float64 `yaml:"max_weight"`
	ProtectedMinWeight float64 `yaml:"protected_min_weight"`
}

// StateConfig controls the State Store.
type StateConfig struct {
	Dir                  string        `yaml:"dir"`
	SaveInterval         time.Duration `yaml:"save_interval"`
	HistoryRetentionDays int           `yaml:"history_retention_days"`
}

// DaemonConfig controls loop timing and process supervision.
type DaemonConfig struct {
	LoopIntervalSeconds int           `yaml:"loop_interval_seconds"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	PIDFile             string        `yaml:"pid_file"`
	HealthPort          int           `yaml:"health_port"`
	Integration         string        `yaml:"integration"`
}

// GenerativeConfig controls the GENERATE-hint path.
type GenerativeConfig struct {
	Enabled        bool     `yaml:"enabled"`
	MaxTasks       int      `yaml:"max_tasks"`
	MinIdleMinutes int      `yaml:"min_idle_minutes"`
	RoadmapFiles   []string `yaml:"roadmap_files"`
}

// Defaults returns a Config populated with the documented default values.
func Defaults() Config {
	return Config{
		Webhook: WebhookConfig{
			MessagePrefix:      "[pulse]",
			MaxTurnsPerHour:    10,
			MinTriggerInterval: 5 * time.Minute,
			SessionMode:        "isolated",
			Deliver:            false,
			RequestTimeout:     10 * time.Second,
		},
		Workspace: WorkspaceConfig{
			Root: "/var/lib/pulse/workspace",
		},
		Drives: DrivesConfig{
			PressureRate:                  0.02,
			TriggerThreshold:              0.7,
			MaxPressure:                   10.0,
			SuccessDecay:                  0.7,
			FailureBoost:                  0.3,
			OverrideMinIndividualPressure: 1.5,
			AdaptiveDecay:                 true,
			Categories: map[string]CategoryConfig{
				"goals": {Weight: 1.0, Source: "goals"},
			},
		},
		Sensors: SensorsConfig{
			Filesystem: FilesystemSensorConfig{
				Enabled:          true,
				IgnoreSelfWrites: true,
			},
			System: SystemSensorConfig{
				Enabled:                true,
				MemoryThresholdPercent: 90.0,
			},
		},
		Evaluator: EvaluatorConfig{
			Mode: "rules",
			Rules: RulesEvaluatorConfig{
				SingleDriveThreshold:        0.5,
				CombinedThreshold:           1.5,
				SuppressDuringConversation:  true,
				ConversationCooldownMinutes: 5,
			},
			Model: ModelEvaluatorConfig{
				MaxTokens:          256,
				Temperature:        0.2,
				TimeoutSeconds:     10,
				MaxSuppressMinutes: 60,
			},
		},
		Plasticity: PlasticityConfig{
			Enabled:            true,
			HistoryWindow:      50,
			EvolutionInterval:  10,
			MinRecords:         3,
			MaxDeltaPerCycle:   0.1,
			MinWeight:          0.1,
			MaxWeight:          5.0,
			ProtectedMinWeight: 0.5,
		},
		State: StateConfig{
			Dir:                  DefaultStateDir,
			SaveInterval:         30 * time.Second,
			HistoryRetentionDays: 30,
		},
		Daemon: DaemonConfig{
			LoopIntervalSeconds: 30,
			ShutdownTimeout:     10 * time.Second,
			PIDFile:             "/var/lib/pulse/pulsed.pid",
			HealthPort:          8765,
			Integration:         "default",
		},
		Generative: GenerativeConfig{
			MaxTasks:       3,
			MinIdleMinutes: 60,
		},
	}
}

// Load reads a YAML config file at path, applies environment-variable
// interpolation, fills in defaults for omitted fields, and validates it.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load(%q): %w", path, err)
	}

	expanded := expandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config.Load(%q): parse: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} references with the corresponding environment
// variable value. An unset reference is left literal in the output;
// whether that literal is acceptable is a Validate-time concern (some
// fields allow it, required fields don't), per the external interface
// contract.
func expandEnv(raw string) string {
	return envRef.ReplaceAllStringFunc(raw, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return ref
	})
}

// Validate accumulates every configuration violation into a single error
// rather than failing on the first one, so an operator can fix a
// misconfigured file in one pass.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Webhook.Deliver {
		if cfg.Webhook.URL == "" {
			errs = append(errs, "webhook.url is required when webhook.deliver is true")
		}
		if strings.Contains(cfg.Webhook.URL, "${") {
			errs = append(errs, fmt.Sprintf("webhook.url has an unresolved environment reference: %q", cfg.Webhook.URL))
		}
	}
	if cfg.Webhook.MaxTurnsPerHour <= 0 {
		errs = append(errs, "webhook.max_turns_per_hour must be positive")
	}
	if cfg.Webhook.MinTriggerInterval < 0 {
		errs = append(errs, "webhook.min_trigger_interval must be non-negative")
	}

	if len(cfg.Drives.Categories) == 0 {
		errs = append(errs, "drives.categories must declare at least one drive")
	}
	for name, cat := range cfg.Drives.Categories {
		if cat.Weight <= 0 {
			errs = append(errs, fmt.Sprintf("drives.categories[%s].weight must be positive", name))
		}
	}
	if cfg.Drives.MaxPressure <= 0 {
		errs = append(errs, "drives.max_pressure must be positive")
	}
	if cfg.Drives.PressureRate < 0 {
		errs = append(errs, "drives.pressure_rate must be non-negative")
	}
	if cfg.Drives.SuccessDecay < 0 || cfg.Drives.SuccessDecay > 1 {
		errs = append(errs, "drives.success_decay must be within [0,1]")
	}

	switch cfg.Evaluator.Mode {
	case "rules":
	case "model":
		if cfg.Evaluator.Model.BaseURL == "" {
			errs = append(errs, "evaluator.model.base_url is required when evaluator.mode is model")
		}
		if strings.Contains(cfg.Evaluator.Model.APIKey, "${") {
			errs = append(errs, "evaluator.model.api_key has an unresolved environment reference")
		}
	default:
		errs = append(errs, fmt.Sprintf("evaluator.mode must be \"rules\" or \"model\", got %q", cfg.Evaluator.Mode))
	}

	if cfg.Plasticity.Enabled {
		if cfg.Plasticity.HistoryWindow <= 0 {
			errs = append(errs, "plasticity.history_window must be positive")
		}
		if cfg.Plasticity.EvolutionInterval <= 0 {
			errs = append(errs, "plasticity.evolution_interval must be positive")
		}
		if cfg.Plasticity.MinRecords < 1 {
			errs = append(errs, "plasticity.min_records must be at least 1")
		}
		if cfg.Plasticity.MaxDeltaPerCycle <= 0 {
			errs = append(errs, "plasticity.max_delta_per_cycle must be positive")
		}
	}

	if cfg.State.Dir == "" {
		errs = append(errs, "state.dir must not be empty")
	}
	if cfg.State.SaveInterval <= 0 {
		errs = append(errs, "state.save_interval must be positive")
	}

	if cfg.Daemon.LoopIntervalSeconds <= 0 {
		errs = append(errs, "daemon.loop_interval_seconds must be positive")
	}
	if cfg.Daemon.PIDFile == "" {
		errs = append(errs, "daemon.pid_file must not be empty")
	}
	if cfg.Daemon.HealthPort <= 0 || cfg.Daemon.HealthPort > 65535 {
		errs = append(errs, "daemon.health_port must be a valid TCP port")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
