package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// coordinatorYAML is the coordinator config file structure. Durations are
// strings in time.ParseDuration syntax ("90s", "10m").
type coordinatorYAML struct {
	Server              *serverYAML    `yaml:"server"`
	Auth                *authYAML      `yaml:"auth"`
	Store               *storeYAML     `yaml:"store"`
	AgentsDir           string         `yaml:"agents_dir"`
	ResumeDelivery      string         `yaml:"resume_delivery"`
	DefaultExecutorType string         `yaml:"default_executor_type"`
	Queue               *queueYAML     `yaml:"queue"`
	Runners             *runnersYAML   `yaml:"runners"`
	Callbacks           *callbacksYAML `yaml:"callbacks"`
	Retention           *retentionYAML `yaml:"retention"`
}

type serverYAML struct {
	ListenAddr string `yaml:"listen_addr"`
}

type authYAML struct {
	Enabled    *bool    `yaml:"enabled,omitempty"`
	APIKey     string   `yaml:"api_key,omitempty"`
	AdminUsers []string `yaml:"admin_users,omitempty"`
}

type storeYAML struct {
	Backend string `yaml:"backend"`
}

type queueYAML struct {
	MaxPollWait string `yaml:"max_poll_wait,omitempty"`
	SyncTimeout string `yaml:"sync_timeout,omitempty"`
}

type runnersYAML struct {
	HeartbeatInterval string `yaml:"heartbeat_interval,omitempty"`
	StaleAfter        string `yaml:"stale_after,omitempty"`
	RemoveAfter       string `yaml:"remove_after,omitempty"`
	SweepInterval     string `yaml:"sweep_interval,omitempty"`
}

type callbacksYAML struct {
	BatchWindowReset  *bool  `yaml:"batch_window_reset,omitempty"`
	DefaultBatchDelay string `yaml:"default_batch_delay,omitempty"`
}

type retentionYAML struct {
	RetainFor     string `yaml:"retain_for,omitempty"`
	SweepInterval string `yaml:"sweep_interval,omitempty"`
}

// runnerYAML is the runner config file structure.
type runnerYAML struct {
	CoordinatorURL   string              `yaml:"coordinator_url"`
	APIKey           string              `yaml:"api_key,omitempty"`
	Hostname         string              `yaml:"hostname,omitempty"`
	ExecutorType     string              `yaml:"executor_type,omitempty"`
	ExecutorProfile  string              `yaml:"executor_profile,omitempty"`
	ProjectDir       string              `yaml:"project_dir,omitempty"`
	Tags             []string            `yaml:"tags,omitempty"`
	AgentsDir        string              `yaml:"agents_dir,omitempty"`
	ExecutorCommands map[string][]string `yaml:"executor_commands,omitempty"`
	PollWait         string              `yaml:"poll_wait,omitempty"`
	DrainTimeout     string              `yaml:"drain_timeout,omitempty"`
}

// Initialize loads, merges, and validates coordinator configuration.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Read the YAML file (optional when path is empty)
//  3. Expand {{.VAR}} environment references
//  4. Merge file values onto the defaults
//  5. Apply environment variable overrides
//  6. Validate the result
func Initialize(_ context.Context, path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		var raw coordinatorYAML
		if err := loadYAML(path, &raw); err != nil {
			return nil, NewLoadError(path, err)
		}
		if err := mergeCoordinatorYAML(cfg, &raw); err != nil {
			return nil, NewLoadError(path, err)
		}
	}

	applyCoordinatorEnv(cfg)

	if err := validateCoordinator(cfg); err != nil {
		return nil, err
	}

	slog.Info("Configuration initialized",
		"listen_addr", cfg.ListenAddr,
		"store", cfg.StoreBackend,
		"auth_enabled", cfg.AuthEnabled,
		"agents_dir", cfg.AgentsDir)
	return cfg, nil
}

// InitializeRunner loads, merges, and validates runner configuration. The
// same steps as Initialize, against the runner file structure.
func InitializeRunner(_ context.Context, path string) (*RunnerConfig, error) {
	cfg := DefaultRunnerConfig()

	if path != "" {
		var raw runnerYAML
		if err := loadYAML(path, &raw); err != nil {
			return nil, NewLoadError(path, err)
		}
		if err := mergeRunnerYAML(cfg, &raw); err != nil {
			return nil, NewLoadError(path, err)
		}
	}

	if v := os.Getenv("AGENT_ORCHESTRATOR_API_URL"); v != "" {
		cfg.CoordinatorURL = v
	}
	if v := os.Getenv("AGENT_ORCHESTRATOR_API_KEY"); v != "" {
		cfg.APIKey = v
	}

	if err := validateRunner(cfg); err != nil {
		return nil, err
	}

	slog.Info("Runner configuration initialized",
		"coordinator_url", cfg.CoordinatorURL,
		"executor_type", cfg.ExecutorType,
		"tags", cfg.Tags)
	return cfg, nil
}

func loadYAML(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// ExpandEnv passes the original data through on template errors so the
	// YAML parser produces the clearer message.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

// mergeCoordinatorYAML folds file values into cfg. Strings and slices merge
// with mergo (non-zero wins); booleans and durations are handled explicitly
// because mergo cannot tell "false"/"0s" from unset.
func mergeCoordinatorYAML(cfg *Config, raw *coordinatorYAML) error {
	fileCfg := &Config{
		AgentsDir:           raw.AgentsDir,
		ResumeDelivery:      raw.ResumeDelivery,
		DefaultExecutorType: raw.DefaultExecutorType,
	}
	if raw.Server != nil {
		fileCfg.ListenAddr = raw.Server.ListenAddr
	}
	if raw.Auth != nil {
		fileCfg.APIKey = raw.Auth.APIKey
		fileCfg.AdminUsers = raw.Auth.AdminUsers
	}
	if raw.Store != nil {
		fileCfg.StoreBackend = raw.Store.Backend
	}
	if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge configuration: %w", err)
	}

	if raw.Auth != nil && raw.Auth.Enabled != nil {
		cfg.AuthEnabled = *raw.Auth.Enabled
	}
	if raw.Callbacks != nil && raw.Callbacks.BatchWindowReset != nil {
		cfg.Callbacks.BatchWindowReset = *raw.Callbacks.BatchWindowReset
	}

	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"queue.max_poll_wait", yamlField(raw.Queue, func(q *queueYAML) string { return q.MaxPollWait }), &cfg.Queue.MaxPollWait},
		{"queue.sync_timeout", yamlField(raw.Queue, func(q *queueYAML) string { return q.SyncTimeout }), &cfg.Queue.SyncTimeout},
		{"runners.heartbeat_interval", yamlField(raw.Runners, func(r *runnersYAML) string { return r.HeartbeatInterval }), &cfg.Runners.HeartbeatInterval},
		{"runners.stale_after", yamlField(raw.Runners, func(r *runnersYAML) string { return r.StaleAfter }), &cfg.Runners.StaleAfter},
		{"runners.remove_after", yamlField(raw.Runners, func(r *runnersYAML) string { return r.RemoveAfter }), &cfg.Runners.RemoveAfter},
		{"runners.sweep_interval", yamlField(raw.Runners, func(r *runnersYAML) string { return r.SweepInterval }), &cfg.Runners.SweepInterval},
		{"callbacks.default_batch_delay", yamlField(raw.Callbacks, func(c *callbacksYAML) string { return c.DefaultBatchDelay }), &cfg.Callbacks.DefaultBatchDelay},
		{"retention.retain_for", yamlField(raw.Retention, func(r *retentionYAML) string { return r.RetainFor }), &cfg.Retention.RetainFor},
		{"retention.sweep_interval", yamlField(raw.Retention, func(r *retentionYAML) string { return r.SweepInterval }), &cfg.Retention.SweepInterval},
	}
	for _, d := range durations {
		if err := setDuration(d.field, d.value, d.dst); err != nil {
			return err
		}
	}
	return nil
}

func mergeRunnerYAML(cfg *RunnerConfig, raw *runnerYAML) error {
	fileCfg := &RunnerConfig{
		CoordinatorURL:   raw.CoordinatorURL,
		APIKey:           raw.APIKey,
		Hostname:         raw.Hostname,
		ExecutorType:     raw.ExecutorType,
		ExecutorProfile:  raw.ExecutorProfile,
		ProjectDir:       raw.ProjectDir,
		Tags:             raw.Tags,
		AgentsDir:        raw.AgentsDir,
		ExecutorCommands: raw.ExecutorCommands,
	}
	if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge configuration: %w", err)
	}

	if err := setDuration("poll_wait", raw.PollWait, &cfg.PollWait); err != nil {
		return err
	}
	return setDuration("drain_timeout", raw.DrainTimeout, &cfg.DrainTimeout)
}

// yamlField reads one string field from an optional section pointer.
func yamlField[T any](section *T, get func(*T) string) string {
	if section == nil {
		return ""
	}
	return get(section)
}

func setDuration(field, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return NewValidationError(field, fmt.Errorf("%w: %v", ErrInvalidValue, err))
	}
	*dst = d
	return nil
}

func applyCoordinatorEnv(cfg *Config) {
	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AuthEnabled = b
		} else {
			slog.Warn("Invalid AUTH_ENABLED value, keeping configured setting", "value", v)
		}
	}
	if v := os.Getenv("AGENT_ORCHESTRATOR_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("AGENT_ORCHESTRATOR_AGENTS_DIR"); v != "" {
		cfg.AgentsDir = v
	}
	for _, override := range []struct {
		env string
		dst *time.Duration
	}{
		{"RUNNER_STALE_AFTER", &cfg.Runners.StaleAfter},
		{"RUNNER_REMOVE_AFTER", &cfg.Runners.RemoveAfter},
	} {
		v := os.Getenv(override.env)
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			*override.dst = d
		} else {
			slog.Warn("Invalid duration override, keeping configured setting",
				"env", override.env, "value", v)
		}
	}
}

func validateCoordinator(cfg *Config) error {
	if cfg.AuthEnabled && cfg.APIKey == "" {
		return NewValidationError("auth.api_key",
			fmt.Errorf("%w: required when auth is enabled", ErrMissingRequiredField))
	}
	if cfg.StoreBackend != StorePostgres && cfg.StoreBackend != StoreMemory {
		return NewValidationError("store.backend",
			fmt.Errorf("%w: %q (must be %q or %q)", ErrInvalidValue, cfg.StoreBackend, StorePostgres, StoreMemory))
	}
	if cfg.ResumeDelivery != ResumeDeliveryRunPayload && cfg.ResumeDelivery != ResumeDeliverySessionAPI {
		return NewValidationError("resume_delivery",
			fmt.Errorf("%w: %q (must be %q or %q)", ErrInvalidValue, cfg.ResumeDelivery, ResumeDeliveryRunPayload, ResumeDeliverySessionAPI))
	}
	if cfg.Queue.MaxPollWait <= 0 {
		return NewValidationError("queue.max_poll_wait",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if cfg.Runners.StaleAfter >= cfg.Runners.RemoveAfter {
		return NewValidationError("runners.remove_after",
			fmt.Errorf("%w: must exceed stale_after", ErrInvalidValue))
	}
	return nil
}

func validateRunner(cfg *RunnerConfig) error {
	if cfg.CoordinatorURL == "" {
		return NewValidationError("coordinator_url",
			fmt.Errorf("%w", ErrMissingRequiredField))
	}
	if cfg.ExecutorType == "" {
		return NewValidationError("executor_type",
			fmt.Errorf("%w", ErrMissingRequiredField))
	}
	return nil
}
