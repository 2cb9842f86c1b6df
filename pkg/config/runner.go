package config

import "time"

// RunnerConfig is the runner's resolved configuration.
type RunnerConfig struct {
	// CoordinatorURL is the coordinator API base address.
	CoordinatorURL string
	// APIKey is the shared bearer token.
	APIKey string

	// Hostname reported at registration. Empty means os.Hostname.
	Hostname string
	// ExecutorType this runner hosts, e.g. "claude" or "cli".
	ExecutorType string
	// ExecutorProfile optionally narrows dispatch further.
	ExecutorProfile string
	// ProjectDir is the working directory offered to executors.
	ProjectDir string
	// Tags this runner matches on.
	Tags []string

	// AgentsDir holds runner-owned blueprint YAML files registered with the
	// coordinator. Empty means none.
	AgentsDir string
	// ExecutorCommands maps executor types to host commands for blueprints
	// that carry no command of their own.
	ExecutorCommands map[string][]string

	// PollWait is the requested long-poll duration.
	PollWait time.Duration
	// DrainTimeout bounds how long shutdown waits for active runs.
	DrainTimeout time.Duration
}

// DefaultRunnerConfig returns the built-in runner defaults. CoordinatorURL
// has no default: it must come from the file or AGENT_ORCHESTRATOR_API_URL.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		ExecutorType: "cli",
		PollWait:     30 * time.Second,
		DrainTimeout: 30 * time.Second,
	}
}
