package config

import "time"

// Config is the coordinator's resolved configuration: file values merged
// onto built-in defaults, with environment overrides applied last.
type Config struct {
	// ListenAddr is the API listen address, e.g. ":8080".
	ListenAddr string

	// AuthEnabled enforces the bearer token on every endpoint except /health.
	AuthEnabled bool
	// APIKey is the shared bearer token.
	APIKey string
	// AdminUsers are identities granted the admin role.
	AdminUsers []string

	// StoreBackend selects the persistence layer: "postgres" or "memory".
	StoreBackend string
	// AgentsDir holds file-backed agent blueprint YAML files. Empty means
	// no file-backed agents.
	AgentsDir string
	// ResumeDelivery decides how a resumed executor learns its prior
	// executor session: "run_payload" or "session_api".
	ResumeDelivery string
	// DefaultExecutorType is assigned to runs whose blueprint pins none.
	DefaultExecutorType string

	Queue     QueueConfig
	Runners   RunnersConfig
	Callbacks CallbacksConfig
	Retention RetentionConfig
}

// QueueConfig controls run dispatch.
type QueueConfig struct {
	// MaxPollWait caps how long a runner long-poll is held open.
	MaxPollWait time.Duration
	// SyncTimeout bounds how long a sync-mode run creation waits for the
	// session to reach a terminal state.
	SyncTimeout time.Duration
}

// RunnersConfig controls the runner registry and its staleness sweeper.
type RunnersConfig struct {
	// HeartbeatInterval is advertised to runners at registration.
	HeartbeatInterval time.Duration
	// StaleAfter is heartbeat silence before online -> stale.
	StaleAfter time.Duration
	// RemoveAfter is heartbeat silence before stale -> removed.
	RemoveAfter time.Duration
	// SweepInterval is how often the staleness sweeper scans.
	SweepInterval time.Duration
}

// CallbacksConfig controls parent re-entry scheduling.
type CallbacksConfig struct {
	// BatchWindowReset decides whether a completion landing inside an open
	// batch window pushes the deadline out again.
	BatchWindowReset bool
	// DefaultBatchDelay applies when a batch-strategy callback names no
	// delay of its own.
	DefaultBatchDelay time.Duration
}

// RetentionConfig controls pruning of old terminal sessions.
type RetentionConfig struct {
	// RetainFor is how long terminal sessions are kept. <= 0 disables the
	// cleanup loop.
	RetainFor time.Duration
	// SweepInterval is how often the cleanup loop scans.
	SweepInterval time.Duration
}

// DefaultConfig returns the built-in coordinator defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     ":8080",
		AuthEnabled:    true,
		StoreBackend:        "postgres",
		ResumeDelivery:      ResumeDeliveryRunPayload,
		DefaultExecutorType: "claude",
		Queue: QueueConfig{
			MaxPollWait: 30 * time.Second,
			SyncTimeout: 15 * time.Minute,
		},
		Runners: RunnersConfig{
			HeartbeatInterval: 60 * time.Second,
			StaleAfter:        90 * time.Second,
			RemoveAfter:       10 * time.Minute,
			SweepInterval:     15 * time.Second,
		},
		Callbacks: CallbacksConfig{
			BatchWindowReset:  false,
			DefaultBatchDelay: 30 * time.Second,
		},
		Retention: RetentionConfig{
			RetainFor:     0, // disabled
			SweepInterval: 1 * time.Hour,
		},
	}
}

// Resume delivery modes.
const (
	ResumeDeliveryRunPayload = "run_payload"
	ResumeDeliverySessionAPI = "session_api"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)
