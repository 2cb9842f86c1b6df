package models

import (
	"time"
)

// RunnerStatus is the liveness state of a registered runner.
type RunnerStatus string

const (
	RunnerStatusOnline  RunnerStatus = "online"
	RunnerStatusStale   RunnerStatus = "stale"
	RunnerStatusRemoved RunnerStatus = "removed"
)

// Runner is an external worker process that claims and executes runs.
type Runner struct {
	ID              string          `db:"id" json:"runner_id"`
	Hostname        string          `db:"hostname" json:"hostname"`
	ExecutorType    string          `db:"executor_type" json:"executor_type"`
	ExecutorProfile string          `db:"executor_profile" json:"executor_profile,omitempty"`
	ProjectDir      string          `db:"project_dir" json:"project_dir,omitempty"`
	Tags            StringList      `db:"tags" json:"tags,omitempty"`
	Agents          BlueprintList   `db:"agents" json:"agents,omitempty"`
	Status          RunnerStatus    `db:"status" json:"status"`
	LastHeartbeat   time.Time       `db:"last_heartbeat" json:"last_heartbeat"`
	RegisteredAt    time.Time       `db:"registered_at" json:"registered_at"`
}

// RegisterRunnerRequest is the body of POST /runner/register. Agents are the
// procedural blueprints this runner owns.
type RegisterRunnerRequest struct {
	Hostname        string            `json:"hostname"`
	ExecutorType    string            `json:"executor_type"`
	ExecutorProfile string            `json:"executor_profile,omitempty"`
	ProjectDir      string            `json:"project_dir,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	Agents          []*AgentBlueprint `json:"agents,omitempty"`
}

// RegisterRunnerResponse carries the server-issued id and the heartbeat
// cadence the coordinator expects.
type RegisterRunnerResponse struct {
	RunnerID          string `json:"runner_id"`
	HeartbeatInterval int    `json:"heartbeat_interval_seconds"`
}

// HeartbeatRequest is the body of POST /runner/heartbeat.
type HeartbeatRequest struct {
	RunnerID string `json:"runner_id"`
}

// RunnerListResponse is the registry dump (online and stale runners).
type RunnerListResponse struct {
	Runners []*Runner `json:"runners"`
}
