package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// AgentType distinguishes how an agent executes.
type AgentType string

const (
	// AgentAutonomous runs an AI harness driven by a prompt.
	AgentAutonomous AgentType = "autonomous"
	// AgentProcedural runs a fixed command with validated parameters.
	AgentProcedural AgentType = "procedural"
)

// BlueprintSource records where a blueprint was defined.
type BlueprintSource string

const (
	BlueprintSourceFile   BlueprintSource = "file"
	BlueprintSourceRunner BlueprintSource = "runner"
)

// AgentBlueprint is a named, reusable agent configuration. File-backed
// blueprints are loaded from the coordinator's agents directory; runner-owned
// blueprints are registered by (and scoped to) a runner.
type AgentBlueprint struct {
	Name             string          `yaml:"name" json:"name"`
	Type             AgentType       `yaml:"type" json:"type"`
	Description      string          `yaml:"description" json:"description,omitempty"`
	SystemPrompt     string          `yaml:"system_prompt" json:"system_prompt,omitempty"`
	Command          []string        `yaml:"command" json:"command,omitempty"`
	ParametersSchema JSONMap         `yaml:"parameters_schema" json:"parameters_schema,omitempty"`
	MCPServers       JSONMap         `yaml:"mcp_servers" json:"mcp_servers,omitempty"`
	ExecutorType     string          `yaml:"executor_type" json:"executor_type,omitempty"`
	Tags             StringList      `yaml:"tags" json:"tags,omitempty"`
	Source           BlueprintSource `yaml:"-" json:"source,omitempty"`
	OwnerRunnerID    string          `yaml:"-" json:"owner_runner_id,omitempty"`
}

// Clone returns a deep copy so placeholder resolution never mutates the
// registered blueprint.
func (b *AgentBlueprint) Clone() *AgentBlueprint {
	if b == nil {
		return nil
	}
	out := *b
	out.Command = append([]string(nil), b.Command...)
	out.Tags = append(StringList(nil), b.Tags...)
	out.ParametersSchema = b.ParametersSchema.Clone()
	out.MCPServers = b.MCPServers.Clone()
	return &out
}

// BlueprintList is a JSON array of blueprints stored inside a runner row.
type BlueprintList []*AgentBlueprint

// Value implements driver.Valuer.
func (l BlueprintList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal blueprint list: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner.
func (l *BlueprintList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into BlueprintList", src)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

// AgentListResponse is the body of GET /agents.
type AgentListResponse struct {
	Agents []*AgentBlueprint `json:"agents"`
}
