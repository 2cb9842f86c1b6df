package agents

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maestro-ai/maestro/pkg/config"
	"github.com/maestro-ai/maestro/pkg/models"
)

// agentsFile is the on-disk shape: one YAML file may define several agents.
type agentsFile struct {
	Agents []*models.AgentBlueprint `yaml:"agents"`
}

// LoadDir reads every *.yaml / *.yml file in dir and returns the blueprints
// keyed by name. Files load in lexical order; a duplicate name keeps the
// first definition and logs the loser. A missing directory is not an error —
// deployments without file-backed agents simply start empty.
func LoadDir(dir string) (map[string]*models.AgentBlueprint, error) {
	out := make(map[string]*models.AgentBlueprint)
	if dir == "" {
		return out, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("Agents directory does not exist, starting without file-backed agents", "dir", dir)
			return out, nil
		}
		return nil, fmt.Errorf("failed to read agents directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		blueprints, err := loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load agents file %s: %w", name, err)
		}
		for _, bp := range blueprints {
			if existing, taken := out[bp.Name]; taken {
				slog.Warn("Duplicate agent name, keeping first definition",
					"agent", bp.Name, "file", name, "kept_type", existing.Type)
				continue
			}
			bp.Source = models.BlueprintSourceFile
			out[bp.Name] = bp
		}
	}
	return out, nil
}

func loadFile(path string) ([]*models.AgentBlueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = config.ExpandEnv(data)

	var file agentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	for _, bp := range file.Agents {
		if err := validateBlueprint(bp); err != nil {
			return nil, err
		}
	}
	return file.Agents, nil
}

func validateBlueprint(bp *models.AgentBlueprint) error {
	if bp.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	switch bp.Type {
	case models.AgentAutonomous:
	case models.AgentProcedural:
		if len(bp.Command) == 0 {
			return fmt.Errorf("agent %s: procedural agents require a command", bp.Name)
		}
	default:
		return fmt.Errorf("agent %s: unknown type %q", bp.Name, bp.Type)
	}
	return nil
}
