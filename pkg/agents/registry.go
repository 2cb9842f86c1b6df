// Package agents resolves agent blueprints from two sources: YAML files in
// the coordinator's agents directory and blueprints registered by runners.
// Names are globally unique with first-writer-wins; file-backed blueprints
// load first and therefore shadow runner registrations.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/store"
)

// ErrAgentNotFound is returned when no blueprint matches the requested name.
var ErrAgentNotFound = errors.New("agent not found")

// Registry unifies file-backed and runner-owned blueprints.
type Registry struct {
	mu         sync.RWMutex
	fileAgents map[string]*models.AgentBlueprint

	store store.Store
}

// NewRegistry creates a registry over the given file-backed blueprints.
// Runner-owned blueprints are resolved through the store on demand so the
// registry always reflects the current runner population.
func NewRegistry(fileAgents map[string]*models.AgentBlueprint, st store.Store) *Registry {
	copied := make(map[string]*models.AgentBlueprint, len(fileAgents))
	for k, v := range fileAgents {
		bp := v.Clone()
		bp.Source = models.BlueprintSourceFile
		copied[k] = bp
	}
	return &Registry{fileAgents: copied, store: st}
}

// Get resolves a blueprint by name, file-backed first. The returned value is
// a copy; callers may mutate it freely (placeholder resolution does).
func (r *Registry) Get(ctx context.Context, name string) (*models.AgentBlueprint, error) {
	r.mu.RLock()
	bp, ok := r.fileAgents[name]
	r.mu.RUnlock()
	if ok {
		return bp.Clone(), nil
	}

	bp, err := r.store.FindRunnerBlueprint(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
		}
		return nil, fmt.Errorf("failed to look up runner blueprint: %w", err)
	}
	return bp, nil
}

// Has reports whether a name is already taken by a file-backed or
// runner-owned blueprint.
func (r *Registry) Has(ctx context.Context, name string) (bool, error) {
	r.mu.RLock()
	_, ok := r.fileAgents[name]
	r.mu.RUnlock()
	if ok {
		return true, nil
	}

	if _, err := r.store.FindRunnerBlueprint(ctx, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up runner blueprint: %w", err)
	}
	return true, nil
}

// List returns all visible blueprints, sorted by name. When tags are given,
// only blueprints carrying every requested tag are returned; runner-owned
// blueprints inherit their runner's tags.
func (r *Registry) List(ctx context.Context, tags []string) ([]*models.AgentBlueprint, error) {
	seen := make(map[string]bool)
	var out []*models.AgentBlueprint

	r.mu.RLock()
	for name, bp := range r.fileAgents {
		seen[name] = true
		if models.StringList(bp.Tags).ContainsAll(tags) {
			out = append(out, bp.Clone())
		}
	}
	r.mu.RUnlock()

	runners, err := r.store.ListRunners(ctx, models.RunnerStatusOnline, models.RunnerStatusStale)
	if err != nil {
		return nil, fmt.Errorf("failed to list runners: %w", err)
	}
	for _, rn := range runners {
		for _, bp := range rn.Agents {
			if seen[bp.Name] {
				continue
			}
			seen[bp.Name] = true

			owned := bp.Clone()
			owned.Source = models.BlueprintSourceRunner
			owned.OwnerRunnerID = rn.ID
			if len(owned.Tags) == 0 {
				owned.Tags = append(models.StringList(nil), rn.Tags...)
			}
			if models.StringList(owned.Tags).ContainsAll(tags) {
				out = append(out, owned)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// FileAgentCount reports how many blueprints were loaded from disk.
func (r *Registry) FileAgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.fileAgents)
}
