// Package cleanup provides data retention for terminal sessions.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/store"
)

// Config holds retention settings. Retention is disabled (zero value) unless
// a positive window is configured.
type Config struct {
	// Retention is how long terminal sessions are kept. <= 0 disables the
	// loop entirely.
	Retention time.Duration
	// Interval is how often the loop scans. Defaults to 1h.
	Interval time.Duration
}

// Service periodically prunes terminal sessions older than the retention
// window. Events and callback registrations go with their session.
// Operations are idempotent.
type Service struct {
	config Config
	store  store.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg Config, st store.Store) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Service{config: cfg, store: st}
}

// Start launches the background cleanup loop. A non-positive retention
// window leaves the loop off.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil || s.config.Retention <= 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"retention", s.config.Retention,
		"interval", s.config.Interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.pruneOldSessions()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneOldSessions()
		}
	}
}

func (s *Service) pruneOldSessions() {
	cutoff := time.Now().UTC().Add(-s.config.Retention)
	count, err := s.store.DeleteSessionsBefore(context.Background(), cutoff, []models.SessionStatus{
		models.SessionStatusFinished,
		models.SessionStatusFailed,
		models.SessionStatusStopped,
	})
	if err != nil {
		slog.Error("Retention: session prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned terminal sessions", "count", count)
	}
}
