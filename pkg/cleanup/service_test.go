package cleanup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/pkg/models"
	"github.com/maestro-ai/maestro/pkg/store"
)

func seedSession(t *testing.T, st *store.Memory, name string, status models.SessionStatus, age time.Duration) string {
	t.Helper()
	session := &models.Session{
		ID:        "ses_" + name,
		Name:      name,
		AgentName: "researcher",
		CreatedBy: "alice",
		Status:    status,
		CreatedAt: time.Now().UTC().Add(-age),
	}
	require.NoError(t, st.CreateSession(context.Background(), session))
	return session.ID
}

func TestPruneOldSessions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := NewService(Config{Retention: time.Hour}, st)

	oldFinished := seedSession(t, st, "old-finished", models.SessionStatusFinished, 2*time.Hour)
	oldFailed := seedSession(t, st, "old-failed", models.SessionStatusFailed, 3*time.Hour)
	oldRunning := seedSession(t, st, "old-running", models.SessionStatusRunning, 2*time.Hour)
	freshFinished := seedSession(t, st, "fresh-finished", models.SessionStatusFinished, time.Minute)

	svc.pruneOldSessions()

	_, err := st.GetSession(ctx, oldFinished)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetSession(ctx, oldFailed)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Non-terminal and recent sessions survive.
	_, err = st.GetSession(ctx, oldRunning)
	assert.NoError(t, err)
	_, err = st.GetSession(ctx, freshFinished)
	assert.NoError(t, err)
}

func TestPruneIsIdempotent(t *testing.T) {
	st := store.NewMemory()
	svc := NewService(Config{Retention: time.Hour}, st)

	for i := 0; i < 3; i++ {
		seedSession(t, st, fmt.Sprintf("old-%d", i), models.SessionStatusStopped, 2*time.Hour)
	}

	svc.pruneOldSessions()
	svc.pruneOldSessions()

	list, _, err := st.ListSessions(context.Background(), models.SessionFilters{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStartDisabledWithoutRetention(t *testing.T) {
	svc := NewService(Config{}, store.NewMemory())
	svc.Start(context.Background())
	// No loop was launched; Stop must not block.
	svc.Stop()
}

func TestStartAndStop(t *testing.T) {
	st := store.NewMemory()
	seedSession(t, st, "old", models.SessionStatusFinished, 2*time.Hour)

	svc := NewService(Config{Retention: time.Hour, Interval: time.Hour}, st)
	svc.Start(context.Background())
	defer svc.Stop()

	// The loop prunes once on startup before ticking.
	require.Eventually(t, func() bool {
		_, err := st.GetSession(context.Background(), "ses_old")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}
