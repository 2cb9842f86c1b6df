package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
	"github.com/jmoiron/sqlx"

	"github.com/maestro-ai/maestro/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

const sessionColumns = `id, name, project_dir, agent_name, created_by, parent_session_name,
	status, tags, executor_session_id, created_at, last_resumed_at`

const runColumns = `id, seq, run_type, session_id, session_name, agent_name, parameters,
	blueprint, project_dir, parent_session_id, parent_session_name, executor_type,
	owner_runner_id, tags, status, stop_requested, claimed_by_runner_id, claimed_at,
	started_at, finished_at, executor_session_id, error, created_at`

// Postgres is the production Store. One connection pool, migrations applied
// at open.
type Postgres struct {
	db *sqlx.DB
}

var _ Store = (*Postgres)(nil)

// Config holds Postgres connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN builds the pgx-compatible connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// OpenPostgres connects, configures the pool, and applies pending embedded
// migrations.
func OpenPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
	db, err := sqlx.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db.DB, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing pool and applies migrations. Used by
// tests that manage their own schema.
func NewPostgresFromDB(db *sqlx.DB, database string) (*Postgres, error) {
	if err := runMigrations(db.DB, database); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Postgres{db: db}, nil
}

// runMigrations applies embedded SQL migrations with golang-migrate.
// m.Close() is intentionally not called: it would close the shared *sql.DB.
func runMigrations(db *sql.DB, database string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// DB exposes the underlying pool for health checks.
func (p *Postgres) DB() *sql.DB { return p.db.DB }

func (p *Postgres) Close() error { return p.db.Close() }

// isUniqueViolation reports whether err is a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Sessions ---

func (p *Postgres) CreateSession(ctx context.Context, s *models.Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, project_dir, agent_name, created_by,
			parent_session_name, status, tags, executor_session_id, created_at, last_resumed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.Name, s.ProjectDir, s.AgentName, s.CreatedBy,
		s.ParentSessionName, s.Status, s.Tags, s.ExecutorSessionID, s.CreatedAt, s.LastResumedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	err := p.db.GetContext(ctx, &s,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return &s, nil
}

func (p *Postgres) GetSessionByName(ctx context.Context, createdBy, name string) (*models.Session, error) {
	var s models.Session
	err := p.db.GetContext(ctx, &s,
		`SELECT `+sessionColumns+` FROM sessions WHERE created_by = $1 AND name = $2`,
		createdBy, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session by name: %w", err)
	}
	return &s, nil
}

func (p *Postgres) ListSessions(ctx context.Context, f models.SessionFilters) ([]*models.Session, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.CreatedBy != "" {
		where += " AND created_by = " + arg(f.CreatedBy)
	}
	if f.Status != "" {
		where += " AND status = " + arg(f.Status)
	}
	if f.Tag != "" {
		b, _ := json.Marshal([]string{f.Tag})
		where += " AND tags @> " + arg(string(b)) + "::jsonb"
	}

	var total int
	if err := p.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM sessions"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	query := "SELECT " + sessionColumns + " FROM sessions" + where + " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	var out []*models.Session
	if err := p.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	return out, total, nil
}

func (p *Postgres) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return checkAffected(res)
}

func (p *Postgres) SetSessionExecutorID(ctx context.Context, id, executorSessionID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET executor_session_id = $1 WHERE id = $2`, executorSessionID, id)
	if err != nil {
		return fmt.Errorf("failed to set executor session id: %w", err)
	}
	return checkAffected(res)
}

func (p *Postgres) MarkSessionResumed(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET status = $1, last_resumed_at = $2 WHERE id = $3`,
		models.SessionStatusPending, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark session resumed: %w", err)
	}
	return checkAffected(res)
}

func (p *Postgres) DeleteSession(ctx context.Context, id string) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM callbacks WHERE parent_session_id = $1 OR child_session_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete callbacks: %w", err)
	}
	// Events cascade via FK.
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Events ---

func (p *Postgres) AppendEvent(ctx context.Context, ev *models.Event) (*AppendResult, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the session row: serializes racing appenders on the same session
	// and makes the status derivation atomic with the insert.
	var status models.SessionStatus
	err = tx.GetContext(ctx, &status,
		`SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, ev.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}
	if status.Terminal() {
		return nil, ErrSessionTerminal
	}

	stored := *ev
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}
	err = tx.GetContext(ctx, &stored.Sequence,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE session_id = $1`, ev.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute next sequence: %w", err)
	}

	err = tx.GetContext(ctx, &stored.ID, `
		INSERT INTO events (session_id, sequence, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		stored.SessionID, stored.Sequence, stored.Type, stored.Payload, stored.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	newStatus, changed := DeriveStatus(status, &stored)
	if changed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = $1 WHERE id = $2`, newStatus, ev.SessionID); err != nil {
			return nil, fmt.Errorf("failed to derive session status: %w", err)
		}
	} else {
		newStatus = status
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event append: %w", err)
	}
	return &AppendResult{Event: &stored, Status: newStatus, StatusChanged: changed}, nil
}

func (p *Postgres) ListEvents(ctx context.Context, sessionID string, from int64, limit int) ([]*models.Event, error) {
	if _, err := p.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	query := `SELECT id, session_id, sequence, event_type, payload, created_at
		FROM events WHERE session_id = $1 AND sequence >= $2 ORDER BY sequence`
	args := []any{sessionID, from}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	var out []*models.Event
	if err := p.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return out, nil
}

func (p *Postgres) LastTerminalEvent(ctx context.Context, sessionID string) (*models.Event, error) {
	if _, err := p.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	var ev models.Event
	err := p.db.GetContext(ctx, &ev, `
		SELECT id, session_id, sequence, event_type, payload, created_at
		FROM events WHERE session_id = $1 AND event_type IN ($2, $3)
		ORDER BY sequence DESC LIMIT 1`,
		sessionID, models.EventSessionStop, models.EventResult)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query terminal event: %w", err)
	}
	return &ev, nil
}

// --- Runs ---

func (p *Postgres) CreateRun(ctx context.Context, r *models.Run) error {
	err := p.db.GetContext(ctx, &r.Seq, `
		INSERT INTO runs (id, run_type, session_id, session_name, agent_name, parameters,
			blueprint, project_dir, parent_session_id, parent_session_name, executor_type,
			owner_runner_id, tags, status, stop_requested, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING seq`,
		r.ID, r.Type, r.SessionID, r.SessionName, r.AgentName, r.Parameters,
		r.Blueprint, r.ProjectDir, r.ParentSessionID, r.ParentSessionName, r.ExecutorType,
		r.OwnerRunnerID, r.Tags, r.Status, r.StopRequested, r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (p *Postgres) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var r models.Run
	err := p.db.GetContext(ctx, &r, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return &r, nil
}

func (p *Postgres) ClaimNextRun(ctx context.Context, runnerID string, f RunFilter) (*models.Run, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tagsJSON, _ := json.Marshal(f.Tags)
	if f.Tags == nil {
		tagsJSON = []byte("[]")
	}

	// SKIP LOCKED serializes concurrent pollers: each sees a different head,
	// so at most one runner wins a given run.
	var r models.Run
	err = tx.GetContext(ctx, &r, `
		SELECT `+runColumns+` FROM runs
		WHERE status = $1
		  AND (executor_type = '' OR executor_type = $2)
		  AND (owner_runner_id IS NULL OR owner_runner_id = $3)
		  AND tags <@ $4::jsonb
		ORDER BY seq
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		models.RunStatusPending, f.ExecutorType, runnerID, string(tagsJSON))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable run: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = $1, claimed_by_runner_id = $2, claimed_at = $3
		WHERE id = $4`,
		models.RunStatusClaimed, runnerID, now, r.ID); err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	r.Status = models.RunStatusClaimed
	r.ClaimedByRunnerID = &runnerID
	r.ClaimedAt = &now
	return &r, nil
}

func (p *Postgres) MarkRunStarted(ctx context.Context, runID, runnerID, executorSessionID string) (*models.Run, error) {
	now := time.Now().UTC()
	var execID *string
	if executorSessionID != "" {
		execID = &executorSessionID
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, started_at = $2,
			executor_session_id = COALESCE($3, executor_session_id)
		WHERE id = $4 AND status = $5 AND claimed_by_runner_id = $6`,
		models.RunStatusStarted, now, execID, runID, models.RunStatusClaimed, runnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark run started: %w", err)
	}
	if err := p.transitionResult(ctx, res, runID); err != nil {
		return nil, err
	}
	return p.GetRun(ctx, runID)
}

func (p *Postgres) FinishRun(ctx context.Context, runID, runnerID string, status models.RunStatus, errMsg string) (*models.Run, error) {
	now := time.Now().UTC()
	var errVal *string
	if errMsg != "" {
		errVal = &errMsg
	}
	query := `
		UPDATE runs SET status = $1, finished_at = $2, error = COALESCE($3, error)
		WHERE id = $4 AND status IN ($5, $6)`
	args := []any{status, now, errVal, runID, models.RunStatusClaimed, models.RunStatusStarted}
	if runnerID != "" {
		query += ` AND claimed_by_runner_id = $7`
		args = append(args, runnerID)
	}
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to finish run: %w", err)
	}
	if err := p.transitionResult(ctx, res, runID); err != nil {
		return nil, err
	}
	return p.GetRun(ctx, runID)
}

func (p *Postgres) StopPendingRun(ctx context.Context, runID string) (*models.Run, error) {
	now := time.Now().UTC()
	res, err := p.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, finished_at = $2
		WHERE id = $3 AND status = $4`,
		models.RunStatusStopped, now, runID, models.RunStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to stop pending run: %w", err)
	}
	if err := p.transitionResult(ctx, res, runID); err != nil {
		return nil, err
	}
	return p.GetRun(ctx, runID)
}

func (p *Postgres) RequestRunStop(ctx context.Context, runID string) (*models.Run, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE runs SET stop_requested = TRUE
		WHERE id = $1 AND status IN ($2, $3)`,
		runID, models.RunStatusClaimed, models.RunStatusStarted)
	if err != nil {
		return nil, fmt.Errorf("failed to request run stop: %w", err)
	}
	if err := p.transitionResult(ctx, res, runID); err != nil {
		return nil, err
	}
	return p.GetRun(ctx, runID)
}

// transitionResult distinguishes "run does not exist" from "run exists but
// the conditional update matched no rows" (a lost transition race).
func (p *Postgres) transitionResult(ctx context.Context, res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := p.GetRun(ctx, runID); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (p *Postgres) StopRunIDs(ctx context.Context, runnerID string) ([]string, error) {
	var ids []string
	err := p.db.SelectContext(ctx, &ids, `
		SELECT id FROM runs
		WHERE claimed_by_runner_id = $1 AND stop_requested AND status IN ($2, $3)
		ORDER BY id`,
		runnerID, models.RunStatusClaimed, models.RunStatusStarted)
	if err != nil {
		return nil, fmt.Errorf("failed to list stop runs: %w", err)
	}
	return ids, nil
}

func (p *Postgres) ActiveRunForSession(ctx context.Context, sessionID string) (*models.Run, error) {
	var r models.Run
	err := p.db.GetContext(ctx, &r, `
		SELECT `+runColumns+` FROM runs
		WHERE session_id = $1 AND status IN ($2, $3)
		ORDER BY seq LIMIT 1`,
		sessionID, models.RunStatusClaimed, models.RunStatusStarted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active run: %w", err)
	}
	return &r, nil
}

func (p *Postgres) OpenRunsForSession(ctx context.Context, sessionID string) ([]*models.Run, error) {
	var out []*models.Run
	err := p.db.SelectContext(ctx, &out, `
		SELECT `+runColumns+` FROM runs
		WHERE session_id = $1 AND status IN ($2, $3, $4)
		ORDER BY seq`,
		sessionID, models.RunStatusPending, models.RunStatusClaimed, models.RunStatusStarted)
	if err != nil {
		return nil, fmt.Errorf("failed to list open runs: %w", err)
	}
	return out, nil
}

func (p *Postgres) ActiveRunsForRunner(ctx context.Context, runnerID string) ([]*models.Run, error) {
	var out []*models.Run
	err := p.db.SelectContext(ctx, &out, `
		SELECT `+runColumns+` FROM runs
		WHERE claimed_by_runner_id = $1 AND status IN ($2, $3)
		ORDER BY seq`,
		runnerID, models.RunStatusClaimed, models.RunStatusStarted)
	if err != nil {
		return nil, fmt.Errorf("failed to list runner runs: %w", err)
	}
	return out, nil
}

// --- Runners ---

func (p *Postgres) CreateRunner(ctx context.Context, r *models.Runner) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO runners (id, hostname, executor_type, executor_profile, project_dir,
			tags, agents, status, last_heartbeat, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.Hostname, r.ExecutorType, r.ExecutorProfile, r.ProjectDir,
		r.Tags, r.Agents, r.Status, r.LastHeartbeat, r.RegisteredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert runner: %w", err)
	}
	return nil
}

func (p *Postgres) GetRunner(ctx context.Context, id string) (*models.Runner, error) {
	var r models.Runner
	err := p.db.GetContext(ctx, &r, `
		SELECT id, hostname, executor_type, executor_profile, project_dir, tags, agents,
			status, last_heartbeat, registered_at
		FROM runners WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query runner: %w", err)
	}
	return &r, nil
}

func (p *Postgres) ListRunners(ctx context.Context, statuses ...models.RunnerStatus) ([]*models.Runner, error) {
	query := `SELECT id, hostname, executor_type, executor_profile, project_dir, tags,
		agents, status, last_heartbeat, registered_at FROM runners`
	args := []any{}
	if len(statuses) > 0 {
		query += " WHERE status IN ("
		for i, st := range statuses {
			if i > 0 {
				query += ", "
			}
			args = append(args, st)
			query += fmt.Sprintf("$%d", len(args))
		}
		query += ")"
	}
	query += " ORDER BY registered_at"

	var out []*models.Runner
	if err := p.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list runners: %w", err)
	}
	return out, nil
}

func (p *Postgres) TouchRunner(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE runners SET last_heartbeat = $1, status = $2
		WHERE id = $3 AND status != $4`,
		at, models.RunnerStatusOnline, id, models.RunnerStatusRemoved)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return checkAffected(res)
}

func (p *Postgres) SetRunnerStatus(ctx context.Context, id string, status models.RunnerStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE runners SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("failed to set runner status: %w", err)
	}
	return checkAffected(res)
}

func (p *Postgres) FindRunnerBlueprint(ctx context.Context, name string) (*models.AgentBlueprint, error) {
	runners, err := p.ListRunners(ctx, models.RunnerStatusOnline, models.RunnerStatusStale)
	if err != nil {
		return nil, err
	}
	for _, r := range runners {
		for _, bp := range r.Agents {
			if bp.Name == name {
				out := bp.Clone()
				out.Source = models.BlueprintSourceRunner
				out.OwnerRunnerID = r.ID
				return out, nil
			}
		}
	}
	return nil, ErrNotFound
}

// --- Callbacks ---

func (p *Postgres) CreateCallback(ctx context.Context, cb *models.Callback) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO callbacks (id, parent_session_id, parent_session_name, child_session_name,
			child_session_id, strategy, batch_delay_seconds, status, child_status,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		cb.ID, cb.ParentSessionID, cb.ParentSessionName, cb.ChildSessionName,
		cb.ChildSessionID, cb.Strategy, cb.BatchDelaySeconds, cb.Status, cb.ChildStatus,
		cb.CreatedAt, cb.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert callback: %w", err)
	}
	return nil
}

func (p *Postgres) GetCallback(ctx context.Context, id string) (*models.Callback, error) {
	var cb models.Callback
	err := p.db.GetContext(ctx, &cb, `
		SELECT id, parent_session_id, parent_session_name, child_session_name,
			child_session_id, strategy, batch_delay_seconds, status, child_status,
			created_at, updated_at
		FROM callbacks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query callback: %w", err)
	}
	return &cb, nil
}

func (p *Postgres) UpdateCallback(ctx context.Context, cb *models.Callback) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE callbacks SET child_session_id = $1, status = $2, child_status = $3,
			updated_at = $4
		WHERE id = $5`,
		cb.ChildSessionID, cb.Status, cb.ChildStatus, time.Now().UTC(), cb.ID)
	if err != nil {
		return fmt.Errorf("failed to update callback: %w", err)
	}
	return checkAffected(res)
}

func (p *Postgres) ListCallbacks(ctx context.Context, f CallbackFilter) ([]*models.Callback, error) {
	query := `SELECT id, parent_session_id, parent_session_name, child_session_name,
		child_session_id, strategy, batch_delay_seconds, status, child_status,
		created_at, updated_at FROM callbacks WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ParentSessionID != "" {
		query += " AND parent_session_id = " + arg(f.ParentSessionID)
	}
	if f.ChildSessionID != "" {
		query += " AND child_session_id = " + arg(f.ChildSessionID)
	}
	if f.ChildSessionName != "" {
		query += " AND child_session_name = " + arg(f.ChildSessionName)
	}
	if len(f.Statuses) > 0 {
		query += " AND status IN ("
		for i, st := range f.Statuses {
			if i > 0 {
				query += ", "
			}
			query += arg(st)
		}
		query += ")"
	}
	query += " ORDER BY created_at, id"

	var out []*models.Callback
	if err := p.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list callbacks: %w", err)
	}
	return out, nil
}

func (p *Postgres) DeleteCallbacksForSession(ctx context.Context, sessionID string) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM callbacks WHERE parent_session_id = $1 OR child_session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete callbacks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Retention ---

func (p *Postgres) DeleteSessionsBefore(ctx context.Context, cutoff time.Time, statuses []models.SessionStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	query := `DELETE FROM sessions WHERE created_at < $1 AND status IN (`
	args := []any{cutoff}
	for i, st := range statuses {
		if i > 0 {
			query += ", "
		}
		args = append(args, st)
		query += fmt.Sprintf("$%d", len(args))
	}
	query += ")"

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
