// Package postgres implements render.Store using PostgreSQL with jsonb
// columns for the Run's append-only logs, artifact map, and resume state.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	render "github.com/nevindra/renderpipe"
)

// StoreOption configures a PostgreSQL Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements render.Store backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ render.Store = (*Store)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it; Store.Close is a no-op.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes. Safe to call multiple
// times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			latest_plan_version_id TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plan_versions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scenes (
			id TEXT PRIMARY KEY,
			plan_version_id TEXT NOT NULL REFERENCES plan_versions(id),
			idx INTEGER NOT NULL,
			narration TEXT NOT NULL,
			visual_prompt TEXT NOT NULL,
			duration_sec DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			plan_version_id TEXT NOT NULL REFERENCES plan_versions(id),
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			current_step TEXT,
			logs JSONB NOT NULL DEFAULT '[]',
			artifacts JSONB NOT NULL DEFAULT '{}',
			resume_state JSONB NOT NULL DEFAULT '{}',
			views BIGINT NOT NULL DEFAULT 0,
			likes BIGINT NOT NULL DEFAULT 0,
			retention DOUBLE PRECISION NOT NULL DEFAULT 0,
			posted_at BIGINT,
			scheduled_publish_at BIGINT,
			published_at BIGINT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scenes_plan_version ON scenes(plan_version_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// Close is a no-op: the caller owns the pool's lifecycle.
func (s *Store) Close() error { return nil }

// --- Projects ---

func (s *Store) CreateProject(ctx context.Context, p render.Project) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, status, latest_plan_version_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.ID, string(p.Status), nullIfEmpty(p.LatestPlanVersion), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (render.Project, error) {
	var p render.Project
	var status string
	var latest *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, latest_plan_version_id, created_at, updated_at FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &status, &latest, &p.CreatedAt, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return render.Project{}, &render.NotFoundError{Kind: "project", ID: id}
	}
	if err != nil {
		return render.Project{}, fmt.Errorf("get project: %w", err)
	}
	p.Status = render.ProjectStatus(status)
	if latest != nil {
		p.LatestPlanVersion = *latest
	}
	return p, nil
}

// --- PlanVersions + Scenes ---

func (s *Store) CreatePlanVersion(ctx context.Context, pv render.PlanVersion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO plan_versions (id, project_id, created_at) VALUES ($1, $2, $3)`,
		pv.ID, pv.ProjectID, pv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert plan version: %w", err)
	}
	for _, sc := range pv.Scenes {
		_, err = tx.Exec(ctx,
			`INSERT INTO scenes (id, plan_version_id, idx, narration, visual_prompt, duration_sec)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			sc.ID, pv.ID, sc.Idx, sc.Narration, sc.VisualPrompt, sc.DurationSec,
		)
		if err != nil {
			return fmt.Errorf("insert scene: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetPlanVersion(ctx context.Context, id string) (render.PlanVersion, error) {
	var pv render.PlanVersion
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, created_at FROM plan_versions WHERE id = $1`, id,
	).Scan(&pv.ID, &pv.ProjectID, &pv.CreatedAt)
	if err == pgx.ErrNoRows {
		return render.PlanVersion{}, &render.NotFoundError{Kind: "plan_version", ID: id}
	}
	if err != nil {
		return render.PlanVersion{}, fmt.Errorf("get plan version: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, idx, narration, visual_prompt, duration_sec FROM scenes WHERE plan_version_id = $1 ORDER BY idx`, id,
	)
	if err != nil {
		return render.PlanVersion{}, fmt.Errorf("get scenes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc render.Scene
		if err := rows.Scan(&sc.ID, &sc.Idx, &sc.Narration, &sc.VisualPrompt, &sc.DurationSec); err != nil {
			return render.PlanVersion{}, fmt.Errorf("scan scene: %w", err)
		}
		sc.PlanVersionID = id
		pv.Scenes = append(pv.Scenes, sc)
	}
	if err := rows.Err(); err != nil {
		return render.PlanVersion{}, fmt.Errorf("iterate scenes: %w", err)
	}
	return pv, nil
}

func (s *Store) UpdateSceneDurations(ctx context.Context, planVersionID string, durations map[string]float64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for sceneID, d := range durations {
		_, err := tx.Exec(ctx,
			`UPDATE scenes SET duration_sec = $1 WHERE id = $2 AND plan_version_id = $3`,
			d, sceneID, planVersionID,
		)
		if err != nil {
			return fmt.Errorf("update scene duration: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, r render.Run) error {
	logs, artifacts, resume, err := marshalRunColumns(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, project_id, plan_version_id, status, progress, current_step, logs, artifacts, resume_state,
			views, likes, retention, posted_at, scheduled_publish_at, published_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		r.ID, r.ProjectID, r.PlanVersionID, string(r.Status), r.Progress, nullIfEmpty(string(r.CurrentStep)),
		logs, artifacts, resume,
		r.Views, r.Likes, r.Retention, nullIfZero(r.PostedAt), nullIfZero(r.ScheduledPublishAt), nullIfZero(r.PublishedAt),
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (render.Run, error) {
	return s.queryRun(ctx, s.pool, id)
}

type pgRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) queryRun(ctx context.Context, q pgRower, id string) (render.Run, error) {
	var r render.Run
	var status string
	var currentStep *string
	var logsJSON, artifactsJSON, resumeJSON []byte
	var postedAt, scheduledAt, publishedAt *int64

	err := q.QueryRow(ctx,
		`SELECT id, project_id, plan_version_id, status, progress, current_step, logs, artifacts, resume_state,
			views, likes, retention, posted_at, scheduled_publish_at, published_at, created_at, updated_at
		 FROM runs WHERE id = $1`, id,
	).Scan(&r.ID, &r.ProjectID, &r.PlanVersionID, &status, &r.Progress, &currentStep, &logsJSON, &artifactsJSON, &resumeJSON,
		&r.Views, &r.Likes, &r.Retention, &postedAt, &scheduledAt, &publishedAt, &r.CreatedAt, &r.UpdatedAt)
	if err == pgx.ErrNoRows {
		return render.Run{}, &render.NotFoundError{Kind: "run", ID: id}
	}
	if err != nil {
		return render.Run{}, fmt.Errorf("get run: %w", err)
	}
	r.Status = render.RunStatus(status)
	if currentStep != nil {
		r.CurrentStep = render.StepName(*currentStep)
	}
	if postedAt != nil {
		r.PostedAt = *postedAt
	}
	if scheduledAt != nil {
		r.ScheduledPublishAt = *scheduledAt
	}
	if publishedAt != nil {
		r.PublishedAt = *publishedAt
	}

	if err := json.Unmarshal(logsJSON, &r.Logs); err != nil {
		s.logger.Warn("postgres: corrupt logs json, treating as empty", "run", id, "error", err)
		r.Logs = nil
	}
	r.Artifacts = render.Artifacts{}
	if err := json.Unmarshal(artifactsJSON, &r.Artifacts); err != nil {
		s.logger.Warn("postgres: corrupt artifacts json, treating as empty", "run", id, "error", err)
		r.Artifacts = render.Artifacts{}
	}
	if err := json.Unmarshal(resumeJSON, &r.ResumeState); err != nil {
		s.logger.Warn("postgres: corrupt resume_state json, treating as empty", "run", id, "error", err)
		r.ResumeState = render.ResumeState{}
	}
	return r, nil
}

func (s *Store) TransitionRun(ctx context.Context, runID string, fn func(r *render.Run) (render.ProjectStatus, error)) (render.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return render.Run{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	r, err := s.queryRun(ctx, txRower{tx}, runID)
	if err != nil {
		return render.Run{}, err
	}

	newProjectStatus, err := fn(&r)
	if err != nil {
		return render.Run{}, err
	}
	r.UpdatedAt = time.Now().Unix()

	// The logs column is deliberately absent from this UPDATE: it is owned
	// solely by AppendLogs, so a transition on one pool connection never
	// overwrites entries a concurrent log append committed on another
	// between our read and our write.
	_, artifacts, resume, err := marshalRunColumns(r)
	if err != nil {
		return render.Run{}, fmt.Errorf("marshal run: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE runs SET status=$1, progress=$2, current_step=$3, artifacts=$4, resume_state=$5,
			views=$6, likes=$7, retention=$8, posted_at=$9, scheduled_publish_at=$10, published_at=$11, updated_at=$12
		 WHERE id=$13`,
		string(r.Status), r.Progress, nullIfEmpty(string(r.CurrentStep)), artifacts, resume,
		r.Views, r.Likes, r.Retention, nullIfZero(r.PostedAt), nullIfZero(r.ScheduledPublishAt), nullIfZero(r.PublishedAt),
		r.UpdatedAt, runID,
	)
	if err != nil {
		return render.Run{}, fmt.Errorf("update run: %w", err)
	}

	if newProjectStatus != "" {
		_, err = tx.Exec(ctx, `UPDATE projects SET status=$1, updated_at=$2 WHERE id=$3`, string(newProjectStatus), r.UpdatedAt, r.ProjectID)
		if err != nil {
			return render.Run{}, fmt.Errorf("update project status: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return render.Run{}, fmt.Errorf("commit tx: %w", err)
	}
	return r, nil
}

// txRower adapts pgx.Tx to pgRower for reuse inside a transaction.
type txRower struct{ tx pgx.Tx }

func (t txRower) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

func (s *Store) AppendLogs(ctx context.Context, runID string, entries []render.LogEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var logsJSON []byte
	err = tx.QueryRow(ctx, `SELECT logs FROM runs WHERE id = $1`, runID).Scan(&logsJSON)
	if err == pgx.ErrNoRows {
		return &render.NotFoundError{Kind: "run", ID: runID}
	}
	if err != nil {
		return fmt.Errorf("select logs: %w", err)
	}
	var logs []render.LogEntry
	if err := json.Unmarshal(logsJSON, &logs); err != nil {
		s.logger.Warn("postgres: corrupt logs json on append, resetting", "run", runID, "error", err)
		logs = nil
	}
	logs = append(logs, entries...)
	data, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	_, err = tx.Exec(ctx, `UPDATE runs SET logs = $1, updated_at = $2 WHERE id = $3`, data, time.Now().Unix(), runID)
	if err != nil {
		return fmt.Errorf("update logs: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) FindQueuedRuns(ctx context.Context) ([]render.Run, error) {
	return s.findRunsByStatus(ctx, render.RunQueued)
}

func (s *Store) FindRunningRuns(ctx context.Context) ([]render.Run, error) {
	return s.findRunsByStatus(ctx, render.RunRunning)
}

func (s *Store) findRunsByStatus(ctx context.Context, status render.RunStatus) ([]render.Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM runs WHERE status = $1 ORDER BY created_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("find runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run ids: %w", err)
	}

	runs := make([]render.Run, 0, len(ids))
	for _, id := range ids {
		r, err := s.queryRun(ctx, s.pool, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

func marshalRunColumns(r render.Run) (logs, artifacts, resume []byte, err error) {
	l := r.Logs
	if l == nil {
		l = []render.LogEntry{}
	}
	logs, err = json.Marshal(l)
	if err != nil {
		return nil, nil, nil, err
	}
	a := r.Artifacts
	if a == nil {
		a = render.Artifacts{}
	}
	artifacts, err = json.Marshal(a)
	if err != nil {
		return nil, nil, nil, err
	}
	resume, err = json.Marshal(r.ResumeState)
	if err != nil {
		return nil, nil, nil, err
	}
	return logs, artifacts, resume, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
