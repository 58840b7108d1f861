// Package sqlite implements render.Store backed by a local SQLite file,
// using pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	render "github.com/nevindra/renderpipe"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and key parameters.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements render.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
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

// New creates a Store using a local SQLite file at dbPath. It opens a
// single shared connection pool with SetMaxOpenConns(1) so that all
// goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			latest_plan_version_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plan_versions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scenes (
			id TEXT PRIMARY KEY,
			plan_version_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			narration TEXT NOT NULL,
			visual_prompt TEXT NOT NULL,
			duration_sec REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			plan_version_id TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			current_step TEXT,
			logs TEXT NOT NULL DEFAULT '[]',
			artifacts TEXT NOT NULL DEFAULT '{}',
			resume_state TEXT NOT NULL DEFAULT '{}',
			views INTEGER NOT NULL DEFAULT 0,
			likes INTEGER NOT NULL DEFAULT 0,
			retention REAL NOT NULL DEFAULT 0,
			posted_at INTEGER,
			scheduled_publish_at INTEGER,
			published_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_scenes_plan_version ON scenes(plan_version_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// --- Projects ---

func (s *Store) CreateProject(ctx context.Context, p render.Project) error {
	start := time.Now()
	s.logger.Debug("sqlite: create project", "id", p.ID, "status", p.Status)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, status, latest_plan_version_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.ID, string(p.Status), nullIfEmpty(p.LatestPlanVersion), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create project failed", "id", p.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create project: %w", err)
	}
	s.logger.Debug("sqlite: create project ok", "id", p.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (render.Project, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get project", "id", id)
	var p render.Project
	var status string
	var latest sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, latest_plan_version_id, created_at, updated_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &status, &latest, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return render.Project{}, &render.NotFoundError{Kind: "project", ID: id}
	}
	if err != nil {
		s.logger.Error("sqlite: get project failed", "id", id, "error", err, "duration", time.Since(start))
		return render.Project{}, fmt.Errorf("get project: %w", err)
	}
	p.Status = render.ProjectStatus(status)
	if latest.Valid {
		p.LatestPlanVersion = latest.String
	}
	s.logger.Debug("sqlite: get project ok", "id", id, "duration", time.Since(start))
	return p, nil
}

// --- PlanVersions + Scenes ---

func (s *Store) CreatePlanVersion(ctx context.Context, pv render.PlanVersion) error {
	start := time.Now()
	s.logger.Debug("sqlite: create plan version", "id", pv.ID, "project_id", pv.ProjectID, "scenes", len(pv.Scenes))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO plan_versions (id, project_id, created_at) VALUES (?, ?, ?)`,
		pv.ID, pv.ProjectID, pv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert plan version: %w", err)
	}
	for _, sc := range pv.Scenes {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO scenes (id, plan_version_id, idx, narration, visual_prompt, duration_sec)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sc.ID, pv.ID, sc.Idx, sc.Narration, sc.VisualPrompt, sc.DurationSec,
		)
		if err != nil {
			return fmt.Errorf("insert scene: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: create plan version commit failed", "id", pv.ID, "error", err)
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: create plan version ok", "id", pv.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetPlanVersion(ctx context.Context, id string) (render.PlanVersion, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get plan version", "id", id)

	var pv render.PlanVersion
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, created_at FROM plan_versions WHERE id = ?`, id,
	).Scan(&pv.ID, &pv.ProjectID, &pv.CreatedAt)
	if err == sql.ErrNoRows {
		return render.PlanVersion{}, &render.NotFoundError{Kind: "plan_version", ID: id}
	}
	if err != nil {
		s.logger.Error("sqlite: get plan version failed", "id", id, "error", err, "duration", time.Since(start))
		return render.PlanVersion{}, fmt.Errorf("get plan version: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, idx, narration, visual_prompt, duration_sec FROM scenes WHERE plan_version_id = ? ORDER BY idx`, id,
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
	s.logger.Debug("sqlite: get plan version ok", "id", id, "scenes", len(pv.Scenes), "duration", time.Since(start))
	return pv, nil
}

func (s *Store) UpdateSceneDurations(ctx context.Context, planVersionID string, durations map[string]float64) error {
	start := time.Now()
	s.logger.Debug("sqlite: update scene durations", "plan_version_id", planVersionID, "count", len(durations))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for sceneID, d := range durations {
		_, err := tx.ExecContext(ctx,
			`UPDATE scenes SET duration_sec = ? WHERE id = ? AND plan_version_id = ?`,
			d, sceneID, planVersionID,
		)
		if err != nil {
			return fmt.Errorf("update scene duration: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: update scene durations commit failed", "plan_version_id", planVersionID, "error", err)
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: update scene durations ok", "plan_version_id", planVersionID, "duration", time.Since(start))
	return nil
}

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, r render.Run) error {
	start := time.Now()
	s.logger.Debug("sqlite: create run", "id", r.ID, "project_id", r.ProjectID)

	logsJSON, artifactsJSON, resumeJSON, err := marshalRunColumns(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, project_id, plan_version_id, status, progress, current_step, logs, artifacts, resume_state,
			views, likes, retention, posted_at, scheduled_publish_at, published_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.PlanVersionID, string(r.Status), r.Progress, nullIfEmpty(string(r.CurrentStep)),
		logsJSON, artifactsJSON, resumeJSON,
		r.Views, r.Likes, r.Retention, nullIfZero(r.PostedAt), nullIfZero(r.ScheduledPublishAt), nullIfZero(r.PublishedAt),
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create run failed", "id", r.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create run: %w", err)
	}
	s.logger.Debug("sqlite: create run ok", "id", r.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (render.Run, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get run", "id", id)
	r, err := s.queryRun(ctx, s.db, id)
	if err != nil {
		s.logger.Error("sqlite: get run failed", "id", id, "error", err, "duration", time.Since(start))
		return render.Run{}, err
	}
	s.logger.Debug("sqlite: get run ok", "id", id, "status", r.Status, "duration", time.Since(start))
	return r, nil
}

type sqlQueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) queryRun(ctx context.Context, q sqlQueryRower, id string) (render.Run, error) {
	var r render.Run
	var status, logsJSON, artifactsJSON, resumeJSON string
	var currentStep sql.NullString
	var postedAt, scheduledAt, publishedAt sql.NullInt64

	err := q.QueryRowContext(ctx,
		`SELECT id, project_id, plan_version_id, status, progress, current_step, logs, artifacts, resume_state,
			views, likes, retention, posted_at, scheduled_publish_at, published_at, created_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.ProjectID, &r.PlanVersionID, &status, &r.Progress, &currentStep, &logsJSON, &artifactsJSON, &resumeJSON,
		&r.Views, &r.Likes, &r.Retention, &postedAt, &scheduledAt, &publishedAt, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return render.Run{}, &render.NotFoundError{Kind: "run", ID: id}
	}
	if err != nil {
		return render.Run{}, fmt.Errorf("get run: %w", err)
	}
	r.Status = render.RunStatus(status)
	if currentStep.Valid {
		r.CurrentStep = render.StepName(currentStep.String)
	}
	if postedAt.Valid {
		r.PostedAt = postedAt.Int64
	}
	if scheduledAt.Valid {
		r.ScheduledPublishAt = scheduledAt.Int64
	}
	if publishedAt.Valid {
		r.PublishedAt = publishedAt.Int64
	}

	if err := json.Unmarshal([]byte(logsJSON), &r.Logs); err != nil {
		s.logger.Warn("sqlite: corrupt logs json, treating as empty", "run", id, "error", err)
		r.Logs = nil
	}
	if err := json.Unmarshal([]byte(artifactsJSON), &r.Artifacts); err != nil {
		s.logger.Warn("sqlite: corrupt artifacts json, treating as empty", "run", id, "error", err)
		r.Artifacts = render.Artifacts{}
	}
	if err := json.Unmarshal([]byte(resumeJSON), &r.ResumeState); err != nil {
		s.logger.Warn("sqlite: corrupt resume_state json, treating as empty", "run", id, "error", err)
		r.ResumeState = render.ResumeState{}
	}
	return r, nil
}

// TransitionRun reads the current row, applies fn, and writes Run (and
// optionally Project status) back in one transaction.
func (s *Store) TransitionRun(ctx context.Context, runID string, fn func(r *render.Run) (render.ProjectStatus, error)) (render.Run, error) {
	start := time.Now()
	s.logger.Debug("sqlite: transition run", "id", runID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return render.Run{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	r, err := s.queryRun(ctx, tx, runID)
	if err != nil {
		return render.Run{}, err
	}

	newProjectStatus, err := fn(&r)
	if err != nil {
		return render.Run{}, err
	}
	r.UpdatedAt = time.Now().Unix()

	// The logs column is deliberately absent from this UPDATE: it is owned
	// solely by AppendLogs, so a transition never overwrites entries a
	// concurrent log append committed between our read and our write.
	_, artifactsJSON, resumeJSON, err := marshalRunColumns(r)
	if err != nil {
		return render.Run{}, fmt.Errorf("marshal run: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status=?, progress=?, current_step=?, artifacts=?, resume_state=?,
			views=?, likes=?, retention=?, posted_at=?, scheduled_publish_at=?, published_at=?, updated_at=?
		 WHERE id=?`,
		string(r.Status), r.Progress, nullIfEmpty(string(r.CurrentStep)), artifactsJSON, resumeJSON,
		r.Views, r.Likes, r.Retention, nullIfZero(r.PostedAt), nullIfZero(r.ScheduledPublishAt), nullIfZero(r.PublishedAt),
		r.UpdatedAt, runID,
	)
	if err != nil {
		return render.Run{}, fmt.Errorf("update run: %w", err)
	}

	if newProjectStatus != "" {
		_, err = tx.ExecContext(ctx,
			`UPDATE projects SET status=?, updated_at=? WHERE id=?`,
			string(newProjectStatus), r.UpdatedAt, r.ProjectID,
		)
		if err != nil {
			return render.Run{}, fmt.Errorf("update project status: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: transition run commit failed", "id", runID, "error", err)
		return render.Run{}, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: transition run ok", "id", runID, "status", r.Status, "duration", time.Since(start))
	return r, nil
}

func (s *Store) AppendLogs(ctx context.Context, runID string, entries []render.LogEntry) error {
	start := time.Now()
	s.logger.Debug("sqlite: append logs", "run", runID, "count", len(entries))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var logsJSON string
	err = tx.QueryRowContext(ctx, `SELECT logs FROM runs WHERE id = ?`, runID).Scan(&logsJSON)
	if err == sql.ErrNoRows {
		return &render.NotFoundError{Kind: "run", ID: runID}
	}
	if err != nil {
		return fmt.Errorf("select logs: %w", err)
	}
	var logs []render.LogEntry
	if err := json.Unmarshal([]byte(logsJSON), &logs); err != nil {
		s.logger.Warn("sqlite: corrupt logs json on append, resetting", "run", runID, "error", err)
		logs = nil
	}
	logs = append(logs, entries...)
	data, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE runs SET logs = ?, updated_at = ? WHERE id = ?`, string(data), time.Now().Unix(), runID)
	if err != nil {
		return fmt.Errorf("update logs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: append logs commit failed", "run", runID, "error", err)
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: append logs ok", "run", runID, "duration", time.Since(start))
	return nil
}

func (s *Store) FindQueuedRuns(ctx context.Context) ([]render.Run, error) {
	return s.findRunsByStatus(ctx, render.RunQueued)
}

func (s *Store) FindRunningRuns(ctx context.Context) ([]render.Run, error) {
	return s.findRunsByStatus(ctx, render.RunRunning)
}

func (s *Store) findRunsByStatus(ctx context.Context, status render.RunStatus) ([]render.Run, error) {
	start := time.Now()
	s.logger.Debug("sqlite: find runs by status", "status", status)

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM runs WHERE status = ? ORDER BY created_at ASC, id ASC`, string(status))
	if err != nil {
		s.logger.Error("sqlite: find runs by status failed", "status", status, "error", err, "duration", time.Since(start))
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
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate run ids: %w", err)
	}
	rows.Close()

	runs := make([]render.Run, 0, len(ids))
	for _, id := range ids {
		r, err := s.queryRun(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	s.logger.Debug("sqlite: find runs by status ok", "status", status, "count", len(runs), "duration", time.Since(start))
	return runs, nil
}

func marshalRunColumns(r render.Run) (logsJSON, artifactsJSON, resumeJSON string, err error) {
	logs := r.Logs
	if logs == nil {
		logs = []render.LogEntry{}
	}
	ld, err := json.Marshal(logs)
	if err != nil {
		return "", "", "", err
	}
	artifacts := r.Artifacts
	if artifacts == nil {
		artifacts = render.Artifacts{}
	}
	ad, err := json.Marshal(artifacts)
	if err != nil {
		return "", "", "", err
	}
	rd, err := json.Marshal(r.ResumeState)
	if err != nil {
		return "", "", "", err
	}
	return string(ld), string(ad), string(rd), nil
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
