package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"venturelab/internal/config"
	"venturelab/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var finalized int
	err := row.Scan(&p.ID, &p.Name, &p.CurrentStage, &finalized, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.BriefFinalized = finalized != 0
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,current_stage,brief_finalized,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.CurrentStage, boolInt(p.BriefFinalized), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,name,current_stage,brief_finalized,created_at FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,current_stage,brief_finalized,created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var finalized int
		if err := rows.Scan(&p.ID, &p.Name, &p.CurrentStage, &finalized, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.BriefFinalized = finalized != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

// SingleProject returns the only project in the workspace, used by the CLI
// when --project is omitted.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBriefFinalized latches the brief flag; it never clears.
func (r Repo) SetBriefFinalized(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET brief_finalized=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendChatTurns appends turns to the project transcript in order. The
// transcript is append-only; sequence numbers continue from the current tail.
func (r Repo) AppendChatTurns(ctx context.Context, tx *sql.Tx, projectID string, turns ...domain.ChatTurn) error {
	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM chat_turns WHERE project_id=?`, projectID).Scan(&seq); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, turn := range turns {
		seq++
		if _, err := tx.ExecContext(ctx, `INSERT INTO chat_turns(project_id,seq,role,text,created_at) VALUES (?,?,?,?,?)`,
			projectID, seq, turn.Role, turn.Text, now); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListChatTurns(ctx context.Context, projectID string) ([]domain.ChatTurn, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role,text FROM chat_turns WHERE project_id=? ORDER BY seq`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChatTurn
	for rows.Next() {
		var t domain.ChatTurn
		if err := rows.Scan(&t.Role, &t.Text); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpsertArtifact writes the artifact for a stage, overwriting any prior
// value. Last write wins per (project, stage).
func (r Repo) UpsertArtifact(ctx context.Context, projectID, stage string, payload json.RawMessage) (domain.Artifact, error) {
	if !json.Valid(payload) {
		return domain.Artifact{}, fmt.Errorf("artifact payload for stage %s is not valid JSON", stage)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO artifacts(project_id,stage,payload_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id,stage) DO UPDATE SET payload_json=excluded.payload_json, updated_at=excluded.updated_at`,
		projectID, stage, string(payload), now)
	if err != nil {
		return domain.Artifact{}, err
	}
	return domain.Artifact{Stage: stage, Data: payload, UpdatedAt: now}, nil
}

func (r Repo) GetArtifact(ctx context.Context, projectID, stage string) (domain.Artifact, error) {
	var a domain.Artifact
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT stage,payload_json,updated_at FROM artifacts WHERE project_id=? AND stage=?`, projectID, stage).
		Scan(&a.Stage, &payload, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Data = json.RawMessage(payload)
	return a, nil
}

func (r Repo) ListArtifacts(ctx context.Context, projectID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage,payload_json,updated_at FROM artifacts WHERE project_id=? ORDER BY stage`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		var payload string
		if err := rows.Scan(&a.Stage, &payload, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Data = json.RawMessage(payload)
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	logs, err := json.Marshal(run.Logs)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO runs(id,project_id,stage,status,started_at,finished_at,logs_json) VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, run.Stage, run.Status, run.StartedAt, nullableStringPtr(run.FinishedAt), string(logs))
	return err
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var finished sql.NullString
	var logs string
	err := scan(&run.ID, &run.ProjectID, &run.Stage, &run.Status, &run.StartedAt, &finished, &logs)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if finished.Valid {
		run.FinishedAt = &finished.String
	}
	if err := json.Unmarshal([]byte(logs), &run.Logs); err != nil {
		return run, fmt.Errorf("decode run logs: %w", err)
	}
	return run, nil
}

func (r Repo) GetRun(ctx context.Context, projectID, runID string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,stage,status,started_at,finished_at,logs_json FROM runs WHERE project_id=? AND id=?`, projectID, runID)
	return scanRun(row.Scan)
}

// ListRuns returns the most recent runs for a project, newest first.
func (r Repo) ListRuns(ctx context.Context, projectID string, limit int) ([]domain.Run, error) {
	query := `SELECT id,project_id,stage,status,started_at,finished_at,logs_json FROM runs WHERE project_id=? ORDER BY started_at DESC, id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// CompleteRun transitions a run to its terminal status and appends the final
// log lines. Only RUNNING runs transition; a second completion is a no-op
// conflict so terminal states never reverse.
func (r Repo) CompleteRun(ctx context.Context, projectID, runID, status, finishedAt string, logLines []string) error {
	if status != domain.RunCompleted && status != domain.RunFailed {
		return fmt.Errorf("invalid terminal status %s", status)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	run, err := scanRun(tx.QueryRowContext(ctx, `SELECT id,project_id,stage,status,started_at,finished_at,logs_json FROM runs WHERE project_id=? AND id=?`, projectID, runID).Scan)
	if err != nil {
		return err
	}
	if run.Status != domain.RunRunning {
		return fmt.Errorf("run %s already %s", runID, run.Status)
	}
	logs, err := json.Marshal(append(run.Logs, logLines...))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, finished_at=?, logs_json=? WHERE id=? AND status='RUNNING'`,
		status, finishedAt, string(logs), runID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) ListEvents(ctx context.Context, projectID string, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),payload_json FROM events WHERE project_id=? ORDER BY id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	query := `INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, projectID, string(payload), now, now)
	} else {
		_, err = db.ExecContext(ctx, query, projectID, string(payload), now, now)
	}
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
