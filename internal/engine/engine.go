package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"venturelab/internal/config"
	"venturelab/internal/domain"
	"venturelab/internal/events"
	"venturelab/internal/repo"
)

// ErrUnknownStage rejects stage names outside the pipeline. No run is
// created for these.
var ErrUnknownStage = errors.New("unknown stage")

// Generator is the slice of the LLM client the engine needs. Tests swap in
// fakes.
type Generator interface {
	Converse(ctx context.Context, systemInstruction string, history []domain.ChatTurn, message string) (string, error)
	SummarizeIdea(ctx context.Context, turns []domain.ChatTurn) (json.RawMessage, error)
	ResearchMarket(ctx context.Context, brief domain.IdeaBrief) (json.RawMessage, error)
	BuildBrandKit(ctx context.Context, brief domain.IdeaBrief, research domain.ResearchReport) (json.RawMessage, error)
}

// StageSpec declares a runnable pipeline stage and the artifacts it needs.
type StageSpec struct {
	Name    string
	Prereqs []string
}

// Runnable stages. The idea brief is produced by the chat path, not by a
// stage run.
var stages = map[string]StageSpec{
	domain.StageResearchReport: {
		Name:    domain.StageResearchReport,
		Prereqs: []string{domain.StageIdeaBrief},
	},
	domain.StageBrandKit: {
		Name:    domain.StageBrandKit,
		Prereqs: []string{domain.StageIdeaBrief, domain.StageResearchReport},
	},
}

// KnownStage reports whether name is a runnable pipeline stage.
func KnownStage(name string) bool {
	_, ok := stages[name]
	return ok
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	LLM    Generator
	Config *config.Config
	Now    func() time.Time

	mu           sync.Mutex
	projectLocks map[string]*sync.Mutex
	wg           sync.WaitGroup
}

func New(db *sql.DB, cfg *config.Config, gen Generator) *Engine {
	return &Engine{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		Events:       events.Writer{DB: db},
		LLM:          gen,
		Config:       cfg,
		Now:          time.Now,
		projectLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Wait blocks until all in-flight stage executions finish. Used by tests
// and by graceful shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// CreateProject creates a project with an empty transcript and seeds its
// stored config.
func (e *Engine) CreateProject(ctx context.Context, name string) (domain.Project, error) {
	if name == "" {
		name = "Untitled Venture"
	}
	p := domain.Project{
		ID:           uuid.NewString(),
		Name:         name,
		CurrentStage: 1,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	seed := config.Default(p.ID)
	if e.Config != nil {
		cfgCopy := *e.Config
		seed = &cfgCopy
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, seed); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.create", p.ID, "project", p.ID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ProjectState loads a project with its artifacts and recent runs.
func (e *Engine) ProjectState(ctx context.Context, projectID string) (domain.Project, []domain.Artifact, []domain.Run, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, nil, nil, err
	}
	artifacts, err := e.Repo.ListArtifacts(ctx, projectID)
	if err != nil {
		return domain.Project{}, nil, nil, err
	}
	runs, err := e.Repo.ListRuns(ctx, projectID, e.runListLimit())
	if err != nil {
		return domain.Project{}, nil, nil, err
	}
	return p, artifacts, runs, nil
}

// Chat appends one exchange to the transcript and returns the model reply
// plus the updated history. Once the transcript reaches the configured
// threshold the idea brief is generated synchronously from the full
// transcript; by default that happens once and later turns leave the brief
// alone (refresh_brief opts back into a rolling summary).
func (e *Engine) Chat(ctx context.Context, projectID, message string) (string, []domain.ChatTurn, error) {
	if message == "" {
		return "", nil, errors.New("message is required")
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return "", nil, err
	}
	history, err := e.Repo.ListChatTurns(ctx, projectID)
	if err != nil {
		return "", nil, err
	}

	reply, err := e.LLM.Converse(ctx, e.persona(), history, message)
	if err != nil {
		return "", nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, err
	}
	defer tx.Rollback()
	userTurn := domain.ChatTurn{Role: domain.RoleUser, Text: message}
	modelTurn := domain.ChatTurn{Role: domain.RoleModel, Text: reply}
	if err := e.Repo.AppendChatTurns(ctx, tx, projectID, userTurn, modelTurn); err != nil {
		return "", nil, fmt.Errorf("append chat turns: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.chat", projectID, "project", projectID, nil); err != nil {
		return "", nil, err
	}
	if err := tx.Commit(); err != nil {
		return "", nil, err
	}

	updated := append(history, userTurn, modelTurn)
	if len(updated) >= e.briefThreshold() && (!p.BriefFinalized || e.refreshBrief()) {
		raw, err := e.LLM.SummarizeIdea(ctx, updated)
		if err != nil {
			return "", nil, fmt.Errorf("summarize transcript: %w", err)
		}
		if _, err := e.Repo.UpsertArtifact(ctx, projectID, domain.StageIdeaBrief, raw); err != nil {
			return "", nil, fmt.Errorf("save idea brief: %w", err)
		}
		if !p.BriefFinalized {
			if err := e.Repo.SetBriefFinalized(ctx, projectID); err != nil {
				return "", nil, err
			}
		}
		if err := e.Events.Append(ctx, nil, "artifact.write", projectID, "artifact", domain.StageIdeaBrief, nil); err != nil {
			return "", nil, err
		}
	}
	return reply, updated, nil
}

// StartStageRun validates the stage, records a RUNNING run, and kicks off
// execution in the background. The run id is returned before the work
// starts; callers poll the run until it is terminal.
func (e *Engine) StartStageRun(ctx context.Context, projectID, stage string) (string, error) {
	spec, ok := stages[stage]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return "", err
	}
	run := domain.Run{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Stage:     stage,
		Status:    domain.RunRunning,
		StartedAt: e.now().UTC().Format(time.RFC3339),
		Logs:      []string{fmt.Sprintf("Started %s execution...", stage)},
	}
	if err := e.Repo.InsertRun(ctx, run); err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.Append(ctx, nil, "run.start", projectID, "run", run.ID, events.EventPayload{"stage": stage}); err != nil {
		return "", err
	}

	e.wg.Add(1)
	go e.executeStage(projectID, run.ID, spec)
	return run.ID, nil
}

// executeStage runs out of line; every failure ends up in the run record,
// never in the triggering request.
func (e *Engine) executeStage(projectID, runID string, spec StageSpec) {
	defer e.wg.Done()
	if e.serializeRuns() {
		lock := e.projectLock(projectID)
		lock.Lock()
		defer lock.Unlock()
	}

	ctx := context.Background()
	err := e.runStage(ctx, projectID, spec)
	finished := e.now().UTC().Format(time.RFC3339)

	status := domain.RunCompleted
	logLine := fmt.Sprintf("%s completed successfully.", spec.Name)
	if err != nil {
		status = domain.RunFailed
		logLine = "Error: " + err.Error()
	}
	if err := e.Repo.CompleteRun(ctx, projectID, runID, status, finished, []string{logLine}); err != nil {
		log.Printf("complete run %s: %v", runID, err)
		return
	}
	if err := e.Events.Append(ctx, nil, "run.complete", projectID, "run", runID, events.EventPayload{"status": status}); err != nil {
		log.Printf("record run event %s: %v", runID, err)
	}
}

func (e *Engine) runStage(ctx context.Context, projectID string, spec StageSpec) error {
	artifacts, err := e.Repo.ListArtifacts(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load artifacts: %w", err)
	}
	byStage := make(map[string]domain.Artifact, len(artifacts))
	for _, a := range artifacts {
		byStage[a.Stage] = a
	}
	for _, prereq := range spec.Prereqs {
		if _, ok := byStage[prereq]; !ok {
			return fmt.Errorf("missing prerequisite artifact %s", prereq)
		}
	}

	var result json.RawMessage
	switch spec.Name {
	case domain.StageResearchReport:
		var brief domain.IdeaBrief
		if err := json.Unmarshal(byStage[domain.StageIdeaBrief].Data, &brief); err != nil {
			return fmt.Errorf("decode idea brief: %w", err)
		}
		result, err = e.LLM.ResearchMarket(ctx, brief)
	case domain.StageBrandKit:
		var brief domain.IdeaBrief
		if err := json.Unmarshal(byStage[domain.StageIdeaBrief].Data, &brief); err != nil {
			return fmt.Errorf("decode idea brief: %w", err)
		}
		var research domain.ResearchReport
		if err := json.Unmarshal(byStage[domain.StageResearchReport].Data, &research); err != nil {
			return fmt.Errorf("decode research report: %w", err)
		}
		result, err = e.LLM.BuildBrandKit(ctx, brief, research)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownStage, spec.Name)
	}
	if err != nil {
		return err
	}
	if _, err := e.Repo.UpsertArtifact(ctx, projectID, spec.Name, result); err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

func (e *Engine) GetRun(ctx context.Context, projectID, runID string) (domain.Run, error) {
	return e.Repo.GetRun(ctx, projectID, runID)
}

func (e *Engine) ListRuns(ctx context.Context, projectID string) ([]domain.Run, error) {
	return e.Repo.ListRuns(ctx, projectID, e.runListLimit())
}

func (e *Engine) DeleteProject(ctx context.Context, projectID string) error {
	if err := e.Repo.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	return e.Events.Append(ctx, nil, "project.delete", projectID, "project", projectID, nil)
}

func (e *Engine) projectLock(projectID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.projectLocks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		e.projectLocks[projectID] = lock
	}
	return lock
}

func (e *Engine) persona() string {
	if e.Config != nil && e.Config.Chat.Persona != "" {
		return e.Config.Chat.Persona
	}
	return config.Default("").Chat.Persona
}

func (e *Engine) briefThreshold() int {
	if e.Config != nil && e.Config.Pipeline.BriefThreshold > 0 {
		return e.Config.Pipeline.BriefThreshold
	}
	return 4
}

func (e *Engine) refreshBrief() bool {
	return e.Config != nil && e.Config.Pipeline.RefreshBrief
}

func (e *Engine) serializeRuns() bool {
	if e.Config == nil {
		return true
	}
	return e.Config.Pipeline.SerializeRuns
}

func (e *Engine) runListLimit() int {
	if e.Config != nil && e.Config.Runs.ListLimit > 0 {
		return e.Config.Runs.ListLimit
	}
	return 10
}
