package repo_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"venturelab/internal/config"
	"venturelab/internal/db"
	"venturelab/internal/domain"
	"venturelab/internal/migrate"
	"venturelab/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func insertProject(t *testing.T, r repo.Repo, ctx context.Context, id string) {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	p := domain.Project{ID: id, Name: "Acme", CurrentStage: 1, CreatedAt: "2026-01-01T00:00:00Z"}
	if err := r.InsertProject(ctx, tx, p); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestArtifactRoundTripBytes(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertProject(t, r, ctx, "p1")
	// key order and nesting must survive storage untouched
	payload := `{"b":1,"a":{"z":[3,2,1],"y":"text"},"c":["x","y"]}`
	if _, err := r.UpsertArtifact(ctx, "p1", domain.StageIdeaBrief, json.RawMessage(payload)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := r.GetArtifact(ctx, "p1", domain.StageIdeaBrief)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Data) != payload {
		t.Fatalf("payload altered by storage:\n  in:  %s\n  out: %s", payload, got.Data)
	}
}

func TestArtifactUpsertOverwrites(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertProject(t, r, ctx, "p1")
	if _, err := r.UpsertArtifact(ctx, "p1", domain.StageIdeaBrief, json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.UpsertArtifact(ctx, "p1", domain.StageIdeaBrief, json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetArtifact(ctx, "p1", domain.StageIdeaBrief)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Data) != `{"v":2}` {
		t.Fatalf("expected overwrite, got %s", got.Data)
	}
	arts, err := r.ListArtifacts(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 1 {
		t.Fatalf("expected one artifact slot per stage, got %d", len(arts))
	}
}

func TestArtifactRejectsInvalidJSON(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertProject(t, r, ctx, "p1")
	if _, err := r.UpsertArtifact(ctx, "p1", domain.StageIdeaBrief, json.RawMessage(`{broken`)); err == nil {
		t.Fatalf("expected invalid payload error")
	}
}

func TestListRunsNewestFirstLimited(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertProject(t, r, ctx, "p1")
	for i := 0; i < 12; i++ {
		run := domain.Run{
			ID:        fmt.Sprintf("run-%02d", i),
			ProjectID: "p1",
			Stage:     domain.StageResearchReport,
			Status:    domain.RunRunning,
			StartedAt: fmt.Sprintf("2026-01-01T00:00:%02dZ", i),
			Logs:      []string{"Started research_report execution..."},
		}
		if err := r.InsertRun(ctx, run); err != nil {
			t.Fatalf("insert run %d: %v", i, err)
		}
	}
	runs, err := r.ListRuns(ctx, "p1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 10 {
		t.Fatalf("expected limit 10, got %d", len(runs))
	}
	if runs[0].ID != "run-11" || runs[9].ID != "run-02" {
		t.Fatalf("expected newest first, got %s..%s", runs[0].ID, runs[9].ID)
	}
}

func TestCompleteRunGuardsTerminalStates(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertProject(t, r, ctx, "p1")
	run := domain.Run{
		ID: "run-1", ProjectID: "p1", Stage: domain.StageBrandKit,
		Status: domain.RunRunning, StartedAt: "2026-01-01T00:00:00Z",
		Logs: []string{"Started brand_kit execution..."},
	}
	if err := r.InsertRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := r.CompleteRun(ctx, "p1", "run-1", domain.RunCompleted, "2026-01-01T00:00:05Z", []string{"brand_kit completed successfully."}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := r.GetRun(ctx, "p1", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunCompleted || got.FinishedAt == nil {
		t.Fatalf("unexpected run: %+v", got)
	}
	if len(got.Logs) != 2 {
		t.Fatalf("expected appended logs, got %v", got.Logs)
	}
	// completing again must not flip the terminal state
	if err := r.CompleteRun(ctx, "p1", "run-1", domain.RunFailed, "2026-01-01T00:00:09Z", []string{"Error: too late"}); err == nil {
		t.Fatalf("expected second completion rejected")
	}
	got, _ = r.GetRun(ctx, "p1", "run-1")
	if got.Status != domain.RunCompleted {
		t.Fatalf("terminal state reversed: %s", got.Status)
	}
}

func TestChatTurnsAppendOnlyOrdered(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertProject(t, r, ctx, "p1")
	append2 := func(userText, modelText string) {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer tx.Rollback()
		err = r.AppendChatTurns(ctx, tx, "p1",
			domain.ChatTurn{Role: domain.RoleUser, Text: userText},
			domain.ChatTurn{Role: domain.RoleModel, Text: modelText})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	append2("one", "reply one")
	append2("two", "reply two")
	turns, err := r.ListChatTurns(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(turns))
	}
	want := []string{"one", "reply one", "two", "reply two"}
	for i, turn := range turns {
		if turn.Text != want[i] {
			t.Fatalf("turn %d out of order: %q", i, turn.Text)
		}
	}
}

func TestProjectConfigRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertProject(t, r, ctx, "p1")
	cfg := config.Default("p1")
	cfg.Pipeline.RefreshBrief = true
	cfg.Runs.ListLimit = 25
	if err := r.UpsertProjectConfig(ctx, "p1", cfg); err != nil {
		t.Fatalf("upsert config: %v", err)
	}
	got, err := r.GetProjectConfig(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Pipeline.RefreshBrief || got.Runs.ListLimit != 25 || got.Project.ID != "p1" {
		t.Fatalf("config round trip mismatch: %+v", got)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.GetProject(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.GetRun(ctx, "missing", "run"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected run ErrNotFound, got %v", err)
	}
}
