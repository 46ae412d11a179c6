package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"time"

	"venturelab/internal/config"
	"venturelab/internal/db"
	"venturelab/internal/domain"
	"venturelab/internal/engine"
	"venturelab/internal/migrate"
	"venturelab/internal/server"
	venturesdk "venturelab/sdk/go"
)

// Local smoke check: boots the API with a canned generator and walks the
// whole pipeline through the SDK.
func main() {
	workspace, err := os.MkdirTemp("", "venturelab-check")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(workspace)
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}

	cfg := config.Default("")
	e := engine.New(conn, cfg, cannedGenerator{})
	h, err := server.New(server.Config{Engine: e})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx := context.Background()
	sdk := venturesdk.New(ts.URL)
	p, err := sdk.CreateProject(ctx, "Acme")
	if err != nil {
		panic(err)
	}
	for _, msg := range []string{"candles", "busy parents", "subscription", "etsy first"} {
		if _, err := sdk.Chat(ctx, p.ID, msg); err != nil {
			panic(err)
		}
	}
	for _, stage := range []string{"research_report", "brand_kit"} {
		runID, err := sdk.RunStage(ctx, p.ID, stage)
		if err != nil {
			panic(err)
		}
		run, err := sdk.PollRun(ctx, p.ID, runID, 100*time.Millisecond)
		if err != nil {
			panic(err)
		}
		fmt.Printf("%s: %s %v\n", stage, run.Status, run.Logs)
	}
	detail, err := sdk.GetProject(ctx, p.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("artifacts=%d runs=%d briefFinalized=%v\n",
		len(detail.Artifacts), len(detail.Runs), detail.Project.BriefFinalized)
}

type cannedGenerator struct{}

func (cannedGenerator) Converse(_ context.Context, _ string, history []domain.ChatTurn, _ string) (string, error) {
	return fmt.Sprintf("Tell me more (turn %d)", len(history)/2+1), nil
}

func (cannedGenerator) SummarizeIdea(context.Context, []domain.ChatTurn) (json.RawMessage, error) {
	return json.RawMessage(`{"niche":"candles","targetCustomer":"busy parents","coreProblem":"no calm","solutionPromise":"relaxing scents","monetizationModel":"subscription"}`), nil
}

func (cannedGenerator) ResearchMarket(context.Context, domain.IdeaBrief) (json.RawMessage, error) {
	return json.RawMessage(`{"summary":"viable niche","viabilityScore":7.5}`), nil
}

func (cannedGenerator) BuildBrandKit(context.Context, domain.IdeaBrief, domain.ResearchReport) (json.RawMessage, error) {
	return json.RawMessage(`{"nameOptions":["Calmwick"],"positioningStatement":"calm in a jar","voice":{}}`), nil
}
