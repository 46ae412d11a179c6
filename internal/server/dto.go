package server

import (
	"encoding/json"

	"venturelab/internal/domain"
)

type CreateProjectRequest struct {
	Name string `json:"name,omitempty" example:"Acme"`
}

type ChatTurnResponse struct {
	Role string `json:"role" example:"user"`
	Text string `json:"text" example:"I want to sell handmade candles."`
}

type ProjectResponse struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	CurrentStage   int                `json:"currentStage"`
	BriefFinalized bool               `json:"briefFinalized"`
	CreatedAt      string             `json:"createdAt"`
	ChatHistory    []ChatTurnResponse `json:"chatHistory"`
}

type ArtifactResponse struct {
	Stage     string          `json:"stage" example:"idea_brief"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt string          `json:"updatedAt"`
}

type RunResponse struct {
	ID         string   `json:"id"`
	Stage      string   `json:"stage" example:"research_report"`
	Status     string   `json:"status" example:"RUNNING"`
	StartedAt  string   `json:"startedAt"`
	FinishedAt *string  `json:"finishedAt,omitempty"`
	Logs       []string `json:"logs"`
}

type ProjectDetailResponse struct {
	Project   ProjectResponse    `json:"project"`
	Artifacts []ArtifactResponse `json:"artifacts"`
	Runs      []RunResponse      `json:"runs"`
}

type ChatRequest struct {
	Message string `json:"message"`
}

type ChatResponse struct {
	AIResponse string             `json:"aiResponse"`
	History    []ChatTurnResponse `json:"history"`
}

type StartRunResponse struct {
	RunID string `json:"runId"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entityKind"`
	EntityID   string          `json:"entityId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func chatTurnResponses(turns []domain.ChatTurn) []ChatTurnResponse {
	out := make([]ChatTurnResponse, 0, len(turns))
	for _, t := range turns {
		out = append(out, ChatTurnResponse{Role: t.Role, Text: t.Text})
	}
	return out
}

func projectResponse(p domain.Project, turns []domain.ChatTurn) ProjectResponse {
	return ProjectResponse{
		ID:             p.ID,
		Name:           p.Name,
		CurrentStage:   p.CurrentStage,
		BriefFinalized: p.BriefFinalized,
		CreatedAt:      p.CreatedAt,
		ChatHistory:    chatTurnResponses(turns),
	}
}

func artifactResponse(a domain.Artifact) ArtifactResponse {
	return ArtifactResponse{Stage: a.Stage, Data: a.Data, UpdatedAt: a.UpdatedAt}
}

func mapArtifacts(items []domain.Artifact) []ArtifactResponse {
	out := make([]ArtifactResponse, 0, len(items))
	for _, a := range items {
		out = append(out, artifactResponse(a))
	}
	return out
}

func runResponse(r domain.Run) RunResponse {
	logs := r.Logs
	if logs == nil {
		logs = []string{}
	}
	return RunResponse{
		ID:         r.ID,
		Stage:      r.Stage,
		Status:     r.Status,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Logs:       logs,
	}
}

func mapRuns(items []domain.Run) []RunResponse {
	out := make([]RunResponse, 0, len(items))
	for _, r := range items {
		out = append(out, runResponse(r))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    json.RawMessage(e.Payload),
	}
}
