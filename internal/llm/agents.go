package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"venturelab/internal/domain"
)

const (
	summarizerInstruction = "You are an expert business consultant. Summarize the following chat transcript into a formal Idea Brief JSON."
	researchInstruction   = "You are a market research analyst. Based on this business brief, simulate market research and provide a detailed report JSON."
	brandingInstruction   = "You are a brand strategist. Create a full brand kit based on the brief and market research provided."
)

// FlattenTranscript renders the transcript as "role: text" lines for
// prompt embedding.
func FlattenTranscript(turns []domain.ChatTurn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, t.Role+": "+t.Text)
	}
	return strings.Join(lines, "\n")
}

// SummarizeIdea distills the interview transcript into an idea brief.
func (c *Client) SummarizeIdea(ctx context.Context, turns []domain.ChatTurn) (json.RawMessage, error) {
	prompt := "Chat Transcript:\n" + FlattenTranscript(turns)
	return c.GenerateStructured(ctx, summarizerInstruction, prompt, IdeaBriefSchema)
}

// ResearchMarket produces a market-research report from the idea brief.
func (c *Client) ResearchMarket(ctx context.Context, brief domain.IdeaBrief) (json.RawMessage, error) {
	b, err := json.Marshal(brief)
	if err != nil {
		return nil, err
	}
	prompt := "Business Brief:\n" + string(b)
	return c.GenerateStructured(ctx, researchInstruction, prompt, ResearchReportSchema)
}

// BuildBrandKit produces a brand kit from the brief and the research report.
func (c *Client) BuildBrandKit(ctx context.Context, brief domain.IdeaBrief, research domain.ResearchReport) (json.RawMessage, error) {
	b, err := json.Marshal(brief)
	if err != nil {
		return nil, err
	}
	r, err := json.Marshal(research)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf("Brief: %s\nResearch: %s", b, r)
	return c.GenerateStructured(ctx, brandingInstruction, prompt, BrandKitSchema)
}
