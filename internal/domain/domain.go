package domain

import "encoding/json"

const (
	RoleUser  = "user"
	RoleModel = "model"
)

const (
	RunRunning   = "RUNNING"
	RunCompleted = "COMPLETED"
	RunFailed    = "FAILED"
)

// Stage names double as artifact keys: at most one artifact per stage per project.
const (
	StageIdeaBrief      = "idea_brief"
	StageResearchReport = "research_report"
	StageBrandKit       = "brand_kit"
)

type Project struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	CurrentStage   int    `json:"currentStage"`
	BriefFinalized bool   `json:"briefFinalized"`
	CreatedAt      string `json:"createdAt" format:"date-time"`
}

type ChatTurn struct {
	Role string `json:"role" enum:"user,model"`
	Text string `json:"text"`
}

type Artifact struct {
	Stage     string          `json:"stage"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt string          `json:"updatedAt" format:"date-time"`
}

type Run struct {
	ID         string   `json:"id"`
	ProjectID  string   `json:"projectId"`
	Stage      string   `json:"stage"`
	Status     string   `json:"status" enum:"RUNNING,COMPLETED,FAILED"`
	StartedAt  string   `json:"startedAt" format:"date-time"`
	FinishedAt *string  `json:"finishedAt,omitempty" format:"date-time"`
	Logs       []string `json:"logs"`
}

// Terminal reports whether the run has reached a final status.
func (r Run) Terminal() bool {
	return r.Status == RunCompleted || r.Status == RunFailed
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"projectId,omitempty"`
	EntityKind string `json:"entityKind"`
	EntityID   string `json:"entityId,omitempty"`
	Payload    string `json:"payloadJson"`
}

// Typed artifact payloads. The generation client hands back raw JSON; these
// are the shapes downstream consumers decode into.

type IdeaBrief struct {
	Niche             string   `json:"niche"`
	TargetCustomer    string   `json:"targetCustomer"`
	CoreProblem       string   `json:"coreProblem"`
	SolutionPromise   string   `json:"solutionPromise"`
	MonetizationModel string   `json:"monetizationModel"`
	Channels          []string `json:"channels,omitempty"`
	Risks             []string `json:"risks,omitempty"`
	NextQuestions     []string `json:"nextQuestions,omitempty"`
}

type Competitor struct {
	Name        string `json:"name"`
	Positioning string `json:"positioning"`
	Notes       string `json:"notes"`
}

type ResearchReport struct {
	Summary             string       `json:"summary"`
	DemandSignals       []string     `json:"demandSignals,omitempty"`
	Competitors         []Competitor `json:"competitors,omitempty"`
	PricingBenchmarks   []string     `json:"pricingBenchmarks,omitempty"`
	ViabilityScore      float64      `json:"viabilityScore"`
	Risks               []string     `json:"risks,omitempty"`
	RecommendedNextMove string       `json:"recommendedNextMove,omitempty"`
}

type BrandVoice struct {
	Tone []string `json:"tone,omitempty"`
	Do   []string `json:"do,omitempty"`
	Dont []string `json:"dont,omitempty"`
}

type MessagingPillar struct {
	Pillar string `json:"pillar"`
	Proof  string `json:"proof"`
}

type BrandKit struct {
	NameOptions          []string          `json:"nameOptions"`
	Taglines             []string          `json:"taglines,omitempty"`
	PositioningStatement string            `json:"positioningStatement"`
	Voice                BrandVoice        `json:"voice"`
	MessagingPillars     []MessagingPillar `json:"messagingPillars,omitempty"`
	BasicVisualDirection string            `json:"basicVisualDirection,omitempty"`
}
