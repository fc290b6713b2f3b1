package vapi

import (
	"encoding/json"
	"time"
)

// Call is the vendor's call record as returned by GET /call/{id}.
type Call struct {
	ID          string            `json:"id"`
	OrgID       string            `json:"orgId,omitempty"`
	Type        string            `json:"type,omitempty"`
	Status      string            `json:"status,omitempty"`
	EndedReason string            `json:"endedReason,omitempty"`
	AssistantID string            `json:"assistantId,omitempty"`
	CreatedAt   *time.Time        `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time        `json:"updatedAt,omitempty"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	EndedAt     *time.Time        `json:"endedAt,omitempty"`
	Cost        float64           `json:"cost,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	Transcript  string            `json:"transcript,omitempty"`
	Analysis    *Analysis         `json:"analysis,omitempty"`
	Artifact    *Artifact         `json:"artifact,omitempty"`
	Monitor     *Monitor          `json:"monitor,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	WebCallURL  string            `json:"webCallUrl,omitempty"`

	// RawBody preserves the vendor payload so API responses can pass
	// through fields this struct does not model.
	RawBody json.RawMessage `json:"-"`
}

// Analysis holds the post-call analysis produced by the vendor.
type Analysis struct {
	Summary           string          `json:"summary,omitempty"`
	StructuredData    json.RawMessage `json:"structuredData,omitempty"`
	SuccessEvaluation json.RawMessage `json:"successEvaluation,omitempty"`
}

// Artifact holds recordings and transcripts attached to a finished call.
type Artifact struct {
	Transcript   string          `json:"transcript,omitempty"`
	RecordingURL string          `json:"recordingUrl,omitempty"`
	Messages     json.RawMessage `json:"messages,omitempty"`
}

// Monitor carries the per-call listen and control endpoints.
type Monitor struct {
	ListenURL  string `json:"listenUrl,omitempty"`
	ControlURL string `json:"controlUrl,omitempty"`
}

// AnalysisPlan overrides how the assistant summarizes a consultation.
type AnalysisPlan struct {
	SummaryPrompt           string          `json:"summaryPrompt,omitempty"`
	StructuredDataPrompt    string          `json:"structuredDataPrompt,omitempty"`
	StructuredDataSchema    json.RawMessage `json:"structuredDataSchema,omitempty"`
	SuccessEvaluationPrompt string          `json:"successEvaluationPrompt,omitempty"`
	SuccessEvaluationRubric string          `json:"successEvaluationRubric,omitempty"`
}

// AssistantOverrides are applied on top of the stored assistant for one call.
type AssistantOverrides struct {
	AnalysisPlan *AnalysisPlan     `json:"analysisPlan,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// WebCallRequest is the body of POST /call/web.
type WebCallRequest struct {
	AssistantID        string              `json:"assistantId"`
	AssistantOverrides *AssistantOverrides `json:"assistantOverrides,omitempty"`
	Metadata           map[string]string   `json:"metadata,omitempty"`
}

// ListCallsParams selects one page of call history.
type ListCallsParams struct {
	Limit         int
	CreatedBefore time.Time
}

// DefaultListLimit is the page size used when ListCallsParams.Limit is zero.
const DefaultListLimit = 20

// MaxListLimit caps caller-provided page sizes.
const MaxListLimit = 100
