package ledger

import (
	"encoding/json"
	"time"
)

// Kind is the request type being recorded.
type Kind string

const (
	KindTranscribe Kind = "transcribe"
	KindTranslate  Kind = "translate"
	KindSynthesize Kind = "synthesize"
	KindStream     Kind = "stream"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is one tracked request.
type Record struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Status      Status          `json:"status"`
	Subject     string          `json:"subject"` // file name or text preview
	Client      string          `json:"client,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind   Kind
	Status Status
	Limit  int
}
