// Package model defines shared data structures for the run service.
package model

import (
	"encoding/json"
	"time"
)

// FieldType is the normalized kind of a form question.
type FieldType string

const (
	FieldShortText   FieldType = "short_text"
	FieldParagraph   FieldType = "paragraph"
	FieldSingle      FieldType = "single_choice"
	FieldMulti       FieldType = "multi_choice"
	FieldDropdown    FieldType = "dropdown"
	FieldLinearScale FieldType = "linear_scale"
	FieldDate        FieldType = "date"
	FieldTime        FieldType = "time"
	FieldUnsupported FieldType = "unsupported"
)

// Strategy tells the generator how an operator wants a field filled.
type Strategy string

const (
	StrategyRandom  Strategy = "random"
	StrategyFixed   Strategy = "fixed"
	StrategyPattern Strategy = "pattern"
)

// TransportMeta holds the hidden tokens a form page hands out and expects back
// on submission. All values are opaque.
type TransportMeta struct {
	Token               string `json:"token,omitempty"`
	Tag                 string `json:"tag,omitempty"`
	PartialResponse     string `json:"partialResponse,omitempty"`
	FBZX                string `json:"fbzx,omitempty"`
	FVV                 string `json:"fvv,omitempty"`
	PageHistory         string `json:"pageHistory,omitempty"`
	SubmissionTimestamp string `json:"submissionTimestamp,omitempty"`
	DLUT                string `json:"dlut,omitempty"`
	HUD                 string `json:"hud,omitempty"`
	ActionURL           string `json:"actionUrl,omitempty"`
	ViewURL             string `json:"viewUrl,omitempty"`
}

// Complete reports whether the tokens needed for a submission are present.
func (m TransportMeta) Complete() bool {
	return m.ActionURL != "" && m.FBZX != "" && m.FVV != ""
}

// Target is an external form that Jobs submit to.
type Target struct {
	ID          string          `json:"id"`
	ExternalID  string          `json:"externalId"`
	Kind        string          `json:"kind"`
	URL         string          `json:"url"`
	Title       string          `json:"title"`
	RawPayload  json.RawMessage `json:"rawPayload,omitempty"`
	Meta        TransportMeta   `json:"meta"`
	ActiveJobID *string         `json:"activeJobId"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Validation is the opaque validation descriptor of a field.
type Validation struct {
	Pattern string          `json:"pattern,omitempty"`
	Message string          `json:"message,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// FieldConfig is operator-owned and survives schema refreshes.
type FieldConfig struct {
	Strategy   Strategy `json:"strategy"`
	FixedValue string   `json:"fixedValue,omitempty"`
	Pattern    string   `json:"pattern,omitempty"`
	Prompt     string   `json:"prompt,omitempty"`
	Enabled    bool     `json:"enabled"`
}

// DefaultFieldConfig is applied to newly discovered fields.
func DefaultFieldConfig() FieldConfig {
	return FieldConfig{Strategy: StrategyRandom, Enabled: true}
}

// FieldSpec describes one question of a Target.
type FieldSpec struct {
	ID         string      `json:"id"`
	TargetID   string      `json:"targetId,omitempty"`
	EntryID    string      `json:"entryId"`
	Label      string      `json:"label"`
	Type       FieldType   `json:"type"`
	RawType    *int        `json:"rawType,omitempty"`
	Options    []string    `json:"options,omitempty"`
	Required   bool        `json:"required"`
	Validation *Validation `json:"validation,omitempty"`
	HelpText   string      `json:"helpText,omitempty"`
	Position   int         `json:"position"`
	Config     FieldConfig `json:"config"`
}

// Key is the submission payload key of the field.
func (f FieldSpec) Key() string { return "entry." + f.EntryID }

// IsMulti reports whether the field accepts several values.
func (f FieldSpec) IsMulti() bool { return f.Type == FieldMulti }

// Job is one bulk run against a Target.
type Job struct {
	ID         string     `json:"id"`
	TargetID   string     `json:"targetId"`
	Status     JobStatus  `json:"status"`
	Count      int        `json:"count"`
	RateLimit  int        `json:"rateLimit"`
	Prepared   int        `json:"prepared"`
	Submitted  int        `json:"submitted"`
	Failed     int        `json:"failed"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Processed is the number of items with a final outcome.
func (j Job) Processed() int { return j.Submitted + j.Failed }

// JobItem is one intended submission of a Job.
type JobItem struct {
	ID          string          `json:"id"`
	JobID       string          `json:"jobId"`
	Index       int             `json:"index"`
	Status      ItemStatus      `json:"status"`
	Record      Record          `json:"record,omitempty"`
	Outcome     json.RawMessage `json:"outcome,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ItemResult is the final state of one submitted item.
type ItemResult struct {
	ItemID   string
	Accepted bool
	Outcome  json.RawMessage
	Error    string
}

// PreparedItem pairs a preparing item with its generated record.
type PreparedItem struct {
	ItemID string
	Record Record
}
