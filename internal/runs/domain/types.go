// Package domain runs checks and tweaks against registered projects and
// keeps their history.
package domain

import (
	"time"

	"github.com/pendergraft/contratweak/internal/layout"
	"github.com/pendergraft/contratweak/internal/tweak"
)

// Run status values
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one recorded check or tweak.
type Run struct {
	ID         string
	Project    string
	Mode       tweak.Mode
	Status     string
	Stage      string
	Target     string
	CodeHash   string
	Written    bool
	Findings   []layout.Finding
	Error      string
	OwnerID    string
	Duration   time.Duration
	CreatedAt  time.Time
	FinishedAt time.Time

	// Result is only set on the run that was just executed.
	Result *tweak.Result
}

// TweakRequest asks for a full pipeline run.
type TweakRequest struct {
	DryRun             bool              `json:"dryRun,omitempty"`
	AllowChainMismatch bool              `json:"allowChainMismatch,omitempty"`
	Immutables         map[string]string `json:"immutables,omitempty"` // name -> 0x value
	Reexecute          []string          `json:"reexecute,omitempty"`
}

// ListFilter contains filter options for listing runs.
type ListFilter struct {
	Project string
	Status  string
}

// PaginationParams contains pagination options.
type PaginationParams struct {
	Limit  int
	Cursor string
}

// ListResult contains paginated list results.
type ListResult struct {
	Runs       []Run
	HasMore    bool
	NextCursor string
}
