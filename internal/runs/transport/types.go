package transport

import (
	"time"

	"github.com/pendergraft/contratweak/internal/layout"
	"github.com/pendergraft/contratweak/internal/runs/domain"
	"github.com/pendergraft/contratweak/internal/tweak"
)

// RunResponse is the HTTP representation of a run.
type RunResponse struct {
	ID         string           `json:"id"`
	Project    string           `json:"project"`
	Mode       string           `json:"mode"`
	Status     string           `json:"status"`
	Stage      string           `json:"stage,omitempty"`
	Target     string           `json:"target"`
	CodeHash   string           `json:"codeHash,omitempty"`
	Written    bool             `json:"written"`
	Findings   []layout.Finding `json:"findings,omitempty"`
	Error      string           `json:"error,omitempty"`
	DurationMs int64            `json:"durationMs"`
	CreatedAt  string           `json:"createdAt,omitempty"`
	FinishedAt string           `json:"finishedAt,omitempty"`
	Result     *tweak.Result    `json:"result,omitempty"`
}

func toResponse(run *domain.Run) RunResponse {
	return RunResponse{
		ID:         run.ID,
		Project:    run.Project,
		Mode:       string(run.Mode),
		Status:     run.Status,
		Stage:      run.Stage,
		Target:     run.Target,
		CodeHash:   run.CodeHash,
		Written:    run.Written,
		Findings:   run.Findings,
		Error:      run.Error,
		DurationMs: run.Duration.Milliseconds(),
		CreatedAt:  formatTime(run.CreatedAt),
		FinishedAt: formatTime(run.FinishedAt),
		Result:     run.Result,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}
