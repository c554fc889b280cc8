package domain

import (
	"context"
	"log/slog"
	"time"
)

type loggingService interface {
	Check(ctx context.Context, name, ownerID string) (*Run, error)
	Tweak(ctx context.Context, name, ownerID string, req TweakRequest) (*Run, error)
	Get(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context, filter ListFilter, pagination PaginationParams) (*ListResult, error)
}

// LoggingMiddleware returns a service middleware that logs all operations.
func LoggingMiddleware(logger *slog.Logger) func(loggingService) *loggingMiddleware {
	return func(next loggingService) *loggingMiddleware {
		return &loggingMiddleware{next: next, logger: logger}
	}
}

type loggingMiddleware struct {
	next   loggingService
	logger *slog.Logger
}

func (m *loggingMiddleware) Check(ctx context.Context, name, ownerID string) (*Run, error) {
	start := time.Now()
	run, err := m.next.Check(ctx, name, ownerID)
	m.logRun("Check", name, start, run, err)
	return run, err
}

func (m *loggingMiddleware) Tweak(ctx context.Context, name, ownerID string, req TweakRequest) (*Run, error) {
	start := time.Now()
	run, err := m.next.Tweak(ctx, name, ownerID, req)
	m.logRun("Tweak", name, start, run, err)
	return run, err
}

func (m *loggingMiddleware) logRun(op, name string, start time.Time, run *Run, err error) {
	attrs := []any{"project", name, "duration", time.Since(start), "error", err}
	if run != nil {
		attrs = append(attrs, "run", run.ID, "mode", run.Mode, "status", run.Status, "stage", run.Stage)
		if run.Status == StatusFailed {
			m.logger.Warn(op, append(attrs, "reason", run.Error)...)
			return
		}
	}
	m.logger.Info(op, attrs...)
}

func (m *loggingMiddleware) Get(ctx context.Context, id string) (*Run, error) {
	start := time.Now()
	run, err := m.next.Get(ctx, id)
	m.logger.Debug("Get", "id", id, "duration", time.Since(start), "error", err)
	return run, err
}

func (m *loggingMiddleware) List(ctx context.Context, filter ListFilter, pagination PaginationParams) (*ListResult, error) {
	start := time.Now()
	res, err := m.next.List(ctx, filter, pagination)
	m.logger.Debug("List", "project", filter.Project, "status", filter.Status, "limit", pagination.Limit, "duration", time.Since(start), "error", err)
	return res, err
}
