package domain

import (
	"context"
	"log/slog"
	"time"
)

// loggingService is the interface required for logging middleware.
type loggingService interface {
	Import(ctx context.Context, ownerID string, req ImportRequest) (*Project, error)
	Get(ctx context.Context, name string) (*Project, error)
	List(ctx context.Context, pagination PaginationParams) (*ListResult, error)
	Delete(ctx context.Context, name, ownerID string) error
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

func (m *loggingMiddleware) Import(ctx context.Context, ownerID string, req ImportRequest) (*Project, error) {
	start := time.Now()
	p, err := m.next.Import(ctx, ownerID, req)
	attrs := []any{"name", req.Name, "dir", req.Dir, "duration", time.Since(start), "error", err}
	if p != nil {
		attrs = append(attrs, "target", p.TargetContract, "chainId", p.ChainID, "address", p.Address)
	}
	m.logger.Info("Import", attrs...)
	return p, err
}

func (m *loggingMiddleware) Get(ctx context.Context, name string) (*Project, error) {
	start := time.Now()
	p, err := m.next.Get(ctx, name)
	m.logger.Debug("Get", "name", name, "duration", time.Since(start), "error", err)
	return p, err
}

func (m *loggingMiddleware) List(ctx context.Context, pagination PaginationParams) (*ListResult, error) {
	start := time.Now()
	res, err := m.next.List(ctx, pagination)
	m.logger.Debug("List", "limit", pagination.Limit, "cursor", pagination.Cursor, "duration", time.Since(start), "error", err)
	return res, err
}

func (m *loggingMiddleware) Delete(ctx context.Context, name, ownerID string) error {
	start := time.Now()
	err := m.next.Delete(ctx, name, ownerID)
	m.logger.Info("Delete", "name", name, "duration", time.Since(start), "error", err)
	return err
}
