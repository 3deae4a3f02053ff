package logging

import (
	"context"
	"log/slog"
)

type contextKey struct{}

type contextFields struct {
	jobID     string
	taskID    string
	tenantID  string
	stage     string
	requestID string
}

func fieldsFrom(ctx context.Context) contextFields {
	if ctx == nil {
		return contextFields{}
	}
	fields, _ := ctx.Value(contextKey{}).(contextFields)
	return fields
}

// WithJob attaches a job identifier to the context for downstream log lines.
func WithJob(ctx context.Context, jobID string) context.Context {
	fields := fieldsFrom(ctx)
	fields.jobID = jobID
	return context.WithValue(ctx, contextKey{}, fields)
}

// WithTask attaches a task identifier to the context.
func WithTask(ctx context.Context, taskID string) context.Context {
	fields := fieldsFrom(ctx)
	fields.taskID = taskID
	return context.WithValue(ctx, contextKey{}, fields)
}

// WithTenant attaches a tenant identifier to the context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	fields := fieldsFrom(ctx)
	fields.tenantID = tenantID
	return context.WithValue(ctx, contextKey{}, fields)
}

// WithStage attaches a stage name to the context.
func WithStage(ctx context.Context, stage string) context.Context {
	fields := fieldsFrom(ctx)
	fields.stage = stage
	return context.WithValue(ctx, contextKey{}, fields)
}

// WithRequest attaches a request identifier to the context.
func WithRequest(ctx context.Context, requestID string) context.Context {
	fields := fieldsFrom(ctx)
	fields.requestID = requestID
	return context.WithValue(ctx, contextKey{}, fields)
}

// WithContext returns a logger enriched with whatever identifiers the context carries.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := fieldsFrom(ctx)
	attrs := make([]any, 0, 5)
	if fields.jobID != "" {
		attrs = append(attrs, String(FieldJobID, fields.jobID))
	}
	if fields.taskID != "" {
		attrs = append(attrs, String(FieldTaskID, fields.taskID))
	}
	if fields.tenantID != "" {
		attrs = append(attrs, String(FieldTenantID, fields.tenantID))
	}
	if fields.stage != "" {
		attrs = append(attrs, String(FieldStage, fields.stage))
	}
	if fields.requestID != "" {
		attrs = append(attrs, String(FieldRequestID, fields.requestID))
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
