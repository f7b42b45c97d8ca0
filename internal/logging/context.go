package logging

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	taskIDKey contextKey = "task_id"
	stageKey  contextKey = "stage"
)

// WithTaskID returns a context whose log entries carry the task identifier.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// WithStage returns a context whose log entries carry the stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey, stage)
}

// ContextFields extracts log fields from the context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	if v, ok := ctx.Value(taskIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("task_id", v))
	}
	if v, ok := ctx.Value(stageKey).(string); ok && v != "" {
		fields = append(fields, zap.String("stage", v))
	}
	return fields
}
