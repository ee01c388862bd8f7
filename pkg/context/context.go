package context

import "context"

type ContextKey string

var (
	RequestIDKey = ContextKey("X-Request-Id")
	TenantIDKey  = ContextKey("X-Tenant-Id")
	JobIDKey     = ContextKey("X-Sync-Job-Id")
	StageKey     = ContextKey("X-Sync-Stage")
)

func getString(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

func SetTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

func GetTenantID(ctx context.Context) string {
	return getString(ctx, TenantIDKey)
}

// SetJobID tags the context with the sync job being worked on so log lines
// emitted deep inside a stage can be correlated with the job row.
func SetJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

func GetJobID(ctx context.Context) string {
	return getString(ctx, JobIDKey)
}

func SetStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, StageKey, stage)
}

func GetStage(ctx context.Context) string {
	return getString(ctx, StageKey)
}

// Fields returns the correlation values present on ctx, ready for WithFields.
func Fields(ctx context.Context) map[string]any {
	fields := map[string]any{}
	for key, name := range map[ContextKey]string{
		RequestIDKey: "request_id",
		TenantIDKey:  "tenant_id",
		JobIDKey:     "job_id",
		StageKey:     "stage",
	} {
		if v := getString(ctx, key); v != "" {
			fields[name] = v
		}
	}
	return fields
}
