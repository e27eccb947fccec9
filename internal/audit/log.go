package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"zakat.org/internal/auth"
	"zakat.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

const redacted = "[redacted]"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and caller
// context. Fields whose name mentions an SSN are never written.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if id, ok := auth.IdentityFromContext(ctx); ok && id.Authenticated() {
		entry["user_id"] = id.UserID
		entry["role"] = string(id.Role)
		if id.MasjidID != "" {
			entry["masjid_id"] = id.MasjidID
		}
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		if strings.Contains(strings.ToLower(k), "ssn") {
			v = redacted
		}
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
