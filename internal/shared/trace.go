package shared

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type ctxKey int

const (
	traceIDKey ctxKey = iota
	clientIPKey
)

// WithTraceID attaches the correlation id logged with every line of a
// request or sweep tick.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID returns "-" when ctx carries no id.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		return v
	}
	return "-"
}

func NewTraceID() string {
	return uuid.NewString()
}

// AdoptTraceID keeps a caller-supplied id when it is a UUID and mints a
// fresh one otherwise, so arbitrary header text never reaches the logs.
func AdoptTraceID(supplied string) string {
	id, err := uuid.Parse(strings.TrimSpace(supplied))
	if err != nil || id == uuid.Nil {
		return NewTraceID()
	}
	return id.String()
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIP returns "" when ctx carries no address.
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}
