package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/prodpipe/prodpipe/pkg/observability"
)

// HeaderCorrelationID carries the correlation id on both directions.
const HeaderCorrelationID = "X-Correlation-ID"

// maxCorrelationIDLength bounds inbound correlation ids; longer ones are
// replaced and the event logged.
const maxCorrelationIDLength = 100

// contextKey is the private type for pipeline context values.
type contextKey int

const (
	requestContextKey contextKey = iota
)

// RequestContext travels with one request through every stage.
type RequestContext struct {
	CorrelationID string                 `json:"correlation_id"`
	StartedAt     time.Time              `json:"started_at"`
	ToolName      string                 `json:"tool_name,omitempty"`
	Arguments     map[string]interface{} `json:"-"`
	Transport     string                 `json:"transport"`
}

// NewCorrelationID generates "req_<YYYYMMDDThhmmss>_<8 hex>".
func NewCorrelationID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("req_%s_%s", time.Now().UTC().Format("20060102T150405"), suffix)
}

// AcceptCorrelationID validates an inbound id: non-empty, printable, at
// most 100 characters. Anything else is replaced.
func AcceptCorrelationID(inbound string) (id string, accepted bool) {
	trimmed := strings.TrimSpace(inbound)
	if trimmed == "" || len(trimmed) > maxCorrelationIDLength {
		return NewCorrelationID(), false
	}
	for _, r := range trimmed {
		if r < 0x20 || r == 0x7f {
			return NewCorrelationID(), false
		}
	}
	return trimmed, true
}

// WithRequestContext stores the request context on a context.Context.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// GetRequestContext recovers the request context; callers outside a request
// get a zero-valued fallback rather than a nil dereference.
func GetRequestContext(ctx context.Context) *RequestContext {
	if rc, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
		return rc
	}
	return &RequestContext{CorrelationID: "unknown", StartedAt: time.Now()}
}

// CorrelationMiddleware stamps every request with a correlation id, echoes
// it on the response and installs the request context.
func CorrelationMiddleware(transport string, logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		inbound := c.GetHeader(HeaderCorrelationID)
		id, accepted := AcceptCorrelationID(inbound)
		if inbound != "" && !accepted {
			logger.Warn("Inbound correlation id replaced", map[string]interface{}{
				"correlation_id": id,
				"inbound_length": len(inbound),
			})
		}

		rc := &RequestContext{
			CorrelationID: id,
			StartedAt:     time.Now(),
			Transport:     transport,
		}

		c.Request = c.Request.WithContext(WithRequestContext(c.Request.Context(), rc))
		c.Header(HeaderCorrelationID, id)
		c.Next()
	}
}

// RequestLogger returns a logger carrying the request's correlation id so
// every line produced during the request is attributable.
func RequestLogger(ctx context.Context, base observability.Logger) observability.Logger {
	rc := GetRequestContext(ctx)
	return base.With(map[string]interface{}{
		"correlation_id": rc.CorrelationID,
	})
}
