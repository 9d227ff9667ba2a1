package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Response headers set by the pipeline.
const (
	HeaderCache           = "X-Cache"
	HeaderCacheStrategy   = "X-Cache-Strategy"
	HeaderResponseTime    = "X-Response-Time"
	HeaderPerformanceTier = "X-Performance-Tier"
)

// Cache header values
const (
	CacheHit   = "HIT"
	CacheMiss  = "MISS"
	CacheError = "ERROR"
)

// Metadata annotates every response envelope.
type Metadata struct {
	CorrelationID   string `json:"correlation_id"`
	Timestamp       string `json:"timestamp"`
	ToolName        string `json:"tool_name,omitempty"`
	PerformanceTier string `json:"performance_tier"`
	CacheStrategy   string `json:"cache_strategy,omitempty"`
	Cached          bool   `json:"cached,omitempty"`
}

// Envelope is the success response shape.
type Envelope struct {
	Success  bool        `json:"success"`
	Data     interface{} `json:"data"`
	Metadata Metadata    `json:"metadata"`
}

// ErrorEnvelope is the failure response shape.
type ErrorEnvelope struct {
	Success  bool     `json:"success"`
	Error    *Error   `json:"error"`
	Metadata Metadata `json:"metadata"`
}

// tierThresholds are the per-endpoint-class latency boundaries in ms, in
// excellent/good/acceptable/slow order; anything above the last is
// "critical".
type tierThresholds [4]float64

var (
	// Runbook and escalation lookups back live incident response.
	tierIncident = tierThresholds{150, 300, 500, 1000}
	// Knowledge-base search fans out across sources.
	tierSearch = tierThresholds{300, 800, 1500, 3000}
	// Everything else.
	tierDefault = tierThresholds{200, 500, 1000, 2000}
)

// thresholdsForPath picks the tier table for an endpoint path.
func thresholdsForPath(path string) tierThresholds {
	switch {
	case strings.Contains(path, "/runbooks") || strings.Contains(path, "/escalation"):
		return tierIncident
	case strings.Contains(path, "/search"):
		return tierSearch
	default:
		return tierDefault
	}
}

// PerformanceTier classifies one request's latency for its path.
func PerformanceTier(path string, elapsed time.Duration) string {
	ms := float64(elapsed) / float64(time.Millisecond)
	t := thresholdsForPath(path)
	switch {
	case ms < t[0]:
		return "excellent"
	case ms < t[1]:
		return "good"
	case ms < t[2]:
		return "acceptable"
	case ms < t[3]:
		return "slow"
	default:
		return "critical"
	}
}

// buildMetadata assembles the envelope metadata from the request context.
func buildMetadata(c *gin.Context) Metadata {
	rc := GetRequestContext(c.Request.Context())
	elapsed := time.Since(rc.StartedAt)
	return Metadata{
		CorrelationID:   rc.CorrelationID,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		ToolName:        rc.ToolName,
		PerformanceTier: PerformanceTier(c.FullPath(), elapsed),
	}
}

// stampTiming sets the response-time and tier headers just before the body
// is written.
func stampTiming(c *gin.Context, meta Metadata) {
	rc := GetRequestContext(c.Request.Context())
	elapsed := time.Since(rc.StartedAt)
	c.Header(HeaderResponseTime, fmt.Sprintf("%.1fms", float64(elapsed)/float64(time.Millisecond)))
	c.Header(HeaderPerformanceTier, meta.PerformanceTier)
}

// WriteSuccess emits the success envelope with status 200.
func WriteSuccess(c *gin.Context, data interface{}) {
	WriteSuccessMeta(c, data, nil)
}

// WriteSuccessMeta emits the success envelope after letting the caller
// decorate the metadata (cache annotations, strategy labels).
func WriteSuccessMeta(c *gin.Context, data interface{}, decorate func(*Metadata)) {
	meta := buildMetadata(c)
	if decorate != nil {
		decorate(&meta)
	}
	stampTiming(c, meta)
	c.JSON(200, Envelope{Success: true, Data: data, Metadata: meta})
}

// WriteError emits the failure envelope with the error's mapped status.
// Sensitive fields are stripped from the emitted error.
func WriteError(c *gin.Context, pipeErr *Error) {
	meta := buildMetadata(c)
	stampTiming(c, meta)
	c.JSON(pipeErr.HTTPStatus(), ErrorEnvelope{
		Success:  false,
		Error:    pipeErr.Sanitized(),
		Metadata: meta,
	})
}
