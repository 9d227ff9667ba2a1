package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodpipe/prodpipe/pkg/observability"
)

var correlationIDPattern = regexp.MustCompile(`^req_\d{8}T\d{6}_[0-9a-f]{8}$`)

// TestNewCorrelationID tests the generated id shape
func TestNewCorrelationID(t *testing.T) {
	id := NewCorrelationID()
	assert.Regexp(t, correlationIDPattern, id)

	// Two ids generated back to back differ in the random suffix.
	assert.NotEqual(t, id, NewCorrelationID())
}

// TestAcceptCorrelationID tests inbound id validation
func TestAcceptCorrelationID(t *testing.T) {
	id, accepted := AcceptCorrelationID("client-trace-42")
	assert.True(t, accepted)
	assert.Equal(t, "client-trace-42", id)

	id, accepted = AcceptCorrelationID("  padded  ")
	assert.True(t, accepted)
	assert.Equal(t, "padded", id)

	_, accepted = AcceptCorrelationID("")
	assert.False(t, accepted)

	_, accepted = AcceptCorrelationID(strings.Repeat("x", 101))
	assert.False(t, accepted)

	id, accepted = AcceptCorrelationID("bad\x00id")
	assert.False(t, accepted)
	assert.Regexp(t, correlationIDPattern, id, "replacement is a generated id")
}

// TestGetRequestContext_Fallback tests the zero-value fallback outside a
// request
func TestGetRequestContext_Fallback(t *testing.T) {
	rc := GetRequestContext(context.Background())
	require.NotNil(t, rc)
	assert.Equal(t, "unknown", rc.CorrelationID)
}

// TestCorrelationMiddleware tests id acceptance, replacement and echo
func TestCorrelationMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CorrelationMiddleware("http", observability.NewNoopLogger()))

	var seen *RequestContext
	router.GET("/x", func(c *gin.Context) {
		seen = GetRequestContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	// Valid inbound id is kept.
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set(HeaderCorrelationID, "trace-1")
	router.ServeHTTP(w, req)

	assert.Equal(t, "trace-1", w.Header().Get(HeaderCorrelationID))
	require.NotNil(t, seen)
	assert.Equal(t, "trace-1", seen.CorrelationID)
	assert.Equal(t, "http", seen.Transport)

	// Oversized inbound id is replaced.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/x", nil)
	req.Header.Set(HeaderCorrelationID, strings.Repeat("y", 200))
	router.ServeHTTP(w, req)
	assert.Regexp(t, correlationIDPattern, w.Header().Get(HeaderCorrelationID))

	// No inbound id gets a generated one.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
	assert.Regexp(t, correlationIDPattern, w.Header().Get(HeaderCorrelationID))
}
