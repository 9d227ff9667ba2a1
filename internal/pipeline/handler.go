package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/prodpipe/prodpipe/internal/cache"
	"github.com/prodpipe/prodpipe/internal/tools"
	"github.com/prodpipe/prodpipe/pkg/observability"
)

// ToolResponse is the shaped outcome of one tool call, ready for either
// transport to envelope.
type ToolResponse struct {
	Tool            string
	Data            interface{}
	Sources         []string
	PartialFailures []tools.AdapterFailure
	CacheStatus     string // HIT, MISS, ERROR or empty for uncacheable tools
	CacheStrategy   string
	Cached          bool
}

// Handler runs the transport-independent pipeline stages for one tool
// call: validation, transform, cache interception, dispatch and the
// post-success cache store.
type Handler struct {
	validator   *Validator
	transformer *Transformer
	cache       *cache.Service
	dispatcher  *tools.Dispatcher
	logger      observability.Logger
}

// NewHandler wires the pipeline stages.
func NewHandler(validator *Validator, transformer *Transformer, cacheSvc *cache.Service, dispatcher *tools.Dispatcher, logger observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Handler{
		validator:   validator,
		transformer: transformer,
		cache:       cacheSvc,
		dispatcher:  dispatcher,
		logger:      logger,
	}
}

// Execute runs one tool call through the pipeline. The useCache flag lets
// transports exclude endpoints from interception (feedback, execution).
func (h *Handler) Execute(ctx context.Context, tool string, args map[string]interface{}, userAgent string, useCache bool) (*ToolResponse, *Error) {
	log := RequestLogger(ctx, h.logger)

	if !tools.IsKnown(tool) {
		return nil, NewNotFoundError(fmt.Sprintf("unknown tool: %s", tool))
	}

	ctx, span := observability.StartSpan(ctx, "tools/"+tool)
	defer span.End()

	// Stage: schema validation.
	violations, err := h.validator.Validate(tool, args)
	if err != nil {
		return nil, Classify(err)
	}
	if len(violations) > 0 {
		return nil, NewValidationError(violations)
	}

	// Stage: per-tool transform.
	transformed, pipeErr := h.transformer.Transform(tool, args, userAgent)
	if pipeErr != nil {
		return nil, pipeErr
	}

	rc := GetRequestContext(ctx)
	rc.ToolName = tool
	rc.Arguments = transformed.Args

	strategy := SelectStrategy(tool, transformed.Hints)

	response := &ToolResponse{
		Tool:          tool,
		CacheStrategy: strategy,
	}

	// Stage: cache interception.
	fingerprint, haveFingerprint := BuildFingerprint(tool, transformed.Args)
	intercept := useCache && haveFingerprint && h.cache != nil && h.cache.Enabled()

	if intercept {
		payload, found, cacheErr := h.cache.Get(ctx, fingerprint)
		switch {
		case cacheErr != nil:
			response.CacheStatus = CacheError
			log.Warn("Cache probe failed, continuing without cache", map[string]interface{}{
				"tool":  tool,
				"error": cacheErr.Error(),
			})
		case found:
			response.CacheStatus = CacheHit
			response.Cached = true
			response.Data = payload
			return response, nil
		default:
			response.CacheStatus = CacheMiss
		}
	}

	// Stage: dispatch under the severity-tiered timeout.
	dispatchCtx, cancel := context.WithTimeout(ctx, transformed.Timeout)
	defer cancel()

	result, err := h.dispatcher.Dispatch(dispatchCtx, tool, transformed.Args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// Deadline expiry must not mutate the cache.
			return nil, NewTimeoutError(transformed.Timeout)
		}
		return nil, Classify(err)
	}

	response.Data = result.Data
	response.Sources = result.Sources
	response.PartialFailures = result.PartialFailures

	// Stage: store on success, with the strategy-derived TTL.
	if intercept && response.CacheStatus != CacheError {
		ttl := DeriveTTL(strategy, time.Now(), 0)
		if err := h.cache.SetWithTTL(ctx, fingerprint, result.Data, ttl); err != nil {
			log.Warn("Cache store failed", map[string]interface{}{
				"tool":  tool,
				"error": err.Error(),
			})
		}
	}

	return response, nil
}

// HandleHTTP runs Execute for an HTTP request and writes the enveloped
// response, cache headers included.
func (h *Handler) HandleHTTP(c *gin.Context, tool string, args map[string]interface{}) {
	useCache := CacheableRequest(c.Request.Method, c.FullPath())

	response, pipeErr := h.Execute(c.Request.Context(), tool, args, c.Request.UserAgent(), useCache)
	if pipeErr != nil {
		WriteError(c, pipeErr)
		return
	}

	if response.CacheStatus != "" {
		c.Header(HeaderCache, response.CacheStatus)
	}
	if response.CacheStrategy != "" {
		c.Header(HeaderCacheStrategy, response.CacheStrategy)
	}

	WriteSuccessMeta(c, response.Data, func(meta *Metadata) {
		meta.ToolName = tool
		meta.CacheStrategy = response.CacheStrategy
		meta.Cached = response.Cached
	})
}
