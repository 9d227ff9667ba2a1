package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/prodpipe/prodpipe/internal/metrics"
	"github.com/prodpipe/prodpipe/internal/pipeline"
	"github.com/prodpipe/prodpipe/internal/tools"
)

// mcpCallRequest is the POST /mcp/call body.
type mcpCallRequest struct {
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
}

// readArgs decodes the request body into an argument map. A missing body
// yields an empty map so tools with no required fields still work.
func readArgs(c *gin.Context) (map[string]interface{}, *pipeline.Error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, pipeline.NewRequestTooLargeError(c.Request.ContentLength, maxErr.Limit)
		}
		return nil, pipeline.NewBadRequestError("failed to read request body")
	}
	if len(body) == 0 {
		return map[string]interface{}{}, nil
	}

	var args map[string]interface{}
	if err := json.Unmarshal(body, &args); err != nil {
		return nil, pipeline.NewBadRequestError("request body is not valid JSON")
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

// registerRoutes mounts every endpoint on the router.
func (s *Server) registerRoutes(r *gin.Engine) {
	// Health and probes stay outside auth so orchestrators can reach them.
	r.GET("/health", s.health.handleHealth)
	r.GET("/health/detailed", s.health.handleHealthDetailed)
	r.GET("/health/cache", s.health.handleHealthCache)
	r.GET("/health/sources", s.health.handleHealthSources)
	r.GET("/health/performance", s.health.handleHealthPerformance)
	r.GET("/ready", s.health.handleReady)
	r.GET("/live", s.health.handleLive)

	r.GET("/metrics", s.handleMetrics)

	auth := AuthMiddleware(s.config.Server.AuthToken)

	mcp := r.Group("/mcp", auth)
	mcp.POST("/call", s.handleMCPCall)

	api := r.Group("/api", auth)
	api.POST("/search", s.toolRoute(tools.ToolSearchKnowledgeBase))
	api.POST("/runbooks/search", s.toolRoute(tools.ToolSearchRunbooks))
	api.POST("/decision-tree", s.toolRoute(tools.ToolGetDecisionTree))
	api.POST("/escalation", s.toolRoute(tools.ToolGetEscalationPath))
	api.POST("/feedback", s.toolRoute(tools.ToolRecordFeedback))
	api.GET("/procedures/:id", s.handleGetProcedure)
	api.POST("/procedures/:id/execute", s.handleExecuteProcedure)
	api.GET("/sources", s.handleListSources)

	ops := r.Group("", auth)
	ops.GET("/performance", s.handlePerformanceReport)
	ops.POST("/performance/reset", s.handlePerformanceReset)
	ops.GET("/monitoring/status", s.handleMonitoringStatus)
	ops.GET("/monitoring/alerts", s.handleMonitoringAlerts)
	ops.GET("/monitoring/alerts/active", s.handleMonitoringActiveAlerts)
	ops.GET("/monitoring/rules", s.handleMonitoringRules)
	ops.POST("/monitoring/alerts/:id/resolve", s.handleResolveAlert)
	ops.GET("/circuit-breakers", s.handleCircuitBreakers)
	ops.POST("/circuit-breakers/:name/reset", s.handleResetBreaker)
}

// toolRoute binds one tool to a POST endpoint taking the arguments as the
// request body.
func (s *Server) toolRoute(tool string) gin.HandlerFunc {
	return func(c *gin.Context) {
		args, pipeErr := readArgs(c)
		if pipeErr != nil {
			pipeline.WriteError(c, pipeErr)
			return
		}
		s.handler.HandleHTTP(c, tool, args)
	}
}

// handleMCPCall serves POST /mcp/call: the HTTP flavor of tools/call.
func (s *Server) handleMCPCall(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			pipeline.WriteError(c, pipeline.NewRequestTooLargeError(c.Request.ContentLength, maxErr.Limit))
			return
		}
		pipeline.WriteError(c, pipeline.NewBadRequestError("failed to read request body"))
		return
	}

	var req mcpCallRequest
	if err := json.Unmarshal(body, &req); err != nil {
		pipeline.WriteError(c, pipeline.NewBadRequestError("request body is not valid JSON"))
		return
	}
	if strings.TrimSpace(req.Tool) == "" {
		pipeline.WriteError(c, pipeline.NewBadRequestError("tool is required"))
		return
	}
	if req.Arguments == nil {
		req.Arguments = map[string]interface{}{}
	}

	s.handler.HandleHTTP(c, req.Tool, req.Arguments)
}

// handleGetProcedure serves GET /api/procedures/:id.
func (s *Server) handleGetProcedure(c *gin.Context) {
	args := map[string]interface{}{"procedure_id": c.Param("id")}
	s.handler.HandleHTTP(c, tools.ToolGetProcedure, args)
}

// handleExecuteProcedure serves POST /api/procedures/:id/execute. Execution
// fetches the procedure fresh and returns its steps as the plan; the path is
// deliberately outside cache interception.
func (s *Server) handleExecuteProcedure(c *gin.Context) {
	args := map[string]interface{}{"procedure_id": c.Param("id")}
	s.handler.HandleHTTP(c, tools.ToolGetProcedure, args)
}

// handleListSources serves GET /api/sources with the optional
// include_health query flag.
func (s *Server) handleListSources(c *gin.Context) {
	args := map[string]interface{}{}
	if v := c.Query("include_health"); v != "" {
		args["include_health"] = v == "true" || v == "1"
	}
	s.handler.HandleHTTP(c, tools.ToolListSources, args)
}

// handleMetrics serves GET /metrics: JSON by default, Prometheus exposition
// with ?format=prometheus.
func (s *Server) handleMetrics(c *gin.Context) {
	if c.Query("format") == "prometheus" {
		s.promHandler.ServeHTTP(c.Writer, c.Request)
		return
	}
	c.JSON(http.StatusOK, metrics.BuildJSONSnapshot(c.Request.Context(), s.monitor, s.cacheSvc, s.registry, s.breakers))
}

// handlePerformanceReport serves GET /performance.
func (s *Server) handlePerformanceReport(c *gin.Context) {
	pipeline.WriteSuccess(c, s.monitor.GenerateReport())
}

// handlePerformanceReset serves POST /performance/reset.
func (s *Server) handlePerformanceReset(c *gin.Context) {
	s.monitor.Reset()
	pipeline.WriteSuccess(c, gin.H{"reset": true})
}

// handleMonitoringStatus serves GET /monitoring/status.
func (s *Server) handleMonitoringStatus(c *gin.Context) {
	pipeline.WriteSuccess(c, s.alerting.GetStatus())
}

// handleMonitoringAlerts serves GET /monitoring/alerts: the retained
// history, oldest first.
func (s *Server) handleMonitoringAlerts(c *gin.Context) {
	pipeline.WriteSuccess(c, gin.H{"alerts": s.alerting.History()})
}

// handleMonitoringActiveAlerts serves GET /monitoring/alerts/active.
func (s *Server) handleMonitoringActiveAlerts(c *gin.Context) {
	pipeline.WriteSuccess(c, gin.H{"alerts": s.alerting.ActiveAlerts()})
}

// handleMonitoringRules serves GET /monitoring/rules. Predicates are code,
// so only the declarative fields are emitted.
func (s *Server) handleMonitoringRules(c *gin.Context) {
	rules := s.alerting.Rules()
	out := make([]gin.H, 0, len(rules))
	for _, rule := range rules {
		out = append(out, gin.H{
			"id":          rule.ID,
			"severity":    rule.Severity,
			"description": rule.Description,
			"cooldown":    rule.Cooldown.String(),
			"enabled":     rule.Enabled,
		})
	}
	pipeline.WriteSuccess(c, gin.H{"rules": out})
}

// handleResolveAlert serves POST /monitoring/alerts/:id/resolve; 404 when
// the alert is not active.
func (s *Server) handleResolveAlert(c *gin.Context) {
	id := c.Param("id")
	if err := s.alerting.ResolveAlert(id); err != nil {
		pipeline.WriteError(c, pipeline.NewNotFoundError(err.Error()))
		return
	}
	pipeline.WriteSuccess(c, gin.H{"resolved": id})
}

// handleCircuitBreakers serves GET /circuit-breakers.
func (s *Server) handleCircuitBreakers(c *gin.Context) {
	pipeline.WriteSuccess(c, gin.H{
		"breakers": s.breakers.GetAllStats(),
		"summary":  s.breakers.HealthSummary(),
	})
}

// handleResetBreaker serves POST /circuit-breakers/:name/reset; 404 when no
// breaker is registered under the name.
func (s *Server) handleResetBreaker(c *gin.Context) {
	name := c.Param("name")
	if err := s.breakers.ResetBreaker(name); err != nil {
		pipeline.WriteError(c, pipeline.NewNotFoundError(err.Error()))
		return
	}
	pipeline.WriteSuccess(c, gin.H{"reset": name})
}
