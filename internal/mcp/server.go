// Package mcp serves the stream transport: newline-delimited JSON-RPC 2.0
// over stdin/stdout for editor and agent integrations.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prodpipe/prodpipe/internal/pipeline"
	"github.com/prodpipe/prodpipe/internal/tools"
	"github.com/prodpipe/prodpipe/pkg/observability"
)

// Protocol constants.
const (
	jsonRPCVersion  = "2.0"
	protocolVersion = "2024-11-05"

	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// maxLineBytes bounds one inbound frame.
const maxLineBytes = 10 * 1024 * 1024

// request is one inbound JSON-RPC frame. A nil ID marks a notification.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response is one outbound JSON-RPC frame.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// callParams is the tools/call parameter shape.
type callParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// toolContent is one entry of a tools/call result.
type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// callResult is the tools/call result shape: the pipeline response as a
// single text content item.
type callResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// Server runs the stream transport over a reader/writer pair.
type Server struct {
	handler *pipeline.Handler
	logger  observability.Logger
	version string

	writeMu sync.Mutex
	out     io.Writer
}

// NewServer builds the stream transport over the shared pipeline handler.
func NewServer(handler *pipeline.Handler, out io.Writer, logger observability.Logger, version string) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Server{
		handler: handler,
		logger:  logger.WithPrefix("mcp"),
		version: version,
		out:     out,
	}
}

// Serve reads frames until EOF or context cancellation. Malformed frames
// get an error response; notifications get none.
func (s *Server) Serve(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(response{
				JSONRPC: jsonRPCVersion,
				Error:   &rpcError{Code: codeParseError, Message: "parse error"},
			})
			continue
		}

		s.dispatch(ctx, req)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream transport: %w", err)
	}
	return nil
}

// dispatch routes one frame to its method handler.
func (s *Server) dispatch(ctx context.Context, req request) {
	if req.JSONRPC != jsonRPCVersion {
		s.reply(req, nil, &rpcError{Code: codeInvalidRequest, Message: "unsupported jsonrpc version"})
		return
	}

	switch req.Method {
	case "initialize":
		s.reply(req, s.initializeResult(), nil)

	case "ping":
		s.reply(req, map[string]interface{}{}, nil)

	case "notifications/initialized":
		// Notification; nothing to send.

	case "tools/list":
		s.reply(req, map[string]interface{}{"tools": tools.Catalog()}, nil)

	case "tools/call":
		s.handleCall(ctx, req)

	default:
		s.reply(req, nil, &rpcError{
			Code:    codeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		})
	}
}

// initializeResult advertises the server's capabilities.
func (s *Server) initializeResult() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{},
		},
		"serverInfo": map[string]interface{}{
			"name":    "prodpipe",
			"version": s.version,
		},
	}
}

// handleCall runs one tools/call through the pipeline. Tool failures are
// reported as isError results, not protocol errors, so clients can show
// them to the user.
func (s *Server) handleCall(ctx context.Context, req request) {
	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		s.reply(req, nil, &rpcError{Code: codeInvalidParams, Message: "tools/call requires a tool name"})
		return
	}
	if params.Arguments == nil {
		params.Arguments = map[string]interface{}{}
	}

	rc := &pipeline.RequestContext{
		CorrelationID: pipeline.NewCorrelationID(),
		StartedAt:     time.Now(),
		Transport:     "stdio",
	}
	callCtx := pipeline.WithRequestContext(ctx, rc)

	resp, pipeErr := s.handler.Execute(callCtx, params.Name, params.Arguments, "mcp-stdio", true)
	if pipeErr != nil {
		s.logger.Warn("Tool call failed", map[string]interface{}{
			"correlation_id": rc.CorrelationID,
			"tool":           params.Name,
			"code":           pipeErr.Code,
		})
		s.reply(req, errorCallResult(pipeErr), nil)
		return
	}

	payload := map[string]interface{}{
		"tool":           resp.Tool,
		"data":           resp.Data,
		"sources":        resp.Sources,
		"cached":         resp.Cached,
		"cache_strategy": resp.CacheStrategy,
		"correlation_id": rc.CorrelationID,
	}
	if len(resp.PartialFailures) > 0 {
		payload["partial_failures"] = resp.PartialFailures
	}

	text, err := json.Marshal(payload)
	if err != nil {
		s.reply(req, errorCallResult(pipeline.Classify(err)), nil)
		return
	}

	s.reply(req, callResult{
		Content: []toolContent{{Type: "text", Text: string(text)}},
	}, nil)
}

// errorCallResult wraps a pipeline error as an isError tool result.
func errorCallResult(pipeErr *pipeline.Error) callResult {
	text, err := json.Marshal(map[string]interface{}{"error": pipeErr.Sanitized()})
	if err != nil {
		text = []byte(fmt.Sprintf(`{"error":{"code":%q}}`, pipeErr.Code))
	}
	return callResult{
		Content: []toolContent{{Type: "text", Text: string(text)}},
		IsError: true,
	}
}

// reply sends a response unless the frame was a notification.
func (s *Server) reply(req request, result interface{}, rpcErr *rpcError) {
	if req.ID == nil {
		return
	}
	s.write(response{
		JSONRPC: jsonRPCVersion,
		ID:      req.ID,
		Result:  result,
		Error:   rpcErr,
	})
}

// write emits one frame followed by a newline. Serialized so concurrent
// callers cannot interleave frames.
func (s *Server) write(resp response) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to marshal response frame", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	data = append(data, '\n')
	if _, err := s.out.Write(data); err != nil {
		s.logger.Error("Failed to write response frame", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
