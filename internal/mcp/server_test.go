package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodpipe/prodpipe/internal/adapters"
	"github.com/prodpipe/prodpipe/internal/adapters/file"
	"github.com/prodpipe/prodpipe/internal/cache"
	"github.com/prodpipe/prodpipe/internal/config"
	"github.com/prodpipe/prodpipe/internal/perf"
	"github.com/prodpipe/prodpipe/internal/pipeline"
	"github.com/prodpipe/prodpipe/internal/resilience"
	"github.com/prodpipe/prodpipe/internal/tools"
)

// frame mirrors the outbound response shape for assertions.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newTestHandler(t *testing.T) *pipeline.Handler {
	t.Helper()

	dir := t.TempDir()
	doc := "---\ntitle: Disk Pressure Response\ntype: runbook\ntriggers:\n  - disk_pressure\n---\nFree disk space.\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "disk-pressure.md"), []byte(doc), 0o644))

	breakers := resilience.NewRegistry(nil)

	cacheCfg := cache.DefaultConfig()
	cacheCfg.Strategy = cache.StrategyMemoryOnly
	memory, err := cache.NewMemoryCache(cacheCfg.Memory, nil)
	require.NoError(t, err)
	cacheSvc := cache.NewService(cacheCfg, memory, nil, nil, breakers, nil)
	t.Cleanup(func() { _ = cacheSvc.Close() })

	registry := adapters.NewRegistry(nil)
	registry.RegisterFactory(file.AdapterType, func(src config.SourceConfig) (adapters.Adapter, error) {
		return file.New(src, nil)
	})
	_, err = registry.Create(context.Background(), config.SourceConfig{
		Name:    "local-docs",
		Type:    file.AdapterType,
		Enabled: true,
		Config:  map[string]interface{}{"base_paths": []interface{}{dir}},
	})
	require.NoError(t, err)
	t.Cleanup(registry.Cleanup)

	dispatcher := tools.NewDispatcher(registry, breakers, perf.NewMonitor(perf.DefaultConfig(), nil), nil)
	validator, err := pipeline.NewValidator()
	require.NoError(t, err)
	return pipeline.NewHandler(validator, pipeline.NewTransformer(), cacheSvc, dispatcher, nil)
}

// serve runs the given input frames through a fresh server and returns the
// response frames in order.
func serve(t *testing.T, input string) []frame {
	t.Helper()

	var out bytes.Buffer
	server := NewServer(newTestHandler(t), &out, nil, "test")
	require.NoError(t, server.Serve(context.Background(), strings.NewReader(input)))

	var frames []frame
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var f frame
		require.NoError(t, json.Unmarshal([]byte(line), &f), line)
		frames = append(frames, f)
	}
	return frames
}

func decodeResult(t *testing.T, f frame) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(f.Result, &result))
	return result
}

// callText unwraps the text payload of a tools/call result.
func callText(t *testing.T, f frame) (string, bool) {
	t.Helper()
	var result struct {
		Content []toolContent `json:"content"`
		IsError bool          `json:"isError"`
	}
	require.NoError(t, json.Unmarshal(f.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	return result.Content[0].Text, result.IsError
}

// TestInitialize tests the handshake result
func TestInitialize(t *testing.T) {
	frames := serve(t, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`+"\n")
	require.Len(t, frames, 1)
	require.Nil(t, frames[0].Error)
	assert.Equal(t, "2.0", frames[0].JSONRPC)
	assert.Equal(t, "1", string(frames[0].ID))

	result := decodeResult(t, frames[0])
	assert.Equal(t, protocolVersion, result["protocolVersion"])
	info := result["serverInfo"].(map[string]interface{})
	assert.Equal(t, "prodpipe", info["name"])
	assert.Equal(t, "test", info["version"])
}

// TestPing tests the liveness method
func TestPing(t *testing.T) {
	frames := serve(t, `{"jsonrpc":"2.0","id":7,"method":"ping"}`+"\n")
	require.Len(t, frames, 1)
	require.Nil(t, frames[0].Error)
	assert.Equal(t, "{}", string(frames[0].Result))
}

// TestToolsList tests the advertised catalog
func TestToolsList(t *testing.T) {
	frames := serve(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`+"\n")
	require.Len(t, frames, 1)
	require.Nil(t, frames[0].Error)

	result := decodeResult(t, frames[0])
	listed := result["tools"].([]interface{})
	assert.Len(t, listed, len(tools.Catalog()))
}

// TestToolsCall_Success tests a full call through the pipeline
func TestToolsCall_Success(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"list_sources"}}` + "\n"
	frames := serve(t, input)
	require.Len(t, frames, 1)
	require.Nil(t, frames[0].Error)

	text, isError := callText(t, frames[0])
	assert.False(t, isError)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text), &payload))
	assert.Equal(t, "list_sources", payload["tool"])
	assert.NotEmpty(t, payload["correlation_id"])
	data := payload["data"].(map[string]interface{})
	assert.EqualValues(t, 1, data["total"])
}

// TestToolsCall_ToolFailure tests that pipeline errors become isError
// results rather than protocol errors
func TestToolsCall_ToolFailure(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"search_knowledge_base","arguments":{"query":"x"}}}` + "\n"
	frames := serve(t, input)
	require.Len(t, frames, 1)
	require.Nil(t, frames[0].Error, "tool failures are not protocol errors")

	text, isError := callText(t, frames[0])
	assert.True(t, isError)
	assert.Contains(t, text, "VALIDATION_ERROR")
}

// TestToolsCall_MissingName tests the invalid-params error
func TestToolsCall_MissingName(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{}}` + "\n"
	frames := serve(t, input)
	require.Len(t, frames, 1)
	require.NotNil(t, frames[0].Error)
	assert.Equal(t, codeInvalidParams, frames[0].Error.Code)
}

// TestMethodNotFound tests the unknown-method error
func TestMethodNotFound(t *testing.T) {
	frames := serve(t, `{"jsonrpc":"2.0","id":6,"method":"resources/list"}`+"\n")
	require.Len(t, frames, 1)
	require.NotNil(t, frames[0].Error)
	assert.Equal(t, codeMethodNotFound, frames[0].Error.Code)
	assert.Contains(t, frames[0].Error.Message, "resources/list")
}

// TestParseError tests malformed frames
func TestParseError(t *testing.T) {
	frames := serve(t, "{not json\n")
	require.Len(t, frames, 1)
	require.NotNil(t, frames[0].Error)
	assert.Equal(t, codeParseError, frames[0].Error.Code)
}

// TestInvalidVersion tests the jsonrpc version gate
func TestInvalidVersion(t *testing.T) {
	frames := serve(t, `{"jsonrpc":"1.0","id":8,"method":"ping"}`+"\n")
	require.Len(t, frames, 1)
	require.NotNil(t, frames[0].Error)
	assert.Equal(t, codeInvalidRequest, frames[0].Error.Code)
}

// TestNotifications tests that frames without an id get no response
func TestNotifications(t *testing.T) {
	input := `{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n" +
		`{"jsonrpc":"2.0","method":"some/unknown"}` + "\n" +
		`{"jsonrpc":"2.0","id":9,"method":"ping"}` + "\n"
	frames := serve(t, input)
	require.Len(t, frames, 1, "only the ping gets a reply")
	assert.Equal(t, "9", string(frames[0].ID))
}

// TestBlankLinesSkipped tests tolerance of empty frames
func TestBlankLinesSkipped(t *testing.T) {
	frames := serve(t, "\n\n"+`{"jsonrpc":"2.0","id":10,"method":"ping"}`+"\n")
	require.Len(t, frames, 1)
	require.Nil(t, frames[0].Error)
}
