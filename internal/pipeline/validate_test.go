package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodpipe/prodpipe/internal/tools"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return v
}

// TestValidate_UnknownTool tests the sentinel for uncataloged names
func TestValidate_UnknownTool(t *testing.T) {
	v := newTestValidator(t)

	_, err := v.Validate("explode_cluster", nil)
	assert.ErrorIs(t, err, tools.ErrUnknownTool)
}

// TestValidate_RequiredFields tests missing-field violations
func TestValidate_RequiredFields(t *testing.T) {
	v := newTestValidator(t)

	violations, err := v.Validate(tools.ToolSearchRunbooks, map[string]interface{}{
		"alert_type": "cpu",
	})
	require.NoError(t, err)
	assert.Len(t, violations, 2, "severity and affected_systems are required")

	violations, err = v.Validate(tools.ToolSearchKnowledgeBase, nil)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "query")
}

// TestValidate_EnumAndBounds tests enum, range and length violations
func TestValidate_EnumAndBounds(t *testing.T) {
	v := newTestValidator(t)

	violations, err := v.Validate(tools.ToolSearchRunbooks, map[string]interface{}{
		"alert_type":       "cpu",
		"severity":         "urgent",
		"affected_systems": []interface{}{"api"},
	})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "severity")

	violations, err = v.Validate(tools.ToolSearchKnowledgeBase, map[string]interface{}{
		"query":       "disk",
		"max_results": float64(500),
	})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "max_results")

	violations, err = v.Validate(tools.ToolSearchRunbooks, map[string]interface{}{
		"alert_type":       "cpu",
		"severity":         "high",
		"affected_systems": []interface{}{},
	})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "affected_systems")
}

// TestValidate_LengthMessages tests the friendlier length phrasing
func TestValidate_LengthMessages(t *testing.T) {
	v := newTestValidator(t)

	violations, err := v.Validate(tools.ToolSearchKnowledgeBase, map[string]interface{}{
		"query": "a",
	})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "query: must be at least 2 characters", violations[0])
}

// TestValidate_AdditionalProperties tests rejection of unexpected keys
func TestValidate_AdditionalProperties(t *testing.T) {
	v := newTestValidator(t)

	violations, err := v.Validate(tools.ToolListSources, map[string]interface{}{
		"include_health": true,
		"verbose":        true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, violations)
}

// TestValidate_ValidArguments tests the happy path across tools
func TestValidate_ValidArguments(t *testing.T) {
	v := newTestValidator(t)

	cases := map[string]map[string]interface{}{
		tools.ToolSearchRunbooks: {
			"alert_type":       "disk_pressure",
			"severity":         "critical",
			"affected_systems": []interface{}{"production"},
		},
		tools.ToolSearchKnowledgeBase: {
			"query":       "node not ready",
			"max_results": float64(10),
		},
		tools.ToolGetProcedure: {
			"procedure_id": "restart-ingress",
		},
		tools.ToolGetDecisionTree: {},
		tools.ToolGetEscalationPath: {
			"severity":       "high",
			"business_hours": false,
		},
		tools.ToolRecordFeedback: {
			"runbook_id": "rb-1",
			"outcome":    "resolved",
		},
		tools.ToolListSources: {
			"include_health": true,
		},
	}

	for tool, args := range cases {
		violations, err := v.Validate(tool, args)
		require.NoError(t, err, tool)
		assert.Empty(t, violations, tool)
	}
}
