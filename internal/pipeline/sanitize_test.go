package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSanitizeString tests markup and script stripping
func TestSanitizeString(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`disk full <script>alert(1)</script> on node`, "disk full  on node"},
		{`<iframe src="x">`, ""},
		{`click javascript:void(0)`, "click void(0)"},
		{`<img src=x onerror=alert(1)>`, ""},
		{`a onclick= b`, "a  b"},
		{"plain query", "plain query"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SanitizeString(tc.in), tc.in)
	}
}

// TestSanitizeArguments_DangerousKeys tests prototype-pollution key removal
// at every nesting level
func TestSanitizeArguments_DangerousKeys(t *testing.T) {
	args := map[string]interface{}{
		"query":       "disk",
		"__proto__":   map[string]interface{}{"polluted": true},
		"constructor": "x",
		"nested": map[string]interface{}{
			"prototype": "y",
			"ok":        "z",
		},
	}

	out := SanitizeArguments(args)
	assert.NotContains(t, out, "__proto__")
	assert.NotContains(t, out, "constructor")
	nested := out["nested"].(map[string]interface{})
	assert.NotContains(t, nested, "prototype")
	assert.Equal(t, "z", nested["ok"])

	// The input map is untouched.
	assert.Contains(t, args, "__proto__")
}

// TestSanitizeArguments_ContextSecrets tests credential stripping inside
// context maps only
func TestSanitizeArguments_ContextSecrets(t *testing.T) {
	args := map[string]interface{}{
		"api_token_name": "this stays, it is not inside context",
		"context": map[string]interface{}{
			"user":       "alice",
			"auth_token": "secret",
			"password":   "hunter2",
			"session": map[string]interface{}{
				"api_key": "k",
				"region":  "us-east-1",
			},
		},
	}

	out := SanitizeArguments(args)
	require.Contains(t, out, "api_token_name")

	ctx := out["context"].(map[string]interface{})
	assert.Equal(t, "alice", ctx["user"])
	assert.NotContains(t, ctx, "auth_token")
	assert.NotContains(t, ctx, "password")

	session := ctx["session"].(map[string]interface{})
	assert.NotContains(t, session, "api_key")
	assert.Equal(t, "us-east-1", session["region"])
}

// TestSanitizeArguments_Slices tests string stripping inside slices
func TestSanitizeArguments_Slices(t *testing.T) {
	args := map[string]interface{}{
		"affected_systems": []interface{}{"api<script>x</script>", "db"},
		"tags":             []string{"a<iframe>", "b"},
	}

	out := SanitizeArguments(args)
	assert.Equal(t, []interface{}{"api", "db"}, out["affected_systems"])
	assert.Equal(t, []string{"a", "b"}, out["tags"])
}

// TestNormalizeSystems tests lowercasing, trimming and deduplication
func TestNormalizeSystems(t *testing.T) {
	in := []string{" Production ", "API", "api", "", "  ", "Payments"}
	assert.Equal(t, []string{"production", "api", "payments"}, NormalizeSystems(in))
	assert.Empty(t, NormalizeSystems(nil))
}
