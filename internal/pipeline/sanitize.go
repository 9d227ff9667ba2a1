package pipeline

import (
	"regexp"
	"strings"
)

// dangerousFieldNames are dropped from every argument map. They have no
// legitimate use in tool arguments and show up in prototype-pollution
// probes.
var dangerousFieldNames = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// htmlJSPatterns match embedded markup and script fragments stripped from
// string fields.
var htmlJSPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script.*?>.*?</script>`),
	regexp.MustCompile(`(?is)<script.*?>`),
	regexp.MustCompile(`(?is)<iframe.*?>`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?is)<\s*img[^>]*>`),
}

// SanitizeString strips embedded HTML/JS fragments from one string field.
func SanitizeString(s string) string {
	for _, pattern := range htmlJSPatterns {
		s = pattern.ReplaceAllString(s, "")
	}
	return s
}

// SanitizeArguments returns a deep copy of args with dangerous field names
// removed, string fields stripped of markup, and credential-bearing keys
// dropped from nested context maps. The input is not mutated.
func SanitizeArguments(args map[string]interface{}) map[string]interface{} {
	return sanitizeMap(args, false)
}

func sanitizeMap(in map[string]interface{}, insideContext bool) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if dangerousFieldNames[k] {
			continue
		}
		if insideContext && isSensitiveField(k) {
			continue
		}
		out[k] = sanitizeValue(v, insideContext || k == "context")
	}
	return out
}

func sanitizeValue(v interface{}, insideContext bool) interface{} {
	switch value := v.(type) {
	case string:
		return SanitizeString(value)
	case map[string]interface{}:
		return sanitizeMap(value, insideContext)
	case []interface{}:
		out := make([]interface{}, 0, len(value))
		for _, item := range value {
			out = append(out, sanitizeValue(item, insideContext))
		}
		return out
	case []string:
		out := make([]string, 0, len(value))
		for _, item := range value {
			out = append(out, SanitizeString(item))
		}
		return out
	default:
		return v
	}
}

// NormalizeSystems lowercases, trims and deduplicates a system list,
// dropping empties.
func NormalizeSystems(systems []string) []string {
	seen := make(map[string]bool, len(systems))
	out := make([]string, 0, len(systems))
	for _, s := range systems {
		normalized := strings.ToLower(strings.TrimSpace(s))
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		out = append(out, normalized)
	}
	return out
}
