package schema

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Field accessors over a decoded map[string]any. Each one is total: null,
// missing and wrong-typed values resolve to the supplied default, never an
// error. Contracts build their UnmarshalJSON on these so that construction
// of a structured object cannot fail on malformed leaf values.

func asString(m map[string]any, key, def string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return def
		}
		return string(b)
	}
}

func asStringList(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok || v == nil {
		return []string{}
	}
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if e == nil {
				continue
			}
			if s, ok := e.(string); ok {
				out = append(out, s)
			} else {
				b, err := json.Marshal(e)
				if err == nil {
					out = append(out, string(b))
				}
			}
		}
		return out
	case string:
		if t == "" {
			return []string{}
		}
		// A lone string where a list is expected becomes a one-element list.
		return []string{t}
	default:
		return []string{}
	}
}

func asBool(m map[string]any, key string, def bool) bool {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes":
			return true
		case "false", "no":
			return false
		}
	case float64:
		return t != 0
	}
	return def
}

// asInt accepts bare numbers and strings containing a number; the first digit
// run in a string wins ("about 14 days" -> 14).
func asInt(m map[string]any, key string, def int) int {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		start := -1
		for i := 0; i < len(t); i++ {
			if t[i] >= '0' && t[i] <= '9' {
				if start == -1 {
					start = i
				}
			} else if start != -1 {
				n, err := strconv.Atoi(t[start:i])
				if err == nil {
					return n
				}
				return def
			}
		}
		if start != -1 {
			n, err := strconv.Atoi(t[start:])
			if err == nil {
				return n
			}
		}
	}
	return def
}

func asMap(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok || v == nil {
		return map[string]any{}
	}
	if t, ok := v.(map[string]any); ok {
		return t
	}
	return map[string]any{}
}

func asObjectList(m map[string]any, key string) []map[string]any {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, e := range list {
		if obj, ok := e.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

// Enum normalizers. Each fuzzy-matches the lowercased input against substring
// rules and always resolves to a valid member, falling back to the named
// default when nothing matches. Matching is substring based because models
// routinely answer with phrases like "High confidence" or "most likely".

// Confidence levels.
const (
	ConfidenceHigh     = "high"
	ConfidenceModerate = "moderate"
	ConfidenceLow      = "low"
)

// NormalizeConfidence maps free text to high / moderate / low.
func NormalizeConfidence(v string) string {
	lower := strings.ToLower(v)
	switch {
	case strings.Contains(lower, "high"):
		return ConfidenceHigh
	case strings.Contains(lower, "low"):
		return ConfidenceLow
	case strings.Contains(lower, "moderate"), strings.Contains(lower, "medium"), strings.Contains(lower, "mod"):
		return ConfidenceModerate
	default:
		return ConfidenceModerate
	}
}

// Severity levels.
const (
	SeverityMild     = "Mild"
	SeverityModerate = "Moderate"
	SeveritySevere   = "Severe"
)

// NormalizeSeverity maps free text to Mild / Moderate / Severe.
func NormalizeSeverity(v string) string {
	lower := strings.ToLower(v)
	switch {
	case strings.Contains(lower, "mild"):
		return SeverityMild
	case strings.Contains(lower, "severe"):
		return SeveritySevere
	case strings.Contains(lower, "moderate"):
		return SeverityModerate
	default:
		return SeverityModerate
	}
}

// Treatment lines.
const (
	LineFirst   = "first"
	LineSecond  = "second"
	LineThird   = "third"
	LineAdjunct = "adjunct"
)

// NormalizeTreatmentLine maps free text to first / second / third / adjunct.
func NormalizeTreatmentLine(v string) string {
	lower := strings.ToLower(v)
	switch {
	case strings.Contains(lower, "first"), strings.Contains(lower, "1st"):
		return LineFirst
	case strings.Contains(lower, "second"), strings.Contains(lower, "2nd"):
		return LineSecond
	case strings.Contains(lower, "third"), strings.Contains(lower, "3rd"):
		return LineThird
	case strings.Contains(lower, "adjunct"), strings.Contains(lower, "supplement"), strings.Contains(lower, "add-on"):
		return LineAdjunct
	default:
		return LineFirst
	}
}

// Evidence levels.
const (
	EvidenceStrong        = "strong"
	EvidenceModerate      = "moderate"
	EvidenceLimited       = "limited"
	EvidenceExpertOpinion = "expert_opinion"
)

// NormalizeEvidenceLevel maps free text to strong / moderate / limited /
// expert_opinion. Unrecognised input falls back to moderate.
func NormalizeEvidenceLevel(v string) string {
	lower := strings.ToLower(v)
	switch {
	case strings.Contains(lower, "strong"):
		return EvidenceStrong
	case strings.Contains(lower, "moderate"):
		return EvidenceModerate
	case strings.Contains(lower, "limited"), strings.Contains(lower, "weak"), strings.Contains(lower, "poor"):
		return EvidenceLimited
	case strings.Contains(lower, "expert"), strings.Contains(lower, "opinion"), strings.Contains(lower, "consensus"):
		return EvidenceExpertOpinion
	default:
		return EvidenceModerate
	}
}

// NormalizeLevelling maps free-text elevation descriptions to
// raised / flat / depressed; unrecognised descriptions pass through.
func NormalizeLevelling(v string) string {
	lower := strings.ToLower(v)
	switch {
	case containsAny(lower, "raised", "elevat", "dome", "papule", "nodule", "plaque", "verruc"):
		return "raised"
	case containsAny(lower, "depress", "atrophic", "pitted", "indented", "concave", "sunken"):
		return "depressed"
	case containsAny(lower, "flat", "macular", "macule", "level", "flush"):
		return "flat"
	default:
		return v
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
