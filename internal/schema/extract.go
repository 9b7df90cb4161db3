// Package schema turns free-text model output into validated, structured
// clinical objects.
//
// Local models reliably wrap their JSON in markdown fences, prepend
// self-check narration, emit ellipsis placeholders, invent escape sequences,
// and truncate mid-object when they hit the token limit. Everything in this
// package exists to absorb those faults: extraction finds and repairs the
// JSON block, coercion makes every contract field total over malformed input.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// NoJSONError reports that a raw output contains no {...} span at all.
// The raw text is preserved for the audit trail and logs.
type NoJSONError struct {
	Raw string
}

func (e *NoJSONError) Error() string {
	return fmt.Sprintf("no JSON object found in output (%d bytes)", len(e.Raw))
}

var (
	fenceRe         = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	ellipsisValueRe = regexp.MustCompile(`(:\s*)\.\.\.(\s*[,\}])`)
	ellipsisOpenRe  = regexp.MustCompile(`(:\s*)"\.\.\.([^"]*)"`)
)

// ExtractObject locates the outermost JSON object inside raw model output and
// returns it as a parseable JSON string. It unwraps markdown fences, strips
// surrounding prose, fixes ellipsis placeholders and invalid escapes, unwraps
// a single-key wrapper object, and closes truncated braces and brackets.
// If the text contains no brace span at all it returns a *NoJSONError.
func ExtractObject(raw string) (string, error) {
	text := raw

	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	start := strings.Index(text, "{")
	if start == -1 {
		return "", &NoJSONError{Raw: raw}
	}
	end := strings.LastIndex(text, "}")
	if end > start {
		text = text[start : end+1]
	} else {
		// Opening brace but no closing one: truncated output. Take the tail
		// and let the repair pass close it.
		text = text[start:]
	}

	// "surface": ...  ->  "surface": ""
	text = ellipsisValueRe.ReplaceAllString(text, `$1""$2`)
	// "reason": "...actual text"  ->  "reason": "actual text"
	text = ellipsisOpenRe.ReplaceAllString(text, `$1"$2"`)

	if !json.Valid([]byte(text)) {
		text = repairEscapes(text)
	}

	text = unwrapNested(text)
	text = repairTruncated(text)
	return text, nil
}

// repairEscapes doubles any backslash that does not begin a valid JSON
// escape sequence (models emit things like \s and \p inside reasoning text).
func repairEscapes(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(text) && validEscape(text[i+1:]) {
			b.WriteByte(c)
			continue
		}
		b.WriteString(`\\`)
	}
	return b.String()
}

func validEscape(rest string) bool {
	switch rest[0] {
	case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
		return true
	case 'u':
		if len(rest) < 5 {
			return false
		}
		for _, c := range rest[1:5] {
			if !isHex(byte(c)) {
				return false
			}
		}
		return true
	}
	return false
}

func isHex(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

// unwrapNested flattens a single-key wrapper object such as
// {"FinalDiagnosis": {...}} into the inner object. Only one level, and only
// when the inner value is itself an object; everything else passes through.
func unwrapNested(text string) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil || len(obj) != 1 {
		return text
	}
	for _, inner := range obj {
		trimmed := strings.TrimSpace(string(inner))
		if strings.HasPrefix(trimmed, "{") && json.Valid(inner) {
			return trimmed
		}
	}
	return text
}

// repairTruncated closes unterminated strings, braces and brackets left by a
// generation that ran out of tokens. Valid JSON passes through untouched.
func repairTruncated(text string) string {
	if json.Valid([]byte(text)) {
		return text
	}
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '"':
			inString = !inString
		case '{':
			if !inString {
				stack = append(stack, '}')
			}
		case '[':
			if !inString {
				stack = append(stack, ']')
			}
		case '}', ']':
			if !inString && len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		text += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		text += string(stack[i])
	}
	return text
}

// Decode extracts the JSON object from raw output and unmarshals it into T.
// Contract types implement total coercion in their UnmarshalJSON, so a
// structurally valid object always decodes; decode errors mean the text was
// not repairable JSON at all.
func Decode[T any](raw string) (*T, error) {
	block, err := ExtractObject(raw)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal([]byte(block), &v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return &v, nil
}
