package parser

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var trailingCommaRe = regexp.MustCompile(`,\s*([\]}])`)

// cleanJSON removes trailing commas before closing brackets and braces.
func cleanJSON(text string) string {
	return trailingCommaRe.ReplaceAllString(text, "$1")
}

// extractCodeFence returns the body of the first ```json fence, or of the
// first plain ``` fence when no json fence exists.
func extractCodeFence(text string) (string, bool) {
	if start := strings.Index(text, "```json"); start >= 0 {
		rest := text[start+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end]), true
		}
	}
	if start := strings.Index(text, "```"); start >= 0 {
		rest := text[start+3:]
		// Skip a language tag on the opening fence line.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], "{[") {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end]), true
		}
	}
	return "", false
}

// extractJSONObject returns the first balanced {...} substring, honoring
// string literals and escapes.
func extractJSONObject(text string) (string, bool) {
	return extractBalanced(text, '{', '}')
}

// envelopeContent digs the model text out of common response wrappers:
// message.content, response, content, text, output and
// choices[0].message.content. The returned value is either a string or a
// decoded JSON object.
func envelopeContent(root map[string]any) []any {
	var out []any
	if msg, ok := root["message"].(map[string]any); ok {
		if c, ok := msg["content"]; ok {
			out = append(out, c)
		}
	}
	for _, key := range []string{"response", "content", "text", "output"} {
		if v, ok := root[key]; ok {
			out = append(out, v)
		}
	}
	if choices, ok := root["choices"].([]any); ok && len(choices) > 0 {
		if first, ok := choices[0].(map[string]any); ok {
			if msg, ok := first["message"].(map[string]any); ok {
				if c, ok := msg["content"]; ok {
					out = append(out, c)
				}
			}
			if txt, ok := first["text"]; ok {
				out = append(out, txt)
			}
		}
	}
	return out
}

// normalizeKey lowercases a key and drops everything that is not a letter
// or digit, so plan_id, planId and Plan-ID compare equal.
func normalizeKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(k) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// planIDKeys are the spellings of the plan id field seen in model output.
var planIDKeys = []string{
	"plan_id", "plan_eid", "id", "plan_no", "plan_num",
	"planNumber", "plan_n", "planId", "planID",
}

// stepsKeys are accepted names for the step array in tolerant mode.
var stepsKeys = []string{"steps", "actions", "plan", "action_steps"}

func findPlanID(obj map[string]any) (string, bool) {
	for _, k := range planIDKeys {
		if id, ok := scalarString(obj[k]); ok {
			return id, true
		}
	}
	for k, v := range obj {
		n := normalizeKey(k)
		if strings.Contains(n, "plan") && strings.Contains(n, "id") {
			if id, ok := scalarString(v); ok {
				return id, true
			}
		}
	}
	return "", false
}

func findSteps(obj map[string]any) (json.RawMessage, bool) {
	for _, k := range stepsKeys {
		if v, ok := obj[k].([]any); ok {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, false
			}
			return raw, true
		}
	}
	for k, v := range obj {
		if n := normalizeKey(k); n == "steps" || n == "actionsteps" {
			if arr, ok := v.([]any); ok {
				raw, err := json.Marshal(arr)
				if err != nil {
					return nil, false
				}
				return raw, true
			}
		}
	}
	return nil, false
}

func findRationale(obj map[string]any) string {
	for _, k := range []string{"rationale", "reasoning", "reason", "explanation"} {
		if s, ok := obj[k].(string); ok {
			return s
		}
	}
	return ""
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", false
		}
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return "", false
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	end := 0
	for i := range s {
		if i > maxLen {
			break
		}
		end = i
	}
	return s[:end] + "..."
}
