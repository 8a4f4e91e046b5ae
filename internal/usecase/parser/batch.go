package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"arbiter-ai/internal/domain"
)

// BatchResult holds the outcome of parsing a multi-agent response. Plans
// and Errors are keyed by the 1-based agent number used in the prompt.
type BatchResult struct {
	Plans  map[int]Result
	Errors map[int]error
}

// ParseBatch decodes a JSON array of {"agent_id":N,"plan_id":...,"steps":[...]}
// entries and validates each plan independently against reg. Entries whose
// agent_id falls outside 1..n are ignored. An error is returned only when no
// array can be decoded at all.
func (p *Parser) ParseBatch(text string, reg *domain.ToolRegistry, n int) (BatchResult, error) {
	raw, ok := findArray(text)
	if !ok {
		return BatchResult{}, domain.NewSubSystemError("parser", "Parser.ParseBatch", domain.ErrParse,
			fmt.Sprintf("no JSON array found; response preview: %q", truncate(text, 200)))
	}

	var entries []map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &entries); err != nil {
		return BatchResult{}, domain.NewSubSystemError("parser", "Parser.ParseBatch", domain.ErrParse, err.Error())
	}

	out := BatchResult{Plans: map[int]Result{}, Errors: map[int]error{}}
	for _, entry := range entries {
		var agent int
		if err := json.Unmarshal(entry["agent_id"], &agent); err != nil || agent < 1 || agent > n {
			p.logger.Debug("batch entry with invalid agent_id skipped", "agent_id", string(entry["agent_id"]))
			continue
		}
		delete(entry, "agent_id")
		doc, err := json.Marshal(entry)
		if err != nil {
			out.Errors[agent] = err
			continue
		}
		res, err := p.Parse(string(doc), reg)
		if err != nil {
			out.Errors[agent] = err
			continue
		}
		out.Plans[agent] = res
	}
	return out, nil
}

// findArray returns the first JSON array in text: the whole text, a fenced
// block, or the first balanced [...] region.
func findArray(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "[") && json.Valid([]byte(cleanJSON(trimmed))) {
		return trimmed, true
	}
	if body, ok := extractCodeFence(text); ok {
		body = strings.TrimSpace(body)
		if strings.HasPrefix(body, "[") {
			return body, true
		}
	}
	return extractBalanced(text, '[', ']')
}

// extractBalanced finds the first balanced open...close region, ignoring
// delimiters inside JSON strings.
func extractBalanced(text string, open, close byte) (string, bool) {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
