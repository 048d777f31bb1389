package backend

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// parseOutput normalizes a backend's raw stdout according to the requested
// format. For JSON it tolerates prose and markdown wrapping: direct parse,
// then the first fenced or brace-delimited block, then a repair pass, and
// only then failure.
func parseOutput(format OutputFormat, raw string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(raw)
	if format != FormatJSON {
		return nil, nil
	}
	if trimmed == "" {
		return nil, fmt.Errorf("empty output where JSON was requested")
	}

	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}

	for _, candidate := range []string{extractFenced(trimmed), extractBraced(trimmed)} {
		if candidate == "" {
			continue
		}
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
		if repaired, ok := repairJSON(candidate); ok {
			return repaired, nil
		}
	}

	if repaired, ok := repairJSON(trimmed); ok {
		return repaired, nil
	}

	return nil, fmt.Errorf("output is not parseable as JSON")
}

// repairJSON runs a tolerant repair pass and accepts the result only when
// it comes out as a valid object or array. Repairing prose into a bare JSON
// string would mask genuinely malformed output.
func repairJSON(candidate string) (json.RawMessage, bool) {
	if !strings.ContainsAny(candidate, "{[") {
		return nil, false
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, false
	}
	repaired = strings.TrimSpace(repaired)
	if repaired == "" || (repaired[0] != '{' && repaired[0] != '[') {
		return nil, false
	}
	if !json.Valid([]byte(repaired)) {
		return nil, false
	}
	return json.RawMessage(repaired), true
}

// extractFenced returns the body of the first ``` code fence, if any.
func extractFenced(text string) string {
	start := strings.Index(text, "```")
	if start == -1 {
		return ""
	}
	body := text[start+3:]
	// Skip a language tag like "json" on the fence line.
	if nl := strings.IndexByte(body, '\n'); nl != -1 {
		body = body[nl+1:]
	}
	end := strings.Index(body, "```")
	if end == -1 {
		return strings.TrimSpace(body)
	}
	return strings.TrimSpace(body[:end])
}

// extractBraced returns the first balanced {...} or [...] block, respecting
// string literals so braces inside values do not break the scan.
func extractBraced(text string) string {
	start := strings.IndexAny(text, "{[")
	if start == -1 {
		return ""
	}
	open := text[start]
	var closer byte = '}'
	if open == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
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
		case closer:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
