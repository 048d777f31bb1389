package backend

import (
	"encoding/json"
	"testing"
)

func TestParseOutputDirectJSON(t *testing.T) {
	parsed, err := parseOutput(FormatJSON, `{"status":"ok","files":2}`)
	if err != nil {
		t.Fatalf("direct parse failed: %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal(parsed, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v["status"] != "ok" {
		t.Fatalf("unexpected value: %v", v)
	}
}

func TestParseOutputFencedJSON(t *testing.T) {
	raw := "Here is the result:\n\n```json\n{\"status\": \"ok\"}\n```\n\nLet me know if you need more."
	parsed, err := parseOutput(FormatJSON, raw)
	if err != nil {
		t.Fatalf("fenced parse failed: %v", err)
	}
	if string(parsed) != `{"status": "ok"}` {
		t.Fatalf("unexpected extraction: %s", parsed)
	}
}

func TestParseOutputBraceDelimited(t *testing.T) {
	raw := `The change is summarized as {"files": ["a.go"], "note": "braces {inside} strings"} per your request.`
	parsed, err := parseOutput(FormatJSON, raw)
	if err != nil {
		t.Fatalf("brace extraction failed: %v", err)
	}
	var v struct {
		Files []string `json:"files"`
		Note  string   `json:"note"`
	}
	if err := json.Unmarshal(parsed, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.Note != "braces {inside} strings" {
		t.Fatalf("string-literal braces broke the scan: %q", v.Note)
	}
}

func TestParseOutputRepairsAlmostJSON(t *testing.T) {
	// Trailing comma: invalid as-is, recoverable by the repair pass.
	parsed, err := parseOutput(FormatJSON, `{"a": 1, "b": 2,}`)
	if err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if !json.Valid(parsed) {
		t.Fatalf("repaired output invalid: %s", parsed)
	}
}

func TestParseOutputRejectsProse(t *testing.T) {
	if _, err := parseOutput(FormatJSON, "I could not produce any output for this task."); err == nil {
		t.Fatalf("expected malformed-output error for prose")
	}
	if _, err := parseOutput(FormatJSON, ""); err == nil {
		t.Fatalf("expected error for empty output")
	}
}

func TestParseOutputTextPassthrough(t *testing.T) {
	parsed, err := parseOutput(FormatText, "plain text, no parsing")
	if err != nil {
		t.Fatalf("text format must not fail: %v", err)
	}
	if parsed != nil {
		t.Fatalf("expected no parsed payload for text output")
	}
}
