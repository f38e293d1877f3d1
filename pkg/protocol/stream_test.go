package protocol

import (
	"strings"
	"testing"
)

func TestParseStreamLineSystemInit(t *testing.T) {
	t.Parallel()

	line := `{"type":"system","subtype":"init","model":"sonnet-4","session_id":"sess-123"}`
	sl := ParseStreamLine(line)

	if sl.Kind != StreamSystemInit {
		t.Fatalf("kind = %s, want %s", sl.Kind, StreamSystemInit)
	}
	if sl.Model != "sonnet-4" {
		t.Errorf("model = %q, want %q", sl.Model, "sonnet-4")
	}
	if sl.SessionID != "sess-123" {
		t.Errorf("session_id = %q, want %q", sl.SessionID, "sess-123")
	}
	if sl.Display != "Session started (sonnet-4)" {
		t.Errorf("display = %q", sl.Display)
	}
}

func TestParseStreamLineAssistantText(t *testing.T) {
	t.Parallel()

	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"Hello world"}]}}`
	sl := ParseStreamLine(line)

	if sl.Kind != StreamText {
		t.Fatalf("kind = %s, want %s", sl.Kind, StreamText)
	}
	if sl.Text != "Hello world" {
		t.Errorf("text = %q", sl.Text)
	}
	if sl.Display != "Hello world" {
		t.Errorf("display = %q", sl.Display)
	}
}

func TestParseStreamLineToolUse(t *testing.T) {
	t.Parallel()

	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{"path":"main.go"}}]}}`
	sl := ParseStreamLine(line)

	if sl.Kind != StreamToolUse {
		t.Fatalf("kind = %s, want %s", sl.Kind, StreamToolUse)
	}
	if sl.ToolName != "Read" {
		t.Errorf("tool name = %q", sl.ToolName)
	}
	if !strings.Contains(sl.InputPreview, "main.go") {
		t.Errorf("input preview %q missing tool input", sl.InputPreview)
	}
	if sl.Display != "> Using tool: Read" {
		t.Errorf("display = %q", sl.Display)
	}
}

func TestParseStreamLineToolUseLongInputTruncated(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("x", 2000)
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Write","input":{"content":"` + big + `"}}]}}`
	sl := ParseStreamLine(line)

	if sl.Kind != StreamToolUse {
		t.Fatalf("kind = %s", sl.Kind)
	}
	if len(sl.InputPreview) > previewLimit+3 {
		t.Errorf("input preview length %d exceeds limit", len(sl.InputPreview))
	}
	if !strings.HasSuffix(sl.InputPreview, "...") {
		t.Errorf("truncated preview should end with ellipsis marker: %q", sl.InputPreview[len(sl.InputPreview)-10:])
	}
}

func TestParseStreamLineToolResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		preview string
	}{
		{
			name:    "string content",
			line:    `{"type":"user","message":{"content":[{"type":"tool_result","content":"file contents here"}]}}`,
			preview: "file contents here",
		},
		{
			name:    "block array content",
			line:    `{"type":"user","message":{"content":[{"type":"tool_result","content":[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]}]}}`,
			preview: "part one part two",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sl := ParseStreamLine(tt.line)
			if sl.Kind != StreamToolResult {
				t.Fatalf("kind = %s, want %s", sl.Kind, StreamToolResult)
			}
			if sl.ContentPreview != tt.preview {
				t.Errorf("preview = %q, want %q", sl.ContentPreview, tt.preview)
			}
			if !strings.HasPrefix(sl.Display, "  Tool result: ") {
				t.Errorf("display = %q", sl.Display)
			}
		})
	}
}

func TestParseStreamLineResult(t *testing.T) {
	t.Parallel()

	line := `{"type":"result","duration_ms":12500,"total_cost_usd":0.0342,"total_input_tokens":1000,"total_output_tokens":500,"model":"sonnet-4","session_id":"sess-9"}`
	sl := ParseStreamLine(line)

	if sl.Kind != StreamResult {
		t.Fatalf("kind = %s, want %s", sl.Kind, StreamResult)
	}
	res := sl.Result
	if res == nil {
		t.Fatal("result summary is nil")
	}
	if res.DurationMS != 12500 || res.CostUSD != 0.0342 {
		t.Errorf("duration=%d cost=%f", res.DurationMS, res.CostUSD)
	}
	if res.InputTokens != 1000 || res.OutputTokens != 500 {
		t.Errorf("tokens = %d/%d", res.InputTokens, res.OutputTokens)
	}
	if sl.Display != "Completed in 12.5s (cost: $0.0342)" {
		t.Errorf("display = %q", sl.Display)
	}
}

func TestParseStreamLineResultAssessment(t *testing.T) {
	t.Parallel()

	line := `{"type":"result","duration_ms":100,"is_error":true,"subtype":"error_during_execution","result":"task was not accomplished"}`
	sl := ParseStreamLine(line)

	if sl.Kind != StreamResult {
		t.Fatalf("kind = %s", sl.Kind)
	}
	if !sl.Result.IsError {
		t.Error("is_error not captured")
	}
	if sl.Result.Subtype != "error_during_execution" {
		t.Errorf("subtype = %q", sl.Result.Subtype)
	}
	if sl.Result.ResultText != "task was not accomplished" {
		t.Errorf("result text = %q", sl.Result.ResultText)
	}
}

func TestParseStreamLineNonJSON(t *testing.T) {
	t.Parallel()

	sl := ParseStreamLine("verbose diagnostic noise")
	if sl.Kind != StreamUnknown {
		t.Fatalf("kind = %s, want %s", sl.Kind, StreamUnknown)
	}
	if sl.Display != "verbose diagnostic noise" {
		t.Errorf("display = %q", sl.Display)
	}
}

func TestParseStreamLineEmptyAndUnknownType(t *testing.T) {
	t.Parallel()

	for _, line := range []string{"", "   ", `{"type":"mystery"}`, `{"type":"system","subtype":"other"}`} {
		sl := ParseStreamLine(line)
		if sl.Kind != StreamUnknown {
			t.Errorf("ParseStreamLine(%q).Kind = %s, want unknown", line, sl.Kind)
		}
	}
}

func TestIsSessionLimitError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		stderr string
		want   bool
	}{
		{"Error: session limit reached", true},
		{"RATE LIMIT exceeded, slow down", true},
		{"you hit your usage limit", true},
		{"quota exceeded for project", true},
		{"429 Too Many Requests", true},
		{"connection refused", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsSessionLimitError(tt.stderr); got != tt.want {
			t.Errorf("IsSessionLimitError(%q) = %v, want %v", tt.stderr, got, tt.want)
		}
	}
}

func TestCountToolUsage(t *testing.T) {
	t.Parallel()

	lines := []StreamLine{
		{Kind: StreamToolUse, ToolName: "Read"},
		{Kind: StreamToolUse, ToolName: "Write"},
		{Kind: StreamToolUse, ToolName: "Read"},
		{Kind: StreamText, Text: "thinking"},
	}

	counts := CountToolUsage(lines)
	if counts["Read"] != 2 || counts["Write"] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if len(counts) != 2 {
		t.Errorf("expected 2 tools, got %d", len(counts))
	}
}
