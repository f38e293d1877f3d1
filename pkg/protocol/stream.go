package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// StreamKind discriminates parsed output-stream lines.
type StreamKind string

// Stream line kinds.
const (
	StreamSystemInit StreamKind = "system_init"
	StreamText       StreamKind = "assistant_text"
	StreamToolUse    StreamKind = "tool_use"
	StreamToolResult StreamKind = "tool_result"
	StreamResult     StreamKind = "result"
	StreamUnknown    StreamKind = "unknown"
)

// previewLimit caps tool input previews.
const previewLimit = 500

// toolResultDisplayLimit caps tool result display strings.
const toolResultDisplayLimit = 200

// StreamLine is one parsed line of subprocess output. Kind selects which
// fields are meaningful. Display, when non-empty, is a human-readable
// rendering for live progress output.
type StreamLine struct {
	Kind    StreamKind
	Display string

	// system_init
	Model     string
	SessionID string

	// assistant_text
	Text string

	// tool_use
	ToolName     string
	InputPreview string

	// tool_result
	ContentPreview string

	// result
	Result *ResultSummary
}

// ResultSummary is the terminal result line of a run: duration, cost,
// token totals, and the process's own outcome assessment.
type ResultSummary struct {
	DurationMS   int64   `json:"duration_ms"`
	CostUSD      float64 `json:"total_cost_usd"`
	InputTokens  int64   `json:"total_input_tokens"`
	OutputTokens int64   `json:"total_output_tokens"`
	Model        string  `json:"model,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	Subtype      string  `json:"subtype,omitempty"`
	ResultText   string  `json:"result,omitempty"`
}

// truncate cuts s at limit runes of bytes with a trailing ellipsis marker.
func truncate(s string, limit int) string {
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// ParseStreamLine classifies a single stdout line from the subprocess's
// line-oriented stream. Non-JSON lines are diagnostic noise: they come back
// as Unknown with the raw text as display, kept for live progress only.
func ParseStreamLine(line string) StreamLine {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return StreamLine{Kind: StreamUnknown}
	}

	var value map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &value); err != nil {
		return StreamLine{Kind: StreamUnknown, Display: trimmed}
	}

	switch jsonString(value["type"]) {
	case "system":
		if jsonString(value["subtype"]) != "init" {
			return StreamLine{Kind: StreamUnknown}
		}
		model := jsonString(value["model"])
		if model == "" {
			model = "unknown"
		}
		return StreamLine{
			Kind:      StreamSystemInit,
			Model:     model,
			SessionID: jsonString(value["session_id"]),
			Display:   fmt.Sprintf("Session started (%s)", model),
		}
	case "assistant":
		return parseAssistantLine(value)
	case "user":
		return parseUserLine(value)
	case "result":
		var res ResultSummary
		// Fields already validated as JSON above; decode errors leave zeros.
		_ = json.Unmarshal([]byte(trimmed), &res)
		display := "Completed"
		if res.DurationMS > 0 {
			display = fmt.Sprintf("Completed in %.1fs", float64(res.DurationMS)/1000.0)
		}
		if res.CostUSD > 0 {
			display += fmt.Sprintf(" (cost: $%.4f)", res.CostUSD)
		}
		return StreamLine{Kind: StreamResult, Result: &res, Display: display}
	}
	return StreamLine{Kind: StreamUnknown}
}

// contentBlock is one entry of an assistant/user message content array.
type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// parseAssistantLine handles assistant messages: the first content block
// decides the kind, text blocks are concatenated for display.
func parseAssistantLine(value map[string]json.RawMessage) StreamLine {
	blocks := messageContent(value)
	if blocks == nil {
		return StreamLine{Kind: StreamUnknown}
	}

	var first *StreamLine
	var allText []string
	toolDisplay := ""

	for i := range blocks {
		b := &blocks[i]
		switch b.Type {
		case "text":
			allText = append(allText, b.Text)
			if first == nil {
				first = &StreamLine{Kind: StreamText, Text: b.Text}
			}
		case "tool_use":
			name := b.Name
			if name == "" {
				name = "unknown"
			}
			display := fmt.Sprintf("> Using tool: %s", name)
			if first == nil {
				first = &StreamLine{
					Kind:         StreamToolUse,
					ToolName:     name,
					InputPreview: truncate(compactJSON(b.Input), previewLimit),
				}
				toolDisplay = display
			} else if toolDisplay == "" {
				toolDisplay = display
			}
		}
	}

	if first == nil {
		return StreamLine{Kind: StreamUnknown}
	}
	switch first.Kind {
	case StreamText:
		first.Display = strings.Join(allText, "\n")
	case StreamToolUse:
		first.Display = toolDisplay
	}
	return *first
}

// parseUserLine handles user messages carrying tool results.
func parseUserLine(value map[string]json.RawMessage) StreamLine {
	for _, b := range messageContent(value) {
		if b.Type != "tool_result" {
			continue
		}
		preview := toolResultPreview(b.Content)
		return StreamLine{
			Kind:           StreamToolResult,
			ContentPreview: preview,
			Display:        "  Tool result: " + truncate(preview, toolResultDisplayLimit),
		}
	}
	return StreamLine{Kind: StreamUnknown}
}

// messageContent extracts the message.content block array, or nil.
func messageContent(value map[string]json.RawMessage) []contentBlock {
	raw, ok := value["message"]
	if !ok {
		return nil
	}
	var msg struct {
		Content []contentBlock `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	return msg.Content
}

// toolResultPreview renders a tool_result content field, which may be a
// plain string or an array of text blocks.
func toolResultPreview(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, " ")
	}
	return string(raw)
}

// jsonString decodes a raw JSON string value, returning "" on anything else.
func jsonString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// compactJSON renders raw JSON as a compact string for previews.
func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// sessionLimitMarkers are stderr fragments indicating the external service
// refused the session for quota reasons.
var sessionLimitMarkers = []string{
	"session limit",
	"rate limit",
	"usage limit",
	"quota exceeded",
	"too many requests",
}

// IsSessionLimitError reports whether stderr text indicates a session or
// usage limit from the external service.
func IsSessionLimitError(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, m := range sessionLimitMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// CountToolUsage tallies tool invocations across parsed stream lines.
func CountToolUsage(lines []StreamLine) map[string]int {
	counts := make(map[string]int)
	for _, l := range lines {
		if l.Kind == StreamToolUse {
			counts[l.ToolName]++
		}
	}
	return counts
}
