package agent

import (
	"encoding/json"
	"strings"
)

// StreamLine is one decoded line of the agent's stream-json output.
type StreamLine struct {
	Type    string
	Subtype string
	Text    string
	Tokens  *TokenUsage
}

// TokenUsage carries token counts from a result line.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type rawStreamLine struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Usage   *TokenUsage     `json:"usage,omitempty"`
}

type rawMessageBody struct {
	Content []rawContentBlock `json:"content"`
}

type rawContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// DecodeLine parses one NDJSON line. Unparseable lines return nil so
// callers can pass raw output straight through.
func DecodeLine(line string) *StreamLine {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return nil
	}

	var raw rawStreamLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil
	}

	sl := &StreamLine{Type: raw.Type, Subtype: raw.Subtype, Tokens: raw.Usage}

	switch raw.Type {
	case "assistant", "user":
		var body rawMessageBody
		if err := json.Unmarshal(raw.Message, &body); err == nil {
			sl.Text = joinTextBlocks(body.Content)
		}
	case "result":
		// Result bodies are either a bare string or a block list.
		var text string
		if err := json.Unmarshal(raw.Result, &text); err == nil {
			sl.Text = text
		} else {
			var body rawMessageBody
			if err := json.Unmarshal(raw.Result, &body); err == nil {
				sl.Text = joinTextBlocks(body.Content)
			}
		}
	}
	return sl
}

func joinTextBlocks(blocks []rawContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// CollectText extracts the assistant-visible text from a full
// stream-json transcript. Malformed lines are skipped; plain text
// input passes through unchanged.
func CollectText(output string) string {
	var parts []string
	sawJSON := false
	for _, line := range strings.Split(output, "\n") {
		sl := DecodeLine(line)
		if sl == nil {
			continue
		}
		sawJSON = true
		if sl.Text != "" {
			parts = append(parts, sl.Text)
		}
	}
	if !sawJSON {
		return output
	}
	return strings.Join(parts, "\n")
}
