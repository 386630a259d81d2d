// Package transcript parses Claude Code JSONL session files into a
// normalized stream of display-ready messages.
//
// tool_use blocks appear in assistant messages; the matching tool_result
// block appears in a later user message, keyed by tool_use_id. Because the
// Session Monitor polls incrementally, a tool_use can arrive in one poll
// cycle and its tool_result in the next — PendingTool carries that state
// across ParseEntries calls.
package transcript

import "encoding/json"

// ContentType enumerates the display categories a ParsedEntry can take.
type ContentType string

const (
	ContentText         ContentType = "text"
	ContentThinking     ContentType = "thinking"
	ContentToolUse      ContentType = "tool_use"
	ContentToolResult   ContentType = "tool_result"
	ContentLocalCommand ContentType = "local_command"
)

// ParsedEntry is a single display-ready message extracted from a transcript.
type ParsedEntry struct {
	Role        string
	Text        string
	ContentType ContentType
	ToolUseID   string
	Timestamp   string
	ToolName    string
}

// PendingTool is a tool_use block awaiting its tool_result.
type PendingTool struct {
	Summary   string
	ToolName  string
	InputData map[string]any // only populated for Edit/NotebookEdit, to build a diff later
}

// Sentinel markers wrapping text destined for a collapsible quote block.
// The queue/delivery layer converts these into the chat platform's
// expandable-blockquote markup exactly once, at the send edge.
const (
	ExpandableQuoteStart = "\x02EXPQUOTE_START\x02"
	ExpandableQuoteEnd   = "\x02EXPQUOTE_END\x02"
)

func formatExpandableQuote(text string) string {
	return ExpandableQuoteStart + text + ExpandableQuoteEnd
}

// rawEntry mirrors one JSONL line's top-level shape.
type rawEntry struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// rawBlock covers every content-block shape we care about (text, thinking,
// tool_use, tool_result). Unused fields for a given Type are left zero.
type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// decodeContentBlocks unmarshals a message's or tool_result's "content" field,
// which is either a bare string or a list of blocks.
func decodeContentBlocks(raw json.RawMessage) []rawBlock {
	if len(raw) == 0 {
		return nil
	}
	var blocks []rawBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return []rawBlock{{Type: "text", Text: s}}
	}
	return nil
}

func decodeContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	blocks := decodeContentBlocks(raw)
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return joinLines(parts)
}

func joinLines(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}

func decodeInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
