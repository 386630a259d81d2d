package transcript

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

const (
	noContentPlaceholder = "(no content)"
	interruptedText      = "[Request interrupted by user for tool use]"
	maxSummaryLength     = 200
)

var (
	reCommandName = regexp.MustCompile(`<command-name>(.*?)</command-name>`)
	reLocalStdout = regexp.MustCompile(`(?s)<local-command-stdout>(.*?)</local-command-stdout>`)
	reSystemTags  = regexp.MustCompile(`<(bash-input|bash-stdout|bash-stderr|local-command-caveat|system-reminder)`)
)

// ParseLine decodes one JSONL line. It returns ok=false for a blank or
// malformed line, mirroring the original's "skip and keep scanning" policy.
func ParseLine(line []byte) (entry rawEntry, ok bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return rawEntry{}, false
	}
	if err := json.Unmarshal([]byte(trimmed), &entry); err != nil {
		return rawEntry{}, false
	}
	return entry, true
}

// FormatToolUseSummary renders a tool_use block as a brief summary line,
// e.g. "**Read**(file.py)".
func FormatToolUseSummary(name string, input map[string]any) string {
	if input == nil {
		return fmt.Sprintf("**%s**", name)
	}

	str := func(key string) string {
		v, _ := input[key].(string)
		return v
	}

	summary := ""
	switch name {
	case "Read", "Glob":
		summary = str("file_path")
		if summary == "" {
			summary = str("pattern")
		}
	case "Write":
		summary = str("file_path")
	case "Edit", "NotebookEdit":
		summary = str("file_path")
		if summary == "" {
			summary = str("notebook_path")
		}
	case "Bash":
		summary = str("command")
	case "Grep":
		summary = str("pattern")
	case "Task":
		summary = str("description")
	case "WebFetch":
		summary = str("url")
	case "WebSearch":
		summary = str("query")
	case "TodoWrite":
		if todos, ok := input["todos"].([]any); ok {
			summary = fmt.Sprintf("%d item(s)", len(todos))
		}
	case "TodoRead", "ExitPlanMode":
		summary = ""
	case "AskUserQuestion":
		if qs, ok := input["questions"].([]any); ok && len(qs) > 0 {
			if q, ok := qs[0].(map[string]any); ok {
				summary, _ = q["question"].(string)
			}
		}
	case "Skill":
		summary = str("skill")
	default:
		for _, v := range input {
			if s, ok := v.(string); ok && s != "" {
				summary = s
				break
			}
		}
	}

	if summary == "" {
		return fmt.Sprintf("**%s**", name)
	}
	if len([]rune(summary)) > maxSummaryLength {
		r := []rune(summary)
		summary = string(r[:maxSummaryLength]) + "…"
	}
	return fmt.Sprintf("**%s**(%s)", name, summary)
}

// formatEditDiff builds a compact unified diff (no file-header lines) between
// old and new, the way Edit/NotebookEdit tool_result entries are rendered.
func formatEditDiff(oldS, newS string) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldS),
		B:        difflib.SplitLines(newS),
		FromFile: "a",
		ToFile:   "b",
		Context:  3,
		Eol:      "\n",
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "---") || strings.HasPrefix(line, "+++") {
			continue
		}
		lines = append(lines, strings.TrimRight(line, "\n"))
	}
	return strings.Join(lines, "\n")
}

// formatToolResultText appends a per-tool statistics line ahead of the full
// content, wrapped in the expandable-quote sentinel where the original
// content is shown in full rather than summarized.
func formatToolResultText(text, toolName string) string {
	if text == "" {
		return ""
	}
	lineCount := strings.Count(text, "\n") + 1

	switch toolName {
	case "Read":
		return fmt.Sprintf("  ⎿  Read %d lines", lineCount)
	case "Write":
		return fmt.Sprintf("  ⎿  Wrote %d lines", lineCount)
	case "Bash":
		return fmt.Sprintf("  ⎿  Output %d lines\n%s", lineCount, formatExpandableQuote(text))
	case "Grep":
		return fmt.Sprintf("  ⎿  Found %d matches\n%s", countNonEmptyLines(text), formatExpandableQuote(text))
	case "Glob":
		return fmt.Sprintf("  ⎿  Found %d files\n%s", countNonEmptyLines(text), formatExpandableQuote(text))
	case "Task":
		return fmt.Sprintf("  ⎿  Agent output %d lines\n%s", lineCount, formatExpandableQuote(text))
	case "WebFetch":
		return fmt.Sprintf("  ⎿  Fetched %d characters\n%s", len([]rune(text)), formatExpandableQuote(text))
	case "WebSearch":
		results := strings.Count(text, "\n\n") + 1
		return fmt.Sprintf("  ⎿  %d search results\n%s", results, formatExpandableQuote(text))
	default:
		return formatExpandableQuote(text)
	}
}

func countNonEmptyLines(text string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

// extractToolResultText flattens a tool_result content block (string or
// list-of-blocks) into display text.
func extractToolResultText(raw json.RawMessage) string {
	return decodeContentText(raw)
}

// ParseEntries converts a batch of already-decoded JSONL lines into display
// entries, threading pending tool_use state across calls.
//
// pending is the carry-over state from a previous call; pass nil for
// one-shot parsing (e.g. history replay), in which case any tool_use left
// unresolved at the end of this batch is flushed as a standalone entry
// instead of being held for a future call.
func ParseEntries(entries []rawEntry, pending map[string]PendingTool) (result []ParsedEntry, remaining map[string]PendingTool) {
	carryOver := pending != nil
	pendingTools := make(map[string]PendingTool, len(pending))
	for k, v := range pending {
		pendingTools[k] = v
	}

	var lastCmdName string

	for _, data := range entries {
		msgType := data.Type
		if msgType != "user" && msgType != "assistant" {
			continue
		}
		timestamp := data.Timestamp

		if len(data.Message) == 0 {
			continue
		}
		var message rawMessage
		if err := json.Unmarshal(data.Message, &message); err != nil {
			continue
		}
		blocks := decodeContentBlocks(message.Content)

		if msgType == "user" {
			if cmd, invoked, ok := matchLocalCommand(message.Content); ok {
				if invoked {
					lastCmdName = cmd
					continue
				}
				name := cmd
				if name == "" {
					name = lastCmdName
				}
				result = append(result, ParsedEntry{
					Role:        "assistant",
					Text:        formatLocalCommandOutput(name, localCommandStdout(message.Content)),
					ContentType: ContentLocalCommand,
					Timestamp:   timestamp,
				})
				lastCmdName = ""
				continue
			}
		}
		lastCmdName = ""

		if msgType == "assistant" {
			hasText := false
			for _, block := range blocks {
				switch block.Type {
				case "text":
					t := strings.TrimSpace(block.Text)
					if t != "" && t != noContentPlaceholder {
						result = append(result, ParsedEntry{Role: "assistant", Text: t, ContentType: ContentText, Timestamp: timestamp})
						hasText = true
					}
				case "tool_use":
					input := decodeInput(block.Input)
					summary := FormatToolUseSummary(block.Name, input)

					if block.Name == "ExitPlanMode" {
						if plan, _ := input["plan"].(string); plan != "" {
							result = append(result, ParsedEntry{Role: "assistant", Text: plan, ContentType: ContentText, Timestamp: timestamp})
						}
					}
					// AskUserQuestion/ExitPlanMode carry no "interactive" flag here;
					// the Poller's pane scan (paneparser.IsInteractiveUI) is what
					// actually routes these through the interactive-UI keyboard.

					var inputData map[string]any
					if block.Name == "Edit" || block.Name == "NotebookEdit" {
						inputData = input
					}
					if block.ID != "" {
						pendingTools[block.ID] = PendingTool{Summary: summary, ToolName: block.Name, InputData: inputData}
					}
					result = append(result, ParsedEntry{
						Role:        "assistant",
						Text:        summary,
						ContentType: ContentToolUse,
						ToolUseID:   block.ID,
						Timestamp:   timestamp,
						ToolName:    block.Name,
					})
				case "thinking":
					if block.Thinking != "" {
						result = append(result, ParsedEntry{Role: "assistant", Text: formatExpandableQuote(block.Thinking), ContentType: ContentThinking, Timestamp: timestamp})
					} else if !hasText {
						result = append(result, ParsedEntry{Role: "assistant", Text: "(thinking)", ContentType: ContentThinking, Timestamp: timestamp})
					}
				}
			}
			continue
		}

		// msgType == "user"
		var userTextParts []string
		for _, block := range blocks {
			switch block.Type {
			case "tool_result":
				entry, ok := buildToolResultEntry(block, pendingTools, timestamp)
				if ok {
					result = append(result, entry)
				}
			case "text":
				t := strings.TrimSpace(block.Text)
				if t != "" && !reSystemTags.MatchString(t) {
					userTextParts = append(userTextParts, t)
				}
			}
		}
		if len(userTextParts) > 0 {
			combined := strings.Join(userTextParts, "\n")
			if !reLocalStdout.MatchString(combined) && !reCommandName.MatchString(combined) {
				result = append(result, ParsedEntry{Role: "user", Text: combined, ContentType: ContentText, Timestamp: timestamp})
			}
		}
	}

	if !carryOver {
		for id, tool := range pendingTools {
			result = append(result, ParsedEntry{Role: "assistant", Text: tool.Summary, ContentType: ContentToolUse, ToolUseID: id, ToolName: tool.ToolName})
		}
		pendingTools = map[string]PendingTool{}
	}

	for i := range result {
		result[i].Text = strings.TrimSpace(result[i].Text)
	}

	return result, pendingTools
}

func buildToolResultEntry(block rawBlock, pendingTools map[string]PendingTool, timestamp string) (ParsedEntry, bool) {
	resultText := extractToolResultText(block.Content)
	isInterrupted := resultText == interruptedText
	tool, hadTool := pendingTools[block.ToolUseID]
	if hadTool {
		delete(pendingTools, block.ToolUseID)
	}

	switch {
	case isInterrupted:
		text := tool.Summary
		if text != "" {
			text += "\n⏹ Interrupted"
		} else {
			text = "⏹ Interrupted"
		}
		return ParsedEntry{Role: "assistant", Text: text, ContentType: ContentToolResult, ToolUseID: block.ToolUseID, Timestamp: timestamp}, true

	case block.IsError:
		text := tool.Summary
		if text == "" {
			text = "**Error**"
		}
		if resultText != "" {
			errSummary := strings.SplitN(resultText, "\n", 2)[0]
			if len([]rune(errSummary)) > 100 {
				errSummary = string([]rune(errSummary)[:100]) + "…"
			}
			text += fmt.Sprintf("\n  ⎿  Error: %s", errSummary)
			if strings.Contains(resultText, "\n") {
				text += "\n" + formatExpandableQuote(resultText)
			}
		} else {
			text += "\n  ⎿  Error"
		}
		return ParsedEntry{Role: "assistant", Text: text, ContentType: ContentToolResult, ToolUseID: block.ToolUseID, Timestamp: timestamp}, true

	case tool.Summary != "":
		text := tool.Summary
		if tool.ToolName == "Edit" && tool.InputData != nil && resultText != "" {
			oldS, _ := tool.InputData["old_string"].(string)
			newS, _ := tool.InputData["new_string"].(string)
			if oldS != "" && newS != "" {
				diffText := formatEditDiff(oldS, newS)
				if diffText != "" {
					added, removed := countDiffLines(diffText)
					text += fmt.Sprintf("\n  ⎿  Added %d lines, removed %d lines\n%s", added, removed, formatExpandableQuote(diffText))
				}
			}
		} else if resultText != "" && !strings.Contains(tool.Summary, ExpandableQuoteStart) {
			text += "\n" + formatToolResultText(resultText, tool.ToolName)
		}
		return ParsedEntry{Role: "assistant", Text: text, ContentType: ContentToolResult, ToolUseID: block.ToolUseID, Timestamp: timestamp}, true

	case resultText != "":
		return ParsedEntry{Role: "assistant", Text: formatToolResultText(resultText, tool.ToolName), ContentType: ContentToolResult, ToolUseID: block.ToolUseID, Timestamp: timestamp}, true
	}
	return ParsedEntry{}, false
}

func countDiffLines(diffText string) (added, removed int) {
	for _, line := range strings.Split(diffText, "\n") {
		switch {
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			added++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			removed++
		}
	}
	return added, removed
}

// matchLocalCommand detects a <command-name>/<local-command-stdout> user
// message. ok is false when neither tag is present. invoked is true for a
// bare invocation with no stdout yet (cmd carries the command name, text is
// empty at the call site).
func matchLocalCommand(contentRaw json.RawMessage) (cmd string, invoked bool, ok bool) {
	text := decodeContentText(contentRaw)
	if text == "" {
		return "", false, false
	}
	if reLocalStdout.MatchString(text) {
		m := reCommandName.FindStringSubmatch(text)
		if m != nil {
			cmd = m[1]
		}
		return cmd, false, true
	}
	if m := reCommandName.FindStringSubmatch(text); m != nil {
		return m[1], true, true
	}
	return "", false, false
}

func localCommandStdout(contentRaw json.RawMessage) string {
	text := decodeContentText(contentRaw)
	m := reLocalStdout.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func formatLocalCommandOutput(cmd, text string) string {
	switch {
	case cmd != "" && strings.Contains(text, "\n"):
		return fmt.Sprintf("❯ `%s`\n```\n%s\n```", cmd, text)
	case cmd != "":
		return fmt.Sprintf("❯ `%s`\n`%s`", cmd, text)
	case strings.Contains(text, "\n"):
		return fmt.Sprintf("```\n%s\n```", text)
	default:
		return fmt.Sprintf("`%s`", text)
	}
}
