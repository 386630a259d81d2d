// Package paneparser detects Claude Code UI elements in captured tmux pane
// text: interactive prompts (AskUserQuestion, ExitPlanMode, permission
// prompts, checkpoint restores, the settings/model picker), the status
// spinner line, and ad-hoc command output.
//
// All Claude Code text patterns live here. To support a new UI type or a
// changed Claude Code version, edit uiPatterns/statusSpinners.
package paneparser

import (
	"regexp"
	"strings"
)

// InteractiveUIContent is the content extracted from an interactive UI.
type InteractiveUIContent struct {
	Content string
	Name    string // matched pattern name, e.g. "AskUserQuestion"
}

// uiPattern is a text-marker pair delimiting an interactive UI region.
//
// Extraction scans lines top-down: the first line matching any Top pattern
// marks the start, the first subsequent line matching any Bottom pattern
// marks the end. Both boundary lines are included in the extracted content.
// An empty Bottom list extends the region to the last non-empty line
// (used for multi-tab AskUserQuestion, whose closing line varies by tab).
type uiPattern struct {
	name   string
	top    []*regexp.Regexp
	bottom []*regexp.Regexp
	minGap int // minimum lines between top and bottom, inclusive; default 2
}

// Declaration order matters: the first pattern that matches wins.
var uiPatterns = []uiPattern{
	{
		name: "ExitPlanMode",
		top: []*regexp.Regexp{
			regexp.MustCompile(`^\s*Would you like to proceed\?`),
			regexp.MustCompile(`^\s*Claude has written up a plan`),
		},
		bottom: []*regexp.Regexp{
			regexp.MustCompile(`^\s*ctrl-g to edit in `),
			regexp.MustCompile(`^\s*Esc to (cancel|exit)`),
		},
		minGap: 2,
	},
	{
		name:   "AskUserQuestion",
		top:    []*regexp.Regexp{regexp.MustCompile(`^\s*←\s+[☐✔☒]`)}, // multi-tab: no bottom needed
		bottom: nil,
		minGap: 1,
	},
	{
		name:   "AskUserQuestion",
		top:    []*regexp.Regexp{regexp.MustCompile(`^\s*[☐✔☒]`)}, // single-tab: bottom required
		bottom: []*regexp.Regexp{regexp.MustCompile(`^\s*Enter to select`)},
		minGap: 1,
	},
	{
		name: "PermissionPrompt",
		top: []*regexp.Regexp{
			regexp.MustCompile(`^\s*Do you want to proceed\?`),
			regexp.MustCompile(`^\s*Do you want to make this edit`),
		},
		bottom: []*regexp.Regexp{regexp.MustCompile(`^\s*Esc to cancel`)},
		minGap: 2,
	},
	{
		name:   "RestoreCheckpoint",
		top:    []*regexp.Regexp{regexp.MustCompile(`^\s*Restore the code`)},
		bottom: []*regexp.Regexp{regexp.MustCompile(`^\s*Enter to continue`)},
		minGap: 2,
	},
	{
		name: "Settings",
		top: []*regexp.Regexp{
			regexp.MustCompile(`^\s*Settings:.*tab to cycle`),
			regexp.MustCompile(`^\s*Select model`),
		},
		bottom: []*regexp.Regexp{
			regexp.MustCompile(`Esc to cancel`),
			regexp.MustCompile(`Esc to exit`),
			regexp.MustCompile(`Enter to confirm`),
			regexp.MustCompile(`^\s*Type to filter`),
		},
		minGap: 2,
	},
}

var reLongDash = regexp.MustCompile(`^─{5,}$`)

// shortenSeparators replaces any line of 5+ "─" characters with exactly 5,
// keeping chrome separators from bloating the rendered content.
func shortenSeparators(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if reLongDash.MatchString(line) {
			lines[i] = "─────"
		}
	}
	return strings.Join(lines, "\n")
}

func matchesAny(patterns []*regexp.Regexp, line string) bool {
	for _, p := range patterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

func tryExtract(lines []string, pattern uiPattern) (InteractiveUIContent, bool) {
	minGap := pattern.minGap
	if minGap == 0 {
		minGap = 2
	}

	topIdx := -1
	bottomIdx := -1
	for i, line := range lines {
		if topIdx < 0 {
			if matchesAny(pattern.top, line) {
				topIdx = i
			}
			continue
		}
		if len(pattern.bottom) > 0 && matchesAny(pattern.bottom, line) {
			bottomIdx = i
			break
		}
	}

	if topIdx < 0 {
		return InteractiveUIContent{}, false
	}

	if len(pattern.bottom) == 0 {
		for i := len(lines) - 1; i > topIdx; i-- {
			if strings.TrimSpace(lines[i]) != "" {
				bottomIdx = i
				break
			}
		}
	}

	if bottomIdx < 0 || bottomIdx-topIdx < minGap {
		return InteractiveUIContent{}, false
	}

	content := strings.TrimRight(strings.Join(lines[topIdx:bottomIdx+1], "\n"), "\n\r\t ")
	return InteractiveUIContent{Content: shortenSeparators(content), Name: pattern.name}, true
}

// ExtractInteractiveContent tries each UI pattern in declaration order and
// returns the first match, or ok=false if no recognizable interactive UI is
// present in paneText.
func ExtractInteractiveContent(paneText string) (InteractiveUIContent, bool) {
	if strings.TrimSpace(paneText) == "" {
		return InteractiveUIContent{}, false
	}
	lines := strings.Split(strings.TrimSpace(paneText), "\n")
	for _, pattern := range uiPatterns {
		if content, ok := tryExtract(lines, pattern); ok {
			return content, true
		}
	}
	return InteractiveUIContent{}, false
}

// IsInteractiveUI reports whether paneText currently shows an interactive UI.
func IsInteractiveUI(paneText string) bool {
	_, ok := ExtractInteractiveContent(paneText)
	return ok
}

// statusSpinners are the spinner glyphs Claude Code's status line starts with.
var statusSpinners = map[rune]struct{}{
	'·': {}, '✻': {}, '✽': {}, '✶': {}, '✳': {}, '✢': {},
}

// findChromeLine locates the topmost full-width "─" separator line within
// the last 10 lines of the pane, searching top-down so the result is the
// separator closest to the prompt/status area rather than one further up in
// scrollback.
func findChromeLine(lines []string) int {
	searchStart := 0
	if len(lines) > 10 {
		searchStart = len(lines) - 10
	}
	for i := searchStart; i < len(lines); i++ {
		stripped := strings.TrimSpace(lines[i])
		if len(stripped) >= 20 && isAllDash(stripped) {
			return i
		}
	}
	return -1
}

func isAllDash(s string) bool {
	for _, r := range s {
		if r != '─' {
			return false
		}
	}
	return true
}

// ParseStatusLine extracts the Claude Code status line (spinner + working
// text) from captured pane text. The status line appears immediately above
// the chrome separator; only that one line is checked (skipping blanks) to
// avoid false positives from "·" bullets elsewhere in the output.
func ParseStatusLine(paneText string) (string, bool) {
	if paneText == "" {
		return "", false
	}
	lines := strings.Split(paneText, "\n")
	chromeIdx := findChromeLine(lines)
	if chromeIdx < 0 {
		return "", false
	}

	lowerBound := chromeIdx - 5
	if lowerBound < -1 {
		lowerBound = -1
	}
	for i := chromeIdx - 1; i > lowerBound; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		r := []rune(line)
		if _, ok := statusSpinners[r[0]]; ok {
			return strings.TrimSpace(string(r[1:])), true
		}
		return "", false
	}
	return "", false
}

// StripPaneChrome removes Claude Code's bottom chrome (prompt area + status
// bar), returning everything above the topmost separator found in the last
// 10 lines.
func StripPaneChrome(lines []string) []string {
	chromeIdx := findChromeLine(lines)
	if chromeIdx < 0 {
		return lines
	}
	return lines[:chromeIdx]
}

// ExtractBashOutput locates the "! <command>" echo line for command in a
// captured pane and returns that line plus everything below it. Matching is
// done on the command's first 10 characters in case the echoed line was
// truncated by terminal width. Returns ok=false if the echo isn't found.
func ExtractBashOutput(paneText, command string) (string, bool) {
	lines := StripPaneChrome(strings.Split(paneText, "\n"))

	prefix := command
	if len([]rune(prefix)) > 10 {
		prefix = string([]rune(prefix)[:10])
	}

	cmdIdx := -1
	for i := len(lines) - 1; i >= 0; i-- {
		stripped := strings.TrimSpace(lines[i])
		if strings.HasPrefix(stripped, "! "+prefix) || strings.HasPrefix(stripped, "!"+prefix) {
			cmdIdx = i
			break
		}
	}
	if cmdIdx < 0 {
		return "", false
	}

	out := lines[cmdIdx:]
	for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return "", false
	}
	return strings.TrimSpace(strings.Join(out, "\n")), true
}

// UsageInfo is the parsed output of Claude Code's /usage modal.
type UsageInfo struct {
	RawText     string
	ParsedLines []string
}

var reLeadingBlocks = regexp.MustCompile(`^[\x{2580}-\x{259f}\s]+`)

// ParseUsageOutput extracts content from the Settings/Usage overlay: a
// "Settings: ... Usage" header line followed by progress-bar rows, ending at
// "Esc to ...". Progress-bar block characters are stripped from each line.
func ParseUsageOutput(paneText string) (UsageInfo, bool) {
	if strings.TrimSpace(paneText) == "" {
		return UsageInfo{}, false
	}
	lines := strings.Split(strings.TrimSpace(paneText), "\n")

	startIdx := -1
	endIdx := -1
	for i, line := range lines {
		stripped := strings.TrimSpace(line)
		if startIdx < 0 {
			if strings.Contains(stripped, "Settings:") && strings.Contains(stripped, "Usage") {
				startIdx = i + 1
			}
			continue
		}
		if strings.HasPrefix(stripped, "Esc to") {
			endIdx = i
			break
		}
	}
	if startIdx < 0 {
		return UsageInfo{}, false
	}
	if endIdx < 0 {
		endIdx = len(lines)
	}

	var cleaned []string
	for _, line := range lines[startIdx:endIdx] {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			continue
		}
		stripped = strings.TrimSpace(reLeadingBlocks.ReplaceAllString(stripped, ""))
		if stripped != "" {
			cleaned = append(cleaned, stripped)
		}
	}
	if len(cleaned) == 0 {
		return UsageInfo{}, false
	}
	return UsageInfo{RawText: paneText, ParsedLines: cleaned}, true
}
