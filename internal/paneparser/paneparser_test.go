package paneparser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractInteractiveContentPermissionPrompt(t *testing.T) {
	pane := strings.Join([]string{
		"some output",
		"Do you want to proceed?",
		"  1. Yes",
		"  2. No",
		"Esc to cancel",
	}, "\n")
	content, ok := ExtractInteractiveContent(pane)
	require.True(t, ok)
	require.Equal(t, "PermissionPrompt", content.Name)
	require.Contains(t, content.Content, "Do you want to proceed?")
	require.Contains(t, content.Content, "Esc to cancel")
}

func TestExtractInteractiveContentNoMatch(t *testing.T) {
	_, ok := ExtractInteractiveContent("just some regular pane output\nwith nothing special")
	require.False(t, ok)
}

func TestExtractInteractiveContentMultiTabAskUserQuestion(t *testing.T) {
	pane := strings.Join([]string{
		"← ☐ Option A",
		"  ☒ Option B",
		"  more content here to satisfy min gap",
	}, "\n")
	content, ok := ExtractInteractiveContent(pane)
	require.True(t, ok)
	require.Equal(t, "AskUserQuestion", content.Name)
}

func TestIsInteractiveUI(t *testing.T) {
	require.False(t, IsInteractiveUI(""))
	require.False(t, IsInteractiveUI("hello"))
}

func TestParseStatusLine(t *testing.T) {
	pane := strings.Join([]string{
		"some output above",
		"✻ Thinking for 12s",
		strings.Repeat("─", 40),
		"❯",
	}, "\n")
	status, ok := ParseStatusLine(pane)
	require.True(t, ok)
	require.Equal(t, "Thinking for 12s", status)
}

func TestParseStatusLineNoSpinner(t *testing.T) {
	pane := strings.Join([]string{
		"regular text, not a status line",
		strings.Repeat("─", 40),
		"❯",
	}, "\n")
	_, ok := ParseStatusLine(pane)
	require.False(t, ok)
}

func TestExtractBashOutput(t *testing.T) {
	pane := strings.Join([]string{
		"! ls -la",
		"⎿  file1.txt",
		"⎿  file2.txt",
		strings.Repeat("─", 40),
		"❯",
	}, "\n")
	out, ok := ExtractBashOutput(pane, "ls -la")
	require.True(t, ok)
	require.Contains(t, out, "file1.txt")
	require.Contains(t, out, "file2.txt")
}

func TestExtractBashOutputNotFound(t *testing.T) {
	_, ok := ExtractBashOutput("no command echo here", "ls -la")
	require.False(t, ok)
}

func TestShortenSeparators(t *testing.T) {
	in := strings.Repeat("─", 30)
	require.Equal(t, "─────", shortenSeparators(in))
}
