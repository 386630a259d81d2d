package transcript

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func lineEntries(t *testing.T, lines ...string) []rawEntry {
	t.Helper()
	var out []rawEntry
	for _, l := range lines {
		e, ok := ParseLine([]byte(l))
		require.True(t, ok, "line should parse: %s", l)
		out = append(out, e)
	}
	return out
}

func TestParseLineSkipsBlankAndMalformed(t *testing.T) {
	_, ok := ParseLine([]byte(""))
	require.False(t, ok)
	_, ok = ParseLine([]byte("   "))
	require.False(t, ok)
	_, ok = ParseLine([]byte("not json"))
	require.False(t, ok)
}

func TestParseEntriesTextMessage(t *testing.T) {
	entries := lineEntries(t, `{"type":"assistant","timestamp":"t1","message":{"role":"assistant","content":[{"type":"text","text":"hello"}]}}`)
	parsed, pending := ParseEntries(entries, nil)
	require.Len(t, parsed, 1)
	require.Empty(t, pending)
	require.Equal(t, ContentText, parsed[0].ContentType)
	require.Equal(t, "hello", parsed[0].Text)
}

func TestToolPairingAcrossCycles(t *testing.T) {
	toolUse := lineEntries(t, `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu1","name":"Read","input":{"file_path":"a.py"}}]}}`)
	parsed1, pending1 := ParseEntries(toolUse, map[string]PendingTool{})
	require.Len(t, parsed1, 1)
	require.Equal(t, ContentToolUse, parsed1[0].ContentType)
	require.Contains(t, pending1, "tu1")

	toolResult := lineEntries(t, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu1","content":"line1\nline2"}]}}`)
	parsed2, pending2 := ParseEntries(toolResult, pending1)
	require.Len(t, parsed2, 1)
	require.Equal(t, ContentToolResult, parsed2[0].ContentType)
	require.Contains(t, parsed2[0].Text, "**Read**(a.py)")
	require.Contains(t, parsed2[0].Text, "Read 2 lines")
	require.Empty(t, pending2, "tool_use_id should be consumed")
}

func TestOneShotModeFlushesPendingToolUse(t *testing.T) {
	entries := lineEntries(t, `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu2","name":"Bash","input":{"command":"ls"}}]}}`)
	parsed, pending := ParseEntries(entries, nil)
	// tool_use entry plus the flushed standalone entry for the same id.
	require.Len(t, parsed, 2)
	require.Empty(t, pending)
}

func TestIncompleteLineNotConsumed(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/s.jsonl"
	full := `{"type":"user","message":{"content":"hi"}}` + "\n"
	partial := `{"type":"user","message":`
	writeFile(t, path, full+partial)

	entries, offset, err := ReadIncremental(path, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.EqualValues(t, len(full), offset)

	// Completing the second line on a later call picks up from the safe offset.
	writeFile(t, path, full+partial+`{"content":"done"}}`+"\n")
	entries2, offset2, err := ReadIncremental(path, offset)
	require.NoError(t, err)
	require.Len(t, entries2, 1)
	require.Greater(t, offset2, offset)
}

func TestEncodeProjectPath(t *testing.T) {
	encoded := EncodeProjectPath("/home/user/my-project")
	require.Equal(t, "-home-user-my-project", encoded)
}

func TestLocalCommandRendering(t *testing.T) {
	entries := lineEntries(t, `{"type":"user","message":{"content":"<command-name>/help</command-name>\n<local-command-stdout>usage: ...</local-command-stdout>"}}`)
	parsed, _ := ParseEntries(entries, nil)
	require.Len(t, parsed, 1)
	require.Equal(t, ContentLocalCommand, parsed[0].ContentType)
	require.Contains(t, parsed[0].Text, "/help")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
