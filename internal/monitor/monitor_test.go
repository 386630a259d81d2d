package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sixddc/ccbot/internal/store"
	"github.com/sixddc/ccbot/internal/tmux"
)

type fakeLister struct {
	windows []tmux.Window
}

func (f *fakeLister) ListWindows(ctx context.Context) ([]tmux.Window, error) {
	return f.windows, nil
}

func newTestMonitor(t *testing.T) (*Monitor, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	sessionMapPath := filepath.Join(dir, "session-map.json")
	projectsDir := filepath.Join(dir, "projects")
	require.NoError(t, os.MkdirAll(projectsDir, 0o755))

	st := store.New(filepath.Join(dir, "store.json"), sessionMapPath, projectsDir, "ccbot", 10*time.Millisecond)
	mon := New(st, &fakeLister{}, projectsDir, filepath.Join(dir, "monitor.json"), time.Hour)
	return mon, st, dir
}

func writeSessionMap(t *testing.T, path string, entries map[string]map[string]string) {
	t.Helper()
	obj := map[string]map[string]string{}
	for k, v := range entries {
		obj[k] = v
	}
	data := "{"
	first := true
	for k, v := range obj {
		if !first {
			data += ","
		}
		first = false
		data += `"` + k + `":{"session_id":"` + v["session_id"] + `","cwd":"` + v["cwd"] + `","transcript_path":"` + v["transcript_path"] + `"}`
	}
	data += "}"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func writeTranscript(t *testing.T, path, cwd string, lines []string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_ = cwd
}

// TestToolPairingAcrossCycles is scenario 1 from spec.md §8: a tool_use in
// one poll cycle and its tool_result in the next must still pair.
func TestToolPairingAcrossCycles(t *testing.T) {
	mon, st, dir := newTestMonitor(t)

	transcriptPath := filepath.Join(dir, "projects", "proj", "sess-1.jsonl")
	writeTranscript(t, transcriptPath, "/work", []string{
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"T1","name":"Read","input":{"file_path":"a.py"}}]}}`,
	})

	writeSessionMap(t, filepath.Join(dir, "session-map.json"), map[string]map[string]string{
		"ccbot:@1": {"session_id": "sess-1", "cwd": "/work", "transcript_path": transcriptPath},
	})
	mon.adapter = &fakeLister{windows: []tmux.Window{{ID: "@1", Name: "w1", Cwd: "/work"}}}

	var got []Event
	mon.OnMessage(func(ev Event) { got = append(got, ev) })

	ctx := context.Background()
	mon.poll(ctx) // first pass: establishes tracking at EOF, no backfill
	mon.poll(ctx) // file unchanged since last mtime check: nothing new yet

	f, err := os.OpenFile(transcriptPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"T1","name":"Read","input":{"file_path":"a.py"}}]}}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	time.Sleep(5 * time.Millisecond)

	mon.poll(ctx)
	require.Len(t, got, 1)
	require.Equal(t, "**Read**(a.py)", got[0].Entry.Text)
	require.Equal(t, "T1", got[0].Entry.ToolUseID)

	mon.mu.Lock()
	_, stillPending := mon.pending["sess-1"]["T1"]
	mon.mu.Unlock()
	require.True(t, stillPending)

	got = nil
	f, err = os.OpenFile(transcriptPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"T1","content":"x\ny\nz"}]}}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	time.Sleep(5 * time.Millisecond)

	mon.poll(ctx)
	require.Len(t, got, 1)
	require.Contains(t, got[0].Entry.Text, "**Read**(a.py)")
	require.Contains(t, got[0].Entry.Text, "Read 3 lines")

	mon.mu.Lock()
	_, stillPending = mon.pending["sess-1"]["T1"]
	mon.mu.Unlock()
	require.False(t, stillPending)

	_ = st
}

// TestTornWriteNotConsumed is scenario 2 from spec.md §8: an incomplete
// trailing JSON line must not advance the tracked offset.
func TestTornWriteNotConsumed(t *testing.T) {
	mon, _, dir := newTestMonitor(t)

	transcriptPath := filepath.Join(dir, "projects", "proj", "sess-2.jsonl")
	writeTranscript(t, transcriptPath, "/work", nil)

	writeSessionMap(t, filepath.Join(dir, "session-map.json"), map[string]map[string]string{
		"ccbot:@2": {"session_id": "sess-2", "cwd": "/work", "transcript_path": transcriptPath},
	})
	mon.adapter = &fakeLister{windows: []tmux.Window{{ID: "@2", Name: "w2", Cwd: "/work"}}}

	ctx := context.Background()
	mon.poll(ctx) // establish tracking at offset 0 (empty file)

	f, err := os.OpenFile(transcriptPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"assistant","message":{"content":[{"type":"text","text":"partial`)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	time.Sleep(5 * time.Millisecond)

	var got []Event
	mon.OnMessage(func(ev Event) { got = append(got, ev) })
	mon.poll(ctx)
	require.Empty(t, got)

	mon.mu.Lock()
	offsetAfterTorn := mon.tracked["sess-2"].LastByteOffset
	mon.mu.Unlock()
	require.Equal(t, int64(0), offsetAfterTorn)

	f, err = os.OpenFile(transcriptPath, os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	time.Sleep(5 * time.Millisecond)

	mon.poll(ctx)
	require.Len(t, got, 1)
	require.Equal(t, "hello", got[0].Entry.Text)
}

// TestNewWindowCallbackFiresForUnboundWindow covers the live-window-without-
// SessionMap-entry path of spec.md §4.4 step 3.
func TestNewWindowCallbackFiresForUnboundWindow(t *testing.T) {
	mon, _, _ := newTestMonitor(t)
	mon.adapter = &fakeLister{windows: []tmux.Window{{ID: "@9", Name: "scratch", Cwd: "/tmp"}}}

	var events []NewWindowEvent
	mon.OnNewWindow(func(ev NewWindowEvent) { events = append(events, ev) })

	mon.poll(context.Background())
	require.Len(t, events, 1)
	require.Equal(t, "@9", events[0].WindowID)
	require.Empty(t, events[0].SessionID)
}

// TestSessionDroppedWhenWindowDisappears covers spec.md §4.4 step 2.
func TestSessionDroppedWhenWindowDisappears(t *testing.T) {
	mon, _, dir := newTestMonitor(t)

	transcriptPath := filepath.Join(dir, "projects", "proj", "sess-3.jsonl")
	writeTranscript(t, transcriptPath, "/work", []string{
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"T9","name":"Bash","input":{"command":"ls"}}]}}`,
	})
	writeSessionMap(t, filepath.Join(dir, "session-map.json"), map[string]map[string]string{
		"ccbot:@3": {"session_id": "sess-3", "cwd": "/work", "transcript_path": transcriptPath},
	})

	ctx := context.Background()
	mon.poll(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "session-map.json"), []byte(`{}`), 0o644))
	mon.poll(ctx)

	mon.mu.Lock()
	_, tracked := mon.tracked["sess-3"]
	mon.mu.Unlock()
	require.False(t, tracked)
}
