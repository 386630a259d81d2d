package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sixddc/ccbot/internal/tmux"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(
		filepath.Join(dir, "state.json"),
		filepath.Join(dir, "session-map.json"),
		filepath.Join(dir, "projects"),
		"ccbot",
		10*time.Millisecond,
	)
}

func TestNotificationModeCycle(t *testing.T) {
	s := newTestStore(t)
	require.Equal(t, "all", s.GetNotificationMode("@1"))
	require.Equal(t, "errors_only", s.CycleNotificationMode("@1"))
	require.Equal(t, "muted", s.CycleNotificationMode("@1"))
	require.Equal(t, "all", s.CycleNotificationMode("@1"))
}

func TestSetNotificationModeRejectsUnknown(t *testing.T) {
	s := newTestStore(t)
	require.Error(t, s.SetNotificationMode("@1", "bogus"))
}

func TestThreadBindingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	s.BindThread(100, 5, "@2", "my-project")

	wid, ok := s.GetWindowForThread(100, 5)
	require.True(t, ok)
	require.Equal(t, "@2", wid)

	tid, ok := s.GetThreadForWindow(100, "@2")
	require.True(t, ok)
	require.EqualValues(t, 5, tid)

	removed, ok := s.UnbindThread(100, 5)
	require.True(t, ok)
	require.Equal(t, "@2", removed)

	_, ok = s.GetWindowForThread(100, 5)
	require.False(t, ok)
	_, ok = s.GetThreadForWindow(100, "@2")
	require.False(t, ok)
}

func TestFindUsersForSession(t *testing.T) {
	s := newTestStore(t)
	s.BindThread(1, 10, "@1", "")
	s.BindThread(2, 20, "@2", "")
	s.GetWindowState("@1").SessionID = "sess-a"
	s.GetWindowState("@2").SessionID = "sess-b"

	result := s.FindUsersForSession("sess-a")
	require.Len(t, result, 1)
	require.Equal(t, int64(1), result[0].UserID)
	require.Equal(t, "@1", result[0].WindowID)
}

func TestResolveChatIDFallsBackToUser(t *testing.T) {
	s := newTestStore(t)
	require.EqualValues(t, 42, s.ResolveChatID(42, nil))

	thread := int64(7)
	require.EqualValues(t, 42, s.ResolveChatID(42, &thread))

	s.SetGroupChatID(42, 7, -100500)
	require.EqualValues(t, -100500, s.ResolveChatID(42, &thread))
}

func TestUpdateUserMRUDedupesAndCaps(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	paths := make([]string, 7)
	for i := range paths {
		paths[i] = filepath.Join(dir, string(rune('a'+i)))
		s.UpdateUserMRU(1, paths[i])
	}
	// Re-touch the first directory; it should move back to front.
	s.UpdateUserMRU(1, paths[0])

	mru := s.GetUserMRU(1)
	require.Len(t, mru, mruCap)
	require.Equal(t, paths[0], mru[0])
}

func TestToggleUserStar(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "proj")

	require.True(t, s.ToggleUserStar(1, path))
	require.Contains(t, s.GetUserStarred(1), path)

	require.False(t, s.ToggleUserStar(1, path))
	require.NotContains(t, s.GetUserStarred(1), path)
}

func TestLoadSessionMapProtectsOldFormatSessions(t *testing.T) {
	s := newTestStore(t)
	s.GetWindowState("@5").SessionID = "sess-migrated"
	s.GetWindowState("@5").Cwd = "/tmp/proj"

	sessionMap := map[string]map[string]string{
		"ccbot:my-project": {
			"session_id": "sess-migrated",
			"cwd":        "/tmp/proj",
		},
	}
	data, err := json.Marshal(sessionMap)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.sessionMapPath, data, 0o600))

	require.NoError(t, s.LoadSessionMap())

	// The old-format key referencing the same session_id protects @5 from
	// the stale-window cleanup pass.
	_, ok := s.windowStates["@5"]
	require.True(t, ok)

	// The old-format key itself is purged from the on-disk session map.
	raw, err := os.ReadFile(s.sessionMapPath)
	require.NoError(t, err)
	var after map[string]any
	require.NoError(t, json.Unmarshal(raw, &after))
	require.NotContains(t, after, "ccbot:my-project")
}

func TestLoadSessionMapUpdatesWindowState(t *testing.T) {
	s := newTestStore(t)
	sessionMap := map[string]map[string]string{
		"ccbot:@3": {
			"session_id":  "sess-1",
			"cwd":         "/tmp/proj",
			"window_name": "my-project",
		},
		"other-session:@9": {
			"session_id": "unrelated",
		},
	}
	data, err := json.Marshal(sessionMap)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.sessionMapPath, data, 0o600))

	require.NoError(t, s.LoadSessionMap())

	state := s.GetWindowState("@3")
	require.Equal(t, "sess-1", state.SessionID)
	require.Equal(t, "/tmp/proj", state.Cwd)
	require.Equal(t, "my-project", s.GetDisplayName("@3"))

	_, ok := s.windowStates["@9"]
	require.False(t, ok)
}

func TestResolveStaleIDsRemapsWindowStateByDisplayName(t *testing.T) {
	s := newTestStore(t)
	s.GetWindowState("@1")
	s.SetDisplayName("@1", "my-project")

	// Simulate a tmux restart: the same window now has a new window_id.
	live := []tmux.Window{{ID: "@99", Name: "my-project"}}
	s.ResolveStaleIDs(live)

	_, ok := s.windowStates["@1"]
	require.False(t, ok)
	state, ok := s.windowStates["@99"]
	require.True(t, ok)
	require.Equal(t, "my-project", state.WindowName)
}

func TestResolveStaleIDsDropsUnmatchedWindow(t *testing.T) {
	s := newTestStore(t)
	s.GetWindowState("@1")
	s.SetDisplayName("@1", "gone-project")

	s.ResolveStaleIDs(nil)

	_, ok := s.windowStates["@1"]
	require.False(t, ok)
}

func TestFlushAndReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	sessionMapPath := filepath.Join(dir, "session-map.json")
	projectsDir := filepath.Join(dir, "projects")

	s := New(path, sessionMapPath, projectsDir, "ccbot", time.Hour)
	s.BindThread(1, 2, "@3", "my-project")
	s.Flush()

	reloaded := New(path, sessionMapPath, projectsDir, "ccbot", time.Hour)
	wid, ok := reloaded.GetWindowForThread(1, 2)
	require.True(t, ok)
	require.Equal(t, "@3", wid)
}
