package binding

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sixddc/ccbot/internal/config"
	"github.com/sixddc/ccbot/internal/store"
	"github.com/sixddc/ccbot/internal/tmux"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	return store.New(
		filepath.Join(dir, "state.json"),
		filepath.Join(dir, "session-map.json"),
		filepath.Join(dir, "projects"),
		"ccbot",
		10*time.Millisecond,
	)
}

type fakeSender struct {
	sentText   []string
	sentRows   [][]Button
	sentPrompt string
}

func (f *fakeSender) SendMessageWithButtons(ctx context.Context, chatID int64, threadID int, text string, markdown bool, rows [][]Button) (int, error) {
	f.sentPrompt = text
	f.sentRows = rows
	return 1, nil
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID int64, threadID int, text string, markdown bool) (int, error) {
	f.sentText = append(f.sentText, text)
	return 1, nil
}

func (f *fakeSender) CreateForumTopic(ctx context.Context, chatID int64, name string, iconColor int) (int, error) {
	return 1, nil
}

func (f *fakeSender) EditMessageText(ctx context.Context, chatID int64, messageID int, text string, markdown bool) error {
	return nil
}

func (f *fakeSender) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return nil
}

type fakeAdapter struct {
	windows map[string]tmux.Window
	sentKey []string
}

func (f *fakeAdapter) FindWindowByID(ctx context.Context, windowID string) (tmux.Window, bool) {
	w, ok := f.windows[windowID]
	return w, ok
}

func (f *fakeAdapter) ListWindows(ctx context.Context) ([]tmux.Window, error) {
	var out []tmux.Window
	for _, w := range f.windows {
		out = append(out, w)
	}
	return out, nil
}

func (f *fakeAdapter) SendKeys(ctx context.Context, windowID, text string, enter, literal bool) error {
	f.sentKey = append(f.sentKey, text)
	return nil
}

func (f *fakeAdapter) CreateWindow(ctx context.Context, workDir, windowName string, startClaude bool, claudeArgs string) (string, string, error) {
	return windowName, "@new", nil
}

func (f *fakeAdapter) CapturePane(ctx context.Context, windowID string, withANSI bool) (string, bool) {
	return "", false
}

// TestHandleTextForwardsToLiveBoundWindow covers the common path: a topic
// already bound to a live window just forwards the text via SendKeys.
func TestHandleTextForwardsToLiveBoundWindow(t *testing.T) {
	st := newTestStore(t)
	st.BindThread(1, 100, "@1", "proj")

	adapter := &fakeAdapter{windows: map[string]tmux.Window{"@1": {ID: "@1", Name: "proj"}}}
	sender := &fakeSender{}
	b := New(st, adapter, sender, &config.Config{})

	b.HandleText(context.Background(), 1, 1, 100, "hello")

	require.Equal(t, []string{"hello"}, adapter.sentKey)
	require.Empty(t, sender.sentText)
}

// TestHandleTextGuardsWhileUIPending covers spec.md's guard step: text sent
// while a picker/browser is active is not forwarded anywhere, just replied
// to with a reminder.
func TestHandleTextGuardsWhileUIPending(t *testing.T) {
	st := newTestStore(t)
	adapter := &fakeAdapter{windows: map[string]tmux.Window{}}
	sender := &fakeSender{}
	b := New(st, adapter, sender, &config.Config{})

	key := topicKey{userID: 1, threadID: 100}
	b.pending[key] = &pendingUI{state: UISelectingWindow}

	b.HandleText(context.Background(), 1, 1, 100, "hello")

	require.Empty(t, adapter.sentKey)
	require.Len(t, sender.sentText, 1)
	require.Contains(t, sender.sentText[0], "menu")
}

// TestHandleTextWithNoUnboundWindowsShowsDirectoryBrowser covers the
// unbound-window flow's fallback branch: no live unbound windows exist, so
// the user sees a directory browser instead of a window picker.
func TestHandleTextWithNoUnboundWindowsShowsDirectoryBrowser(t *testing.T) {
	st := newTestStore(t)
	adapter := &fakeAdapter{windows: map[string]tmux.Window{}}
	sender := &fakeSender{}
	b := New(st, adapter, sender, &config.Config{})

	b.HandleText(context.Background(), 1, 1, 100, "hello")

	require.Contains(t, sender.sentPrompt, "No unbound windows")
	key := topicKey{userID: 1, threadID: 100}
	require.Equal(t, UIBrowsingDirectory, b.pending[key].state)
}

// TestHandleTextWithUnboundWindowsShowsPicker covers the window-picker
// branch: a live window not yet bound to any topic offers itself as a
// button rather than falling through to the directory browser.
func TestHandleTextWithUnboundWindowsShowsPicker(t *testing.T) {
	st := newTestStore(t)
	adapter := &fakeAdapter{windows: map[string]tmux.Window{"@2": {ID: "@2", Name: "other"}}}
	sender := &fakeSender{}
	b := New(st, adapter, sender, &config.Config{})

	b.HandleText(context.Background(), 1, 1, 100, "hello")

	require.Contains(t, sender.sentPrompt, "Pick a window")
	require.Len(t, sender.sentRows, 1)
	require.Equal(t, "wb:@2", sender.sentRows[0][0].Data)
}
