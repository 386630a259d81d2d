package router

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sixddc/ccbot/internal/binding"
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

// fakeChat implements both binding.Sender and router.Sender; the two
// interfaces' Button-carrying methods share a type via the Button alias.
type fakeChat struct {
	edited       []string
	answered     []string
	renamedTopic string
}

func (f *fakeChat) SendMessageWithButtons(ctx context.Context, chatID int64, threadID int, text string, markdown bool, rows [][]Button) (int, error) {
	return 1, nil
}
func (f *fakeChat) SendMessage(ctx context.Context, chatID int64, threadID int, text string, markdown bool) (int, error) {
	return 1, nil
}
func (f *fakeChat) CreateForumTopic(ctx context.Context, chatID int64, name string, iconColor int) (int, error) {
	return 1, nil
}
func (f *fakeChat) EditMessageText(ctx context.Context, chatID int64, messageID int, text string, markdown bool) error {
	f.edited = append(f.edited, text)
	return nil
}
func (f *fakeChat) EditMessageTextAndButtons(ctx context.Context, chatID int64, messageID int, text string, markdown bool, rows [][]Button) error {
	f.edited = append(f.edited, text)
	return nil
}
func (f *fakeChat) DeleteMessage(ctx context.Context, chatID int64, messageID int) error { return nil }
func (f *fakeChat) AnswerCallbackQuery(ctx context.Context, callbackID, text string, showAlert bool) error {
	f.answered = append(f.answered, text)
	return nil
}
func (f *fakeChat) EditForumTopic(ctx context.Context, chatID int64, threadID int, name string) error {
	f.renamedTopic = name
	return nil
}
func (f *fakeChat) SendDocument(ctx context.Context, chatID int64, threadID int, filename string, data io.Reader, caption string) error {
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
func (f *fakeAdapter) KillWindow(ctx context.Context, windowID string) error { return nil }
func (f *fakeAdapter) CreateWindow(ctx context.Context, workDir, windowName string, startClaude bool, claudeArgs string) (string, string, error) {
	return windowName, "@new", nil
}
func (f *fakeAdapter) CapturePane(ctx context.Context, windowID string, withANSI bool) (string, bool) {
	return "", false
}

// TestDispatchBindsWindowAndForwardsPendingText covers the wb: prefix: a
// picker button pick binds the window, forwards the text that triggered
// the picker, and renames the topic after its window's name.
func TestDispatchBindsWindowAndForwardsPendingText(t *testing.T) {
	st := newTestStore(t)
	chat := &fakeChat{}
	adapter := &fakeAdapter{windows: map[string]tmux.Window{"@2": {ID: "@2", Name: "myproj"}}}
	b := binding.New(st, adapter, chat, &config.Config{})

	// Drives the unbound-window flow into the picker state with "hello"
	// as the pending text, exactly as the Binding Orchestrator would.
	b.HandleText(context.Background(), 1, 1, 100, "hello")

	r := New(st, adapter, b, chat, nil)
	r.Dispatch(context.Background(), 1, 1, 100, 42, "cb1", "wb:@2")

	require.Equal(t, []string{"hello"}, adapter.sentKey)
	require.Equal(t, "myproj", chat.renamedTopic)
	windowID, bound := st.GetWindowForThread(1, 100)
	require.True(t, bound)
	require.Equal(t, "@2", windowID)
}

// TestDispatchAnswersInvalidDataForUnknownPrefix covers the fallback
// branch: callback data matching no known prefix just answers with an
// error toast instead of panicking or silently dropping the callback.
func TestDispatchAnswersInvalidDataForUnknownPrefix(t *testing.T) {
	st := newTestStore(t)
	chat := &fakeChat{}
	adapter := &fakeAdapter{windows: map[string]tmux.Window{}}
	b := binding.New(st, adapter, chat, &config.Config{})
	r := New(st, adapter, b, chat, nil)

	r.Dispatch(context.Background(), 1, 1, 100, 42, "cb1", "bogus:data")

	require.Equal(t, []string{"Invalid data"}, chat.answered)
}

// TestDispatchNoopJustAnswers covers the pagination-counter button, which
// carries no action beyond clearing the callback's loading spinner.
func TestDispatchNoopJustAnswers(t *testing.T) {
	st := newTestStore(t)
	chat := &fakeChat{}
	adapter := &fakeAdapter{windows: map[string]tmux.Window{}}
	b := binding.New(st, adapter, chat, &config.Config{})
	r := New(st, adapter, b, chat, nil)

	r.Dispatch(context.Background(), 1, 1, 100, 42, "cb1", "noop")

	require.Equal(t, []string{""}, chat.answered)
}
