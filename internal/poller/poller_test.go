package poller

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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

type fakeAdapter struct {
	mu      sync.Mutex
	windows map[string]tmux.Window
	panes   map[string]string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{windows: map[string]tmux.Window{}, panes: map[string]string{}}
}

func (f *fakeAdapter) FindWindowByID(ctx context.Context, windowID string) (tmux.Window, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.windows[windowID]
	return w, ok
}

func (f *fakeAdapter) CapturePane(ctx context.Context, windowID string, withANSI bool) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, ok := f.panes[windowID]
	return text, ok
}

func (f *fakeAdapter) SendKeys(ctx context.Context, windowID, text string, enter, literal bool) error {
	return nil
}

type fakeQueue struct {
	mu      sync.Mutex
	updates []string
	clears  int
}

func (f *fakeQueue) EnqueueStatusUpdate(userID, chatID, threadID int64, windowID, statusText string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, statusText)
}

func (f *fakeQueue) EnqueueStatusClear(userID, chatID, threadID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
}

type fakeRecovery struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRecovery) NotifyDead(ctx context.Context, userID, chatID int64, threadID int, windowID, displayName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

// TestDeadWindowNotifiesOnceThenStaysQuiet covers Scenario 5 (dead-window
// detection): a window that stops resolving in tmux fires exactly one
// recovery notification across repeated poll cycles.
func TestDeadWindowNotifiesOnceThenStaysQuiet(t *testing.T) {
	st := newTestStore(t)
	st.BindThread(1, 100, "@1", "proj")

	adapter := newFakeAdapter() // @1 absent -> dead
	queue := &fakeQueue{}
	recovery := &fakeRecovery{}

	p := New(st, adapter, queue, nil, recovery, nil, nil, time.Second, time.Minute, 0)

	ctx := context.Background()
	p.cycle(ctx)
	p.cycle(ctx)
	p.cycle(ctx)

	require.Equal(t, 1, recovery.calls)
}

// TestStatusLineDrivesQueueUpdateAndClear covers the idle/busy status push:
// a pane with a spinner line enqueues an update, and once the spinner is
// gone the next cycle clears it.
func TestStatusLineDrivesQueueUpdateAndClear(t *testing.T) {
	st := newTestStore(t)
	st.BindThread(1, 100, "@1", "proj")

	adapter := newFakeAdapter()
	adapter.windows["@1"] = tmux.Window{ID: "@1", Name: "proj"}
	adapter.panes["@1"] = "✽ Pondering… (12s · ↑ 1.2k tokens · esc to interrupt)\n" + strings.Repeat("─", 40)

	queue := &fakeQueue{}
	p := New(st, adapter, queue, nil, nil, nil, nil, time.Second, time.Minute, 0)

	ctx := context.Background()
	p.cycle(ctx)
	require.Len(t, queue.updates, 1)
	require.Equal(t, 0, queue.clears)

	adapter.panes["@1"] = "$ "
	p.cycle(ctx)
	require.Equal(t, 1, queue.clears)
}

// TestLivenessSweepUnbindsOnDeletedTopic covers the 60s topic-liveness
// probe: a probe error classified as "deleted" triggers onDeleted exactly
// once per binding per sweep and clears the cached emoji state.
func TestLivenessSweepUnbindsOnDeletedTopic(t *testing.T) {
	st := newTestStore(t)
	st.BindThread(1, 100, "@1", "proj")

	p := New(st, newFakeAdapter(), &fakeQueue{}, nil, nil, nil, nil, time.Second, time.Minute, 0)
	p.emojiCache[emojiCacheKey{chatID: 1, threadID: 100}] = TopicActive

	var deletedWindow string
	probeErr := errDeleted{}
	p.livenessSweep(context.Background(),
		func(ctx context.Context, chatID, threadID int64) error { return probeErr },
		func(err error) bool { return err == probeErr },
		func(userID, threadID int64, windowID string) { deletedWindow = windowID })

	require.Equal(t, "@1", deletedWindow)
	_, cached := p.emojiCache[emojiCacheKey{chatID: 1, threadID: 100}]
	require.False(t, cached)
}

type errDeleted struct{}

func (errDeleted) Error() string { return "TOPIC_ID_INVALID" }
