package queue

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sixddc/ccbot/internal/tmux"
)

type sentMessage struct {
	chatID   int64
	threadID int
	text     string
	markdown bool
}

type editedMessage struct {
	chatID    int64
	messageID int
	text      string
	markdown  bool
}

type fakeSender struct {
	mu      sync.Mutex
	nextID  int
	sent    []sentMessage
	edited  []editedMessage
	deleted []int
	typing  int
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID int64, threadID int, text string, markdown bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sentMessage{chatID, threadID, text, markdown})
	return f.nextID, nil
}

func (f *fakeSender) EditMessageText(ctx context.Context, chatID int64, messageID int, text string, markdown bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, editedMessage{chatID, messageID, text, markdown})
	return nil
}

func (f *fakeSender) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeSender) SendTyping(ctx context.Context, chatID int64, threadID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeSender) snapshot() ([]sentMessage, []editedMessage, []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...), append([]editedMessage(nil), f.edited...), append([]int(nil), f.deleted...)
}

type fakeWindows struct{}

func (fakeWindows) FindWindowByID(ctx context.Context, windowID string) (tmux.Window, bool) {
	return tmux.Window{}, false
}

func (fakeWindows) CapturePane(ctx context.Context, windowID string, withANSI bool) (string, bool) {
	return "", false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// TestStatusFlickerAvoidance is scenario 3 from spec.md §8: a status message
// turns into the first content message via edit, not delete+send.
func TestStatusFlickerAvoidance(t *testing.T) {
	sender := &fakeSender{}
	q := New(sender, fakeWindows{})

	q.EnqueueStatusUpdate(1, 100, 5, "@1", "Running...")
	waitFor(t, func() bool {
		sent, _, _ := sender.snapshot()
		return len(sent) == 1
	})

	q.EnqueueContent(1, 100, 5, "@1", []string{"Done\\."}, "", "text")
	waitFor(t, func() bool {
		_, edited, _ := sender.snapshot()
		return len(edited) == 1
	})

	sent, edited, deleted := sender.snapshot()
	require.Len(t, sent, 1)
	require.Empty(t, deleted)
	require.Equal(t, 1, edited[0].messageID)
	require.Contains(t, edited[0].text, "Done")
}

// TestMergeUnderPressure is scenario 4 from spec.md §8: several queued
// content tasks for the same window collapse into one send.
func TestMergeUnderPressure(t *testing.T) {
	sender := &fakeSender{}
	q := New(sender, fakeWindows{})

	ch := q.queueFor(2)
	for i := 0; i < 4; i++ {
		ch <- Task{Kind: TaskContent, UserID: 2, ChatID: 200, WindowID: "@7", Parts: []string{"line"}, ContentType: "text"}
	}

	waitFor(t, func() bool {
		sent, _, _ := sender.snapshot()
		return len(sent) == 1
	})

	sent, _, _ := sender.snapshot()
	require.Len(t, sent, 1)
	require.Equal(t, 4, strings.Count(sent[0].text, "line"))
}

// TestToolResultEditsToolUseMessage covers the tool_use/tool_result
// edit-in-place pairing at the Queue boundary.
func TestToolResultEditsToolUseMessage(t *testing.T) {
	sender := &fakeSender{}
	q := New(sender, fakeWindows{})

	q.EnqueueContent(3, 300, 1, "@2", []string{"**Read**(a.py)"}, "T1", "tool_use")
	waitFor(t, func() bool {
		sent, _, _ := sender.snapshot()
		return len(sent) == 1
	})

	q.EnqueueContent(3, 300, 1, "@2", []string{"Read 3 lines"}, "T1", "tool_result")
	waitFor(t, func() bool {
		_, edited, _ := sender.snapshot()
		return len(edited) == 1
	})

	sent, edited, _ := sender.snapshot()
	require.Len(t, sent, 1)
	require.Len(t, edited, 1)
	require.Equal(t, sent[0].markdown, true)
	require.Contains(t, edited[0].text, "Read 3 lines")
}

// TestMergeSkipsToolMessages ensures tool_use/tool_result tasks never merge
// into a surrounding content run, matching _can_merge_tasks semantics.
func TestMergeSkipsToolMessages(t *testing.T) {
	sender := &fakeSender{}
	q := New(sender, fakeWindows{})

	ch := q.queueFor(4)
	ch <- Task{Kind: TaskContent, UserID: 4, ChatID: 400, WindowID: "@9", Parts: []string{"first"}, ContentType: "text"}
	ch <- Task{Kind: TaskContent, UserID: 4, ChatID: 400, WindowID: "@9", Parts: []string{"tool call"}, ContentType: "tool_use", ToolUseID: "T9"}

	waitFor(t, func() bool {
		sent, _, _ := sender.snapshot()
		return len(sent) == 2
	})

	sent, _, _ := sender.snapshot()
	require.Len(t, sent, 2)
	require.NotContains(t, sent[0].text, "tool call")
}
