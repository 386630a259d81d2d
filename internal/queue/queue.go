// Package queue implements ccbot's per-user FIFO message delivery (spec.md
// §4.6): one worker per user_id, adjacent-content merging, tool_use/
// tool_result edit-in-place, and status-message flicker avoidance.
//
// Grounded on otaviocarvalho-tramuntana/internal/queue/queue.go for the
// Go-native channel-per-user worker shape, and on
// original_source/src/ccmux/message_queue.py for the precise merge/edit
// semantics (non-destructive queue drain under a lock, status-to-content
// conversion, tool message id tracking) that the Go reference simplifies.
package queue

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/sixddc/ccbot/internal/paneparser"
	"github.com/sixddc/ccbot/internal/tmux"
)

// mergeMaxLength bounds merged content length, leaving room for markup
// conversion overhead within Telegram's 4096 char message cap.
const mergeMaxLength = 3800

const chanBufSize = 256

// TaskKind is the discriminator for queued work.
type TaskKind string

const (
	TaskContent      TaskKind = "content"
	TaskStatusUpdate TaskKind = "status_update"
	TaskStatusClear  TaskKind = "status_clear"
)

// Task is one unit of outbound work for a user's delivery worker.
type Task struct {
	Kind TaskKind

	UserID   int64
	ThreadID int64
	ChatID   int64
	WindowID string

	// content fields
	Parts       []string
	ToolUseID   string
	ContentType string // "text", "tool_use", "tool_result", ...

	// status fields
	StatusText string
}

func (t Task) joinedText() string { return strings.Join(t.Parts, "\n\n") }

func (t Task) length() int {
	n := 0
	for _, p := range t.Parts {
		n += len(p)
	}
	return n
}

// Sender is the narrow outbound surface the Queue depends on, satisfied by
// *telegram.Client. Kept narrow so tests can fake it without a live bot.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, threadID int, text string, markdown bool) (int, error)
	EditMessageText(ctx context.Context, chatID int64, messageID int, text string, markdown bool) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	SendTyping(ctx context.Context, chatID int64, threadID int) error
}

// WindowLister is the subset of the Multiplex Adapter the post-delivery
// status re-check needs.
type WindowLister interface {
	FindWindowByID(ctx context.Context, windowID string) (tmux.Window, bool)
	CapturePane(ctx context.Context, windowID string, withANSI bool) (string, bool)
}

type statusInfo struct {
	chatID    int64
	messageID int
	windowID  string
	text      string
}

// toolKey pairs a tool_use_id with the user it was delivered to, matching
// the (tool_use_id, user_id) composite key from message_queue.py.
type toolKey struct {
	toolUseID string
	userID    int64
}

// Queue owns one delivery worker per user_id.
type Queue struct {
	sender  Sender
	windows WindowLister

	mu      sync.Mutex
	queues  map[int64]chan Task
	locks   map[int64]*sync.Mutex // per-user merge lock, guards queue drain/refill
	toolMsg map[toolKey]int       // tool_use_id+user -> message_id
	status  map[int64]statusInfo  // user_id -> current status message
}

// New constructs a Queue. sender delivers messages; windows is used for the
// post-send pane-status re-check (step 5 of processContentTask).
func New(sender Sender, windows WindowLister) *Queue {
	return &Queue{
		sender:  sender,
		windows: windows,
		queues:  map[int64]chan Task{},
		locks:   map[int64]*sync.Mutex{},
		toolMsg: map[toolKey]int{},
		status:  map[int64]statusInfo{},
	}
}

func (q *Queue) queueFor(userID int64) chan Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[userID]
	if ok {
		return ch
	}
	ch = make(chan Task, chanBufSize)
	q.queues[userID] = ch
	q.locks[userID] = &sync.Mutex{}
	go q.worker(userID, ch)
	return ch
}

// Enqueue adds a task to its user's queue, creating the queue and worker on
// first use.
func (q *Queue) Enqueue(task Task) {
	ch := q.queueFor(task.UserID)
	select {
	case ch <- task:
	default:
		log.Printf("queue: full for user %d, dropping %s task", task.UserID, task.Kind)
	}
}

// QueueLen reports how many tasks are currently buffered for a user
// (diagnostic/testing use; the status re-check uses it to skip redundant
// pane polls while more content is already pending).
func (q *Queue) QueueLen(userID int64) int {
	q.mu.Lock()
	ch, ok := q.queues[userID]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	return len(ch)
}

func (q *Queue) worker(userID int64, ch chan Task) {
	ctx := context.Background()
	for task := range ch {
		q.process(ctx, userID, ch, task)
	}
}

func (q *Queue) process(ctx context.Context, userID int64, ch chan Task, task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("queue: panic processing task for user %d: %v", userID, r)
		}
	}()

	switch task.Kind {
	case TaskContent:
		merged := q.mergeContent(userID, ch, task)
		q.processContent(ctx, userID, merged)
	case TaskStatusUpdate:
		q.processStatusUpdate(ctx, userID, task)
	case TaskStatusClear:
		q.clearStatus(ctx, userID)
	}
}

// mergeContent non-destructively drains the queue under the user's lock,
// folding in consecutive content tasks for the same window that are not
// tool_use/tool_result (those break the merge chain since they're edited
// individually), up to mergeMaxLength total.
func (q *Queue) mergeContent(userID int64, ch chan Task, first Task) Task {
	q.mu.Lock()
	lock := q.locks[userID]
	q.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	drained := drainNonBlocking(ch)
	merged := first
	length := first.length()

	i := 0
	for ; i < len(drained); i++ {
		cand := drained[i]
		if !canMerge(first, cand) {
			break
		}
		candLen := cand.length()
		if length+candLen > mergeMaxLength {
			break
		}
		merged.Parts = append(merged.Parts, cand.Parts...)
		length += candLen
	}

	for _, leftover := range drained[i:] {
		select {
		case ch <- leftover:
		default:
			log.Printf("queue: full refilling merge leftovers for user %d", userID)
		}
	}
	return merged
}

func drainNonBlocking(ch chan Task) []Task {
	var items []Task
	for {
		select {
		case t := <-ch:
			items = append(items, t)
		default:
			return items
		}
	}
}

func canMerge(base, candidate Task) bool {
	if candidate.Kind != TaskContent {
		return false
	}
	if base.WindowID != candidate.WindowID {
		return false
	}
	if base.ContentType == "tool_use" || base.ContentType == "tool_result" {
		return false
	}
	if candidate.ContentType == "tool_use" || candidate.ContentType == "tool_result" {
		return false
	}
	return true
}

func (q *Queue) processContent(ctx context.Context, userID int64, task Task) {
	if task.ContentType == "tool_result" && task.ToolUseID != "" {
		if q.editToolMessage(ctx, userID, task) {
			q.checkAndSendStatus(ctx, userID, task.ChatID, task.ThreadID, task.WindowID)
			return
		}
	}

	chunks := splitMessage(task.joinedText(), mergeMaxLength)

	var lastMsgID int
	for i, chunk := range chunks {
		if i == 0 {
			if msgID, ok := q.convertStatusToContent(ctx, userID, task.ChatID, task.ThreadID, task.WindowID, chunk); ok {
				lastMsgID = msgID
				continue
			}
		}
		msgID, err := q.send(ctx, task.ChatID, task.ThreadID, chunk)
		if err != nil {
			log.Printf("queue: send to user %d: %v", userID, err)
			continue
		}
		lastMsgID = msgID
	}

	if lastMsgID != 0 && task.ToolUseID != "" && task.ContentType == "tool_use" {
		q.mu.Lock()
		q.toolMsg[toolKey{task.ToolUseID, userID}] = lastMsgID
		q.mu.Unlock()
	}

	q.checkAndSendStatus(ctx, userID, task.ChatID, task.ThreadID, task.WindowID)
}

// editToolMessage edits a previously recorded tool_use message in place with
// its tool_result, clearing any status message first. Returns false if no
// tracked message exists or the edit fails outright (caller falls back to
// sending the result as a new message).
func (q *Queue) editToolMessage(ctx context.Context, userID int64, task Task) bool {
	key := toolKey{task.ToolUseID, userID}
	q.mu.Lock()
	msgID, ok := q.toolMsg[key]
	if ok {
		delete(q.toolMsg, key)
	}
	q.mu.Unlock()
	if !ok {
		return false
	}

	q.clearStatus(ctx, userID)
	if err := q.edit(ctx, task.ChatID, msgID, task.joinedText()); err != nil {
		log.Printf("queue: editing tool result for user %d: %v", userID, err)
		return false
	}
	return true
}

// convertStatusToContent edits an existing status message into the first
// content message instead of deleting and resending, avoiding a visible
// flicker. Returns ok=false (and does nothing) if there is no status
// message, it belongs to a different window, or the edit fails.
func (q *Queue) convertStatusToContent(ctx context.Context, userID, chatID, threadID int64, windowID, text string) (int, bool) {
	q.mu.Lock()
	info, ok := q.status[userID]
	if ok {
		delete(q.status, userID)
	}
	q.mu.Unlock()
	if !ok {
		return 0, false
	}
	if info.windowID != windowID {
		_ = q.sender.DeleteMessage(ctx, info.chatID, info.messageID)
		return 0, false
	}
	if err := q.edit(ctx, chatID, info.messageID, text); err != nil {
		return 0, false
	}
	return info.messageID, true
}

func (q *Queue) processStatusUpdate(ctx context.Context, userID int64, task Task) {
	if task.StatusText == "" {
		q.clearStatus(ctx, userID)
		return
	}

	if strings.Contains(strings.ToLower(task.StatusText), "esc to interrupt") {
		_ = q.sender.SendTyping(ctx, task.ChatID, int(task.ThreadID))
	}

	q.mu.Lock()
	current, hasCurrent := q.status[userID]
	q.mu.Unlock()

	switch {
	case !hasCurrent:
		q.sendStatus(ctx, userID, task.ChatID, task.ThreadID, task.WindowID, task.StatusText)
	case current.windowID != task.WindowID:
		q.clearStatus(ctx, userID)
		q.sendStatus(ctx, userID, task.ChatID, task.ThreadID, task.WindowID, task.StatusText)
	case current.text == task.StatusText:
		// unchanged, skip to avoid a no-op edit
	default:
		if err := q.edit(ctx, task.ChatID, current.messageID, task.StatusText); err != nil {
			q.mu.Lock()
			delete(q.status, userID)
			q.mu.Unlock()
			q.sendStatus(ctx, userID, task.ChatID, task.ThreadID, task.WindowID, task.StatusText)
			return
		}
		q.mu.Lock()
		q.status[userID] = statusInfo{chatID: task.ChatID, messageID: current.messageID, windowID: task.WindowID, text: task.StatusText}
		q.mu.Unlock()
	}
}

func (q *Queue) sendStatus(ctx context.Context, userID, chatID, threadID int64, windowID, text string) {
	msgID, err := q.send(ctx, chatID, threadID, text)
	if err != nil {
		log.Printf("queue: sending status for user %d: %v", userID, err)
		return
	}
	q.mu.Lock()
	q.status[userID] = statusInfo{chatID: chatID, messageID: msgID, windowID: windowID, text: text}
	q.mu.Unlock()
}

func (q *Queue) clearStatus(ctx context.Context, userID int64) {
	q.mu.Lock()
	info, ok := q.status[userID]
	if ok {
		delete(q.status, userID)
	}
	q.mu.Unlock()
	if ok {
		_ = q.sender.DeleteMessage(ctx, info.chatID, info.messageID)
	}
}

// checkAndSendStatus re-queries the pane for a status line and, if present
// and nothing else is already pending for this user, sends it as a fresh
// status message below the content just delivered.
func (q *Queue) checkAndSendStatus(ctx context.Context, userID, chatID, threadID int64, windowID string) {
	if q.QueueLen(userID) > 0 {
		return
	}
	w, ok := q.windows.FindWindowByID(ctx, windowID)
	if !ok {
		return
	}
	paneText, ok := q.windows.CapturePane(ctx, w.ID, false)
	if !ok {
		return
	}
	statusLine, ok := paneparser.ParseStatusLine(paneText)
	if !ok || statusLine == "" {
		return
	}
	q.sendStatus(ctx, userID, chatID, threadID, windowID, statusLine)
}

func (q *Queue) send(ctx context.Context, chatID, threadID int64, text string) (int, error) {
	converted := convertMarkdown(text)
	msgID, err := q.sender.SendMessage(ctx, chatID, int(threadID), converted, true)
	if err == nil {
		return msgID, nil
	}
	return q.sender.SendMessage(ctx, chatID, int(threadID), text, false)
}

func (q *Queue) edit(ctx context.Context, chatID int64, messageID int, text string) error {
	converted := convertMarkdown(text)
	if err := q.sender.EditMessageText(ctx, chatID, messageID, converted, true); err == nil {
		return nil
	}
	return q.sender.EditMessageText(ctx, chatID, messageID, text, false)
}

// EnqueueContent is a convenience wrapper building and enqueueing a content
// task, mirroring enqueue_content_message from message_queue.py.
func (q *Queue) EnqueueContent(userID, chatID, threadID int64, windowID string, parts []string, toolUseID, contentType string) {
	q.Enqueue(Task{
		Kind:        TaskContent,
		UserID:      userID,
		ChatID:      chatID,
		ThreadID:    threadID,
		WindowID:    windowID,
		Parts:       parts,
		ToolUseID:   toolUseID,
		ContentType: contentType,
	})
}

// EnqueueStatusUpdate mirrors enqueue_status_update.
func (q *Queue) EnqueueStatusUpdate(userID, chatID, threadID int64, windowID, statusText string) {
	q.Enqueue(Task{
		Kind:       TaskStatusUpdate,
		UserID:     userID,
		ChatID:     chatID,
		ThreadID:   threadID,
		WindowID:   windowID,
		StatusText: statusText,
	})
}

// EnqueueStatusClear mirrors enqueue_status_clear.
func (q *Queue) EnqueueStatusClear(userID, chatID, threadID int64) {
	q.Enqueue(Task{Kind: TaskStatusClear, UserID: userID, ChatID: chatID, ThreadID: threadID})
}
