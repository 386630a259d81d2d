// Package router implements ccbot's Callback Router (C9): the dispatcher
// for every inline-keyboard button press, grouped by the callback-data
// prefix families spec.md §4.9 names (hp:/hn:, db:*, wb:*, sess:*, st:*,
// aq:*, kb:*, ss:ref:, rec:*, res:*).
//
// Grounded on original_source/src/ccbot/handlers/*.py, one file per
// prefix family, and on the teacher's single-entrypoint dispatch shape
// (a callback handler that looks at a leading token and branches).
package router

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sixddc/ccbot/internal/binding"
	"github.com/sixddc/ccbot/internal/store"
	"github.com/sixddc/ccbot/internal/tmux"
)

// resumePageSize is the /resume picker's page size; maxRecoveryPicks caps
// how many past sessions the rec:r: recovery picker lists.
const (
	resumePageSize   = 5
	sessionsPerPage  = 6 // unused: the dashboard is not paginated, listed for parity with the original's page size
	maxRecoveryPicks = 6
)

// Button mirrors binding.Button; the alias keeps Router call sites reading
// naturally while still type-matching binding's Sender surface.
type Button = binding.Button

// Sender is the chat-client surface the Router needs to answer callbacks
// and refresh the message a button was attached to.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, threadID int, text string, markdown bool) (int, error)
	SendMessageWithButtons(ctx context.Context, chatID int64, threadID int, text string, markdown bool, rows [][]Button) (int, error)
	EditMessageText(ctx context.Context, chatID int64, messageID int, text string, markdown bool) error
	EditMessageTextAndButtons(ctx context.Context, chatID int64, messageID int, text string, markdown bool, rows [][]Button) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	AnswerCallbackQuery(ctx context.Context, callbackID, text string, showAlert bool) error
	EditForumTopic(ctx context.Context, chatID int64, threadID int, name string) error
	SendDocument(ctx context.Context, chatID int64, threadID int, filename string, data io.Reader, caption string) error
}

// Adapter is the subset of the Multiplex Adapter the Router drives
// directly (history/dashboard/screenshot paths bypass Binding, which only
// owns the text-message state machine).
type Adapter interface {
	FindWindowByID(ctx context.Context, windowID string) (tmux.Window, bool)
	ListWindows(ctx context.Context) ([]tmux.Window, error)
	SendKeys(ctx context.Context, windowID, text string, enter, literal bool) error
	CapturePane(ctx context.Context, windowID string, withANSI bool) (string, bool)
	KillWindow(ctx context.Context, windowID string) error
	CreateWindow(ctx context.Context, workDir, windowName string, startClaude bool, claudeArgs string) (finalName, windowID string, err error)
}

// ScreenshotRenderer turns an ANSI-preserving pane capture into an image
// document. It is the out-of-scope collaborator spec.md §1 calls out;
// this repo defines only the boundary, no concrete implementation. Only
// sendScreenshot (/ss, st:ss:) uses it; when it is nil, or rendering or the
// upload fails, the pane is sent as a plain-text code block instead.
// ss:ref:/kb:* always redraw that plain-text block in place.
type ScreenshotRenderer interface {
	Render(ctx context.Context, windowID, paneANSI string) (filename string, data []byte, err error)
}

type topicKey struct {
	userID   int64
	threadID int64
}

// recoveryPick is the ephemeral state behind a topic's rec:r: resume
// picker: the cached candidate list plus the dead-window/pending-text
// context needed to finish recovery once a pick or cancel arrives.
// Session Store has no persisted notion of "the list I just showed this
// user", matching the original's per-user in-memory RECOVERY_SESSIONS.
type recoveryPick struct {
	deadWindowID string
	pendingText  string
	sessions     []store.ClaudeSession
}

// resumePick is the standalone /resume browser's analogous ephemeral
// state, scoped per topic rather than per dead-window.
type resumePick struct {
	cwd      string
	sessions []store.ClaudeSession
	page     int
}

// Router dispatches inline-keyboard callbacks. It holds only the ephemeral
// caches neither the Session Store nor Binding are responsible for.
type Router struct {
	store      *store.Store
	adapter    Adapter
	binding    *binding.Binding
	sender     Sender
	screenshot ScreenshotRenderer

	mu          sync.Mutex
	recovery    map[topicKey]*recoveryPick
	resume      map[topicKey]*resumePick
}

// New creates a Router. screenshot may be nil.
func New(st *store.Store, adapter Adapter, b *binding.Binding, sender Sender, screenshot ScreenshotRenderer) *Router {
	return &Router{
		store:      st,
		adapter:    adapter,
		binding:    b,
		sender:     sender,
		screenshot: screenshot,
		recovery:   map[topicKey]*recoveryPick{},
		resume:     map[topicKey]*resumePick{},
	}
}

// Dispatch is the single entrypoint: userID/chatID/threadID identify the
// topic the callback arrived in, callbackID is Telegram's callback query
// ID (for AnswerCallbackQuery), messageID is the message the inline
// keyboard is attached to, and data is the raw callback_data payload.
func (r *Router) Dispatch(ctx context.Context, userID, chatID int64, thread, messageID int, callbackID, data string) {
	threadID := int64(thread)
	switch {
	case strings.HasPrefix(data, "hp:") || strings.HasPrefix(data, "hn:"):
		r.handleHistory(ctx, chatID, thread, messageID, callbackID, data)
	case strings.HasPrefix(data, "db:cd:"):
		r.handleDirCD(ctx, userID, chatID, threadID, callbackID, strings.TrimPrefix(data, "db:cd:"))
	case strings.HasPrefix(data, "db:star:"):
		r.handleDirStar(ctx, userID, callbackID, strings.TrimPrefix(data, "db:star:"))
	case strings.HasPrefix(data, "wb:"):
		r.handleWindowBind(ctx, userID, chatID, threadID, callbackID, strings.TrimPrefix(data, "wb:"))
	case data == "sess:ref":
		r.handleSessionsRefresh(ctx, userID, chatID, messageID, callbackID)
	case data == "sess:new":
		r.handleSessionsNew(ctx, userID, chatID, threadID, callbackID)
	case strings.HasPrefix(data, "sess:killok:"):
		r.handleSessionsKillConfirm(ctx, userID, chatID, messageID, callbackID, strings.TrimPrefix(data, "sess:killok:"))
	case strings.HasPrefix(data, "sess:kill:"):
		r.handleSessionsKill(ctx, chatID, messageID, callbackID, strings.TrimPrefix(data, "sess:kill:"))
	case strings.HasPrefix(data, "st:esc:"):
		r.handleStatusEsc(ctx, callbackID, strings.TrimPrefix(data, "st:esc:"))
	case strings.HasPrefix(data, "st:ss:"):
		r.handleStatusScreenshot(ctx, chatID, threadID, callbackID, strings.TrimPrefix(data, "st:ss:"))
	case strings.HasPrefix(data, "aq:"):
		r.handleInteractiveKey(ctx, userID, chatID, thread, callbackID, strings.TrimPrefix(data, "aq:"))
	case strings.HasPrefix(data, "kb:"):
		r.handleScreenshotKey(ctx, chatID, threadID, messageID, callbackID, strings.TrimPrefix(data, "kb:"))
	case strings.HasPrefix(data, "ss:ref:"):
		r.handleScreenshotRefresh(ctx, chatID, threadID, messageID, callbackID, strings.TrimPrefix(data, "ss:ref:"))
	case strings.HasPrefix(data, "rec:f:"):
		r.handleRecoveryFresh(ctx, userID, chatID, threadID, callbackID, strings.TrimPrefix(data, "rec:f:"), false)
	case strings.HasPrefix(data, "rec:c:"):
		r.handleRecoveryFresh(ctx, userID, chatID, threadID, callbackID, strings.TrimPrefix(data, "rec:c:"), true)
	case strings.HasPrefix(data, "rec:r:"):
		r.handleRecoveryResumeMenu(ctx, userID, chatID, threadID, messageID, callbackID, strings.TrimPrefix(data, "rec:r:"))
	case strings.HasPrefix(data, "rec:p:"):
		r.handleRecoveryPick(ctx, userID, chatID, threadID, messageID, callbackID, strings.TrimPrefix(data, "rec:p:"))
	case strings.HasPrefix(data, "rec:b:"):
		r.handleRecoveryBack(ctx, userID, threadID, messageID, callbackID, strings.TrimPrefix(data, "rec:b:"))
	case data == "rec:x":
		r.handleRecoveryCancel(ctx, userID, threadID, messageID, callbackID)
	case strings.HasPrefix(data, "res:p:"):
		r.handleResumePick(ctx, userID, chatID, threadID, messageID, callbackID, strings.TrimPrefix(data, "res:p:"))
	case strings.HasPrefix(data, "res:pg:"):
		r.handleResumePage(ctx, userID, threadID, messageID, callbackID, strings.TrimPrefix(data, "res:pg:"))
	case data == "res:x":
		r.handleResumeCancel(ctx, userID, threadID, messageID, callbackID)
	case data == "noop":
		r.answer(ctx, callbackID, "", false)
	default:
		r.answer(ctx, callbackID, "Invalid data", false)
	}
}

func (r *Router) answer(ctx context.Context, callbackID, text string, alert bool) {
	if err := r.sender.AnswerCallbackQuery(ctx, callbackID, text, alert); err != nil {
		log.Printf("router: answer callback: %v", err)
	}
}

// --- hp:/hn: history pagination -------------------------------------------

// handleHistory replays one page of a window's parsed transcript. Callback
// data is "hp:<page>:<window_id>:<start>:<end>" (or legacy
// "hp:<page>:<window_id>" meaning full history); window_id never contains
// a colon (tmux window_ids are "@<n>"), so a plain 4-way split suffices.
func (r *Router) handleHistory(ctx context.Context, chatID int64, threadID, messageID int, callbackID, data string) {
	rest := data[3:] // "hp:"/"hn:" are both 3 bytes
	parts := strings.Split(rest, ":")
	var page int
	var windowID string
	var startByte, endByte int64
	var err error
	switch {
	case len(parts) >= 4:
		page, err = strconv.Atoi(parts[0])
		if err == nil {
			startByte, err = strconv.ParseInt(parts[len(parts)-2], 10, 64)
		}
		if err == nil {
			endByte, err = strconv.ParseInt(parts[len(parts)-1], 10, 64)
		}
		windowID = strings.Join(parts[1:len(parts)-2], ":")
	case len(parts) == 2:
		page, err = strconv.Atoi(parts[0])
		windowID = parts[1]
	default:
		err = fmt.Errorf("malformed history callback")
	}
	if err != nil {
		r.answer(ctx, callbackID, "Invalid data", false)
		return
	}

	if _, alive := r.adapter.FindWindowByID(ctx, windowID); !alive {
		r.sender.EditMessageText(ctx, chatID, messageID, "Window no longer exists.", false)
		r.answer(ctx, callbackID, "Page updated", false)
		return
	}

	var endPtr *int64
	if endByte > 0 {
		endPtr = &endByte
	}
	text, rows := r.renderHistoryPage(ctx, windowID, page, startByte, endPtr)
	r.sender.EditMessageTextAndButtons(ctx, chatID, messageID, text, false, rows)
	r.answer(ctx, callbackID, "Page updated", false)
}

// renderHistoryPage formats one page of window's parsed transcript, split
// into <=4096-rune pages the way the original's split_message does.
func (r *Router) renderHistoryPage(ctx context.Context, windowID string, page int, startByte int64, endByte *int64) (string, [][]Button) {
	entries, err := r.store.GetRecentMessages(windowID, startByte, endByte)
	if err != nil || len(entries) == 0 {
		if startByte > 0 || (endByte != nil && *endByte > 0) {
			return fmt.Sprintf("📬 [%s] No unread messages.", windowID), nil
		}
		return fmt.Sprintf("📋 [%s] No messages yet.", windowID), nil
	}

	isUnread := startByte > 0 || (endByte != nil && *endByte > 0)
	header := fmt.Sprintf("📋 [%s] Messages (%d total)", windowID, len(entries))
	if isUnread {
		header = fmt.Sprintf("📬 [%s] %d unread messages", windowID, len(entries))
	}

	lines := []string{header}
	for _, e := range entries {
		switch {
		case e.Role == "user":
			lines = append(lines, "👤 "+e.Text)
		default:
			lines = append(lines, e.Text)
		}
	}
	pages := splitMessage(strings.Join(lines, "\n\n"), 4096)

	idx := page
	if idx < 0 {
		idx = len(pages) - 1
	}
	if idx >= len(pages) {
		idx = len(pages) - 1
	}
	if idx < 0 {
		idx = 0
	}

	var rows [][]Button
	if len(pages) > 1 {
		var row []Button
		var end int64
		if endByte != nil {
			end = *endByte
		}
		if idx > 0 {
			row = append(row, Button{Text: "◀ Older", Data: fmt.Sprintf("hp:%d:%s:%d:%d", idx-1, windowID, startByte, end)})
		}
		row = append(row, Button{Text: fmt.Sprintf("%d/%d", idx+1, len(pages)), Data: "noop"})
		if idx < len(pages)-1 {
			row = append(row, Button{Text: "Newer ▶", Data: fmt.Sprintf("hn:%d:%s:%d:%d", idx+1, windowID, startByte, end)})
		}
		rows = [][]Button{row}
	}
	return pages[idx], rows
}

// StartHistoryBrowser is invoked by the /history command handler. It shows
// everything since userID's last recorded read offset for the topic's bound
// window, then advances that offset to the end of what it just displayed —
// spec.md §3's UserReadOffset being "updated ... after a user explicitly
// scrolls history."
func (r *Router) StartHistoryBrowser(ctx context.Context, userID, chatID, threadID int64) {
	windowID, bound := r.store.GetWindowForThread(userID, threadID)
	if !bound {
		r.sender.SendMessage(ctx, chatID, int(threadID), "No session bound to this topic yet.", false)
		return
	}
	start, _ := r.store.GetUserWindowOffset(userID, windowID)
	text, rows := r.renderHistoryPage(ctx, windowID, 0, start, nil)
	r.sender.SendMessageWithButtons(ctx, chatID, int(threadID), text, false, rows)
	r.advanceReadOffset(userID, windowID)
}

// advanceReadOffset records the transcript's current size as userID's new
// read offset for windowID. Called by StartHistoryBrowser after /history
// shows its first page; cmd/ccbot's message dispatcher advances the same
// offset itself through Store.UpdateUserWindowOffset.
func (r *Router) advanceReadOffset(userID int64, windowID string) {
	session, ok := r.store.ResolveSessionForWindow(windowID)
	if !ok {
		return
	}
	info, err := os.Stat(session.FilePath)
	if err != nil {
		return
	}
	r.store.UpdateUserWindowOffset(userID, windowID, info.Size())
}

// splitMessage breaks text into chunks of at most max runes, preferring a
// paragraph boundary ("\n\n") over a hard cut, mirroring the original's
// telegram_sender.split_message.
func splitMessage(text string, max int) []string {
	if len([]rune(text)) <= max {
		return []string{text}
	}
	var pages []string
	remaining := text
	for len([]rune(remaining)) > max {
		runes := []rune(remaining)
		cut := max
		if idx := strings.LastIndex(string(runes[:max]), "\n\n"); idx > 0 {
			cut = len([]rune(string(runes[:max])[:idx]))
		}
		if cut <= 0 {
			cut = max
		}
		pages = append(pages, string(runes[:cut]))
		remaining = strings.TrimPrefix(string(runes[cut:]), "\n\n")
	}
	if remaining != "" {
		pages = append(pages, remaining)
	}
	return pages
}

// --- db:* simplified directory browser ------------------------------------

// handleDirCD creates a new window rooted at path and binds it, the flat
// starred+MRU picker's terminal action (the picker has no recursive
// db:sel:/db:up/db:page:/db:confirm navigation).
func (r *Router) handleDirCD(ctx context.Context, userID, chatID, threadID int64, callbackID, path string) {
	pendingText, _ := r.binding.ClearUI(userID, threadID)
	if !dirExists(path) {
		r.answer(ctx, callbackID, "Directory no longer exists", true)
		return
	}
	r.store.UpdateUserMRU(userID, path)
	name, windowID, err := r.adapter.CreateWindow(ctx, path, "", true, "")
	if err != nil {
		r.answer(ctx, callbackID, "Failed to create window", true)
		return
	}
	r.binding.BindAndForward(ctx, userID, chatID, threadID, windowID, name, pendingText)
	r.sender.EditMessageText(ctx, chatID, 0, fmt.Sprintf("✅ Started session in %s", path), false)
	r.answer(ctx, callbackID, "Started", false)
}

// handleDirStar toggles path's starred status for the flat picker.
func (r *Router) handleDirStar(ctx context.Context, userID int64, callbackID, path string) {
	starred := r.store.ToggleUserStar(userID, path)
	if starred {
		r.answer(ctx, callbackID, "⭐ Starred", false)
	} else {
		r.answer(ctx, callbackID, "Unstarred", false)
	}
}

// --- wb:* window picker -----------------------------------------------------

// handleWindowBind binds windowID (the window picker's flat list uses the
// window_id directly as its payload rather than an index into a cached
// list, since the Go Session Store always has the live window at hand).
func (r *Router) handleWindowBind(ctx context.Context, userID, chatID, threadID int64, callbackID, windowID string) {
	pendingText, _ := r.binding.ClearUI(userID, threadID)
	w, alive := r.adapter.FindWindowByID(ctx, windowID)
	if !alive {
		r.answer(ctx, callbackID, "Window no longer exists", true)
		return
	}
	r.binding.BindAndForward(ctx, userID, chatID, threadID, windowID, w.Name, pendingText)
	if err := r.sender.EditForumTopic(ctx, chatID, int(threadID), w.Name); err != nil {
		log.Printf("router: rename topic after bind: %v", err)
	}
	r.sender.EditMessageText(ctx, chatID, 0, fmt.Sprintf("✅ Bound to window `%s`", w.Name), false)
	r.answer(ctx, callbackID, "Bound", false)
}

// --- sess:* sessions dashboard ----------------------------------------------

func (r *Router) buildDashboard(ctx context.Context, userID int64) (string, [][]Button) {
	bindings := r.store.GetAllThreadWindows(userID)
	refreshRow := []Button{{Text: "🔄 Refresh", Data: "sess:ref"}, {Text: "➕ New Session", Data: "sess:new"}}

	if len(bindings) == 0 {
		return "No active sessions.\n\nCreate a new topic to start a session.", [][]Button{refreshRow}
	}

	windows, err := r.adapter.ListWindows(ctx)
	if err != nil {
		windows = nil
	}
	live := make(map[string]struct{}, len(windows))
	for _, w := range windows {
		live[w.ID] = struct{}{}
	}

	threadIDs := make([]int64, 0, len(bindings))
	for tid := range bindings {
		threadIDs = append(threadIDs, tid)
	}
	sort.Slice(threadIDs, func(i, j int) bool { return threadIDs[i] < threadIDs[j] })

	var lines []string
	var killRows [][]Button
	for _, tid := range threadIDs {
		windowID := bindings[tid]
		display := r.store.GetDisplayName(windowID)
		_, alive := live[windowID]
		status := "⚫"
		if alive {
			status = "🟢"
		}
		lines = append(lines, fmt.Sprintf("%s %s", status, display))
		if alive {
			killRows = append(killRows, []Button{{Text: "🗑 Kill " + display, Data: "sess:kill:" + windowID}})
		}
	}
	text := "Sessions\n\n" + strings.Join(lines, "\n")
	rows := append(killRows, refreshRow)
	return text, rows
}

func (r *Router) handleSessionsRefresh(ctx context.Context, userID, chatID int64, messageID int, callbackID string) {
	text, rows := r.buildDashboard(ctx, userID)
	r.sender.EditMessageTextAndButtons(ctx, chatID, messageID, text, false, rows)
	r.answer(ctx, callbackID, "", false)
}

// ShowSessionsDashboard is invoked by the /sessions command handler.
func (r *Router) ShowSessionsDashboard(ctx context.Context, userID, chatID, threadID int64) {
	text, rows := r.buildDashboard(ctx, userID)
	r.sender.SendMessageWithButtons(ctx, chatID, int(threadID), text, false, rows)
}

func (r *Router) handleSessionsNew(ctx context.Context, userID, chatID, threadID int64, callbackID string) {
	r.binding.HandleText(ctx, userID, chatID, threadID, "")
	r.answer(ctx, callbackID, "", false)
}

func (r *Router) handleSessionsKill(ctx context.Context, chatID int64, messageID int, callbackID, windowID string) {
	display := r.store.GetDisplayName(windowID)
	rows := [][]Button{
		{{Text: "⚠ Confirm kill " + display, Data: "sess:killok:" + windowID}},
		{{Text: "🔄 Refresh", Data: "sess:ref"}},
	}
	text := fmt.Sprintf("Kill session '%s'?\n\nThis will terminate the Claude Code process.", display)
	r.sender.EditMessageTextAndButtons(ctx, chatID, messageID, text, false, rows)
	r.answer(ctx, callbackID, "", false)
}

func (r *Router) handleSessionsKillConfirm(ctx context.Context, userID, chatID int64, messageID int, callbackID, windowID string) {
	display := r.store.GetDisplayName(windowID)
	if _, alive := r.adapter.FindWindowByID(ctx, windowID); alive {
		if err := r.adapter.KillWindow(ctx, windowID); err != nil {
			log.Printf("router: kill window %s: %v", windowID, err)
		}
	}
	for uid, threads := range r.store.AllBindings() {
		for tid, wid := range threads {
			if wid == windowID {
				r.store.UnbindThread(uid, tid)
			}
		}
	}
	text, rows := r.buildDashboard(ctx, userID)
	r.sender.EditMessageTextAndButtons(ctx, chatID, messageID, fmt.Sprintf("🗑 Killed '%s'\n\n%s", display, text), false, rows)
	r.answer(ctx, callbackID, "", false)
}

// --- st:* status-message quick actions --------------------------------------

func (r *Router) handleStatusEsc(ctx context.Context, callbackID, windowID string) {
	if err := r.adapter.SendKeys(ctx, windowID, "Escape", false, false); err != nil {
		log.Printf("router: status esc %s: %v", windowID, err)
	}
	r.answer(ctx, callbackID, "⎋ Esc", false)
}

func (r *Router) handleStatusScreenshot(ctx context.Context, chatID, threadID int64, callbackID, windowID string) {
	r.sendScreenshot(ctx, chatID, int(threadID), windowID)
	r.answer(ctx, callbackID, "📷", false)
}

// --- aq:* interactive UI key injection --------------------------------------

// handleInteractiveKey forwards an interactive-prompt navigation key to
// windowID, then either refreshes the mirrored keyboard or clears it (esc),
// per binding.LookupAQKey's INTERACTIVE_KEY_MAP-derived table. Data is
// "<key_token>:<window_id>"; the window ID comes from the button itself, so
// no topic-keyed server-side state is required to route the keystroke.
func (r *Router) handleInteractiveKey(ctx context.Context, userID, chatID int64, threadID int, callbackID, rest string) {
	token, windowID, found := strings.Cut(rest, ":")
	if !found || windowID == "" {
		r.answer(ctx, callbackID, "Invalid data", false)
		return
	}

	if token == "ref" {
		r.binding.RefreshInteractiveUI(ctx, userID, chatID, threadID, windowID)
		r.answer(ctx, callbackID, "🔄", false)
		return
	}

	target, ok := binding.LookupAQKey(token)
	if !ok {
		r.answer(ctx, callbackID, "Invalid data", false)
		return
	}
	if _, alive := r.adapter.FindWindowByID(ctx, windowID); !alive {
		r.answer(ctx, callbackID, "Window no longer exists", true)
		return
	}
	if err := r.adapter.SendKeys(ctx, windowID, target.TmuxKey, false, false); err != nil {
		log.Printf("router: aq key %s -> %s: %v", token, windowID, err)
	}
	if target.RefreshAfter {
		r.binding.RefreshInteractiveUI(ctx, userID, chatID, threadID, windowID)
	} else {
		r.binding.ClearInteractiveUI(ctx, userID, chatID, threadID, windowID)
	}
	r.answer(ctx, callbackID, aqKeyLabel(token), false)
}

func aqKeyLabel(token string) string {
	labels := map[string]string{
		"esc": "⎋ Esc", "enter": "⏎ Enter", "spc": "␣ Space", "tab": "⇥ Tab",
		"up": "↑", "down": "↓", "left": "←", "right": "→",
	}
	return labels[token]
}

// --- kb:*/ss:ref: screenshot control keys -----------------------------------

var screenshotKeys = map[string]struct {
	tmuxKey string
	label   string
}{
	"up":  {"Up", "↑"},
	"dn":  {"Down", "↓"},
	"lt":  {"Left", "←"},
	"rt":  {"Right", "→"},
	"esc": {"Escape", "⎋ Esc"},
	"ent": {"Enter", "⏎ Enter"},
	"spc": {"Space", "␣ Space"},
	"tab": {"Tab", "⇥ Tab"},
	"cc":  {"C-c", "^C"},
}

func (r *Router) handleScreenshotKey(ctx context.Context, chatID int64, threadID int64, messageID int, callbackID, rest string) {
	keyID, windowID, found := strings.Cut(rest, ":")
	if !found {
		r.answer(ctx, callbackID, "Invalid data", false)
		return
	}
	key, ok := screenshotKeys[keyID]
	if !ok {
		r.answer(ctx, callbackID, "Invalid data", false)
		return
	}
	if err := r.adapter.SendKeys(ctx, windowID, key.tmuxKey, false, false); err != nil {
		log.Printf("router: screenshot key %s -> %s: %v", keyID, windowID, err)
	}
	r.refreshScreenshot(ctx, chatID, messageID, windowID)
	r.answer(ctx, callbackID, key.label, false)
}

func (r *Router) handleScreenshotRefresh(ctx context.Context, chatID int64, threadID int64, messageID int, callbackID, windowID string) {
	r.refreshScreenshot(ctx, chatID, messageID, windowID)
	r.answer(ctx, callbackID, "🔄", false)
}

// StartScreenshot is invoked by the /ss command handler.
func (r *Router) StartScreenshot(ctx context.Context, userID, chatID, threadID int64) {
	windowID, bound := r.store.GetWindowForThread(userID, threadID)
	if !bound {
		r.sender.SendMessage(ctx, chatID, int(threadID), "No session bound to this topic yet.", false)
		return
	}
	r.sendScreenshot(ctx, chatID, int(threadID), windowID)
}

// sendScreenshot sends a brand new screenshot message for windowID.
func (r *Router) sendScreenshot(ctx context.Context, chatID int64, threadID int, windowID string) {
	paneText, ok := r.adapter.CapturePane(ctx, windowID, true)
	if !ok {
		r.sender.SendMessage(ctx, chatID, threadID, "Window no longer exists.", false)
		return
	}
	rows := buildScreenshotKeyboard(windowID)
	if r.screenshot == nil {
		r.sender.SendMessageWithButtons(ctx, chatID, threadID, "```\n"+paneText+"\n```", true, rows)
		return
	}
	filename, data, err := r.screenshot.Render(ctx, windowID, paneText)
	if err != nil {
		log.Printf("router: render screenshot %s: %v", windowID, err)
		r.sender.SendMessageWithButtons(ctx, chatID, threadID, "```\n"+paneText+"\n```", true, rows)
		return
	}
	if err := r.sender.SendDocument(ctx, chatID, threadID, filename, bytes.NewReader(data), ""); err != nil {
		log.Printf("router: send screenshot document %s: %v", windowID, err)
		r.sender.SendMessageWithButtons(ctx, chatID, threadID, "```\n"+paneText+"\n```", true, rows)
	}
}

// refreshScreenshot re-renders an existing screenshot message in place.
func (r *Router) refreshScreenshot(ctx context.Context, chatID int64, messageID int, windowID string) {
	paneText, ok := r.adapter.CapturePane(ctx, windowID, true)
	if !ok {
		r.sender.EditMessageText(ctx, chatID, messageID, "Window no longer exists.", false)
		return
	}
	rows := buildScreenshotKeyboard(windowID)
	r.sender.EditMessageTextAndButtons(ctx, chatID, messageID, "```\n"+paneText+"\n```", true, rows)
}

func buildScreenshotKeyboard(windowID string) [][]Button {
	btn := func(label, keyID string) Button {
		return Button{Text: label, Data: fmt.Sprintf("kb:%s:%s", keyID, windowID)}
	}
	return [][]Button{
		{btn("␣ Space", "spc"), btn("↑", "up"), btn("⇥ Tab", "tab")},
		{btn("←", "lt"), btn("↓", "dn"), btn("→", "rt")},
		{btn("⎋ Esc", "esc"), btn("^C", "cc"), btn("⏎ Enter", "ent")},
		{{Text: "🔄 Refresh", Data: "ss:ref:" + windowID}},
	}
}

// --- rec:* dead-window recovery ---------------------------------------------

// pendingRecoveryText resolves the stashed text to forward once recovery
// completes, validating that the callback's window_id still matches the
// topic's active recovery context (spec.md §4.9 "Stale (topic mismatch)").
func (r *Router) pendingRecoveryText(userID, threadID int64, deadWindowID string) (string, bool) {
	key := topicKey{userID, threadID}
	r.mu.Lock()
	row, cached := r.recovery[key]
	r.mu.Unlock()
	if cached && row.deadWindowID == deadWindowID {
		return row.pendingText, true
	}

	if pendingText, windowID, has := r.binding.PendingRecovery(userID, threadID); has {
		if windowID != deadWindowID {
			return "", false
		}
		return pendingText, true
	}

	if boundWID, bound := r.store.GetWindowForThread(userID, threadID); bound && boundWID == deadWindowID {
		return "", true
	}
	return "", false
}

func (r *Router) clearRecovery(userID, threadID int64) {
	r.binding.ClearUI(userID, threadID)
	key := topicKey{userID, threadID}
	r.mu.Lock()
	delete(r.recovery, key)
	r.mu.Unlock()
}

func (r *Router) handleRecoveryFresh(ctx context.Context, userID, chatID, threadID int64, callbackID, windowID string, continueSession bool) {
	pendingText, ok := r.pendingRecoveryText(userID, threadID, windowID)
	if !ok {
		r.answer(ctx, callbackID, "Stale (topic mismatch)", true)
		return
	}
	r.clearRecovery(userID, threadID)
	if err := r.binding.RecoveryFresh(ctx, userID, chatID, threadID, windowID, pendingText, continueSession); err != nil {
		r.answer(ctx, callbackID, "Failed: "+err.Error(), true)
		return
	}
	label := "Fresh"
	if continueSession {
		label = "Continue"
	}
	r.answer(ctx, callbackID, label, false)
}

func (r *Router) handleRecoveryResumeMenu(ctx context.Context, userID, chatID, threadID int64, messageID int, callbackID, windowID string) {
	pendingText, ok := r.pendingRecoveryText(userID, threadID, windowID)
	if !ok {
		r.answer(ctx, callbackID, "Stale (topic mismatch)", true)
		return
	}

	ws := r.store.GetWindowState(windowID)
	cwd := ""
	if ws != nil {
		cwd = ws.Cwd
	}
	sessions, _ := r.store.ListResumeSessions(cwd, 0, maxRecoveryPicks)

	key := topicKey{userID, threadID}
	r.mu.Lock()
	r.recovery[key] = &recoveryPick{deadWindowID: windowID, pendingText: pendingText, sessions: sessions}
	r.mu.Unlock()
	r.binding.ClearUI(userID, threadID) // consume Binding's copy; Router now owns this flow

	if len(sessions) == 0 {
		r.sender.EditMessageText(ctx, chatID, messageID, "No prior sessions found for this directory.", false)
		r.answer(ctx, callbackID, "", false)
		return
	}

	var rows [][]Button
	for i, s := range sessions {
		label := s.Summary
		if len(label) > 40 {
			label = label[:40]
		}
		if label == "" {
			label = s.SessionID
		}
		rows = append(rows, []Button{{Text: label, Data: fmt.Sprintf("rec:p:%d", i)}})
	}
	rows = append(rows, []Button{{Text: "⬅ Back", Data: "rec:b:" + windowID}, {Text: "✖ Cancel", Data: "rec:x"}})
	r.sender.EditMessageTextAndButtons(ctx, chatID, messageID, "Pick a session to resume:", false, rows)
	r.answer(ctx, callbackID, "", false)
}

func (r *Router) handleRecoveryPick(ctx context.Context, userID, chatID, threadID int64, messageID int, callbackID, idxStr string) {
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		r.answer(ctx, callbackID, "Invalid data", false)
		return
	}

	key := topicKey{userID, threadID}
	r.mu.Lock()
	row, ok := r.recovery[key]
	r.mu.Unlock()
	if !ok || idx < 0 || idx >= len(row.sessions) {
		r.answer(ctx, callbackID, "Window list changed, please retry", true)
		return
	}

	sessionID := row.sessions[idx].SessionID
	deadWindowID := row.deadWindowID
	pendingText := row.pendingText
	r.clearRecovery(userID, threadID)

	if err := r.binding.RecoveryResume(ctx, userID, chatID, threadID, deadWindowID, sessionID, pendingText); err != nil {
		r.answer(ctx, callbackID, "Failed: "+err.Error(), true)
		return
	}
	r.answer(ctx, callbackID, "Resumed", false)
}

func (r *Router) handleRecoveryBack(ctx context.Context, userID, threadID int64, messageID int, callbackID, windowID string) {
	key := topicKey{userID, threadID}
	r.mu.Lock()
	row, ok := r.recovery[key]
	r.mu.Unlock()
	if !ok || row.deadWindowID != windowID {
		r.answer(ctx, callbackID, "Stale (topic mismatch)", true)
		return
	}

	// Router keeps owning the recovery context (pendingText survives), so
	// Fresh/Continue tapped after Back still resolve via pendingRecoveryText.
	chatID := r.store.ResolveChatID(userID, &threadID)
	rows := [][]Button{
		{{Text: "🆕 Fresh", Data: "rec:f:" + windowID}, {Text: "▶ Continue", Data: "rec:c:" + windowID}, {Text: "📂 Resume", Data: "rec:r:" + windowID}},
		{{Text: "✖ Cancel", Data: "rec:x"}},
	}
	r.sender.EditMessageTextAndButtons(ctx, chatID, messageID, "This window is gone. What would you like to do?", false, rows)
	r.answer(ctx, callbackID, "", false)
}

func (r *Router) handleRecoveryCancel(ctx context.Context, userID, threadID int64, messageID int, callbackID string) {
	r.clearRecovery(userID, threadID)
	chatID := r.store.ResolveChatID(userID, &threadID)
	r.sender.EditMessageText(ctx, chatID, messageID, "Cancelled", false)
	r.answer(ctx, callbackID, "Cancelled", false)
}

// --- res:* standalone resume browser ----------------------------------------

// StartResumeForTopic is invoked by the /resume command handler when no
// explicit directory is given: it resumes browsing the topic's currently
// bound window's own project directory.
func (r *Router) StartResumeForTopic(ctx context.Context, userID, chatID, threadID int64) {
	windowID, bound := r.store.GetWindowForThread(userID, threadID)
	if !bound {
		r.sender.SendMessage(ctx, chatID, int(threadID), "No session bound to this topic yet.", false)
		return
	}
	ws := r.store.GetWindowState(windowID)
	if ws == nil || ws.Cwd == "" {
		r.sender.SendMessage(ctx, chatID, int(threadID), "No known project directory for this topic.", false)
		return
	}
	r.StartResumeBrowser(ctx, userID, chatID, threadID, ws.Cwd)
}

// StartResumeBrowser is invoked by the /resume command handler to show the
// first page of a cwd's resumable sessions; only sessions of that one
// project directory are listed.
func (r *Router) StartResumeBrowser(ctx context.Context, userID, chatID, threadID int64, cwd string) {
	sessions, _ := r.store.ListResumeSessions(cwd, 0, 1000)
	key := topicKey{userID, threadID}
	r.mu.Lock()
	r.resume[key] = &resumePick{cwd: cwd, sessions: sessions, page: 0}
	r.mu.Unlock()
	text, rows := r.renderResumePage(sessions, 0)
	r.sender.SendMessageWithButtons(ctx, chatID, int(threadID), text, false, rows)
}

func (r *Router) renderResumePage(sessions []store.ClaudeSession, page int) (string, [][]Button) {
	if len(sessions) == 0 {
		return "No prior sessions found.", nil
	}
	total := len(sessions)
	start := page * resumePageSize
	if start >= total {
		start = 0
		page = 0
	}
	end := start + resumePageSize
	if end > total {
		end = total
	}

	var rows [][]Button
	for i := start; i < end; i++ {
		label := sessions[i].Summary
		if len(label) > 40 {
			label = label[:40]
		}
		if label == "" {
			label = sessions[i].SessionID
		}
		rows = append(rows, []Button{{Text: label, Data: fmt.Sprintf("res:p:%d", i)}})
	}
	var nav []Button
	if page > 0 {
		nav = append(nav, Button{Text: "⬅ Prev", Data: fmt.Sprintf("res:pg:%d", page-1)})
	}
	totalPages := (total + resumePageSize - 1) / resumePageSize
	if page < totalPages-1 {
		nav = append(nav, Button{Text: "Next ➡", Data: fmt.Sprintf("res:pg:%d", page+1)})
	}
	nav = append(nav, Button{Text: "✖ Cancel", Data: "res:x"})
	rows = append(rows, nav)
	return fmt.Sprintf("Resume a session (%d found):", total), rows
}

func (r *Router) handleResumePage(ctx context.Context, userID, threadID int64, messageID int, callbackID, pageStr string) {
	page, err := strconv.Atoi(pageStr)
	if err != nil {
		r.answer(ctx, callbackID, "Invalid data", false)
		return
	}
	key := topicKey{userID, threadID}
	r.mu.Lock()
	row, ok := r.resume[key]
	r.mu.Unlock()
	if !ok {
		r.answer(ctx, callbackID, "Session list expired, run /resume again", true)
		return
	}
	row.page = page
	chatID := r.store.ResolveChatID(userID, &threadID)
	text, rows := r.renderResumePage(row.sessions, page)
	r.sender.EditMessageTextAndButtons(ctx, chatID, messageID, text, false, rows)
	r.answer(ctx, callbackID, "", false)
}

func (r *Router) handleResumePick(ctx context.Context, userID, chatID, threadID int64, messageID int, callbackID, idxStr string) {
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		r.answer(ctx, callbackID, "Invalid data", false)
		return
	}
	key := topicKey{userID, threadID}
	r.mu.Lock()
	row, ok := r.resume[key]
	delete(r.resume, key)
	r.mu.Unlock()
	if !ok || idx < 0 || idx >= len(row.sessions) {
		r.answer(ctx, callbackID, "Session list changed, please retry", true)
		return
	}

	session := row.sessions[idx]
	name, windowID, err := r.adapter.CreateWindow(ctx, row.cwd, "", true, "--resume "+session.SessionID)
	if err != nil {
		r.answer(ctx, callbackID, "Failed: "+err.Error(), true)
		return
	}
	r.store.UnbindThread(userID, threadID)
	r.binding.BindAndForward(ctx, userID, chatID, threadID, windowID, name, "")
	r.sender.EditMessageText(ctx, chatID, messageID, fmt.Sprintf("✅ Resumed session in window `%s`", name), false)
	r.answer(ctx, callbackID, "Resumed", false)
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func (r *Router) handleResumeCancel(ctx context.Context, userID, threadID int64, messageID int, callbackID string) {
	key := topicKey{userID, threadID}
	r.mu.Lock()
	delete(r.resume, key)
	r.mu.Unlock()
	chatID := r.store.ResolveChatID(userID, &threadID)
	r.sender.EditMessageText(ctx, chatID, messageID, "Cancelled", false)
	r.answer(ctx, callbackID, "Cancelled", false)
}
