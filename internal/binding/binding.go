// Package binding implements ccbot's Binding Orchestrator: the state
// machine that turns inbound topic text into a bound window, a window
// picker, a directory browser, or a dead-window recovery prompt, and the
// new-window auto-topic-creation callback.
//
// Grounded on original_source/src/ccbot/bot_handlers.py (handle_text_message
// / handle_recovery_action / new_window_callback) and the teacher's
// callback/state dispatch shape.
package binding

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/sixddc/ccbot/internal/config"
	"github.com/sixddc/ccbot/internal/paneparser"
	"github.com/sixddc/ccbot/internal/store"
	"github.com/sixddc/ccbot/internal/telegram"
	"github.com/sixddc/ccbot/internal/tmux"
)

// defaultRetryAfter is used when a rate-limit error doesn't carry an
// explicit retry-after interval of its own.
const defaultRetryAfter = 30 * time.Second

// bashCaptureCycles bounds the ad-hoc '!' command polling loop (spec.md
// §4.8: "spawn a 30-cycle bash-capture task").
const bashCaptureCycles = 30

// bashCapturePoll is the interval between pane-capture attempts while
// waiting for a '!' command's output to settle.
const bashCapturePoll = time.Second

// UIState is the kind of inline UI currently occupying a topic, used by the
// guard step in spec.md §4.8.
type UIState string

const (
	UINone             UIState = ""
	UISelectingWindow  UIState = "selecting_window"
	UIBrowsingDirectory UIState = "browsing_directory"
)

// Button mirrors telegram.Button without creating an import cycle.
type Button struct {
	Text string
	Data string
}

// Sender is the subset of the chat client Binding needs to prompt the user.
type Sender interface {
	SendMessageWithButtons(ctx context.Context, chatID int64, threadID int, text string, markdown bool, rows [][]Button) (int, error)
	SendMessage(ctx context.Context, chatID int64, threadID int, text string, markdown bool) (int, error)
	CreateForumTopic(ctx context.Context, chatID int64, name string, iconColor int) (int, error)
	EditMessageText(ctx context.Context, chatID int64, messageID int, text string, markdown bool) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

// Adapter is the subset of the Multiplex Adapter Binding drives.
type Adapter interface {
	FindWindowByID(ctx context.Context, windowID string) (tmux.Window, bool)
	ListWindows(ctx context.Context) ([]tmux.Window, error)
	SendKeys(ctx context.Context, windowID, text string, enter, literal bool) error
	CreateWindow(ctx context.Context, workDir, windowName string, startClaude bool, claudeArgs string) (finalName, windowID string, err error)
	CapturePane(ctx context.Context, windowID string, withANSI bool) (string, bool)
}

type topicKey struct {
	userID   int64
	threadID int64
}

// pendingUI tracks a topic's active picker/browser UI and the text the
// user sent that triggered it, so it can be forwarded once a window is
// chosen.
type pendingUI struct {
	state       UIState
	pendingText string
	windowID    string // set when recovery UI is active instead of a picker
}

// retryAfter tracks a rate-limited new-topic creation attempt per window.
type retryAfter struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// Binding is the orchestrator described in spec.md §4.8.
type Binding struct {
	store   *store.Store
	adapter Adapter
	sender  Sender
	cfg     *config.Config

	mu             sync.Mutex
	pending        map[topicKey]*pendingUI
	bashCancel     map[topicKey]context.CancelFunc
	interactiveMsg map[topicKey]int

	retry retryAfter
}

// New creates a Binding orchestrator.
func New(st *store.Store, adapter Adapter, sender Sender, cfg *config.Config) *Binding {
	return &Binding{
		store:          st,
		adapter:        adapter,
		sender:         sender,
		cfg:            cfg,
		pending:        map[topicKey]*pendingUI{},
		bashCancel:     map[topicKey]context.CancelFunc{},
		interactiveMsg: map[topicKey]int{},
		retry:          retryAfter{entries: map[string]time.Time{}},
	}
}

// HandleText runs the inbound-text state machine from spec.md §4.8.
func (b *Binding) HandleText(ctx context.Context, userID, chatID int64, threadID int64, text string) {
	key := topicKey{userID, threadID}
	b.cancelBashCapture(key)

	b.mu.Lock()
	ui, hasUI := b.pending[key]
	b.mu.Unlock()

	if hasUI && ui.state != UINone {
		b.sender.SendMessage(ctx, chatID, int(threadID), "Use the menu above.", false)
		return
	}

	windowID, bound := b.store.GetWindowForThread(userID, threadID)
	if !bound {
		b.promptForWindow(ctx, userID, chatID, threadID, text)
		return
	}

	win, alive := b.adapter.FindWindowByID(ctx, windowID)
	if !alive {
		b.handleUnboundWindow(ctx, userID, chatID, threadID, windowID, text)
		return
	}
	_ = win

	if len(text) > 0 && text[0] == '!' {
		b.spawnBashCapture(ctx, userID, chatID, threadID, windowID, text)
		return
	}
	if err := b.adapter.SendKeys(ctx, windowID, text, true, true); err != nil {
		log.Printf("binding: send_keys user=%d window=%s: %v", userID, windowID, err)
	}
}

// handleUnboundWindow distinguishes a dead-but-recoverable window (cwd
// still exists, only the tmux window is gone) from a window whose cwd has
// been removed, per spec.md §4.8's recovery branch.
func (b *Binding) handleUnboundWindow(ctx context.Context, userID, chatID, threadID int64, windowID, text string) {
	ws := b.store.GetWindowState(windowID)
	cwdValid := ws != nil && ws.Cwd != "" && dirExists(ws.Cwd)

	if !cwdValid {
		b.store.UnbindThread(userID, threadID)
		b.promptForWindow(ctx, userID, chatID, threadID, text)
		return
	}

	key := topicKey{userID, threadID}
	b.mu.Lock()
	b.pending[key] = &pendingUI{state: UISelectingWindow, pendingText: text, windowID: windowID}
	b.mu.Unlock()

	rows := [][]Button{
		{{Text: "Fresh", Data: "rec:f:" + windowID}, {Text: "Continue", Data: "rec:c:" + windowID}},
		{{Text: "Resume", Data: "rec:r:" + windowID}, {Text: "Cancel", Data: "rec:x"}},
	}
	b.sender.SendMessageWithButtons(ctx, chatID, int(threadID), "This window is gone. What would you like to do?", false, rows)
}

// promptForWindow shows the unbound-window flow: a window picker if any
// unbound live windows exist, otherwise the directory browser.
func (b *Binding) promptForWindow(ctx context.Context, userID, chatID, threadID int64, text string) {
	key := topicKey{userID, threadID}
	windows, err := b.adapter.ListWindows(ctx)
	if err != nil {
		log.Printf("binding: list_windows: %v", err)
		windows = nil
	}

	var unbound []tmux.Window
	for _, w := range windows {
		if !b.store.IsWindowBound(w.ID) {
			unbound = append(unbound, w)
		}
	}

	if len(unbound) > 0 {
		var rows [][]Button
		for _, w := range unbound {
			rows = append(rows, []Button{{Text: w.Name, Data: "wb:" + w.ID}})
		}
		b.mu.Lock()
		b.pending[key] = &pendingUI{state: UISelectingWindow, pendingText: text}
		b.mu.Unlock()
		b.sender.SendMessageWithButtons(ctx, chatID, int(threadID), "Pick a window to bind:", false, rows)
		return
	}

	b.mu.Lock()
	b.pending[key] = &pendingUI{state: UIBrowsingDirectory, pendingText: text}
	b.mu.Unlock()
	starred := b.store.GetUserStarred(userID)
	mru := b.store.GetUserMRU(userID)
	var rows [][]Button
	for _, d := range starred {
		rows = append(rows, []Button{{Text: "⭐ " + d, Data: "db:cd:" + d}})
	}
	for _, d := range mru {
		rows = append(rows, []Button{{Text: d, Data: "db:cd:" + d}})
	}
	b.sender.SendMessageWithButtons(ctx, chatID, int(threadID), "No unbound windows. Pick a directory for a new session:", false, rows)
}

// PendingRecovery peeks a topic's active dead-window recovery state without
// clearing it, for the Callback Router's topic-ownership validation across
// the multi-step rec:r:/rec:p:/rec:b: resume-picker flow.
func (b *Binding) PendingRecovery(userID, threadID int64) (pendingText, windowID string, ok bool) {
	key := topicKey{userID, threadID}
	b.mu.Lock()
	defer b.mu.Unlock()
	ui, found := b.pending[key]
	if !found || ui.state != UISelectingWindow || ui.windowID == "" {
		return "", "", false
	}
	return ui.pendingText, ui.windowID, true
}

// ClearUI clears the picker/browser UI state for a topic, called once the
// user has made a selection via the Callback Router.
func (b *Binding) ClearUI(userID, threadID int64) (pendingText string, windowID string) {
	key := topicKey{userID, threadID}
	b.mu.Lock()
	defer b.mu.Unlock()
	ui, ok := b.pending[key]
	delete(b.pending, key)
	if !ok {
		return "", ""
	}
	return ui.pendingText, ui.windowID
}

// BindAndForward binds windowID to the topic and forwards pendingText.
func (b *Binding) BindAndForward(ctx context.Context, userID, chatID, threadID int64, windowID, windowName, pendingText string) {
	b.store.BindThread(userID, threadID, windowID, windowName)
	if pendingText != "" {
		if err := b.adapter.SendKeys(ctx, windowID, pendingText, true, true); err != nil {
			log.Printf("binding: forward after bind user=%d window=%s: %v", userID, windowID, err)
		}
	}
}

// RecoveryFresh creates a brand new window in the dead window's cwd and
// binds it, forwarding the stashed text.
func (b *Binding) RecoveryFresh(ctx context.Context, userID, chatID, threadID int64, deadWindowID, pendingText string, continueSession bool) error {
	ws := b.store.GetWindowState(deadWindowID)
	if ws == nil || ws.Cwd == "" {
		return fmt.Errorf("no cwd recorded for %s", deadWindowID)
	}
	args := ""
	if continueSession {
		args = "--continue"
	}
	name, windowID, err := b.adapter.CreateWindow(ctx, ws.Cwd, "", true, args)
	if err != nil {
		return err
	}
	b.store.UnbindThread(userID, threadID)
	b.BindAndForward(ctx, userID, chatID, threadID, windowID, name, pendingText)
	return nil
}

// RecoveryResume creates a window resuming a specific past session_id.
func (b *Binding) RecoveryResume(ctx context.Context, userID, chatID, threadID int64, deadWindowID, sessionID, pendingText string) error {
	ws := b.store.GetWindowState(deadWindowID)
	if ws == nil || ws.Cwd == "" {
		return fmt.Errorf("no cwd recorded for %s", deadWindowID)
	}
	name, windowID, err := b.adapter.CreateWindow(ctx, ws.Cwd, "", true, "--resume "+sessionID)
	if err != nil {
		return err
	}
	b.store.UnbindThread(userID, threadID)
	b.BindAndForward(ctx, userID, chatID, threadID, windowID, name, pendingText)
	return nil
}

// spawnBashCapture runs a short-lived ad-hoc shell command through the
// window and reports its output, per spec.md §4.8's '!' prefix rule.
// Capped at bashCaptureCycles; a newer message for the same topic cancels
// it early via cancelBashCapture.
func (b *Binding) spawnBashCapture(ctx context.Context, userID, chatID, threadID int64, windowID, text string) {
	command := text[1:]
	if err := b.adapter.SendKeys(ctx, windowID, text, true, true); err != nil {
		log.Printf("binding: bash capture send user=%d window=%s: %v", userID, windowID, err)
		return
	}

	key := topicKey{userID, threadID}
	captureCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.bashCancel[key] = cancel
	b.mu.Unlock()

	go b.pollBashOutput(captureCtx, key, chatID, threadID, windowID, command)
}

// cancelBashCapture stops an in-flight bash-capture goroutine for a topic,
// if one is running (spec.md §5: "A new user message cancels any in-flight
// bash-capture for its topic").
func (b *Binding) cancelBashCapture(key topicKey) {
	b.mu.Lock()
	cancel, ok := b.bashCancel[key]
	delete(b.bashCancel, key)
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

// pollBashOutput re-captures the pane up to bashCaptureCycles times looking
// for command's echoed output (paneparser.ExtractBashOutput), reporting the
// output of the first capture in which the echo is found back to the topic.
func (b *Binding) pollBashOutput(ctx context.Context, key topicKey, chatID, threadID int64, windowID, command string) {
	defer b.cancelBashCapture(key)

	ticker := time.NewTicker(bashCapturePoll)
	defer ticker.Stop()

	for cycle := 0; cycle < bashCaptureCycles; cycle++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		paneText, ok := b.adapter.CapturePane(ctx, windowID, false)
		if !ok {
			continue
		}
		output, found := paneparser.ExtractBashOutput(paneText, command)
		if !found {
			continue
		}
		b.sender.SendMessage(ctx, chatID, int(threadID), output, false)
		return
	}
}

// NewWindowCallback handles C4's new-window notification: pick a target
// chat/user for a previously-unseen window and auto-create+bind a topic.
// Grounded on original_source/src/ccbot/bot_handlers.py's
// new_window_callback and its retry-after rate-limit tracking.
func (b *Binding) NewWindowCallback(ctx context.Context, windowID, windowName string, fallbackChatID, fallbackUserID int64) {
	if until, limited := b.retry.get(windowID); limited && time.Now().Before(until) {
		return
	}

	chatID, userID := b.pickTarget(fallbackChatID, fallbackUserID)
	if chatID == 0 || userID == 0 {
		return
	}

	topicID, err := b.sender.CreateForumTopic(ctx, chatID, windowName, 0)
	if err != nil {
		if retryAfterFromErr(err) > 0 {
			b.retry.set(windowID, time.Now().Add(retryAfterFromErr(err)))
		}
		log.Printf("binding: create_forum_topic for %s: %v", windowID, err)
		return
	}

	b.store.BindThread(userID, int64(topicID), windowID, windowName)
}

// pickTarget resolves the chat/user a new topic should be created for:
// the first existing binding's chat/user if any exist, otherwise the
// configured fallback.
func (b *Binding) pickTarget(fallbackChatID, fallbackUserID int64) (int64, int64) {
	for userID, bindings := range b.store.AllBindings() {
		for threadID := range bindings {
			return b.store.ResolveChatID(userID, &threadID), userID
		}
	}
	if fallbackUserID != 0 {
		return fallbackChatID, fallbackUserID
	}
	if len(b.cfg.Telegram.AllowedUserID) > 0 {
		return fallbackChatID, b.cfg.Telegram.AllowedUserID[0]
	}
	return 0, 0
}

func (r *retryAfter) get(windowID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.entries[windowID]
	return t, ok
}

func (r *retryAfter) set(windowID string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[windowID] = until
}

// retryAfterFromErr extracts a rate-limit retry-after duration from err, or
// 0 if err does not carry one. go-telegram/bot surfaces 429s as a plain
// formatted error with no structured retry-after value (telegram.IsRateLimited's
// own doc comment), so every rate-limited error just gets the fixed
// defaultRetryAfter backoff rather than a parsed one.
func retryAfterFromErr(err error) time.Duration {
	if telegram.IsRateLimited(err) {
		return defaultRetryAfter
	}
	return 0
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
