// Package poller implements ccbot's Status Poller: the background loop that
// watches each bound window's pane text for status lines and interactive
// prompts, detects window death and rename, and drives the per-topic emoji
// state machine and auto-close timers.
//
// Grounded on original_source/src/ccbot/status_poller.py (the per-binding
// check sequence and the topic-emoji cache) and the teacher's monitor
// poll-loop shape (single ticker, catch-log-continue per iteration).
package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sixddc/ccbot/internal/paneparser"
	"github.com/sixddc/ccbot/internal/store"
	"github.com/sixddc/ccbot/internal/tmux"
)

// TopicState is one of the three emoji states a topic title cycles through.
type TopicState string

const (
	TopicActive TopicState = "active"
	TopicIdle   TopicState = "idle"
	TopicDead   TopicState = "dead"
)

var topicEmoji = map[TopicState]string{
	TopicActive: "\U0001F7E2", // green circle
	TopicIdle:   "⚪",     // white circle
	TopicDead:   "\U0001F534", // red circle
}

// Adapter is the subset of the Multiplex Adapter the Poller drives.
type Adapter interface {
	FindWindowByID(ctx context.Context, windowID string) (tmux.Window, bool)
	CapturePane(ctx context.Context, windowID string, withANSI bool) (string, bool)
	SendKeys(ctx context.Context, windowID, text string, enter, literal bool) error
}

// TopicEditor is the subset of the chat-platform client the Poller edits
// topic titles through, to reflect a rename or an emoji-state change.
// Permission-denied errors are reported via IsPermissionDenied so the
// Poller can disable further edits for that chat.
type TopicEditor interface {
	EditForumTopic(ctx context.Context, chatID int64, threadID int, name string) error
}

// StatusQueue is the subset of the per-user Queue the Poller pushes status
// updates through.
type StatusQueue interface {
	EnqueueStatusUpdate(userID, chatID, threadID int64, windowID, statusText string)
	EnqueueStatusClear(userID, chatID, threadID int64)
}

// InteractiveHandler is invoked when a binding's pane shows (or stops
// showing) an interactive UI region, so C8 can send/edit the mirrored
// inline keyboard.
type InteractiveHandler interface {
	ShowInteractiveUI(ctx context.Context, userID, chatID int64, threadID int, windowID string, content paneparser.InteractiveUIContent)
	ClearInteractiveUI(ctx context.Context, userID, chatID int64, threadID int, windowID string)
}

// RecoveryNotifier sends the one-shot dead-window recovery message.
type RecoveryNotifier interface {
	NotifyDead(ctx context.Context, userID, chatID int64, threadID int, windowID, displayName string)
}

// AutoCloseCallback is invoked when a binding's auto-close timer fires after
// spending the configured grace period in "done" or "dead" state (spec.md
// §4.7). The callback owns closing the topic on the platform side, unbinding
// the thread in the Store, and clearing any of its own per-topic state; the
// Poller has already dropped its own in-memory bookkeeping for the binding
// by the time this runs.
type AutoCloseCallback func(ctx context.Context, userID, chatID, threadID int64, windowID string)

type bindingKey struct {
	userID   int64
	threadID int64
}

type interactiveState struct {
	active bool
}

type dedupKey struct {
	userID   int64
	threadID int64
	windowID string
}

type emojiCacheKey struct {
	chatID   int64
	threadID int64
}

// Poller is the single background task described in spec.md §4.7.
type Poller struct {
	store       *store.Store
	adapter     Adapter
	queue       StatusQueue
	interactive InteractiveHandler
	recovery    RecoveryNotifier
	topics      TopicEditor
	isPermDenied func(error) bool

	pollPeriod     time.Duration
	livenessPeriod time.Duration
	autoClose      time.Duration // 0 disables

	onAutoClose AutoCloseCallback

	mu            sync.Mutex
	uiState       map[bindingKey]*interactiveState
	deadNotified  map[dedupKey]struct{}
	emojiCache    map[emojiCacheKey]TopicState
	emojiDisabled map[int64]bool // chat_id -> permission-denied disable
	closeTimers   map[bindingKey]*time.Timer
}

// New creates a Poller. topics and isPermDenied may be nil, in which case
// topic-title edits (rename, emoji state) are skipped.
func New(st *store.Store, adapter Adapter, queue StatusQueue, interactive InteractiveHandler, recovery RecoveryNotifier, topics TopicEditor, isPermDenied func(error) bool, pollPeriod, livenessPeriod, autoClose time.Duration) *Poller {
	return &Poller{
		store:          st,
		adapter:        adapter,
		queue:          queue,
		interactive:    interactive,
		recovery:       recovery,
		topics:         topics,
		isPermDenied:   isPermDenied,
		pollPeriod:     pollPeriod,
		livenessPeriod: livenessPeriod,
		autoClose:      autoClose,
		uiState:        map[bindingKey]*interactiveState{},
		deadNotified:   map[dedupKey]struct{}{},
		emojiCache:     map[emojiCacheKey]TopicState{},
		emojiDisabled:  map[int64]bool{},
		closeTimers:    map[bindingKey]*time.Timer{},
	}
}

// OnAutoClose registers the callback invoked when a binding's auto-close
// timer fires. Must be set before Run starts if auto-close is enabled
// (cfg.Monitor.DeadWindowGrace / the autoClose constructor arg > 0).
func (p *Poller) OnAutoClose(cb AutoCloseCallback) { p.onAutoClose = cb }

// Run drives the poll loop until ctx is cancelled. Each cycle wraps its
// per-binding body in a catch-log-continue block (spec.md §7: nothing in
// the hot path may raise out).
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("poller: cycle panic: %v", r)
		}
	}()

	for userID, bindings := range p.allBindings() {
		for threadID, windowID := range bindings {
			p.checkBinding(ctx, userID, threadID, windowID)
		}
	}
}

func (p *Poller) allBindings() map[int64]map[int64]string {
	return p.store.AllBindings()
}

// checkBinding runs the six-step per-binding sequence from spec.md §4.7.
func (p *Poller) checkBinding(ctx context.Context, userID, threadID int64, windowID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("poller: binding %d/%d panic: %v", userID, threadID, r)
		}
	}()

	chatID := p.store.ResolveChatID(userID, &threadID)
	key := bindingKey{userID, threadID}

	win, alive := p.adapter.FindWindowByID(ctx, windowID)
	if !alive {
		p.handleDeadWindow(ctx, userID, chatID, threadID, windowID)
		return
	}
	p.resetCloseTimer(key, userID, chatID, windowID, false)

	if name := p.store.GetDisplayName(windowID); name != "" && win.Name != "" && name != win.Name {
		p.store.SetDisplayName(windowID, win.Name)
		p.editTopicTitle(ctx, chatID, threadID, win.Name)
	}

	paneText, ok := p.adapter.CapturePane(ctx, windowID, false)
	if !ok {
		return
	}

	p.mu.Lock()
	st, hadState := p.uiState[key]
	p.mu.Unlock()

	isUI := paneparser.IsInteractiveUI(paneText)
	switch {
	case hadState && st.active && isUI:
		return // mid-navigation, skip everything this cycle
	case hadState && st.active && !isUI:
		p.mu.Lock()
		delete(p.uiState, key)
		p.mu.Unlock()
		if p.interactive != nil {
			p.interactive.ClearInteractiveUI(ctx, userID, chatID, int(threadID), windowID)
		}
		return // don't instantly re-detect a new one this cycle
	case !hadState && isUI:
		content, _ := paneparser.ExtractInteractiveContent(paneText)
		p.mu.Lock()
		p.uiState[key] = &interactiveState{active: true}
		p.mu.Unlock()
		if p.interactive != nil {
			p.interactive.ShowInteractiveUI(ctx, userID, chatID, int(threadID), windowID, content)
		}
		p.setTopicState(ctx, chatID, threadID, TopicActive)
		return
	}

	statusText, hasStatus := paneparser.ParseStatusLine(paneText)
	if hasStatus {
		p.queue.EnqueueStatusUpdate(userID, chatID, int64(threadID), windowID, statusText)
		p.setTopicState(ctx, chatID, threadID, TopicActive)
		p.resetCloseTimer(key, userID, chatID, windowID, false)
	} else {
		p.queue.EnqueueStatusClear(userID, chatID, int64(threadID))
		p.setTopicState(ctx, chatID, threadID, TopicIdle)
		p.resetCloseTimer(key, userID, chatID, windowID, true)
	}
}

func (p *Poller) handleDeadWindow(ctx context.Context, userID, chatID int64, threadID int64, windowID string) {
	p.setTopicState(ctx, chatID, threadID, TopicDead)

	dk := dedupKey{userID, threadID, windowID}
	p.mu.Lock()
	_, already := p.deadNotified[dk]
	if !already {
		p.deadNotified[dk] = struct{}{}
	}
	p.mu.Unlock()
	if already {
		return
	}

	if p.recovery != nil {
		p.recovery.NotifyDead(ctx, userID, chatID, int(threadID), windowID, p.store.GetDisplayName(windowID))
	}
	p.resetCloseTimer(bindingKey{userID, threadID}, userID, chatID, windowID, true)
}

// setTopicState edits the topic title's emoji prefix only when the cached
// state for (chat_id, topic_id) differs, avoiding redundant edit calls.
func (p *Poller) setTopicState(ctx context.Context, chatID, threadID int64, state TopicState) {
	p.mu.Lock()
	if p.emojiDisabled[chatID] {
		p.mu.Unlock()
		return
	}
	k := emojiCacheKey{chatID, threadID}
	if p.emojiCache[k] == state {
		p.mu.Unlock()
		return
	}
	p.emojiCache[k] = state
	p.mu.Unlock()

	if p.topics == nil {
		return
	}
	windowID, ok := p.windowForTopic(chatID, threadID)
	if !ok {
		return
	}
	name := topicEmoji[state] + " " + p.store.GetDisplayName(windowID)
	p.editTopicTitle(ctx, chatID, threadID, name)
}

// windowForTopic finds the window_id bound to (chatID, threadID) across
// every user, since the emoji-state cache is keyed by chat/topic, not user.
func (p *Poller) windowForTopic(chatID, threadID int64) (string, bool) {
	for userID, bindings := range p.allBindings() {
		if p.store.ResolveChatID(userID, &threadID) != chatID {
			continue
		}
		if windowID, ok := bindings[threadID]; ok {
			return windowID, true
		}
	}
	return "", false
}

func (p *Poller) editTopicTitle(ctx context.Context, chatID, threadID int64, name string) {
	if p.topics == nil {
		return
	}
	err := p.topics.EditForumTopic(ctx, chatID, int(threadID), name)
	if err == nil {
		return
	}
	if p.isPermDenied != nil && p.isPermDenied(err) {
		p.DisableEmojiUpdates(chatID)
		return
	}
	log.Printf("poller: edit topic title: %v", err)
}

// resetCloseTimer starts (or restarts) the auto-close timer for a binding
// when arm is true, entering "done"/"dead" state; any other state change
// cancels an in-flight timer (spec.md §9 "Auto-close as state-change
// timers, not absolute deadlines"). On fire it drops the Poller's own
// per-topic bookkeeping and hands off to the registered AutoCloseCallback
// to close the topic and unbind the thread.
func (p *Poller) resetCloseTimer(key bindingKey, userID, chatID int64, windowID string, arm bool) {
	if p.autoClose <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.closeTimers[key]; ok {
		t.Stop()
		delete(p.closeTimers, key)
	}
	if !arm {
		return
	}
	p.closeTimers[key] = time.AfterFunc(p.autoClose, func() {
		p.mu.Lock()
		delete(p.closeTimers, key)
		delete(p.uiState, key)
		delete(p.deadNotified, dedupKey{key.userID, key.threadID, windowID})
		delete(p.emojiCache, emojiCacheKey{chatID, key.threadID})
		p.mu.Unlock()
		log.Printf("poller: auto-close fired for user=%d thread=%d window=%s", key.userID, key.threadID, windowID)
		if p.onAutoClose != nil {
			p.onAutoClose(context.Background(), userID, chatID, key.threadID, windowID)
		}
	})
}

// RunLivenessProbe runs the 60s topic-liveness probe described in
// spec.md §4.7 until ctx is cancelled. probe is the platform's no-op RPC
// (e.g. "unpin all topic messages") that returns deletedErr when the topic
// itself has been deleted; onDeleted is called to kill the window, unbind
// the thread, and clear per-topic state.
func (p *Poller) RunLivenessProbe(ctx context.Context, probe func(ctx context.Context, chatID int64, threadID int64) error, isDeletedErr func(error) bool, onDeleted func(userID, threadID int64, windowID string)) {
	ticker := time.NewTicker(p.livenessPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.livenessSweep(ctx, probe, isDeletedErr, onDeleted)
		}
	}
}

func (p *Poller) livenessSweep(ctx context.Context, probe func(ctx context.Context, chatID, threadID int64) error, isDeletedErr func(error) bool, onDeleted func(userID, threadID int64, windowID string)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("poller: liveness sweep panic: %v", r)
		}
	}()
	for userID, bindings := range p.allBindings() {
		for threadID, windowID := range bindings {
			chatID := p.store.ResolveChatID(userID, &threadID)
			if err := probe(ctx, chatID, threadID); err != nil && isDeletedErr(err) {
				p.mu.Lock()
				delete(p.emojiCache, emojiCacheKey{chatID, threadID})
				p.mu.Unlock()
				onDeleted(userID, threadID, windowID)
			}
		}
	}
}

// DisableEmojiUpdates disables topic-emoji edits for chatID for the
// process lifetime, called when the platform returns permission-denied.
func (p *Poller) DisableEmojiUpdates(chatID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emojiDisabled[chatID] = true
}
