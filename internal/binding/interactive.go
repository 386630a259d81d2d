package binding

import (
	"context"
	"fmt"

	"github.com/sixddc/ccbot/internal/paneparser"
)

// AQKeyTarget maps an aq:* key token to the tmux key name SendKeys should
// transmit, and whether the Router should re-render the keyboard afterward.
// Grounded on original_source/src/ccbot/handlers/interactive_callbacks.py's
// INTERACTIVE_KEY_MAP: every key refreshes the mirrored message except esc,
// which clears it instead (the prompt is gone once esc is sent).
type AQKeyTarget struct {
	TmuxKey      string
	RefreshAfter bool
}

var aqKeyTargets = map[string]AQKeyTarget{
	"up":    {TmuxKey: "Up", RefreshAfter: true},
	"down":  {TmuxKey: "Down", RefreshAfter: true},
	"left":  {TmuxKey: "Left", RefreshAfter: true},
	"right": {TmuxKey: "Right", RefreshAfter: true},
	"enter": {TmuxKey: "Enter", RefreshAfter: true},
	"spc":   {TmuxKey: "Space", RefreshAfter: true},
	"tab":   {TmuxKey: "Tab", RefreshAfter: true},
	"esc":   {TmuxKey: "Escape", RefreshAfter: false},
}

// LookupAQKey looks up the tmux key and refresh behavior for an aq:* key
// token, for the Callback Router. The special "ref" token is not a key
// press at all (handled separately by the router as a manual refresh).
func LookupAQKey(token string) (AQKeyTarget, bool) {
	t, ok := aqKeyTargets[token]
	return t, ok
}

// buildAQKeys renders the fixed row of navigation keys mirrored under every
// interactive-prompt message, suffixed with windowID so the Router can
// dispatch a keypress without any topic-keyed server-side state (spec.md
// §4.9 "aq:* interactive-UI keys").
func buildAQKeys(windowID string) [][]Button {
	row := func(pairs ...[2]string) []Button {
		var btns []Button
		for _, p := range pairs {
			btns = append(btns, Button{Text: p[0], Data: fmt.Sprintf("aq:%s:%s", p[1], windowID)})
		}
		return btns
	}
	return [][]Button{
		row([2]string{"↑", "up"}, [2]string{"↓", "down"}, [2]string{"←", "left"}, [2]string{"→", "right"}),
		row([2]string{"⏎ Enter", "enter"}, [2]string{"␣ Space", "spc"}, [2]string{"⇥ Tab", "tab"}, [2]string{"⎋ Esc", "esc"}),
		row([2]string{"🔄 Refresh", "ref"}),
	}
}

// ShowInteractiveUI sends (or edits in place) the mirrored keyboard message
// for a pane region the Status Poller has detected, satisfying
// poller.InteractiveHandler. The message text is the extracted region
// content; the keyboard carries the fixed navigation keys above.
func (b *Binding) ShowInteractiveUI(ctx context.Context, userID, chatID int64, threadID int, windowID string, content paneparser.InteractiveUIContent) {
	key := topicKey{userID, int64(threadID)}

	b.mu.Lock()
	msgID, hasMsg := b.interactiveMsg[key]
	b.mu.Unlock()

	text := content.Content
	if text == "" {
		text = content.Name
	}

	if hasMsg {
		if err := b.sender.EditMessageText(ctx, chatID, msgID, text, false); err == nil {
			return
		}
		// The old message is gone (deleted by the user, expired edit window);
		// fall through and send a fresh one.
	}

	newID, err := b.sender.SendMessageWithButtons(ctx, chatID, threadID, text, false, buildAQKeys(windowID))
	if err != nil {
		return
	}
	b.mu.Lock()
	b.interactiveMsg[key] = newID
	b.mu.Unlock()
}

// ClearInteractiveUI removes the mirrored keyboard message once the pane no
// longer shows an interactive region, satisfying poller.InteractiveHandler.
func (b *Binding) ClearInteractiveUI(ctx context.Context, userID, chatID int64, threadID int, windowID string) {
	key := topicKey{userID, int64(threadID)}
	b.mu.Lock()
	msgID, ok := b.interactiveMsg[key]
	delete(b.interactiveMsg, key)
	b.mu.Unlock()
	if ok {
		_ = b.sender.DeleteMessage(ctx, chatID, msgID)
	}
}

// InteractiveMessageID returns the message_id of a topic's currently
// displayed interactive-prompt keyboard, for the Callback Router to edit
// when forwarding an aq:* keypress. ok is false if none is tracked.
func (b *Binding) InteractiveMessageID(userID int64, threadID int64) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.interactiveMsg[topicKey{userID, threadID}]
	return id, ok
}

// RefreshInteractiveUI re-captures windowID's pane and re-renders the
// mirrored keyboard message's text, used by the router's aq:refresh and
// after forwarding a navigation key (the pane has likely changed).
func (b *Binding) RefreshInteractiveUI(ctx context.Context, userID, chatID int64, threadID int, windowID string) {
	paneText, ok := b.adapter.CapturePane(ctx, windowID, false)
	if !ok {
		return
	}
	content, ok := paneparser.ExtractInteractiveContent(paneText)
	if !ok {
		b.ClearInteractiveUI(ctx, userID, chatID, threadID, windowID)
		return
	}
	b.ShowInteractiveUI(ctx, userID, chatID, threadID, windowID, content)
}

// NotifyDead sends the one-shot dead-window recovery prompt, satisfying
// poller.RecoveryNotifier. Unlike handleUnboundWindow (triggered by an
// inbound user message, which has text to stash), this path has no pending
// text to forward once a recovery option is chosen.
func (b *Binding) NotifyDead(ctx context.Context, userID, chatID int64, threadID int, windowID, displayName string) {
	key := topicKey{userID, int64(threadID)}
	b.mu.Lock()
	b.pending[key] = &pendingUI{state: UISelectingWindow, windowID: windowID}
	b.mu.Unlock()

	rows := [][]Button{
		{{Text: "Fresh", Data: "rec:f:" + windowID}, {Text: "Continue", Data: "rec:c:" + windowID}},
		{{Text: "Resume", Data: "rec:r:" + windowID}, {Text: "Cancel", Data: "rec:x"}},
	}
	text := fmt.Sprintf("Window %q is gone. What would you like to do?", displayName)
	b.sender.SendMessageWithButtons(ctx, chatID, threadID, text, false, rows)
}
