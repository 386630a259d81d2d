// Package adminws is ccbot's optional, read-only operator status surface: a
// small HTTP+WebSocket server exposing the Session Store's current bindings
// and window states, for a dashboard or curl to inspect without touching
// the chat platform. Disabled by default (config.AdminWSConfig.Enabled).
//
// Grounded on the teacher's internal/ws package (broadcast.go, server.go,
// protocol.go): same client/broadcaster/server split, same throttled-flush
// idiom, same origin/token auth. The racer dashboard's per-session delta
// protocol doesn't apply here — the Session Store has no per-entity change
// feed, only a point-in-time Snapshot/AllBindings pair — so adminws only
// ever broadcasts full snapshots, nudged by a debounced timer instead of
// diffed deltas.
package adminws

import "github.com/sixddc/ccbot/internal/store"

// MessageType identifies a WSMessage's payload shape.
type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
)

// WSMessage is the single envelope every broadcast message is wrapped in.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

// BindingView is one (user, thread) -> window binding, flattened for JSON.
type BindingView struct {
	UserID   int64  `json:"user_id"`
	ThreadID int64  `json:"thread_id"`
	WindowID string `json:"window_id"`
}

// WindowView is one tracked window's state, keyed by window_id in the
// enclosing SnapshotPayload rather than repeated per entry.
type WindowView struct {
	WindowID         string `json:"window_id"`
	SessionID        string `json:"session_id,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	WindowName       string `json:"window_name,omitempty"`
	NotificationMode string `json:"notification_mode,omitempty"`
}

// SnapshotPayload is the full current state broadcast on connect, on the
// snapshot ticker, and whenever Broadcaster.Nudge fires after a debounce.
type SnapshotPayload struct {
	Bindings []BindingView `json:"bindings"`
	Windows  []WindowView  `json:"windows"`
}

// buildSnapshot reads the Store's current bindings and window states into
// the wire shapes above.
func buildSnapshot(st *store.Store) SnapshotPayload {
	var payload SnapshotPayload
	for userID, threads := range st.AllBindings() {
		for threadID, windowID := range threads {
			payload.Bindings = append(payload.Bindings, BindingView{
				UserID:   userID,
				ThreadID: threadID,
				WindowID: windowID,
			})
		}
	}
	for windowID, ws := range st.Snapshot() {
		payload.Windows = append(payload.Windows, WindowView{
			WindowID:         windowID,
			SessionID:        ws.SessionID,
			Cwd:              ws.Cwd,
			WindowName:       ws.WindowName,
			NotificationMode: ws.NotificationMode,
		})
	}
	return payload
}
