// Package store is ccbot's session state hub: it tracks which Claude Code
// session a tmux window holds, which chat topic is bound to which window,
// per-user read offsets, and per-user directory favorites. It loads the
// external SessionMap file a Claude Code hook writes on session start, and
// persists its own state with a debounced atomic write.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sixddc/ccbot/internal/transcript"
	"github.com/sixddc/ccbot/internal/tmux"
)

// NotificationModes is the cycle order used by CycleNotificationMode.
var NotificationModes = []string{"all", "errors_only", "muted"}

// WindowState is the persistent state ccbot tracks for one tmux window.
type WindowState struct {
	SessionID        string `json:"session_id"`
	Cwd              string `json:"cwd"`
	WindowName       string `json:"window_name,omitempty"`
	TranscriptPath   string `json:"transcript_path,omitempty"`
	NotificationMode string `json:"notification_mode,omitempty"`
}

func newWindowState() *WindowState {
	return &WindowState{NotificationMode: "all"}
}

// ClaudeSession is the summary information resolved for a window's bound
// Claude Code session.
type ClaudeSession struct {
	SessionID    string
	Summary      string
	MessageCount int
	FilePath     string
}

// DirFavorites holds a user's starred and most-recently-used directories,
// used by the directory browser when creating new windows.
type DirFavorites struct {
	Starred []string `json:"starred,omitempty"`
	MRU     []string `json:"mru,omitempty"`
}

type windowThreadKey struct {
	UserID   int64
	WindowID string
}

// persistedState is the on-disk JSON shape written by doSave and read by
// load. Keys that are ints in memory (user/thread IDs) are serialized as
// strings because JSON object keys must be strings.
type persistedState struct {
	WindowStates       map[string]*WindowState       `json:"window_states"`
	UserWindowOffsets  map[string]map[string]int64   `json:"user_window_offsets"`
	ThreadBindings     map[string]map[string]string  `json:"thread_bindings"`
	GroupChatIDs       map[string]int64              `json:"group_chat_ids"`
	WindowDisplayNames map[string]string             `json:"window_display_names"`
	UserDirFavorites   map[string]*DirFavorites       `json:"user_dir_favorites"`
}

// Store is ccbot's in-memory session state, debounced to disk.
//
// All window keys are tmux window_ids (e.g. "@12"); display names are kept
// separately in windowDisplayNames for presentation. Access is guarded by a
// single mutex since calls come from the poller, the router, and the
// binding orchestrator concurrently.
type Store struct {
	mu sync.Mutex

	path           string
	saveDebounce   time.Duration
	projectsDir    string
	sessionMapPath string
	tmuxSessionPfx string

	windowStates       map[string]*WindowState
	userWindowOffsets  map[int64]map[string]int64
	threadBindings     map[int64]map[int64]string
	windowToThread     map[windowThreadKey]int64
	groupChatIDs       map[string]int64
	windowDisplayNames map[string]string
	userDirFavorites   map[int64]*DirFavorites

	saveTimer *time.Timer
	dirty     bool
}

// New creates a Store backed by path, loading any existing state.
// tmuxSessionName scopes which SessionMap entries LoadSessionMap processes.
func New(path, sessionMapPath, projectsDir, tmuxSessionName string, saveDebounce time.Duration) *Store {
	s := &Store{
		path:               path,
		saveDebounce:       saveDebounce,
		projectsDir:        projectsDir,
		sessionMapPath:     sessionMapPath,
		tmuxSessionPfx:     tmuxSessionName + ":",
		windowStates:       map[string]*WindowState{},
		userWindowOffsets:  map[int64]map[string]int64{},
		threadBindings:     map[int64]map[int64]string{},
		windowToThread:     map[windowThreadKey]int64{},
		groupChatIDs:       map[string]int64{},
		windowDisplayNames: map[string]string{},
		userDirFavorites:   map[int64]*DirFavorites{},
	}
	s.load()
	s.rebuildReverseIndex()
	return s
}

func isWindowID(key string) bool {
	if len(key) < 2 || key[0] != '@' {
		return false
	}
	for _, r := range key[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (s *Store) rebuildReverseIndex() {
	s.windowToThread = map[windowThreadKey]int64{}
	for uid, bindings := range s.threadBindings {
		for tid, wid := range bindings {
			s.windowToThread[windowThreadKey{uid, wid}] = tid
		}
	}
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var raw persistedState
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}

	s.windowStates = raw.WindowStates
	if s.windowStates == nil {
		s.windowStates = map[string]*WindowState{}
	}
	s.userWindowOffsets = unstringifyNestedInt64(raw.UserWindowOffsets)
	s.threadBindings = unstringifyThreadBindings(raw.ThreadBindings)
	s.groupChatIDs = raw.GroupChatIDs
	if s.groupChatIDs == nil {
		s.groupChatIDs = map[string]int64{}
	}
	s.windowDisplayNames = raw.WindowDisplayNames
	if s.windowDisplayNames == nil {
		s.windowDisplayNames = map[string]string{}
	}
	s.userDirFavorites = unstringifyFavorites(raw.UserDirFavorites)
}

func unstringifyNestedInt64(in map[string]map[string]int64) map[int64]map[string]int64 {
	out := map[int64]map[string]int64{}
	for uidStr, offsets := range in {
		uid, err := strconv.ParseInt(uidStr, 10, 64)
		if err != nil {
			continue
		}
		out[uid] = offsets
	}
	return out
}

func unstringifyThreadBindings(in map[string]map[string]string) map[int64]map[int64]string {
	out := map[int64]map[int64]string{}
	for uidStr, bindings := range in {
		uid, err := strconv.ParseInt(uidStr, 10, 64)
		if err != nil {
			continue
		}
		inner := map[int64]string{}
		for tidStr, wid := range bindings {
			tid, err := strconv.ParseInt(tidStr, 10, 64)
			if err != nil {
				continue
			}
			inner[tid] = wid
		}
		out[uid] = inner
	}
	return out
}

func unstringifyFavorites(in map[string]*DirFavorites) map[int64]*DirFavorites {
	out := map[int64]*DirFavorites{}
	for uidStr, favs := range in {
		uid, err := strconv.ParseInt(uidStr, 10, 64)
		if err != nil {
			continue
		}
		out[uid] = favs
	}
	return out
}

// markDirty schedules a debounced save, resetting the timer on every call so
// a burst of mutations results in exactly one write.
func (s *Store) markDirty() {
	s.dirty = true
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.AfterFunc(s.saveDebounce, s.doSave)
}

// doSave writes state to disk via an atomic temp-file, fsync, rename, the same
// pattern ccbot's Go teacher used for its own persisted stats.
func (s *Store) doSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveTimer = nil

	raw := persistedState{
		WindowStates:       s.windowStates,
		UserWindowOffsets:   stringifyNestedInt64(s.userWindowOffsets),
		ThreadBindings:     stringifyThreadBindings(s.threadBindings),
		GroupChatIDs:       s.groupChatIDs,
		WindowDisplayNames: s.windowDisplayNames,
		UserDirFavorites:   stringifyFavorites(s.userDirFavorites),
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return
	}
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return
	}
	if err := tmp.Close(); err != nil {
		return
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return
	}
	committed = true
	s.dirty = false
}

func stringifyNestedInt64(in map[int64]map[string]int64) map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	for uid, offsets := range in {
		out[strconv.FormatInt(uid, 10)] = offsets
	}
	return out
}

func stringifyThreadBindings(in map[int64]map[int64]string) map[string]map[string]string {
	out := map[string]map[string]string{}
	for uid, bindings := range in {
		inner := map[string]string{}
		for tid, wid := range bindings {
			inner[strconv.FormatInt(tid, 10)] = wid
		}
		out[strconv.FormatInt(uid, 10)] = inner
	}
	return out
}

func stringifyFavorites(in map[int64]*DirFavorites) map[string]*DirFavorites {
	out := map[string]*DirFavorites{}
	for uid, favs := range in {
		out[strconv.FormatInt(uid, 10)] = favs
	}
	return out
}

// Flush forces an immediate save, bypassing the debounce timer. Call on
// shutdown so the last mutation isn't lost to an unfired timer.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	dirty := s.dirty
	s.mu.Unlock()
	if dirty {
		s.doSave()
	}
}

// ResolveStaleIDs re-resolves persisted window_ids against the tmux windows
// that actually exist, handling both tmux-server-restart ID churn and
// migration from an older state format keyed by window_name. Call once at
// startup before serving any requests.
func (s *Store) ResolveStaleIDs(windows []tmux.Window) {
	s.mu.Lock()
	defer s.mu.Unlock()

	liveByName := map[string]string{}
	liveIDs := map[string]struct{}{}
	for _, w := range windows {
		liveByName[w.Name] = w.ID
		liveIDs[w.ID] = struct{}{}
	}

	changed := false

	newWindowStates := map[string]*WindowState{}
	for key, state := range s.windowStates {
		if isWindowID(key) {
			if _, ok := liveIDs[key]; ok {
				newWindowStates[key] = state
				continue
			}
			display := s.windowDisplayNames[key]
			if display == "" {
				display = state.WindowName
			}
			if display == "" {
				display = key
			}
			if newID, ok := liveByName[display]; ok {
				newWindowStates[newID] = state
				state.WindowName = display
				s.windowDisplayNames[newID] = display
				delete(s.windowDisplayNames, key)
				changed = true
			} else {
				changed = true
			}
			continue
		}
		// Old format: key is a window_name.
		if newID, ok := liveByName[key]; ok {
			state.WindowName = key
			newWindowStates[newID] = state
			s.windowDisplayNames[newID] = key
			changed = true
		} else {
			changed = true
		}
	}
	s.windowStates = newWindowStates

	for uid, bindings := range s.threadBindings {
		newBindings := map[int64]string{}
		for tid, val := range bindings {
			if isWindowID(val) {
				if _, ok := liveIDs[val]; ok {
					newBindings[tid] = val
					continue
				}
				display := s.windowDisplayNames[val]
				if display == "" {
					display = val
				}
				if newID, ok := liveByName[display]; ok {
					newBindings[tid] = newID
					s.windowDisplayNames[newID] = display
					changed = true
				} else {
					changed = true
				}
				continue
			}
			if newID, ok := liveByName[val]; ok {
				newBindings[tid] = newID
				s.windowDisplayNames[newID] = val
				changed = true
			} else {
				changed = true
			}
		}
		if len(newBindings) == 0 {
			delete(s.threadBindings, uid)
		} else {
			s.threadBindings[uid] = newBindings
		}
	}

	for uid, offsets := range s.userWindowOffsets {
		newOffsets := map[string]int64{}
		for key, offset := range offsets {
			if isWindowID(key) {
				if _, ok := liveIDs[key]; ok {
					newOffsets[key] = offset
					continue
				}
				display := s.windowDisplayNames[key]
				if display == "" {
					display = key
				}
				if newID, ok := liveByName[display]; ok {
					newOffsets[newID] = offset
				}
				changed = true
				continue
			}
			if newID, ok := liveByName[key]; ok {
				newOffsets[newID] = offset
				changed = true
			} else {
				changed = true
			}
		}
		s.userWindowOffsets[uid] = newOffsets
	}

	if changed {
		s.rebuildReverseIndex()
		s.markDirty()
	}
}

// sessionMapEntry mirrors one value in the external session_map.json file a
// Claude Code hook writes on SessionStart.
type sessionMapEntry struct {
	SessionID      string `json:"session_id"`
	Cwd            string `json:"cwd"`
	WindowName     string `json:"window_name"`
	TranscriptPath string `json:"transcript_path"`
}

// LoadSessionMap reads the external SessionMap file and folds new
// window→session associations into window state, dropping window_states
// entries the map no longer references.
//
// Old-format keys (window_name instead of window_id, from a hook that
// hasn't re-fired yet) are tracked by session_id so the matching
// window_state survives this pass's stale-cleanup, then purged from the
// SessionMap file itself so they stop being re-logged every poll cycle.
func (s *Store) LoadSessionMap() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.sessionMapPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var sessionMap map[string]sessionMapEntry
	if err := json.Unmarshal(data, &sessionMap); err != nil {
		return fmt.Errorf("parsing session map: %w", err)
	}

	validWIDs := map[string]struct{}{}
	oldFormatSIDs := map[string]struct{}{}
	var oldFormatKeys []string
	changed := false

	for key, info := range sessionMap {
		if len(key) <= len(s.tmuxSessionPfx) || key[:len(s.tmuxSessionPfx)] != s.tmuxSessionPfx {
			continue
		}
		windowID := key[len(s.tmuxSessionPfx):]

		if !isWindowID(windowID) {
			if info.SessionID != "" {
				oldFormatSIDs[info.SessionID] = struct{}{}
			}
			oldFormatKeys = append(oldFormatKeys, key)
			continue
		}
		validWIDs[windowID] = struct{}{}
		if info.SessionID == "" {
			continue
		}

		state, ok := s.windowStates[windowID]
		if !ok {
			state = newWindowState()
			s.windowStates[windowID] = state
		}
		if state.SessionID != info.SessionID || state.Cwd != info.Cwd {
			state.SessionID = info.SessionID
			state.Cwd = info.Cwd
			changed = true
		}
		if info.TranscriptPath != "" && state.TranscriptPath != info.TranscriptPath {
			state.TranscriptPath = info.TranscriptPath
			changed = true
		}
		if info.WindowName != "" {
			state.WindowName = info.WindowName
			if s.windowDisplayNames[windowID] != info.WindowName {
				s.windowDisplayNames[windowID] = info.WindowName
				changed = true
			}
		}
	}

	var staleWIDs []string
	for wid, state := range s.windowStates {
		if _, valid := validWIDs[wid]; valid {
			continue
		}
		if _, protect := oldFormatSIDs[state.SessionID]; protect {
			continue
		}
		staleWIDs = append(staleWIDs, wid)
	}
	for _, wid := range staleWIDs {
		delete(s.windowStates, wid)
		changed = true
	}

	if len(oldFormatKeys) > 0 {
		for _, key := range oldFormatKeys {
			delete(sessionMap, key)
		}
		if err := atomicWriteJSON(s.sessionMapPath, sessionMap); err != nil {
			return err
		}
	}

	if changed {
		s.markDirty()
	}
	return nil
}

// PruneSessionMap drops SessionMap entries (for this process's tmux
// session) whose window_id is not in liveWindowIDs, and rewrites the
// SessionMap file if anything changed. Called by the Monitor once per poll
// cycle after listing live tmux windows (spec.md §4.4 step 3): a window
// killed out-of-band should stop being reported as active even before the
// next hook write.
func (s *Store) PruneSessionMap(liveWindowIDs map[string]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.sessionMapPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var sessionMap map[string]sessionMapEntry
	if err := json.Unmarshal(data, &sessionMap); err != nil {
		return nil
	}

	changed := false
	for key := range sessionMap {
		if len(key) <= len(s.tmuxSessionPfx) || key[:len(s.tmuxSessionPfx)] != s.tmuxSessionPfx {
			continue
		}
		windowID := key[len(s.tmuxSessionPfx):]
		if !isWindowID(windowID) {
			continue
		}
		if _, live := liveWindowIDs[windowID]; !live {
			delete(sessionMap, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return atomicWriteJSON(s.sessionMapPath, sessionMap)
}

// WaitForSessionMapEntry polls the SessionMap file until an entry for
// windowID appears (written by the hook shortly after a new Claude Code
// session starts), or timeout elapses. Returns true if found.
func (s *Store) WaitForSessionMapEntry(windowID string, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	key := s.tmuxSessionPfx + windowID
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(s.sessionMapPath)
		if err == nil {
			var sessionMap map[string]sessionMapEntry
			if json.Unmarshal(data, &sessionMap) == nil {
				if info, ok := sessionMap[key]; ok && info.SessionID != "" {
					s.LoadSessionMap()
					return true
				}
			}
		}
		time.Sleep(interval)
	}
	return false
}

func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".map-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	committed = true
	return nil
}

// GetWindowState returns the window's state, creating a zero-value entry
// (notification mode "all") if none exists yet.
func (s *Store) GetWindowState(windowID string) *WindowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getWindowStateLocked(windowID)
}

func (s *Store) getWindowStateLocked(windowID string) *WindowState {
	state, ok := s.windowStates[windowID]
	if !ok {
		state = newWindowState()
		s.windowStates[windowID] = state
	}
	return state
}

// Snapshot returns a copy of every persisted window's state, keyed by
// window_id. The Session Monitor diffs successive snapshots to detect
// disappeared windows and session_id changes across poll cycles.
func (s *Store) Snapshot() map[string]WindowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]WindowState, len(s.windowStates))
	for wid, state := range s.windowStates {
		out[wid] = *state
	}
	return out
}

// IsWindowBound reports whether any (user, topic) pair across any user is
// currently bound to windowID. Used by the Monitor to decide whether a live
// window with no SessionMap entry yet still deserves a new-window callback
// (skip it if some earlier pass already bound it).
func (s *Store) IsWindowBound(windowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.windowToThread {
		if key.WindowID == windowID {
			return true
		}
	}
	return false
}

// ClearWindowSession clears a window's session association, e.g. after a
// /clear command restarts the Claude Code session in place.
func (s *Store) ClearWindowSession(windowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.getWindowStateLocked(windowID)
	state.SessionID = ""
	state.NotificationMode = "all"
	s.markDirty()
}

// GetDisplayName returns the display name for windowID, falling back to the
// window_id itself if none is set.
func (s *Store) GetDisplayName(windowID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.windowDisplayNames[windowID]; ok {
		return name
	}
	return windowID
}

// SetDisplayName updates the display name for windowID.
func (s *Store) SetDisplayName(windowID, windowName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.windowDisplayNames[windowID] == windowName {
		return
	}
	s.windowDisplayNames[windowID] = windowName
	if state, ok := s.windowStates[windowID]; ok {
		state.WindowName = windowName
	}
	s.markDirty()
}

// GetNotificationMode returns a window's notification mode, default "all".
func (s *Store) GetNotificationMode(windowID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.windowStates[windowID]; ok {
		return state.NotificationMode
	}
	return "all"
}

// SetNotificationMode sets a window's notification mode.
func (s *Store) SetNotificationMode(windowID, mode string) error {
	if !validMode(mode) {
		return fmt.Errorf("invalid notification mode: %q", mode)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.getWindowStateLocked(windowID)
	if state.NotificationMode != mode {
		state.NotificationMode = mode
		s.markDirty()
	}
	return nil
}

func validMode(mode string) bool {
	for _, m := range NotificationModes {
		if m == mode {
			return true
		}
	}
	return false
}

// CycleNotificationMode advances a window's notification mode to the next
// in NotificationModes, wrapping around, and returns the new mode.
func (s *Store) CycleNotificationMode(windowID string) string {
	s.mu.Lock()
	current := "all"
	if state, ok := s.windowStates[windowID]; ok {
		current = state.NotificationMode
	}
	idx := 0
	for i, m := range NotificationModes {
		if m == current {
			idx = i
			break
		}
	}
	next := NotificationModes[(idx+1)%len(NotificationModes)]
	s.mu.Unlock()
	s.SetNotificationMode(windowID, next)
	return next
}

const mruCap = 5

// GetUserStarred returns a user's starred directories.
func (s *Store) GetUserStarred(userID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	favs, ok := s.userDirFavorites[userID]
	if !ok {
		return nil
	}
	out := make([]string, len(favs.Starred))
	copy(out, favs.Starred)
	return out
}

// GetUserMRU returns a user's most-recently-used directories.
func (s *Store) GetUserMRU(userID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	favs, ok := s.userDirFavorites[userID]
	if !ok {
		return nil
	}
	out := make([]string, len(favs.MRU))
	copy(out, favs.MRU)
	return out
}

// UpdateUserMRU inserts path at the front of a user's MRU list, deduping and
// capping the list at mruCap entries.
func (s *Store) UpdateUserMRU(userID int64, path string) {
	resolved, err := filepath.Abs(path)
	if err != nil {
		resolved = path
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	favs := s.userDirFavoritesLocked(userID)
	mru := []string{resolved}
	for _, p := range favs.MRU {
		if p != resolved {
			mru = append(mru, p)
		}
	}
	if len(mru) > mruCap {
		mru = mru[:mruCap]
	}
	favs.MRU = mru
	s.markDirty()
}

// ToggleUserStar toggles a directory in/out of a user's starred list,
// returning true if it is now starred.
func (s *Store) ToggleUserStar(userID int64, path string) bool {
	resolved, err := filepath.Abs(path)
	if err != nil {
		resolved = path
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	favs := s.userDirFavoritesLocked(userID)
	idx := -1
	for i, p := range favs.Starred {
		if p == resolved {
			idx = i
			break
		}
	}
	var nowStarred bool
	if idx >= 0 {
		favs.Starred = append(favs.Starred[:idx], favs.Starred[idx+1:]...)
		nowStarred = false
	} else {
		favs.Starred = append(favs.Starred, resolved)
		nowStarred = true
	}
	s.markDirty()
	return nowStarred
}

func (s *Store) userDirFavoritesLocked(userID int64) *DirFavorites {
	favs, ok := s.userDirFavorites[userID]
	if !ok {
		favs = &DirFavorites{}
		s.userDirFavorites[userID] = favs
	}
	return favs
}

// GetUserWindowOffset returns the user's last-read byte offset for a
// window, or ok=false if none has been recorded yet.
func (s *Store) GetUserWindowOffset(userID int64, windowID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offsets, ok := s.userWindowOffsets[userID]
	if !ok {
		return 0, false
	}
	off, ok := offsets[windowID]
	return off, ok
}

// UpdateUserWindowOffset records the user's last-read byte offset for a
// window.
func (s *Store) UpdateUserWindowOffset(userID int64, windowID string, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userWindowOffsets[userID] == nil {
		s.userWindowOffsets[userID] = map[string]int64{}
	}
	s.userWindowOffsets[userID][windowID] = offset
	s.markDirty()
}

// BindThread binds a chat topic thread to a tmux window.
func (s *Store) BindThread(userID, threadID int64, windowID, windowName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threadBindings[userID] == nil {
		s.threadBindings[userID] = map[int64]string{}
	}
	s.threadBindings[userID][threadID] = windowID
	s.windowToThread[windowThreadKey{userID, windowID}] = threadID
	if windowName != "" {
		s.windowDisplayNames[windowID] = windowName
	}
	s.markDirty()
}

// UnbindThread removes a thread binding, returning the previously bound
// window_id, or ok=false if no binding existed.
func (s *Store) UnbindThread(userID, threadID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bindings := s.threadBindings[userID]
	windowID, ok := bindings[threadID]
	if !ok {
		return "", false
	}
	delete(bindings, threadID)
	delete(s.windowToThread, windowThreadKey{userID, windowID})
	if len(bindings) == 0 {
		delete(s.threadBindings, userID)
	}
	s.markDirty()
	return windowID, true
}

// GetWindowForThread looks up the window_id bound to a thread.
func (s *Store) GetWindowForThread(userID, threadID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wid, ok := s.threadBindings[userID][threadID]
	return wid, ok
}

// GetThreadForWindow is the reverse lookup: the thread bound to a window,
// via the O(1) reverse index.
func (s *Store) GetThreadForWindow(userID int64, windowID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tid, ok := s.windowToThread[windowThreadKey{userID, windowID}]
	return tid, ok
}

// AllBindings returns a deep copy of every user's thread bindings, keyed
// user_id -> thread_id -> window_id. Used by the Status Poller, which must
// sweep every binding regardless of user.
func (s *Store) AllBindings() map[int64]map[int64]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]map[int64]string, len(s.threadBindings))
	for userID, bindings := range s.threadBindings {
		copyBindings := make(map[int64]string, len(bindings))
		for tid, wid := range bindings {
			copyBindings[tid] = wid
		}
		out[userID] = copyBindings
	}
	return out
}

// GetAllThreadWindows returns a copy of all thread bindings for a user.
func (s *Store) GetAllThreadWindows(userID int64) map[int64]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]string, len(s.threadBindings[userID]))
	for tid, wid := range s.threadBindings[userID] {
		out[tid] = wid
	}
	return out
}

// FindUsersForSession returns every (userID, windowID, threadID) whose
// bound window currently holds sessionID.
func (s *Store) FindUsersForSession(sessionID string) []UserWindowThread {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []UserWindowThread
	for userID, bindings := range s.threadBindings {
		for threadID, windowID := range bindings {
			if state, ok := s.windowStates[windowID]; ok && state.SessionID == sessionID {
				result = append(result, UserWindowThread{userID, windowID, threadID})
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UserID != result[j].UserID {
			return result[i].UserID < result[j].UserID
		}
		return result[i].ThreadID < result[j].ThreadID
	})
	return result
}

// UserWindowThread is one binding entry returned by FindUsersForSession.
type UserWindowThread struct {
	UserID   int64
	WindowID string
	ThreadID int64
}

// SetGroupChatID stores the group chat ID a user's thread lives in, keyed by
// "userID:threadID" to support one user across multiple groups.
func (s *Store) SetGroupChatID(userID, threadID, chatID int64) {
	key := fmt.Sprintf("%d:%d", userID, threadID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groupChatIDs[key] != chatID {
		s.groupChatIDs[key] = chatID
		s.markDirty()
	}
}

// ResolveChatID resolves the chat_id to send to: the stored group chat_id
// for threadID if one exists, otherwise userID itself (direct message).
func (s *Store) ResolveChatID(userID int64, threadID *int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if threadID != nil {
		key := fmt.Sprintf("%d:%d", userID, *threadID)
		if chatID, ok := s.groupChatIDs[key]; ok {
			return chatID
		}
	}
	return userID
}

// buildSessionFilePath constructs a transcript path directly from a
// session_id and cwd, avoiding a directory scan.
func (s *Store) buildSessionFilePath(sessionID, cwd string) string {
	if sessionID == "" || cwd == "" {
		return ""
	}
	return filepath.Join(s.projectsDir, transcript.EncodeProjectPath(cwd), sessionID+".jsonl")
}

type transcriptSummaryLine struct {
	Type    string `json:"type"`
	Summary string `json:"summary"`
}

// getSessionDirect resolves a ClaudeSession directly from a session_id and
// cwd: it builds the transcript path, falling back to a glob across
// projectsDir if that exact file doesn't exist, then makes a single pass
// over the file to find a summary line (or the last user message as a
// fallback) and count messages.
func (s *Store) getSessionDirect(sessionID, cwd string) (*ClaudeSession, bool) {
	filePath := s.buildSessionFilePath(sessionID, cwd)
	if filePath == "" || !fileExists(filePath) {
		matches, _ := filepath.Glob(filepath.Join(s.projectsDir, "*", sessionID+".jsonl"))
		if len(matches) == 0 {
			return nil, false
		}
		filePath = matches[0]
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, false
	}

	var summary, lastUserMsg string
	messageCount := 0
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		messageCount++
		var meta transcriptSummaryLine
		if json.Unmarshal(line, &meta) == nil && meta.Type == "summary" && meta.Summary != "" {
			summary = meta.Summary
			continue
		}
		if parsed, _ := transcript.ParseJSONL(line, nil); len(parsed) > 0 {
			for _, p := range parsed {
				if p.Role == "user" && p.ContentType == transcript.ContentText && strings.TrimSpace(p.Text) != "" {
					lastUserMsg = strings.TrimSpace(p.Text)
				}
			}
		}
	}

	if summary == "" {
		if lastUserMsg != "" {
			if len(lastUserMsg) > 50 {
				lastUserMsg = lastUserMsg[:50]
			}
			summary = lastUserMsg
		} else {
			summary = "Untitled"
		}
	}

	return &ClaudeSession{
		SessionID:    sessionID,
		Summary:      summary,
		MessageCount: messageCount,
		FilePath:     filePath,
	}, true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, trimSpace(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, trimSpace(data[start:]))
	}
	return lines
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpaceByte(b[start]) {
		start++
	}
	for end > start && isSpaceByte(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

// ListResumeSessions returns a page of a project directory's past sessions,
// newest first, for the Resume recovery action's paginated picker
// (spec.md §4.8, supplemented per SPEC_FULL.md §5 "Resume picker
// pagination"). total is the full match count before paging.
func (s *Store) ListResumeSessions(cwd string, page, pageSize int) (sessions []ClaudeSession, total int) {
	paths, err := transcript.FindAllSessionFiles(s.projectsDir, cwd)
	if err != nil || len(paths) == 0 {
		return nil, 0
	}

	type pathInfo struct {
		path  string
		mtime time.Time
	}
	infos := make([]pathInfo, 0, len(paths))
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		infos = append(infos, pathInfo{path: p, mtime: fi.ModTime()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].mtime.After(infos[j].mtime) })

	total = len(infos)
	start := page * pageSize
	if start >= total {
		return nil, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	for _, info := range infos[start:end] {
		sessionID := transcript.SessionIDFromPath(info.path)
		if session, ok := s.getSessionDirect(sessionID, cwd); ok {
			sessions = append(sessions, *session)
		} else {
			sessions = append(sessions, ClaudeSession{SessionID: sessionID, Summary: "Untitled", FilePath: info.path})
		}
	}
	return sessions, total
}

// ResolveSessionForWindow resolves a window to its bound Claude Code
// session, clearing the window's session fields if the transcript file no
// longer exists.
func (s *Store) ResolveSessionForWindow(windowID string) (*ClaudeSession, bool) {
	s.mu.Lock()
	state, ok := s.windowStates[windowID]
	s.mu.Unlock()
	if !ok || state.SessionID == "" || state.Cwd == "" {
		return nil, false
	}

	session, found := s.getSessionDirect(state.SessionID, state.Cwd)
	if found {
		return session, true
	}

	s.mu.Lock()
	state.SessionID = ""
	state.Cwd = ""
	s.markDirty()
	s.mu.Unlock()
	return nil, false
}

// GetRecentMessages resolves a window's session and returns its parsed
// messages, optionally restricted to [startByte, endByte) of the transcript
// file.
func (s *Store) GetRecentMessages(windowID string, startByte int64, endByte *int64) ([]transcript.ParsedEntry, error) {
	session, ok := s.ResolveSessionForWindow(windowID)
	if !ok {
		return nil, nil
	}
	if !fileExists(session.FilePath) {
		return nil, nil
	}

	f, err := os.Open(session.FilePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if startByte > 0 {
		if _, err := f.Seek(startByte, 0); err != nil {
			return nil, err
		}
	}

	limit := int64(-1)
	if endByte != nil {
		limit = *endByte - startByte
	}

	data := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	var total int64
	for {
		if limit >= 0 && total >= limit {
			break
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if limit >= 0 && total+int64(n) > limit {
				chunk = chunk[:limit-total]
			}
			data = append(data, chunk...)
			total += int64(len(chunk))
		}
		if readErr != nil {
			break
		}
	}

	entries, _ := transcript.ParseJSONL(data, nil)
	return entries, nil
}
