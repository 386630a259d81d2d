// Package monitor implements ccbot's Session Monitor: the polling loop that
// watches the external SessionMap file and every tracked Claude Code
// transcript for new bytes, parses them incrementally, and emits normalized
// messages plus new-window events.
//
// Grounded on original_source/src/ccbot/session_monitor.py
// (SessionMonitor._monitor_loop / check_for_updates / _process_session_file)
// and the teacher's monitor poll-loop shape (single ticker, per-session
// offset tracking, atomic state file written every cycle).
package monitor

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sixddc/ccbot/internal/store"
	"github.com/sixddc/ccbot/internal/tmux"
	"github.com/sixddc/ccbot/internal/transcript"
)

// Event is one normalized message the Monitor has parsed from a transcript,
// tagged with the window it came from so downstream delivery knows where to
// route it.
type Event struct {
	WindowID string
	Entry    transcript.ParsedEntry
	// ByteOffset is the transcript file's read offset after the poll cycle
	// that produced this event, the value callers should hand to
	// store.UpdateUserWindowOffset once delivery succeeds (spec.md §4.4
	// step 7). It covers the whole batch read this cycle, not just this
	// one entry.
	ByteOffset int64
}

// NewWindowEvent fires when the Monitor observes a window it has not seen
// before, either via a fresh SessionMap entry or a live tmux window with no
// SessionMap entry at all (Claude Code hasn't written one yet).
type NewWindowEvent struct {
	WindowID   string
	SessionID  string // empty when discovered only via tmux, not SessionMap
	WindowName string
	Cwd        string
}

// MessageCallback receives parsed messages as they are discovered.
type MessageCallback func(Event)

// NewWindowCallback receives new-window notifications.
type NewWindowCallback func(NewWindowEvent)

// trackedSession is the Monitor's per-session incremental-read state.
type trackedSession struct {
	SessionID      string `json:"session_id"`
	FilePath       string `json:"file_path"`
	LastByteOffset int64  `json:"last_byte_offset"`
}

// stateFile is the on-disk shape of the Monitor's own persisted state
// (distinct from the Session Store's state file).
type stateFile struct {
	TrackedSessions map[string]*trackedSession `json:"tracked_sessions"`
}

// windowProjection is this process's last-seen view of one SessionMap
// window entry, used to detect disappearance and session_id changes
// between poll cycles.
type windowProjection struct {
	SessionID      string
	Cwd            string
	WindowName     string
	TranscriptPath string
}

// WindowLister is the subset of the Multiplex Adapter the Monitor needs:
// live window discovery, used to surface unbound windows and to prune
// SessionMap entries for windows that vanished out-of-band. Satisfied by
// *tmux.Adapter; narrowed to an interface so tests can fake it.
type WindowLister interface {
	ListWindows(ctx context.Context) ([]tmux.Window, error)
}

// Monitor is the single background polling task described in spec.md §4.4.
// It owns TrackedSession records and per-session pending-tool-call maps;
// the Session Store owns the SessionMap ingestion and window/thread state.
type Monitor struct {
	store       *store.Store
	adapter     WindowLister
	projectsDir string
	statePath   string
	pollPeriod  time.Duration

	onMessage   MessageCallback
	onNewWindow NewWindowCallback

	mu           sync.Mutex
	tracked      map[string]*trackedSession        // keyed by session_id
	pending      map[string]map[string]transcript.PendingTool // keyed by session_id
	lastProj     map[string]windowProjection        // keyed by window_id
	fileMtimes   map[string]time.Time               // keyed by session_id
	parseFailures int
	lastParseErr  string
}

// Health is a point-in-time snapshot of the Monitor's state, surfaced by
// the /doctor command. Grounded on the teacher's sourceHealth concept
// (internal/monitor/health.go), generalized from per-source counters to
// per-poll-cycle counters since this Monitor has a single transcript
// source, not several competing providers.
type Health struct {
	TrackedSessions int
	PendingTools    int
	ParseFailures   int
	LastParseError  string
}

// Health returns a snapshot of the Monitor's tracked-session and
// pending-tool-call state.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := 0
	for _, p := range m.pending {
		pending += len(p)
	}
	return Health{
		TrackedSessions: len(m.tracked),
		PendingTools:    pending,
		ParseFailures:   m.parseFailures,
		LastParseError:  m.lastParseErr,
	}
}

// New creates a Monitor. Call Load before Run to restore persisted
// TrackedSession state from a prior process.
func New(st *store.Store, adapter WindowLister, projectsDir, statePath string, pollPeriod time.Duration) *Monitor {
	return &Monitor{
		store:       st,
		adapter:     adapter,
		projectsDir: projectsDir,
		statePath:   statePath,
		pollPeriod:  pollPeriod,
		tracked:     map[string]*trackedSession{},
		pending:     map[string]map[string]transcript.PendingTool{},
		lastProj:    map[string]windowProjection{},
		fileMtimes:  map[string]time.Time{},
	}
}

// OnMessage registers the callback invoked for every parsed message.
func (m *Monitor) OnMessage(cb MessageCallback) { m.onMessage = cb }

// OnNewWindow registers the callback invoked for every newly observed
// window.
func (m *Monitor) OnNewWindow(cb NewWindowCallback) { m.onNewWindow = cb }

// Load restores the Monitor's own TrackedSession state file, dropping any
// entry whose transcript file is gone. Entries whose session_id the
// SessionMap no longer references are removed afterwards by
// cleanupStaleOnStartup, which Run calls (spec.md §4.4 "Restartability").
func (m *Monitor) Load() {
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		return
	}
	var raw stateFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for sid, ts := range raw.TrackedSessions {
		if ts == nil {
			continue
		}
		if _, err := os.Stat(ts.FilePath); err != nil {
			continue
		}
		m.tracked[sid] = ts
	}
}

func (m *Monitor) saveState() {
	m.mu.Lock()
	snapshot := make(map[string]*trackedSession, len(m.tracked))
	for sid, ts := range m.tracked {
		cp := *ts
		snapshot[sid] = &cp
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(stateFile{TrackedSessions: snapshot}, "", "  ")
	if err != nil {
		log.Printf("monitor: marshal state: %v", err)
		return
	}
	data = append(data, '\n')

	dir := filepath.Dir(m.statePath)
	tmp, err := os.CreateTemp(dir, ".monitor-*.tmp")
	if err != nil {
		log.Printf("monitor: create temp state file: %v", err)
		return
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		log.Printf("monitor: write temp state file: %v", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		log.Printf("monitor: sync temp state file: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		log.Printf("monitor: close temp state file: %v", err)
		return
	}
	if err := os.Rename(tmpPath, m.statePath); err != nil {
		log.Printf("monitor: rename state file: %v", err)
		return
	}
	ok = true
}

// Run executes the poll loop until ctx is cancelled. wake, if non-nil, lets
// an external watcher (fsnotify) nudge an early tick; the ticker remains the
// source of truth for cadence.
func (m *Monitor) Run(ctx context.Context, wake <-chan struct{}) {
	ticker := time.NewTicker(m.pollPeriod)
	defer ticker.Stop()

	m.cleanupStaleOnStartup()

	for {
		select {
		case <-ctx.Done():
			m.saveState()
			return
		case <-ticker.C:
			m.poll(ctx)
		case <-wake:
			m.poll(ctx)
		}
	}
}

// cleanupStaleOnStartup removes tracked sessions whose session_id the
// current SessionMap no longer references, mirroring
// _cleanup_all_stale_sessions in the original implementation.
func (m *Monitor) cleanupStaleOnStartup() {
	if err := m.store.LoadSessionMap(); err != nil {
		log.Printf("monitor: startup LoadSessionMap: %v", err)
	}
	active := map[string]struct{}{}
	for _, state := range m.store.Snapshot() {
		if state.SessionID != "" {
			active[state.SessionID] = struct{}{}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for sid := range m.tracked {
		if _, ok := active[sid]; !ok {
			delete(m.tracked, sid)
			delete(m.pending, sid)
			delete(m.fileMtimes, sid)
		}
	}
}

// poll runs one cycle of spec.md §4.4's steps 1-7. Every per-iteration
// failure is caught and logged; nothing here may propagate out and kill the
// loop (spec.md §7 "Fatal-vs-recoverable rule").
func (m *Monitor) poll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("monitor: poll panic recovered: %v", r)
		}
	}()

	if err := m.store.LoadSessionMap(); err != nil {
		log.Printf("monitor: LoadSessionMap: %v", err)
	}

	snapshot := m.store.Snapshot()
	proj := map[string]windowProjection{}
	for wid, state := range snapshot {
		if state.SessionID == "" {
			continue
		}
		proj[wid] = windowProjection{
			SessionID:      state.SessionID,
			Cwd:            state.Cwd,
			WindowName:     state.WindowName,
			TranscriptPath: state.TranscriptPath,
		}
	}

	m.detectChanges(proj)

	windows, err := m.adapter.ListWindows(ctx)
	if err != nil {
		log.Printf("monitor: ListWindows: %v", err)
		windows = nil
	}
	liveIDs := make(map[string]struct{}, len(windows))
	for _, w := range windows {
		liveIDs[w.ID] = struct{}{}
		if _, known := proj[w.ID]; known {
			continue
		}
		if m.store.IsWindowBound(w.ID) {
			continue
		}
		m.fireNewWindow(NewWindowEvent{WindowID: w.ID, WindowName: w.Name, Cwd: w.Cwd})
	}
	if err := m.store.PruneSessionMap(liveIDs); err != nil {
		log.Printf("monitor: PruneSessionMap: %v", err)
	}

	for wid, p := range proj {
		m.processWindow(wid, p)
	}

	m.lastProj = proj
	m.saveState()
}

// detectChanges compares the new projection against the last cycle's and
// purges TrackedSession/pending-tool state for windows that disappeared or
// whose session_id changed (spec.md §4.4 step 2).
func (m *Monitor) detectChanges(current map[string]windowProjection) {
	for wid, old := range m.lastProj {
		neu, stillThere := current[wid]
		if !stillThere || neu.SessionID != old.SessionID {
			m.dropSession(old.SessionID)
		}
	}
}

func (m *Monitor) dropSession(sessionID string) {
	if sessionID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, sessionID)
	delete(m.pending, sessionID)
	delete(m.fileMtimes, sessionID)
}

func (m *Monitor) fireNewWindow(ev NewWindowEvent) {
	if m.onNewWindow == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("monitor: new-window callback panic: %v", r)
			}
		}()
		m.onNewWindow(ev)
	}()
}

// processWindow resolves and reads one window's transcript, parses any new
// entries, and emits message events (spec.md §4.4 steps 4-7).
func (m *Monitor) processWindow(windowID string, p windowProjection) {
	path, ok := m.resolveTranscriptPath(p)
	if !ok {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		// Missing transcript file: drop tracking and clear pending tools
		// (spec.md §7 "Missing transcript file").
		m.dropSession(p.SessionID)
		return
	}

	m.mu.Lock()
	ts, known := m.tracked[p.SessionID]
	lastMtime := m.fileMtimes[p.SessionID]
	m.mu.Unlock()

	if !known {
		ts = &trackedSession{SessionID: p.SessionID, FilePath: path, LastByteOffset: info.Size()}
		m.mu.Lock()
		m.tracked[p.SessionID] = ts
		m.fileMtimes[p.SessionID] = info.ModTime()
		m.mu.Unlock()
		return
	}

	if !info.ModTime().After(lastMtime) {
		return
	}

	offset := ts.LastByteOffset
	if info.Size() < offset {
		// Truncated (e.g. after /clear): restart from the top.
		offset = 0
	}

	entries, newOffset, err := transcript.ReadIncremental(path, offset)
	if err != nil {
		log.Printf("monitor: reading %s: %v", path, err)
		m.mu.Lock()
		m.parseFailures++
		m.lastParseErr = err.Error()
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	ts.LastByteOffset = newOffset
	ts.FilePath = path
	m.fileMtimes[p.SessionID] = info.ModTime()
	carry := m.pending[p.SessionID]
	m.mu.Unlock()

	if len(entries) == 0 {
		return
	}
	if carry == nil {
		// A non-nil map keeps ParseEntries in carry-over mode, so an
		// unresolved tool_use waits for its tool_result in a later cycle.
		carry = map[string]transcript.PendingTool{}
	}

	parsed, remaining := transcript.ParseEntries(entries, carry)

	m.mu.Lock()
	if len(remaining) > 0 {
		m.pending[p.SessionID] = remaining
	} else {
		delete(m.pending, p.SessionID)
	}
	m.mu.Unlock()

	for _, entry := range parsed {
		if entry.Text == "" {
			continue
		}
		m.emit(Event{WindowID: windowID, Entry: entry, ByteOffset: newOffset})
	}
}

func (m *Monitor) emit(ev Event) {
	if m.onMessage == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("monitor: message callback panic: %v", r)
		}
	}()
	m.onMessage(ev)
}

// resolveTranscriptPath finds the transcript file for a projection: the
// SessionMap-supplied path if present and real, otherwise a scan of
// projectsDir for <session_id>.jsonl verified against the recorded cwd
// (spec.md §4.4 step 4).
func (m *Monitor) resolveTranscriptPath(p windowProjection) (string, bool) {
	if p.TranscriptPath != "" {
		if _, err := os.Stat(p.TranscriptPath); err == nil {
			return p.TranscriptPath, true
		}
	}

	matches, _ := filepath.Glob(filepath.Join(m.projectsDir, "*", p.SessionID+".jsonl"))
	for _, candidate := range matches {
		if p.Cwd == "" {
			return candidate, true
		}
		if cwd, ok := readCwdField(candidate); ok && cwd == p.Cwd {
			return candidate, true
		}
	}
	if len(matches) > 0 {
		return matches[0], true
	}
	return "", false
}

// readCwdField reads just the "cwd" field from a transcript's first line,
// used to disambiguate same-named session files found by glob fallback.
func readCwdField(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	nl := 0
	for nl < len(data) && data[nl] != '\n' {
		nl++
	}
	var entry struct {
		Cwd string `json:"cwd"`
	}
	if err := json.Unmarshal(data[:nl], &entry); err != nil {
		return "", false
	}
	return entry.Cwd, entry.Cwd != ""
}
