// Package tmux adapts a single tmux server to the window lifecycle
// operations ccbot needs: discovery, pane capture, keystroke delivery, and
// window creation/teardown. Every call shells out to the tmux binary via
// os/exec — there is no Go tmux client library in the retrieval pack, and
// ccbot only needs a handful of list-panes/capture-pane/send-keys/new-window
// invocations, not a full control-mode client.
package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Window describes one tmux window inside the adapter's session.
type Window struct {
	ID      string // tmux window_id, e.g. "@12"
	Name    string
	Cwd     string
	PaneCmd string // process name running in the active pane
}

// Adapter manages windows within a single named tmux session.
type Adapter struct {
	SessionName    string
	MainWindowName string // placeholder window created alongside the session; never returned by ListWindows
	ClaudeCommand  string // command used to start Claude Code in a new window
}

// NewAdapter returns an Adapter bound to sessionName, defaulting the main
// placeholder window name and launch command to ccbot's conventions.
func NewAdapter(sessionName string) *Adapter {
	return &Adapter{
		SessionName:    sessionName,
		MainWindowName: "ccbot-main",
		ClaudeCommand:  "claude",
	}
}

func (a *Adapter) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("tmux %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// HasSession reports whether the adapter's tmux session currently exists.
func (a *Adapter) HasSession(ctx context.Context) bool {
	_, err := a.run(ctx, "has-session", "-t", a.SessionName)
	return err == nil
}

// EnsureSession creates the adapter's tmux session (with a placeholder main
// window) if it does not already exist.
func (a *Adapter) EnsureSession(ctx context.Context) error {
	if a.HasSession(ctx) {
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/"
	}
	if _, err := a.run(ctx, "new-session", "-d", "-s", a.SessionName, "-c", home,
		"-n", a.MainWindowName); err != nil {
		return err
	}
	return nil
}

// ListWindows lists every window in the session except the main placeholder.
func (a *Adapter) ListWindows(ctx context.Context) ([]Window, error) {
	out, err := a.run(ctx, "list-windows", "-t", a.SessionName, "-F",
		"#{window_id}\t#{window_name}\t#{pane_current_path}\t#{pane_current_command}")
	if err != nil {
		return nil, err
	}
	return parseWindows(string(out), a.MainWindowName), nil
}

// parseWindows parses tab-separated list-windows output, skipping the main
// placeholder window by name.
func parseWindows(output, mainWindowName string) []Window {
	var windows []Window
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			continue
		}
		if fields[1] == mainWindowName {
			continue
		}
		windows = append(windows, Window{ID: fields[0], Name: fields[1], Cwd: fields[2], PaneCmd: fields[3]})
	}
	return windows
}

// FindWindowByName returns the window named name, or ok=false if not found.
func (a *Adapter) FindWindowByName(ctx context.Context, name string) (Window, bool) {
	windows, err := a.ListWindows(ctx)
	if err != nil {
		return Window{}, false
	}
	for _, w := range windows {
		if w.Name == name {
			return w, true
		}
	}
	return Window{}, false
}

// FindWindowByID returns the window with the given tmux window_id.
func (a *Adapter) FindWindowByID(ctx context.Context, windowID string) (Window, bool) {
	windows, err := a.ListWindows(ctx)
	if err != nil {
		return Window{}, false
	}
	for _, w := range windows {
		if w.ID == windowID {
			return w, true
		}
	}
	return Window{}, false
}

// CapturePane captures the active pane's visible text. withANSI preserves
// color escape codes (used by the screenshot command); plain capture is used
// everywhere else. Returns ok=false on failure or empty content.
func (a *Adapter) CapturePane(ctx context.Context, windowID string, withANSI bool) (string, bool) {
	args := []string{"capture-pane", "-p", "-t", windowID}
	if withANSI {
		args = []string{"capture-pane", "-e", "-p", "-t", windowID}
	}
	out, err := a.run(ctx, args...)
	if err != nil {
		return "", false
	}
	text := strings.TrimRight(string(out), "\n\r \t")
	if text == "" {
		return "", false
	}
	return text, true
}

func (a *Adapter) sendKeysRaw(ctx context.Context, windowID, text string, enter, literal bool) error {
	args := []string{"send-keys", "-t", windowID}
	if literal {
		args = append(args, "-l")
	}
	if text != "" || !enter {
		args = append(args, text)
	}
	if enter {
		args = append(args, "Enter")
	}
	_, err := a.run(ctx, args...)
	return err
}

// SendKeys delivers text to a window's active pane.
//
// When literal and enter are both true (the common case: relaying a chat
// message as a CLI prompt), the text and Enter are sent as two separate
// tmux send-keys invocations 500ms apart — Claude Code's TUI can otherwise
// read a same-batch Enter as a newline within the input rather than submit.
// A leading "!" (bash-mode escape) is sent on its own first, with a 1s
// pause, so the TUI has switched into command mode before the rest of the
// text arrives.
//
// literal=false lets the caller send special key names (e.g. "Up", "Down",
// "Escape") instead of literal text.
func (a *Adapter) SendKeys(ctx context.Context, windowID, text string, enter, literal bool) error {
	if !(literal && enter) {
		return a.sendKeysRaw(ctx, windowID, text, enter, literal)
	}

	if strings.HasPrefix(text, "!") {
		if err := a.sendKeysRaw(ctx, windowID, "!", false, true); err != nil {
			return err
		}
		rest := text[1:]
		if rest != "" {
			time.Sleep(time.Second)
			if err := a.sendKeysRaw(ctx, windowID, rest, false, true); err != nil {
				return err
			}
		}
	} else if err := a.sendKeysRaw(ctx, windowID, text, false, true); err != nil {
		return err
	}

	time.Sleep(500 * time.Millisecond)
	return a.sendKeysRaw(ctx, windowID, "", true, false)
}

// KillWindow destroys a window by its tmux window_id.
func (a *Adapter) KillWindow(ctx context.Context, windowID string) error {
	_, err := a.run(ctx, "kill-window", "-t", windowID)
	return err
}

// CreateWindow creates a new window rooted at workDir, naming it windowName
// (or the directory's base name if empty, with a "-2", "-3", ... suffix on
// collision), and optionally starts Claude Code in it with claudeArgs
// appended to the launch command. Returns the final window name and its
// tmux window_id.
func (a *Adapter) CreateWindow(ctx context.Context, workDir, windowName string, startClaude bool, claudeArgs string) (finalName, windowID string, err error) {
	path, err := filepath.Abs(workDir)
	if err != nil {
		return "", "", fmt.Errorf("resolving %s: %w", workDir, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", "", fmt.Errorf("directory does not exist: %s", workDir)
	}
	if !info.IsDir() {
		return "", "", fmt.Errorf("not a directory: %s", workDir)
	}

	if windowName == "" {
		windowName = filepath.Base(path)
	}
	finalName = windowName
	for counter := 2; ; counter++ {
		if _, exists := a.FindWindowByName(ctx, finalName); !exists {
			break
		}
		finalName = fmt.Sprintf("%s-%d", windowName, counter)
	}

	if err := a.EnsureSession(ctx); err != nil {
		return "", "", err
	}

	out, err := a.run(ctx, "new-window", "-t", a.SessionName, "-n", finalName, "-c", path,
		"-P", "-F", "#{window_id}")
	if err != nil {
		return "", "", err
	}
	windowID = strings.TrimSpace(string(out))

	if startClaude {
		cmd := a.ClaudeCommand
		if claudeArgs != "" {
			cmd = cmd + " " + claudeArgs
		}
		if err := a.sendKeysRaw(ctx, windowID, cmd, true, true); err != nil {
			return finalName, windowID, err
		}
	}

	return finalName, windowID, nil
}
