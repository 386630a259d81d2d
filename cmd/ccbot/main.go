// Command ccbot is the bridge daemon: it wires the Session Store, Session
// Monitor, Status Poller, Message Queue, Binding Orchestrator, and Callback
// Router to a tmux session and a Telegram bot, per spec.md §2's component
// table.
//
// Grounded on the teacher's cmd/server/main.go (flag parsing, XDG config
// path default, signal-driven shutdown with a synchronous flush before
// exit).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-telegram/bot/models"

	"github.com/sixddc/ccbot/internal/adminws"
	"github.com/sixddc/ccbot/internal/binding"
	"github.com/sixddc/ccbot/internal/config"
	"github.com/sixddc/ccbot/internal/monitor"
	"github.com/sixddc/ccbot/internal/poller"
	"github.com/sixddc/ccbot/internal/queue"
	"github.com/sixddc/ccbot/internal/router"
	"github.com/sixddc/ccbot/internal/store"
	"github.com/sixddc/ccbot/internal/telegram"
	"github.com/sixddc/ccbot/internal/tmux"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to ~/.config/ccbot/config.yaml)")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Printf("loading config from %s: %v", cfgPath, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("invalid configuration: %v", err)
		os.Exit(1)
	}

	st := store.New(cfg.Store.Path, cfg.Monitor.SessionMapPath, cfg.Monitor.ProjectsDir, cfg.Tmux.SessionName, cfg.Store.SaveDebounce)

	adapter := tmux.NewAdapter(cfg.Tmux.SessionName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := adapter.EnsureSession(ctx); err != nil {
		log.Printf("tmux: ensure session %q: %v", cfg.Tmux.SessionName, err)
		os.Exit(1)
	}
	st.ResolveStaleIDs(mustListWindows(ctx, adapter))

	bot, err := telegram.New(cfg.Telegram.BotToken, 0)
	if err != nil {
		log.Printf("telegram: %v", err)
		os.Exit(1)
	}

	sender := chatSender{bot}

	msgQueue := queue.New(bot, adapter)
	bindOrch := binding.New(st, adapter, sender, cfg)
	rtr := router.New(st, adapter, bindOrch, sender, nil)

	stat := poller.New(st, adapter, msgQueue, bindOrch, bindOrch, bot,
		telegram.IsPermissionDenied,
		cfg.Monitor.PollInterval, cfg.Monitor.TopicLivenessPoll, cfg.Monitor.DeadWindowGrace)
	stat.OnAutoClose(func(ctx context.Context, userID, chatID, threadID int64, windowID string) {
		if err := bot.CloseForumTopic(ctx, chatID, int(threadID)); err != nil {
			log.Printf("poller: auto-close topic %d/%d: %v", chatID, threadID, err)
		}
		st.UnbindThread(userID, threadID)
	})

	mon := monitor.New(st, adapter, cfg.Monitor.ProjectsDir, monitorStatePath(cfg), cfg.Monitor.PollInterval)
	mon.Load()
	mon.OnMessage(func(ev monitor.Event) { dispatchMessage(st, msgQueue, ev) })
	mon.OnNewWindow(func(ev monitor.NewWindowEvent) {
		fallbackChat, fallbackUser := defaultTarget(cfg)
		bindOrch.NewWindowCallback(ctx, ev.WindowID, ev.WindowName, fallbackChat, fallbackUser)
	})

	wake := make(chan struct{}, 1)

	bot.OnMessage(func(ctx context.Context, msg *models.Message) {
		if msg.From == nil || !cfg.IsAllowedUser(msg.From.ID) {
			return
		}
		handleMessage(ctx, st, mon, bindOrch, rtr, bot, msg)
	})
	bot.OnCallback(func(ctx context.Context, cq *models.CallbackQuery) {
		if !cfg.IsAllowedUser(cq.From.ID) {
			return
		}
		handleCallback(ctx, rtr, cq)
	})

	var adminServer *adminws.Server
	var broadcaster *adminws.Broadcaster
	if cfg.AdminWS.Enabled {
		broadcaster = adminws.NewBroadcaster(st, 250_000_000, 30_000_000_000, 16)
		adminServer = adminws.NewServer(st, broadcaster, cfg.AdminWS.AllowedOrigins, cfg.AdminWS.AuthToken)
	}

	go monitor.WatchSessionMap(ctx, cfg.Monitor.SessionMapPath, wake)
	go mon.Run(ctx, wake)
	go stat.Run(ctx)
	go stat.RunLivenessProbe(ctx, func(ctx context.Context, chatID, threadID int64) error {
		return bot.UnpinAllForumTopicMessages(ctx, chatID, int(threadID))
	}, telegram.IsTopicInvalid, func(userID, threadID int64, windowID string) {
		_ = adapter.KillWindow(ctx, windowID)
		st.UnbindThread(userID, threadID)
	})

	if adminServer != nil {
		mux := http.NewServeMux()
		adminServer.SetupRoutes(mux)
		addr := fmt.Sprintf("%s:%d", cfg.AdminWS.Host, cfg.AdminWS.Port)
		go func() {
			log.Printf("admin ws: listening on %s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("admin ws: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down")
		cancel()
		st.Flush()
		os.Exit(0)
	}()

	log.Println("ccbot started")
	bot.Start(ctx)
	st.Flush()
}

// chatSender adapts *telegram.Client to binding.Sender and router.Sender.
// Both packages declare their own Button type rather than importing
// telegram's (to avoid an import cycle back through binding/router), so a
// [][]binding.Button is a distinct type from [][]telegram.Button even though
// the structs are identical field-for-field; chatSender is the boundary that
// converts between them.
type chatSender struct {
	*telegram.Client
}

func (s chatSender) SendMessageWithButtons(ctx context.Context, chatID int64, threadID int, text string, markdown bool, rows [][]binding.Button) (int, error) {
	return s.Client.SendMessageWithButtons(ctx, chatID, threadID, text, markdown, convertButtons(rows))
}

func (s chatSender) EditMessageTextAndButtons(ctx context.Context, chatID int64, messageID int, text string, markdown bool, rows [][]binding.Button) error {
	return s.Client.EditMessageTextAndButtons(ctx, chatID, messageID, text, markdown, convertButtons(rows))
}

func convertButtons(rows [][]binding.Button) [][]telegram.Button {
	out := make([][]telegram.Button, len(rows))
	for i, row := range rows {
		converted := make([]telegram.Button, len(row))
		for j, b := range row {
			converted[j] = telegram.Button{Text: b.Text, Data: b.Data}
		}
		out[i] = converted
	}
	return out
}

func mustListWindows(ctx context.Context, adapter *tmux.Adapter) []tmux.Window {
	windows, err := adapter.ListWindows(ctx)
	if err != nil {
		log.Printf("tmux: list_windows at startup: %v", err)
		return nil
	}
	return windows
}

func monitorStatePath(cfg *config.Config) string {
	return cfg.Store.Path + ".monitor.json"
}

// defaultTarget resolves the fallback (chat_id, user_id) C4's new-window
// callback uses when no existing binding exists yet to infer one from.
// ccbot has no "configured group fallback" setting beyond the allowed-user
// list itself (spec.md §6's CLI surface only names an "optional group id");
// the first allowed user is used, with chat_id left for Binding.pickTarget
// to resolve once a binding exists.
func defaultTarget(cfg *config.Config) (chatID, userID int64) {
	if len(cfg.Telegram.AllowedUserID) > 0 {
		return 0, cfg.Telegram.AllowedUserID[0]
	}
	return 0, 0
}

// dispatchMessage converts one Monitor-parsed transcript entry into a Queue
// task, applying the per-window notification_mode filter (spec.md §3,
// SPEC_FULL.md §5 "Notification modes") and fanning out to every
// (user, topic) bound to the window, then advancing each user's read
// offset past the delivered bytes (spec.md §4.4 step 7).
func dispatchMessage(st *store.Store, q *queue.Queue, ev monitor.Event) {
	if ev.Entry.Text == "" {
		return
	}

	mode := st.GetNotificationMode(ev.WindowID)
	contentType := string(ev.Entry.ContentType)
	isError := contentType == "tool_result" && strings.Contains(ev.Entry.Text, "Error:")
	switch mode {
	case "muted":
		return
	case "errors_only":
		if contentType != "tool_result" || !isError {
			return
		}
	}

	for userID, windows := range st.AllBindings() {
		for threadID, windowID := range windows {
			if windowID != ev.WindowID {
				continue
			}
			chatID := st.ResolveChatID(userID, &threadID)
			q.EnqueueContent(userID, chatID, threadID, ev.WindowID, queue.SplitParts(ev.Entry.Text), ev.Entry.ToolUseID, contentType)
			st.UpdateUserWindowOffset(userID, ev.WindowID, ev.ByteOffset)
		}
	}
}

func handleMessage(ctx context.Context, st *store.Store, mon *monitor.Monitor, b *binding.Binding, r *router.Router, bot *telegram.Client, msg *models.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID
	threadID := int64(msg.MessageThreadID)
	text := msg.Text
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		handleCommand(ctx, st, mon, r, bot, userID, chatID, threadID, text)
		return
	}

	b.HandleText(ctx, userID, chatID, threadID, text)
}

func handleCommand(ctx context.Context, st *store.Store, mon *monitor.Monitor, r *router.Router, bot *telegram.Client, userID, chatID, threadID int64, text string) {
	fields := strings.Fields(text)
	cmd := strings.ToLower(strings.SplitN(fields[0], "@", 2)[0])

	switch cmd {
	case "/history":
		r.StartHistoryBrowser(ctx, userID, chatID, threadID)
	case "/sessions":
		r.ShowSessionsDashboard(ctx, userID, chatID, threadID)
	case "/resume":
		r.StartResumeForTopic(ctx, userID, chatID, threadID)
	case "/ss", "/screenshot":
		r.StartScreenshot(ctx, userID, chatID, threadID)
	case "/unbind":
		st.UnbindThread(userID, threadID)
		bot.SendMessage(ctx, chatID, int(threadID), "Unbound.", false)
	case "/notify":
		windowID, bound := st.GetWindowForThread(userID, threadID)
		if !bound {
			bot.SendMessage(ctx, chatID, int(threadID), "No session bound to this topic yet.", false)
			return
		}
		mode := st.CycleNotificationMode(windowID)
		bot.SendMessage(ctx, chatID, int(threadID), "Notifications: "+mode, false)
	case "/doctor":
		bot.SendMessage(ctx, chatID, int(threadID), doctorReport(mon), false)
	case "/start", "/help":
		bot.SendMessage(ctx, chatID, int(threadID), helpText, false)
	default:
		bot.SendMessage(ctx, chatID, int(threadID), "Unrecognized command: "+cmd, false)
	}
}

const helpText = "Commands: /history /sessions /resume /ss /unbind /notify /doctor"

func doctorReport(mon *monitor.Monitor) string {
	h := mon.Health()
	report := fmt.Sprintf("Tracked sessions: %d\nPending tool calls: %d\nParse failures: %d",
		h.TrackedSessions, h.PendingTools, h.ParseFailures)
	if h.LastParseError != "" {
		report += "\nLast parse error: " + h.LastParseError
	}
	return report
}

func handleCallback(ctx context.Context, r *router.Router, cq *models.CallbackQuery) {
	if cq.Message.Message == nil || cq.From.ID == 0 {
		return
	}
	chatID := cq.Message.Message.Chat.ID
	threadID := cq.Message.Message.MessageThreadID
	messageID := cq.Message.Message.ID
	r.Dispatch(ctx, cq.From.ID, chatID, threadID, messageID, cq.ID, cq.Data)
}
