// Package telegram wraps go-telegram/bot with the narrow surface ccbot's
// queue, poller, binding and router packages need: plain/MarkdownV2 sends
// and edits, forum topic lifecycle, and inline keyboards. It deliberately
// does not expose the raw *bot.Bot so callers can't drift from the
// conventions below (link previews off, MarkdownV2-with-plaintext-fallback).
//
// Grounded on the go-telegram/bot idiom in
// igoryanba-ricochet/internal/telegram/bot.go (bot.New, SendMessageParams,
// models.InlineKeyboardMarkup) and on the forum-topic surface described by
// otaviocarvalho-tramuntana/internal/bot/telegram.go, which reimplements
// forum topics over raw HTTP because its chosen library lacks them;
// go-telegram/bot supports them natively, so that workaround is not needed
// here.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Button is one inline keyboard button.
type Button struct {
	Text string
	Data string
}

// MessageHandler receives a plain (non-callback) incoming message.
type MessageHandler func(ctx context.Context, msg *models.Message)

// CallbackHandler receives an inline keyboard button press.
type CallbackHandler func(ctx context.Context, cq *models.CallbackQuery)

// Client is ccbot's Telegram-facing chat platform adapter.
type Client struct {
	api           *bot.Bot
	allowedUserID int64

	onMessage  MessageHandler
	onCallback CallbackHandler
}

// New constructs a Client. allowedUserID, when non-zero, restricts inbound
// message and callback handling to that single user (spec.md's single-user
// deployment model); a value of 0 accepts any sender.
func New(token string, allowedUserID int64) (*Client, error) {
	if token == "" {
		return nil, errors.New("telegram: empty bot token")
	}
	c := &Client{allowedUserID: allowedUserID}
	api, err := bot.New(token, bot.WithDefaultHandler(c.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	c.api = api
	return c, nil
}

// OnMessage registers the handler invoked for incoming non-callback messages.
func (c *Client) OnMessage(h MessageHandler) { c.onMessage = h }

// OnCallback registers the handler invoked for inline keyboard presses.
func (c *Client) OnCallback(h CallbackHandler) { c.onCallback = h }

// Start begins long polling. It blocks until ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	c.api.Start(ctx)
}

func (c *Client) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.CallbackQuery != nil {
		if !c.authorized(update.CallbackQuery.From.ID) {
			return
		}
		if c.onCallback != nil {
			c.onCallback(ctx, update.CallbackQuery)
		}
		return
	}
	if update.Message != nil {
		if !c.authorized(update.Message.From.ID) {
			return
		}
		if c.onMessage != nil {
			c.onMessage(ctx, update.Message)
		}
	}
}

func (c *Client) authorized(userID int64) bool {
	return c.allowedUserID == 0 || userID == c.allowedUserID
}

var noPreview = &models.LinkPreviewOptions{IsDisabled: bot.True()}

// SendMessage sends text, trying MarkdownV2 first and falling back to plain
// text if Telegram rejects the formatted version (malformed escaping from an
// edge case the markup converter missed). Returns the sent message ID.
func (c *Client) SendMessage(ctx context.Context, chatID int64, threadID int, text string, markdown bool) (int, error) {
	params := &bot.SendMessageParams{
		ChatID:              chatID,
		Text:                text,
		LinkPreviewOptions:  noPreview,
		MessageThreadID:     threadID,
	}
	if markdown {
		params.ParseMode = models.ParseModeMarkdownV2
	}
	msg, err := c.api.SendMessage(ctx, params)
	if err != nil && markdown {
		params.ParseMode = ""
		msg, err = c.api.SendMessage(ctx, params)
	}
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

// SendMessageWithButtons sends text with an inline keyboard.
func (c *Client) SendMessageWithButtons(ctx context.Context, chatID int64, threadID int, text string, markdown bool, rows [][]Button) (int, error) {
	params := &bot.SendMessageParams{
		ChatID:             chatID,
		Text:               text,
		LinkPreviewOptions: noPreview,
		MessageThreadID:    threadID,
		ReplyMarkup:        buildKeyboard(rows),
	}
	if markdown {
		params.ParseMode = models.ParseModeMarkdownV2
	}
	msg, err := c.api.SendMessage(ctx, params)
	if err != nil && markdown {
		params.ParseMode = ""
		msg, err = c.api.SendMessage(ctx, params)
	}
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

// EditMessageText edits an existing message's text in place.
func (c *Client) EditMessageText(ctx context.Context, chatID int64, messageID int, text string, markdown bool) error {
	params := &bot.EditMessageTextParams{
		ChatID:             chatID,
		MessageID:          messageID,
		Text:               text,
		LinkPreviewOptions: noPreview,
	}
	if markdown {
		params.ParseMode = models.ParseModeMarkdownV2
	}
	_, err := c.api.EditMessageText(ctx, params)
	if err != nil && markdown {
		params.ParseMode = ""
		_, err = c.api.EditMessageText(ctx, params)
	}
	return err
}

// EditMessageTextAndButtons edits a message's text and inline keyboard in
// the same call, used by the Callback Router's refreshable dashboards
// (sessions, resume picker) where both change together.
func (c *Client) EditMessageTextAndButtons(ctx context.Context, chatID int64, messageID int, text string, markdown bool, rows [][]Button) error {
	params := &bot.EditMessageTextParams{
		ChatID:             chatID,
		MessageID:          messageID,
		Text:               text,
		LinkPreviewOptions: noPreview,
		ReplyMarkup:        buildKeyboard(rows),
	}
	if markdown {
		params.ParseMode = models.ParseModeMarkdownV2
	}
	_, err := c.api.EditMessageText(ctx, params)
	if err != nil && markdown {
		params.ParseMode = ""
		_, err = c.api.EditMessageText(ctx, params)
	}
	return err
}

// EditMessageReplyMarkup replaces a message's inline keyboard without
// touching its text.
func (c *Client) EditMessageReplyMarkup(ctx context.Context, chatID int64, messageID int, rows [][]Button) error {
	_, err := c.api.EditMessageReplyMarkup(ctx, &bot.EditMessageReplyMarkupParams{
		ChatID:      chatID,
		MessageID:   messageID,
		ReplyMarkup: buildKeyboard(rows),
	})
	return err
}

// DeleteMessage deletes a message. Telegram returns an error for
// already-deleted or too-old messages; callers treat that as a no-op.
func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	_, err := c.api.DeleteMessage(ctx, &bot.DeleteMessageParams{
		ChatID:    chatID,
		MessageID: messageID,
	})
	return err
}

// SendTyping sends the "typing..." chat action, used while Claude is
// actively working on a turn (spec.md §4.7's interruptible-status signal).
func (c *Client) SendTyping(ctx context.Context, chatID int64, threadID int) error {
	_, err := c.api.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID:          chatID,
		MessageThreadID: threadID,
		Action:          models.ChatActionTyping,
	})
	return err
}

// SendDocument uploads a file (e.g. a pane screenshot) with a caption.
func (c *Client) SendDocument(ctx context.Context, chatID int64, threadID int, filename string, data io.Reader, caption string) error {
	_, err := c.api.SendDocument(ctx, &bot.SendDocumentParams{
		ChatID:          chatID,
		MessageThreadID: threadID,
		Document:        &models.InputFileUpload{Filename: filename, Data: data},
		Caption:         caption,
	})
	return err
}

// AnswerCallbackQuery acknowledges a button press, clearing its loading
// spinner. text, when set, shows a small transient toast to the user.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string, showAlert bool) error {
	_, err := c.api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
		ShowAlert:       showAlert,
	})
	return err
}

// CreateForumTopic creates a new topic in a forum-mode supergroup and
// returns its thread ID.
func (c *Client) CreateForumTopic(ctx context.Context, chatID int64, name string, iconColor int) (int, error) {
	topic, err := c.api.CreateForumTopic(ctx, &bot.CreateForumTopicParams{
		ChatID:    chatID,
		Name:      name,
		IconColor: iconColor,
	})
	if err != nil {
		return 0, err
	}
	return topic.MessageThreadID, nil
}

// EditForumTopic renames a topic (e.g. the window-rename command, or the
// status-emoji prefix swap described in spec.md §4.7).
func (c *Client) EditForumTopic(ctx context.Context, chatID int64, threadID int, name string) error {
	_, err := c.api.EditForumTopic(ctx, &bot.EditForumTopicParams{
		ChatID:          chatID,
		MessageThreadID: threadID,
		Name:            name,
	})
	return err
}

// CloseForumTopic closes (but does not delete) a topic.
func (c *Client) CloseForumTopic(ctx context.Context, chatID int64, threadID int) error {
	_, err := c.api.CloseForumTopic(ctx, &bot.CloseForumTopicParams{
		ChatID:          chatID,
		MessageThreadID: threadID,
	})
	return err
}

// ReopenForumTopic reopens a previously closed topic.
func (c *Client) ReopenForumTopic(ctx context.Context, chatID int64, threadID int) error {
	_, err := c.api.ReopenForumTopic(ctx, &bot.ReopenForumTopicParams{
		ChatID:          chatID,
		MessageThreadID: threadID,
	})
	return err
}

func buildKeyboard(rows [][]Button) *models.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	kb := make([][]models.InlineKeyboardButton, len(rows))
	for i, row := range rows {
		kb[i] = make([]models.InlineKeyboardButton, len(row))
		for j, b := range row {
			kb[i][j] = models.InlineKeyboardButton{Text: b.Text, CallbackData: b.Data}
		}
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: kb}
}

// UnpinAllForumTopicMessages is the Status Poller's topic-liveness probe
// (spec.md §4.7): a no-op RPC against a topic that returns a recognizable
// error (IsTopicInvalid) once the topic itself has been deleted.
func (c *Client) UnpinAllForumTopicMessages(ctx context.Context, chatID int64, threadID int) error {
	_, err := c.api.UnpinAllForumTopicMessages(ctx, &bot.UnpinAllForumTopicMessagesParams{
		ChatID:          chatID,
		MessageThreadID: threadID,
	})
	return err
}

// IsRateLimited reports whether err represents a Telegram 429 response.
// go-telegram/bot surfaces these as a plain formatted error with no
// structured retry-after value, so callers fall back to a fixed backoff
// rather than parsing one out.
func IsRateLimited(err error) bool {
	return err != nil && strings.Contains(err.Error(), "429")
}

// IsPermissionDenied reports whether err is Telegram's response for a bot
// lacking the rights to edit a chat (e.g. not an admin in the group), used
// by the Status Poller to permanently disable emoji-title edits for that
// chat (spec.md §4.7, §7).
func IsPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "CHAT_ADMIN_REQUIRED") ||
		strings.Contains(msg, "not enough rights") ||
		strings.Contains(msg, "403")
}

// IsTopicInvalid reports whether err is Telegram's response for an
// operation against a forum topic that no longer exists, used by the
// Status Poller's 60s topic-liveness probe (spec.md §4.7).
func IsTopicInvalid(err error) bool {
	return err != nil && strings.Contains(err.Error(), "TOPIC_ID_INVALID")
}

func logUnexpected(action string, err error) {
	if err != nil {
		log.Printf("telegram: %s: %v", action, err)
	}
}
