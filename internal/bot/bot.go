// Package bot is the Telegram front-end. It long-polls for updates,
// enforces the user allow-list, and hands message text to the agent.
// Each update is handled on its own goroutine; ordering guarantees for
// a single user come from the agent, not from here.
package bot

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ddanshin/marvin/internal/config"
	"github.com/ddanshin/marvin/internal/logger"
)

// Telegram caps messages at 4096 characters; stay under it with room
// to spare.
const replyLimit = 3900

// Processor is what the bot needs from the agent.
type Processor interface {
	Process(ctx context.Context, userID int64, text string) (string, error)
	ResetHistory(ctx context.Context, userID int64) error
}

// sender is the slice of the Telegram API used to push messages out.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type commandHandler func(ctx context.Context, log *slog.Logger, msg *tgbotapi.Message)

// Bot wires Telegram updates to the agent.
type Bot struct {
	api         *tgbotapi.BotAPI
	sender      sender
	agent       Processor
	allowed     map[int64]bool
	timeout     time.Duration
	pollTimeout int
	commands    map[string]commandHandler
}

// New creates a bot on top of an authorized Telegram API client.
func New(api *tgbotapi.BotAPI, agent Processor, cfg *config.Config) *Bot {
	allowed := make(map[int64]bool, len(cfg.Bot.AllowedUsers))
	for _, id := range cfg.Bot.AllowedUsers {
		allowed[id] = true
	}
	b := &Bot{
		api:         api,
		sender:      api,
		agent:       agent,
		allowed:     allowed,
		timeout:     cfg.LLM.Timeout,
		pollTimeout: cfg.Telegram.PollTimeout,
	}
	b.commands = map[string]commandHandler{
		"start": b.handleStart,
		"help":  b.handleHelp,
		"reset": b.handleReset,
	}
	return b
}

// Run polls Telegram until ctx is cancelled. Every update gets its own
// goroutine so a slow completion never blocks the poll loop.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.pollTimeout
	updates := b.api.GetUpdatesChan(u)

	logger.L.Info("bot started", "username", b.api.Self.UserName)
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return
	}
	log := logger.ForUpdate(msg.From.ID, msg.Chat.ID)

	if !b.allowed[msg.From.ID] {
		log.Warn("unauthorized user")
		b.reply(log, tgbotapi.NewMessage(msg.Chat.ID, "unauthorized"))
		return
	}

	if msg.IsCommand() {
		handler, ok := b.commands[msg.Command()]
		if !ok {
			log.Debug("unknown command", "command", msg.Command())
			return
		}
		handler(ctx, log, msg)
		return
	}
	b.handleChat(ctx, log, msg)
}

func (b *Bot) handleChat(ctx context.Context, log *slog.Logger, msg *tgbotapi.Message) {
	log.Info("message received", "length", len(msg.Text))

	reqCtx, cancel := b.requestContext(ctx)
	defer cancel()

	reply, err := b.agent.Process(reqCtx, msg.From.ID, msg.Text)
	if err != nil {
		log.Error("processing failed", "error", err)
		b.reply(log, tgbotapi.NewMessage(msg.Chat.ID, "An error occurred: "+err.Error()))
		return
	}
	b.reply(log, tgbotapi.NewMessage(msg.Chat.ID, truncate(reply, replyLimit)))
}

func (b *Bot) handleStart(ctx context.Context, log *slog.Logger, msg *tgbotapi.Message) {
	log.Info("start command")
	greeting := fmt.Sprintf(`Hi <a href="tg://user?id=%d">%s</a>!`, msg.From.ID, html.EscapeString(displayName(msg.From)))
	reply := tgbotapi.NewMessage(msg.Chat.ID, greeting)
	reply.ParseMode = tgbotapi.ModeHTML
	reply.ReplyMarkup = tgbotapi.ForceReply{ForceReply: true, Selective: true}
	b.reply(log, reply)
}

func (b *Bot) handleHelp(ctx context.Context, log *slog.Logger, msg *tgbotapi.Message) {
	log.Info("help command")
	b.reply(log, tgbotapi.NewMessage(msg.Chat.ID, "Send me a message and I'll answer it. /reset starts a fresh conversation."))
}

func (b *Bot) handleReset(ctx context.Context, log *slog.Logger, msg *tgbotapi.Message) {
	log.Info("reset command")

	reqCtx, cancel := b.requestContext(ctx)
	defer cancel()

	if err := b.agent.ResetHistory(reqCtx, msg.From.ID); err != nil {
		log.Error("reset failed", "error", err)
		b.reply(log, tgbotapi.NewMessage(msg.Chat.ID, "An error occurred: "+err.Error()))
		return
	}
	b.reply(log, tgbotapi.NewMessage(msg.Chat.ID, "Conversation history cleared."))
}

func (b *Bot) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}

func (b *Bot) reply(log *slog.Logger, msg tgbotapi.MessageConfig) {
	if _, err := b.sender.Send(msg); err != nil {
		log.Error("send failed", "error", err)
	}
}

func displayName(u *tgbotapi.User) string {
	switch {
	case u.FirstName != "":
		return u.FirstName
	case u.UserName != "":
		return u.UserName
	default:
		return "there"
	}
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
