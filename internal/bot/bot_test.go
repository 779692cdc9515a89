package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"

	"github.com/ddanshin/marvin/internal/config"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, errors.New("unexpected chattable type")
	}
	f.sent = append(f.sent, msg)
	return tgbotapi.Message{}, f.err
}

func (f *fakeSender) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tgbotapi.MessageConfig, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeAgent struct {
	reply    string
	err      error
	resetErr error

	processed []string
	lastUser  int64
	resets    []int64
}

func (f *fakeAgent) Process(ctx context.Context, userID int64, text string) (string, error) {
	f.lastUser = userID
	f.processed = append(f.processed, text)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeAgent) ResetHistory(ctx context.Context, userID int64) error {
	f.resets = append(f.resets, userID)
	return f.resetErr
}

func newTestBot(agent Processor, allowed ...int64) (*Bot, *fakeSender) {
	cfg := &config.Config{}
	cfg.Bot.AllowedUsers = allowed
	cfg.LLM.Timeout = time.Second
	cfg.Telegram.PollTimeout = 1
	b := New(nil, agent, cfg)
	sender := &fakeSender{}
	b.sender = sender
	return b, sender
}

func textUpdate(userID, chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			From: &tgbotapi.User{ID: userID, FirstName: "Dan"},
			Chat: &tgbotapi.Chat{ID: chatID},
			Text: text,
		},
	}
}

func commandUpdate(userID, chatID int64, command string) tgbotapi.Update {
	u := textUpdate(userID, chatID, "/"+command)
	u.Message.Entities = []tgbotapi.MessageEntity{
		{Type: "bot_command", Offset: 0, Length: len(command) + 1},
	}
	return u
}

func TestChatReplies(t *testing.T) {
	agent := &fakeAgent{reply: "hi there"}
	b, sender := newTestBot(agent, 42)

	b.handleUpdate(context.Background(), textUpdate(42, 7, "hello"))

	require.Equal(t, []string{"hello"}, agent.processed)
	require.Equal(t, int64(42), agent.lastUser)

	sent := sender.messages()
	require.Len(t, sent, 1)
	require.Equal(t, "hi there", sent[0].Text)
	require.Equal(t, int64(7), sent[0].ChatID)
}

func TestChatErrorIsReported(t *testing.T) {
	agent := &fakeAgent{err: errors.New("boom")}
	b, sender := newTestBot(agent, 42)

	b.handleUpdate(context.Background(), textUpdate(42, 7, "hello"))

	sent := sender.messages()
	require.Len(t, sent, 1)
	require.Equal(t, "An error occurred: boom", sent[0].Text)
}

func TestChatTruncatesLongReply(t *testing.T) {
	agent := &fakeAgent{reply: strings.Repeat("é", replyLimit+500)}
	b, sender := newTestBot(agent, 42)

	b.handleUpdate(context.Background(), textUpdate(42, 7, "hello"))

	sent := sender.messages()
	require.Len(t, sent, 1)
	require.Equal(t, replyLimit, utf8.RuneCountInString(sent[0].Text))
}

func TestUnknownUserIsDenied(t *testing.T) {
	agent := &fakeAgent{reply: "never"}
	b, sender := newTestBot(agent, 42)

	b.handleUpdate(context.Background(), textUpdate(99, 7, "hello"))

	require.Empty(t, agent.processed)
	sent := sender.messages()
	require.Len(t, sent, 1)
	require.Equal(t, "unauthorized", sent[0].Text)
}

func TestEmptyAllowListDeniesEveryone(t *testing.T) {
	agent := &fakeAgent{reply: "never"}
	b, sender := newTestBot(agent)

	b.handleUpdate(context.Background(), textUpdate(42, 7, "hello"))

	require.Empty(t, agent.processed)
	sent := sender.messages()
	require.Len(t, sent, 1)
	require.Equal(t, "unauthorized", sent[0].Text)
}

func TestStartCommand(t *testing.T) {
	agent := &fakeAgent{}
	b, sender := newTestBot(agent, 42)

	b.handleUpdate(context.Background(), commandUpdate(42, 7, "start"))

	require.Empty(t, agent.processed)
	sent := sender.messages()
	require.Len(t, sent, 1)
	require.Equal(t, `Hi <a href="tg://user?id=42">Dan</a>!`, sent[0].Text)
	require.Equal(t, tgbotapi.ModeHTML, sent[0].ParseMode)

	markup, ok := sent[0].ReplyMarkup.(tgbotapi.ForceReply)
	require.True(t, ok, "expected a force-reply markup")
	require.True(t, markup.ForceReply)
	require.True(t, markup.Selective)
}

func TestStartCommandEscapesName(t *testing.T) {
	agent := &fakeAgent{}
	b, sender := newTestBot(agent, 42)

	u := commandUpdate(42, 7, "start")
	u.Message.From.FirstName = "<Dan & Co>"
	b.handleUpdate(context.Background(), u)

	sent := sender.messages()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].Text, "&lt;Dan &amp; Co&gt;")
	require.NotContains(t, sent[0].Text, "<Dan")
}

func TestHelpCommand(t *testing.T) {
	agent := &fakeAgent{}
	b, sender := newTestBot(agent, 42)

	b.handleUpdate(context.Background(), commandUpdate(42, 7, "help"))

	require.Empty(t, agent.processed)
	sent := sender.messages()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].Text, "/reset")
}

func TestResetCommand(t *testing.T) {
	agent := &fakeAgent{}
	b, sender := newTestBot(agent, 42)

	b.handleUpdate(context.Background(), commandUpdate(42, 7, "reset"))

	require.Equal(t, []int64{42}, agent.resets)
	sent := sender.messages()
	require.Len(t, sent, 1)
	require.Equal(t, "Conversation history cleared.", sent[0].Text)
}

func TestResetCommandError(t *testing.T) {
	agent := &fakeAgent{resetErr: errors.New("disk full")}
	b, sender := newTestBot(agent, 42)

	b.handleUpdate(context.Background(), commandUpdate(42, 7, "reset"))

	sent := sender.messages()
	require.Len(t, sent, 1)
	require.Equal(t, "An error occurred: disk full", sent[0].Text)
}

func TestUnknownCommandIsIgnored(t *testing.T) {
	agent := &fakeAgent{}
	b, sender := newTestBot(agent, 42)

	b.handleUpdate(context.Background(), commandUpdate(42, 7, "weather"))

	require.Empty(t, agent.processed)
	require.Empty(t, agent.resets)
	require.Empty(t, sender.messages())
}

func TestIrrelevantUpdatesAreIgnored(t *testing.T) {
	agent := &fakeAgent{}
	b, sender := newTestBot(agent, 42)

	b.handleUpdate(context.Background(), tgbotapi.Update{})

	noFrom := textUpdate(42, 7, "hello")
	noFrom.Message.From = nil
	b.handleUpdate(context.Background(), noFrom)

	b.handleUpdate(context.Background(), textUpdate(42, 7, ""))

	require.Empty(t, agent.processed)
	require.Empty(t, sender.messages())
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", truncate("abc", 5))
	require.Equal(t, "abcde", truncate("abcde", 5))
	require.Equal(t, "abcde", truncate("abcdefgh", 5))
	require.Equal(t, "ééééé", truncate("éééééééé", 5))
}
