package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrChatUnreachable marks a send failure after which the chat will never be
// reachable again without operator action (bot removed, blocked, chat gone).
// Adapters wrap platform errors with it; callers test with errors.Is.
var ErrChatUnreachable = errors.New("chat unreachable")

type UpdateKind string

const (
	UpdateMessage    UpdateKind = "message"
	UpdateCallback   UpdateKind = "callback"
	UpdateMembership UpdateKind = "membership"
)

type Update struct {
	Kind       UpdateKind
	Message    *Message
	Callback   *Callback
	Membership *Membership
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	IsGroup      bool
}

type Callback struct {
	ID           string
	FromID       int64
	FromUsername string
	ChatID       int64
	ThreadID     int
	MessageID    int
	Data         string
}

// Membership reports a change of the bot's own membership in a chat.
type Membership struct {
	ChatID       int64
	ChatTitle    string
	ChatType     string
	FromID       int64
	FromUsername string
	FromName     string
	InviteLink   string
	// Joined is true when the bot became a member/administrator,
	// false when it left or was removed.
	Joined bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// String renders the target as a destination id ("<chat>" or "<chat>:<thread>").
func (t ChatTarget) String() string {
	if t.ThreadID != 0 {
		return strconv.FormatInt(t.ChatID, 10) + ":" + strconv.Itoa(t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

// ParseChatTarget parses a destination id produced by ChatTarget.String.
func ParseChatTarget(id string) (ChatTarget, error) {
	id = strings.TrimSpace(id)
	chat, thread, hasThread := strings.Cut(id, ":")
	c, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || c == 0 {
		return ChatTarget{}, fmt.Errorf("invalid chat id %q", id)
	}
	t := ChatTarget{ChatID: c}
	if hasThread {
		th, err := strconv.Atoi(thread)
		if err != nil || th < 0 {
			return ChatTarget{}, fmt.Errorf("invalid thread id %q", id)
		}
		t.ThreadID = th
	}
	return t, nil
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Button is a transport-neutral inline button; Data is the callback payload.
type Button struct {
	Text string
	Data string
}

// Adapter is the outbound/inbound messaging contract.
//
// SendText must be bounded by ctx: callers rely on it to cap hung sends.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// KeyboardBuilder is implemented by adapters that can render inline buttons.
type KeyboardBuilder interface {
	InlineKeyboard(rows [][]Button) any
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface for adapters that expose a
// platform command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
