// Package transport abstracts the chat backend behind a small adapter
// interface so the hub core never imports a bot SDK directly.
package transport

import (
	"context"
	"strings"
	"time"
)

// ChatTarget identifies where a message goes. ThreadID is optional and
// only meaningful for forum-style supergroups.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef points at a message the adapter already sent.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string // "", "HTML", "MarkdownV2"
	DisablePreview bool
	Silent         bool
}

// Message is the adapter-neutral view of an inbound chat message.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
	Received     time.Time
}

func (m Message) Target() ChatTarget {
	return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

// Command splits "/cmd@bot arg1 arg2" into a lowercase name and the
// argument tail. Returns "" when the text is not a command.
func (m Message) Command() (name string, args []string) {
	parts := strings.Fields(m.Text)
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "/") {
		return "", nil
	}
	name = strings.TrimPrefix(parts[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name), parts[1:]
}

// Handler receives inbound messages. Implementations must return
// quickly; long work belongs on a worker pool.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message)
}

type HandlerFunc func(ctx context.Context, msg Message)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message) { f(ctx, msg) }

// Adapter is the chat backend. Start launches the receive loop in the
// background and returns; the loop stops when ctx is cancelled.
type Adapter interface {
	Start(ctx context.Context, h Handler) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	BotName() string
}

// BotCommand is a single entry of the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a
// command menu (Telegram /setcommands equivalent).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
