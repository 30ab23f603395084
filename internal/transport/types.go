// Package transport defines the platform-neutral message types shared by the
// admin front-end, the notifier and the Telegram log sink.
package transport

import (
	"context"
	"strings"
)

type UpdateKind string

const UpdateMessage UpdateKind = "message"

// Update is one inbound event from the admin bot.
type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is an inbound admin chat message.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic, 0 if none
	FromID       int64
	FromUsername string
	Text         string
	IsPrivate    bool
}

// Target is where replies to m go.
func (m *Message) Target() ChatTarget {
	return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

// IsCommand reports whether the text starts with a slash command.
func (m *Message) IsCommand() bool {
	return strings.HasPrefix(strings.TrimSpace(m.Text), "/")
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// Target is the chat holding the referenced message.
func (r MessageRef) Target() ChatTarget {
	return ChatTarget{ChatID: r.ChatID, ThreadID: r.ThreadID}
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is one admin-facing notice. Channel groups notices for dedup;
// Priority ranges from 0 (quiet) to 10.
type Notification struct {
	Channel  string
	Priority int
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Sender posts text to a chat. The notifier and the log sink only need this.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is a full admin bot connection.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

// BotCommand is one command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
