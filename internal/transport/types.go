// Package transport holds the platform-neutral message types exchanged
// between chat adapters and the command router.
package transport

import (
	"context"
	"time"
)

type Update struct {
	Message *Message
}

// User is the minimal identity of a chat participant.
type User struct {
	ID        int64
	Username  string
	FirstName string
	IsBot     bool
}

// DisplayName prefers the first name, then @username. It is empty when
// neither is known.
func (u User) DisplayName() string {
	switch {
	case u.FirstName != "":
		return u.FirstName
	case u.Username != "":
		return "@" + u.Username
	default:
		return ""
	}
}

type Message struct {
	ID       int
	ChatID   int64
	ThreadID int // forum topic id, 0 if none
	From     User
	Text     string
	IsGroup  bool
	// ReplyTo is the author of the message this one replies to, if any.
	ReplyTo *User
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

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	ReplyTo        int // message id to reply to, 0 for none
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Moderator applies and lifts member restrictions in the moderated chat.
type Moderator interface {
	Restrict(ctx context.Context, userID int64, until time.Time) error
	Lift(ctx context.Context, userID int64) error
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish the
// command list to the platform's menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
