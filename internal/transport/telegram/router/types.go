package router

import (
	"context"
	"time"

	kit "mutebot/internal/transport"
	logx "mutebot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

// Request is one routed command invocation.
type Request struct {
	Message   *kit.Message
	Chat      kit.ChatTarget
	FromID    int64
	Command   string
	Args      []string // positionals after flag parsing
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text to the originating chat as a reply to the command.
func (r *Request) Reply(ctx context.Context, text string, html bool) error {
	opt := &kit.SendOptions{DisablePreview: true}
	if html {
		opt.ParseMode = "HTML"
	}
	if r.Message != nil {
		opt.ReplyTo = r.Message.ID
	}
	_, err := r.Adapter.SendText(ctx, r.Chat, text, opt)
	return err
}

// UsageError is returned by handlers for malformed arguments; the router
// replies with the command's usage instead of a generic failure.
type UsageError struct{ Msg string }

func (e *UsageError) Error() string { return e.Msg }
