package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"mutebot/internal/mute"
)

// MuteService is what the moderation commands need from the mute package.
type MuteService interface {
	Mute(ctx context.Context, t mute.Target) (string, error)
	Unmute(ctx context.Context, userID int64) error
	List(ctx context.Context) ([]mute.Entry, error)
	Duration() time.Duration
}

// MuteCommands returns /mute, /unmute and /mutes bound to svc.
func MuteCommands(svc MuteService, now func() time.Time) []Command {
	if now == nil {
		now = time.Now
	}
	return []Command{
		{
			Name:        "mute",
			Description: fmt.Sprintf("mute a member for %s", svc.Duration()),
			Usage:       "/mute (as a reply) | /mute <user_id>",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				t, err := muteTarget(req)
				if err != nil {
					return err
				}
				reply, err := svc.Mute(ctx, t)
				if errors.Is(err, mute.ErrNotMember) {
					return &UsageError{Msg: fmt.Sprintf("user %d is not in this chat", t.UserID)}
				}
				if err != nil {
					return fmt.Errorf("mute %d: %w", t.UserID, err)
				}
				return req.Reply(ctx, reply, true)
			},
		},
		{
			Name:        "unmute",
			Description: "lift a mute now",
			Usage:       "/unmute <user_id>",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				id, err := userIDArg(req)
				if err != nil {
					return err
				}
				if err := svc.Unmute(ctx, id); err != nil {
					return fmt.Errorf("unmute %d: %w", id, err)
				}
				return req.Reply(ctx, mute.Mention(id, "")+" can talk again.", true)
			},
		},
		{
			Name:        "mutes",
			Description: "list pending mutes",
			Usage:       "/mutes [--due] [--limit N]",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				opts, err := listOptionsFrom(req)
				if err != nil {
					return err
				}
				entries, err := svc.List(ctx)
				if err != nil {
					return fmt.Errorf("list mutes: %w", err)
				}
				at := now()
				shown, hidden := opts.apply(entries, at)
				return req.Reply(ctx, renderMutes(shown, hidden, at), true)
			},
		},
	}
}

// muteTarget prefers the author of the replied-to message, then an explicit
// numeric id.
func muteTarget(req *Request) (mute.Target, error) {
	if req.Message != nil && req.Message.ReplyTo != nil {
		u := req.Message.ReplyTo
		if u.IsBot {
			return mute.Target{}, &UsageError{Msg: "bots can't be muted"}
		}
		return mute.Target{UserID: u.ID, Name: u.DisplayName(), Verified: true}, nil
	}
	id, err := userIDArg(req)
	if err != nil {
		return mute.Target{}, err
	}
	return mute.Target{UserID: id}, nil
}

func userIDArg(req *Request) (int64, error) {
	if len(req.Args) == 0 {
		return 0, &UsageError{Msg: "missing user id"}
	}
	id, err := strconv.ParseInt(strings.TrimSpace(req.Args[0]), 10, 64)
	if err != nil || id <= 0 {
		return 0, &UsageError{Msg: fmt.Sprintf("invalid user id %q", req.Args[0])}
	}
	return id, nil
}

// listOptions narrows the /mutes output. --due keeps deadlines that have
// passed but were not lifted yet; --limit caps the lines shown.
type listOptions struct {
	dueOnly bool
	limit   int
}

const defaultListLimit = 50

func listOptionsFrom(req *Request) (listOptions, error) {
	opts := listOptions{dueOnly: req.BoolFlags["due"], limit: defaultListLimit}
	if len(req.Args) > 0 {
		return opts, &UsageError{Msg: fmt.Sprintf("unexpected argument %q", req.Args[0])}
	}
	for k := range req.BoolFlags {
		if k != "due" {
			return opts, &UsageError{Msg: fmt.Sprintf("unknown flag %q", k)}
		}
	}
	for k, v := range req.Flags {
		if k != "limit" {
			return opts, &UsageError{Msg: fmt.Sprintf("unknown flag %q", k)}
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, &UsageError{Msg: fmt.Sprintf("invalid limit %q", v)}
		}
		opts.limit = n
	}
	return opts, nil
}

// apply filters and truncates entries, which arrive sorted by deadline.
// hidden counts matching entries cut by the limit.
func (o listOptions) apply(entries []mute.Entry, now time.Time) (shown []mute.Entry, hidden int) {
	for _, e := range entries {
		if o.dueOnly && e.Until.After(now) {
			continue
		}
		if len(shown) == o.limit {
			hidden++
			continue
		}
		shown = append(shown, e)
	}
	return shown, hidden
}

func renderMutes(entries []mute.Entry, hidden int, now time.Time) string {
	if len(entries) == 0 {
		return "No pending mutes."
	}
	lines := make([]string, 0, len(entries)+2)
	lines = append(lines, fmt.Sprintf("🔇 <b>Pending mutes</b> (%d)", len(entries)+hidden))
	for _, e := range entries {
		left := e.Until.Sub(now).Round(time.Second)
		state := "due"
		if left > 0 {
			state = "in " + left.String()
		}
		lines = append(lines, fmt.Sprintf("• <code>%d</code> until %s (%s)",
			e.UserID, html.EscapeString(e.Until.UTC().Format(time.RFC3339)), state))
	}
	if hidden > 0 {
		lines = append(lines, fmt.Sprintf("… and %d more", hidden))
	}
	return strings.Join(lines, "\n")
}
