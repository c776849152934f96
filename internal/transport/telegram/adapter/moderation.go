package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"mutebot/internal/mute"
	logx "mutebot/pkg/logx"
)

// memberAPI is the slice of *tele.Bot the moderator needs.
type memberAPI interface {
	ChatMemberOf(chat, user tele.Recipient) (*tele.ChatMember, error)
	Restrict(chat *tele.Chat, member *tele.ChatMember) error
}

// Moderator implements mute.Applier for one chat.
type Moderator struct {
	api    memberAPI
	chatID int64
	log    logx.Logger
}

var _ mute.Applier = (*Moderator)(nil)

func NewModerator(api memberAPI, chatID int64, log logx.Logger) *Moderator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Moderator{api: api, chatID: chatID, log: log}
}

func (m *Moderator) chat() *tele.Chat { return &tele.Chat{ID: m.chatID} }

// Restrict removes every send permission until the given instant.
func (m *Moderator) Restrict(ctx context.Context, userID int64, until time.Time) error {
	member := &tele.ChatMember{
		User:            &tele.User{ID: userID},
		Rights:          tele.NoRights(),
		RestrictedUntil: until.Unix(),
	}
	err := callCtx(ctx, func() error { return m.api.Restrict(m.chat(), member) })
	if err != nil {
		return fmt.Errorf("restrict %d: %w", userID, classify(err))
	}
	m.log.Debug("member restricted", logx.Int64("user_id", userID), logx.Time("until", until))
	return nil
}

// Resolve looks the user up in the chat. Unknown users and those who left
// or were banned yield mute.ErrNotMember.
func (m *Moderator) Resolve(ctx context.Context, userID int64) (string, error) {
	cm, err := m.member(ctx, &tele.User{ID: userID})
	if err != nil {
		return "", err
	}
	switch cm.Role {
	case tele.Left, tele.Kicked:
		return "", fmt.Errorf("resolve %d: %w", userID, mute.ErrNotMember)
	}
	if cm.User == nil {
		return "", nil
	}
	return toUser(cm.User).DisplayName(), nil
}

func (m *Moderator) member(ctx context.Context, user *tele.User) (*tele.ChatMember, error) {
	var cm *tele.ChatMember
	err := callCtx(ctx, func() error {
		var err error
		cm, err = m.api.ChatMemberOf(m.chat(), user)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("lookup %d: %w", user.ID, classify(err))
	}
	return cm, nil
}

// Lift restores default permissions. A member who left or was never
// restricted yields mute.ErrNotMember or mute.ErrNotRestricted.
func (m *Moderator) Lift(ctx context.Context, userID int64) error {
	user := &tele.User{ID: userID}
	cm, err := m.member(ctx, user)
	if err != nil {
		return err
	}
	switch cm.Role {
	case tele.Left, tele.Kicked:
		return fmt.Errorf("lift %d: %w", userID, mute.ErrNotMember)
	case tele.Restricted:
	default:
		return fmt.Errorf("lift %d: %w", userID, mute.ErrNotRestricted)
	}

	member := &tele.ChatMember{User: user, Rights: tele.NoRestrictions()}
	if err := callCtx(ctx, func() error { return m.api.Restrict(m.chat(), member) }); err != nil {
		return fmt.Errorf("lift %d: %w", userID, classify(err))
	}
	return nil
}

// classify maps Telegram API failures onto the mute sentinel errors while
// keeping the original error in the chain. Anything unrecognized is
// treated as transient.
func classify(err error) error {
	switch {
	case errors.Is(err, tele.ErrNoRightsToRestrict),
		errors.Is(err, tele.ErrUserIsAdmin),
		errors.Is(err, tele.ErrCantRemoveOwner),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromSuperGroup),
		errors.Is(err, tele.ErrChatNotFound):
		return errors.Join(mute.ErrNoPermission, err)
	case errors.Is(err, tele.ErrUserIsDeactivated):
		return errors.Join(mute.ErrNotMember, err)
	}

	var te *tele.Error
	if errors.As(err, &te) {
		desc := strings.ToLower(te.Description)
		for _, s := range []string{"user not found", "participant_id_invalid", "user_not_participant", "member not found"} {
			if strings.Contains(desc, s) {
				return errors.Join(mute.ErrNotMember, err)
			}
		}
		if strings.Contains(desc, "not enough rights") {
			return errors.Join(mute.ErrNoPermission, err)
		}
	}
	return err
}
