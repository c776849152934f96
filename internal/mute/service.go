package mute

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"mutebot/internal/storage"
	logx "mutebot/pkg/logx"
)

// Target identifies the member a command acts on.
type Target struct {
	UserID int64
	Name   string
	// Verified is set when the id comes from a message the user sent, so
	// the membership lookup can be skipped.
	Verified bool
}

// Service is the command-facing side of the scheduler.
type Service struct {
	registrar *Registrar
	unmuter   *Unmuter
	applier   Applier
	store     storage.DeadlineStore
	duration  time.Duration
	log       logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewService(store storage.DeadlineStore, registrar *Registrar, unmuter *Unmuter, applier Applier, duration time.Duration, log logx.Logger) *Service {
	if duration <= 0 {
		duration = DefaultDuration
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		registrar: registrar,
		unmuter:   unmuter,
		applier:   applier,
		store:     store,
		duration:  duration,
		log:       log.With(logx.String("comp", "mute.service")),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Service) Duration() time.Duration { return s.duration }

// Mute records the deadline first and restricts second. A failed write
// aborts with an error; a failed restriction still leaves the deadline,
// whose later lift is a harmless no-op, and returns the "dodged" reply.
//
// An unverified target is looked up first; ErrNotMember means nothing was
// recorded.
func (s *Service) Mute(ctx context.Context, t Target) (string, error) {
	if !t.Verified {
		name, err := s.applier.Resolve(ctx, t.UserID)
		if err != nil {
			return "", fmt.Errorf("resolve %d: %w", t.UserID, err)
		}
		if t.Name == "" {
			t.Name = name
		}
	}

	until, err := s.registrar.Register(ctx, t.UserID, s.duration)
	if err != nil {
		return "", err
	}

	who := Mention(t.UserID, t.Name)
	if err := s.applier.Restrict(ctx, t.UserID, until); err != nil {
		s.log.Warn("restrict failed", logx.Int64("user_id", t.UserID), logx.Err(err))
		if errors.Is(err, ErrNotMember) {
			// Left between the lookup and the restriction: nothing to lift later.
			if derr := s.store.Delete(ctx, t.UserID); derr != nil {
				s.log.Warn("drop deadline failed", logx.Int64("user_id", t.UserID), logx.Err(derr))
			}
			return "", fmt.Errorf("restrict %d: %w", t.UserID, err)
		}
		return Dodged(who), nil
	}

	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return Quote(s.rng, who, s.duration, until), nil
}

// Unmute releases a member before the deadline.
func (s *Service) Unmute(ctx context.Context, userID int64) error {
	return s.unmuter.Release(ctx, userID)
}

func (s *Service) List(ctx context.Context) ([]Entry, error) {
	return Pending(ctx, s.store)
}
