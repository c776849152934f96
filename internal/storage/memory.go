package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local DeadlineStore. Tests use it directly; the
// "memory" driver exposes it for dry runs.
type Memory struct {
	now func() time.Time

	mu sync.Mutex
	m  map[int64]int64
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, m: map[int64]int64{}}
}

func (s *Memory) SetIfLater(ctx context.Context, userID int64, candidate time.Time) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.m[userID]
	if !ok {
		cur = farPast(s.now()).Unix()
	}
	eff, write := laterOf(cur, ceilUnix(candidate))
	if write {
		s.m[userID] = eff
	}
	return unixUTC(eff), nil
}

func (s *Memory) Get(_ context.Context, userID int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[userID]
	if !ok {
		return time.Time{}, false
	}
	return unixUTC(v), true
}

func (s *Memory) Delete(_ context.Context, userID int64) error {
	s.mu.Lock()
	delete(s.m, userID)
	s.mu.Unlock()
	return nil
}

func (s *Memory) DeleteIf(_ context.Context, userID int64, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[userID]; !ok || v != until.Unix() {
		return false, nil
	}
	delete(s.m, userID)
	return true, nil
}

func (s *Memory) ListKeys(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	return out, nil
}

func (s *Memory) Close() error { return nil }
