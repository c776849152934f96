package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "mutebot/pkg/logx"
)

const fileCompactEvery = 1000

// fileStore is a dependency-free backend.
//
// Files:
//   - <prefix>.snapshot.json (map of user id -> unix seconds)
//   - <prefix>.journal.jsonl (append-only set/delete records)
//
// The journal is compacted into the snapshot every fileCompactEvery writes
// and on Close.
type fileStore struct {
	log logx.Logger
	now func() time.Time

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	deadlines    map[int64]int64

	writes int
	// fsync flushes the journal after every record; tests replace it.
	fsync func(*os.File) error
}

type journalRecord struct {
	UserID  int64 `json:"user_id"`
	Until   int64 `json:"until,omitempty"`
	Deleted bool  `json:"deleted,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (DeadlineStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	deadlines := map[int64]int64{}
	if err := loadSnapshot(snapPath, deadlines); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	skipped, err := replayJournal(journalPath, deadlines)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	if skipped > 0 {
		log.Warn("malformed journal records skipped", logx.Int("count", skipped))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	log.Debug("file store ready", logx.String("prefix", prefix), logx.Int("records", len(deadlines)))
	return &fileStore{
		log:          log,
		now:          cfg.clock(),
		snapshotPath: snapPath,
		journal:      jf,
		deadlines:    deadlines,
		fsync:        (*os.File).Sync,
	}, nil
}

func (s *fileStore) SetIfLater(ctx context.Context, userID int64, candidate time.Time) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return time.Time{}, errors.New("file store closed")
	}

	cur, ok := s.deadlines[userID]
	if !ok {
		cur = farPast(s.now()).Unix()
	}
	eff, write := laterOf(cur, ceilUnix(candidate))
	if !write {
		return unixUTC(eff), nil
	}
	// Journal first: memory never runs ahead of disk.
	if err := s.appendLocked(journalRecord{UserID: userID, Until: eff}); err != nil {
		return time.Time{}, fmt.Errorf("set deadline: %w", err)
	}
	s.deadlines[userID] = eff
	return unixUTC(eff), nil
}

func (s *fileStore) Get(_ context.Context, userID int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.deadlines[userID]
	if !ok {
		return time.Time{}, false
	}
	return unixUTC(v), true
}

func (s *fileStore) Delete(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadlines[userID]; !ok {
		return nil
	}
	return s.deleteLocked(userID)
}

func (s *fileStore) DeleteIf(_ context.Context, userID int64, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.deadlines[userID]; !ok || v != until.Unix() {
		return false, nil
	}
	if err := s.deleteLocked(userID); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) deleteLocked(userID int64) error {
	if s.journal == nil {
		return errors.New("file store closed")
	}
	if err := s.appendLocked(journalRecord{UserID: userID, Deleted: true}); err != nil {
		return fmt.Errorf("delete deadline: %w", err)
	}
	delete(s.deadlines, userID)
	return nil
}

func (s *fileStore) ListKeys(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.deadlines))
	for k := range s.deadlines {
		out = append(out, k)
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if err != nil {
		s.log.Warn("compact on close failed", logx.Err(err))
	}
	cerr := s.journal.Close()
	s.journal = nil
	if cerr != nil {
		return cerr
	}
	return err
}

// appendLocked journals r and syncs it, so an acknowledged write survives
// an OS crash.
func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	if err := s.fsync(s.journal); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the snapshot atomically (tmp + rename) and then
// truncates the journal.
func (s *fileStore) compactLocked() error {
	snap := make(map[string]int64, len(s.deadlines))
	for k, v := range s.deadlines {
		snap[strconv.FormatInt(k, 10)] = v
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[int64]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out[id] = v
	}
	return nil
}

// replayJournal applies journal records in order and returns how many lines
// could not be decoded.
func replayJournal(path string, out map[int64]int64) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	skipped := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r journalRecord
		if err := json.Unmarshal(line, &r); err != nil {
			skipped++
			continue
		}
		if r.Deleted {
			delete(out, r.UserID)
			continue
		}
		out[r.UserID] = r.Until
	}
	return skipped, sc.Err()
}
