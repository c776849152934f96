package mute

import (
	"context"
	"sort"
	"time"

	"mutebot/internal/storage"
)

// Entry is one tracked restriction.
type Entry struct {
	UserID int64
	Until  time.Time
}

// Pending returns every readable record ordered by deadline. Records that
// vanish or cannot be parsed between list and read are skipped.
func Pending(ctx context.Context, store storage.DeadlineStore) ([]Entry, error) {
	ids, err := store.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		until, ok := store.Get(ctx, id)
		if !ok {
			continue
		}
		out = append(out, Entry{UserID: id, Until: until})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Until.Equal(out[j].Until) {
			return out[i].Until.Before(out[j].Until)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}
