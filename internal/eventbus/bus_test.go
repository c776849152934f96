package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: MuteLifted, Data: MuteData{UserID: 42}})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, MuteLifted, e.Type)
		assert.False(t, e.Time.IsZero())
		assert.Equal(t, int64(42), e.Data.(MuteData).UserID)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: MuteRegistered})
	b.Publish(Event{Type: MuteRegistered})
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: MuteLiftFailed})
}
