package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"controlplane/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxFullAndClosed(t *testing.T) {
	q := NewMailbox(2)
	require.NoError(t, q.TryPublish(Envelope{Seq: 1}))
	require.NoError(t, q.TryPublish(Envelope{Seq: 2}))
	assert.ErrorIs(t, q.TryPublish(Envelope{Seq: 3}), ErrQueueFull)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, q.Cap())

	q.Close()
	q.Close()
	assert.True(t, q.IsClosed())
	assert.ErrorIs(t, q.TryPublish(Envelope{Seq: 4}), ErrQueueClosed)
}

func TestMailboxRunDrainsAfterClose(t *testing.T) {
	q := NewMailbox(8)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, q.TryPublish(Envelope{Seq: i, Msg: schema.TimerEvent{Seq: i}}))
	}
	q.Close()

	var got []uint64
	q.Run(context.Background(), func(e Envelope) { got = append(got, e.Seq) })
	assert.Equal(t, []uint64{1, 2, 3}, got)
	assert.True(t, q.Exited())
}

func TestMailboxRunStopsOnContext(t *testing.T) {
	q := NewMailbox(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, func(Envelope) {})
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
	assert.True(t, q.Exited())
}

func TestMailboxConcurrentPublishAndClose(t *testing.T) {
	q := NewMailbox(1024)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = q.TryPublish(Envelope{})
			}
		}()
	}
	go q.Run(context.Background(), func(Envelope) {})
	time.Sleep(time.Millisecond)
	assert.NotPanics(t, q.Close)
	wg.Wait()
}
