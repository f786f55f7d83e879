package snapshotbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/snapshot"
)

func TestBus_PeekAbsentBeforeFirstPublish(t *testing.T) {
	b := New()
	_, ok := b.Peek()
	assert.False(t, ok)
}

func TestBus_PublishThenPeekReturnsLatest(t *testing.T) {
	b := New()
	b.Publish(snapshot.New(1, snapshot.CurrentLot{ID: 7}, nil))
	v, ok := b.Peek()
	require.True(t, ok)
	assert.Equal(t, 7, v.Current.ID)

	b.Publish(snapshot.New(2, snapshot.CurrentLot{ID: 9}, nil))
	v, ok = b.Peek()
	require.True(t, ok)
	assert.Equal(t, 9, v.Current.ID)
}

func TestBus_WaitUpdateWakesOnPublish(t *testing.T) {
	b := New()
	done := make(chan snapshot.Snapshot, 1)
	go func() {
		v, ok := b.WaitUpdate(context.Background(), time.Second)
		if ok {
			done <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	b.Publish(snapshot.New(42, snapshot.CurrentLot{ID: 1}, nil))

	select {
	case v := <-done:
		assert.EqualValues(t, 42, v.Ts)
	case <-time.After(time.Second):
		t.Fatal("WaitUpdate did not wake on publish")
	}
}

func TestBus_WaitUpdateTimesOut(t *testing.T) {
	b := New()
	_, ok := b.WaitUpdate(context.Background(), 10*time.Millisecond)
	assert.False(t, ok)
}

func TestBus_WaitUpdateWakesAllWaiters(t *testing.T) {
	b := New()
	const n = 5
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		go func() {
			_, ok := b.WaitUpdate(context.Background(), time.Second)
			results <- ok
		}()
	}
	time.Sleep(20 * time.Millisecond)
	b.Publish(snapshot.New(1, snapshot.CurrentLot{}, nil))

	for i := 0; i < n; i++ {
		select {
		case ok := <-results:
			assert.True(t, ok)
		case <-time.After(time.Second):
			t.Fatal("not all waiters woke")
		}
	}
}

func TestBus_WaitUpdateRespectsContextCancellation(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := b.WaitUpdate(ctx, time.Second)
	assert.False(t, ok)
}
