package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster(Options{})
	done := make(chan int)
	go func() { done <- b.Publish("u1", "s1", Event{Type: PlanStarted}) }()
	select {
	case n := <-done:
		assert.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestSubscribeRequiresKey(t *testing.T) {
	b := NewBroadcaster(Options{})
	_, err := b.Subscribe("", "s1")
	assert.ErrorIs(t, err, ErrMissingKey)
	_, err = b.Subscribe("u1", "")
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestDuplicateSubscribersAllReceive(t *testing.T) {
	b := NewBroadcaster(Options{})
	tab1, err := b.Subscribe("u1", "s1")
	require.NoError(t, err)
	tab2, err := b.Subscribe("u1", "s1")
	require.NoError(t, err)
	other, err := b.Subscribe("u1", "s2")
	require.NoError(t, err)

	n := b.Publish("u1", "s1", Event{Type: StepStarted, StepID: "a"})
	assert.Equal(t, 2, n)
	assert.Equal(t, "a", (<-tab1.Events()).StepID)
	assert.Equal(t, "a", (<-tab2.Events()).StepID)
	assert.Empty(t, other.Events())

	assert.Equal(t, 3, b.PublishToUser("u1", Event{Type: PlanCompleted}))
	assert.Equal(t, 0, b.PublishToUser("u2", Event{Type: PlanCompleted}))
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBroadcaster(Options{Buffer: 1})
	slow, _ := b.Subscribe("u1", "s1")
	fast, _ := b.Subscribe("u1", "s1")

	var got []Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range fast.Events() {
			got = append(got, ev)
			if len(got) == 3 {
				return
			}
		}
	}()

	for i := 0; i < 3; i++ {
		b.Publish("u1", "s1", Event{Type: StepProgress, Percent: Percent(i * 50)})
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	assert.Len(t, got, 3)
	assert.Equal(t, 2, slow.Dropped())
}

func TestCloseIsIdempotent(t *testing.T) {
	b := NewBroadcaster(Options{})
	sub, _ := b.Subscribe("u1", "s1")
	sub.Close()
	sub.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Count())
	assert.Equal(t, 0, b.Publish("u1", "s1", Event{Type: PlanStarted}))
}

func TestSweepSendsKeepAliveAndPurgesIdle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBroadcaster(Options{IdleTimeout: 5 * time.Minute})
	b.now = func() time.Time { return now }

	idle, _ := b.Subscribe("u1", "s1")
	now = now.Add(4 * time.Minute)
	active, _ := b.Subscribe("u1", "s2")

	assert.Equal(t, 0, b.Sweep())
	assert.Equal(t, KeepAlive, (<-idle.Events()).Type)
	assert.Equal(t, KeepAlive, (<-active.Events()).Type)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, b.Sweep())
	assert.Equal(t, 1, b.Count())

	<-idle.Events() // keep-alive sent before the purge
	_, ok := <-idle.Events()
	assert.False(t, ok, "purged subscription should be closed")
}

func TestConcurrentUse(t *testing.T) {
	b := NewBroadcaster(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub, err := b.Subscribe("u1", "s1")
			if err == nil {
				sub.Close()
			}
		}()
		go func() {
			defer wg.Done()
			b.Publish("u1", "s1", Event{Type: StepProgress})
			b.Sweep()
		}()
	}
	wg.Wait()
	b.Close()
	_, err := b.Subscribe("u1", "s1")
	assert.ErrorIs(t, err, ErrClosed)
}
