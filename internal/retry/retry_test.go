package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := Policy{BaseWait: 10 * time.Millisecond, MaxWait: 30 * time.Millisecond}
	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, 10*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 20*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 30*time.Millisecond, p.Backoff(3))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseWait: time.Millisecond}
	count := 0
	err := p.Do(context.Background(), nil, func() error {
		count++
		if count < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseWait: time.Millisecond}
	permanent := errors.New("permanent")
	count := 0
	err := p.Do(context.Background(), func(err error) bool { return !errors.Is(err, permanent) }, func() error {
		count++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, count)
}

func TestDoGivesUp(t *testing.T) {
	p := Policy{MaxRetries: 2, BaseWait: time.Millisecond}
	count := 0
	err := p.Do(context.Background(), nil, func() error {
		count++
		return errors.New("test error")
	})
	assert.EqualError(t, err, "test error")
	assert.Equal(t, 3, count)
}

func TestSleepInterrupted(t *testing.T) {
	stop := make(chan struct{})
	close(stop)
	assert.False(t, Sleep(context.Background(), time.Hour, stop))
	assert.True(t, Sleep(context.Background(), time.Millisecond, nil))
}
