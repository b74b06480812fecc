package host

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPumpRunsInOrder(t *testing.T) {
	l := NewLoop(8)
	var got []int
	for i := range 5 {
		require.NoError(t, l.Post(context.Background(), func() { got = append(got, i) }))
	}
	assert.Equal(t, 5, l.Pending())
	assert.Equal(t, 5, l.Pump(0))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.Equal(t, 0, l.Pump(0))
}

func TestPumpLimit(t *testing.T) {
	l := NewLoop(8)
	for range 3 {
		require.NoError(t, l.TryPost(func() {}))
	}
	assert.Equal(t, 2, l.Pump(2))
	assert.Equal(t, 1, l.Pending())
}

func TestTryPostBackpressure(t *testing.T) {
	l := NewLoop(1)
	require.NoError(t, l.TryPost(func() {}))
	assert.ErrorIs(t, l.TryPost(func() {}), ErrBackpressure)
}

func TestPostHonoursContext(t *testing.T) {
	l := NewLoop(1)
	require.NoError(t, l.TryPost(func() {}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Post(ctx, func() {}), context.DeadlineExceeded)
}

func TestClosedLoopRejects(t *testing.T) {
	l := NewLoop(1)
	l.Close()
	l.Close()
	assert.ErrorIs(t, l.TryPost(func() {}), ErrClosed)
	assert.ErrorIs(t, l.Post(context.Background(), func() {}), ErrClosed)
}

func TestCloseReleasesBlockedPost(t *testing.T) {
	l := NewLoop(1)
	require.NoError(t, l.TryPost(func() {}))

	errc := make(chan error, 1)
	go func() { errc <- l.Post(context.Background(), func() {}) }()
	time.Sleep(10 * time.Millisecond)
	l.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Post still blocked after Close")
	}
}

func TestRunSurvivesPanics(t *testing.T) {
	l := NewLoop(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var ran atomic.Bool
	require.NoError(t, l.Post(ctx, func() { panic("boom") }))
	require.NoError(t, l.Post(ctx, func() { ran.Store(true) }))
	assert.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
}
