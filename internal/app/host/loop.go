// Package host marshals work onto the single host context.
//
// The host owns rendering and signal handling and is never reentrant from
// media goroutines. Producers enqueue closures; exactly one consumer runs
// them, either a goroutine started with Run or the host thread calling Pump.
package host

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("host loop closed")
)

const DefaultQueueSize = 256

type Loop struct {
	tasks chan func()
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func NewLoop(size int) *Loop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Loop{
		tasks: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Post enqueues fn, waiting for room while ctx allows.
func (l *Loop) Post(ctx context.Context, fn func()) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
}

// TryPost enqueues fn without ever blocking the caller.
func (l *Loop) TryPost(fn func()) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.tasks <- fn:
		return nil
	default:
		return ErrBackpressure
	}
}

// Run consumes tasks until ctx is done or the loop is closed.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "host").Msg("loop ctx done")
			return
		case <-l.done:
			return
		case fn := <-l.tasks:
			l.exec(fn)
		}
	}
}

// Pump runs up to limit queued tasks on the calling goroutine and returns how
// many ran. limit <= 0 drains whatever is queued right now.
func (l *Loop) Pump(limit int) int {
	n := 0
	for limit <= 0 || n < limit {
		select {
		case <-l.done:
			return n
		case fn := <-l.tasks:
			l.exec(fn)
			n++
		default:
			return n
		}
	}
	return n
}

// Pending reports the number of queued tasks.
func (l *Loop) Pending() int { return len(l.tasks) }

// Close stops accepting work. Queued tasks are discarded.
func (l *Loop) Close() {
	l.once.Do(func() {
		// done first so a Post blocked under the read lock can leave.
		close(l.done)
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
	})
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "host").Interface("panic", r).Msg("host task panicked")
		}
	}()
	fn()
}
