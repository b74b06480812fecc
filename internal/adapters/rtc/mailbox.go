package rtc

import (
	"sync"

	"github.com/dkeye/voicebridge/internal/core"
)

// mailbox is an unbounded ordered event queue. pion callbacks push without
// blocking; one pump goroutine feeds the consumer channel.
type mailbox struct {
	out  chan core.Event
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	queue []core.Event
}

func newMailbox() *mailbox {
	m := &mailbox{
		out:  make(chan core.Event),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.pump()
	return m
}

func (m *mailbox) push(ev core.Event) {
	select {
	case <-m.done:
		return
	default:
	}
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.wake:
				continue
			case <-m.done:
				return
			}
		}
		ev := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- ev:
		case <-m.done:
			return
		}
	}
}

// close drops whatever is queued and ends the out channel.
func (m *mailbox) close() {
	m.once.Do(func() { close(m.done) })
}
