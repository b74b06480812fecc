// Package signal is the WebSocket signaling connection to the room service.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

const (
	sendQueue     = 32
	incomingQueue = 64
	writeWait     = 5 * time.Second

	DefaultPingInterval = 15 * time.Second
)

// Conn is one signaling connection. Writes are queued and flushed by a
// single writer goroutine; reads are delivered in order on Incoming.
type Conn struct {
	conn *websocket.Conn
	send chan []byte
	in   chan Message
	done chan struct{}

	pingInterval time.Duration

	mu     sync.RWMutex
	closed bool
	err    error
}

type DialOptions struct {
	Dialer       *websocket.Dialer
	PingInterval time.Duration
}

// Dial connects to rawURL with token passed as the access_token query
// parameter.
func Dial(ctx context.Context, rawURL, token string, opts DialOptions) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("signal url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("access_token", token)
		u.RawQuery = q.Encode()
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("signal dial: %w", err)
	}
	log.Info().Str("module", "signal").Str("host", u.Host).Msg("signaling connected")

	c := &Conn{
		conn:         ws,
		send:         make(chan []byte, sendQueue),
		in:           make(chan Message, incomingQueue),
		done:         make(chan struct{}),
		pingInterval: opts.PingInterval,
	}
	if c.pingInterval <= 0 {
		c.pingInterval = DefaultPingInterval
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

// Incoming is closed when the connection ends; Err tells why.
func (c *Conn) Incoming() <-chan Message { return c.in }

// Done is closed once Close was called.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Send queues m without blocking.
func (c *Conn) Send(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("signal marshal %s: %w", m.Type, err)
	}
	return c.TrySend(b)
}

func (c *Conn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil && !c.closed {
		c.err = err
	}
	c.mu.Unlock()
}
