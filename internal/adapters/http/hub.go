package http

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

const subscriberQueue = 256

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type subscriber struct {
	id   string
	conn WSConn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (s *subscriber) TrySend(b []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("connection closed")
	}
	select {
	case s.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

func (s *subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
	_ = s.conn.Close()
}

type wireSignal struct {
	Name string `json:"name"`
	Args []any  `json:"args"`
}

// SignalHub streams bridge signals to WebSocket subscribers as JSON.
// Audio frames are not streamed.
type SignalHub struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

func NewSignalHub() *SignalHub {
	return &SignalHub{subs: make(map[string]*subscriber)}
}

// Emit never blocks; slow subscribers lose signals.
func (h *SignalHub) Emit(sig core.Signal) {
	if sig.Name == core.SignalAudioFrame {
		return
	}
	args := sig.Args
	if args == nil {
		args = []any{}
	}
	b, err := json.Marshal(wireSignal{Name: string(sig.Name), Args: args})
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("signal", string(sig.Name)).Msg("signal marshal")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if err := s.TrySend(b); err != nil {
			log.Debug().Err(err).Str("module", "adapters.http").Str("subscriber", s.id).Msg("signal dropped")
		}
	}
}

func (h *SignalHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Serve streams to conn until the peer goes away or ctx is done.
func (h *SignalHub) Serve(ctx context.Context, conn WSConn) {
	s := &subscriber{id: uuid.NewString(), conn: conn, send: make(chan []byte, subscriberQueue)}
	h.mu.Lock()
	h.subs[s.id] = s
	h.mu.Unlock()
	log.Info().Str("module", "adapters.http").Str("subscriber", s.id).Msg("signal stream opened")

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		h.mu.Lock()
		delete(h.subs, s.id)
		h.mu.Unlock()
		s.Close()
		log.Info().Str("module", "adapters.http").Str("subscriber", s.id).Msg("signal stream closed")
	}()

	go h.writeLoop(ctx, s)
	h.readLoop(ctx, s)
}

func (h *SignalHub) writeLoop(ctx context.Context, s *subscriber) {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Str("subscriber", s.id).Msg("signal write")
				return
			}
		}
	}
}

// readLoop only watches for the peer closing; client messages are ignored.
func (h *SignalHub) readLoop(ctx context.Context, s *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close drops every subscriber.
func (h *SignalHub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}
