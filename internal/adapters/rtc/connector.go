// Package rtc implements the session boundary on pion/webrtc with a
// WebSocket signaling channel.
package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/adapters/signal"
	"github.com/dkeye/voicebridge/internal/core"
)

var (
	_ core.Connector  = (*Connector)(nil)
	_ core.Session    = (*Session)(nil)
	_ core.AudioTrack = (*RemoteAudio)(nil)
)

type Config struct {
	ICEServers []string
	// Metadata is announced with the join request.
	Metadata string
	// Playback, when set, receives every remote track scaled by its volume.
	Playback     core.AudioSink
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

type Connector struct {
	cfg Config
}

func NewConnector(cfg Config) *Connector {
	return &Connector{cfg: cfg}
}

func (c *Connector) Connect(ctx context.Context, url, token string) (core.Session, error) {
	sig, err := signal.Dial(ctx, url, token, signal.DialOptions{
		Dialer:       c.cfg.Dialer,
		PingInterval: c.cfg.PingInterval,
	})
	if err != nil {
		return nil, err
	}
	s, err := newSession(c.cfg, sig)
	if err != nil {
		sig.Close()
		return nil, err
	}
	if err := s.join(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(closeCtx)
		return nil, fmt.Errorf("join: %w", err)
	}
	go s.signalLoop()
	log.Info().Str("module", "webrtc").Str("identity", s.LocalIdentity()).Msg("session ready")
	return s, nil
}
