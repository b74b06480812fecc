package orch

import (
	"bytes"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
)

// Send broadcasts data to every peer of the room.
func (b *Bridge) Send(data []byte, topic string, reliability domain.Reliability) error {
	sess := b.connectedSession()
	if sess == nil {
		return ErrNotConnected
	}
	pkt := domain.DataPacket{Payload: bytes.Clone(data), Topic: topic, Reliability: reliability}
	b.publish(sess, pkt)
	return nil
}

// SendTo delivers data to identity only. Unknown peers are dropped silently.
func (b *Bridge) SendTo(data []byte, identity, topic string, reliability domain.Reliability) error {
	sess := b.connectedSession()
	if sess == nil {
		return ErrNotConnected
	}
	b.mu.Lock()
	_, known := b.roster[identity]
	b.mu.Unlock()
	if !known {
		log.Debug().Str("module", "orch").Str("identity", identity).Msg("send to unknown peer dropped")
		return nil
	}
	pkt := domain.DataPacket{
		Payload:      bytes.Clone(data),
		Topic:        topic,
		Reliability:  reliability,
		Destinations: []string{identity},
	}
	b.publish(sess, pkt)
	return nil
}

func (b *Bridge) publish(sess core.Session, pkt domain.DataPacket) {
	b.spawn(func() {
		if err := sess.PublishData(b.ctx, pkt); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("topic", pkt.Topic).Str("reliability", pkt.Reliability.String()).Msg("send failed")
			b.emitError(fmt.Errorf("send: %w", err))
		}
	})
}

// SetMetadata replaces the local participant's metadata.
func (b *Bridge) SetMetadata(metadata string) error {
	if len(metadata) > domain.MaxMetadataLen {
		return domain.ErrMetadataTooLarge
	}
	sess := b.connectedSession()
	if sess == nil {
		return ErrNotConnected
	}
	b.spawn(func() {
		if err := sess.SetMetadata(b.ctx, metadata); err != nil {
			b.emitError(fmt.Errorf("set metadata: %w", err))
		}
	})
	return nil
}
