package orch

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/app"
	"github.com/dkeye/voicebridge/internal/core"
)

// SetAudioEnabled records the user's mute preference and applies it to the
// live microphone.
func (b *Bridge) SetAudioEnabled(enabled bool) {
	b.policy.SetAudioEnabled(enabled)
	log.Info().Str("module", "orch").Bool("enabled", enabled).Msg("audio preference")
	if sess := b.connectedSession(); sess != nil {
		b.spawn(func() { b.applyMic(sess, app.MicOnUserToggle) })
	}
}

// Pause turns the microphone off without touching the mute preference.
func (b *Bridge) Pause() {
	b.paused.Store(true)
	if sess := b.connectedSession(); sess != nil {
		b.spawn(func() { b.applyMic(sess, app.MicOnBackground) })
	}
}

// Resume restores the microphone unless the user muted it.
func (b *Bridge) Resume() {
	b.paused.Store(false)
	if sess := b.connectedSession(); sess != nil {
		b.spawn(func() { b.applyMic(sess, app.MicOnForeground) })
	}
}

// applyMic computes the mic state at apply time so concurrent toggles
// settle on the latest preference.
func (b *Bridge) applyMic(sess core.Session, m app.MicMoment) {
	b.micMu.Lock()
	defer b.micMu.Unlock()
	if b.paused.Load() {
		m = app.MicOnBackground
	}
	enabled := b.policy.MicFor(m)
	if err := sess.SetMicrophoneEnabled(b.ctx, enabled); err != nil {
		log.Warn().Err(err).Str("module", "orch").Bool("enabled", enabled).Msg("set microphone failed")
	}
}

// SetPeerVolume forwards volume to the SDK mixer for identity. While spatial
// audio is on the host attenuates and this is a no-op.
func (b *Bridge) SetPeerVolume(identity string, volume float64) {
	v, ok := b.policy.PeerVolume(b.sinks.SpatialEnabled(), volume)
	if !ok {
		return
	}
	b.mu.Lock()
	entry, known := b.roster[identity]
	var tracks []core.AudioTrack
	if known {
		entry.volume = v
		for _, t := range entry.audio {
			tracks = append(tracks, t)
		}
	}
	b.mu.Unlock()

	for _, t := range tracks {
		if err := t.SetVolume(v); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("identity", identity).Str("track", t.ID()).Msg("set volume failed")
		}
	}
}

func (b *Bridge) SetPeerMuted(identity string, muted bool) {
	b.SetPeerVolume(identity, app.MutedVolume(muted))
}

// PublishAudio starts sending the local microphone track.
func (b *Bridge) PublishAudio() error {
	sess := b.connectedSession()
	if sess == nil {
		return ErrNotConnected
	}
	b.spawn(func() {
		if err := sess.PublishAudio(b.ctx); err != nil {
			b.emitError(fmt.Errorf("publish audio: %w", err))
			return
		}
		b.emit(core.NewSignal(core.SignalAudioPublished))
	})
	return nil
}

func (b *Bridge) UnpublishAudio() error {
	sess := b.connectedSession()
	if sess == nil {
		return ErrNotConnected
	}
	b.spawn(func() {
		if err := sess.UnpublishAudio(b.ctx); err != nil {
			b.emitError(fmt.Errorf("unpublish audio: %w", err))
			return
		}
		b.emit(core.NewSignal(core.SignalAudioUnpublished))
	})
	return nil
}
