package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/voicebridge/internal/app"
	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
)

var errEventsClosed = errors.New("event stream ended")

// Connect starts joining url. It returns as soon as the attempt is underway;
// the outcome arrives as room_connected or error_occurred.
func (b *Bridge) Connect(url, token string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	if err := b.transition(evConnect); err != nil {
		state := b.state.Current()
		b.mu.Unlock()
		rejected := fmt.Errorf("%w: %s", ErrNotIdle, state)
		b.spawn(func() { b.emitError(rejected) })
		return rejected
	}
	b.attempt++
	attempt := b.attempt
	ctx, cancel := context.WithTimeout(b.ctx, b.connectTimeout)
	b.attemptCancel = cancel
	b.goLocked(func() { b.runConnect(ctx, cancel, attempt, url, token) })
	b.mu.Unlock()

	log.Info().Str("module", "orch").Str("url", url).Uint64("attempt", attempt).Msg("connecting")
	return nil
}

func (b *Bridge) runConnect(ctx context.Context, cancel context.CancelFunc, attempt uint64, url, token string) {
	defer cancel()
	b.sinks.DetachAll()

	sess, err := b.connector.Connect(ctx, url, token)
	if err == nil && sess == nil {
		err = errors.New("connector returned no session")
	}

	b.mu.Lock()
	if b.closed || b.attempt != attempt {
		b.mu.Unlock()
		if sess != nil {
			log.Info().Str("module", "orch").Uint64("attempt", attempt).Msg("connect superseded, dropping session")
			b.closeSession(sess, b.shutdownTimeout)
		}
		return
	}
	b.attemptCancel = nil
	if err != nil {
		_ = b.transition(evFail)
		b.mu.Unlock()
		log.Warn().Err(err).Str("module", "orch").Str("url", url).Msg("connect failed")
		b.emitError(fmt.Errorf("connect: %w", err))
		return
	}
	b.session = sess
	b.roster = make(map[string]*rosterEntry)
	_ = b.transition(evEstablished)
	ready := make(chan struct{})
	b.goLocked(func() { b.dispatch(sess, ready) })
	b.mu.Unlock()

	log.Info().Str("module", "orch").Str("identity", sess.LocalIdentity()).Msg("room connected")
	b.applyMic(sess, app.MicOnConnect)
	b.emit(core.NewSignal(core.SignalRoomConnected))
	close(ready)
}

// Disconnect leaves the room. The bridge is idle again once
// room_disconnected is delivered.
func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	if err := b.transition(evDisconnect); err != nil {
		b.mu.Unlock()
		return ErrNotConnected
	}
	b.attempt++
	if b.attemptCancel != nil {
		b.attemptCancel()
		b.attemptCancel = nil
	}
	sess := b.session
	b.session = nil
	b.roster = nil
	b.goLocked(func() { b.runDisconnect(sess) })
	b.mu.Unlock()
	return nil
}

func (b *Bridge) runDisconnect(sess core.Session) {
	b.dispatchMu.Lock()
	b.sinks.DetachAll()
	b.dispatchMu.Unlock()

	if sess != nil {
		b.closeSession(sess, b.shutdownTimeout)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	_ = b.transition(evClosed)
	b.mu.Unlock()

	log.Info().Str("module", "orch").Msg("room disconnected")
	b.emit(core.NewSignal(core.SignalRoomDisconnected))
}

// handleSessionLost runs with dispatchMu held.
func (b *Bridge) handleSessionLost(sess core.Session, reason error) {
	b.mu.Lock()
	if b.closed || b.session != sess {
		b.mu.Unlock()
		return
	}
	_ = b.transition(evLost)
	b.session = nil
	b.roster = nil
	b.mu.Unlock()

	log.Warn().Err(reason).Str("module", "orch").Msg("session lost")
	b.sinks.DetachAll()
	b.closeSession(sess, b.shutdownTimeout)
	b.emit(core.NewSignal(core.SignalRoomDisconnected))
}

// dispatch is the only consumer of sess events. Each event's side effects
// complete before the next one is read.
func (b *Bridge) dispatch(sess core.Session, ready <-chan struct{}) {
	select {
	case <-ready:
	case <-b.ctx.Done():
		return
	}
	events := sess.Events()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				b.dispatchMu.Lock()
				b.handleSessionLost(sess, errEventsClosed)
				b.dispatchMu.Unlock()
				return
			}
			if !b.handle(sess, ev) {
				return
			}
		}
	}
}

// handle reports false once sess is no longer the active session.
func (b *Bridge) handle(sess core.Session, ev core.Event) bool {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	if !b.isCurrent(sess) {
		return false
	}

	switch e := ev.(type) {
	case core.ParticipantConnected:
		b.onParticipantConnected(e)
	case core.ParticipantDisconnected:
		b.onParticipantDisconnected(e)
	case core.ParticipantMetadataChanged:
		b.onMetadataChanged(e)
	case core.TrackSubscribed:
		b.onTrackSubscribed(e)
	case core.TrackUnsubscribed:
		b.onTrackUnsubscribed(e)
	case core.DataReceived:
		b.emit(core.NewSignal(core.SignalDataReceived, e.Identity, e.Payload, e.Topic))
	case core.SessionClosed:
		reason := e.Reason
		if reason == nil {
			reason = errors.New("closed by remote")
		}
		b.handleSessionLost(sess, reason)
		return false
	default:
		log.Debug().Str("module", "orch").Type("event", ev).Msg("event ignored")
	}
	return true
}

func (b *Bridge) onParticipantConnected(e core.ParticipantConnected) {
	peer, err := domain.NewPeer(e.Identity, e.Metadata)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("identity", e.Identity).Msg("participant rejected")
		return
	}
	b.mu.Lock()
	if b.roster == nil {
		b.mu.Unlock()
		return
	}
	if entry, ok := b.roster[peer.Identity]; ok {
		entry.peer.Metadata = peer.Metadata
	} else {
		b.roster[peer.Identity] = &rosterEntry{
			peer:   peer,
			audio:  make(map[string]core.AudioTrack),
			volume: app.UnityVolume,
		}
	}
	b.mu.Unlock()

	log.Info().Str("module", "orch").Str("identity", peer.Identity).Msg("participant joined")
	b.emit(core.NewSignal(core.SignalParticipantJoined, peer.Identity))
}

func (b *Bridge) onParticipantDisconnected(e core.ParticipantDisconnected) {
	b.sinks.DetachAllForPeer(e.Identity)
	b.mu.Lock()
	if b.roster != nil {
		delete(b.roster, e.Identity)
	}
	b.mu.Unlock()

	log.Info().Str("module", "orch").Str("identity", e.Identity).Msg("participant left")
	b.emit(core.NewSignal(core.SignalParticipantLeft, e.Identity))
}

func (b *Bridge) onMetadataChanged(e core.ParticipantMetadataChanged) {
	b.mu.Lock()
	if entry, ok := b.roster[e.Identity]; ok {
		if err := entry.peer.SetMetadata(e.Metadata); err != nil {
			b.mu.Unlock()
			log.Warn().Err(err).Str("module", "orch").Str("identity", e.Identity).Msg("metadata ignored")
			return
		}
	}
	b.mu.Unlock()
	b.emit(core.NewSignal(core.SignalMetadataChanged, e.Identity, e.Metadata))
}

func (b *Bridge) onTrackSubscribed(e core.TrackSubscribed) {
	if e.Track == nil {
		return
	}
	trackID := e.Track.ID()
	logger := log.With().Str("module", "orch").Str("identity", e.Identity).Str("track", trackID).Logger()

	if at, ok := e.Track.(core.AudioTrack); ok && e.Track.Kind() == domain.KindAudio {
		b.mu.Lock()
		entry, known := b.roster[e.Identity]
		volume := app.UnityVolume
		if known {
			entry.audio[app.StreamID(e.Identity, trackID, at)] = at
			volume = entry.volume
		}
		b.mu.Unlock()

		switch {
		case !known:
			logger.Warn().Msg("audio track from unknown participant, not tapped")
		case b.sinks.SpatialEnabled():
			if _, err := b.sinks.Attach(e.Identity, trackID, at); err != nil {
				logger.Error().Err(err).Msg("spatial tap failed")
			}
		case volume != app.UnityVolume:
			if err := at.SetVolume(volume); err != nil {
				logger.Warn().Err(err).Msg("set volume failed")
			}
		}
	}

	logger.Debug().Str("kind", e.Track.Kind().String()).Msg("track subscribed")
	b.emit(core.NewSignal(core.SignalTrackSubscribed, e.Identity, trackID))
}

func (b *Bridge) onTrackUnsubscribed(e core.TrackUnsubscribed) {
	streamID := e.TrackID
	if at, ok := e.Track.(core.AudioTrack); ok {
		streamID = app.StreamID(e.Identity, e.TrackID, at)
	}
	if streamID == "" {
		log.Warn().Str("module", "orch").Str("identity", e.Identity).Msg("unsubscribe without track id or handle")
	}
	b.sinks.Detach(streamID)
	b.mu.Lock()
	if entry, ok := b.roster[e.Identity]; ok {
		delete(entry.audio, streamID)
	}
	b.mu.Unlock()
	b.emit(core.NewSignal(core.SignalTrackUnsubscribed, e.Identity, e.TrackID))
}

// closeSession closes sess, giving up after timeout.
func (b *Bridge) closeSession(sess core.Session, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var pc panics.Catcher
		var err error
		pc.Try(func() { err = sess.Close(ctx) })
		if rec := pc.Recovered(); rec != nil {
			err = rec.AsError()
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn().Err(err).Str("module", "orch").Msg("session close failed")
		}
	case <-ctx.Done():
		log.Warn().Str("module", "orch").Dur("timeout", timeout).Msg("session close abandoned")
	}
}
