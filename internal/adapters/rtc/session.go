package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/adapters/signal"
	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
)

var errSignalClosed = errors.New("signaling closed")

// Session is one joined room over pion. It implements core.Session.
type Session struct {
	cfg    Config
	pc     *webrtc.PeerConnection
	sig    *signal.Conn
	mic    *webrtc.TrackLocalStaticSample
	sender *webrtc.RTPSender
	box    *mailbox

	channels map[domain.Reliability]*webrtc.DataChannel

	micEnabled atomic.Bool
	published  atomic.Bool
	closing    atomic.Bool
	closeOnce  sync.Once
	lostOnce   sync.Once

	mu         sync.Mutex
	identity   string
	tracks     map[string]*RemoteAudio
	offerSent  bool
	localCands []webrtc.ICECandidateInit
	remoteSet  bool
	remoteCand []webrtc.ICECandidateInit
}

func newSession(cfg Config, sig *signal.Conn) (*Session, error) {
	pc, mic, sender, err := newPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}
	s := &Session{
		cfg:      cfg,
		pc:       pc,
		sig:      sig,
		mic:      mic,
		sender:   sender,
		box:      newMailbox(),
		channels: make(map[domain.Reliability]*webrtc.DataChannel),
		tracks:   make(map[string]*RemoteAudio),
	}
	for _, r := range []domain.Reliability{domain.Reliable, domain.Lossy} {
		dc, err := pc.CreateDataChannel(channelLabel(r), channelInit(r))
		if err != nil {
			s.box.close()
			_ = pc.Close()
			return nil, fmt.Errorf("data channel %s: %w", channelLabel(r), err)
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) { s.onData(msg.Data) })
		s.channels[r] = dc
	}
	s.bindPeerHandlers()
	return s, nil
}

func (s *Session) LocalIdentity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) Events() <-chan core.Event { return s.box.out }

// join runs the offer/answer exchange and waits for the room roster.
func (s *Session) join(ctx context.Context) error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := s.sig.Send(signal.Join(s.cfg.Metadata)); err != nil {
		return err
	}
	if err := s.sig.Send(signal.Offer(s.pc.LocalDescription().SDP)); err != nil {
		return err
	}
	s.flushLocalCandidates()

	var joined, answered bool
	for !joined || !answered {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-s.sig.Incoming():
			if !ok {
				if err := s.sig.Err(); err != nil {
					return err
				}
				return errSignalClosed
			}
			switch m.Type {
			case signal.TypeJoined:
				s.mu.Lock()
				s.identity = m.Identity
				s.mu.Unlock()
				for _, mem := range m.Members {
					s.box.push(core.ParticipantConnected{Identity: mem.Identity, Metadata: mem.Metadata})
				}
				joined = true
			case signal.TypeAnswer:
				if err := s.applyRemote(m); err != nil {
					return err
				}
				answered = true
			case signal.TypeError:
				return fmt.Errorf("room refused: %s", m.Error)
			default:
				s.handleSignal(m)
			}
		}
	}
	log.Info().Str("module", "webrtc").Str("identity", s.LocalIdentity()).Msg("joined room")
	return nil
}

func (s *Session) applyRemote(m signal.Message) error {
	desc, err := m.Description()
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	s.mu.Lock()
	s.remoteSet = true
	pending := s.remoteCand
	s.remoteCand = nil
	s.mu.Unlock()
	for _, ci := range pending {
		s.addRemoteCandidate(ci)
	}
	return nil
}

func (s *Session) signalLoop() {
	for m := range s.sig.Incoming() {
		s.handleSignal(m)
	}
	if err := s.sig.Err(); err != nil {
		s.lost(err)
		return
	}
	s.lost(errSignalClosed)
}

func (s *Session) handleSignal(m signal.Message) {
	switch m.Type {
	case signal.TypeCandidate:
		s.mu.Lock()
		if !s.remoteSet {
			s.remoteCand = append(s.remoteCand, m.ICECandidate())
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.addRemoteCandidate(m.ICECandidate())
	case signal.TypeOffer:
		s.renegotiate(m)
	case signal.TypeMemberJoined:
		s.box.push(core.ParticipantConnected{Identity: m.Identity, Metadata: m.Metadata})
	case signal.TypeMemberUpdated:
		s.box.push(core.ParticipantMetadataChanged{Identity: m.Identity, Metadata: m.Metadata})
	case signal.TypeMemberLeft:
		s.stopTracksOf(m.Identity)
		s.box.push(core.ParticipantDisconnected{Identity: m.Identity})
	case signal.TypeTrackRemoved:
		s.removeTrack(m.Identity, m.TrackID)
	case signal.TypeError:
		log.Warn().Str("module", "webrtc").Str("error", m.Error).Msg("room error")
	default:
		log.Debug().Str("module", "webrtc").Str("type", m.Type).Msg("signal ignored")
	}
}

func (s *Session) renegotiate(m signal.Message) {
	desc, err := m.Description()
	if err != nil {
		log.Error().Err(err).Str("module", "webrtc").Msg("bad offer payload")
		return
	}
	answer, err := applyOffer(s.pc, desc)
	if err != nil {
		log.Error().Err(err).Str("module", "webrtc").Msg("webrtc apply offer")
		return
	}
	s.mu.Lock()
	s.remoteSet = true
	s.mu.Unlock()
	if err := s.sig.Send(signal.Answer(answer.SDP)); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Msg("send answer")
	}
}

func (s *Session) addRemoteCandidate(ci webrtc.ICECandidateInit) {
	if err := s.pc.AddICECandidate(ci); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Msg("add ice candidate")
	}
}

// sendCandidate holds local candidates back until the offer went out.
func (s *Session) sendCandidate(ci webrtc.ICECandidateInit) {
	s.mu.Lock()
	if !s.offerSent {
		s.localCands = append(s.localCands, ci)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := s.sig.Send(signal.Candidate(ci)); err != nil {
		log.Warn().Err(err).Str("module", "webrtc").Msg("send candidate")
	}
}

func (s *Session) flushLocalCandidates() {
	s.mu.Lock()
	s.offerSent = true
	pending := s.localCands
	s.localCands = nil
	s.mu.Unlock()
	for _, ci := range pending {
		if err := s.sig.Send(signal.Candidate(ci)); err != nil {
			log.Warn().Err(err).Str("module", "webrtc").Msg("send candidate")
		}
	}
}

func (s *Session) onTrack(track *webrtc.TrackRemote) {
	identity := track.StreamID()
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		s.box.push(core.TrackSubscribed{Identity: identity, Track: remoteTrack{id: track.ID(), kind: domain.KindVideo}})
		return
	}

	dec := opus.NewDecoder()
	read := func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	}
	ra := newRemoteAudio(track.ID(), identity, read, &dec, s.cfg.Playback)
	s.addTrack(ra)
	s.box.push(core.TrackSubscribed{Identity: identity, Track: ra})

	go func() {
		ra.run()
		if s.forgetTrack(ra) {
			s.box.push(core.TrackUnsubscribed{Identity: identity, TrackID: ra.ID(), Track: ra})
		}
	}()
}

func (s *Session) addTrack(ra *RemoteAudio) {
	s.mu.Lock()
	prev := s.tracks[ra.ID()]
	s.tracks[ra.ID()] = ra
	s.mu.Unlock()
	if prev != nil {
		prev.close()
	}
}

// forgetTrack reports whether ra was still registered.
func (s *Session) forgetTrack(ra *RemoteAudio) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracks[ra.ID()] != ra {
		return false
	}
	delete(s.tracks, ra.ID())
	return true
}

func (s *Session) removeTrack(identity, trackID string) {
	s.mu.Lock()
	ra := s.tracks[trackID]
	delete(s.tracks, trackID)
	s.mu.Unlock()
	ev := core.TrackUnsubscribed{Identity: identity, TrackID: trackID}
	if ra != nil {
		ra.close()
		ev.Track = ra
	}
	s.box.push(ev)
}

func (s *Session) stopTracksOf(identity string) {
	s.mu.Lock()
	var gone []*RemoteAudio
	for id, ra := range s.tracks {
		if ra.Identity() == identity {
			gone = append(gone, ra)
			delete(s.tracks, id)
		}
	}
	s.mu.Unlock()
	for _, ra := range gone {
		ra.close()
	}
}

func (s *Session) onData(b []byte) {
	env, err := decodeEnvelope(b)
	if err != nil {
		log.Warn().Err(err).Str("module", "webrtc").Msg("bad data envelope")
		return
	}
	if !env.addressedTo(s.LocalIdentity()) {
		return
	}
	s.box.push(core.DataReceived{Identity: env.From, Payload: env.Data, Topic: env.Topic})
}

// lost reports an unrequested end of the session once.
func (s *Session) lost(reason error) {
	if s.closing.Load() {
		return
	}
	s.lostOnce.Do(func() {
		log.Warn().Err(reason).Str("module", "webrtc").Msg("session lost")
		s.box.push(core.SessionClosed{Reason: reason})
	})
}

func (s *Session) SetMicrophoneEnabled(_ context.Context, enabled bool) error {
	s.micEnabled.Store(enabled)
	return nil
}

func (s *Session) PublishAudio(context.Context) error {
	if err := s.sender.ReplaceTrack(s.mic); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}
	s.published.Store(true)
	return nil
}

func (s *Session) UnpublishAudio(context.Context) error {
	s.published.Store(false)
	if err := s.sender.ReplaceTrack(nil); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}
	return nil
}

// WriteMicSample sends one encoded Opus frame. Frames are dropped while the
// microphone is disabled or unpublished.
func (s *Session) WriteMicSample(frame []byte, d time.Duration) error {
	if !s.micEnabled.Load() || !s.published.Load() {
		return nil
	}
	return s.mic.WriteSample(pionmedia.Sample{Data: frame, Duration: d})
}

func (s *Session) PublishData(_ context.Context, pkt domain.DataPacket) error {
	dc := s.channels[pkt.Reliability]
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("%w: %s", ErrChannelNotOpen, channelLabel(pkt.Reliability))
	}
	b, err := json.Marshal(newEnvelope(s.LocalIdentity(), pkt))
	if err != nil {
		return err
	}
	return dc.Send(b)
}

func (s *Session) SetMetadata(_ context.Context, metadata string) error {
	if len(metadata) > domain.MaxMetadataLen {
		return domain.ErrMetadataTooLarge
	}
	return s.sig.Send(signal.Metadata(metadata))
}

// Close releases every media resource. The event channel is closed right
// away; the peer connection shutdown is bounded by ctx.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.box.close()

		s.mu.Lock()
		tracks := s.tracks
		s.tracks = make(map[string]*RemoteAudio)
		s.mu.Unlock()
		for _, ra := range tracks {
			ra.close()
		}
		if s.sig != nil {
			s.sig.Close()
		}

		done := make(chan error, 1)
		go func() { done <- s.pc.Close() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			log.Error().Err(err).Str("module", "webrtc").Msg("close error")
		} else {
			log.Info().Str("module", "webrtc").Msg("closed")
		}
	})
	return err
}
