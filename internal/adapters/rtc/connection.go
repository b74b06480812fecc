package rtc

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

func webRTCConfig(urls []string) webrtc.Configuration {
	if len(urls) == 0 {
		urls = DefaultICEServers
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	}
}

// newPeerConnection builds the client side peer connection: one audio
// transceiver carrying the local microphone plus the two data channels.
func newPeerConnection(cfg Config) (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, *webrtc.RTPSender, error) {
	pc, err := webrtc.NewPeerConnection(webRTCConfig(cfg.ICEServers))
	if err != nil {
		return nil, nil, nil, err
	}

	mic, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"microphone", "voicebridge",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, nil, err
	}
	tr, err := pc.AddTransceiverFromTrack(mic, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		_ = pc.Close()
		return nil, nil, nil, err
	}
	return pc, mic, tr.Sender(), nil
}

func (s *Session) bindPeerHandlers() {
	s.pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("identity", s.LocalIdentity()).Str("ice_state", st.String()).Msg("ICE state")
	})

	s.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("identity", s.LocalIdentity()).Str("peer_connection_state", st.String()).Msg("Peer state")
		if st == webrtc.PeerConnectionStateFailed ||
			st == webrtc.PeerConnectionStateClosed {
			s.lost(&connectionStateError{state: st})
		}
	})

	s.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			s.sendCandidate(cand.ToJSON())
		}
	})

	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		s.onTrack(track)
	})
}

// applyOffer answers a renegotiation offer from the room service.
func applyOffer(pc *webrtc.PeerConnection, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return pc.LocalDescription(), nil
}

type connectionStateError struct {
	state webrtc.PeerConnectionState
}

func (e *connectionStateError) Error() string { return "peer connection " + e.state.String() }
