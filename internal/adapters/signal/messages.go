package signal

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Message types exchanged with the room service.
const (
	TypeJoin          = "join"
	TypeJoined        = "joined"
	TypeOffer         = "offer"
	TypeAnswer        = "answer"
	TypeCandidate     = "candidate"
	TypeMetadata      = "metadata"
	TypeMemberJoined  = "member_joined"
	TypeMemberLeft    = "member_left"
	TypeMemberUpdated = "member_updated"
	TypeTrackRemoved  = "track_removed"
	TypeError         = "error"
	TypePing          = "ping"
	TypePong          = "pong"
)

type Member struct {
	Identity string `json:"identity"`
	Metadata string `json:"metadata,omitempty"`
}

// Message is the single JSON envelope of the signaling protocol. Only the
// fields of its Type are set.
type Message struct {
	Type string `json:"type"`

	Identity string   `json:"identity,omitempty"`
	Metadata string   `json:"metadata,omitempty"`
	Members  []Member `json:"members,omitempty"`

	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        string  `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`

	TrackID string `json:"track_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func Join(metadata string) Message { return Message{Type: TypeJoin, Metadata: metadata} }

func Offer(sdp string) Message { return Message{Type: TypeOffer, SDP: sdp} }

func Answer(sdp string) Message { return Message{Type: TypeAnswer, SDP: sdp} }

func Metadata(metadata string) Message { return Message{Type: TypeMetadata, Metadata: metadata} }

func Ping() Message { return Message{Type: TypePing} }

func Candidate(ci webrtc.ICECandidateInit) Message {
	m := Message{Type: TypeCandidate, Candidate: ci.Candidate, SDPMLineIndex: ci.SDPMLineIndex}
	if ci.SDPMid != nil {
		m.SDPMid = *ci.SDPMid
	}
	return m
}

// ICECandidate converts a candidate message back into pion's form.
func (m Message) ICECandidate() webrtc.ICECandidateInit {
	ci := webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMLineIndex: m.SDPMLineIndex}
	if m.SDPMid != "" {
		mid := m.SDPMid
		ci.SDPMid = &mid
	}
	return ci
}

// Description returns the SDP carried by an offer or answer.
func (m Message) Description() (webrtc.SessionDescription, error) {
	switch m.Type {
	case TypeOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP}, nil
	case TypeAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}, nil
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("message %q carries no description", m.Type)
	}
}

func decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("message without type")
	}
	return m, nil
}
