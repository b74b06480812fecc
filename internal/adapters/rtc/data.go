package rtc

import (
	"encoding/json"
	"errors"
	"slices"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicebridge/internal/domain"
)

var ErrChannelNotOpen = errors.New("data channel not open")

const (
	reliableLabel = "reliable"
	lossyLabel    = "lossy"
)

func channelLabel(r domain.Reliability) string {
	if r == domain.Lossy {
		return lossyLabel
	}
	return reliableLabel
}

// channelInit maps a delivery mode to data channel parameters. Lossy is
// unordered without retransmits.
func channelInit(r domain.Reliability) *webrtc.DataChannelInit {
	if r == domain.Lossy {
		ordered := false
		retransmits := uint16(0)
		return &webrtc.DataChannelInit{Ordered: &ordered, MaxRetransmits: &retransmits}
	}
	ordered := true
	return &webrtc.DataChannelInit{Ordered: &ordered}
}

// envelope is the JSON frame carried on both data channels. Data is base64
// on the wire.
type envelope struct {
	ID    string   `json:"id"`
	From  string   `json:"from,omitempty"`
	To    []string `json:"to,omitempty"`
	Topic string   `json:"topic,omitempty"`
	Data  []byte   `json:"data"`
}

func newEnvelope(from string, pkt domain.DataPacket) envelope {
	return envelope{
		ID:    uuid.NewString(),
		From:  from,
		To:    pkt.Destinations,
		Topic: pkt.Topic,
		Data:  pkt.Payload,
	}
}

func decodeEnvelope(b []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return envelope{}, err
	}
	if env.ID == "" {
		return envelope{}, errors.New("envelope without id")
	}
	return env, nil
}

// addressedTo reports whether identity should see env.
func (env envelope) addressedTo(identity string) bool {
	if env.From != "" && env.From == identity {
		return false
	}
	return len(env.To) == 0 || slices.Contains(env.To, identity)
}
