package domain

type StreamKind int

const (
	KindUnknown StreamKind = iota
	KindAudio
	KindVideo
	KindData
)

func (k StreamKind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// Reliability selects the data-channel delivery mode.
type Reliability int

const (
	// Reliable is ordered and retransmitted.
	Reliable Reliability = iota
	// Lossy is best effort, for latency sensitive payloads such as state snapshots.
	Lossy
)

func (r Reliability) String() string {
	if r == Lossy {
		return "lossy"
	}
	return "reliable"
}

// ParseReliability maps a transport label to Reliability; unknown labels are reliable.
func ParseReliability(s string) Reliability {
	switch s {
	case "lossy", "unreliable":
		return Lossy
	default:
		return Reliable
	}
}

// DataPacket is an outgoing data-channel message.
// Empty Destinations means broadcast.
type DataPacket struct {
	Payload      []byte
	Topic        string
	Reliability  Reliability
	Destinations []string
}
