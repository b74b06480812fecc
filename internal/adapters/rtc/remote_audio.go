package rtc

import (
	"bytes"
	"errors"
	"math"
	"slices"
	"sync"

	"github.com/pion/opus"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/app"
	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/dkeye/voicebridge/internal/media"
)

var (
	ErrNilSink     = errors.New("nil sink")
	ErrVolumeRange = errors.New("volume out of range")
)

// maxDecoded fits 120ms of 48kHz stereo S16.
const maxDecoded = 5760 * 2 * 2

type packetReader func() (*rtp.Packet, error)

type pcmDecoder interface {
	Decode(in, out []byte) (opus.Bandwidth, bool, error)
}

// RemoteAudio is a subscribed remote audio track. A reader goroutine decodes
// its Opus payloads to S16LE and fans them out to the registered sinks.
type RemoteAudio struct {
	id       string
	identity string
	read     packetReader
	dec      pcmDecoder
	playback core.AudioSink

	mu      sync.RWMutex
	sinks   []core.AudioSink
	volume  float64
	lastSeq uint16
	started bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newRemoteAudio(id, identity string, read packetReader, dec pcmDecoder, playback core.AudioSink) *RemoteAudio {
	return &RemoteAudio{
		id:       id,
		identity: identity,
		read:     read,
		dec:      dec,
		playback: playback,
		volume:   app.UnityVolume,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (a *RemoteAudio) ID() string              { return a.id }
func (a *RemoteAudio) Kind() domain.StreamKind { return domain.KindAudio }
func (a *RemoteAudio) Identity() string        { return a.identity }

func (a *RemoteAudio) AddSink(s core.AudioSink) error {
	if s == nil {
		return ErrNilSink
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !slices.Contains(a.sinks, s) {
		a.sinks = append(a.sinks, s)
	}
	return nil
}

func (a *RemoteAudio) RemoveSink(s core.AudioSink) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinks = slices.DeleteFunc(a.sinks, func(x core.AudioSink) bool { return x == s })
	return nil
}

// SetVolume scales the direct playback path.
func (a *RemoteAudio) SetVolume(v float64) error {
	if math.IsNaN(v) || v < app.MinPeerVolume || v > app.MaxPeerVolume {
		return ErrVolumeRange
	}
	a.mu.Lock()
	a.volume = v
	a.mu.Unlock()
	return nil
}

func (a *RemoteAudio) Volume() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.volume
}

// Done is closed when the reader has stopped.
func (a *RemoteAudio) Done() <-chan struct{} { return a.done }

func (a *RemoteAudio) close() {
	a.stopOnce.Do(func() { close(a.stop) })
}

func (a *RemoteAudio) run() {
	defer close(a.done)
	logger := log.With().Str("module", "webrtc").Str("identity", a.identity).Str("track_id", a.id).Logger()
	out := make([]byte, maxDecoded)
	for {
		select {
		case <-a.stop:
			return
		default:
		}
		pkt, err := a.read()
		if err != nil {
			logger.Debug().Err(err).Msg("remote audio ended")
			return
		}
		if pkt == nil || len(pkt.Payload) == 0 {
			continue
		}
		a.trackSequence(pkt.Header, logger)

		bw, stereo, err := a.dec.Decode(pkt.Payload, out)
		if err != nil {
			logger.Debug().Err(err).Uint16("seq", pkt.SequenceNumber).Msg("opus decode failed")
			continue
		}
		channels := 1
		if stereo {
			channels = 2
		}
		rate := bw.SampleRate()
		frames := min(opusPacketSamples(pkt.Payload, rate), len(out)/(channels*2))
		if frames <= 0 {
			continue
		}
		a.deliver(core.AudioBuffer{
			Data:          out[:frames*channels*2],
			BitsPerSample: 16,
			SampleRate:    rate,
			Channels:      channels,
			Frames:        frames,
		})
	}
}

func (a *RemoteAudio) trackSequence(h rtp.Header, logger zerolog.Logger) {
	a.mu.Lock()
	gap := a.started && h.SequenceNumber != a.lastSeq+1
	prev := a.lastSeq
	a.lastSeq, a.started = h.SequenceNumber, true
	a.mu.Unlock()
	if gap {
		logger.Debug().Uint16("expected", prev+1).Uint16("got", h.SequenceNumber).Msg("rtp sequence gap")
	}
}

func (a *RemoteAudio) deliver(buf core.AudioBuffer) {
	a.mu.RLock()
	sinks := slices.Clone(a.sinks)
	volume := a.volume
	a.mu.RUnlock()

	for _, s := range sinks {
		s.OnAudio(buf)
	}
	if a.playback == nil || volume == 0 {
		return
	}
	scaled := buf
	scaled.Data = bytes.Clone(buf.Data)
	media.ScaleS16(scaled.Data, volume)
	a.playback.OnAudio(scaled)
}

// opusPacketSamples returns the per channel sample count of an Opus packet
// at rate, read from its TOC byte.
func opusPacketSamples(pkt []byte, rate int) int {
	if len(pkt) == 0 || rate <= 0 {
		return 0
	}
	toc := pkt[0]
	config := int(toc >> 3)

	// frame duration in units of 2.5ms
	var units int
	switch {
	case config < 12:
		units = []int{4, 8, 16, 24}[config%4]
	case config < 16:
		units = []int{4, 8}[config%2]
	default:
		units = []int{1, 2, 4, 8}[config%4]
	}

	var count int
	switch toc & 0x3 {
	case 0:
		count = 1
	case 1, 2:
		count = 2
	default:
		if len(pkt) < 2 {
			return 0
		}
		count = int(pkt[1] & 0x3f)
	}
	return rate * units * count / 400
}

// remoteTrack is a subscribed track the bridge only reports.
type remoteTrack struct {
	id   string
	kind domain.StreamKind
}

func (t remoteTrack) ID() string              { return t.id }
func (t remoteTrack) Kind() domain.StreamKind { return t.kind }
