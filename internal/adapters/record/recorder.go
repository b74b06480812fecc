// Package record writes each remote peer's audio_frame stream to a WAV file.
package record

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/cespare/xxhash/v2"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/media"
)

const (
	bitDepth    = 16
	numChannels = 2
	// wavFormatPCM is the WAVE_FORMAT_PCM tag.
	wavFormatPCM = 1
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

type take struct {
	file *os.File
	enc  *wav.Encoder
	buf  *goaudio.IntBuffer
}

// Recorder is a core.SignalSink. A peer's file is finalized when they leave,
// when the room disconnects or on Close.
type Recorder struct {
	dir        string
	sampleRate int

	mu     sync.Mutex
	takes  map[string]*take
	closed bool
}

func NewRecorder(dir string, sampleRate int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("record dir: %w", err)
	}
	return &Recorder{dir: dir, sampleRate: sampleRate, takes: make(map[string]*take)}, nil
}

// FileName is the recording path for identity.
func (r *Recorder) FileName(identity string) string {
	safe := unsafeName.ReplaceAllString(identity, "_")
	return filepath.Join(r.dir, fmt.Sprintf("%s-%08x.wav", safe, uint32(xxhash.Sum64String(identity))))
}

func (r *Recorder) Emit(sig core.Signal) {
	switch sig.Name {
	case core.SignalAudioFrame:
		if len(sig.Args) < 2 {
			return
		}
		frame, ok := sig.Args[1].([]float32)
		if !ok {
			return
		}
		r.write(sig.StringArg(0), frame)
	case core.SignalParticipantLeft:
		r.finish(sig.StringArg(0))
	case core.SignalRoomDisconnected:
		r.finishAll()
	}
}

func (r *Recorder) write(identity string, frame []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || identity == "" {
		return
	}
	t, ok := r.takes[identity]
	if !ok {
		var err error
		if t, err = r.open(identity); err != nil {
			log.Error().Err(err).Str("module", "record").Str("identity", identity).Msg("open recording")
			return
		}
		r.takes[identity] = t
	}
	t.buf.Data = media.FromStereoFloat(frame)
	if err := t.enc.Write(t.buf); err != nil {
		log.Warn().Err(err).Str("module", "record").Str("identity", identity).Msg("write frame")
	}
}

func (r *Recorder) open(identity string) (*take, error) {
	name := r.FileName(identity)
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "record").Str("identity", identity).Str("file", name).Msg("recording started")
	return &take{
		file: f,
		enc:  wav.NewEncoder(f, r.sampleRate, bitDepth, numChannels, wavFormatPCM),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: numChannels, SampleRate: r.sampleRate},
			SourceBitDepth: bitDepth,
		},
	}, nil
}

func (r *Recorder) finish(identity string) {
	r.mu.Lock()
	t, ok := r.takes[identity]
	delete(r.takes, identity)
	r.mu.Unlock()
	if ok {
		t.close(identity)
	}
}

func (r *Recorder) finishAll() {
	r.mu.Lock()
	takes := r.takes
	r.takes = make(map[string]*take)
	r.mu.Unlock()
	for identity, t := range takes {
		t.close(identity)
	}
}

func (t *take) close(identity string) {
	if err := t.enc.Close(); err != nil {
		log.Warn().Err(err).Str("module", "record").Str("identity", identity).Msg("finalize recording")
	}
	if err := t.file.Close(); err != nil {
		log.Warn().Err(err).Str("module", "record").Str("identity", identity).Msg("close recording")
	}
	log.Info().Str("module", "record").Str("identity", identity).Msg("recording finished")
}

// Close finalizes every open recording. Later frames are ignored.
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.finishAll()
}
