package core

import "github.com/dkeye/voicebridge/internal/domain"

// AudioBuffer is one block of raw PCM as handed out by the media layer.
// Data is only valid for the duration of the sink call.
type AudioBuffer struct {
	Data          []byte
	BitsPerSample int
	SampleRate    int
	Channels      int
	Frames        int
}

// AudioSink receives raw samples of a remote audio track.
// OnAudio is called from media goroutines and must not block.
type AudioSink interface {
	OnAudio(buf AudioBuffer)
}

// Track is a remote published stream.
type Track interface {
	// ID may be empty when the service did not assign one.
	ID() string
	Kind() domain.StreamKind
}

// AudioTrack is a remote audio stream that can be tapped.
type AudioTrack interface {
	Track
	AddSink(s AudioSink) error
	RemoveSink(s AudioSink) error
	// SetVolume sets direct playback volume, 0..10 with 1 as unity.
	SetVolume(volume float64) error
}
