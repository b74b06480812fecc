// Package coretest provides in-memory implementations of the core SDK
// boundary for tests.
package coretest

import (
	"context"
	"slices"
	"sync"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
)

// AudioTrack is a controllable remote audio track.
type AudioTrack struct {
	TrackID string

	mu      sync.Mutex
	sinks   []core.AudioSink
	volumes []float64

	AddErr     error
	RemoveErr  error
	VolumeErr  error
	PanicOnAdd bool
}

func NewAudioTrack(id string) *AudioTrack { return &AudioTrack{TrackID: id} }

func (t *AudioTrack) ID() string              { return t.TrackID }
func (t *AudioTrack) Kind() domain.StreamKind { return domain.KindAudio }

func (t *AudioTrack) AddSink(s core.AudioSink) error {
	if t.PanicOnAdd {
		panic("native sink registration crashed")
	}
	if t.AddErr != nil {
		return t.AddErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, s)
	return nil
}

func (t *AudioTrack) RemoveSink(s core.AudioSink) error {
	t.mu.Lock()
	t.sinks = slices.DeleteFunc(t.sinks, func(x core.AudioSink) bool { return x == s })
	t.mu.Unlock()
	return t.RemoveErr
}

func (t *AudioTrack) SetVolume(v float64) error {
	if t.VolumeErr != nil {
		return t.VolumeErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.volumes = append(t.volumes, v)
	return nil
}

// Push delivers buf to every registered sink, as a media goroutine would.
func (t *AudioTrack) Push(buf core.AudioBuffer) {
	t.mu.Lock()
	sinks := slices.Clone(t.sinks)
	t.mu.Unlock()
	for _, s := range sinks {
		s.OnAudio(buf)
	}
}

func (t *AudioTrack) SinkCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sinks)
}

// Volumes returns every volume ever set, oldest first.
func (t *AudioTrack) Volumes() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.volumes)
}

// Track is a non-audio remote track.
type Track struct {
	TrackID   string
	TrackKind domain.StreamKind
}

func (t Track) ID() string              { return t.TrackID }
func (t Track) Kind() domain.StreamKind { return t.TrackKind }

// Session records every call made by the bridge.
type Session struct {
	Identity string

	PublishErr  error
	MetadataErr error
	CloseErr    error
	// CloseBlock, when set, makes Close wait for it or ctx.
	CloseBlock chan struct{}

	mu        sync.Mutex
	events    chan core.Event
	closed    bool
	mic       []bool
	packets   []domain.DataPacket
	metadata  []string
	publishes []bool
}

func NewSession(identity string) *Session {
	return &Session{Identity: identity, events: make(chan core.Event, 64)}
}

func (s *Session) LocalIdentity() string     { return s.Identity }
func (s *Session) Events() <-chan core.Event { return s.events }

// Emit pushes ev on the event stream; it is dropped once the session closed.
func (s *Session) Emit(ev core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

func (s *Session) SetMicrophoneEnabled(_ context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mic = append(s.mic, enabled)
	return nil
}

func (s *Session) PublishAudio(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishes = append(s.publishes, true)
	return s.PublishErr
}

func (s *Session) UnpublishAudio(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishes = append(s.publishes, false)
	return nil
}

func (s *Session) PublishData(_ context.Context, pkt domain.DataPacket) error {
	if s.PublishErr != nil {
		return s.PublishErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, pkt)
	return nil
}

func (s *Session) SetMetadata(_ context.Context, metadata string) error {
	if s.MetadataErr != nil {
		return s.MetadataErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata = append(s.metadata, metadata)
	return nil
}

func (s *Session) Close(ctx context.Context) error {
	if s.CloseBlock != nil {
		select {
		case <-s.CloseBlock:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return s.CloseErr
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// MicStates returns every microphone state applied, oldest first.
func (s *Session) MicStates() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.mic)
}

// MicEnabled reports the last applied microphone state.
func (s *Session) MicEnabled() (enabled, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.mic) == 0 {
		return false, false
	}
	return s.mic[len(s.mic)-1], true
}

func (s *Session) Packets() []domain.DataPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.packets)
}

func (s *Session) MetadataUpdates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.metadata)
}

func (s *Session) Publishes() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.publishes)
}

// Connector hands out a prepared Session.
type Connector struct {
	Session *Session
	Err     error
	// Gate, when set, makes Connect wait for it.
	Gate chan struct{}
	// IgnoreCancel keeps waiting on Gate after ctx is done.
	IgnoreCancel bool

	mu    sync.Mutex
	calls int
	url   string
	token string
}

func (c *Connector) Connect(ctx context.Context, url, token string) (core.Session, error) {
	c.mu.Lock()
	c.calls++
	c.url, c.token = url, token
	c.mu.Unlock()

	if c.Gate != nil {
		if c.IgnoreCancel {
			<-c.Gate
		} else {
			select {
			case <-c.Gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if c.Err != nil {
		return nil, c.Err
	}
	return c.Session, nil
}

func (c *Connector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *Connector) Target() (url, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url, c.token
}
