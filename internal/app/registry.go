package app

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/media"
)

var ErrSinkAttach = errors.New("sink attach failed")

// Poster hands work to the host context without blocking.
type Poster interface {
	TryPost(fn func()) error
}

// FrameHandler receives converted stereo frames on the host context.
type FrameHandler func(identity string, frame []float32)

type SinkRegistryConfig struct {
	Poster  Poster
	OnFrame FrameHandler
	// OnDegraded is called once, when spatial audio gets disabled.
	OnDegraded func(err error)
	// PlaybackVolume is the direct playback volume a track returns to when
	// spatial audio gets disabled under it. Nil means unity.
	PlaybackVolume func(identity string) float64
	Metrics        *Metrics
	SpatialAudio   bool
}

// SinkRegistry owns every audio sink binding, keyed by stream id.
// There is at most one binding per stream id.
type SinkRegistry struct {
	poster     Poster
	onFrame    FrameHandler
	onDegraded func(err error)
	volumeOf   func(identity string) float64
	metrics    *Metrics

	spatial atomic.Bool

	mu       sync.Mutex
	bindings map[string]*binding
	closed   bool
}

// binding taps one remote audio track. It is the core.AudioSink registered
// on the track, so its pointer identity is what RemoveSink matches on.
type binding struct {
	streamID string
	identity string
	track    core.AudioTrack
	reg      *SinkRegistry

	mu   sync.RWMutex
	live bool
}

type BindingInfo struct {
	StreamID string `json:"stream_id"`
	Identity string `json:"identity"`
}

func NewSinkRegistry(cfg SinkRegistryConfig) *SinkRegistry {
	r := &SinkRegistry{
		poster:     cfg.Poster,
		onFrame:    cfg.OnFrame,
		onDegraded: cfg.OnDegraded,
		volumeOf:   cfg.PlaybackVolume,
		metrics:    cfg.Metrics,
		bindings:   make(map[string]*binding),
	}
	r.spatial.Store(cfg.SpatialAudio)
	return r
}

// SpatialEnabled reports whether frames are forwarded to the host.
func (r *SinkRegistry) SpatialEnabled() bool { return r.spatial.Load() }

// StreamID returns the id a track is bound under. Tracks without an id get
// identity + "_" + a hash of the track handle.
func StreamID(identity, streamID string, track core.AudioTrack) string {
	if streamID != "" {
		return streamID
	}
	h := xxhash.Sum64String(fmt.Sprintf("%p", track))
	return identity + "_" + strconv.FormatUint(h, 16)
}

// Attach binds a sink to track and silences the track's direct playback.
// It is a no-op while spatial audio is disabled. A failure from the SDK
// disables spatial audio for good.
func (r *SinkRegistry) Attach(identity, streamID string, track core.AudioTrack) (string, error) {
	if !r.spatial.Load() || track == nil {
		return "", nil
	}
	id := StreamID(identity, streamID, track)
	logger := log.With().Str("module", "app.sinks").Str("identity", identity).Str("stream_id", id).Logger()

	r.Detach(id)

	b := &binding{streamID: id, identity: identity, track: track, reg: r}
	err := safeCall(func() error {
		if err := track.AddSink(b); err != nil {
			return err
		}
		return track.SetVolume(0)
	})
	if err != nil {
		_ = safeCall(func() error { return track.RemoveSink(b) })
		logger.Error().Err(err).Msg("attach sink failed, disabling spatial audio")
		err = fmt.Errorf("%w: %s: %v", ErrSinkAttach, id, err)
		r.degrade(err)
		return id, err
	}

	b.mu.Lock()
	b.live = true
	b.mu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.release(b)
		return "", nil
	}
	prev := r.bindings[id]
	r.bindings[id] = b
	n := len(r.bindings)
	r.mu.Unlock()

	if prev != nil {
		r.release(prev)
	}
	r.metrics.bindings(n)
	logger.Info().Msg("sink attached")
	return id, nil
}

// Detach removes the binding for streamID. Unknown ids are ignored.
func (r *SinkRegistry) Detach(streamID string) {
	if streamID == "" {
		return
	}
	r.mu.Lock()
	b, ok := r.bindings[streamID]
	delete(r.bindings, streamID)
	n := len(r.bindings)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.release(b)
	r.metrics.bindings(n)
}

// DetachAllForPeer removes every binding owned by identity.
func (r *SinkRegistry) DetachAllForPeer(identity string) {
	if identity == "" {
		return
	}
	r.mu.Lock()
	var gone []*binding
	for id, b := range r.bindings {
		if b.identity == identity {
			gone = append(gone, b)
			delete(r.bindings, id)
		}
	}
	n := len(r.bindings)
	r.mu.Unlock()

	for _, b := range gone {
		r.release(b)
	}
	r.metrics.bindings(n)
}

// DetachAll removes every binding.
func (r *SinkRegistry) DetachAll() {
	r.mu.Lock()
	gone := r.bindings
	r.bindings = make(map[string]*binding)
	r.mu.Unlock()

	for _, b := range gone {
		r.release(b)
	}
	r.metrics.bindings(0)
}

// Close detaches everything and refuses later attaches.
func (r *SinkRegistry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.DetachAll()
}

func (r *SinkRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}

// Bindings lists the live bindings ordered by stream id.
func (r *SinkRegistry) Bindings() []BindingInfo {
	r.mu.Lock()
	out := make([]BindingInfo, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, BindingInfo{StreamID: b.streamID, Identity: b.identity})
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b BindingInfo) int { return strings.Compare(a.StreamID, b.StreamID) })
	return out
}

// release marks b dead before unregistering it; frames already queued for
// the host see the flag and are dropped.
func (r *SinkRegistry) release(b *binding) {
	b.mu.Lock()
	b.live = false
	b.mu.Unlock()

	if err := safeCall(func() error { return b.track.RemoveSink(b) }); err != nil {
		log.Warn().Err(err).Str("module", "app.sinks").Str("stream_id", b.streamID).Msg("remove sink failed, binding dropped anyway")
		return
	}
	log.Debug().Str("module", "app.sinks").Str("stream_id", b.streamID).Msg("sink detached")
}

func (r *SinkRegistry) degrade(err error) {
	if !r.spatial.CompareAndSwap(true, false) {
		return
	}
	r.metrics.degraded()
	log.Warn().Err(err).Str("module", "app.sinks").Msg("spatial audio disabled for the rest of the session")

	r.mu.Lock()
	gone := r.bindings
	r.bindings = make(map[string]*binding)
	r.mu.Unlock()
	for _, b := range gone {
		r.release(b)
		r.restorePlayback(b)
	}
	r.metrics.bindings(0)

	if r.onDegraded != nil {
		r.onDegraded(err)
	}
}

// restorePlayback hands b's track back to the SDK mixer.
func (r *SinkRegistry) restorePlayback(b *binding) {
	v := UnityVolume
	if r.volumeOf != nil {
		v = r.volumeOf(b.identity)
	}
	if err := safeCall(func() error { return b.track.SetVolume(v) }); err != nil {
		log.Warn().Err(err).Str("module", "app.sinks").Str("stream_id", b.streamID).Msg("restore volume failed")
	}
}

// OnAudio runs on a media goroutine and must not block.
func (b *binding) OnAudio(buf core.AudioBuffer) {
	frame := media.ToStereoFloat(buf.Data, buf.BitsPerSample, buf.Channels, buf.Frames)
	if len(frame) == 0 {
		return
	}
	r := b.reg
	if !r.spatial.Load() {
		return
	}
	b.mu.RLock()
	live := b.live
	b.mu.RUnlock()
	if !live {
		r.metrics.frameDropped("stale")
		return
	}
	if r.poster == nil {
		return
	}
	if err := r.poster.TryPost(func() { b.deliver(frame) }); err != nil {
		r.metrics.frameDropped("backpressure")
	}
}

// deliver runs on the host context. Holding the read lock keeps a
// concurrent release from completing until the frame is handed over.
func (b *binding) deliver(frame []float32) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.live || !b.reg.spatial.Load() {
		b.reg.metrics.frameDropped("stale")
		return
	}
	if b.reg.onFrame != nil {
		b.reg.onFrame(b.identity, frame)
	}
	b.reg.metrics.frameDelivered()
}

// safeCall turns SDK panics into errors.
func safeCall(fn func() error) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = fn() })
	if rec := pc.Recovered(); rec != nil {
		return rec.AsError()
	}
	return err
}
