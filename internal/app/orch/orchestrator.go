// Package orch drives one realtime session on behalf of the host: the
// connection state machine, the event dispatcher and every host command.
package orch

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/voicebridge/internal/app"
	"github.com/dkeye/voicebridge/internal/app/host"
	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
)

var (
	ErrNotIdle      = errors.New("connect rejected: session not idle")
	ErrNotConnected = errors.New("not connected")
	ErrBridgeClosed = errors.New("bridge closed")
)

const (
	StateIdle          = "idle"
	StateConnecting    = "connecting"
	StateConnected     = "connected"
	StateDisconnecting = "disconnecting"
)

const (
	evConnect     = "connect"
	evEstablished = "established"
	evFail        = "fail"
	evDisconnect  = "disconnect"
	evClosed      = "closed"
	evLost        = "lost"
)

const (
	DefaultConnectTimeout  = 15 * time.Second
	DefaultShutdownTimeout = 500 * time.Millisecond
)

type Config struct {
	Connector core.Connector
	Signals   core.SignalSink
	Host      *host.Loop
	Metrics   *app.Metrics

	SpatialAudio    bool
	ConnectTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Bridge owns the single active session. All exported methods are safe for
// concurrent use and never block on the network.
type Bridge struct {
	connector core.Connector
	signals   core.SignalSink
	host      *host.Loop
	metrics   *app.Metrics
	sinks     *app.SinkRegistry
	policy    *app.MutePolicy

	connectTimeout  time.Duration
	shutdownTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	wg        conc.WaitGroup
	silenced  atomic.Bool
	paused    atomic.Bool
	closeOnce sync.Once
	micMu     sync.Mutex

	// dispatchMu serializes event side effects with teardown of the sinks.
	dispatchMu sync.Mutex

	mu            sync.Mutex
	state         *fsm.FSM
	closed        bool
	attempt       uint64
	attemptCancel context.CancelFunc
	session       core.Session
	roster        map[string]*rosterEntry
}

type rosterEntry struct {
	peer  *domain.Peer
	audio map[string]core.AudioTrack
	// volume is reapplied to tracks subscribed later, outside spatial mode.
	volume float64
}

func New(cfg Config) *Bridge {
	if cfg.Host == nil {
		cfg.Host = host.NewLoop(host.DefaultQueueSize)
	}
	if cfg.Signals == nil {
		cfg.Signals = core.SignalFunc(func(core.Signal) {})
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		connector:       cfg.Connector,
		signals:         cfg.Signals,
		host:            cfg.Host,
		metrics:         cfg.Metrics,
		policy:          app.NewMutePolicy(),
		connectTimeout:  cfg.ConnectTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
		ctx:             ctx,
		cancel:          cancel,
	}
	b.sinks = app.NewSinkRegistry(app.SinkRegistryConfig{
		Poster:         cfg.Host,
		OnFrame:        b.deliverFrame,
		OnDegraded:     b.onDegraded,
		PlaybackVolume: b.peerVolume,
		Metrics:        cfg.Metrics,
		SpatialAudio:   cfg.SpatialAudio,
	})
	b.initStateMachine()
	return b
}

func (b *Bridge) initStateMachine() {
	b.state = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: evConnect, Src: []string{StateIdle}, Dst: StateConnecting},
			{Name: evEstablished, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: evFail, Src: []string{StateConnecting}, Dst: StateIdle},
			{Name: evDisconnect, Src: []string{StateConnecting, StateConnected}, Dst: StateDisconnecting},
			{Name: evClosed, Src: []string{StateDisconnecting}, Dst: StateIdle},
			{Name: evLost, Src: []string{StateConnected}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				b.metrics.Transition(e.Src, e.Dst)
				log.Info().Str("module", "orch").Str("event", e.Event).Str("from", e.Src).Str("to", e.Dst).Msg("session state")
			},
		},
	)
}

// transition must be called with b.mu held.
func (b *Bridge) transition(event string) error {
	return b.state.Event(context.Background(), event)
}

// State returns the current connection state name.
func (b *Bridge) State() string { return b.state.Current() }

func (b *Bridge) IsConnected() bool { return b.state.Is(StateConnected) }

// SpatialAudioEnabled reports whether remote audio is rendered by the host.
func (b *Bridge) SpatialAudioEnabled() bool { return b.sinks.SpatialEnabled() }

// Sinks exposes the registry for inspection.
func (b *Bridge) Sinks() *app.SinkRegistry { return b.sinks }

func (b *Bridge) Muted() bool { return b.policy.Muted() }

func (b *Bridge) LocalIdentity() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return ""
	}
	return b.session.LocalIdentity()
}

// KnownPeerIdentities returns the remote peers as a sorted comma joined list.
func (b *Bridge) KnownPeerIdentities() string {
	b.mu.Lock()
	ids := make([]string, 0, len(b.roster))
	for id := range b.roster {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	slices.Sort(ids)
	return strings.Join(ids, ",")
}

// Peers returns a snapshot of the roster.
func (b *Bridge) Peers() []domain.Peer {
	b.mu.Lock()
	out := make([]domain.Peer, 0, len(b.roster))
	for _, e := range b.roster {
		out = append(out, *e.peer)
	}
	b.mu.Unlock()
	slices.SortFunc(out, func(a, c domain.Peer) int { return strings.Compare(a.Identity, c.Identity) })
	return out
}

// connectedSession returns the live session, or nil.
func (b *Bridge) connectedSession() core.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.Is(StateConnected) {
		return nil
	}
	return b.session
}

func (b *Bridge) isCurrent(sess core.Session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session == sess && !b.closed
}

// spawn runs fn as bridge scoped background work. Nothing starts once the
// bridge is closed.
func (b *Bridge) spawn(fn func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.goLocked(fn)
	return true
}

// goLocked must be called with b.mu held and the bridge open.
func (b *Bridge) goLocked(fn func()) {
	b.wg.Go(func() {
		var pc panics.Catcher
		pc.Try(fn)
		if rec := pc.Recovered(); rec != nil {
			log.Error().Str("module", "orch").Err(rec.AsError()).Msg("background task panicked")
		}
	})
}

// emit queues sig for the host loop. It may block while the host is busy.
func (b *Bridge) emit(sig core.Signal) {
	if b.silenced.Load() {
		return
	}
	b.metrics.Signal(string(sig.Name))
	err := b.host.Post(b.ctx, func() {
		if b.silenced.Load() {
			return
		}
		b.signals.Emit(sig)
	})
	if err != nil {
		log.Debug().Err(err).Str("module", "orch").Str("signal", string(sig.Name)).Msg("signal dropped")
	}
}

func (b *Bridge) emitError(err error) {
	b.emit(core.NewSignal(core.SignalError, err.Error()))
}

// deliverFrame runs on the host loop.
func (b *Bridge) deliverFrame(identity string, frame []float32) {
	if b.silenced.Load() {
		return
	}
	b.signals.Emit(core.NewSignal(core.SignalAudioFrame, identity, frame))
}

// peerVolume is the remembered direct playback volume for identity.
func (b *Bridge) peerVolume(identity string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.roster[identity]; ok {
		return entry.volume
	}
	return app.UnityVolume
}

func (b *Bridge) onDegraded(err error) {
	b.emit(core.NewSignal(core.SignalSpatialAudioDegraded, err.Error()))
}
