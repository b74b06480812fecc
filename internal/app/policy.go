package app

import "sync/atomic"

// MicMoment is a point in the session lifecycle where the microphone state
// is re-applied.
type MicMoment int

const (
	MicOnConnect MicMoment = iota
	MicOnBackground
	MicOnForeground
	MicOnUserToggle
)

const (
	MinPeerVolume = 0.0
	MaxPeerVolume = 10.0
	UnityVolume   = 1.0
)

// MutePolicy is the single source of truth for the user's mute intent.
// The preference lives for the process and is never touched by lifecycle hooks.
type MutePolicy struct {
	muted atomic.Bool
}

func NewMutePolicy() *MutePolicy { return &MutePolicy{} }

func (p *MutePolicy) SetAudioEnabled(enabled bool) { p.muted.Store(!enabled) }

func (p *MutePolicy) Muted() bool { return p.muted.Load() }

// MicFor reports whether the local microphone should be enabled at m.
func (p *MutePolicy) MicFor(m MicMoment) bool {
	switch m {
	case MicOnBackground:
		return false
	case MicOnConnect, MicOnForeground, MicOnUserToggle:
		return !p.muted.Load()
	default:
		return false
	}
}

// PeerVolume decides what, if anything, reaches the SDK mixer for a peer.
// While spatial audio is on the host attenuates, so nothing is forwarded.
func (p *MutePolicy) PeerVolume(spatial bool, volume float64) (float64, bool) {
	if spatial {
		return 0, false
	}
	return min(max(volume, MinPeerVolume), MaxPeerVolume), true
}

// MutedVolume maps a per-peer mute flag onto a volume.
func MutedVolume(muted bool) float64 {
	if muted {
		return MinPeerVolume
	}
	return UnityVolume
}
