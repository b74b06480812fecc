// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxMetadataLen = 16 * 1024

var (
	ErrIdentityEmpty    = errors.New("identity empty")
	ErrMetadataTooLarge = errors.New("metadata too large")
)

// Peer is a remote participant of the active session.
// It is known only while the session lives.
type Peer struct {
	Identity string `json:"identity"`
	Metadata string `json:"metadata,omitempty"`
}

// NewPeer avoids raw literals in adapters and keeps construction obvious.
func NewPeer(identity, metadata string) (*Peer, error) {
	if identity == "" {
		return nil, ErrIdentityEmpty
	}
	if len(metadata) > MaxMetadataLen {
		return nil, ErrMetadataTooLarge
	}
	return &Peer{Identity: identity, Metadata: metadata}, nil
}

func (p *Peer) SetMetadata(metadata string) error {
	if len(metadata) > MaxMetadataLen {
		return ErrMetadataTooLarge
	}
	p.Metadata = metadata
	return nil
}
