package core

import (
	"context"

	"github.com/dkeye/voicebridge/internal/domain"
)

// Connector opens sessions against a realtime room service.
type Connector interface {
	// Connect blocks until the room is joined or ctx is done.
	Connect(ctx context.Context, url, token string) (Session, error)
}

// Session is one live room connection.
// It is owned by the bridge; nothing else may Close it.
type Session interface {
	LocalIdentity() string
	// Events is closed after the session has shut down.
	Events() <-chan Event

	SetMicrophoneEnabled(ctx context.Context, enabled bool) error
	PublishAudio(ctx context.Context) error
	UnpublishAudio(ctx context.Context) error
	PublishData(ctx context.Context, pkt domain.DataPacket) error
	SetMetadata(ctx context.Context, metadata string) error

	// Close should stop all underlying media resources.
	Close(ctx context.Context) error
}
