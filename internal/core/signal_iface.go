package core

// SignalName is a host facing event name.
type SignalName string

const (
	SignalRoomConnected        SignalName = "room_connected"
	SignalRoomDisconnected     SignalName = "room_disconnected"
	SignalError                SignalName = "error_occurred"
	SignalParticipantJoined    SignalName = "participant_joined"
	SignalParticipantLeft      SignalName = "participant_left"
	SignalMetadataChanged      SignalName = "participant_metadata_changed"
	SignalDataReceived         SignalName = "data_received"
	SignalAudioFrame           SignalName = "audio_frame"
	SignalTrackSubscribed      SignalName = "track_subscribed"
	SignalTrackUnsubscribed    SignalName = "track_unsubscribed"
	SignalSpatialAudioDegraded SignalName = "spatial_audio_degraded"
	SignalAudioPublished       SignalName = "audio_track_published"
	SignalAudioUnpublished     SignalName = "audio_track_unpublished"
)

// Signal is a named event with a fixed positional payload.
type Signal struct {
	Name SignalName
	Args []any
}

// SignalSink is implemented by the host. Emit is always called on the host loop.
type SignalSink interface {
	Emit(sig Signal)
}

// SignalFunc adapts a plain function to SignalSink.
type SignalFunc func(Signal)

func (f SignalFunc) Emit(sig Signal) { f(sig) }

func NewSignal(name SignalName, args ...any) Signal {
	return Signal{Name: name, Args: args}
}

// StringArg returns positional argument i as a string, or "".
func (s Signal) StringArg(i int) string {
	if i >= len(s.Args) {
		return ""
	}
	v, _ := s.Args[i].(string)
	return v
}

// SignalSinks fans a signal out to every sink in order.
type SignalSinks []SignalSink

func (s SignalSinks) Emit(sig Signal) {
	for _, sink := range s {
		sink.Emit(sig)
	}
}
