package core

// Event is a closed union of everything a Session reports.
// Only types declared in this file implement it.
type Event interface {
	isEvent()
}

type ParticipantConnected struct {
	Identity string
	Metadata string
}

type ParticipantDisconnected struct {
	Identity string
}

type ParticipantMetadataChanged struct {
	Identity string
	Metadata string
}

type TrackSubscribed struct {
	Identity string
	Track    Track
}

// TrackUnsubscribed carries the handle from the matching TrackSubscribed
// when the session still has it; tracks without an id are matched by it.
type TrackUnsubscribed struct {
	Identity string
	TrackID  string
	Track    Track
}

type DataReceived struct {
	// Identity is empty for server originated packets.
	Identity string
	Payload  []byte
	Topic    string
}

// SessionClosed reports that the session ended without a local Close.
type SessionClosed struct {
	Reason error
}

func (ParticipantConnected) isEvent()       {}
func (ParticipantDisconnected) isEvent()    {}
func (ParticipantMetadataChanged) isEvent() {}
func (TrackSubscribed) isEvent()            {}
func (TrackUnsubscribed) isEvent()          {}
func (DataReceived) isEvent()               {}
func (SessionClosed) isEvent()              {}
