package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// roomServer answers join with joined and records what it received.
func roomServer(t *testing.T, got chan<- Message, tokens chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("access_token")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var m Message
			if err := ws.ReadJSON(&m); err != nil {
				return
			}
			got <- m
			switch m.Type {
			case TypeJoin:
				_ = ws.WriteJSON(Message{Type: TypeJoined, Identity: "me", Members: []Member{{Identity: "alice"}}})
			case TypePing:
				_ = ws.WriteJSON(Message{Type: TypePong})
				_ = ws.WriteJSON(Message{Type: TypeMemberLeft, Identity: "alice"})
			case "bye":
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func TestDialJoinRoundTrip(t *testing.T) {
	got := make(chan Message, 8)
	tokens := make(chan string, 1)
	srv := roomServer(t, got, tokens)

	c, err := Dial(context.Background(), wsURL(srv)+"/rtc?room=lobby", "tok 1", DialOptions{})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "tok 1", <-tokens)

	require.NoError(t, c.Send(Join(`{"name":"me"}`)))
	assert.Equal(t, Join(`{"name":"me"}`), <-got)

	select {
	case m := <-c.Incoming():
		assert.Equal(t, TypeJoined, m.Type)
		assert.Equal(t, "me", m.Identity)
		assert.Equal(t, []Member{{Identity: "alice"}}, m.Members)
	case <-time.After(time.Second):
		t.Fatal("no joined message")
	}
}

func TestPongIsSwallowed(t *testing.T) {
	got := make(chan Message, 8)
	tokens := make(chan string, 1)
	srv := roomServer(t, got, tokens)

	c, err := Dial(context.Background(), wsURL(srv), "", DialOptions{})
	require.NoError(t, err)
	defer c.Close()
	assert.Empty(t, <-tokens)

	require.NoError(t, c.Send(Ping()))
	select {
	case m := <-c.Incoming():
		assert.Equal(t, TypeMemberLeft, m.Type, "pong never surfaces")
	case <-time.After(time.Second):
		t.Fatal("no message after pong")
	}
}

func TestKeepalive(t *testing.T) {
	got := make(chan Message, 8)
	tokens := make(chan string, 1)
	srv := roomServer(t, got, tokens)

	c, err := Dial(context.Background(), wsURL(srv), "", DialOptions{PingInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	select {
	case m := <-got:
		assert.Equal(t, TypePing, m.Type)
	case <-time.After(time.Second):
		t.Fatal("no keepalive")
	}
}

func TestServerHangupClosesIncoming(t *testing.T) {
	got := make(chan Message, 8)
	tokens := make(chan string, 1)
	srv := roomServer(t, got, tokens)

	c, err := Dial(context.Background(), wsURL(srv), "", DialOptions{})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(Message{Type: "bye"}))
	select {
	case _, ok := <-c.Incoming():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("incoming not closed")
	}
	assert.Error(t, c.Err())
}

func TestSendAfterClose(t *testing.T) {
	got := make(chan Message, 8)
	tokens := make(chan string, 1)
	srv := roomServer(t, got, tokens)

	c, err := Dial(context.Background(), wsURL(srv), "", DialOptions{})
	require.NoError(t, err)
	c.Close()
	c.Close()

	assert.ErrorIs(t, c.Send(Ping()), ErrClosed)
	assert.NoError(t, c.Err(), "local close is not a failure")
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/rtc", "", DialOptions{})
	assert.Error(t, err)
	_, err = Dial(context.Background(), "://bad", "", DialOptions{})
	assert.Error(t, err)
}

func TestCandidateConversion(t *testing.T) {
	idx := uint16(1)
	mid := "audio"
	ci := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx}

	m := Candidate(ci)
	assert.Equal(t, TypeCandidate, m.Type)
	assert.Equal(t, "audio", m.SDPMid)
	assert.Equal(t, ci, m.ICECandidate())

	bare := Message{Type: TypeCandidate, Candidate: "c"}.ICECandidate()
	assert.Nil(t, bare.SDPMid)
	assert.Nil(t, bare.SDPMLineIndex)
}

func TestDescription(t *testing.T) {
	d, err := Offer("v=0").Description()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, d.Type)

	d, err = Answer("v=0").Description()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, d.Type)

	_, err = Ping().Description()
	assert.Error(t, err)
}

func TestDecodeRejectsUntyped(t *testing.T) {
	_, err := decode([]byte(`{"identity":"x"}`))
	assert.Error(t, err)
	_, err = decode([]byte(`not json`))
	assert.Error(t, err)

	m, err := decode([]byte(`{"type":"track_removed","identity":"alice","track_id":"TR_1"}`))
	require.NoError(t, err)
	assert.Equal(t, Message{Type: TypeTrackRemoved, Identity: "alice", TrackID: "TR_1"}, m)
}
