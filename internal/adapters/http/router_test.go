package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicebridge/internal/app"
	"github.com/dkeye/voicebridge/internal/app/host"
	"github.com/dkeye/voicebridge/internal/app/orch"
	"github.com/dkeye/voicebridge/internal/config"
	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/core/coretest"
	"github.com/dkeye/voicebridge/internal/domain"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu   sync.Mutex
	sigs []core.Signal
}

func (r *recorder) Emit(sig core.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigs = append(r.sigs, sig)
}

func (r *recorder) count(name core.SignalName) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sigs {
		if s.Name == name {
			n++
		}
	}
	return n
}

type apiFixture struct {
	router *gin.Engine
	bridge *orch.Bridge
	hub    *SignalHub
	rec    *recorder
	conn   *coretest.Connector
	sess   *coretest.Session
}

func newAPIFixture(t *testing.T, cfg *config.Config) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	loop := host.NewLoop(64)
	go loop.Run(ctx)

	reg := prometheus.NewRegistry()
	sess := coretest.NewSession("me")
	f := &apiFixture{
		hub:  NewSignalHub(),
		rec:  &recorder{},
		conn: &coretest.Connector{Session: sess},
		sess: sess,
	}
	f.bridge = orch.New(orch.Config{
		Connector:       f.conn,
		Signals:         core.SignalSinks{f.hub, f.rec},
		Host:            loop,
		Metrics:         app.NewMetrics(reg),
		SpatialAudio:    cfg.SpatialAudio,
		ShutdownTimeout: 100 * time.Millisecond,
	})
	f.router = SetupRouter(ctx, cfg, f.bridge, f.hub, reg)
	t.Cleanup(func() {
		f.bridge.Close()
		f.hub.Close()
		cancel()
	})
	return f
}

func testConfig() *config.Config {
	return &config.Config{Mode: "test", RoomURL: "wss://rooms.example/voice", Token: "secret"}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) status(t *testing.T) StatusResponse {
	t.Helper()
	w := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	return st
}

func (f *apiFixture) connect(t *testing.T) {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/connect", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Eventually(t, f.bridge.IsConnected, waitFor, tick)
}

func TestStatusIdle(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	st := f.status(t)
	assert.Equal(t, orch.StateIdle, st.State)
	assert.False(t, st.Connected)
	assert.Empty(t, st.Peers)
}

func TestStatusListsBindings(t *testing.T) {
	cfg := testConfig()
	cfg.SpatialAudio = true
	f := newAPIFixture(t, cfg)
	f.connect(t)
	f.sess.Emit(core.ParticipantConnected{Identity: "alice"})
	f.sess.Emit(core.TrackSubscribed{Identity: "alice", Track: coretest.NewAudioTrack("TR_a")})
	require.Eventually(t, func() bool { return f.rec.count(core.SignalTrackSubscribed) == 1 }, waitFor, tick)

	st := f.status(t)
	assert.True(t, st.SpatialAudio)
	assert.Equal(t, []app.BindingInfo{{StreamID: "TR_a", Identity: "alice"}}, st.Bindings)
}

func TestConnectUsesConfiguredRoom(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	f.connect(t)

	url, token := f.conn.Target()
	assert.Equal(t, "wss://rooms.example/voice", url)
	assert.Equal(t, "secret", token)

	st := f.status(t)
	assert.True(t, st.Connected)
	assert.Equal(t, "me", st.Identity)
}

func TestConnectOverridesRoom(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	w := f.do(t, http.MethodPost, "/api/connect", ConnectRequest{URL: "wss://other.example", Token: "t2"})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, f.bridge.IsConnected, waitFor, tick)

	url, token := f.conn.Target()
	assert.Equal(t, "wss://other.example", url)
	assert.Equal(t, "t2", token)
}

func TestConnectWithoutRoom(t *testing.T) {
	f := newAPIFixture(t, &config.Config{Mode: "test"})
	w := f.do(t, http.MethodPost, "/api/connect", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, f.conn.Calls())
}

func TestConnectTwiceConflicts(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	f.connect(t)
	w := f.do(t, http.MethodPost, "/api/connect", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDisconnectWhileIdleConflicts(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	w := f.do(t, http.MethodPost, "/api/disconnect", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDisconnect(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	f.connect(t)
	w := f.do(t, http.MethodPost, "/api/disconnect", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool { return f.bridge.State() == orch.StateIdle }, waitFor, tick)
	assert.True(t, f.sess.Closed())
}

func TestConnectAfterCloseUnavailable(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	f.bridge.Close()
	w := f.do(t, http.MethodPost, "/api/connect", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestConnectRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectRateLimit = 1
	cfg.ConnectRateWindow = time.Minute
	f := newAPIFixture(t, cfg)

	f.connect(t)
	w := f.do(t, http.MethodPost, "/api/connect", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 1, f.conn.Calls())
}

func TestAudioToggle(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	f.connect(t)

	w := f.do(t, http.MethodPost, "/api/audio", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.status(t).Muted)
	require.Eventually(t, func() bool {
		enabled, ok := f.sess.MicEnabled()
		return ok && !enabled
	}, waitFor, tick)

	w = f.do(t, http.MethodPost, "/api/audio", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPublishRequiresConnection(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	w := f.do(t, http.MethodPost, "/api/publish", map[string]bool{"enabled": true})
	assert.Equal(t, http.StatusConflict, w.Code)

	f.connect(t)
	w = f.do(t, http.MethodPost, "/api/publish", map[string]bool{"enabled": true})
	require.Equal(t, http.StatusAccepted, w.Code)
	w = f.do(t, http.MethodPost, "/api/publish", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool { return len(f.sess.Publishes()) == 2 }, waitFor, tick)
}

func TestPeerVolume(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	f.connect(t)
	f.sess.Emit(core.ParticipantConnected{Identity: "alice"})
	require.Eventually(t, func() bool { return len(f.status(t).Peers) == 1 }, waitFor, tick)

	track := coretest.NewAudioTrack("mic")
	f.sess.Emit(core.TrackSubscribed{Identity: "alice", Track: track})
	require.Eventually(t, func() bool { return f.rec.count(core.SignalTrackSubscribed) == 1 }, waitFor, tick)
	assert.Zero(t, f.bridge.Sinks().Len(), "not tapped while spatial audio is off")

	w := f.do(t, http.MethodPost, "/api/peers/alice/volume", map[string]float64{"volume": 0.5})
	require.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodPost, "/api/peers/alice/mute", map[string]bool{"muted": true})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []float64{0.5, 0}, track.Volumes())

	w = f.do(t, http.MethodPost, "/api/peers/alice/volume", map[string]string{"volume": "loud"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetadataTooLarge(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	f.connect(t)
	w := f.do(t, http.MethodPost, "/api/metadata", MetadataRequest{Metadata: strings.Repeat("x", domain.MaxMetadataLen+1)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = f.do(t, http.MethodPost, "/api/metadata", MetadataRequest{Metadata: `{"seat":3}`})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool { return len(f.sess.MetadataUpdates()) == 1 }, waitFor, tick)
	assert.Equal(t, `{"seat":3}`, f.sess.MetadataUpdates()[0])
}

func TestSendData(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	f.connect(t)

	w := f.do(t, http.MethodPost, "/api/data", DataRequest{Data: []byte("hello"), Topic: "chat", Reliability: "lossy"})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool { return len(f.sess.Packets()) == 1 }, waitFor, tick)

	pkt := f.sess.Packets()[0]
	assert.Equal(t, []byte("hello"), pkt.Payload)
	assert.Equal(t, "chat", pkt.Topic)
	assert.Equal(t, domain.Lossy, pkt.Reliability)
	assert.Empty(t, pkt.Destinations)

	w = f.do(t, http.MethodPost, "/api/data", map[string]string{"topic": "chat"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLifecycle(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	f.connect(t)

	w := f.do(t, http.MethodPost, "/api/lifecycle/pause", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Eventually(t, func() bool {
		enabled, ok := f.sess.MicEnabled()
		return ok && !enabled
	}, waitFor, tick)

	w = f.do(t, http.MethodPost, "/api/lifecycle/resume", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Eventually(t, func() bool {
		enabled, _ := f.sess.MicEnabled()
		return enabled
	}, waitFor, tick)

	w = f.do(t, http.MethodPost, "/api/lifecycle/sleep", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestID(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	w := f.do(t, http.MethodGet, "/api/status", nil)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set(requestIDHeader, "abc")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(requestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	f.connect(t)
	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "voicebridge_")
}

func TestSignalStream(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signals"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return f.hub.Len() == 1 }, waitFor, tick)

	require.NoError(t, f.bridge.Connect("wss://rooms.example/voice", "secret"))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	var msg wireSignal
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, string(core.SignalRoomConnected), msg.Name)
	assert.Empty(t, msg.Args)
}
