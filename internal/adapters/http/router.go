package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicebridge/internal/app/orch"
	"github.com/dkeye/voicebridge/internal/config"
)

const requestIDHeader = "X-Request-ID"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RequestIDMiddleware tags each request with an id, reusing the caller's when given.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// SetupRouter exposes the bridge control surface. gatherer may be nil to
// skip /metrics.
func SetupRouter(ctx context.Context, cfg *config.Config, bridge *orch.Bridge, hub *SignalHub, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	h := &handlers{bridge: bridge, hub: hub, roomURL: cfg.RoomURL, token: cfg.Token}
	limiter := NewRateLimiter(cfg.ConnectRateLimit, cfg.ConnectRateWindow)

	api := r.Group("/api")
	api.GET("/status", h.status)
	api.POST("/connect", limiter.Middleware(), h.connect)
	api.POST("/disconnect", h.disconnect)
	api.POST("/audio", h.audio)
	api.POST("/publish", h.publish)
	api.POST("/peers/:identity/volume", h.peerVolume)
	api.POST("/peers/:identity/mute", h.peerMute)
	api.POST("/metadata", h.metadata)
	api.POST("/data", h.data)
	api.POST("/lifecycle/:phase", h.lifecycle)

	api.GET("/ws/signals", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
			return
		}
		log.Info().Str("module", "adapters.http").Str("request_id", c.GetString("request_id")).Msg("ws signals endpoint hit")
		hub.Serve(ctx, conn)
	})

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	log.Info().Str("module", "adapters.http").Int("connect_rate_limit", cfg.ConnectRateLimit).Msg("router setup")
	return r
}
