package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/voicebridge/internal/app"
	"github.com/dkeye/voicebridge/internal/app/orch"
	"github.com/dkeye/voicebridge/internal/domain"
)

type ConnectRequest struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type AudioRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type VolumeRequest struct {
	Volume *float64 `json:"volume" binding:"required"`
}

type MuteRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

type MetadataRequest struct {
	Metadata string `json:"metadata"`
}

type DataRequest struct {
	// Data is base64 in JSON.
	Data        []byte `json:"data" binding:"required"`
	To          string `json:"to"`
	Topic       string `json:"topic"`
	Reliability string `json:"reliability"`
}

type StatusResponse struct {
	State        string            `json:"state"`
	Connected    bool              `json:"connected"`
	Identity     string            `json:"identity,omitempty"`
	Peers        []domain.Peer     `json:"peers"`
	Muted        bool              `json:"muted"`
	SpatialAudio bool              `json:"spatial_audio"`
	Bindings     []app.BindingInfo `json:"bindings"`
	Subscribers  int               `json:"subscribers"`
}

type handlers struct {
	bridge  *orch.Bridge
	hub     *SignalHub
	roomURL string
	token   string
}

func (h *handlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		State:        h.bridge.State(),
		Connected:    h.bridge.IsConnected(),
		Identity:     h.bridge.LocalIdentity(),
		Peers:        h.bridge.Peers(),
		Muted:        h.bridge.Muted(),
		SpatialAudio: h.bridge.SpatialAudioEnabled(),
		Bindings:     h.bridge.Sinks().Bindings(),
		Subscribers:  h.hub.Len(),
	})
}

func (h *handlers) connect(c *gin.Context) {
	var req ConnectRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid connect request"})
			return
		}
	}
	if req.URL == "" {
		req.URL = h.roomURL
	}
	if req.Token == "" {
		req.Token = h.token
	}
	if req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing room url"})
		return
	}
	if err := h.bridge.Connect(req.URL, req.Token); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": h.bridge.State()})
}

func (h *handlers) disconnect(c *gin.Context) {
	if err := h.bridge.Disconnect(); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": h.bridge.State()})
}

func (h *handlers) audio(c *gin.Context) {
	var req AudioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid enabled"})
		return
	}
	h.bridge.SetAudioEnabled(*req.Enabled)
	c.JSON(http.StatusOK, gin.H{"muted": h.bridge.Muted()})
}

func (h *handlers) publish(c *gin.Context) {
	var req AudioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid enabled"})
		return
	}
	var err error
	if *req.Enabled {
		err = h.bridge.PublishAudio()
	} else {
		err = h.bridge.UnpublishAudio()
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *handlers) peerVolume(c *gin.Context) {
	var req VolumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid volume"})
		return
	}
	h.bridge.SetPeerVolume(c.Param("identity"), *req.Volume)
	c.Status(http.StatusNoContent)
}

func (h *handlers) peerMute(c *gin.Context) {
	var req MuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid muted"})
		return
	}
	h.bridge.SetPeerMuted(c.Param("identity"), *req.Muted)
	c.Status(http.StatusNoContent)
}

func (h *handlers) metadata(c *gin.Context) {
	var req MetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid metadata request"})
		return
	}
	if err := h.bridge.SetMetadata(req.Metadata); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *handlers) data(c *gin.Context) {
	var req DataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid data request"})
		return
	}
	rel := domain.ParseReliability(req.Reliability)
	var err error
	if req.To == "" {
		err = h.bridge.Send(req.Data, req.Topic, rel)
	} else {
		err = h.bridge.SendTo(req.Data, req.To, req.Topic, rel)
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *handlers) lifecycle(c *gin.Context) {
	switch c.Param("phase") {
	case "pause":
		h.bridge.Pause()
	case "resume":
		h.bridge.Resume()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "phase must be pause or resume"})
		return
	}
	c.Status(http.StatusNoContent)
}

func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orch.ErrNotIdle), errors.Is(err, orch.ErrNotConnected):
		status = http.StatusConflict
	case errors.Is(err, orch.ErrBridgeClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrMetadataTooLarge):
		status = http.StatusRequestEntityTooLarge
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
