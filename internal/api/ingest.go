package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"cluster-watchdog/internal/ingest"
	"cluster-watchdog/internal/metrics"
	"cluster-watchdog/internal/model"
	"cluster-watchdog/internal/stream"
)

type driveRequest struct {
	Name                string `json:"name" validate:"required,max=128"`
	TotalCapacityGB     int64  `json:"total_capacity_gb" validate:"gte=0"`
	AvailableCapacityGB int64  `json:"available_capacity_gb" validate:"gte=0,ltefield=TotalCapacityGB"`
}

type hardwareRequest struct {
	CapturedAtMs      float64        `json:"captured_at_ms" validate:"gte=0"`
	CPUPercent        float64        `json:"cpu_percent" validate:"gte=0"`
	TotalMemoryGB     int64          `json:"total_memory_gb" validate:"gte=0"`
	UsedMemoryMB      int64          `json:"used_memory_mb" validate:"gte=0"`
	PercentMemoryUsed float64        `json:"percent_memory_used" validate:"gte=0,lte=100"`
	Drives            []driveRequest `json:"drives" validate:"dive"`
}

type sampleRequest struct {
	NodeName  string                `json:"node_name" validate:"required,max=253"`
	Hardware  *hardwareRequest      `json:"hardware" validate:"required"`
	Processes []model.ProcessSample `json:"processes"`
	Units     int                   `json:"units" validate:"gte=0"`
}

func (h *handlers) postSample(c *gin.Context) {
	var req sampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Guard.Reject(metrics.ReasonDecode)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body", "details": err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.Guard.Reject(metrics.ReasonInvalid)
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": err.Error()})
		return
	}

	if err := h.Guard.Accept(ingest.TransportHTTP, sampleFromRequest(req)); err != nil {
		switch {
		case errors.Is(err, ingest.ErrRateLimited):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		case errors.Is(err, model.ErrInvalidSample):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// ingestWebSocket reads model.Envelope frames from one agent until it
// disconnects. Bad frames are counted and skipped.
func (h *handlers) ingestWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Warn("ingest websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	if h.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.MaxMessageBytes)
	}

	remote := conn.RemoteAddr().String()
	h.Logger.Info("websocket agent connected", "remote", remote)
	var accepted, rejected uint64
	defer func() {
		h.Logger.Info("websocket agent disconnected", "remote", remote, "accepted", accepted, "rejected", rejected)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.Logger.Debug("ingest websocket read ended", "remote", remote, "error", err)
			}
			return
		}
		frame, err := stream.DecodeNodeEnvelope(raw)
		if err != nil {
			h.Guard.Reject(metrics.ReasonDecode)
			h.Logger.Warn("undecodable websocket frame", "remote", remote, "error", err)
			rejected++
			continue
		}
		sample := frame.Sample
		if sample.NodeName == "" {
			sample.NodeName = frame.NodeName
		}
		if err := h.Guard.Accept(ingest.TransportWebSocket, sample); err != nil {
			rejected++
			continue
		}
		accepted++
	}
}
