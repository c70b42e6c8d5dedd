package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"cluster-watchdog/internal/model"
	"cluster-watchdog/internal/trend"
	"cluster-watchdog/internal/version"
)

const defaultTrendWindows = 10

func (h *handlers) healthz(c *gin.Context) {
	out := gin.H{"status": "ok"}
	if h.Stats != nil {
		s := h.Stats.Stats()
		out["open_nodes"] = s.OpenNodes
		out["pending"] = s.Pending
		out["dropped"] = s.Dropped
		out["windows_closed"] = s.Closed
		out["window_tolerance_ms"] = h.Stats.Tolerance()
	}
	if h.History != nil {
		out["history"] = h.History.Len()
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) version(c *gin.Context) {
	c.JSON(http.StatusOK, version.Get(h.Version))
}

func (h *handlers) latestSnapshot(c *gin.Context) {
	snap, ok := h.History.Latest()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no window has closed yet"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handlers) score(c *gin.Context) {
	if h.Results == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no score available"})
		return
	}
	r, ok := h.Results.LatestResult()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no score available"})
		return
	}
	if r.Err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      r.Err.Error(),
			"error_kind": r.ErrorKind(),
			"score":      r.Score,
		})
		return
	}
	c.JSON(http.StatusOK, r.Score)
}

func (h *handlers) nodeTrend(c *gin.Context) {
	k := defaultTrendWindows
	if raw := c.Query("windows"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > h.History.Cap() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "windows must be an integer between 1 and " + strconv.Itoa(h.History.Cap()),
			})
			return
		}
		k = n
	}

	snaps := h.History.Recent(k)
	avg, err := trend.AverageForNode(c.Param("name"), snaps)
	if err != nil {
		if errors.Is(err, trend.ErrNoData) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"windows": len(snaps), "average": avg})
}

type unitsRequest struct {
	Units *int `json:"units" validate:"required,gte=0"`
}

func (h *handlers) putUnits(c *gin.Context) {
	if h.Units == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "unit count is reported by agents and cannot be set"})
		return
	}
	var req unitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body", "details": err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": err.Error()})
		return
	}
	h.Units.Set(*req.Units)
	h.Logger.Info("unit count updated", "units", *req.Units)
	c.JSON(http.StatusOK, gin.H{"units": h.Units.Get()})
}

func sampleFromRequest(req sampleRequest) model.NodeSample {
	hw := &model.HardwareSample{
		CapturedAtMs:      req.Hardware.CapturedAtMs,
		CPUPercent:        req.Hardware.CPUPercent,
		TotalMemoryGB:     req.Hardware.TotalMemoryGB,
		UsedMemoryMB:      req.Hardware.UsedMemoryMB,
		PercentMemoryUsed: req.Hardware.PercentMemoryUsed,
	}
	for _, d := range req.Hardware.Drives {
		hw.Drives = append(hw.Drives, model.DriveSample{
			Name:                d.Name,
			TotalCapacityGB:     d.TotalCapacityGB,
			AvailableCapacityGB: d.AvailableCapacityGB,
		})
	}
	return model.NodeSample{
		NodeName:  req.NodeName,
		Hardware:  hw,
		Processes: req.Processes,
		Units:     req.Units,
	}
}
