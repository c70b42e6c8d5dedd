package agent

import (
	"sync/atomic"
	"time"
)

type HealthStatus struct {
	samplerConnected atomic.Bool
	streamConnected  atomic.Bool
	lastSampleAt     atomic.Int64
	sendFailures     atomic.Uint64
}

// NewHealthStatus starts with the sampler marked up; only the libvirt
// sampler has a connection that can go down.
func NewHealthStatus() *HealthStatus {
	h := &HealthStatus{}
	h.samplerConnected.Store(true)
	h.streamConnected.Store(false)
	return h
}

func (h *HealthStatus) SetSamplerConnected(ok bool) {
	h.samplerConnected.Store(ok)
}

func (h *HealthStatus) SetStreamConnected(ok bool) {
	h.streamConnected.Store(ok)
}

func (h *HealthStatus) MarkSample(ts time.Time) {
	h.lastSampleAt.Store(ts.UnixNano())
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"sampler_connected": h.samplerConnected.Load(),
		"stream_connected":  h.streamConnected.Load(),
		"send_failures":     h.sendFailures.Load(),
	}
	if v := h.lastSampleAt.Load(); v > 0 {
		out["last_sample_at"] = time.Unix(0, v).UTC()
	}
	return out
}
