// Package sampler reads local hardware and process figures for the agent.
// The platform-specific readers all sit behind the Sampler interface; callers
// pick one at startup and never branch on the OS themselves.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cluster-watchdog/internal/config"
	"cluster-watchdog/internal/libvirt"
	"cluster-watchdog/internal/model"
)

var ErrUnsupported = errors.New("sampler not supported on this platform")

type Sampler interface {
	SampleHardware(ctx context.Context) (model.HardwareSample, error)
	SampleProcess(ctx context.Context, pid int32) (model.ProcessSample, error)
}

// UnitReporter is implemented by samplers that can count the scheduling units
// hosted on the node.
type UnitReporter interface {
	CountUnits(ctx context.Context) (int, error)
}

// New builds the sampler named by cfg.Sampler. The returned sampler may also
// implement io.Closer and UnitReporter.
func New(cfg config.Agent, logger *slog.Logger) (Sampler, error) {
	switch cfg.Sampler {
	case config.SamplerGopsutil, "":
		return NewGopsutil(), nil
	case config.SamplerProcfs:
		s, err := NewProcfs("/proc")
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.SamplerLibvirt:
		conn := libvirt.NewConnManager(cfg.LibvirtURI, cfg.ReconnectInterval, cfg.MaxReconnectJitter, logger)
		return NewLibvirt(conn, logger), nil
	default:
		return nil, fmt.Errorf("unknown sampler %q", cfg.Sampler)
	}
}

const (
	bytesPerGB = 1 << 30
	bytesPerMB = 1 << 20
)

func nowMs() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Millisecond)
}

func roundGB(b uint64) int64 {
	return int64((b + bytesPerGB/2) / bytesPerGB)
}

func memoryFigures(used, total uint64) (totalGB, usedMB int64, pct float64) {
	if total == 0 {
		return 0, 0, 0
	}
	return roundGB(total), int64(used / bytesPerMB), float64(used) / float64(total) * 100
}
