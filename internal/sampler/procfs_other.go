//go:build !linux

package sampler

import (
	"context"
	"fmt"
	"runtime"

	"cluster-watchdog/internal/model"
)

type ProcfsSampler struct{}

func NewProcfs(string) (*ProcfsSampler, error) {
	return nil, fmt.Errorf("procfs on %s: %w", runtime.GOOS, ErrUnsupported)
}

func (s *ProcfsSampler) SampleHardware(context.Context) (model.HardwareSample, error) {
	return model.HardwareSample{}, ErrUnsupported
}

func (s *ProcfsSampler) SampleProcess(context.Context, int32) (model.ProcessSample, error) {
	return model.ProcessSample{}, ErrUnsupported
}
