package collector

import (
	"context"
	"fmt"
	"log/slog"

	"cluster-watchdog/internal/model"
	"cluster-watchdog/internal/sampler"
)

// ProcessFinder resolves watched process names to PIDs.
type ProcessFinder func(ctx context.Context, names []string) ([]int32, error)

// NodeCollector turns one sampler reading into a NodeSample for this node.
type NodeCollector struct {
	logger   *slog.Logger
	sampler  sampler.Sampler
	units    sampler.UnitReporter
	find     ProcessFinder
	nodeName string
	watch    []string
}

type NodeOption func(*NodeCollector)

// WithProcesses attaches a process subtree for every running process whose
// name is in names.
func WithProcesses(names []string, find ProcessFinder) NodeOption {
	return func(c *NodeCollector) {
		c.watch = names
		c.find = find
	}
}

// WithUnitReporter fills NodeSample.Units from r.
func WithUnitReporter(r sampler.UnitReporter) NodeOption {
	return func(c *NodeCollector) { c.units = r }
}

func NewNodeCollector(s sampler.Sampler, nodeName string, logger *slog.Logger, opts ...NodeOption) *NodeCollector {
	c := &NodeCollector{logger: logger, sampler: s, nodeName: nodeName}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect fails only when the hardware reading fails. Process and unit
// lookups are best effort.
func (c *NodeCollector) Collect(ctx context.Context) (model.NodeSample, error) {
	hw, err := c.sampler.SampleHardware(ctx)
	if err != nil {
		return model.NodeSample{}, fmt.Errorf("sample hardware: %w", err)
	}
	out := model.NodeSample{NodeName: c.nodeName, Hardware: &hw}
	out.Processes = c.collectProcesses(ctx)

	if c.units != nil {
		n, err := c.units.CountUnits(ctx)
		if err != nil {
			c.logger.Warn("unit count failed", "error", err)
		} else {
			out.Units = n
		}
	}
	return out, nil
}

func (c *NodeCollector) collectProcesses(ctx context.Context) []model.ProcessSample {
	if len(c.watch) == 0 || c.find == nil {
		return nil
	}
	pids, err := c.find(ctx, c.watch)
	if err != nil {
		c.logger.Warn("process lookup failed", "names", c.watch, "error", err)
		return nil
	}
	var out []model.ProcessSample
	for _, pid := range pids {
		p, err := c.sampler.SampleProcess(ctx, pid)
		if err != nil {
			c.logger.Debug("process sample failed", "pid", pid, "error", err)
			continue
		}
		out = append(out, p)
	}
	return out
}
