package model

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidSample = errors.New("invalid node sample")

// ProcessSample is one observed process and, optionally, its child tree.
// The aggregator never interprets it.
type ProcessSample struct {
	PID         int32           `json:"pid"`
	Name        string          `json:"name"`
	CPUPercent  float64         `json:"cpu_percent"`
	MemoryMB    int64           `json:"memory_mb"`
	HandleCount int32           `json:"handle_count"`
	ThreadCount int32           `json:"thread_count"`
	Children    []ProcessSample `json:"children,omitempty"`
}

func (p ProcessSample) Clone() ProcessSample {
	out := p
	if p.Children != nil {
		out.Children = make([]ProcessSample, len(p.Children))
		for i, c := range p.Children {
			out.Children[i] = c.Clone()
		}
	}
	return out
}

// NodeSample is a HardwareSample tagged with the node that produced it.
type NodeSample struct {
	NodeName  string          `json:"node_name"`
	Hardware  *HardwareSample `json:"hardware"`
	Processes []ProcessSample `json:"processes,omitempty"`
	// Units is the number of scheduling units hosted on the node, when the
	// sampler can report it.
	Units int `json:"units,omitempty"`
}

func (s NodeSample) Validate() error {
	if strings.TrimSpace(s.NodeName) == "" {
		return fmt.Errorf("%w: empty node name", ErrInvalidSample)
	}
	if s.Hardware == nil {
		return fmt.Errorf("%w: node %q has no hardware sample", ErrInvalidSample, s.NodeName)
	}
	if s.Units < 0 {
		return fmt.Errorf("%w: node %q reports %d units", ErrInvalidSample, s.NodeName, s.Units)
	}
	if err := s.Hardware.Validate(); err != nil {
		return fmt.Errorf("%w: node %q: %w", ErrInvalidSample, s.NodeName, err)
	}
	return nil
}

// CapturedAtMs returns the hardware timestamp, or 0 when hardware is absent.
func (s NodeSample) CapturedAtMs() float64 {
	if s.Hardware == nil {
		return 0
	}
	return s.Hardware.CapturedAtMs
}

func (s NodeSample) Clone() NodeSample {
	out := s
	if s.Hardware != nil {
		hw := s.Hardware.Clone()
		out.Hardware = &hw
	}
	if s.Processes != nil {
		out.Processes = make([]ProcessSample, len(s.Processes))
		for i, p := range s.Processes {
			out.Processes[i] = p.Clone()
		}
	}
	return out
}
