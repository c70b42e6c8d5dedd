package model

import (
	"encoding/json"
	"sort"
	"time"
)

// ClusterCounters holds cluster-scoped counts not tied to any single node.
type ClusterCounters struct {
	UnitCount int `json:"unit_count"`
}

// ClusterSnapshot is the correlated cluster view for one observation window.
// It has no mutators; every accessor hands out copies.
type ClusterSnapshot struct {
	counters      ClusterCounters
	windowStartMs float64
	closedAt      time.Time
	nodes         map[string]NodeSample
}

// NewClusterSnapshot copies samples into a new snapshot. When two samples share a
// node name the later one in the slice wins. It is meant for fixtures and
// tests; the correlator hands its window over with AdoptClusterSnapshot and
// skips the copy.
func NewClusterSnapshot(counters ClusterCounters, windowStartMs float64, closedAt time.Time, samples []NodeSample) *ClusterSnapshot {
	nodes := make(map[string]NodeSample, len(samples))
	for _, s := range samples {
		nodes[s.NodeName] = s.Clone()
	}
	return &ClusterSnapshot{
		counters:      counters,
		windowStartMs: windowStartMs,
		closedAt:      closedAt,
		nodes:         nodes,
	}
}

// AdoptClusterSnapshot builds a snapshot that takes ownership of nodes. The caller
// must not touch the map or any sample in it afterwards.
func AdoptClusterSnapshot(counters ClusterCounters, windowStartMs float64, closedAt time.Time, nodes map[string]NodeSample) *ClusterSnapshot {
	if nodes == nil {
		nodes = map[string]NodeSample{}
	}
	return &ClusterSnapshot{counters: counters, windowStartMs: windowStartMs, closedAt: closedAt, nodes: nodes}
}

func (s *ClusterSnapshot) Counters() ClusterCounters { return s.counters }

// WindowStartMs is the reference instant the window's samples were matched against.
func (s *ClusterSnapshot) WindowStartMs() float64 { return s.windowStartMs }

func (s *ClusterSnapshot) ClosedAt() time.Time { return s.closedAt }

func (s *ClusterSnapshot) Len() int { return len(s.nodes) }

func (s *ClusterSnapshot) Node(name string) (NodeSample, bool) {
	n, ok := s.nodes[name]
	if !ok {
		return NodeSample{}, false
	}
	return n.Clone(), true
}

func (s *ClusterSnapshot) NodeNames() []string {
	names := make([]string, 0, len(s.nodes))
	for name := range s.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Nodes returns deep copies of every sample, ordered by node name.
func (s *ClusterSnapshot) Nodes() []NodeSample {
	out := make([]NodeSample, 0, len(s.nodes))
	for _, name := range s.NodeNames() {
		out = append(out, s.nodes[name].Clone())
	}
	return out
}

// EachHardware calls fn for every node without copying. fn must not retain or
// modify hw.
func (s *ClusterSnapshot) EachHardware(fn func(name string, hw *HardwareSample)) {
	for _, name := range s.NodeNames() {
		fn(name, s.nodes[name].Hardware)
	}
}

type snapshotJSON struct {
	WindowStartMs float64         `json:"window_start_ms"`
	ClosedAt      time.Time       `json:"closed_at"`
	Counters      ClusterCounters `json:"counters"`
	Nodes         []NodeSample    `json:"nodes"`
}

func (s *ClusterSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{
		WindowStartMs: s.windowStartMs,
		ClosedAt:      s.closedAt,
		Counters:      s.counters,
		Nodes:         s.Nodes(),
	})
}
