package correlator

import (
	"sync/atomic"

	"cluster-watchdog/internal/model"
)

// UnitCounter supplies ClusterCounters.UnitCount when a window closes.
type UnitCounter interface {
	CountUnits(nodes map[string]model.NodeSample) int
}

// StaticUnits is an operator-maintained unit count.
type StaticUnits struct {
	n atomic.Int64
}

func NewStaticUnits(n int) *StaticUnits {
	s := &StaticUnits{}
	s.Set(n)
	return s
}

func (s *StaticUnits) Set(n int) {
	if n < 0 {
		n = 0
	}
	s.n.Store(int64(n))
}

func (s *StaticUnits) Get() int { return int(s.n.Load()) }

func (s *StaticUnits) CountUnits(map[string]model.NodeSample) int { return s.Get() }

// ReportedUnits sums the unit counts the nodes in a window reported themselves.
type ReportedUnits struct{}

func (ReportedUnits) CountUnits(nodes map[string]model.NodeSample) int {
	total := 0
	for _, n := range nodes {
		total += n.Units
	}
	return total
}
