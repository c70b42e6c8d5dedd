// Package health turns a closed cluster snapshot into a utilization triple and a
// bottleneck-driven capacity score.
package health

import (
	"errors"
	"fmt"
	"math"

	"cluster-watchdog/internal/model"
)

var (
	ErrEmptySnapshot  = errors.New("snapshot has no nodes")
	ErrDivisionByZero = errors.New("bottleneck utilization is zero")
)

// AverageUtilization returns the mean CPU, RAM and disk usage across the nodes
// present in s. Partial snapshots are averaged over the nodes that reported.
//
// Nodes whose disk figure is undefined (no drives, or a zero-capacity drive) are
// left out of the disk mean only. If no node has a defined disk figure the disk
// mean is 0.
func AverageUtilization(s *model.ClusterSnapshot) (model.Utilization, error) {
	if s == nil || s.Len() == 0 {
		return model.Utilization{}, ErrEmptySnapshot
	}

	var cpu, ram, disk float64
	var diskCount int
	s.EachHardware(func(_ string, hw *model.HardwareSample) {
		cpu += hw.CPUPercent
		ram += hw.PercentMemoryUsed
		if d, err := hw.DiskPercentInUse(); err == nil {
			disk += d
			diskCount++
		}
	})

	n := float64(s.Len())
	u := model.Utilization{CPU: cpu / n, RAM: ram / n}
	if diskCount > 0 {
		u.Disk = disk / float64(diskCount)
	}
	return u, nil
}

// CapacityScore estimates how many more scheduling units the cluster can absorb
// before its most constrained resource saturates:
// floor(100 * unitCount / max(cpu, ram, disk)).
func CapacityScore(s *model.ClusterSnapshot) (float64, error) {
	u, err := AverageUtilization(s)
	if err != nil {
		return 0, err
	}
	return scoreFor(s.Counters().UnitCount, u)
}

func scoreFor(unitCount int, u model.Utilization) (float64, error) {
	bottleneck := u.Bottleneck()
	if bottleneck == 0 {
		return 0, ErrDivisionByZero
	}
	score := math.Floor(100 * float64(unitCount) / bottleneck)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, fmt.Errorf("capacity score not finite (units=%d bottleneck=%g)", unitCount, bottleneck)
	}
	return score, nil
}

// Evaluate computes utilization and capacity score for s in one pass.
func Evaluate(s *model.ClusterSnapshot) (model.ScoreTuple, error) {
	u, err := AverageUtilization(s)
	if err != nil {
		return model.ScoreTuple{}, err
	}
	counters := s.Counters()
	tuple := model.ScoreTuple{
		WindowStartMs: s.WindowStartMs(),
		ClosedAt:      s.ClosedAt(),
		NodeCount:     s.Len(),
		UnitCount:     counters.UnitCount,
		Utilization:   u,
	}
	score, err := scoreFor(counters.UnitCount, u)
	if err != nil {
		return tuple, err
	}
	tuple.CapacityScore = score
	return tuple, nil
}

// ErrorKind names an evaluation error for API responses and metric labels.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptySnapshot):
		return "empty_snapshot"
	case errors.Is(err, ErrDivisionByZero):
		return "division_by_zero"
	default:
		return "evaluation_failed"
	}
}
