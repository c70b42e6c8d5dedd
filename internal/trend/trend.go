// Package trend smooths one node's samples over several closed windows.
package trend

import (
	"errors"
	"fmt"
	"math"

	"cluster-watchdog/internal/model"
)

var ErrNoData = errors.New("no samples for node")

type driveAcc struct {
	total, available float64
	n                int
}

// AverageForNode averages every numeric field of nodeName's samples across
// snapshots. Drive figures are averaged per drive name over only the samples that
// contain that drive. Processes are taken from the latest matching sample.
func AverageForNode(nodeName string, snapshots []*model.ClusterSnapshot) (model.NodeSample, error) {
	var (
		n                        int
		at, cpu, memPct, totalGB float64
		usedMB, units            float64
		latest                   model.NodeSample
		driveOrder               []string
	)
	drives := map[string]*driveAcc{}

	for _, snap := range snapshots {
		if snap == nil {
			continue
		}
		s, ok := snap.Node(nodeName)
		if !ok || s.Hardware == nil {
			continue
		}
		hw := s.Hardware
		n++
		at += hw.CapturedAtMs
		cpu += hw.CPUPercent
		memPct += hw.PercentMemoryUsed
		totalGB += float64(hw.TotalMemoryGB)
		usedMB += float64(hw.UsedMemoryMB)
		units += float64(s.Units)
		for _, d := range hw.Drives {
			acc, seen := drives[d.Name]
			if !seen {
				acc = &driveAcc{}
				drives[d.Name] = acc
				driveOrder = append(driveOrder, d.Name)
			}
			acc.total += float64(d.TotalCapacityGB)
			acc.available += float64(d.AvailableCapacityGB)
			acc.n++
		}
		latest = s
	}
	if n == 0 {
		return model.NodeSample{}, fmt.Errorf("%w %q", ErrNoData, nodeName)
	}

	count := float64(n)
	out := model.NodeSample{
		NodeName: nodeName,
		Hardware: &model.HardwareSample{
			CapturedAtMs:      at / count,
			CPUPercent:        cpu / count,
			TotalMemoryGB:     roundInt(totalGB / count),
			UsedMemoryMB:      roundInt(usedMB / count),
			PercentMemoryUsed: memPct / count,
		},
		Processes: latest.Processes,
		Units:     int(roundInt(units / count)),
	}
	if len(driveOrder) > 0 {
		out.Hardware.Drives = make([]model.DriveSample, 0, len(driveOrder))
		for _, name := range driveOrder {
			acc := drives[name]
			out.Hardware.Drives = append(out.Hardware.Drives, model.DriveSample{
				Name:                name,
				TotalCapacityGB:     roundInt(acc.total / float64(acc.n)),
				AvailableCapacityGB: roundInt(acc.available / float64(acc.n)),
			})
		}
	}
	return out, nil
}

func roundInt(v float64) int64 {
	return int64(math.Round(v))
}
