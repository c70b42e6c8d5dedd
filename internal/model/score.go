package model

import "time"

// Utilization is the cluster-wide mean usage of each resource, in percent.
type Utilization struct {
	CPU  float64 `json:"cpu"`
	RAM  float64 `json:"ram"`
	Disk float64 `json:"disk"`
}

// Bottleneck returns the most constrained resource value.
func (u Utilization) Bottleneck() float64 {
	return max(u.CPU, u.RAM, u.Disk)
}

// ScoreTuple is what the aggregator publishes for each closed window.
type ScoreTuple struct {
	WindowStartMs float64     `json:"window_start_ms"`
	ClosedAt      time.Time   `json:"closed_at"`
	NodeCount     int         `json:"node_count"`
	UnitCount     int         `json:"unit_count"`
	Utilization   Utilization `json:"utilization"`
	CapacityScore float64     `json:"capacity_score"`
}
