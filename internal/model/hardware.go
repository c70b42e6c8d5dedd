package model

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrMalformedDrive    = errors.New("malformed drive sample")
	ErrNoDrives          = errors.New("hardware sample has no drives")
	ErrZeroCapacityDrive = errors.New("drive reports zero total capacity")
)

// DriveSample is one disk volume's capacity reading.
type DriveSample struct {
	Name                string `json:"name"`
	TotalCapacityGB     int64  `json:"total_capacity_gb"`
	AvailableCapacityGB int64  `json:"available_capacity_gb"`
}

func (d DriveSample) Validate() error {
	if d.TotalCapacityGB < 0 {
		return fmt.Errorf("%w: drive %q total capacity %d < 0", ErrMalformedDrive, d.Name, d.TotalCapacityGB)
	}
	if d.AvailableCapacityGB < 0 || d.AvailableCapacityGB > d.TotalCapacityGB {
		return fmt.Errorf("%w: drive %q available %d outside [0,%d]", ErrMalformedDrive, d.Name, d.AvailableCapacityGB, d.TotalCapacityGB)
	}
	return nil
}

// HardwareSample is one node's point-in-time resource reading.
// CPUPercent may exceed 100 on multi-core rounding and is not clamped.
type HardwareSample struct {
	CapturedAtMs      float64       `json:"captured_at_ms"`
	CPUPercent        float64       `json:"cpu_percent"`
	TotalMemoryGB     int64         `json:"total_memory_gb"`
	UsedMemoryMB      int64         `json:"used_memory_mb"`
	PercentMemoryUsed float64       `json:"percent_memory_used"`
	Drives            []DriveSample `json:"drives"`
}

func (h HardwareSample) Validate() error {
	for name, v := range map[string]float64{
		"captured_at_ms":      h.CapturedAtMs,
		"cpu_percent":         h.CPUPercent,
		"percent_memory_used": h.PercentMemoryUsed,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s is not a finite number", name)
		}
	}
	if h.CapturedAtMs < 0 {
		return fmt.Errorf("captured_at_ms %g < 0", h.CapturedAtMs)
	}
	if h.CPUPercent < 0 {
		return fmt.Errorf("cpu_percent %g < 0", h.CPUPercent)
	}
	if h.PercentMemoryUsed < 0 || h.PercentMemoryUsed > 100 {
		return fmt.Errorf("percent_memory_used %g outside [0,100]", h.PercentMemoryUsed)
	}
	if h.TotalMemoryGB < 0 || h.UsedMemoryMB < 0 {
		return fmt.Errorf("negative memory figures (total_gb=%d used_mb=%d)", h.TotalMemoryGB, h.UsedMemoryMB)
	}
	for _, d := range h.Drives {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a copy that shares no drive storage with h.
func (h HardwareSample) Clone() HardwareSample {
	out := h
	if h.Drives != nil {
		out.Drives = append([]DriveSample(nil), h.Drives...)
	}
	return out
}

// DiskPercentInUse averages available/total over all drives, scaled to percent.
//
// NOTE: despite the name this is the mean *available* fraction, not the used
// fraction. Consumers historically read it as "percent in use", so the formula is
// kept as-is until they confirm which contract they want.
func (h HardwareSample) DiskPercentInUse() (float64, error) {
	if len(h.Drives) == 0 {
		return 0, ErrNoDrives
	}
	var sum float64
	for _, d := range h.Drives {
		if d.TotalCapacityGB == 0 {
			return 0, fmt.Errorf("%w: %q", ErrZeroCapacityDrive, d.Name)
		}
		sum += float64(d.AvailableCapacityGB) / float64(d.TotalCapacityGB)
	}
	return sum / float64(len(h.Drives)) * 100, nil
}
