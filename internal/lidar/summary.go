package lidar

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary holds distance statistics over the valid slots of a snapshot.
// Statistics are zero when no slot is valid, and StdDevDistance is zero with
// a single valid slot, so a Summary always encodes as JSON.
type Summary struct {
	Protocol       Protocol `json:"protocol"`
	Revision       uint64   `json:"revision"`
	Slots          int      `json:"slots"`
	Valid          int      `json:"valid"`
	Coverage       float64  `json:"coverage"`
	MeanDistance   float64  `json:"mean_distance"`
	StdDevDistance float64  `json:"stddev_distance"`
	MinDistance    float64  `json:"min_distance"`
	MaxDistance    float64  `json:"max_distance"`
	MeanIntensity  float64  `json:"mean_intensity"`
}

// Summarize computes the Summary of s.
func Summarize(s Snapshot) Summary {
	sum := Summary{
		Protocol: s.Protocol,
		Revision: s.Revision,
		Slots:    len(s.Slots),
	}

	dist := make([]float64, 0, len(s.Slots))
	inten := make([]float64, 0, len(s.Slots))
	for _, slot := range s.Slots {
		if !slot.Valid {
			continue
		}
		dist = append(dist, float64(slot.Distance))
		inten = append(inten, float64(slot.Intensity))
	}
	sum.Valid = len(dist)
	if sum.Slots > 0 {
		sum.Coverage = float64(sum.Valid) / float64(sum.Slots)
	}
	if len(dist) == 0 {
		return sum
	}

	sum.MinDistance = floats.Min(dist)
	sum.MaxDistance = floats.Max(dist)
	sum.MeanIntensity = stat.Mean(inten, nil)
	if len(dist) < 2 {
		sum.MeanDistance = dist[0]
		return sum
	}
	sum.MeanDistance, sum.StdDevDistance = stat.MeanStdDev(dist, nil)
	return sum
}
