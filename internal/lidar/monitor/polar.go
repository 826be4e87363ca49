package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/sweeplidar/internal/lidar"
)

// polarPoint is one valid slot projected onto the sensor plane. Slots are
// spread evenly over a full turn, so slot i of n sits at i*360/n degrees.
type polarPoint struct {
	Slot      int
	X, Y      float64
	Intensity uint16
}

func polarPoints(snap lidar.Snapshot) []polarPoint {
	n := len(snap.Slots)
	points := make([]polarPoint, 0, n)
	for i, slot := range snap.Slots {
		if !slot.Valid {
			continue
		}
		theta := float64(i) * 2 * math.Pi / float64(n)
		d := float64(slot.Distance)
		points = append(points, polarPoint{
			Slot:      i,
			X:         d * math.Cos(theta),
			Y:         d * math.Sin(theta),
			Intensity: slot.Intensity,
		})
	}
	return points
}

// polarChart renders the snapshot as a square XY scatter coloured by
// intensity.
func polarChart(snap lidar.Snapshot) *charts.Scatter {
	points := polarPoints(snap)
	data := make([]opts.ScatterData, 0, len(points))
	maxAbs := 0.0
	maxIntensity := float64(0)
	for _, p := range points {
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(p.X), math.Abs(p.Y)))
		maxIntensity = math.Max(maxIntensity, float64(p.Intensity))
		data = append(data, opts.ScatterData{
			Name:  fmt.Sprintf("slot %d", p.Slot),
			Value: []interface{}{p.X, p.Y, p.Intensity},
		})
	}

	// Pad so edge points stay visible.
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}
	if maxIntensity == 0 {
		maxIntensity = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Scan polar view", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("%s scan", snap.Protocol), Subtitle: fmt.Sprintf("revision=%d points=%d", snap.Revision, len(data))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxIntensity),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#3e4989", "#26828e", "#35b779", "#fde725"}},
		}),
	)
	scatter.AddSeries("scan", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	return scatter
}

func (rt *Routes) handleScanPolar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var buf bytes.Buffer
	if err := polarChart(rt.source.Latest()).Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("Failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
