package report

import (
	"bytes"
	"fmt"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// DefaultChartFile is the chart artifact written into the workspace.
const DefaultChartFile = "timing_chart.html"

// WriteChart renders the snapshot as a bar chart HTML page at path.
func WriteChart(path string, snap *Snapshot) error {
	if len(snap.Entries) == 0 {
		return fmt.Errorf("no timings to chart")
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Iteration time by transport mode",
			Subtitle: "lower is better",
		}),
	)

	modes := make([]string, 0, len(snap.Entries))
	times := make([]opts.BarData, 0, len(snap.Entries))

	for _, e := range snap.Entries {
		modes = append(modes, e.Mode)
		times = append(times, opts.BarData{Value: e.Seconds * 1000})
	}

	bar.SetXAxis(modes)
	bar.AddSeries("ms/iter", times)

	page := components.NewPage()
	page.AddCharts(bar)

	var b bytes.Buffer
	if err := page.Render(&b); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}

	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write chart: %w", err)
	}

	return nil
}
