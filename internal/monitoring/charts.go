package monitoring

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// Stat is one labelled value shown on a debug chart.
type Stat struct {
	Name  string
	Value float64
}

// Snapshot is what a chart handler renders: the values at one instant.
type Snapshot struct {
	Taken time.Time
	Stats []Stat
}

// ChartHandler renders the snapshot returned by src as an HTML bar chart.
// It is mounted under the tsweb debug handler, e.g. /debug/pipeline.
func ChartHandler(title string, src func() Snapshot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := src()
		if snap.Taken.IsZero() {
			snap.Taken = time.Now()
		}

		x := make([]string, 0, len(snap.Stats))
		y := make([]opts.BarData, 0, len(snap.Stats))
		for _, s := range snap.Stats {
			x = append(x, s.Name)
			y = append(y, opts.BarData{Value: s.Value})
		}

		bar := charts.NewBar()
		bar.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "720px"}),
			charts.WithTitleOpts(opts.Title{Title: title, Subtitle: snap.Taken.Format(time.RFC3339)}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		)
		bar.SetXAxis(x).
			AddSeries("count", y,
				charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
			)

		page := components.NewPage()
		page.AddCharts(bar)

		var buf bytes.Buffer
		if err := page.Render(&buf); err != nil {
			http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	}
}
