package report

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// WriteHTML renders the instruction counts and observed ranges of d as an
// echarts page.
func WriteHTML(w io.Writer, d *Document) error {
	page := components.NewPage()
	page.PageTitle = d.App
	page.AddCharts(countChart(d))
	if r := rangeChart(d); r != nil {
		page.AddCharts(r)
	}
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}

func (l *Log) WriteHTML(w io.Writer) error {
	d := l.Document()
	return WriteHTML(w, &d)
}

// instLabel names a message by its instruction when known, else its label.
func instLabel(d *Document, m Message) string {
	for _, inst := range d.Instructions {
		if inst.ID == m.InstID {
			return inst.Address + " " + inst.Disassembly
		}
	}
	return m.Label
}

func countChart(d *Document) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Instruction counts",
			Subtitle: d.App,
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Rotate: 30}}),
		charts.WithInitializationOpts(opts.Initialization{Width: "1200px", Height: "500px"}),
	)

	var names []string
	var data []opts.BarData
	for _, m := range d.Messages {
		if m.Type != ICount {
			continue
		}
		names = append(names, instLabel(d, m))
		data = append(data, opts.BarData{Name: m.Details, Value: m.Priority})
	}
	bar.SetXAxis(names).AddSeries("count", data)
	return bar
}

func rangeChart(d *Document) *charts.Bar {
	var names []string
	var lo, hi []opts.BarData
	for _, m := range d.Messages {
		if m.Type != Range {
			continue
		}
		mn, okMin := m.Values["min"]
		mx, okMax := m.Values["max"]
		if !okMin || !okMax || math.IsInf(mn, 0) || math.IsInf(mx, 0) {
			continue
		}
		names = append(names, instLabel(d, m))
		lo = append(lo, opts.BarData{Value: mn})
		hi = append(hi, opts.BarData{Value: mx})
	}
	if len(names) == 0 {
		return nil
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Observed ranges"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithInitializationOpts(opts.Initialization{Width: "1200px", Height: "500px"}),
	)
	bar.SetXAxis(names).
		AddSeries("min", lo).
		AddSeries("max", hi)
	return bar
}
