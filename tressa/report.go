package tressa

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-analyze/charts"
	"github.com/google/uuid"
)

const bottomTableMaxRecords = 12

// chart color constants
var greenTextColor = charts.ColorGreenAlt3
var orangeTextColor = charts.ColorOrangeAlt1.WithAdjustHSL(0, .2, 0)
var redTextColor = charts.ColorRed.WithAdjustHSL(0, .1, -.1)

// ReportMetrics is the JSON report of one engine run.
type ReportMetrics struct {
	RunID       string          `json:"run_id"`
	GeneratedAt time.Time       `json:"generated_at"`
	RunDuration int64           `json:"run_ms"`
	Strict      bool            `json:"strict"`
	Totals      TotalMetrics    `json:"totals"`
	Modules     []ModuleMetrics `json:"modules"`
}

// TotalMetrics aggregates counts across all modules of a run.
type TotalMetrics struct {
	ModuleCount         int `json:"module_count"`
	FailedModuleCount   int `json:"failed_module_count"`
	CachedModuleCount   int `json:"cached_module_count"`
	AssertFunctionCount int `json:"assert_function_count"`
	// UnplacedAssertFunctionCount counts assert functions for which no call was inserted.
	UnplacedAssertFunctionCount int `json:"unplaced_assert_function_count"`
	InsertionCount              int `json:"insertion_count"`
	SkippedCount                int `json:"skipped_count"`
	WarningCount                int `json:"warning_count"`
}

// ModuleMetrics is the report of one module plus where its output went.
type ModuleMetrics struct {
	ModuleReport
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ReportMap represents a report as an extensible map structure.
// Custom implementations can add additional fields before writing to JSON.
type ReportMap map[string]interface{}

// NewReportMetrics builds the run report, modules are sorted by name for stable output.
func NewReportMetrics(startTime time.Time, strict bool, modules []ModuleMetrics) ReportMetrics {
	modules = slices.Clone(modules)
	slices.SortFunc(modules, func(a, b ModuleMetrics) int {
		return strings.Compare(a.Module, b.Module)
	})
	report := ReportMetrics{
		RunID:       uuid.NewString(),
		GeneratedAt: startTime,
		RunDuration: time.Since(startTime).Milliseconds(),
		Strict:      strict,
		Modules:     modules,
	}
	for _, m := range modules {
		t := &report.Totals
		t.ModuleCount++
		if m.Error != "" {
			t.FailedModuleCount++
		}
		if m.Cached {
			t.CachedModuleCount++
		}
		for _, count := range m.InsertionCounts() {
			t.AssertFunctionCount++
			if count == 0 {
				t.UnplacedAssertFunctionCount++
			}
		}
		t.InsertionCount += len(m.Insertions)
		t.SkippedCount += m.Skipped
		for _, d := range m.Diagnostics {
			if d.Level == LevelWarn {
				t.WarningCount++
			}
		}
	}
	return report
}

// BuildReportMap converts the report into a ReportMap that can be extended before writing to JSON.
func BuildReportMap(report ReportMetrics) (ReportMap, error) {
	reportBytes, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("marshal report to bytes failed: %w", err)
	}

	var reportMap ReportMap
	if err := json.Unmarshal(reportBytes, &reportMap); err != nil {
		return nil, fmt.Errorf("unmarshal report to map failed: %w", err)
	}
	return reportMap, nil
}

// WriteToFile writes the report map to a JSON file.
func (rm ReportMap) WriteToFile(path string) error {
	if path == "" {
		return nil
	}

	encodedReport, err := json.MarshalIndent(rm, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report map failed: %w", err)
	}
	if err := writeFileAtomic(path, encodedReport); err != nil {
		return fmt.Errorf("write report file failed: %w", err)
	}
	return nil
}

// ReadReportJson loads a report previously written by WriteToFile.
func ReadReportJson(path string) (ReportMetrics, error) {
	var report ReportMetrics
	data, err := os.ReadFile(path)
	if err != nil {
		return report, fmt.Errorf("read report failed: %w", err)
	} else if err = json.Unmarshal(data, &report); err != nil {
		return report, fmt.Errorf("decode report failed: %w", err)
	}
	return report, nil
}

// RenderReportChartsFromJson renders a previously written report to a png.
func RenderReportChartsFromJson(report ReportMetrics) ([]byte, error) {
	return renderReportCharts(charts.PainterOptions{
		OutputFormat: charts.ChartOutputPNG,
		Width:        1024,
		Height:       768,
	}, report)
}

func chartOutputType(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return charts.ChartOutputPNG, nil
	case ".jpg", ".jpeg":
		return charts.ChartOutputJPG, nil
	case ".svg":
		return charts.ChartOutputSVG, nil
	default:
		return "", fmt.Errorf("unhandled chart file type: %s", path)
	}
}

func writeReportCharts(path string, report ReportMetrics) error {
	if path == "" {
		return nil
	}
	outputType, err := chartOutputType(path)
	if err != nil {
		return err
	}
	buf, err := renderReportCharts(charts.PainterOptions{
		OutputFormat: outputType,
		Width:        1024,
		Height:       1024,
	}, report)
	if err != nil {
		return fmt.Errorf("render charts failed: %w", err)
	} else if err = writeFileAtomic(path, buf); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

func renderReportCharts(painterOpt charts.PainterOptions, report ReportMetrics) ([]byte, error) {
	p := charts.NewPainter(painterOpt)
	if chartBox, err := renderChartsToPainter(p, report); err != nil {
		return nil, err
	} else if chartBox.Height() < p.Height()-128 || chartBox.Height() > p.Height() {
		// re-render with a smaller painter to better fit the charts
		painterOpt.Height = chartBox.Height()
		p = charts.NewPainter(painterOpt)
		if _, err := renderChartsToPainter(p, report); err != nil {
			return nil, err
		}
	}
	return p.Bytes()
}

type gaugeChart struct {
	title     string
	good, bad int
	theme     charts.ColorPalette
	// showAxis renders the value axis, otherwise only the percentage label is shown.
	showAxis bool
}

func renderGauge(p *charts.Painter, g gaugeChart) error {
	total := g.good + g.bad
	if total == 0 {
		font := charts.FontStyle{FontSize: 12, FontColor: g.theme.GetTitleTextColor(), Font: charts.GetDefaultFont()}
		p.Text(g.title+": none", 10, p.MeasureText(g.title, 0, font).Height()+10, 0, font)
		return nil
	}

	opt := charts.NewHorizontalBarChartOptionWithData([][]float64{{float64(g.good)}, {float64(g.bad)}})
	opt.StackSeries = charts.Ptr(true)
	opt.Theme = g.theme
	opt.Title.Text = g.title
	if g.showAxis {
		opt.XAxis.Unit = axisUnitForMax(total)
	} else {
		opt.XAxis.Show = charts.Ptr(false)
		opt.BarHeight = 22
	}
	opt.YAxis.Show = charts.Ptr(false)
	opt.SeriesList[1].Label.Show = charts.Ptr(true)
	opt.SeriesList[1].Label.FontStyle.FontColor = firstValueSeriesRankColor(opt.Theme, opt.SeriesList)
	opt.SeriesList[1].Label.ValueFormatter = func(bad float64) string {
		percent := 100.0 * (float64(total) - bad) / float64(total)
		if bad > 0 && percent > 99.9 {
			percent = 99.9 // never show 100% when something failed
		}
		return charts.FormatValueHumanize(percent, 1, false) + "%"
	}
	if err := p.HorizontalBarChart(opt); err != nil {
		return fmt.Errorf("error rendering chart: %w", err)
	}
	return nil
}

func renderChartsToPainter(p *charts.Painter, report ReportMetrics) (charts.Box, error) {
	const chartPadding = 10
	resultBox := charts.NewBoxEqual(0)
	resultBox.Right = p.Width()
	p.FilledRect(0, 0, p.Width(), p.Height(), charts.ColorWhite, charts.ColorWhite, 0)
	p = p.Child(charts.PainterPaddingOption(charts.NewBox(0, chartPadding, chartPadding, chartPadding)))

	titleFont := charts.FontStyle{
		FontSize:  16,
		FontColor: charts.ColorBlack,
		Font:      charts.GetDefaultFont(),
	}
	title := "tressa run " + report.GeneratedAt.Format(time.DateTime)
	if report.Strict {
		title += " (strict)"
	}
	titleBox := p.MeasureText(title, 0, titleFont)
	resultBox.Bottom += titleBox.Height()

	const middleUpShift = "-40" // overlap amount between rows
	painters, err := p.LayoutByRows().RowGap(strconv.Itoa(titleBox.Height())).
		Row().Height("128").Columns("topLeft", "topRight").
		Row().Height("112").RowOffset(middleUpShift).Columns("middleLeft", "middleRight").
		Row().Columns("bottom"). // remaining space for the insertion table
		Build()
	if err != nil {
		return resultBox, fmt.Errorf("error building chart layout: %w", err)
	}

	themeGreenRed := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			charts.ColorGreenAlt1,
			charts.ColorRed,
		})
	themeGreenYellow := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			charts.ColorGreenAlt1,
			{ /* Golden yellow */ R: 220, G: 210, B: 100, A: 255},
		})

	totals := report.Totals
	gauges := []struct {
		painter string
		chart   gaugeChart
	}{
		{"topLeft", gaugeChart{
			title: "Insertions Placed", theme: themeGreenRed, showAxis: true,
			good: totals.InsertionCount, bad: totals.SkippedCount,
		}},
		{"topRight", gaugeChart{
			title: "Assert Functions Placed", theme: themeGreenYellow, showAxis: true,
			good: totals.AssertFunctionCount - totals.UnplacedAssertFunctionCount,
			bad:  totals.UnplacedAssertFunctionCount,
		}},
		{"middleLeft", gaugeChart{
			title: "Modules Instrumented", theme: themeGreenRed,
			good: totals.ModuleCount - totals.FailedModuleCount, bad: totals.FailedModuleCount,
		}},
		{"middleRight", gaugeChart{
			title: "Cache Hits", theme: themeGreenYellow,
			good: totals.CachedModuleCount, bad: totals.ModuleCount - totals.CachedModuleCount,
		}},
	}
	for _, g := range gauges {
		if err := renderGauge(painters[g.painter], g.chart); err != nil {
			return resultBox, err
		}
	}
	resultBox.Bottom += max(painters["topLeft"].Height(), painters["topRight"].Height()) +
		max(painters["middleLeft"].Height(), painters["middleRight"].Height())

	bottom := painters["bottom"]
	rows := insertionTableRows(report)
	if len(rows) == 0 {
		text := "No Assert Functions Found"
		textBox := bottom.MeasureText(text, 0, titleFont)
		bottom.Text(text, (bottom.Width()-textBox.Width())/2, bottom.Height()/2, 0, titleFont)
		resultBox.Bottom += textBox.Height() * 2
	} else {
		tableTitle := "Assert Functions"
		tableTitleFont := charts.FontStyle{
			FontSize:  12,
			FontColor: themeGreenRed.GetTitleTextColor(),
			Font:      charts.GetDefaultFont(),
		}
		tableTitleBox := bottom.MeasureText(tableTitle, 0, tableTitleFont)
		bottom.Text(tableTitle, 10, tableTitleBox.Height(), 0, tableTitleFont)
		rowColors := []charts.Color{
			{R: 240, G: 240, B: 240, A: 255},
			charts.ColorTransparent,
		}
		if len(rows)%2 == 0 {
			// reverse row colors so table end is opposite of transparent
			rowColors[0], rowColors[1] = rowColors[1], rowColors[0]
		}
		defaultCellFontStyle := charts.FontStyle{
			FontSize:  12,
			FontColor: charts.Color{R: 50, G: 50, B: 50, A: 255},
			Font:      charts.GetDefaultFont(),
		}
		tableOpt := charts.TableChartOption{
			Header:                []string{"Assert Function", "Module", "Insertions", "Specs"},
			Data:                  rows,
			HeaderBackgroundColor: charts.Color{R: 210, G: 210, B: 210, A: 255},
			RowBackgroundColors:   rowColors,
			Padding:               charts.NewBoxEqual(10),
			Spans:                 []int{24, 16, 8, 20},
			TextAligns:            []string{charts.AlignLeft, charts.AlignLeft, charts.AlignCenter, charts.AlignLeft},
			CellModifier: func(cell charts.TableCell) charts.TableCell {
				if cell.Row == 0 {
					return cell
				}
				cell.FontStyle = defaultCellFontStyle // reset, cells share the style between calls
				switch cell.Column {
				case 2:
					if cell.Text == "0" {
						cell.FontStyle.FontColor = redTextColor
					} else {
						cell.FontStyle.FontColor = greenTextColor
					}
				case 3:
					cell.FontStyle.FontSize = 8
				}
				return cell
			},
		}
		tablePainter := bottom.Child(charts.PainterPaddingOption(charts.NewBox(10, tableTitleBox.Height()+8, 0, 0)))
		if err := tablePainter.TableChart(tableOpt); err != nil {
			return resultBox, fmt.Errorf("error rendering table: %w", err)
		}
		// re-render to measure, the table painter does not report its size
		tableOpt.Width = bottom.Width()
		if tp, _ := charts.TableOptionRenderDirect(tableOpt); tp != nil {
			resultBox.Bottom += tableTitleBox.Height() + tp.Height()
		} else {
			resultBox.Bottom += bottom.Height()
		}
	}

	p.Text(title, (p.Width()/2)-(titleBox.Width()/2), titleBox.Height(), 0, titleFont)
	return resultBox, nil
}

// insertionTableRows lists assert functions, the ones without any insertion first.
func insertionTableRows(report ReportMetrics) [][]string {
	type row struct {
		name, module, specs string
		count               int
	}
	var rows []row
	for _, m := range report.Modules {
		specs := make(map[string][]string)
		for _, ic := range m.Insertions {
			if !slices.Contains(specs[ic.AssertFunction], ic.SpecText) {
				specs[ic.AssertFunction] = append(specs[ic.AssertFunction], ic.SpecText)
			}
		}
		for name, count := range m.InsertionCounts() {
			specText := strings.Join(specs[name], " ")
			if len(specText) > 40 {
				specText = specText[:38] + ".."
			}
			rows = append(rows, row{name: name, module: filepath.Base(m.Module), specs: specText, count: count})
		}
	}
	slices.SortFunc(rows, func(a, b row) int {
		if (a.count == 0) != (b.count == 0) {
			if a.count == 0 {
				return -1
			}
			return 1
		} else if c := strings.Compare(a.module, b.module); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	if len(rows) > bottomTableMaxRecords {
		rows = rows[:bottomTableMaxRecords]
	}
	data := make([][]string, len(rows))
	for i, r := range rows {
		data[i] = []string{r.name, r.module, strconv.Itoa(r.count), r.specs}
	}
	return data
}

func firstValueSeriesRankColor(theme charts.ColorPalette, sl charts.HorizontalBarSeriesList) charts.Color {
	sum := sl.SumSeriesValues()
	if sl[0].Values[0] < sum[0]/2 {
		return redTextColor
	} else if sl[0].Values[0] < sum[0]*.8 {
		return orangeTextColor
	} else {
		return theme.GetLabelTextColor()
	}
}

func axisUnitForMax(val int) float64 {
	if val >= 8000 {
		return 2000
	} else if val > 2000 {
		return 1000
	} else if val >= 800 {
		return 200
	} else if val > 200 {
		return 100
	} else if val >= 80 {
		return 20
	} else if val > 20 {
		return 10
	} else if val >= 10 {
		return 2
	} else {
		return 1
	}
}
