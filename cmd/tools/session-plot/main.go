// session-plot renders PNG plots from a recorded control session: per-joint
// target-vs-actual tracking from a recorder CSV, plus the inference latency
// series from either the CSV or the telemetry store.
//
// Usage:
//
//	session-plot -csv log/robot_control_20250314_093000.csv [-out plots]
//	session-plot -db gaitd.db [-session id] [-out plots]
package main

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/stride-robotics/gaitd/internal/telemetry"
)

var (
	csvPath = flag.String("csv", "", "Recorder CSV to plot")
	dbPath  = flag.String("db", "", "Telemetry store to plot from")
	session = flag.String("session", "", "Session id (default: most recent)")
	outDir  = flag.String("out", "plots", "Output directory")
)

var (
	targetColor = color.RGBA{R: 215, G: 70, B: 60, A: 255}
	actualColor = color.RGBA{R: 50, G: 100, B: 200, A: 255}
)

// columns holds a recorder CSV keyed by header name. Each series carries
// its own X values because columns can be ragged: a key only present on
// some ticks has fewer points than the timestamp column.
type columns struct {
	order  []string
	series map[string]plotter.XYs
}

func readColumns(path string) (*columns, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	tsIdx := -1
	for i, name := range header {
		if name == "timestamp" {
			tsIdx = i
			break
		}
	}

	c := &columns{order: header, series: make(map[string]plotter.XYs, len(header))}
	for row, rec := range records {
		x := float64(row)
		if tsIdx >= 0 && tsIdx < len(rec) && rec[tsIdx] != "" {
			if v, err := strconv.ParseFloat(rec[tsIdx], 64); err == nil {
				x = v
			}
		}
		for i, cell := range rec {
			if i >= len(header) || cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: row %d column %s: %w", path, row+2, header[i], err)
			}
			c.series[header[i]] = append(c.series[header[i]], plotter.XY{X: x, Y: v})
		}
	}
	return c, nil
}

// jointNames lists the joints with both a _target and an _actual column,
// in header order.
func jointNames(c *columns) []string {
	var names []string
	for _, key := range c.order {
		name, ok := strings.CutSuffix(key, "_target")
		if !ok {
			continue
		}
		if _, ok := c.series[name+"_actual"]; ok {
			names = append(names, name)
		}
	}
	return names
}

func newLine(pts plotter.XYs, col color.Color) (*plotter.Line, error) {
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Color = col
	line.Width = vg.Points(1)
	return line, nil
}

func renderJoint(dir, name string, i int, target, actual plotter.XYs) error {
	p := plot.New()
	p.Title.Text = name + " tracking"
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Position (rad)"

	tLine, err := newLine(target, targetColor)
	if err != nil {
		return err
	}
	p.Add(tLine)
	p.Legend.Add("target", tLine)

	aLine, err := newLine(actual, actualColor)
	if err != nil {
		return err
	}
	p.Add(aLine)
	p.Legend.Add("actual", aLine)

	p.Legend.Top = true
	file := filepath.Join(dir, fmt.Sprintf("joint_%02d_%s.png", i, name))
	if err := p.Save(10*vg.Inch, 4*vg.Inch, file); err != nil {
		return fmt.Errorf("save %s: %w", file, err)
	}
	return nil
}

func renderLatency(dir, xLabel string, pts plotter.XYs) error {
	p := plot.New()
	p.Title.Text = "Inference latency"
	p.X.Label.Text = xLabel
	p.Y.Label.Text = "Latency (ms)"

	line, err := newLine(pts, actualColor)
	if err != nil {
		return err
	}
	p.Add(line)

	file := filepath.Join(dir, "latency.png")
	if err := p.Save(10*vg.Inch, 4*vg.Inch, file); err != nil {
		return fmt.Errorf("save %s: %w", file, err)
	}
	return nil
}

func renderActionRange(dir string, minPts, maxPts plotter.XYs) error {
	p := plot.New()
	p.Title.Text = "Action range"
	p.X.Label.Text = "Step"
	p.Y.Label.Text = "Action"

	minLine, err := newLine(minPts, actualColor)
	if err != nil {
		return err
	}
	p.Add(minLine)
	p.Legend.Add("min", minLine)

	maxLine, err := newLine(maxPts, targetColor)
	if err != nil {
		return err
	}
	p.Add(maxLine)
	p.Legend.Add("max", maxLine)

	p.Legend.Top = true
	file := filepath.Join(dir, "action_range.png")
	if err := p.Save(10*vg.Inch, 4*vg.Inch, file); err != nil {
		return fmt.Errorf("save %s: %w", file, err)
	}
	return nil
}

// plotCSV renders the per-joint tracking plots and, when the recorder
// logged inference columns, the latency series. Returns the plot count.
func plotCSV(path, dir string) (int, error) {
	cols, err := readColumns(path)
	if err != nil {
		return 0, err
	}

	count := 0
	for i, name := range jointNames(cols) {
		if err := renderJoint(dir, name, i, cols.series[name+"_target"], cols.series[name+"_actual"]); err != nil {
			return count, err
		}
		count++
	}

	if lat, ok := cols.series["inference_latency_us"]; ok {
		pts := make(plotter.XYs, len(lat))
		for i, xy := range lat {
			pts[i] = plotter.XY{X: xy.X, Y: xy.Y / 1000}
		}
		if err := renderLatency(dir, "Time (s)", pts); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// plotStore renders the latency and action-range series for one session.
func plotStore(path, sessionID, dir string) (int, error) {
	store, err := telemetry.OpenStore(path)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	if sessionID == "" {
		sessions, err := store.Sessions(1)
		if err != nil {
			return 0, err
		}
		if len(sessions) == 0 {
			return 0, errors.New("store has no sessions")
		}
		sessionID = sessions[0].ID
		log.Printf("using most recent session %s", sessionID)
	}

	ticks, err := store.InferenceTicks(sessionID)
	if err != nil {
		return 0, err
	}
	if len(ticks) == 0 {
		return 0, fmt.Errorf("session %s has no inference ticks", sessionID)
	}

	latency := make(plotter.XYs, len(ticks))
	minPts := make(plotter.XYs, len(ticks))
	maxPts := make(plotter.XYs, len(ticks))
	for i, tick := range ticks {
		x := float64(tick.Step)
		latency[i] = plotter.XY{X: x, Y: float64(tick.Latency) / float64(time.Millisecond)}
		minPts[i] = plotter.XY{X: x, Y: tick.ActionMin}
		maxPts[i] = plotter.XY{X: x, Y: tick.ActionMax}
	}

	if err := renderLatency(dir, "Step", latency); err != nil {
		return 0, err
	}
	if err := renderActionRange(dir, minPts, maxPts); err != nil {
		return 1, err
	}
	return 2, nil
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"Usage: session-plot (-csv file | -db file [-session id]) [-out dir]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *csvPath == "" && *dbPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("create %s: %v", *outDir, err)
	}

	count := 0
	if *csvPath != "" {
		n, err := plotCSV(*csvPath, *outDir)
		count += n
		if err != nil {
			log.Fatalf("%v", err)
		}
	}
	if *dbPath != "" {
		n, err := plotStore(*dbPath, *session, *outDir)
		count += n
		if err != nil {
			log.Fatalf("%v", err)
		}
	}
	log.Printf("wrote %d plots to %s", count, *outDir)
}
