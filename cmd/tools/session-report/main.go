// session-report renders an interactive HTML report for one control
// session: inference latency, action range and clipping pressure across the
// episode, with the session metadata in the chart headers.
//
// Usage: session-report -db gaitd.db [-session id] [-out report.html]
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/stride-robotics/gaitd/internal/telemetry"
)

var (
	dbPath  = flag.String("db", "gaitd.db", "Telemetry store")
	session = flag.String("session", "", "Session id (default: most recent)")
	outPath = flag.String("out", "report.html", "Output HTML file")
)

func loadSession(store *telemetry.Store, id string) (telemetry.Session, []telemetry.InferenceTick, error) {
	var (
		sess telemetry.Session
		err  error
	)
	if id == "" {
		sessions, err := store.Sessions(1)
		if err != nil {
			return telemetry.Session{}, nil, err
		}
		if len(sessions) == 0 {
			return telemetry.Session{}, nil, errors.New("store has no sessions")
		}
		sess = sessions[0]
	} else {
		sess, err = store.SessionByID(id)
		if err != nil {
			return telemetry.Session{}, nil, err
		}
	}

	ticks, err := store.InferenceTicks(sess.ID)
	if err != nil {
		return telemetry.Session{}, nil, err
	}
	if len(ticks) == 0 {
		return telemetry.Session{}, nil, fmt.Errorf("session %s has no inference ticks", sess.ID)
	}
	return sess, ticks, nil
}

func subtitle(sess telemetry.Session) string {
	return fmt.Sprintf("robot=%s policy=%s backend=%s dt=%v decimation=%d started=%s",
		sess.Robot, sess.PolicyPath, sess.Backend, sess.Dt, sess.Decimation,
		sess.StartedAt.Format(time.RFC3339))
}

func steps(ticks []telemetry.InferenceTick) []string {
	x := make([]string, len(ticks))
	for i, tick := range ticks {
		x[i] = strconv.FormatInt(tick.Step, 10)
	}
	return x
}

func latencyChart(sess telemetry.Session, ticks []telemetry.InferenceTick) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Session " + sess.ID}),
		charts.WithTitleOpts(opts.Title{Title: "Inference latency (ms)", Subtitle: subtitle(sess)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Step"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms"}),
	)

	data := make([]opts.LineData, len(ticks))
	for i, tick := range ticks {
		data[i] = opts.LineData{Value: float64(tick.Latency) / float64(time.Millisecond)}
	}
	line.SetXAxis(steps(ticks)).AddSeries("latency", data)
	return line
}

func actionChart(ticks []telemetry.InferenceTick) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Action range", Subtitle: "min and max decoded action per step"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Step"}),
	)

	minData := make([]opts.LineData, len(ticks))
	maxData := make([]opts.LineData, len(ticks))
	for i, tick := range ticks {
		minData[i] = opts.LineData{Value: tick.ActionMin}
		maxData[i] = opts.LineData{Value: tick.ActionMax}
	}
	line.SetXAxis(steps(ticks)).
		AddSeries("min", minData).
		AddSeries("max", maxData)
	return line
}

func clipChart(ticks []telemetry.InferenceTick) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Clipped elements", Subtitle: "action values pinned to a bound"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Step"}),
	)

	data := make([]opts.BarData, len(ticks))
	for i, tick := range ticks {
		data[i] = opts.BarData{Value: tick.Clipped}
	}
	bar.SetXAxis(steps(ticks)).AddSeries("clipped", data)
	return bar
}

// writeReport renders the full page to path.
func writeReport(store *telemetry.Store, sessionID, path string) (telemetry.Session, error) {
	sess, ticks, err := loadSession(store, sessionID)
	if err != nil {
		return telemetry.Session{}, err
	}

	page := components.NewPage()
	page.AddCharts(latencyChart(sess, ticks), actionChart(ticks), clipChart(ticks))

	f, err := os.Create(path)
	if err != nil {
		return telemetry.Session{}, err
	}
	if err := page.Render(f); err != nil {
		f.Close()
		return telemetry.Session{}, fmt.Errorf("render report: %w", err)
	}
	return sess, f.Close()
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"Usage: session-report [-db file] [-session id] [-out report.html]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	store, err := telemetry.OpenStore(*dbPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer store.Close()

	sess, err := writeReport(store, *session, *outPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("wrote %s for session %s (%s)", *outPath, sess.ID, sess.Robot)
}
