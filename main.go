// Command gaitd runs a trained locomotion policy on a legged robot. It
// listens for state frames from the motor bridge on a network interface,
// assembles observations, runs inference at the decimated rate and streams
// joint commands back, with a status and debug HTTP surface on the side.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/stride-robotics/gaitd/internal/backend"
	"github.com/stride-robotics/gaitd/internal/backend/mlp"
	"github.com/stride-robotics/gaitd/internal/backend/onnx"
	"github.com/stride-robotics/gaitd/internal/config"
	"github.com/stride-robotics/gaitd/internal/control"
	"github.com/stride-robotics/gaitd/internal/input"
	"github.com/stride-robotics/gaitd/internal/monitoring"
	"github.com/stride-robotics/gaitd/internal/policy"
	"github.com/stride-robotics/gaitd/internal/robot"
	"github.com/stride-robotics/gaitd/internal/telemetry"
	"github.com/stride-robotics/gaitd/internal/transport"
	"github.com/stride-robotics/gaitd/internal/version"
)

var (
	configPath  = flag.String("config", "", "Deployment file (default: gaitd.yaml, then config/gaitd.yaml)")
	httpAddr    = flag.String("http", ":8080", "Status/debug listen address, empty disables")
	dryRun      = flag.Bool("dry-run", false, "Load and probe the models, print their handles, exit")
	verbose     = flag.Bool("verbose", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(),
		"Usage: gaitd [flags] <interface>\n\nRuns the control daemon against the motor bridge on the named network interface.\n\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetDebug(*verbose)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	if *dryRun {
		if err := probeModels(cfg, os.Stdout); err != nil {
			log.Fatal(err)
		}
		return
	}

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	if err := run(cfg, flag.Arg(0)); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadDefault()
	}
	return config.Load(path)
}

// backendFor picks the engine by artifact extension.
func backendFor(cfg *config.Config, path string) (backend.Backend, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".onnx":
		return onnx.New(onnx.Config{
			LibraryPath:    cfg.Policy.OrtLibrary,
			IntraOpThreads: cfg.GetThreads(),
			InterOpThreads: cfg.GetThreads(),
		}), nil
	case ".json":
		return mlp.New(), nil
	default:
		return nil, fmt.Errorf("model %s: want a .onnx graph or a .json weights file", path)
	}
}

// loadBackends builds and loads the primary and the optional fallback
// engine. A single engine failing to load is logged and tolerated; the run
// aborts only when nothing loaded.
func loadBackends(cfg *config.Config) (primary, secondary backend.Backend, err error) {
	primary, err = backendFor(cfg, cfg.Policy.Model)
	if err != nil {
		return nil, nil, err
	}
	if err := primary.Load(cfg.Policy.Model); err != nil {
		log.Printf("primary policy: %v", err)
	}

	if cfg.Policy.Fallback != "" {
		secondary, err = backendFor(cfg, cfg.Policy.Fallback)
		if err != nil {
			return nil, nil, err
		}
		if err := secondary.Load(cfg.Policy.Fallback); err != nil {
			log.Printf("fallback policy: %v", err)
		}
	}

	if !primary.Loaded() && (secondary == nil || !secondary.Loaded()) {
		return nil, nil, errors.New("no policy backend loaded")
	}
	return primary, secondary, nil
}

// activeBackend names the engine the orchestrator will pick first.
func activeBackend(primary, secondary backend.Backend) string {
	if primary != nil && primary.Loaded() {
		return primary.Handle().Kind
	}
	if secondary != nil && secondary.Loaded() {
		return secondary.Handle().Kind
	}
	return "none"
}

// probeModels loads every configured model, prints its handle table and
// runs the zero-input probe. Used by -dry-run to vet a deployment file on
// the bench without touching the robot.
func probeModels(cfg *config.Config, w io.Writer) error {
	paths := []string{cfg.Policy.Model}
	if cfg.Policy.Fallback != "" {
		paths = append(paths, cfg.Policy.Fallback)
	}

	var failed bool
	for _, path := range paths {
		eng, err := backendFor(cfg, path)
		if err != nil {
			return err
		}
		if err := eng.Load(path); err != nil {
			fmt.Fprintf(w, "%s: %v\n", path, err)
			failed = true
			continue
		}
		fmt.Fprint(w, eng.Handle())
		outs, err := eng.Probe()
		if err != nil {
			fmt.Fprintf(w, "  probe: %v\n", err)
			failed = true
		} else {
			for _, t := range outs {
				fmt.Fprintf(w, "  probe %s\n", t)
			}
		}
		eng.Close()
	}
	if err := onnx.Shutdown(); err != nil {
		log.Printf("onnx shutdown: %v", err)
	}
	if failed {
		return errors.New("model probe failed")
	}
	return nil
}

// buildInput constructs the intent source. The cleanup func releases any
// device the source holds.
func buildInput(cfg *config.Config) (control.IntentSource, func()) {
	switch cfg.GetInputKind() {
	case "serial":
		rc := input.NewSerialRC(input.SerialConfig{Port: cfg.Input.Port, Baud: cfg.GetBaud()})
		return rc, func() { rc.Close() }
	case "none":
		return nil, func() {}
	default:
		return input.NewKeys(os.Stdin), func() {}
	}
}

func run(cfg *config.Config, iface string) error {
	log.Print(version.String())

	var (
		store    *telemetry.Store
		recorder *telemetry.Recorder
	)
	if cfg.GetTelemetryEnabled() {
		var err error
		store, err = telemetry.OpenStore(cfg.GetDatabase())
		if err != nil {
			return err
		}
		defer store.Close()
		recorder = telemetry.NewRecorder(telemetry.RecorderConfig{JointNames: cfg.Robot.JointNames})
	}

	bus, err := transport.NewUDPBus(cfg.UDPConfig(iface))
	if err != nil {
		return err
	}
	defer bus.Close()

	primary, secondary, err := loadBackends(cfg)
	if err != nil {
		return err
	}
	defer func() {
		primary.Close()
		if secondary != nil {
			secondary.Close()
		}
		if err := onnx.Shutdown(); err != nil {
			log.Printf("onnx shutdown: %v", err)
		}
	}()

	handles := []backend.Handle{primary.Handle()}
	if secondary != nil {
		handles = append(handles, secondary.Handle())
	}

	hist, offsets, err := cfg.HistoryBuffer()
	if err != nil {
		return err
	}
	orch, err := policy.New(policy.Config{
		Primary:   primary,
		Secondary: secondary,
		History:   hist,
		Offsets:   offsets,
		Clip:      cfg.Clip(),
		Decode:    cfg.DecodeSlots(),
	})
	if err != nil {
		return err
	}

	oc, err := cfg.ObserverConfig()
	if err != nil {
		return err
	}
	observer, err := robot.NewObserver(oc)
	if err != nil {
		return err
	}

	strategy, err := robot.NewStrategy(cfg.GetStrategy(), cfg.StrategyConfig())
	if err != nil {
		return err
	}

	source, closeSource := buildInput(cfg)
	defer closeSource()

	kind := activeBackend(primary, secondary)

	var sessionID string
	runnerCfg := control.RunnerConfig{
		Bus:          bus,
		Strategy:     strategy,
		Observer:     observer,
		Orchestrator: orch,
		Source:       source,
		Intent:       control.NewIntent(cfg.Robot.MaxVx, cfg.Robot.MaxVy, cfg.Robot.MaxWz),
		Dt:           cfg.GetDt(),
		Decimation:   cfg.Control.Decimation,
		InputPeriod:  cfg.GetInputPeriod(),
		DiagPeriod:   cfg.GetDiagPeriod(),
	}
	if recorder != nil {
		runnerCfg.Recorder = recorder
	}
	if store != nil {
		sessionID, err = store.BeginSession(telemetry.SessionMeta{
			Robot:      cfg.Robot.Name,
			PolicyPath: cfg.Policy.Model,
			Backend:    kind,
			Interface:  iface,
			Dt:         cfg.GetDt(),
			Decimation: cfg.Control.Decimation,
		})
		if err != nil {
			return err
		}
		runnerCfg.Sink = telemetry.NewSessionSink(store, sessionID, cfg.Clip())
	}

	runner, err := control.NewRunner(runnerCfg)
	if err != nil {
		return err
	}

	shutdown := &telemetry.ShutdownHandler{
		Recorder: recorder,
		Dir:      cfg.GetTelemetryDir(),
		Store:    store,
		Session:  sessionID,
	}
	defer shutdown.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runner.Start(ctx); err != nil {
		return err
	}
	defer runner.Stop()

	var wg sync.WaitGroup
	if *httpAddr != "" {
		srv := NewServer(ServerConfig{
			Runner:  runner,
			Store:   store,
			Robot:   cfg.Robot.Name,
			Session: sessionID,
			Handles: handles,
		})
		mux, err := srv.ServeMux()
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, *httpAddr, mux)
		}()
	}
	defer wg.Wait()

	log.Printf("running on %s (robot %q, strategy %s, backend %s)", iface, cfg.Robot.Name, cfg.GetStrategy(), kind)

	select {
	case <-ctx.Done():
		log.Print("signal received, shutting down")
	case <-runner.Done():
		log.Print("control loop stopped, shutting down")
		stop()
	}

	runner.Stop()
	shutdown.Shutdown()
	return nil
}

// serveHTTP runs the status server until ctx is cancelled. A failure to
// bind is logged rather than fatal; losing the debug surface must not take
// the control loop down.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) {
	server := &http.Server{Addr: addr, Handler: handler}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}
