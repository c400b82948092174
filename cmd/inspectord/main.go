package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fenwick-vision/inspectord/pkg/api"
	"github.com/fenwick-vision/inspectord/pkg/capability"
	"github.com/fenwick-vision/inspectord/pkg/config"
	"github.com/fenwick-vision/inspectord/pkg/logger"
	"github.com/fenwick-vision/inspectord/pkg/resultsink"
	"github.com/fenwick-vision/inspectord/pkg/store"
)

// defaultGPIOAssignments is the fixed OUT1..OUT8 -> gpiochip line
// mapping for the gpio backend. OUT1..OUT3 are wired to BUSY/OK-
// pulse/NG-pulse by the trigger controller; OUT4..OUT8 are operator-
// bound.
var defaultGPIOAssignments = map[capability.Line]int{
	capability.Out1: 1,
	capability.Out2: 2,
	capability.Out3: 3,
	capability.Out4: 4,
	capability.Out5: 5,
	capability.Out6: 6,
	capability.Out7: 7,
	capability.Out8: 8,
}

func main() {
	fs := flag.NewFlagSet("inspectord", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envPath := fs.String("env", ".env", "path to the .env-style configuration file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Machine-vision inspection appliance runtime\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	logger.SetDefault(log)

	log.Info("starting inspection appliance runtime", "log_config", logFlags.String())

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "listen_addr", cfg.Server.ListenAddr, "camera_backend", cfg.Camera.Backend, "io_backend", cfg.IO.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	st, err := store.Open(cfg.Store.DBPath, cfg.Store.MasterImgDir)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	camera, err := buildCamera(cfg.Camera, log)
	if err != nil {
		log.Error("failed to build camera capability", "error", err)
		os.Exit(1)
	}
	defer camera.Close()

	io := buildIO(cfg.IO, log)

	clock := capability.NewSystemClock()
	sink := resultsink.New(st)

	go pruneLoop(ctx, st, cfg.Store.ResultRetention, log)

	runtime := api.NewRuntime(camera, io, clock, st, sink, cfg.Diag, log)
	apiServer := api.NewServer(st, sink, runtime, log)

	if err := apiServer.Start(ctx, cfg.Server.ListenAddr); err != nil {
		log.Error("failed to start HTTP server", "error", err)
		os.Exit(1)
	}

	log.Info("ready - press Ctrl+C to stop")
	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := apiServer.Stop(stopCtx); err != nil {
		log.Error("error during HTTP server shutdown", "error", err)
	}

	log.Info("graceful shutdown complete")
}

// pruneLoop enforces the cycle-result retention bound on a fixed
// period. Retention is the only scheduled deletion path for results;
// it runs off the hot path and never touches an in-flight cycle.
func pruneLoop(ctx context.Context, st *store.Store, keep int, log *logger.Logger) {
	if keep <= 0 {
		return
	}
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.PruneResults(keep); err != nil {
				log.Error("cycle-result retention prune failed", "error", err)
			}
		}
	}
}

func buildCamera(cfg config.CameraConfig, log *logger.Logger) (capability.Camera, error) {
	switch cfg.Backend {
	case config.CameraNetwork:
		return capability.NewNetworkCamera(cfg.SnapshotURL, cfg.RTSPURL, log), nil
	case config.CameraSimulated:
		return capability.NewSimulatedCamera(), nil
	default:
		return nil, fmt.Errorf("unknown camera backend %q", cfg.Backend)
	}
}

func buildIO(cfg config.IOConfig, log *logger.Logger) capability.DigitalIO {
	if cfg.Backend == "gpio" {
		return capability.NewGPIOWriter(cfg.Chip, defaultGPIOAssignments, log)
	}
	return capability.NewSimulatedIO(log)
}
