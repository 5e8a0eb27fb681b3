// Command kspaced consumes a gob-framed acquisition stream, routes and sorts
// it and hands completed groups to the external reconstruction collaborator.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrphysics-bonn/kspace-stream/internal/config"
	"github.com/mrphysics-bonn/kspace-stream/internal/metrics"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/girf"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/monitor"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/pipeline"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/protocol"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/recon"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/router"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/storage/sqlite"
	"github.com/mrphysics-bonn/kspace-stream/internal/monitoring"
)

var configPath = flag.String("config", "", "Path to the YAML config file")

// logSink prints emitted images and waveforms; a real deployment replaces it
// with the scanner's image-emission connection.
type logSink struct{}

func (logSink) EmitImage(img *mri.Image) error {
	rows, cols := 0, 0
	if len(img.Data) > 0 {
		rows, cols = len(img.Data), len(img.Data[0])
	}
	monitoring.Logf("[sink] image: slice %d contrast %d rep %d (%dx%d)", img.Slice, img.Contrast, img.Repetition, rows, cols)
	return nil
}

func (logSink) EmitWaveform(w *mri.Waveform) error {
	monitoring.Logf("[sink] waveform %d at %d (%d channels)", w.ID, w.Timestamp, len(w.Data))
	return nil
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	monitoring.SetDebug(cfg.Logging.Debug)
	pipeline.SetLogWriters(os.Stderr, os.Stderr)

	snap, err := protocol.Load(cfg.Stream.ProtocolPath)
	if err != nil {
		log.Fatalf("load protocol: %v", err)
	}

	var predictor *girf.Predictor
	if !snap.IsCartesian() {
		resp, err := loadResponse(cfg.Stream.GIRFPath, snap)
		if err != nil {
			log.Fatalf("load impulse response: %v", err)
		}
		predictor, err = girf.NewPredictor(resp)
		if err != nil {
			log.Fatalf("build predictor: %v", err)
		}
	}

	var reconstructor *recon.Exec
	if cfg.Recon.Binary != "" {
		reconstructor, err = recon.NewExec(cfg.Recon.Binary, cfg.Recon.WorkDir, cfg.Recon.Timeout)
		if err != nil {
			log.Fatalf("configure collaborator: %v", err)
		}
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Fatalf("register metrics: %v", err)
	}
	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Address)
	}

	var store *sqlite.SessionStore
	sessionID := uuid.New().String()
	if cfg.Store.Enabled {
		store, err = sqlite.Open(cfg.Store.Path)
		if err != nil {
			log.Fatalf("open audit store: %v", err)
		}
		defer store.Close()
		if err := store.BeginSession(&sqlite.Session{
			SessionID:    sessionID,
			ProtocolPath: cfg.Stream.ProtocolPath,
			Trajectory:   snap.TrajectoryType,
			Channels:     snap.Channels,
		}); err != nil {
			log.Fatalf("begin session: %v", err)
		}
	}

	var plotter pipeline.Plotter
	if cfg.Plotting.Enabled {
		p, err := monitor.NewTrajectoryPlotter(cfg.Plotting.Dir)
		if err != nil {
			log.Fatalf("configure plotter: %v", err)
		}
		plotter = p
	}

	input := os.Stdin
	if cfg.Stream.Input != "" && cfg.Stream.Input != "-" {
		f, err := os.Open(cfg.Stream.Input)
		if err != nil {
			log.Fatalf("open stream: %v", err)
		}
		defer f.Close()
		input = f
	}

	rtr := router.New(snap, predictor, reconCalibrator(reconstructor), router.Config{
		ConsumeNavigators: cfg.Stream.ConsumeNavigators,
		WhitenScale:       cfg.Stream.WhitenScale,
	})
	p := pipeline.New(snap, rtr, reconReconstructor(reconstructor), reconCalibrator(reconstructor), logSink{}, pipeline.Options{
		Store:               store,
		Plotter:             plotter,
		SessionID:           sessionID,
		TrailingPolicy:      router.TrailingPolicy(cfg.Stream.TrailingPolicy),
		FallbackSensitivity: cfg.Recon.FallbackSensitivity,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	runErr := p.Run(ctx, pipeline.ReadStream(ctx, input))

	outcome := "ok"
	if runErr != nil {
		outcome = runErr.Error()
	}
	if store != nil {
		if err := store.FinishSession(sessionID, outcome); err != nil {
			log.Printf("finish session: %v", err)
		}
	}
	if runErr != nil {
		log.Fatalf("stream failed after %s: %v", time.Since(start).Round(time.Millisecond), runErr)
	}
	monitoring.Logf("stream processed in %s", time.Since(start).Round(time.Millisecond))
}

// loadResponse loads the measured impulse response, or falls back to an
// identity response matched to the protocol's gradient length.
func loadResponse(path string, snap *protocol.Snapshot) (*girf.ImpulseResponse, error) {
	if path != "" {
		return girf.LoadImpulseResponse(path)
	}
	n := 1
	if g, ok := snap.NominalGradient(0); ok && len(g) > 0 {
		n = len(g[0])
	}
	monitoring.Logf("no impulse response configured, using identity (%d samples)", n)
	return girf.Identity(n, 10e-6), nil
}

// The nil checks keep a typed-nil *recon.Exec out of the interface values.
func reconCalibrator(e *recon.Exec) recon.Calibrator {
	if e == nil {
		return nil
	}
	return e
}

func reconReconstructor(e *recon.Exec) recon.Reconstructor {
	if e == nil {
		return nil
	}
	return e
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics listener: %v", err)
	}
}
