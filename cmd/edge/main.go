// Command sentinel-edge runs one Edge node: it produces frames, keeps the
// link to the Center alive and buffers significant events locally while the
// Center is unreachable.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"tailscale.com/tsweb"

	"github.com/banshee-data/sentinel/internal/config"
	"github.com/banshee-data/sentinel/internal/db"
	"github.com/banshee-data/sentinel/internal/edge/buffer"
	"github.com/banshee-data/sentinel/internal/edge/link"
	"github.com/banshee-data/sentinel/internal/edge/source"
	"github.com/banshee-data/sentinel/internal/health"
	"github.com/banshee-data/sentinel/internal/httputil"
	"github.com/banshee-data/sentinel/internal/model"
	"github.com/banshee-data/sentinel/internal/monitoring"
	"github.com/banshee-data/sentinel/internal/motion"
	"github.com/banshee-data/sentinel/internal/transport"
	"github.com/banshee-data/sentinel/internal/version"
)

var (
	assetID    = flag.String("asset", "", "Asset ID of this node (required)")
	natsURL    = flag.String("nats", nats.DefaultURL, "NATS URL of the Center link")
	tuningPath = flag.String("tuning", config.DefaultConfigPath, "Path to the tuning JSON file")
	dbPath     = flag.String("db", "edge.db", "Path to the local event buffer database")
	listen     = flag.String("listen", ":8081", "HTTP listen address for /metrics, /api/status and /debug/")
	healthAddr = flag.String("health-listen", ":50052", "gRPC health listen address")
	envFile    = flag.String("env-file", ".env", "Optional .env file; SENTINEL_EDGE_<FLAG> variables fill unset flags")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn or error")
	logFormat  = flag.String("log-format", "json", "Log format: json or console")
	fps        = flag.Float64("fps", 5, "Synthetic source frame rate")
	seed       = flag.Int64("seed", 1, "Synthetic source noise seed")
)

const envPrefix = "SENTINEL_EDGE"

// status is served on /api/status.
type status struct {
	AssetID       string       `json:"asset_id"`
	State         string       `json:"state"`
	FramesDropped uint64       `json:"frames_dropped"`
	Buffer        buffer.Stats `json:"buffer"`
}

func main() {
	flag.Parse()
	if err := config.LoadEnv(flag.CommandLine, *envFile, envPrefix); err != nil {
		log.Fatalf("failed to read environment: %v", err)
	}

	logger, err := monitoring.NewLogger(*logLevel, *logFormat, "sentinel-edge")
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	monitoring.RedirectLogf(logger)

	if *assetID == "" {
		logger.Fatal("asset ID is required", zap.String("flag", "-asset"), zap.String("env", config.EnvName(envPrefix, "asset")))
	}
	tuning, err := config.LoadTuningConfig(*tuningPath)
	if err != nil {
		logger.Fatal("failed to load tuning config", zap.String("path", *tuningPath), zap.Error(err))
	}
	logger = logger.With(zap.String("asset_id", *assetID))
	logger.Info("starting sentinel edge", version.Fields()...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics()
	hs := health.NewServer(*healthAddr, logger, health.ServiceLink, health.ServiceBuffer)
	if err := hs.Start(); err != nil {
		logger.Fatal("failed to start health server", zap.Error(err))
	}
	defer hs.Stop()

	d, err := db.NewDB(*dbPath)
	if err != nil {
		logger.Fatal("failed to open database", zap.String("path", *dbPath), zap.Error(err))
	}
	defer d.Close()

	buf, err := buffer.Open(ctx, d, *assetID, tuning.GetBufferCapacity(), buffer.WithMetrics(metrics))
	if err != nil {
		logger.Fatal("failed to open event buffer", zap.Error(err))
	}
	defer buf.Close()

	client, err := transport.Dial(transport.DialConfig{URL: *natsURL, AssetID: *assetID}, logger)
	if err != nil {
		logger.Fatal("failed to dial center", zap.String("url", *natsURL), zap.Error(err))
	}
	defer client.Close()

	machine, err := link.New(ctx, link.ConfigFromTuning(*assetID, tuning), client, buf,
		motion.NewGate(motion.EdgeConfig(tuning)),
		link.WithLogger(logger),
		link.WithMetrics(metrics),
		link.WithHealth(hs),
	)
	if err != nil {
		logger.Fatal("failed to start link", zap.Error(err))
	}
	client.OnDisconnect(machine.SignalTransportFailure)

	srcCfg := source.DefaultConfig(*assetID)
	srcCfg.FPS = *fps
	srcCfg.Seed = *seed
	src := source.New(srcCfg)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := machine.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("link machine stopped", zap.Error(err))
		}
		logger.Info("link routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("synthetic source running", zap.Float64("fps", srcCfg.FPS), zap.Int("width", srcCfg.Width), zap.Int("height", srcCfg.Height))
		if err := src.Run(ctx, machine.Observe); err != nil && err != context.Canceled {
			logger.Error("source stopped", zap.Error(err))
		}
		logger.Info("source routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
			if !httputil.RequireGET(w, r) {
				return
			}
			stats, err := buf.Stats(r.Context())
			if err != nil {
				httputil.InternalServerError(w, "failed to read buffer stats")
				return
			}
			httputil.WriteJSONOK(w, status{
				AssetID:       *assetID,
				State:         machine.State().String(),
				FramesDropped: machine.FramesDropped(),
				Buffer:        stats,
			})
		})

		debug := tsweb.Debugger(mux)
		if err := d.AttachAdminRoutes(debug, "Edge buffer"); err != nil {
			logger.Error("failed to attach admin routes", zap.Error(err))
		}
		debug.Handle("buffer", "Event buffer counters", monitoring.ChartHandler("Edge buffer", bufferSnapshot(ctx, buf, machine)))

		server := &http.Server{
			Addr:    *listen,
			Handler: mux,
		}

		go func() {
			logger.Info("HTTP listening", zap.String("addr", *listen))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("failed to start server", zap.Error(err))
			}
		}()

		<-ctx.Done()
		logger.Info("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown error", zap.Error(err))
			if err := server.Close(); err != nil {
				logger.Warn("HTTP server force close error", zap.Error(err))
			}
		}
		logger.Info("HTTP server routine stopped")
	}()

	wg.Wait()
	logger.Info("graceful shutdown complete", zap.Stringer("final_state", machine.State()))
}

func bufferSnapshot(ctx context.Context, buf *buffer.Buffer, m *link.Machine) func() monitoring.Snapshot {
	return func() monitoring.Snapshot {
		stats, err := buf.Stats(ctx)
		if err != nil {
			monitoring.Logf("buffer stats: %v", err)
		}
		live := 0.0
		if m.State() == model.Live {
			live = 1
		}
		return monitoring.Snapshot{
			Taken: time.Now(),
			Stats: []monitoring.Stat{
				{Name: "depth", Value: float64(stats.Depth)},
				{Name: "appended", Value: float64(stats.Appended)},
				{Name: "acked", Value: float64(stats.Acked)},
				{Name: "dropped", Value: float64(stats.Dropped)},
				{Name: "frames_dropped", Value: float64(m.FramesDropped())},
				{Name: "live", Value: live},
			},
		}
	}
}
