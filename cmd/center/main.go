// Command sentinel-center runs the Center: it ingests frames from Edge
// nodes over NATS, runs admission, motion gating, detection and tracking,
// and publishes alerts and map records.
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

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"tailscale.com/tsweb"

	"github.com/banshee-data/sentinel/internal/api"
	"github.com/banshee-data/sentinel/internal/center/admission"
	"github.com/banshee-data/sentinel/internal/center/alerts"
	"github.com/banshee-data/sentinel/internal/center/detect"
	"github.com/banshee-data/sentinel/internal/center/gateway"
	"github.com/banshee-data/sentinel/internal/center/ingest"
	"github.com/banshee-data/sentinel/internal/center/pipeline"
	"github.com/banshee-data/sentinel/internal/center/sinks"
	"github.com/banshee-data/sentinel/internal/center/tracks"
	"github.com/banshee-data/sentinel/internal/config"
	"github.com/banshee-data/sentinel/internal/db"
	"github.com/banshee-data/sentinel/internal/edge/source"
	"github.com/banshee-data/sentinel/internal/health"
	"github.com/banshee-data/sentinel/internal/monitoring"
	"github.com/banshee-data/sentinel/internal/motion"
	"github.com/banshee-data/sentinel/internal/timeutil"
	"github.com/banshee-data/sentinel/internal/version"
)

var (
	devMode      = flag.Bool("dev", false, "Use the built-in blob detector instead of a detector service")
	natsURL      = flag.String("nats", nats.DefaultURL, "NATS URL shared with the Edge nodes")
	queueGroup   = flag.String("queue-group", "", "NATS queue group, to share ingest between Center processes")
	tuningPath   = flag.String("tuning", config.DefaultConfigPath, "Path to the tuning JSON file")
	manifestPath = flag.String("manifest", "config/site_manifest.yaml", "Path to the site manifest")
	dbPath       = flag.String("db", "center.db", "Path to the archive database")
	listen       = flag.String("listen", ":8080", "HTTP listen address for the API, /metrics and /debug/")
	healthAddr   = flag.String("health-listen", ":50051", "gRPC health listen address")
	detectorURL  = flag.String("detector-url", "", "Base URL of the detector service (required unless -dev)")
	detectorPath = flag.String("detector-path", "/detect", "Inference path on the detector service")
	redisAddr    = flag.String("redis", "", "Redis address for alert de-duplication; empty keeps it in memory")
	mqttBroker   = flag.String("mqtt", "", "MQTT broker host:port for record egress; empty disables MQTT")
	mqttQoS      = flag.Int("mqtt-qos", 1, "MQTT publish QoS")
	envFile      = flag.String("env-file", ".env", "Optional .env file; SENTINEL_CENTER_<FLAG> variables fill unset flags")
	logLevel     = flag.String("log-level", "info", "Log level: debug, info, warn or error")
	logFormat    = flag.String("log-format", "json", "Log format: json or console")
)

const envPrefix = "SENTINEL_CENTER"

func main() {
	flag.Parse()
	if err := config.LoadEnv(flag.CommandLine, *envFile, envPrefix); err != nil {
		log.Fatalf("failed to read environment: %v", err)
	}

	logger, err := monitoring.NewLogger(*logLevel, *logFormat, "sentinel-center")
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	monitoring.RedirectLogf(logger)

	tuning, err := config.LoadTuningConfig(*tuningPath)
	if err != nil {
		logger.Fatal("failed to load tuning config", zap.String("path", *tuningPath), zap.Error(err))
	}
	manifest, err := config.LoadManifest(*manifestPath)
	if err != nil {
		logger.Fatal("failed to load site manifest", zap.String("path", *manifestPath), zap.Error(err))
	}
	if !*devMode && *detectorURL == "" {
		logger.Fatal("detector URL is required outside dev mode", zap.String("env", config.EnvName(envPrefix, "detector-url")))
	}
	logger.Info("starting sentinel center", append(version.Fields(),
		zap.String("site", manifest.SiteName),
		zap.Int("assets", len(manifest.Assets)))...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics()
	hs := health.NewServer(*healthAddr, logger, health.ServiceDetector)
	if err := hs.Start(); err != nil {
		logger.Fatal("failed to start health server", zap.Error(err))
	}
	defer hs.Stop()

	d, err := db.NewDB(*dbPath)
	if err != nil {
		logger.Fatal("failed to open database", zap.String("path", *dbPath), zap.Error(err))
	}
	defer d.Close()

	nc, err := nats.Connect(*natsURL,
		nats.Name("sentinel-center"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.String("url", *natsURL), zap.Error(err))
	}
	defer nc.Close()

	var backend detect.Backend
	if *devMode {
		logger.Warn("dev mode: using the built-in blob detector")
		backend = source.NewBlobBackend("person")
	} else {
		backend = detect.NewHTTPDetector(*detectorURL, *detectorPath, 2*tuning.GetDetectorTimeout())
	}
	detector := detect.NewAdapter(backend, detect.ConfigFromTuning(tuning),
		detect.WithLogger(logger),
		detect.WithMetrics(metrics),
		detect.WithHealth(hs),
	)

	var dedup alerts.Deduper = alerts.NewMemoryDeduper(tuning.GetAlertDedupTTL(), timeutil.RealClock{})
	if *redisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer rc.Close()
		dedup = alerts.NewRedisDeduper(rc, "sentinel:alert:", tuning.GetAlertDedupTTL(), timeutil.RealClock{}, logger)
		logger.Info("alert de-duplication in redis", zap.String("addr", *redisAddr))
	}

	archive := sinks.NewArchive(d, nil)
	outputs := []sinks.Sink{sinks.NewNATSSink(nc), archive}
	if *mqttBroker != "" {
		ms, err := sinks.DialMQTT(sinks.MQTTConfig{
			Broker:         *mqttBroker,
			ClientID:       "sentinel-center-" + manifest.SiteName,
			QoS:            byte(*mqttQoS),
			PublishTimeout: 5 * time.Second,
		}, logger)
		if err != nil {
			logger.Fatal("failed to connect to MQTT", zap.String("broker", *mqttBroker), zap.Error(err))
		}
		outputs = append(outputs, ms)
	}

	tracker := tracks.NewTracker(tracks.ConfigFromTuning(tuning), tracks.WithLogger(logger), tracks.WithMetrics(metrics))
	pipe := pipeline.New(pipeline.ConfigFromTuning(tuning), pipeline.Stages{
		Admission: admission.FromTuning(tuning, admission.WithMetrics(metrics)),
		Gate:      motion.NewGate(motion.CenterConfig(tuning)),
		Detector:  detector,
		Tracker:   tracker,
		Alerts:    alerts.NewPublisher(alerts.Config{OnClassChange: tuning.GetAlertOnClassChange()}, dedup, alerts.WithLogger(logger), alerts.WithMetrics(metrics)),
		Gateway:   gateway.New(gateway.ConfigFromTuning(tuning), manifest, gateway.WithMetrics(metrics)),
		Sink:      sinks.NewMulti(logger, metrics, outputs...),
	}, pipeline.WithLogger(logger), pipeline.WithMetrics(metrics))
	pipe.Start(ctx)

	in := ingest.New(nc, pipe, ingest.Config{QueueGroup: *queueGroup},
		ingest.WithLogger(logger),
		ingest.WithMetrics(metrics),
		ingest.WithWatermarks(ingest.NewSQLWatermarks(d, nil)),
	)
	if err := in.Start(ctx); err != nil {
		logger.Fatal("failed to start ingest", zap.Error(err))
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(manifest, in, tracker, archive, logger).ServeMux()
		mux.Handle("/metrics", metrics.Handler())

		debug := tsweb.Debugger(mux)
		if err := d.AttachAdminRoutes(debug, "Center archive"); err != nil {
			logger.Error("failed to attach admin routes", zap.Error(err))
		}
		debug.Handle("pipeline", "Pipeline counters", monitoring.ChartHandler("Center pipeline", pipe.Snapshot))

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(logger, mux),
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

	<-ctx.Done()
	logger.Info("stopping ingest")
	in.Stop()
	if err := pipe.Close(); err != nil {
		logger.Warn("pipeline close", zap.Error(err))
	}

	wg.Wait()
	st := pipe.Stats()
	logger.Info("graceful shutdown complete",
		zap.Uint64("submitted", st.Submitted),
		zap.Uint64("alerts", st.Alerts),
		zap.Uint64("records", st.Records))
}
