package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anomalyapp "tracker-cloud/internal/anomaly/application"
	anomaly "tracker-cloud/internal/anomaly/domain"
	anomalymem "tracker-cloud/internal/anomaly/infrastructure/memory"
	anomalyrepo "tracker-cloud/internal/anomaly/infrastructure/postgres"
	anomalyhttp "tracker-cloud/internal/anomaly/interfaces/http"
	"tracker-cloud/internal/audit"
	"tracker-cloud/internal/auth"
	commandsapp "tracker-cloud/internal/commands/application"
	commands "tracker-cloud/internal/commands/domain"
	commandsmem "tracker-cloud/internal/commands/infrastructure/memory"
	commandsrepo "tracker-cloud/internal/commands/infrastructure/postgres"
	commandshttp "tracker-cloud/internal/commands/interfaces/http"
	"tracker-cloud/internal/config"
	devicesapp "tracker-cloud/internal/devices/application"
	devicesevents "tracker-cloud/internal/devices/application/events"
	devices "tracker-cloud/internal/devices/domain"
	devicesmem "tracker-cloud/internal/devices/infrastructure/memory"
	devicesrepo "tracker-cloud/internal/devices/infrastructure/postgres"
	deviceshttp "tracker-cloud/internal/devices/interfaces/http"
	enrollapp "tracker-cloud/internal/enrollment/application"
	enrollment "tracker-cloud/internal/enrollment/domain"
	enrollmem "tracker-cloud/internal/enrollment/infrastructure/memory"
	enrollrepo "tracker-cloud/internal/enrollment/infrastructure/postgres"
	enrollhttp "tracker-cloud/internal/enrollment/interfaces/http"
	"tracker-cloud/internal/eventing"
	evidenceapp "tracker-cloud/internal/evidence/application"
	evidencehttp "tracker-cloud/internal/evidence/interfaces/http"
	"tracker-cloud/internal/observability/metrics"
	telemetryapp "tracker-cloud/internal/telemetry/application"
	telemetryevents "tracker-cloud/internal/telemetry/application/events"
	telemetry "tracker-cloud/internal/telemetry/domain"
	telemetrymem "tracker-cloud/internal/telemetry/infrastructure/memory"
	telemetryrepo "tracker-cloud/internal/telemetry/infrastructure/postgres"
	telemetryhttp "tracker-cloud/internal/telemetry/interfaces/http"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type repositories struct {
	tokens    enrollment.TokenRepository
	devices   devices.Repository
	records   telemetry.Repository
	alerts    anomaly.AlertRepository
	baselines anomaly.BaselineRepository
	commands  commands.Repository
	audit     audit.Logger
	// Set on the postgres path so record insert + device update commit
	// as one transaction.
	acceptor telemetryapp.Acceptor
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := log.New(os.Stdout, "", log.LstdFlags)
	if cfg.JWTSecret == "" {
		logger.Fatal("AUTH_JWT_SECRET is required")
	}

	var repos repositories
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
		repos, err = postgresRepositories(db)
		if err != nil {
			logger.Fatalf("repository error: %v", err)
		}
		logger.Printf("storage: postgres")
	} else {
		repos = memoryRepositories()
		logger.Printf("storage: in-memory (no DATABASE_URL)")
	}

	metrics.Init()

	bus := eventing.NewInMemoryBus()
	locks := devices.NewKeyedMutex()

	registry, err := devicesapp.NewRegistry(repos.devices, locks, bus, cfg.HeartbeatInterval, cfg.LostInterval,
		devicesapp.WithAuditLogger(repos.audit))
	if err != nil {
		logger.Fatalf("device registry error: %v", err)
	}
	authority, err := enrollapp.NewAuthority(repos.tokens, repos.devices, cfg.TokenTTL,
		enrollapp.WithAuditLogger(repos.audit))
	if err != nil {
		logger.Fatalf("enrollment authority error: %v", err)
	}
	ingestorOpts := []telemetryapp.IngestorOption{telemetryapp.WithAuditLogger(repos.audit)}
	if repos.acceptor != nil {
		ingestorOpts = append(ingestorOpts, telemetryapp.WithAcceptor(repos.acceptor))
	}
	ingestor, err := telemetryapp.NewIngestor(repos.devices, repos.records, locks, bus, cfg.SkewTolerance, ingestorOpts...)
	if err != nil {
		logger.Fatalf("telemetry ingestor error: %v", err)
	}
	detector, err := anomalyapp.NewDetector(repos.alerts, repos.baselines, repos.devices,
		cfg.TrustWindow, cfg.WifiGracePeriod, cfg.HeartbeatInterval, cfg.LostInterval,
		anomalyapp.WithLogger(logger))
	if err != nil {
		logger.Fatalf("anomaly detector error: %v", err)
	}
	dispatcher, err := commandsapp.NewDispatcher(repos.commands, repos.devices, locks, cfg.CommandTimeout,
		commandsapp.WithAuditLogger(repos.audit), commandsapp.WithLogger(logger))
	if err != nil {
		logger.Fatalf("command dispatcher error: %v", err)
	}
	builder, err := evidenceapp.NewBuilder(repos.devices, repos.records, repos.alerts, repos.commands, locks)
	if err != nil {
		logger.Fatalf("evidence builder error: %v", err)
	}

	// Anomaly evaluation runs synchronously inside the ingest critical
	// section.
	eventing.Subscribe(bus, eventing.EventTypeOf[telemetryevents.TelemetryAccepted](), "anomaly-detector",
		func(ctx context.Context, event any) error {
			evt, ok := event.(telemetryevents.TelemetryAccepted)
			if !ok {
				return eventing.ErrInvalidEventType
			}
			return detector.HandleTelemetryAccepted(ctx, evt)
		}, eventing.NewMemoryProcessedStore())
	eventing.Subscribe(bus, eventing.EventTypeOf[devicesevents.DeviceMarkedLost](), "device-transition-metrics",
		func(_ context.Context, event any) error {
			if _, ok := event.(devicesevents.DeviceMarkedLost); !ok {
				return eventing.ErrInvalidEventType
			}
			metrics.IncDeviceTransition(devices.StatusLost)
			return nil
		}, eventing.NewMemoryProcessedStore())
	eventing.Subscribe(bus, eventing.EventTypeOf[devicesevents.DeviceRecovered](), "device-transition-metrics",
		func(_ context.Context, event any) error {
			if _, ok := event.(devicesevents.DeviceRecovered); !ok {
				return eventing.ErrInvalidEventType
			}
			metrics.IncDeviceTransition(devices.StatusRecovered)
			return nil
		}, eventing.NewMemoryProcessedStore())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go anomalyapp.NewSweeper(detector, cfg.SweepEvery, logger).Start(ctx)
	go commandsapp.NewTimeoutSweeper(dispatcher, cfg.SweepEvery, logger).Start(ctx)

	enrollHandler, err := enrollhttp.NewHandler(authority)
	if err != nil {
		logger.Fatalf("enrollment handler error: %v", err)
	}
	telemetryHandler, err := telemetryhttp.NewHandler(ingestor)
	if err != nil {
		logger.Fatalf("telemetry handler error: %v", err)
	}
	deviceCmdHandler, err := commandshttp.NewDeviceHandler(dispatcher)
	if err != nil {
		logger.Fatalf("device command handler error: %v", err)
	}
	alertsSub, err := anomalyhttp.NewAlertsSubresource(detector)
	if err != nil {
		logger.Fatalf("alerts handler error: %v", err)
	}
	commandsSub, err := commandshttp.NewSubresource(dispatcher)
	if err != nil {
		logger.Fatalf("commands handler error: %v", err)
	}
	evidenceSub, err := evidencehttp.NewSubresource(builder)
	if err != nil {
		logger.Fatalf("evidence handler error: %v", err)
	}
	devicesHandler, err := deviceshttp.NewHandler(registry, map[string]deviceshttp.Subresource{
		"alerts":   alertsSub,
		"commands": commandsSub,
		"evidence": evidenceSub,
	})
	if err != nil {
		logger.Fatalf("devices handler error: %v", err)
	}
	ackHandler, err := anomalyhttp.NewAckHandler(detector, repos.alerts, repos.devices)
	if err != nil {
		logger.Fatalf("alert ack handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy(
		[]string{"/healthz", "/metrics", "/api/v1/enroll/claim"},
		[]string{"/api/v1/device/"},
	)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	deviceAuth := auth.NewDeviceMiddleware(repos.devices)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/enroll/tokens", enrollHandler)
	mux.Handle("/api/v1/enroll/claim", enrollHandler)
	mux.Handle("/api/v1/device/telemetry", deviceAuth.Wrap(telemetryHandler))
	mux.Handle("/api/v1/device/commands/", deviceAuth.Wrap(deviceCmdHandler))
	mux.Handle("/api/v1/devices", devicesHandler)
	mux.Handle("/api/v1/devices/", devicesHandler)
	mux.Handle("/api/v1/alerts/", ackHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(audit.Middleware(authMiddleware.Wrap(mux)), logger)}
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown error: %v", err)
	}
	logger.Printf("stopped")
}

func postgresRepositories(db *sql.DB) (repositories, error) {
	alerts, err := anomalyrepo.NewAlertRepository(db)
	if err != nil {
		return repositories{}, err
	}
	baselines, err := anomalyrepo.NewBaselineRepository(db)
	if err != nil {
		return repositories{}, err
	}
	cmdRepo, err := commandsrepo.NewCommandRepository(db)
	if err != nil {
		return repositories{}, err
	}
	return repositories{
		tokens:    enrollrepo.NewTokenRepository(db),
		devices:   devicesrepo.NewDeviceRepository(db),
		records:   telemetryrepo.NewRecordRepository(db),
		alerts:    alerts,
		baselines: baselines,
		commands:  cmdRepo,
		audit:     audit.NewRepository(db),
		acceptor:  telemetryrepo.NewAcceptor(db),
	}, nil
}

func memoryRepositories() repositories {
	return repositories{
		tokens:    enrollmem.NewTokenRepository(),
		devices:   devicesmem.NewDeviceRepository(),
		records:   telemetrymem.NewRecordRepository(),
		alerts:    anomalymem.NewAlertRepository(),
		baselines: anomalymem.NewBaselineRepository(),
		commands:  commandsmem.NewCommandRepository(),
		audit:     audit.NewMemorySink(),
	}
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
