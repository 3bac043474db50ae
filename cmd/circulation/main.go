package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"librarium/internal/audit"
	"librarium/internal/auth"
	"librarium/internal/circulation"
	"librarium/internal/clients"
	"librarium/internal/config"
	"librarium/internal/notify"
	"librarium/pkg/loggers"
	"librarium/pkg/tracing"
	"librarium/pkg/translog"
)

func main() {
	cfg := config.LoadCirculation()
	log := loggers.New("circulation")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "circulation")
	if err != nil {
		log.WithError(err).Fatal("failed to set up tracing")
	}
	defer shutdownTracing(context.Background())

	db, err := sqlx.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.WithError(err).Fatal("failed to reach database")
	}

	store := circulation.NewPGStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("failed to ensure circulation schema")
	}

	tlog := translog.New(db.DB)
	if err := tlog.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("failed to ensure transition log schema")
	}

	emitter := audit.NewEmitter(audit.NewLogOutbox(tlog), log)
	var channel audit.Channel = audit.NewLogChannel(log)
	if cfg.AuditEndpoint != "" {
		channel = audit.NewHTTPChannel(cfg.AuditEndpoint)
	}
	deliverer := audit.NewDeliverer(audit.NewLogOutbox(tlog), channel, log, emitter.Wake(), audit.DelivererConfig{})
	go deliverer.Run(ctx)

	notifier := notify.NewLogNotifier(log)
	clock := circulation.SystemClock{}

	registry := circulation.NewCopyRegistry(store, clock)
	queue := circulation.NewReservationQueue(store, registry, clock, emitter, notifier, circulation.QueueConfig{
		PickupWindow:   cfg.PickupWindow,
		ReservationTTL: cfg.ReservationTTL,
	})
	coordinator := circulation.NewCoordinator(store, registry, queue, clock, emitter, circulation.CoordinatorConfig{
		DefaultLoanPeriod: cfg.LoanPeriod,
		Fines: circulation.FineSchedule{
			DailyRate: cfg.DailyFineRate,
			Cap:       cfg.FineCap,
		},
	})

	sweeper := circulation.NewOverdueSweeper(store, clock, emitter, notifier, log, cfg.SweepInterval)
	go sweeper.Run(ctx)

	go runExpiry(ctx, queue, clock, cfg.SweepInterval, log)

	directory := clients.NewDirectory(
		clients.NewCatalogClient(cfg.CatalogURL),
		clients.NewMembershipClient(cfg.MembershipURL),
	)

	handler := circulation.NewHandler(coordinator, queue, registry, directory)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.JWTSecret))
		handler.Routes(r)
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithField("port", cfg.Port).Info("circulation service listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server failed")
	}
}

// runExpiry periodically expires stale reservations and cascades freed
// copies to the next borrower in line.
func runExpiry(ctx context.Context, queue *circulation.ReservationQueue, clock circulation.Clock, interval time.Duration, log *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := queue.ExpireStale(ctx, clock.Now()); err != nil {
				log.WithError(err).Warn("reservation expiry pass failed")
			}
		}
	}
}
