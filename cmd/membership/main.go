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

	"librarium/internal/config"
	"librarium/internal/membership"
	"librarium/pkg/loggers"
	"librarium/pkg/tracing"
	"librarium/pkg/translog"
)

func main() {
	cfg := config.LoadMembership()
	log := loggers.New("membership")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "membership")
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

	if err := membership.EnsureSchema(ctx, db); err != nil {
		log.WithError(err).Fatal("failed to ensure membership schema")
	}

	tlog := translog.New(db.DB)
	if err := tlog.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("failed to ensure transition log schema")
	}

	svc := membership.NewService(db, tlog)
	handler := membership.NewHandler(svc, cfg.JWTSecret, cfg.TokenTTL)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler.Routes(r)

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

	log.WithField("port", cfg.Port).Info("membership service listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server failed")
	}
}
