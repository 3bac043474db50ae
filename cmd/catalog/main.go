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

	"librarium/internal/catalog"
	"librarium/internal/config"
	"librarium/pkg/loggers"
	"librarium/pkg/tracing"
	"librarium/pkg/translog"
)

func main() {
	cfg := config.LoadCatalog()
	log := loggers.New("catalog")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "catalog")
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

	if err := catalog.EnsureSchema(ctx, db); err != nil {
		log.WithError(err).Fatal("failed to ensure catalog schema")
	}

	tlog := translog.New(db.DB)
	if err := tlog.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("failed to ensure transition log schema")
	}

	svc := catalog.NewService(db, tlog)
	handler := catalog.NewHandler(svc)

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

	log.WithField("port", cfg.Port).Info("catalog service listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server failed")
	}
}
