package main

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"librarium/internal/config"
	"librarium/pkg/loggers"
)

func main() {
	cfg := config.LoadGateway()
	log := loggers.New("gateway")

	catalogURL, err := url.Parse(cfg.CatalogURL)
	if err != nil {
		log.WithError(err).Fatal("invalid catalog URL")
	}
	circulationURL, err := url.Parse(cfg.CirculationURL)
	if err != nil {
		log.WithError(err).Fatal("invalid circulation URL")
	}
	membershipURL, err := url.Parse(cfg.MembershipURL)
	if err != nil {
		log.WithError(err).Fatal("invalid membership URL")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Mount("/api/v1/catalog", http.StripPrefix("/api/v1/catalog", httputil.NewSingleHostReverseProxy(catalogURL)))
	r.Mount("/api/v1/circulation", http.StripPrefix("/api/v1/circulation", httputil.NewSingleHostReverseProxy(circulationURL)))
	r.Mount("/api/v1/members", http.StripPrefix("/api/v1/members", httputil.NewSingleHostReverseProxy(membershipURL)))

	log.WithField("port", cfg.Port).Info("API gateway listening")
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.WithError(err).Fatal("gateway failed")
	}
}
