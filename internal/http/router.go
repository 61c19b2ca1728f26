package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/iago/botfleet/internal/http/handlers"
	"github.com/iago/botfleet/internal/http/middleware"
	"github.com/rs/zerolog"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         zerolog.Logger
	Authenticator  *middleware.Authenticator
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Trace(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: deps.CORSOrigins}))
	r.Use(middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst))

	r.Get("/healthz", deps.API.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(deps.Authenticator))

		r.Post("/jobs", deps.API.CreateJob)
		r.Get("/jobs/{jobID}", deps.API.GetJob)
		r.Post("/jobs/{jobID}/cancel", deps.API.CancelJob)

		r.Get("/tenants/{tenantID}/jobs/active", deps.API.ActiveJobs)
		r.Get("/tenants/{tenantID}/live", deps.API.Live)
	})

	return r
}
