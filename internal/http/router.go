package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/authcore/server/internal/http/handlers"
	"github.com/authcore/server/internal/middleware"
	"github.com/authcore/server/internal/repo"
)

// RouterDeps are the collaborators the router wires into routes
type RouterDeps struct {
	Auth           *handlers.AuthHandler
	Health         *handlers.HealthHandler
	Tokens         middleware.TokenVerifier
	Users          repo.UserRepo
	IPLimiter      middleware.Limiter
	TrustedProxies *middleware.TrustedProxies
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Log            *zap.Logger
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.RealIP(d.TrustedProxies))
	r.Use(middleware.RequestLogger(d.Log))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(d.AllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", d.Health.ServeHTTP)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/auth", func(r chi.Router) {
		if d.IPLimiter != nil {
			r.Use(middleware.RateLimitMiddleware(d.IPLimiter, middleware.GetIPKey, d.Log))
		}
		r.Post("/register", d.Auth.HandleRegister)
		r.Post("/verify", d.Auth.HandleVerify)
		r.Post("/resend", d.Auth.HandleResend)
		r.Post("/login", d.Auth.HandleLogin)
		r.Get("/token", d.Auth.HandleIntrospect)
	})

	// Protected routes (require valid bearer token)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(d.Tokens, d.Users, d.Log))
		r.Get("/me", d.Auth.HandleMe)
	})

	return r
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
