package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"onetime.share/web"
)

func SetupRouter(d Deps) *chi.Mux {
	h := NewHandler(d)
	cfg := d.Config

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(RequestID)
	r.Use(Logger(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(CORS(CORSConfig{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		MaxAge:         86400,
	}))
	r.Use(Identify(d.Sessions, d.Users, cfg.Auth.CookieName, d.Logger))

	r.Get("/health", h.Health)
	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	passthrough := func(next http.Handler) http.Handler { return next }
	apiLimit, revealLimit, authLimit := passthrough, passthrough, passthrough
	if cfg.RateLimit.Enabled {
		apiLimit = NewRateLimiter(cfg.RateLimit.RequestsPerMin, time.Minute).Middleware
		revealLimit = NewRateLimiter(cfg.RateLimit.RevealPerMin, time.Minute).Middleware
		authLimit = NewRateLimiter(cfg.RateLimit.AuthPerMin, time.Minute).Middleware
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(apiLimit)
		r.Use(JSONOnly)

		r.Route("/secrets", func(r chi.Router) {
			r.Post("/", h.CreateSecret)
			r.Get("/", h.ListSecrets)
			r.Get("/stats", h.Stats)
			r.With(revealLimit).Post("/{token}/reveal", h.RevealSecret)
			r.With(revealLimit).Post("/{token}/request-new", h.RequestNewSecret)
			r.With(RequireUser).Delete("/{id}", h.DeleteSecret)
		})
		r.With(RequireUser).Get("/dashboard", h.Dashboard)

		r.Route("/auth", func(r chi.Router) {
			r.With(authLimit).Post("/register", h.Register)
			r.With(authLimit).Post("/login", h.Login)
			r.With(authLimit).Post("/verify-otp", h.VerifyOTP)
			r.With(authLimit).Post("/resend-otp", h.ResendOTP)
			r.Post("/logout", h.Logout)
		})

		r.Route("/profile", func(r chi.Router) {
			r.Use(RequireUser)
			r.Get("/", h.GetProfile)
			r.Put("/", h.UpdateProfile)
		})
	})

	// Frontend
	r.Get("/", h.Index)
	r.Get("/password/{token}", h.RevealPage)
	r.Get("/secret/{token}", h.RevealPage)
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(web.StaticFS())))

	return r
}
