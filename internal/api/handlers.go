package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"onetime.share/config"
	"onetime.share/internal/auth"
	"onetime.share/internal/lifecycle"
	"onetime.share/internal/mail"
	"onetime.share/internal/users"
	"onetime.share/web"
)

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	Config     *config.Config
	Secrets    *lifecycle.Service
	Users      users.Store
	Sessions   *auth.Sessions
	Challenges *auth.Challenges
	Mailer     mail.Mailer
	Logger     zerolog.Logger
}

type Handler struct {
	secrets    *lifecycle.Service
	users      users.Store
	sessions   *auth.Sessions
	challenges *auth.Challenges
	mailer     mail.Mailer
	config     *config.Config
	logger     zerolog.Logger
	now        func() time.Time
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		secrets:    d.Secrets,
		users:      d.Users,
		sessions:   d.Sessions,
		challenges: d.Challenges,
		mailer:     d.Mailer,
		config:     d.Config,
		logger:     d.Logger.With().Str("component", "api").Logger(),
		now:        time.Now,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.secrets.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, "index.html")
}

// RevealPage serves the page that asks for confirmation before revealing.
// Loading it never consumes the secret, so link previews are harmless.
func (h *Handler) RevealPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Referrer-Policy", "no-referrer")
	h.serveFile(w, "reveal.html")
}

func (h *Handler) serveFile(w http.ResponseWriter, filename string) {
	content, err := web.GetFile(filename)
	if err != nil {
		h.logger.Error().Err(err).Str("file", filename).Msg("embedded page missing")
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(content)
}
