package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"onetime.share/internal/auth"
	"onetime.share/internal/mail"
	"onetime.share/internal/models"
	"onetime.share/internal/users"
)

const (
	challengeCookie = "onetime_challenge"
	maxAuthBody     = 16 << 10
)

type LoginRequest struct {
	Identifier string `json:"identifier"` // email or username
	Password   string `json:"password"`
}

type LoginResponse struct {
	Status string `json:"status"`
	Email  string `json:"email"`
}

type VerifyRequest struct {
	Code string `json:"code"`
}

type SessionResponse struct {
	User      *models.User `json:"user"`
	ExpiresAt time.Time    `json:"expires_at"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var reg users.Registration
	if err := decodeJSON(w, r, maxAuthBody, &reg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	u, err := h.users.Create(r.Context(), reg)
	if err != nil {
		h.handleAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// Login checks the password and emails a one-time code. The session is
// only issued by VerifyOTP.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, maxAuthBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Identifier) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "identifier and password are required")
		return
	}

	u, err := h.users.Authenticate(r.Context(), req.Identifier, req.Password)
	if err != nil {
		h.handleAccountError(w, r, err)
		return
	}

	pending := auth.Pending{UserID: u.ID, Email: u.Email, Username: u.Username}
	id, code := h.challenges.Start(pending)

	if err := h.sendCode(r.Context(), pending, code, false); err != nil {
		h.challenges.Cancel(id)
		writeError(w, http.StatusBadGateway, "mail_failed", "could not send the verification code, try again later")
		return
	}

	h.setCookie(w, challengeCookie, id, h.challenges.TTL())
	writeJSON(w, http.StatusAccepted, LoginResponse{Status: "otp_required", Email: maskEmail(u.Email)})
}

func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decodeJSON(w, r, maxAuthBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	c, err := r.Cookie(challengeCookie)
	if err != nil {
		h.handleAccountError(w, r, auth.ErrChallengeNotFound)
		return
	}

	pending, err := h.challenges.Verify(c.Value, code)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCode) {
			h.clearCookie(w, challengeCookie)
		}
		h.handleAccountError(w, r, err)
		return
	}
	h.clearCookie(w, challengeCookie)

	u, err := h.users.FindByID(r.Context(), pending.UserID)
	if err != nil {
		h.handleAccountError(w, r, err)
		return
	}

	now := h.now()
	if err := h.users.UpdateLastLogin(r.Context(), u.ID, now); err != nil {
		h.logger.Warn().Err(err).Str("user_id", u.ID).Msg("updating last login failed")
	}
	go h.notifyLogin(context.WithoutCancel(r.Context()), u, clientIP(r), r.UserAgent(), now)

	h.startSession(w, r, u)
}

func (h *Handler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(challengeCookie)
	if err != nil {
		h.handleAccountError(w, r, auth.ErrChallengeNotFound)
		return
	}

	pending, code, err := h.challenges.Resend(c.Value)
	if err != nil {
		h.clearCookie(w, challengeCookie)
		h.handleAccountError(w, r, err)
		return
	}
	if err := h.sendCode(r.Context(), pending, code, true); err != nil {
		writeError(w, http.StatusBadGateway, "mail_failed", "could not send a new code, try again later")
		return
	}

	h.setCookie(w, challengeCookie, c.Value, h.challenges.TTL())
	writeJSON(w, http.StatusAccepted, LoginResponse{Status: "otp_required", Email: maskEmail(pending.Email)})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.clearCookie(w, h.config.Auth.CookieName)
	h.clearCookie(w, challengeCookie)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.FindByID(r.Context(), auth.OwnerFrom(r.Context()))
	if err != nil {
		h.handleAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// UpdateProfile changes username and email and reissues the session so its
// claims match.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var upd users.ProfileUpdate
	if err := decodeJSON(w, r, maxAuthBody, &upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	u, err := h.users.UpdateProfile(r.Context(), auth.OwnerFrom(r.Context()), upd)
	if err != nil {
		h.handleAccountError(w, r, err)
		return
	}
	h.startSession(w, r, u)
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, u *models.User) {
	token, exp, err := h.sessions.Issue(u)
	if err != nil {
		h.handleAccountError(w, r, err)
		return
	}
	h.setCookie(w, h.config.Auth.CookieName, token, h.sessions.TTL())
	writeJSON(w, http.StatusOK, SessionResponse{User: u, ExpiresAt: exp})
}

func (h *Handler) sendCode(ctx context.Context, p auth.Pending, code string, resend bool) error {
	msg, err := mail.OTPCode(p.Email, p.Username, code, h.challenges.TTL(), resend)
	if err != nil {
		return err
	}
	if err := h.mailer.Send(ctx, msg); err != nil {
		h.logger.Warn().Err(err).Str("user_id", p.UserID).Msg("sending login code failed")
		return err
	}
	return nil
}

func (h *Handler) notifyLogin(ctx context.Context, u *models.User, ip, userAgent string, at time.Time) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := mail.LoginNotice(u.Email, u.Username, ip, userAgent, at)
	if err == nil {
		err = h.mailer.Send(ctx, msg)
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", u.ID).Msg("sending login notice failed")
	}
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   h.config.Auth.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.Auth.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
