package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"onetime.share/internal/auth"
	"onetime.share/internal/lifecycle"
	"onetime.share/internal/users"
)

// ErrorResponse is the body of every API error.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// handleLifecycleError maps coordinator errors to responses. Reveal failures
// keep distinct codes so the page can tell expired, used and unknown links
// apart.
func (h *Handler) handleLifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "this link does not exist or was already opened")
	case errors.Is(err, lifecycle.ErrAlreadyUsed):
		writeError(w, http.StatusGone, "already_used", "this secret has already been viewed")
	case errors.Is(err, lifecycle.ErrExpired):
		writeError(w, http.StatusGone, "expired", "this secret has expired")
	case errors.Is(err, lifecycle.ErrStillActive):
		writeError(w, http.StatusConflict, "still_active", "this secret can still be viewed from its link")
	case errors.Is(err, lifecycle.ErrDeliveryFailed):
		h.logger.Warn().Err(err).Str("path", redactPath(r.URL.Path)).Msg("notification not sent")
		writeError(w, http.StatusBadGateway, "delivery_failed", "the request could not be sent, try again later")
	case errors.Is(err, lifecycle.ErrInvalidTTL):
		writeError(w, http.StatusBadRequest, "invalid_ttl", err.Error())
	case errors.Is(err, lifecycle.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, lifecycle.ErrStorageUnavailable):
		h.logger.Error().Err(err).Str("path", redactPath(r.URL.Path)).Msg("storage unavailable")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "storage is temporarily unavailable")
	default:
		h.logger.Error().Err(err).Str("path", redactPath(r.URL.Path)).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func (h *Handler) handleAccountError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, users.ErrInvalid):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, users.ErrEmailTaken):
		writeError(w, http.StatusConflict, "email_taken", "this email is already used by another account")
	case errors.Is(err, users.ErrUsernameTaken):
		writeError(w, http.StatusConflict, "username_taken", "this username is already used by another account")
	case errors.Is(err, users.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "incorrect identifier or password")
	case errors.Is(err, users.ErrDisabled):
		writeError(w, http.StatusForbidden, "account_disabled", "this account is disabled")
	case errors.Is(err, users.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "user not found")
	case errors.Is(err, auth.ErrChallengeNotFound):
		writeError(w, http.StatusUnauthorized, "challenge_missing", "verification session expired, sign in again")
	case errors.Is(err, auth.ErrChallengeExpired):
		writeError(w, http.StatusUnauthorized, "code_expired", "the code has expired, sign in again")
	case errors.Is(err, auth.ErrTooManyAttempts):
		writeError(w, http.StatusUnauthorized, "too_many_attempts", "too many attempts, sign in again")
	case errors.Is(err, auth.ErrInvalidCode):
		writeError(w, http.StatusUnauthorized, "invalid_code", "invalid code, try again")
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	return json.NewDecoder(r.Body).Decode(dst)
}
