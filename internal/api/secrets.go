package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"onetime.share/internal/auth"
	"onetime.share/internal/lifecycle"
	"onetime.share/internal/models"
)

const maxCreateBody = 2*lifecycle.MaxPlaintextBytes + 4096

type CreateRequest struct {
	Secret    string `json:"secret"`
	Recipient string `json:"recipient_email"`
	TTL       string `json:"ttl"`
}

type CreateResponse struct {
	*lifecycle.Created
	Delivered     bool   `json:"delivered"`
	DeliveryError string `json:"delivery_error,omitempty"`
}

type RevealResponse struct {
	Secret string `json:"secret"`
}

// SecretView is a ledger record as listed to its owner. The token is left
// out: it is the capability to read the secret.
type SecretView struct {
	ID        int64         `json:"id"`
	Recipient string        `json:"recipient_email"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
	UsedAt    *time.Time    `json:"used_at,omitempty"`
	Status    models.Status `json:"status"`
}

type ListResponse struct {
	Secrets    []SecretView `json:"secrets"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
	Total      int64        `json:"total"`
	TotalPages int          `json:"total_pages"`
}

type DashboardResponse struct {
	Stats *models.Stats `json:"stats"`
	ListResponse
}

// CreateSecret stores a secret and emails its link. A failed email does
// not fail the request: the link is returned so the sender can pass it on.
func (h *Handler) CreateSecret(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := decodeJSON(w, r, maxCreateBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	req.Recipient = strings.TrimSpace(req.Recipient)

	created, err := h.secrets.Create(r.Context(), lifecycle.CreateRequest{
		Plaintext: req.Secret,
		Owner:     auth.OwnerFrom(r.Context()),
		Recipient: req.Recipient,
		TTL:       req.TTL,
	})
	if err != nil {
		h.handleLifecycleError(w, r, err)
		return
	}

	resp := CreateResponse{Created: created, Delivered: true}
	if err := h.secrets.Deliver(r.Context(), created, req.Recipient); err != nil {
		resp.Delivered = false
		resp.DeliveryError = "the email could not be sent, share the link another way"
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) RevealSecret(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	plaintext, err := h.secrets.Reveal(r.Context(), token)
	if err != nil {
		h.handleLifecycleError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, RevealResponse{Secret: plaintext})
}

// ListSecrets lists the caller's secrets. Anonymous callers see the
// anonymous partition with recipients masked.
// RequestNewSecret lets the recipient of a used or expired link ask the
// sender for a new secret.
func (h *Handler) RequestNewSecret(w http.ResponseWriter, r *http.Request) {
	if err := h.secrets.RequestNew(r.Context(), chi.URLParam(r, "token")); err != nil {
		h.handleLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (h *Handler) ListSecrets(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))

	var statuses []models.Status
	if s := r.URL.Query().Get("status"); s != "" {
		for _, v := range strings.Split(s, ",") {
			statuses = append(statuses, models.Status(strings.TrimSpace(v)))
		}
	}

	owner := auth.OwnerFrom(r.Context())
	p, err := h.secrets.List(r.Context(), owner, page, statuses...)
	if err != nil {
		h.handleLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(p, owner == ""))
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.secrets.Stats(r.Context(), auth.OwnerFrom(r.Context()))
	if err != nil {
		h.handleLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) DeleteSecret(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid id")
		return
	}

	ok, err := h.secrets.Delete(r.Context(), id, auth.OwnerFrom(r.Context()))
	if err != nil {
		h.handleLifecycleError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "secret not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))

	d, err := h.secrets.Dashboard(r.Context(), auth.OwnerFrom(r.Context()), page)
	if err != nil {
		h.handleLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DashboardResponse{
		Stats:        d.Stats,
		ListResponse: listResponse(d.Page, false),
	})
}

func listResponse(p *lifecycle.Page, mask bool) ListResponse {
	views := make([]SecretView, 0, len(p.Records))
	for _, rec := range p.Records {
		v := SecretView{
			ID:        rec.ID,
			Recipient: rec.Recipient,
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
			UsedAt:    rec.UsedAt,
			Status:    rec.Status,
		}
		if mask {
			v.Recipient = maskEmail(v.Recipient)
		}
		views = append(views, v)
	}
	return ListResponse{
		Secrets:    views,
		Page:       p.Page,
		PageSize:   p.PageSize,
		Total:      p.Total,
		TotalPages: p.TotalPages,
	}
}

// maskEmail keeps the first character of the local part and the domain.
func maskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 1 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
