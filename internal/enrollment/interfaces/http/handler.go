package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"tracker-cloud/internal/auth"
	enrollapp "tracker-cloud/internal/enrollment/application"
	enrollment "tracker-cloud/internal/enrollment/domain"
	"tracker-cloud/internal/storage"
)

// Handler serves enrollment endpoints.
type Handler struct {
	authority *enrollapp.Authority
}

// NewHandler constructs a Handler.
func NewHandler(authority *enrollapp.Authority) (*Handler, error) {
	if authority == nil {
		return nil, errors.New("enrollment handler: nil authority")
	}
	return &Handler{authority: authority}, nil
}

// ServeHTTP routes enrollment requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch r.URL.Path {
	case "/api/v1/enroll/tokens":
		h.handleCreate(w, r)
	case "/api/v1/enroll/claim":
		h.handleClaim(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerIDFromContext(r.Context())
	if ownerID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	result, err := h.authority.CreateEnrollment(r.Context(), ownerID)
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(result)
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TokenID   string `json:"token_id"`
		Secret    string `json:"secret"`
		PublicKey string `json:"public_key"`
		Hostname  string `json:"hostname"`
		Platform  string `json:"platform"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	result, err := h.authority.Redeem(r.Context(), req.TokenID, req.Secret, req.PublicKey, enrollapp.DeviceMetadata{
		Hostname: req.Hostname,
		Platform: req.Platform,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(result)
}

func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, enrollment.ErrInvalidToken):
		http.Error(w, "invalid token", http.StatusUnauthorized)
	case errors.Is(err, enrollment.ErrTokenAlreadyUsed):
		http.Error(w, "token already used", http.StatusConflict)
	case errors.Is(err, enrollment.ErrExpiredToken):
		http.Error(w, "token expired", http.StatusGone)
	case errors.Is(err, storage.ErrUnavailable):
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}
