package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"tracker-cloud/internal/auth"
	devicesapp "tracker-cloud/internal/devices/application"
	devices "tracker-cloud/internal/devices/domain"
	"tracker-cloud/internal/storage"
)

// Subresource handles a nested route under a device, after the owner
// check has passed.
type Subresource interface {
	ServeSubresource(w http.ResponseWriter, r *http.Request, deviceID string, parts []string)
}

// Handler serves device endpoints and dispatches device subresources.
type Handler struct {
	registry *devicesapp.Registry
	subs     map[string]Subresource
}

// NewHandler constructs a Handler.
func NewHandler(registry *devicesapp.Registry, subs map[string]Subresource) (*Handler, error) {
	if registry == nil {
		return nil, errors.New("devices handler: nil registry")
	}
	if subs == nil {
		subs = map[string]Subresource{}
	}
	return &Handler{registry: registry, subs: subs}, nil
}

type deviceResponse struct {
	DeviceID   string    `json:"device_id"`
	Hostname   string    `json:"hostname"`
	Platform   string    `json:"platform"`
	Status     string    `json:"status"`
	EnrolledAt time.Time `json:"enrolled_at"`
	LastSeenAt string    `json:"last_seen_at,omitempty"`
}

func toResponse(view devicesapp.DeviceView) deviceResponse {
	resp := deviceResponse{
		DeviceID:   view.Device.ID,
		Hostname:   view.Device.Hostname,
		Platform:   view.Device.Platform,
		Status:     view.EffectiveStatus,
		EnrolledAt: view.Device.EnrolledAt,
	}
	if !view.Device.LastSeenAt.IsZero() {
		resp.LastSeenAt = view.Device.LastSeenAt.Format(time.RFC3339Nano)
	}
	return resp
}

// ServeHTTP routes device requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/v1/devices" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleList(w, r)
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/api/v1/devices/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/devices/")
	parts := strings.Split(path, "/")
	if len(parts) < 1 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	deviceID := parts[0]

	view, err := h.registry.Get(r.Context(), deviceID)
	if err != nil {
		respondDeviceError(w, err)
		return
	}
	if view == nil || !allowed(r, view.Device.OwnerID) {
		// Hide devices belonging to other owners.
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(toResponse(*view))
		return
	}

	if len(parts) == 2 && parts[1] == "lost" && r.Method == http.MethodPost {
		h.handleTransition(w, r, deviceID, h.registry.MarkLost)
		return
	}
	if len(parts) == 2 && parts[1] == "recovered" && r.Method == http.MethodPost {
		h.handleTransition(w, r, deviceID, h.registry.MarkRecovered)
		return
	}

	if sub, ok := h.subs[parts[1]]; ok {
		sub.ServeSubresource(w, r, deviceID, parts[2:])
		return
	}

	w.WriteHeader(http.StatusNotFound)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerIDFromContext(r.Context())
	if ownerID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	views, err := h.registry.ListByOwner(r.Context(), ownerID)
	if err != nil {
		respondDeviceError(w, err)
		return
	}
	result := make([]deviceResponse, 0, len(views))
	for _, view := range views {
		result = append(result, toResponse(view))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, deviceID string, transition func(ctx context.Context, deviceID, actor string) (*devices.Device, error)) {
	actor := auth.SubjectFromContext(r.Context())
	if actor == "" {
		actor = auth.OwnerIDFromContext(r.Context())
	}
	device, err := transition(r.Context(), deviceID, actor)
	if err != nil {
		respondDeviceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"device_id": device.ID,
		"status":    device.Status,
	})
}

func allowed(r *http.Request, ownerID string) bool {
	if auth.RoleFromContext(r.Context()) == auth.RoleAdmin {
		return true
	}
	return auth.OwnerIDFromContext(r.Context()) == ownerID
}

func respondDeviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, devices.ErrUnknownDevice):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, devices.ErrInvalidStateTransition):
		http.Error(w, "invalid state transition", http.StatusConflict)
	case errors.Is(err, storage.ErrUnavailable):
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}
