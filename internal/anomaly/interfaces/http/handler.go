package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	anomalyapp "tracker-cloud/internal/anomaly/application"
	anomaly "tracker-cloud/internal/anomaly/domain"
	"tracker-cloud/internal/auth"
	devices "tracker-cloud/internal/devices/domain"
	"tracker-cloud/internal/storage"
)

type alertResponse struct {
	AlertID        string          `json:"alert_id"`
	DeviceID       string          `json:"device_id"`
	Kind           string          `json:"kind"`
	Severity       string          `json:"severity"`
	Detail         json.RawMessage `json:"detail,omitempty"`
	TriggeredAt    string          `json:"triggered_at"`
	Acknowledged   bool            `json:"acknowledged"`
	AcknowledgedAt string          `json:"acknowledged_at,omitempty"`
}

func toAlertResponse(alert anomaly.Alert) alertResponse {
	resp := alertResponse{
		AlertID:      alert.ID,
		DeviceID:     alert.DeviceID,
		Kind:         alert.Kind,
		Severity:     alert.Severity,
		Detail:       alert.Detail,
		TriggeredAt:  alert.TriggeredAt.Format(time.RFC3339Nano),
		Acknowledged: alert.Acknowledged,
	}
	if !alert.AcknowledgedAt.IsZero() {
		resp.AcknowledgedAt = alert.AcknowledgedAt.Format(time.RFC3339Nano)
	}
	return resp
}

// AlertsSubresource lists alerts for a device.
type AlertsSubresource struct {
	detector *anomalyapp.Detector
}

// NewAlertsSubresource constructs the subresource.
func NewAlertsSubresource(detector *anomalyapp.Detector) (*AlertsSubresource, error) {
	if detector == nil {
		return nil, errors.New("alerts handler: nil detector")
	}
	return &AlertsSubresource{detector: detector}, nil
}

// ServeSubresource handles GET .../alerts.
func (s *AlertsSubresource) ServeSubresource(w http.ResponseWriter, r *http.Request, deviceID string, parts []string) {
	if len(parts) != 0 || r.Method != http.MethodGet {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	alerts, err := s.detector.ListByDevice(r.Context(), deviceID)
	if err != nil {
		respondAlertError(w, err)
		return
	}
	result := make([]alertResponse, 0, len(alerts))
	for _, alert := range alerts {
		result = append(result, toAlertResponse(alert))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// AckHandler acknowledges alerts.
type AckHandler struct {
	detector *anomalyapp.Detector
	alerts   anomaly.AlertRepository
	devices  devices.Repository
}

// NewAckHandler constructs the handler.
func NewAckHandler(detector *anomalyapp.Detector, alerts anomaly.AlertRepository, deviceRepo devices.Repository) (*AckHandler, error) {
	if detector == nil {
		return nil, errors.New("alerts handler: nil detector")
	}
	if alerts == nil {
		return nil, errors.New("alerts handler: nil alert repository")
	}
	if deviceRepo == nil {
		return nil, errors.New("alerts handler: nil device repository")
	}
	return &AckHandler{detector: detector, alerts: alerts, devices: deviceRepo}, nil
}

// ServeHTTP handles POST /api/v1/alerts/{id}/ack.
func (h *AckHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/api/v1/alerts/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/alerts/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "ack" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.allowed(r, parts[0]) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	alert, err := h.detector.Acknowledge(r.Context(), parts[0])
	if err != nil {
		respondAlertError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toAlertResponse(*alert))
}

// allowed verifies the alert's device belongs to the caller. Admins
// may acknowledge any alert.
func (h *AckHandler) allowed(r *http.Request, alertID string) bool {
	if auth.RoleFromContext(r.Context()) == auth.RoleAdmin {
		return true
	}
	alert, err := h.alerts.GetByID(r.Context(), alertID)
	if err != nil || alert == nil {
		return false
	}
	device, err := h.devices.Get(r.Context(), alert.DeviceID)
	if err != nil || device == nil {
		return false
	}
	return device.OwnerID == auth.OwnerIDFromContext(r.Context())
}

func respondAlertError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, anomaly.ErrAlertNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrUnavailable):
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}
