package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"tracker-cloud/internal/auth"
	devices "tracker-cloud/internal/devices/domain"
	"tracker-cloud/internal/storage"
	telemetryapp "tracker-cloud/internal/telemetry/application"
	telemetry "tracker-cloud/internal/telemetry/domain"
)

// Handler serves the agent telemetry endpoint.
type Handler struct {
	ingestor *telemetryapp.Ingestor
}

// NewHandler constructs a Handler.
func NewHandler(ingestor *telemetryapp.Ingestor) (*Handler, error) {
	if ingestor == nil {
		return nil, errors.New("telemetry handler: nil ingestor")
	}
	return &Handler{ingestor: ingestor}, nil
}

type submitRequest struct {
	Sequence  uint64   `json:"sequence"`
	Timestamp string   `json:"timestamp"`
	IP        string   `json:"ip"`
	ASN       string   `json:"asn"`
	BSSIDs    []string `json:"bssids"`
	Battery   *int     `json:"battery"`
	Payload   string   `json:"payload"`
	Signature string   `json:"signature"`
}

// ServeHTTP handles POST /api/v1/device/telemetry.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	deviceID := auth.DeviceIDFromContext(r.Context())
	if deviceID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	timestamp, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		http.Error(w, "timestamp must be RFC3339", http.StatusBadRequest)
		return
	}

	record, err := h.ingestor.Submit(r.Context(), deviceID, telemetryapp.Submission{
		Sequence:  req.Sequence,
		Timestamp: timestamp,
		Fingerprint: devices.Fingerprint{
			IP:     req.IP,
			ASN:    req.ASN,
			BSSIDs: req.BSSIDs,
		},
		Battery:   req.Battery,
		Payload:   []byte(req.Payload),
		Signature: req.Signature,
	})
	if err != nil {
		respondSubmitError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"record_id":   record.ID,
		"received_at": record.ReceivedAt.Format(time.RFC3339Nano),
	})
}

func respondSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, devices.ErrUnknownDevice):
		http.Error(w, "unknown device", http.StatusNotFound)
	case errors.Is(err, telemetry.ErrInvalidSignature):
		http.Error(w, "invalid signature", http.StatusUnauthorized)
	case errors.Is(err, telemetry.ErrReplayedTelemetry):
		http.Error(w, "sequence already seen", http.StatusConflict)
	case errors.Is(err, telemetry.ErrClockSkewRejected):
		http.Error(w, "timestamp outside accepted window", http.StatusUnprocessableEntity)
	case errors.Is(err, storage.ErrUnavailable):
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}
