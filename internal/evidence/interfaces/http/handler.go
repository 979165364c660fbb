package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	devices "tracker-cloud/internal/devices/domain"
	evidenceapp "tracker-cloud/internal/evidence/application"
	evidence "tracker-cloud/internal/evidence/domain"
	evidenceexport "tracker-cloud/internal/evidence/interfaces"
	"tracker-cloud/internal/storage"
)

// Subresource serves GET .../evidence for a device.
type Subresource struct {
	builder *evidenceapp.Builder
}

// NewSubresource constructs the subresource.
func NewSubresource(builder *evidenceapp.Builder) (*Subresource, error) {
	if builder == nil {
		return nil, errors.New("evidence handler: nil builder")
	}
	return &Subresource{builder: builder}, nil
}

// ServeSubresource builds and renders an evidence pack. Query params:
// from and to (RFC3339, required), format (json, pdf or xlsx).
func (s *Subresource) ServeSubresource(w http.ResponseWriter, r *http.Request, deviceID string, parts []string) {
	if len(parts) != 0 || r.Method != http.MethodGet {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	fromValue := r.URL.Query().Get("from")
	toValue := r.URL.Query().Get("to")
	if fromValue == "" || toValue == "" {
		http.Error(w, "from/to required", http.StatusBadRequest)
		return
	}
	from, err := time.Parse(time.RFC3339, fromValue)
	if err != nil {
		http.Error(w, "from must be RFC3339", http.StatusBadRequest)
		return
	}
	to, err := time.Parse(time.RFC3339, toValue)
	if err != nil {
		http.Error(w, "to must be RFC3339", http.StatusBadRequest)
		return
	}

	pack, err := s.builder.Build(r.Context(), deviceID, from, to)
	if err != nil {
		respondEvidenceError(w, err)
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "json":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(pack)
	case "pdf":
		data, err := evidenceexport.BuildPackPDF(pack)
		if err != nil {
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=evidence-%s.pdf", deviceID))
		_, _ = w.Write(data)
	case "xlsx":
		data, err := evidenceexport.BuildPackXLSX(pack)
		if err != nil {
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=evidence-%s.xlsx", deviceID))
		_, _ = w.Write(data)
	default:
		http.Error(w, "format must be json, pdf or xlsx", http.StatusBadRequest)
	}
}

func respondEvidenceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, devices.ErrUnknownDevice):
		http.Error(w, "unknown device", http.StatusNotFound)
	case errors.Is(err, evidence.ErrInvalidRange):
		http.Error(w, "from must precede to", http.StatusBadRequest)
	case errors.Is(err, evidence.ErrEmptyRange):
		http.Error(w, "no events in range", http.StatusNotFound)
	case errors.Is(err, storage.ErrUnavailable):
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}
