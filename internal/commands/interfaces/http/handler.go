package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"tracker-cloud/internal/auth"
	commandsapp "tracker-cloud/internal/commands/application"
	commands "tracker-cloud/internal/commands/domain"
	devices "tracker-cloud/internal/devices/domain"
	"tracker-cloud/internal/storage"
)

type commandResponse struct {
	CommandID string          `json:"command_id"`
	DeviceID  string          `json:"device_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	State     string          `json:"state"`
	Attempt   int             `json:"attempt"`
	RetryOf   string          `json:"retry_of,omitempty"`
	CreatedAt string          `json:"created_at"`
}

func toCommandResponse(command commands.Command) commandResponse {
	return commandResponse{
		CommandID: command.ID,
		DeviceID:  command.DeviceID,
		Type:      command.Type,
		Payload:   command.Payload,
		State:     command.State,
		Attempt:   command.Attempt,
		RetryOf:   command.RetryOf,
		CreatedAt: command.CreatedAt.Format(time.RFC3339Nano),
	}
}

// Subresource serves owner-facing command routes under a device.
type Subresource struct {
	dispatcher *commandsapp.Dispatcher
}

// NewSubresource constructs the subresource.
func NewSubresource(dispatcher *commandsapp.Dispatcher) (*Subresource, error) {
	if dispatcher == nil {
		return nil, errors.New("commands handler: nil dispatcher")
	}
	return &Subresource{dispatcher: dispatcher}, nil
}

// ServeSubresource handles POST and GET .../commands.
func (s *Subresource) ServeSubresource(w http.ResponseWriter, r *http.Request, deviceID string, parts []string) {
	if len(parts) != 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleEnqueue(w, r, deviceID)
	case http.MethodGet:
		s.handleList(w, r, deviceID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Subresource) handleEnqueue(w http.ResponseWriter, r *http.Request, deviceID string) {
	var req struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	// Flagging a device for wipe is destructive enough to need an
	// admin.
	if req.Type == commands.TypeWipeFlag && auth.RoleFromContext(r.Context()) != auth.RoleAdmin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	actor := auth.SubjectFromContext(r.Context())
	if actor == "" {
		actor = auth.OwnerIDFromContext(r.Context())
	}
	command, err := s.dispatcher.Enqueue(r.Context(), deviceID, req.Type, req.Payload, actor)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(toCommandResponse(*command))
}

func (s *Subresource) handleList(w http.ResponseWriter, r *http.Request, deviceID string) {
	list, err := s.dispatcher.ListByDevice(r.Context(), deviceID)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	result := make([]commandResponse, 0, len(list))
	for _, command := range list {
		result = append(result, toCommandResponse(command))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// DeviceHandler serves the agent-facing command routes.
type DeviceHandler struct {
	dispatcher *commandsapp.Dispatcher
}

// NewDeviceHandler constructs the handler.
func NewDeviceHandler(dispatcher *commandsapp.Dispatcher) (*DeviceHandler, error) {
	if dispatcher == nil {
		return nil, errors.New("commands handler: nil dispatcher")
	}
	return &DeviceHandler{dispatcher: dispatcher}, nil
}

// ServeHTTP routes GET /api/v1/device/commands/next and
// POST /api/v1/device/commands/{id}/ack.
func (h *DeviceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := auth.DeviceIDFromContext(r.Context())
	if deviceID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/api/v1/device/commands/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/device/commands/"), "/")

	if len(parts) == 1 && parts[0] == "next" && r.Method == http.MethodGet {
		h.handleNext(w, r, deviceID)
		return
	}
	if len(parts) == 2 && parts[0] != "" && parts[1] == "ack" && r.Method == http.MethodPost {
		h.handleAck(w, r, deviceID, parts[0])
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (h *DeviceHandler) handleNext(w http.ResponseWriter, r *http.Request, deviceID string) {
	command, err := h.dispatcher.Poll(r.Context(), deviceID)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	if command == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toCommandResponse(*command))
}

func (h *DeviceHandler) handleAck(w http.ResponseWriter, r *http.Request, deviceID, commandID string) {
	if err := h.dispatcher.Acknowledge(r.Context(), deviceID, commandID); err != nil {
		respondCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, devices.ErrUnknownDevice):
		http.Error(w, "unknown device", http.StatusNotFound)
	case errors.Is(err, commands.ErrCommandNotFound):
		http.Error(w, "command not found", http.StatusNotFound)
	case errors.Is(err, commands.ErrInvalidCommand):
		http.Error(w, "invalid command", http.StatusBadRequest)
	case errors.Is(err, commands.ErrDeliveryTimeout):
		http.Error(w, "command already failed by timeout", http.StatusGone)
	case errors.Is(err, commands.ErrInvalidTransition):
		http.Error(w, "invalid command state", http.StatusConflict)
	case errors.Is(err, storage.ErrUnavailable):
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}
