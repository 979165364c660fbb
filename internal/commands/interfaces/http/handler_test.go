package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tracker-cloud/internal/auth"
	commandsapp "tracker-cloud/internal/commands/application"
	commands "tracker-cloud/internal/commands/domain"
	commandsmem "tracker-cloud/internal/commands/infrastructure/memory"
	devices "tracker-cloud/internal/devices/domain"
	devicesmem "tracker-cloud/internal/devices/infrastructure/memory"
)

func newDeviceHandlerFixture(t *testing.T) (*DeviceHandler, *commandsapp.Dispatcher) {
	t.Helper()
	deviceRepo := devicesmem.NewDeviceRepository()
	if err := deviceRepo.Create(context.Background(), &devices.Device{ID: "dev-1", OwnerID: "owner-1", Status: devices.StatusActive}); err != nil {
		t.Fatalf("create device: %v", err)
	}
	dispatcher, err := commandsapp.NewDispatcher(commandsmem.NewCommandRepository(), deviceRepo, devices.NewKeyedMutex(), 2*time.Minute)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	handler, err := NewDeviceHandler(dispatcher)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return handler, dispatcher
}

func deviceRequest(method, path, deviceID string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	return req.WithContext(auth.WithDevice(req.Context(), deviceID))
}

func TestDeviceHandlerPollEmpty(t *testing.T) {
	handler, _ := newDeviceHandlerFixture(t)

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, deviceRequest(http.MethodGet, "/api/v1/device/commands/next", "dev-1"))
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
}

func TestDeviceHandlerPollAndAck(t *testing.T) {
	handler, dispatcher := newDeviceHandlerFixture(t)
	issued, err := dispatcher.Enqueue(context.Background(), "dev-1", commands.TypeLock, nil, "owner-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, deviceRequest(http.MethodGet, "/api/v1/device/commands/next", "dev-1"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var out struct {
		ID    string `json:"command_id"`
		Type  string `json:"type"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != issued.ID || out.Type != commands.TypeLock || out.State != commands.StateDelivered {
		t.Fatalf("unexpected response %+v", out)
	}

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, deviceRequest(http.MethodPost, "/api/v1/device/commands/"+issued.ID+"/ack", "dev-1"))
	if resp.Code != http.StatusNoContent {
		t.Fatalf("ack: expected 204, got %d", resp.Code)
	}

	// Acking again conflicts: the command already left delivered.
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, deviceRequest(http.MethodPost, "/api/v1/device/commands/"+issued.ID+"/ack", "dev-1"))
	if resp.Code != http.StatusConflict {
		t.Fatalf("double ack: expected 409, got %d", resp.Code)
	}
}

func TestDeviceHandlerUnknownCommand(t *testing.T) {
	handler, _ := newDeviceHandlerFixture(t)

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, deviceRequest(http.MethodPost, "/api/v1/device/commands/missing/ack", "dev-1"))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestDeviceHandlerRequiresDevice(t *testing.T) {
	handler, _ := newDeviceHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/device/commands/next", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}
