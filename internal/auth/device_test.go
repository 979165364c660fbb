package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	appcrypto "tracker-cloud/internal/crypto"
	devices "tracker-cloud/internal/devices/domain"
	devicesmem "tracker-cloud/internal/devices/infrastructure/memory"
)

func TestDeviceMiddleware_ResolvesToken(t *testing.T) {
	repo := devicesmem.NewDeviceRepository()
	token := "device-token-1"
	if err := repo.Create(context.Background(), &devices.Device{
		ID: "dev-1", OwnerID: "owner-1", Status: devices.StatusActive, TokenHash: appcrypto.HashSecret(token),
	}); err != nil {
		t.Fatalf("create device: %v", err)
	}

	var gotDeviceID string
	handler := NewDeviceMiddleware(repo).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDeviceID = DeviceIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/device/telemetry", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if gotDeviceID != "dev-1" {
		t.Fatalf("device id not propagated, got %q", gotDeviceID)
	}
}

func TestDeviceMiddleware_RejectsUnknownToken(t *testing.T) {
	handler := NewDeviceMiddleware(devicesmem.NewDeviceRepository()).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/device/telemetry", nil)
	req.Header.Set("Authorization", "Bearer nope")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}

	// Missing header entirely.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/device/telemetry", nil)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}
