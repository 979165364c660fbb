package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tracker-cloud/internal/auth"
	appcrypto "tracker-cloud/internal/crypto"
	devices "tracker-cloud/internal/devices/domain"
	devicesmem "tracker-cloud/internal/devices/infrastructure/memory"
	"tracker-cloud/internal/eventing"
	telemetryapp "tracker-cloud/internal/telemetry/application"
	telemetrymem "tracker-cloud/internal/telemetry/infrastructure/memory"
)

type handlerFixture struct {
	handler *Handler
	priv    string
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	pub, priv, err := appcrypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	deviceRepo := devicesmem.NewDeviceRepository()
	if err := deviceRepo.Create(context.Background(), &devices.Device{
		ID: "dev-1", OwnerID: "owner-1", Status: devices.StatusEnrolled, PublicKey: pub,
		EnrolledAt: time.Now().UTC().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("create device: %v", err)
	}
	ingestor, err := telemetryapp.NewIngestor(deviceRepo, telemetrymem.NewRecordRepository(), devices.NewKeyedMutex(), eventing.NewInMemoryBus(), 5*time.Minute)
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	handler, err := NewHandler(ingestor)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return &handlerFixture{handler: handler, priv: priv}
}

func (f *handlerFixture) submit(t *testing.T, deviceID string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/device/telemetry", bytes.NewReader(raw))
	if deviceID != "" {
		req = req.WithContext(auth.WithDevice(req.Context(), deviceID))
	}
	resp := httptest.NewRecorder()
	f.handler.ServeHTTP(resp, req)
	return resp
}

func TestSubmitHandlerAccepts(t *testing.T) {
	f := newHandlerFixture(t)
	payload := `{"note":"ok"}`
	signature, err := appcrypto.Sign(f.priv, []byte(payload))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	resp := f.submit(t, "dev-1", map[string]any{
		"sequence":  1,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"ip":        "203.0.113.1",
		"asn":       "AS64500",
		"payload":   payload,
		"signature": signature,
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["record_id"] == "" {
		t.Fatal("missing record_id")
	}
}

func TestSubmitHandlerRejects(t *testing.T) {
	f := newHandlerFixture(t)
	now := time.Now().UTC().Format(time.RFC3339)

	resp := f.submit(t, "", map[string]any{"sequence": 1, "timestamp": now})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("no device: expected 401, got %d", resp.Code)
	}

	resp = f.submit(t, "dev-1", map[string]any{"sequence": 1, "timestamp": "yesterday"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("bad timestamp: expected 400, got %d", resp.Code)
	}

	resp = f.submit(t, "dev-1", map[string]any{
		"sequence": 1, "timestamp": now, "payload": `{"note":"ok"}`, "signature": "bogus",
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: expected 401, got %d", resp.Code)
	}
}

func TestSubmitHandlerReplayConflict(t *testing.T) {
	f := newHandlerFixture(t)
	payload := `{"note":"ok"}`
	signature, err := appcrypto.Sign(f.priv, []byte(payload))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	body := map[string]any{
		"sequence":  1,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"payload":   payload,
		"signature": signature,
	}

	if resp := f.submit(t, "dev-1", body); resp.Code != http.StatusAccepted {
		t.Fatalf("first submit: expected 202, got %d", resp.Code)
	}
	if resp := f.submit(t, "dev-1", body); resp.Code != http.StatusConflict {
		t.Fatalf("replay: expected 409, got %d", resp.Code)
	}
}
