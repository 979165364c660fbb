package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIP_ForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if ip := ClientIP(r); ip != "203.0.113.7" {
		t.Fatalf("unexpected ip %q", ip)
	}
}

func TestClientIP_RemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.4:51234"
	if ip := ClientIP(r); ip != "198.51.100.4" {
		t.Fatalf("unexpected ip %q", ip)
	}
}

func TestMiddlewareAttributesAuditEntries(t *testing.T) {
	sink := NewMemorySink()
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := sink.Log(r.Context(), Entry{Action: "telemetry.rejected", DeviceID: "dev-1"}); err != nil {
			t.Fatalf("log: %v", err)
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry", nil)
	r.RemoteAddr = "203.0.113.9:40000"
	handler.ServeHTTP(httptest.NewRecorder(), r)

	entries := sink.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if entries[0].IP != "203.0.113.9" {
		t.Fatalf("entry not attributed to caller, ip %q", entries[0].IP)
	}
}

func TestLogKeepsExplicitIP(t *testing.T) {
	sink := NewMemorySink()
	ctx := WithClientIP(context.Background(), "10.0.0.2")
	if err := sink.Log(ctx, Entry{Action: "device.lost", IP: "192.0.2.1"}); err != nil {
		t.Fatalf("log: %v", err)
	}
	if got := sink.Entries()[0].IP; got != "192.0.2.1" {
		t.Fatalf("explicit ip overwritten, got %q", got)
	}
}
