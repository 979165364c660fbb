package auth

import (
	"net/http"

	appcrypto "tracker-cloud/internal/crypto"
	devices "tracker-cloud/internal/devices/domain"
)

// DeviceMiddleware authenticates agents by their device token.
type DeviceMiddleware struct {
	Devices devices.Repository
}

// NewDeviceMiddleware constructs a device auth middleware.
func NewDeviceMiddleware(repo devices.Repository) *DeviceMiddleware {
	return &DeviceMiddleware{Devices: repo}
}

// Wrap resolves the bearer token to a device and stores its id in the
// request context. Unknown tokens are rejected.
func (m *DeviceMiddleware) Wrap(next http.Handler) http.Handler {
	if m == nil || m.Devices == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractBearer(r)
		if token == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		device, err := m.Devices.GetByTokenHash(r.Context(), appcrypto.HashSecret(token))
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if device == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithDevice(r.Context(), device.ID)))
	})
}
