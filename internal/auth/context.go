package auth

import "context"

type contextKey string

const (
	contextKeyOwner   contextKey = "auth.owner_id"
	contextKeyRole    contextKey = "auth.role"
	contextKeySubject contextKey = "auth.subject"
	contextKeyDevice  contextKey = "auth.device_id"
)

// WithIdentity stores auth identity details in context.
func WithIdentity(ctx context.Context, ownerID string, role Role, subject string) context.Context {
	ctx = context.WithValue(ctx, contextKeyOwner, ownerID)
	ctx = context.WithValue(ctx, contextKeyRole, role)
	ctx = context.WithValue(ctx, contextKeySubject, subject)
	return ctx
}

// WithDevice stores an authenticated device id in context.
func WithDevice(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, contextKeyDevice, deviceID)
}

// OwnerIDFromContext extracts owner id from context.
func OwnerIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value := ctx.Value(contextKeyOwner)
	if ownerID, ok := value.(string); ok {
		return ownerID
	}
	return ""
}

// RoleFromContext extracts role from context.
func RoleFromContext(ctx context.Context) Role {
	if ctx == nil {
		return ""
	}
	value := ctx.Value(contextKeyRole)
	if role, ok := value.(Role); ok {
		return role
	}
	if role, ok := value.(string); ok {
		if normalized, valid := NormalizeRole(role); valid {
			return normalized
		}
	}
	return ""
}

// SubjectFromContext extracts subject from context.
func SubjectFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value := ctx.Value(contextKeySubject)
	if subject, ok := value.(string); ok {
		return subject
	}
	return ""
}

// DeviceIDFromContext extracts the authenticated device id.
func DeviceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value := ctx.Value(contextKeyDevice)
	if deviceID, ok := value.(string); ok {
		return deviceID
	}
	return ""
}
