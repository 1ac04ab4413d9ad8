package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> handlers).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyBusinessId    = ContextKey("BusinessId")
	ContextKeyUserId        = ContextKey("UserId")
	ContextKeySessionId     = ContextKey("SessionId")
	ContextKeyDeviceId      = ContextKey("DeviceId")
	ContextKeyCorrelationId = ContextKey("CorrelationId")

	// ContextKeySkipTenantScope disables tenant scoping for the request.
	// Use sparingly (cross-tenant relays only).
	ContextKeySkipTenantScope = ContextKey("SkipTenantScope")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetBool(ctx context.Context, key ContextKey) (bool, bool) {
	v, ok := ctx.Value(key).(bool)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

func SetBusinessId(ctx context.Context, businessId string) context.Context {
	return Set(ctx, ContextKeyBusinessId, businessId)
}

func GetBusinessId(ctx context.Context) (string, bool) {
	v, ok := GetString(ctx, ContextKeyBusinessId)
	return v, ok && v != ""
}

func SetUserId(ctx context.Context, userId string) context.Context {
	return Set(ctx, ContextKeyUserId, userId)
}

func GetUserId(ctx context.Context) (string, bool) {
	v, ok := GetString(ctx, ContextKeyUserId)
	return v, ok && v != ""
}

func SetCorrelationId(ctx context.Context, correlationId string) context.Context {
	return Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetCorrelationId(ctx context.Context) (string, bool) {
	return GetString(ctx, ContextKeyCorrelationId)
}
