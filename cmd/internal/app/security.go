package app

import (
	"errors"
	"fmt"

	"eduloom/cmd/identity"
	"eduloom/cmd/internal/realtime"
)

// ValidateSecurityConfig enforces the startup security policy: when the
// websocket gateway requires authentication, a usable JWT secret must be
// configured.
func ValidateSecurityConfig(cfg Config, ws realtime.GatewayConfig) error {
	if !ws.RequireAuth {
		return nil
	}
	if cfg.JWTSecret == "" {
		return errors.New("security policy: EDULOOM_WS_REQUIRE_AUTH=true but EDULOOM_JWT_SECRET is missing")
	}
	if len(cfg.JWTSecret) < identity.MinSecretBytes {
		return fmt.Errorf("security policy: EDULOOM_JWT_SECRET is too short (min %d bytes)", identity.MinSecretBytes)
	}
	return nil
}

// newVerifier builds the bearer verifier shared by the gateway and the
// progress API. It returns nil when no secret is configured.
func newVerifier(cfg Config) (*identity.Verifier, error) {
	if cfg.JWTSecret == "" {
		return nil, nil
	}
	v, err := identity.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if err != nil {
		return nil, fmt.Errorf("app: jwt verifier: %w", err)
	}
	return v, nil
}
