package auth

import (
	"fmt"

	"github.com/nexusctl/nexus/internal/config"
	"github.com/nexusctl/nexus/internal/store"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig, s store.Store) (Provider, error) {
	switch cfg.Provider {
	case "", "builtin":
		return NewService(s, cfg), nil
	case "jwks":
		return NewJWKSProvider(cfg.JWKSIssuer)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
