package authkit

import "time"

// Token types carried in the "type" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// ServerConfig configures token signing and lifetimes.
type ServerConfig struct {
	SigningKey       []byte
	Issuer           string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	UpstreamTokenTTL time.Duration
}
