package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tyemirov/predicowallet/internal/upstream"
)

const (
	defaultAccessTTL        = 15 * time.Minute
	defaultRefreshTTL       = 7 * 24 * time.Hour
	defaultUpstreamTokenTTL = 24 * time.Hour
)

// ErrUpstreamTokenMissing indicates a proxied call was attempted before any
// market server token was cached for the user.
var ErrUpstreamTokenMissing = errors.New("token_service.upstream_token_missing")

// TokenPair is the body returned by login, social login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// TokenService issues local bearer tokens and manages cached upstream tokens.
type TokenService struct {
	configuration ServerConfig
	tokens        UpstreamTokenStore
	clock         Clock
}

// NewTokenService fills TTL defaults and returns a service. A nil clock uses the wall clock.
func NewTokenService(configuration ServerConfig, tokens UpstreamTokenStore, clock Clock) *TokenService {
	if clock == nil {
		clock = NewSystemClock()
	}
	if configuration.AccessTTL <= 0 {
		configuration.AccessTTL = defaultAccessTTL
	}
	if configuration.RefreshTTL <= 0 {
		configuration.RefreshTTL = defaultRefreshTTL
	}
	if configuration.UpstreamTokenTTL <= 0 {
		configuration.UpstreamTokenTTL = defaultUpstreamTokenTTL
	}
	return &TokenService{configuration: configuration, tokens: tokens, clock: clock}
}

// IssueAccessToken signs a short-lived access token.
func (service *TokenService) IssueAccessToken(subject string) (string, time.Time, error) {
	return MintAppJWT(service.clock, subject, TokenTypeAccess, service.configuration.Issuer, service.configuration.SigningKey, service.configuration.AccessTTL)
}

// IssueRefreshToken signs a long-lived refresh token.
func (service *TokenService) IssueRefreshToken(subject string) (string, time.Time, error) {
	return MintAppJWT(service.clock, subject, TokenTypeRefresh, service.configuration.Issuer, service.configuration.SigningKey, service.configuration.RefreshTTL)
}

// IssuePair signs both tokens for the subject.
func (service *TokenService) IssuePair(subject string) (TokenPair, error) {
	accessToken, _, accessErr := service.IssueAccessToken(subject)
	if accessErr != nil {
		return TokenPair{}, accessErr
	}
	refreshToken, _, refreshErr := service.IssueRefreshToken(subject)
	if refreshErr != nil {
		return TokenPair{}, refreshErr
	}
	return TokenPair{AccessToken: accessToken, RefreshToken: refreshToken, TokenType: "bearer"}, nil
}

// ResolveSubject verifies a refresh token and returns its subject.
func (service *TokenService) ResolveSubject(refreshToken string) (string, error) {
	claims, err := ParseAppJWT(service.clock, refreshToken, TokenTypeRefresh, service.configuration.Issuer, service.configuration.SigningKey)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// ValidateAccessToken verifies an access token.
func (service *TokenService) ValidateAccessToken(accessToken string) (*JwtCustomClaims, error) {
	return ParseAppJWT(service.clock, accessToken, TokenTypeAccess, service.configuration.Issuer, service.configuration.SigningKey)
}

// CacheUpstreamToken stores the market server token for proxied calls.
// Expiry comes from the token's exp claim, else issue time plus the configured TTL.
func (service *TokenService) CacheUpstreamToken(ctx context.Context, email string, upstreamToken string) error {
	issuedAt := service.clock.Now().UTC()
	expiresAt, ok := upstreamTokenExpiry(upstreamToken)
	if !ok {
		expiresAt = issuedAt.Add(service.configuration.UpstreamTokenTTL)
	}
	if err := service.tokens.SaveToken(ctx, CachedToken{
		UserEmail: email,
		Token:     upstreamToken,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}); err != nil {
		return fmt.Errorf("token_service.cache: %w", err)
	}
	return nil
}

// PruneExpired deletes the user's cached tokens whose expiry has passed.
func (service *TokenService) PruneExpired(ctx context.Context, email string) (int64, error) {
	if strings.TrimSpace(email) == "" {
		return 0, fmt.Errorf("token_service.prune: %w", ErrEmptyEmail)
	}
	removed, err := service.tokens.DeleteExpiredTokens(ctx, email, service.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("token_service.prune: %w", err)
	}
	return removed, nil
}

// PruneAllExpired deletes every expired cached token.
func (service *TokenService) PruneAllExpired(ctx context.Context) (int64, error) {
	removed, err := service.tokens.DeleteExpiredTokens(ctx, "", service.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("token_service.prune_all: %w", err)
	}
	return removed, nil
}

// UpstreamHeader returns the Authorization header carrying the latest cached token.
func (service *TokenService) UpstreamHeader(ctx context.Context, email string) (http.Header, error) {
	cached, err := service.tokens.LatestToken(ctx, email)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, fmt.Errorf("token_service.upstream_header: %w", ErrUpstreamTokenMissing)
		}
		return nil, fmt.Errorf("token_service.upstream_header: %w", err)
	}
	return upstream.BearerHeader(cached.Token), nil
}
