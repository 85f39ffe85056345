package authkit

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUserNotFound indicates no local user matched the email.
	ErrUserNotFound = errors.New("credential_store.user_not_found")
	// ErrUserExists indicates a local user with the email was already created.
	ErrUserExists = errors.New("credential_store.user_exists")
	// ErrTokenNotFound indicates no upstream token is cached for the user.
	ErrTokenNotFound = errors.New("credential_store.token_not_found")
	// ErrEmptyEmail indicates an operation was called without an email.
	ErrEmptyEmail = errors.New("credential_store.empty_email")
	// ErrEmptyToken indicates an empty upstream token was offered for caching.
	ErrEmptyToken = errors.New("credential_store.empty_token")
)

// User is the local mirror of a market server account.
type User struct {
	ID           uint
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// CachedToken is an upstream access token kept for proxied calls.
type CachedToken struct {
	ID        uint
	UserEmail string
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// UserStore persists local users.
type UserStore interface {
	CreateUser(ctx context.Context, email string, passwordHash string) (User, error)
	GetUser(ctx context.Context, email string) (User, error)
}

// UpstreamTokenStore caches market server tokens per user.
type UpstreamTokenStore interface {
	SaveToken(ctx context.Context, token CachedToken) error
	LatestToken(ctx context.Context, email string) (CachedToken, error)
	// DeleteExpiredTokens removes tokens that expired before now. An empty email prunes every user.
	DeleteExpiredTokens(ctx context.Context, email string, now time.Time) (int64, error)
}

// CredentialStore is the combined local store.
type CredentialStore interface {
	UserStore
	UpstreamTokenStore
}
