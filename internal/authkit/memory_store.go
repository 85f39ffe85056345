package authkit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryCredentialStore is an in-memory store intended for tests and dev.
type MemoryCredentialStore struct {
	mutex      sync.Mutex
	users      map[string]User
	tokens     map[string][]CachedToken
	sequenceID uint
	now        func() time.Time
}

// NewMemoryCredentialStore creates an empty in-memory store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		users:  make(map[string]User),
		tokens: make(map[string][]CachedToken),
		now:    time.Now,
	}
}

func (store *MemoryCredentialStore) CreateUser(ctx context.Context, email string, passwordHash string) (User, error) {
	normalized := normalizeEmail(email)
	if normalized == "" {
		return User{}, fmt.Errorf("credential_store.create_user.memory: %w", ErrEmptyEmail)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.users[normalized]; exists {
		return User{}, fmt.Errorf("credential_store.create_user.memory: %w", ErrUserExists)
	}
	store.sequenceID++
	user := User{
		ID:           store.sequenceID,
		Email:        normalized,
		PasswordHash: passwordHash,
		CreatedAt:    store.now().UTC(),
	}
	store.users[normalized] = user
	return user, nil
}

func (store *MemoryCredentialStore) GetUser(ctx context.Context, email string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	user, exists := store.users[normalizeEmail(email)]
	if !exists {
		return User{}, fmt.Errorf("credential_store.get_user.memory: %w", ErrUserNotFound)
	}
	return user, nil
}

func (store *MemoryCredentialStore) SaveToken(ctx context.Context, token CachedToken) error {
	normalized := normalizeEmail(token.UserEmail)
	if normalized == "" {
		return fmt.Errorf("credential_store.save_token.memory: %w", ErrEmptyEmail)
	}
	if token.Token == "" {
		return fmt.Errorf("credential_store.save_token.memory: %w", ErrEmptyToken)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.sequenceID++
	token.ID = store.sequenceID
	token.UserEmail = normalized
	store.tokens[normalized] = append(store.tokens[normalized], token)
	return nil
}

func (store *MemoryCredentialStore) LatestToken(ctx context.Context, email string) (CachedToken, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	cached := store.tokens[normalizeEmail(email)]
	if len(cached) == 0 {
		return CachedToken{}, fmt.Errorf("credential_store.latest_token.memory: %w", ErrTokenNotFound)
	}
	latest := cached[0]
	for _, candidate := range cached[1:] {
		if !candidate.IssuedAt.Before(latest.IssuedAt) {
			latest = candidate
		}
	}
	return latest, nil
}

func (store *MemoryCredentialStore) DeleteExpiredTokens(ctx context.Context, email string, now time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	normalized := normalizeEmail(email)
	var removed int64
	for owner, cached := range store.tokens {
		if normalized != "" && owner != normalized {
			continue
		}
		kept := cached[:0]
		for _, token := range cached {
			if token.ExpiresAt.Before(now) {
				removed++
				continue
			}
			kept = append(kept, token)
		}
		if len(kept) == 0 {
			delete(store.tokens, owner)
			continue
		}
		store.tokens[owner] = kept
	}
	return removed, nil
}
