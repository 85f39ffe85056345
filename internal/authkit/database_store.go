package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("credential_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("credential_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("credential_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("credential_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("credential_store.unsupported_no_scheme")
)

type userRecord struct {
	ID           uint      `gorm:"primaryKey"`
	Email        string    `gorm:"column:email;size:255;uniqueIndex;not null"`
	PasswordHash string    `gorm:"column:password_hash;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

type tokenRecord struct {
	ID        uint      `gorm:"primaryKey"`
	UserEmail string    `gorm:"column:user_email;size:255;index;not null"`
	Token     string    `gorm:"column:token;type:text;not null"`
	IssuedAt  time.Time `gorm:"column:issued_at;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;index;not null"`
}

func (tokenRecord) TableName() string {
	return "tokens"
}

// OpenDatabase opens a GORM connection for a postgres:// or sqlite:// URL and
// returns the driver label.
func OpenDatabase(databaseURL string) (*gorm.DB, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, "", fmt.Errorf("credential_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, "", err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, "", fmt.Errorf("credential_store.open.%s: %w", driverLabel, openErr)
	}
	return gormDB, driverLabel, nil
}

// DatabaseCredentialStore persists users and cached upstream tokens using GORM.
type DatabaseCredentialStore struct {
	db          *gorm.DB
	driverLabel string
}

// NewDatabaseCredentialStore migrates the users and tokens tables on db.
func NewDatabaseCredentialStore(ctx context.Context, db *gorm.DB, driverLabel string) (*DatabaseCredentialStore, error) {
	if db == nil {
		return nil, fmt.Errorf("credential_store.new: %w", errEmptyDatabaseURL)
	}
	if migrateErr := db.WithContext(ctx).AutoMigrate(&userRecord{}, &tokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("credential_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseCredentialStore{db: db, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseCredentialStore) Driver() string {
	return store.driverLabel
}

// CreateUser inserts a user. Existing emails yield ErrUserExists.
func (store *DatabaseCredentialStore) CreateUser(ctx context.Context, email string, passwordHash string) (User, error) {
	normalized := normalizeEmail(email)
	if normalized == "" {
		return User{}, fmt.Errorf("credential_store.create_user.%s: %w", store.driverLabel, ErrEmptyEmail)
	}
	var existing userRecord
	findErr := store.db.WithContext(ctx).Where("email = ?", normalized).Take(&existing).Error
	if findErr == nil {
		return User{}, fmt.Errorf("credential_store.create_user.%s: %w", store.driverLabel, ErrUserExists)
	}
	if !errors.Is(findErr, gorm.ErrRecordNotFound) {
		return User{}, fmt.Errorf("credential_store.create_user.%s: %w", store.driverLabel, findErr)
	}
	record := userRecord{
		Email:        normalized,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return User{}, fmt.Errorf("credential_store.create_user.%s: %w", store.driverLabel, ErrUserExists)
		}
		return User{}, fmt.Errorf("credential_store.create_user.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), nil
}

// GetUser loads a user by email.
func (store *DatabaseCredentialStore) GetUser(ctx context.Context, email string) (User, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("credential_store.get_user.%s: %w", store.driverLabel, ErrUserNotFound)
		}
		return User{}, fmt.Errorf("credential_store.get_user.%s: %w", store.driverLabel, err)
	}
	return record.toUser(), nil
}

// SaveToken appends a cached upstream token.
func (store *DatabaseCredentialStore) SaveToken(ctx context.Context, token CachedToken) error {
	if strings.TrimSpace(token.Token) == "" {
		return fmt.Errorf("credential_store.save_token.%s: %w", store.driverLabel, ErrEmptyToken)
	}
	record := tokenRecord{
		UserEmail: normalizeEmail(token.UserEmail),
		Token:     token.Token,
		IssuedAt:  token.IssuedAt.UTC(),
		ExpiresAt: token.ExpiresAt.UTC(),
	}
	if record.UserEmail == "" {
		return fmt.Errorf("credential_store.save_token.%s: %w", store.driverLabel, ErrEmptyEmail)
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("credential_store.save_token.%s: %w", store.driverLabel, err)
	}
	return nil
}

// LatestToken returns the most recently issued token for the user.
func (store *DatabaseCredentialStore) LatestToken(ctx context.Context, email string) (CachedToken, error) {
	var record tokenRecord
	err := store.db.WithContext(ctx).
		Where("user_email = ?", normalizeEmail(email)).
		Order("issued_at DESC").Order("id DESC").
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CachedToken{}, fmt.Errorf("credential_store.latest_token.%s: %w", store.driverLabel, ErrTokenNotFound)
		}
		return CachedToken{}, fmt.Errorf("credential_store.latest_token.%s: %w", store.driverLabel, err)
	}
	return CachedToken{
		ID:        record.ID,
		UserEmail: record.UserEmail,
		Token:     record.Token,
		IssuedAt:  record.IssuedAt,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// DeleteExpiredTokens removes tokens whose expiry is before now.
func (store *DatabaseCredentialStore) DeleteExpiredTokens(ctx context.Context, email string, now time.Time) (int64, error) {
	query := store.db.WithContext(ctx).Where("expires_at < ?", now.UTC())
	if normalized := normalizeEmail(email); normalized != "" {
		query = query.Where("user_email = ?", normalized)
	}
	result := query.Delete(&tokenRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("credential_store.prune.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

func (record userRecord) toUser() User {
	return User{
		ID:           record.ID,
		Email:        record.Email,
		PasswordHash: record.PasswordHash,
		CreatedAt:    record.CreatedAt,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("credential_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("credential_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credential_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("credential_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
