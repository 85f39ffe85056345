package authkit

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	minimumPasswordLength = 9
	passwordSpecialChars  = "!@#$%^&*()_+-=[]{}|:;,.<>?/`~"
)

var (
	// ErrPasswordTooShort indicates fewer than nine characters.
	ErrPasswordTooShort = errors.New("password must be at least 9 characters long")
	// ErrPasswordNoDigit indicates no numeric character.
	ErrPasswordNoDigit = errors.New("password must contain at least one numeric character")
	// ErrPasswordNoSpecial indicates no special character.
	ErrPasswordNoSpecial = errors.New("password must contain at least one special character")
	// ErrPasswordMismatch indicates password_conf differs from password.
	ErrPasswordMismatch = errors.New("passwords do not match")
	// ErrDuplicateRole indicates the same role was requested twice.
	ErrDuplicateRole = errors.New("roles should be unique")
	// ErrMissingRole indicates an empty role list.
	ErrMissingRole = errors.New("at least one role is required")
)

var roleCodes = map[string]int{
	"buyer":  1,
	"seller": 2,
}

// ValidatePassword enforces the market server password policy.
func ValidatePassword(password string) error {
	if len([]rune(password)) < minimumPasswordLength {
		return ErrPasswordTooShort
	}
	if !strings.ContainsFunc(password, unicode.IsDigit) {
		return ErrPasswordNoDigit
	}
	if !strings.ContainsAny(password, passwordSpecialChars) {
		return ErrPasswordNoSpecial
	}
	return nil
}

// RoleCodes converts role names to the numeric codes the market server expects.
func RoleCodes(roles []string) ([]int, error) {
	if len(roles) == 0 {
		return nil, ErrMissingRole
	}
	seen := make(map[int]struct{}, len(roles))
	codes := make([]int, 0, len(roles))
	for _, role := range roles {
		code, known := roleCodes[strings.ToLower(strings.TrimSpace(role))]
		if !known {
			return nil, fmt.Errorf("invalid role %q: allowed roles are buyer, seller", role)
		}
		if _, duplicate := seen[code]; duplicate {
			return nil, ErrDuplicateRole
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

// HashPassword returns a bcrypt hash.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("password.hash: %w", err)
	}
	return string(hashed), nil
}

// CheckPassword reports whether password matches the stored hash.
func CheckPassword(passwordHash string, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)) == nil
}

// RandomPassword generates the throwaway password given to social login users.
func RandomPassword() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
