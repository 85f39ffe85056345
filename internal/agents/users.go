// Package agents manages a fleet of demo market users: it provisions them through
// the wallet API, keeps their credentials in a users file and runs wallet and
// market operations on their behalf.
package agents

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// UsersFileName is the credentials file kept under the users directory.
const UsersFileName = "users.json"

var (
	// ErrNoUsers indicates the users file is missing or empty.
	ErrNoUsers = errors.New("agents.no_users")
	// ErrEmptyUsersDir indicates no users directory was configured.
	ErrEmptyUsersDir = errors.New("agents.empty_users_dir")
)

// User is one provisioned agent.
type User struct {
	Email      string   `json:"email"`
	Password   string   `json:"password"`
	FirstName  string   `json:"first_name"`
	LastName   string   `json:"last_name"`
	Role       []string `json:"role"`
	ResourceID string   `json:"resource_id,omitempty"`
}

// UsersFile reads and writes the users file of one directory.
type UsersFile struct {
	dir string
}

// NewUsersFile binds a UsersFile to dir.
func NewUsersFile(dir string) (*UsersFile, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, ErrEmptyUsersDir
	}
	return &UsersFile{dir: trimmed}, nil
}

// Path returns the users file location.
func (file *UsersFile) Path() string {
	return filepath.Join(file.dir, UsersFileName)
}

// Installed reports whether the users directory exists.
func (file *UsersFile) Installed() bool {
	info, err := os.Stat(file.dir)
	return err == nil && info.IsDir()
}

// Load returns the stored users.
func (file *UsersFile) Load() ([]User, error) {
	payload, err := os.ReadFile(file.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoUsers
	}
	if err != nil {
		return nil, fmt.Errorf("agents.load: %w", err)
	}
	var users []User
	if err := json.Unmarshal(payload, &users); err != nil {
		return nil, fmt.Errorf("agents.load: %w", err)
	}
	if len(users) == 0 {
		return nil, ErrNoUsers
	}
	return users, nil
}

// Save replaces the stored users, creating the directory when needed.
func (file *UsersFile) Save(users []User) error {
	if err := os.MkdirAll(file.dir, 0o700); err != nil {
		return fmt.Errorf("agents.save: %w", err)
	}
	payload, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return fmt.Errorf("agents.save: %w", err)
	}
	if err := os.WriteFile(file.Path(), payload, 0o600); err != nil {
		return fmt.Errorf("agents.save: %w", err)
	}
	return nil
}

// GenerateUsers builds count users with random credentials that satisfy the
// registration password rules. Every user registers as a buyer.
func GenerateUsers(count int) []User {
	users := make([]User, 0, count)
	for index := 0; index < count; index++ {
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
		users = append(users, User{
			Email:     fmt.Sprintf("agent_%s@predico.local", suffix[:12]),
			Password:  suffix[:16] + "#7",
			FirstName: "Agent",
			LastName:  fmt.Sprintf("%03d", index+1),
			Role:      []string{"buyer"},
		})
	}
	return users
}
