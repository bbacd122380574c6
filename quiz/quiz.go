// Package quiz provides the quiz records the password guard protects.
package quiz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrNotFound is returned by a Repository when no quiz has the requested ID.
var ErrNotFound = errors.New("quiz not found")

// Status is the publication state of a quiz.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

// SharingMode controls how a published quiz is reached.
type SharingMode string

const (
	SharingPublic   SharingMode = "public"
	SharingPassword SharingMode = "password"
	SharingPrivate  SharingMode = "private"
)

// Quiz is the subset of a quiz the guard needs.
type Quiz struct {
	ID          string      `gorm:"primaryKey;size:64"`
	Title       string      `gorm:"size:255;not null"`
	Status      Status      `gorm:"size:16;not null;default:draft"`
	SharingMode SharingMode `gorm:"size:16;not null;default:public"`

	// Password is either a bcrypt hash or, for quizzes created before hashing
	// was introduced, the plaintext password.
	Password string `gorm:"size:255"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName implements gorm's Tabler.
func (Quiz) TableName() string {
	return "quizzes"
}

// Published reports whether the quiz can be taken.
func (q *Quiz) Published() bool {
	return q.Status == StatusPublished
}

// RequiresPassword reports whether access is gated by a configured password.
func (q *Quiz) RequiresPassword() bool {
	return q.SharingMode == SharingPassword && q.Password != ""
}

// SetPassword hashes plain and switches the quiz to password sharing.
func (q *Quiz) SetPassword(plain string) error {
	hash, err := HashPassword(plain)
	if err != nil {
		return err
	}
	q.Password = hash
	q.SharingMode = SharingPassword
	return nil
}

// Repository loads and stores quizzes.
type Repository interface {
	FindByID(ctx context.Context, id string) (*Quiz, error)
	Save(ctx context.Context, q *Quiz) error
}

// HashPassword returns a bcrypt hash of plain.
func HashPassword(plain string) (string, error) {
	if plain == "" {
		return "", errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// IsHashed reports whether stored looks like a bcrypt hash.
func IsHashed(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") ||
		strings.HasPrefix(stored, "$2b$") ||
		strings.HasPrefix(stored, "$2y$")
}
