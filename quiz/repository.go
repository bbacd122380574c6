package quiz

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// GormRepository is a Repository over gorm.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository returns a repository over db.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Migrate creates or updates the quizzes table.
func (r *GormRepository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&Quiz{}); err != nil {
		return fmt.Errorf("failed to migrate quizzes: %w", err)
	}
	return nil
}

// FindByID returns the quiz with id or ErrNotFound.
func (r *GormRepository) FindByID(ctx context.Context, id string) (*Quiz, error) {
	var q Quiz
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find quiz %s: %w", id, err)
	}
	return &q, nil
}

// Save inserts or updates q.
func (r *GormRepository) Save(ctx context.Context, q *Quiz) error {
	if q.ID == "" {
		return errors.New("quiz id is required")
	}
	if err := r.db.WithContext(ctx).Save(q).Error; err != nil {
		return fmt.Errorf("failed to save quiz %s: %w", q.ID, err)
	}
	return nil
}
