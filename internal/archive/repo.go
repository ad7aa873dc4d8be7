package archive

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Migrate() error {
	return r.db.AutoMigrate(&Exchange{})
}

// Insert stores ex. Re-inserting an existing id is a no-op; inserted reports
// whether a row was written.
func (r *Repo) Insert(ctx context.Context, ex *Exchange) (inserted bool, err error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(ex)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repo) GetByID(ctx context.Context, id string) (*Exchange, error) {
	var ex Exchange
	if err := r.db.WithContext(ctx).First(&ex, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &ex, nil
}

// ListBySession returns up to limit exchanges of a session, oldest first.
func (r *Repo) ListBySession(ctx context.Context, sessionID string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Exchange
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("started_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
