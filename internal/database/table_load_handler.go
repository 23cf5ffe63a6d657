package database

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"ip2asn/internal/domain"
)

const (
	DefaultTableLoadLimit = 50
	MaxTableLoadLimit     = 500
)

// HistoryStore persists table reload attempts.
type HistoryStore struct {
	db *gorm.DB
}

func NewHistoryStore(db *gorm.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

func (s *HistoryStore) RecordTableLoad(ctx context.Context, rec *domain.TableLoad) error {
	if rec == nil {
		return errors.New("database: nil table load")
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

// ListTableLoads returns up to limit attempts, newest first.
func (s *HistoryStore) ListTableLoads(ctx context.Context, limit int) ([]domain.TableLoad, error) {
	if limit <= 0 {
		limit = DefaultTableLoadLimit
	}
	limit = min(limit, MaxTableLoadLimit)

	var loads []domain.TableLoad
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&loads).Error
	return loads, err
}

// LastPublished returns the most recent successful publish, if any.
func (s *HistoryStore) LastPublished(ctx context.Context) (*domain.TableLoad, error) {
	var load domain.TableLoad
	err := s.db.WithContext(ctx).
		Where("status = ?", domain.TableLoadPublished).
		Order("id DESC").
		First(&load).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &load, nil
}
