package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DocumentRecord 文档元数据表。
type DocumentRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	OwnerID   uint64 `gorm:"column:owner_id"`
	Title     string `gorm:"uniqueIndex;size:255"`
	CreatedAt time.Time
}

func (DocumentRecord) TableName() string { return "documents" }

type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) GetDocumentID(ctx context.Context, title string) (string, error) {
	var rec DocumentRecord
	if err := s.db.WithContext(ctx).Where("title = ?", title).First(&rec).Error; err != nil {
		// gorm.ErrRecordNotFound
		return "", err
	}
	return fmt.Sprintf("%d", rec.ID), nil
}

func (s *DocumentStore) CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error) {
	rec := DocumentRecord{OwnerID: ownerID, Title: title}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", rec.ID), nil
}
