package repository

import (
	"context"

	"extractpay/internal/model"

	"gorm.io/gorm"
)

type ExtractionRepository struct {
	db *gorm.DB
}

func NewExtractionRepository(db *gorm.DB) *ExtractionRepository {
	return &ExtractionRepository{db: db}
}

func (r *ExtractionRepository) Create(ctx context.Context, tx *gorm.DB, extraction *model.Extraction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(extraction).Error
}

func (r *ExtractionRepository) CreateBatch(ctx context.Context, tx *gorm.DB, extractions []*model.Extraction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(extractions).Error
}

func (r *ExtractionRepository) ListByAccountID(ctx context.Context, accountID int64, page, pageSize int) ([]*model.Extraction, int64, error) {
	var extractions []*model.Extraction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Extraction{}).Where("account_id = ?", accountID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&extractions).Error

	return extractions, total, err
}

func (r *ExtractionRepository) CountByBatchNo(ctx context.Context, batchNo string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Extraction{}).
		Where("batch_no = ?", batchNo).
		Count(&count).Error
	return count, err
}
