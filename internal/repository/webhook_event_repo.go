package repository

import (
	"context"
	"errors"
	"time"

	"extractpay/internal/model"

	"gorm.io/gorm"
)

// ErrDuplicateEvent 事件已处理过
// 回调幂等的第一道防线：事件ID唯一索引
var ErrDuplicateEvent = errors.New("事件已处理，忽略重投")

type WebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Create 落库一条事件记录，事件ID冲突返回 ErrDuplicateEvent
func (r *WebhookEventRepository) Create(ctx context.Context, tx *gorm.DB, event *model.WebhookEvent) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(event).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateEvent
	}
	return err
}

func (r *WebhookEventRepository) GetByEventID(ctx context.Context, eventID string) (*model.WebhookEvent, error) {
	var event model.WebhookEvent
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, tx *gorm.DB, eventID string) error {
	if tx == nil {
		tx = r.db
	}
	now := time.Now()
	return tx.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("event_id = ?", eventID).
		Update("processed_at", &now).Error
}

func (r *WebhookEventRepository) MarkFailed(ctx context.Context, eventID string, processingError string) error {
	if len(processingError) > 512 {
		processingError = processingError[:512]
	}
	return r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("event_id = ?", eventID).
		Update("processing_error", processingError).Error
}
