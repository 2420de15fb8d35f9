package repository

import (
	"context"
	"errors"
	"time"

	"extractpay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrCheckoutNotFound      = errors.New("结账会话不存在")
	ErrCheckoutStatusInvalid = errors.New("结账会话状态不合法")
)

type CheckoutRepository struct {
	db *gorm.DB
}

func NewCheckoutRepository(db *gorm.DB) *CheckoutRepository {
	return &CheckoutRepository{db: db}
}

func (r *CheckoutRepository) Create(ctx context.Context, tx *gorm.DB, session *model.CheckoutSession) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(session).Error
}

func (r *CheckoutRepository) GetBySessionID(ctx context.Context, sessionID string) (*model.CheckoutSession, error) {
	var session model.CheckoutSession
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCheckoutNotFound
		}
		return nil, err
	}
	return &session, nil
}

// UpdateStatus 条件状态流转，WHERE 带旧状态防止并发重复流转
func (r *CheckoutRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, sessionID string, fromStatus, toStatus string) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrCheckoutStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}

	if toStatus == model.CheckoutStatusCompleted {
		now := time.Now()
		updates["completed_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.CheckoutSession{}).
		Where("session_id = ? AND status = ?", sessionID, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrCheckoutStatusInvalid
	}

	return nil
}

func (r *CheckoutRepository) GetExpiredSessions(ctx context.Context, limit int) ([]*model.CheckoutSession, error) {
	var sessions []*model.CheckoutSession
	err := r.db.WithContext(ctx).
		Where("status = ? AND expired_at < ?", model.CheckoutStatusPending, time.Now()).
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

func (r *CheckoutRepository) ListByAccountID(ctx context.Context, accountID int64, page, pageSize int) ([]*model.CheckoutSession, int64, error) {
	var sessions []*model.CheckoutSession
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CheckoutSession{}).Where("account_id = ?", accountID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&sessions).Error

	return sessions, total, err
}
