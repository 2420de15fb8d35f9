package repository

import (
	"context"
	"errors"

	"extractpay/internal/model"
	"extractpay/pkg/idgen"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound     = errors.New("账户不存在")
	ErrInsufficientCredits = errors.New("积分余额不足")
	ErrOptimisticLock      = errors.New("乐观锁冲突，请重试")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) GetByID(ctx context.Context, accountID int64) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("id = ?", accountID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Deduct 条件原子扣减积分
//
// 【关键点】WHERE 带上 credits >= ? 和 version，更新失败时区分两种原因：
// 余额不够 -> ErrInsufficientCredits；版本被并发改掉 -> ErrOptimisticLock
func (r *AccountRepository) Deduct(ctx context.Context, tx *gorm.DB, accountID int64, credits int64, version int) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND credits >= ? AND version = ?", accountID, credits, version).
		Updates(map[string]interface{}{
			"credits": gorm.Expr("credits - ?", credits),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		account, err := r.GetByID(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Credits < credits {
			return ErrInsufficientCredits
		}
		return ErrOptimisticLock
	}

	return nil
}

// Increase 原子增加积分（回调入账、失败补偿）
// 不校验 version：加钱操作不会把余额变负，任何并发顺序结果一致
func (r *AccountRepository) Increase(ctx context.Context, tx *gorm.DB, accountID int64, credits int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"credits": gorm.Expr("credits + ?", credits),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// GetOrCreateByEmail 首次登录自动建户
// 邮箱唯一索引 + OnConflict DoNothing，并发首登只会插入一条
func (r *AccountRepository) GetOrCreateByEmail(ctx context.Context, email string, signupCredits int64) (*model.Account, error) {
	account, err := r.GetByEmail(ctx, email)
	if err == nil {
		return account, nil
	}

	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	newAccount := &model.Account{
		ID:      idgen.GenerateAccountID(),
		Email:   email,
		Credits: signupCredits,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoNothing: true,
		}).
		Create(newAccount).Error

	if err != nil {
		return nil, err
	}

	return r.GetByEmail(ctx, email)
}
