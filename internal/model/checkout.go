package model

import (
	"time"
)

const (
	CheckoutStatusPending   = "PENDING"
	CheckoutStatusCompleted = "COMPLETED"
	CheckoutStatusExpired   = "EXPIRED"
)

var ValidCheckoutTransitions = map[string][]string{
	CheckoutStatusPending: {CheckoutStatusCompleted, CheckoutStatusExpired},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidCheckoutTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// CheckoutSession 结账会话表
// Stripe 侧的 Checkout Session 才是支付状态的权威来源，
// 本表只做本地留痕：记录发起了哪些购买、回调到账后标记完成。
//
// 【重要】AccountID 和 Credits 在创建会话时写入 Stripe metadata，
// 回调只信 metadata，绝不用邮箱反查账户（邮箱可变且不保证唯一）
type CheckoutSession struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID   string     `gorm:"type:varchar(128);uniqueIndex;not null" json:"session_id"` // Stripe Checkout Session ID
	AccountID   int64      `gorm:"index;not null" json:"account_id"`
	Tier        string     `gorm:"type:varchar(32);not null" json:"tier"`         // 价格档位 key
	AmountCents int64      `gorm:"not null" json:"amount_cents"`                  // 应付金额（美分）
	Credits     int64      `gorm:"not null" json:"credits"`                       // 到账积分数
	Status      string     `gorm:"type:varchar(20);index;not null" json:"status"` // PENDING / COMPLETED / EXPIRED
	ExpiredAt   time.Time  `gorm:"not null" json:"expired_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CheckoutSession) TableName() string {
	return "checkout_session"
}
