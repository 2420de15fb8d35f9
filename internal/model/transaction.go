package model

import (
	"time"
)

// ============================================================================
// 交易类型常量
// ============================================================================

const (
	TransactionTypePurchase = "PURCHASE" // 充值购买积分（Stripe 回调入账）
	TransactionTypeSpend    = "SPEND"    // 提取消耗积分
	TransactionTypeReversal = "REVERSAL" // 提取失败补偿返还
	TransactionTypeSignup   = "SIGNUP"   // 注册赠送
)

// ============================================================================
// 积分流水实体
// ============================================================================

// CreditTransaction 积分流水表
// 记录账户的每一笔积分变动，是对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. PaymentRef 唯一索引 —— 同一笔外部支付只允许入账一次（幂等键）
// 3. 记录交易前后余额 —— 便于校验余额一致性
type CreditTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	AccountID     int64     `gorm:"index;not null" json:"account_id"`                            // 账户ID
	AmountCents   int64     `gorm:"not null;default:0" json:"amount_cents"`                      // 支付金额（美分），非支付类流水为 0
	Credits       int64     `gorm:"not null" json:"credits"`                                     // 积分变动（正数入账，负数出账）
	Type          string    `gorm:"type:varchar(20);not null" json:"type"`                       // 交易类型
	PaymentRef    *string   `gorm:"type:varchar(128);uniqueIndex" json:"payment_ref"`            // 外部支付凭证（Stripe payment_intent），NULL 不参与唯一约束
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`                              // 交易前余额（对账参考值）
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`                               // 交易后余额（对账参考值）
	Remark        string    `gorm:"type:varchar(256)" json:"remark"`                             // 备注
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transaction"
}
