package model

import (
	"time"
)

// Account 用户账户表
// 记录用户的积分余额，是整个计费系统的核心数据
//
// 【重要】余额更新必须走条件原子更新（credits = credits + ?），
// 绝不允许"先读后写覆盖"，否则并发回调/并发提取会丢失更新
type Account struct {
	ID        int64     `gorm:"primaryKey" json:"id"`                          // 账户ID，雪花算法生成
	Email     string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"` // 登录邮箱（可变字段，只用于登录，不用于支付对账）
	Credits   int64     `gorm:"not null;default:0" json:"credits"`             // 可用积分余额，不允许为负
	Version   int       `gorm:"not null;default:0" json:"version"`             // 乐观锁版本号
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
