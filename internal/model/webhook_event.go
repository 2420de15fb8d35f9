package model

import (
	"time"
)

// WebhookEvent 回调事件表
// 以 Stripe 事件ID 为唯一键做事件级去重：
// Stripe 对响应不明确的回调会重发，同一事件只允许处理一次
type WebhookEvent struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID         string     `gorm:"type:varchar(128);uniqueIndex;not null" json:"event_id"` // Stripe 事件ID（evt_xxx）
	EventType       string     `gorm:"type:varchar(64);not null" json:"event_type"`
	Payload         string     `gorm:"type:text" json:"payload"` // 原始事件体，便于排查
	ProcessedAt     *time.Time `json:"processed_at"`
	ProcessingError string     `gorm:"type:varchar(512)" json:"processing_error"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_event"
}
