package model

import (
	"time"
)

// Extraction 提取记录表
// 每张图片一条记录，同一批次共享 BatchNo；仅在推理成功后写入
type Extraction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchNo       string    `gorm:"type:varchar(64);index;not null" json:"batch_no"` // 批次号（一次请求一个批次，扣一积分）
	AccountID     int64     `gorm:"index;not null" json:"account_id"`
	Filename      string    `gorm:"type:varchar(255)" json:"filename"`
	Requirements  string    `gorm:"type:text" json:"requirements"`   // 用户指定的提取要求（提示词）
	ExtractedText string    `gorm:"type:text" json:"extracted_text"` // 模型返回的文本
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (Extraction) TableName() string {
	return "extraction"
}
