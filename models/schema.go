package models

import (
	"time"

	"gorm.io/gorm"
)

// UsageEvent 一次网关调用的用量事件（fire-and-forget 落库）
// 只记录路由维度的信息，永远不包含 prompt 或密钥
type UsageEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	RequestID string    `gorm:"index" json:"request_id"`
	Provider  string    `gorm:"index" json:"provider"`
	Model     string    `json:"model"`
	Tier      string    `json:"tier"`
	Fragments int       `json:"fragments"`
	Duration  int64     `json:"duration_ms"`
	Success   bool      `json:"success"`
	ErrorKind string    `json:"error_kind,omitempty"`
}

// AutoMigrate 执行数据库迁移
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&UsageEvent{})
}
