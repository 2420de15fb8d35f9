package service

import (
	"context"
	"testing"
	"time"

	"extractpay/internal/config"
	"extractpay/internal/infrastructure/cache"
	"extractpay/internal/model"
	"extractpay/pkg/idgen"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testDB 内存 SQLite，表结构和生产一致
// 限制单连接：内存库每个连接是独立的库
func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("打开测试库失败: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("获取底层 DB 失败: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&model.Account{},
		&model.CheckoutSession{},
		&model.CreditTransaction{},
		&model.Extraction{},
		&model.WebhookEvent{},
		&model.OutboxMessage{},
	)
	if err != nil {
		t.Fatalf("迁移表结构失败: %v", err)
	}

	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				CreditEvents: "credit-events",
				Notification: "notification-events",
			},
		},
		Auth: config.AuthConfig{
			JWTSecret:           "test-jwt-secret",
			TokenTTLHours:       1,
			MagicLinkTTLMinutes: 15,
			MagicLinkBaseURL:    "https://test.local/auth/verify",
		},
		Business: config.BusinessConfig{
			SessionTimeoutMinutes: 30,
			MaxRetryCount:         3,
			SignupCredits:         3,
		},
	}
}

func createTestAccount(t *testing.T, db *gorm.DB, credits int64) *model.Account {
	t.Helper()
	account := &model.Account{
		ID:      idgen.GenerateAccountID(),
		Email:   idgen.GenerateTransactionNo() + "@test.local",
		Credits: credits,
	}
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("创建测试账户失败: %v", err)
	}
	return account
}

func accountCredits(t *testing.T, db *gorm.DB, accountID int64) int64 {
	t.Helper()
	var account model.Account
	if err := db.Where("id = ?", accountID).First(&account).Error; err != nil {
		t.Fatalf("查询账户失败: %v", err)
	}
	return account.Credits
}

func countTransactions(t *testing.T, db *gorm.DB, accountID int64, transType string) int64 {
	t.Helper()
	var count int64
	query := db.Model(&model.CreditTransaction{}).Where("account_id = ?", accountID)
	if transType != "" {
		query = query.Where("type = ?", transType)
	}
	if err := query.Count(&count).Error; err != nil {
		t.Fatalf("统计流水失败: %v", err)
	}
	return count
}

func countOutbox(t *testing.T, db *gorm.DB, topic string) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&model.OutboxMessage{}).Where("topic = ?", topic).Count(&count).Error; err != nil {
		t.Fatalf("统计 outbox 失败: %v", err)
	}
	return count
}

// memoryTokenStore 内存令牌存储，兑换即删除
type memoryTokenStore struct {
	tokens map[string]string
}

func newMemoryTokenStore() *memoryTokenStore {
	return &memoryTokenStore{tokens: make(map[string]string)}
}

func (s *memoryTokenStore) Save(_ context.Context, token, email string, _ time.Duration) error {
	s.tokens[token] = email
	return nil
}

func (s *memoryTokenStore) Redeem(_ context.Context, token string) (string, error) {
	email, ok := s.tokens[token]
	if !ok {
		return "", cache.ErrTokenNotFound
	}
	delete(s.tokens, token)
	return email, nil
}
