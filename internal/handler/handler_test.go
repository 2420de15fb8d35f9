package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"extractpay/internal/config"
	"extractpay/internal/infrastructure/cache"
	"extractpay/internal/infrastructure/payment"
	"extractpay/internal/model"
	"extractpay/internal/service"
	"extractpay/pkg/idgen"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

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

// stubVerifier 控制验签结果的桩
type stubVerifier struct {
	event *payment.Event
	err   error
}

func (s *stubVerifier) VerifyAndParse(_ []byte, _ string) (*payment.Event, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.event, nil
}

// memoryTokenStore 内存令牌存储
type memoryTokenStore struct {
	tokens map[string]string
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

func webhookRouter(db *gorm.DB, verifier service.WebhookVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	h := NewHandler(
		nil, nil, nil,
		service.NewWebhookService(db, verifier, cfg),
		nil,
	)
	r := gin.New()
	r.POST("/api/v1/stripe/webhook", h.StripeWebhook)
	return r
}

func postWebhook(router *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/stripe/webhook", bytes.NewBufferString(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=stub")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestWebhookEndpointSuccess(t *testing.T) {
	db := testDB(t)

	account := &model.Account{ID: idgen.GenerateAccountID(), Email: "hook@test.local"}
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("建户失败: %v", err)
	}

	verifier := &stubVerifier{event: &payment.Event{
		EventID:     "evt_http_1",
		EventType:   payment.EventTypeCheckoutCompleted,
		SessionID:   "cs_http_1",
		PaymentRef:  "pi_http_1",
		AmountCents: 1000,
		Metadata: map[string]string{
			payment.MetadataAccountID: strconv.FormatInt(account.ID, 10),
			payment.MetadataCredits:   "100",
		},
		Raw: []byte("{}"),
	}}

	w := postWebhook(webhookRouter(db, verifier), "{}")
	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, 期望 200, body=%s", w.Code, w.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp["status"] != "success" {
		t.Fatalf("status = %q, 期望 success", resp["status"])
	}
	if resp["event_type"] != payment.EventTypeCheckoutCompleted {
		t.Fatalf("event_type = %q", resp["event_type"])
	}
	if resp["timestamp"] == "" {
		t.Fatal("响应缺少 timestamp")
	}
}

func TestWebhookEndpointBadSignature(t *testing.T) {
	db := testDB(t)

	w := postWebhook(webhookRouter(db, &stubVerifier{err: payment.ErrSignatureInvalid}), "{}")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("状态码 = %d, 期望 400", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp["status"] != "failed" {
		t.Fatalf("status = %q, 期望 failed", resp["status"])
	}
	if resp["error"] == "" {
		t.Fatal("失败响应缺少 error")
	}
}

func TestWebhookEndpointPersistenceError(t *testing.T) {
	db := testDB(t)

	// metadata 指向不存在的账户，对账必然失败
	verifier := &stubVerifier{event: &payment.Event{
		EventID:   "evt_http_noacct",
		EventType: payment.EventTypeCheckoutCompleted,
		Metadata: map[string]string{
			payment.MetadataAccountID: "424242",
			payment.MetadataCredits:   "100",
		},
		Raw: []byte("{}"),
	}}

	w := postWebhook(webhookRouter(db, verifier), "{}")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("状态码 = %d, 期望 400", w.Code)
	}
}

func TestAuthGuardedRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := testDB(t)
	cfg := testConfig()

	store := &memoryTokenStore{tokens: map[string]string{"tok-1": "guard@test.local"}}
	authService := service.NewAuthService(db, store, cfg)
	accountService := service.NewAccountService(db)

	h := NewHandler(authService, accountService, nil, nil, nil)
	router := SetupRouter(h, authService)

	// 无令牌 401
	req := httptest.NewRequest(http.MethodGet, "/api/v1/account/balance", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("无令牌状态码 = %d, 期望 401", w.Code)
	}

	// 魔法链接登录拿到令牌
	req = httptest.NewRequest(http.MethodGet, "/api/v1/auth/verify?token=tok-1", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("登录状态码 = %d, body=%s", w.Code, w.Body.String())
	}

	var loginResp struct {
		Data struct {
			Token   string `json:"token"`
			Credits int64  `json:"credits"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &loginResp); err != nil {
		t.Fatalf("解析登录响应失败: %v", err)
	}
	if loginResp.Data.Token == "" {
		t.Fatal("登录响应缺少令牌")
	}
	if loginResp.Data.Credits != 3 {
		t.Fatalf("新账户赠送积分 = %d, 期望 3", loginResp.Data.Credits)
	}

	// 带令牌访问余额
	req = httptest.NewRequest(http.MethodGet, "/api/v1/account/balance", nil)
	req.Header.Set("Authorization", "Bearer "+loginResp.Data.Token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("查询余额状态码 = %d, body=%s", w.Code, w.Body.String())
	}

	var balanceResp struct {
		Data struct {
			Email   string `json:"email"`
			Credits int64  `json:"credits"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &balanceResp); err != nil {
		t.Fatalf("解析余额响应失败: %v", err)
	}
	if balanceResp.Data.Email != "guard@test.local" || balanceResp.Data.Credits != 3 {
		t.Fatalf("余额响应不对: %+v", balanceResp.Data)
	}
}
