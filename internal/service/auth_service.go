package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"extractpay/internal/config"
	"extractpay/internal/model"
	"extractpay/internal/repository"
	"extractpay/pkg/idgen"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrInvalidEmail = errors.New("邮箱格式不正确")
	ErrInvalidToken = errors.New("会话令牌无效")
)

// TokenStore 魔法链接令牌存储接口
// 生产用 Redis 实现（cache.MagicLinkStore），测试用内存实现
type TokenStore interface {
	Save(ctx context.Context, token, email string, ttl time.Duration) error
	Redeem(ctx context.Context, token string) (string, error)
}

// AuthService 魔法链接登录
//
// 流程：请求登录 -> 生成一次性令牌存 Redis -> outbox 投递邮件事件（邮件服务消费）
// -> 用户点击链接兑换令牌 -> 首次登录自动建户 -> 签发 JWT 会话
type AuthService struct {
	db          *gorm.DB
	cfg         *config.Config
	tokens      TokenStore
	accountRepo *repository.AccountRepository
	transRepo   *repository.TransactionRepository
	outboxRepo  *repository.OutboxRepository
}

func NewAuthService(db *gorm.DB, tokens TokenStore, cfg *config.Config) *AuthService {
	return &AuthService{
		db:          db,
		cfg:         cfg,
		tokens:      tokens,
		accountRepo: repository.NewAccountRepository(db),
		transRepo:   repository.NewTransactionRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

// RequestMagicLink 请求登录链接
// 邮件投递交给 notification 消费方，这里只负责令牌和事件落库
func (s *AuthService) RequestMagicLink(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return ErrInvalidEmail
	}

	token := uuid.NewString()
	ttl := time.Duration(s.cfg.Auth.MagicLinkTTLMinutes) * time.Minute

	if err := s.tokens.Save(ctx, token, email, ttl); err != nil {
		return fmt.Errorf("保存登录令牌失败: %w", err)
	}

	msgPayload := map[string]interface{}{
		"email":      email,
		"link":       fmt.Sprintf("%s?token=%s", s.cfg.Auth.MagicLinkBaseURL, token),
		"expires_at": time.Now().Add(ttl).Format(time.RFC3339),
	}
	payloadBytes, _ := json.Marshal(msgPayload)

	outboxMsg := &model.OutboxMessage{
		MessageKey: email,
		Topic:      s.cfg.Kafka.Topic.Notification,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, nil, outboxMsg); err != nil {
		return fmt.Errorf("写入邮件事件失败: %w", err)
	}

	log.Printf("魔法链接已生成: email=%s", email)
	return nil
}

// VerifyMagicLink 兑换登录令牌，返回 JWT 会话令牌
func (s *AuthService) VerifyMagicLink(ctx context.Context, token string) (string, *model.Account, error) {
	email, err := s.tokens.Redeem(ctx, token)
	if err != nil {
		return "", nil, err
	}

	account, created, err := s.getOrCreateAccount(ctx, email)
	if err != nil {
		return "", nil, fmt.Errorf("获取账户失败: %w", err)
	}
	if created {
		log.Printf("新账户注册: accountID=%d, email=%s, 赠送积分=%d",
			account.ID, account.Email, s.cfg.Business.SignupCredits)
	}

	sessionToken, err := s.signToken(account)
	if err != nil {
		return "", nil, fmt.Errorf("签发会话令牌失败: %w", err)
	}

	return sessionToken, account, nil
}

// getOrCreateAccount 首次登录建户，并补一条注册赠送流水
// 流水用 "signup:账户ID" 做幂等键，并发首登不会重复赠送记录
func (s *AuthService) getOrCreateAccount(ctx context.Context, email string) (*model.Account, bool, error) {
	existing, err := s.accountRepo.GetByEmail(ctx, email)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrAccountNotFound) {
		return nil, false, err
	}

	account, err := s.accountRepo.GetOrCreateByEmail(ctx, email, s.cfg.Business.SignupCredits)
	if err != nil {
		return nil, false, err
	}

	if s.cfg.Business.SignupCredits > 0 {
		signupRef := fmt.Sprintf("signup:%d", account.ID)
		trans := &model.CreditTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			AccountID:     account.ID,
			Credits:       s.cfg.Business.SignupCredits,
			Type:          model.TransactionTypeSignup,
			PaymentRef:    &signupRef,
			BalanceBefore: 0,
			BalanceAfter:  s.cfg.Business.SignupCredits,
			Remark:        "注册赠送",
		}
		if err := s.transRepo.Create(ctx, nil, trans); err != nil {
			// 并发首登另一侧已写过赠送流水，不算错误
			if !errors.Is(err, repository.ErrDuplicatePaymentRef) {
				return nil, false, err
			}
			return account, false, nil
		}
	}

	return account, true, nil
}

// signToken 签发 HS256 JWT
func (s *AuthService) signToken(account *model.Account) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   strconv.FormatInt(account.ID, 10),
		"email": account.Email,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Duration(s.cfg.Auth.TokenTTLHours) * time.Hour).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.Auth.JWTSecret))
}

// ParseToken 校验并解析会话令牌，返回账户ID
func (s *AuthService) ParseToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("不支持的签名算法: %v", t.Header["alg"])
		}
		return []byte(s.cfg.Auth.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return 0, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok {
		return 0, ErrInvalidToken
	}

	accountID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}

	return accountID, nil
}
