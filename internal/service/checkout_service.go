package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"extractpay/internal/config"
	"extractpay/internal/model"
	"extractpay/internal/pricing"
	"extractpay/internal/repository"

	"gorm.io/gorm"
)

// PaymentProvider 支付侧会话创建接口
// 生产用 payment.StripeClient，测试用桩实现
type PaymentProvider interface {
	CreateCheckoutSession(ctx context.Context, accountID int64, tier pricing.Tier) (string, error)
}

// CheckoutService 结账会话发起
//
// 本地不改任何余额：支付状态在 Stripe 侧，回调到账前只留一条 PENDING 记录
type CheckoutService struct {
	db           *gorm.DB
	cfg          *config.Config
	provider     PaymentProvider
	checkoutRepo *repository.CheckoutRepository
	accountRepo  *repository.AccountRepository
}

func NewCheckoutService(db *gorm.DB, provider PaymentProvider, cfg *config.Config) *CheckoutService {
	return &CheckoutService{
		db:           db,
		cfg:          cfg,
		provider:     provider,
		checkoutRepo: repository.NewCheckoutRepository(db),
		accountRepo:  repository.NewAccountRepository(db),
	}
}

type CheckoutResponse struct {
	SessionID   string `json:"session_id"`
	Tier        string `json:"tier"`
	AmountCents int64  `json:"amount_cents"`
	Credits     int64  `json:"credits"`
}

// CreateSession 创建结账会话
// 未知档位直接拒绝，不发起任何远程调用
func (s *CheckoutService) CreateSession(ctx context.Context, accountID int64, tierKey string) (*CheckoutResponse, error) {
	tier, err := pricing.Lookup(tierKey)
	if err != nil {
		return nil, err
	}

	account, err := s.accountRepo.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	sessionID, err := s.provider.CreateCheckoutSession(ctx, account.ID, tier)
	if err != nil {
		return nil, fmt.Errorf("创建结账会话失败: %w", err)
	}

	expiredAt := time.Now().Add(time.Duration(s.cfg.Business.SessionTimeoutMinutes) * time.Minute)
	session := &model.CheckoutSession{
		SessionID:   sessionID,
		AccountID:   account.ID,
		Tier:        tier.Key,
		AmountCents: tier.AmountCents,
		Credits:     tier.Credits,
		Status:      model.CheckoutStatusPending,
		ExpiredAt:   expiredAt,
	}

	if err := s.checkoutRepo.Create(ctx, nil, session); err != nil {
		// 本地留痕失败不阻塞支付流程：回调对账不依赖这条记录
		log.Printf("结账会话留痕失败: sessionID=%s, err=%v", sessionID, err)
	}

	log.Printf("结账会话已创建: sessionID=%s, accountID=%d, tier=%s", sessionID, account.ID, tier.Key)

	return &CheckoutResponse{
		SessionID:   sessionID,
		Tier:        tier.Key,
		AmountCents: tier.AmountCents,
		Credits:     tier.Credits,
	}, nil
}

// CloseExpiredSessions 批量关闭过期的 PENDING 会话
func (s *CheckoutService) CloseExpiredSessions(ctx context.Context, limit int) (int, error) {
	sessions, err := s.checkoutRepo.GetExpiredSessions(ctx, limit)
	if err != nil {
		return 0, err
	}

	closedCount := 0
	for _, session := range sessions {
		err := s.checkoutRepo.UpdateStatus(ctx, nil, session.SessionID, model.CheckoutStatusPending, model.CheckoutStatusExpired)
		if err == nil {
			closedCount++
		}
	}

	return closedCount, nil
}
