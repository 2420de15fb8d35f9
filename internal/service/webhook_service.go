package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"extractpay/internal/config"
	"extractpay/internal/infrastructure/payment"
	"extractpay/internal/model"
	"extractpay/internal/pricing"
	"extractpay/internal/repository"
	"extractpay/pkg/idgen"

	"gorm.io/gorm"
)

var (
	// ErrCorrelatorMissing 事件 metadata 里没有可用的账户ID
	// 会话创建侧没写 metadata 或被人为改动，需要人工介入
	ErrCorrelatorMissing = errors.New("事件缺少账户关联信息")

	// ErrCreditsUnresolved metadata 没有积分数且金额不在价格表里
	ErrCreditsUnresolved = errors.New("无法确定到账积分数")
)

// WebhookVerifier 回调验签接口
// 生产用 payment.StripeClient，测试用桩实现
type WebhookVerifier interface {
	VerifyAndParse(payload []byte, sigHeader string) (*payment.Event, error)
}

// WebhookService 支付回调对账
//
// 【关键点】回调处理是整个系统最核心的写路径，必须保证：
// 1. 验签前置：未验签的事件体不进入任何业务逻辑
// 2. 幂等性：Stripe 会重投，同一事件只允许入账一次
// 3. 原子性：加积分、记流水、标记事件必须同时成功或同时失败
// 4. 失败可重投：入账失败返回非 2xx，让 Stripe 的重投机制兜底
type WebhookService struct {
	db               *gorm.DB
	cfg              *config.Config
	verifier         WebhookVerifier
	accountRepo      *repository.AccountRepository
	transactionRepo  *repository.TransactionRepository
	webhookEventRepo *repository.WebhookEventRepository
	checkoutRepo     *repository.CheckoutRepository
	outboxRepo       *repository.OutboxRepository
}

func NewWebhookService(db *gorm.DB, verifier WebhookVerifier, cfg *config.Config) *WebhookService {
	return &WebhookService{
		db:               db,
		cfg:              cfg,
		verifier:         verifier,
		accountRepo:      repository.NewAccountRepository(db),
		transactionRepo:  repository.NewTransactionRepository(db),
		webhookEventRepo: repository.NewWebhookEventRepository(db),
		checkoutRepo:     repository.NewCheckoutRepository(db),
		outboxRepo:       repository.NewOutboxRepository(db),
	}
}

// WebhookResult 回调处理结果
type WebhookResult struct {
	EventType string
	Duplicate bool // 重投事件，已按成功确认
	Ignored   bool // 不关心的事件类型
}

// HandleEvent 处理一条回调
//
// 事件状态流转：received -> verified -> account-resolved -> credited -> recorded -> acknowledged
// 任何一步失败返回错误，由 handler 映射为非 2xx 状态码
func (s *WebhookService) HandleEvent(ctx context.Context, body []byte, sigHeader string) (*WebhookResult, error) {
	// verified：验签失败终止，不碰数据库
	event, err := s.verifier.VerifyAndParse(body, sigHeader)
	if err != nil {
		return nil, err
	}

	if event.EventType != payment.EventTypeCheckoutCompleted {
		log.Printf("忽略回调事件: eventID=%s, type=%s", event.EventID, event.EventType)
		return &WebhookResult{EventType: event.EventType, Ignored: true}, nil
	}

	// 事件级幂等：已处理完成的事件直接确认
	existing, err := s.webhookEventRepo.GetByEventID(ctx, event.EventID)
	if err != nil {
		return nil, fmt.Errorf("查询事件记录失败: %w", err)
	}
	if existing != nil && existing.ProcessedAt != nil {
		log.Printf("重投事件已处理过，忽略: eventID=%s", event.EventID)
		return &WebhookResult{EventType: event.EventType, Duplicate: true}, nil
	}

	// 首次收到先落事件记录（ProcessedAt 为空表示处理中/失败待重投）
	if existing == nil {
		record := &model.WebhookEvent{
			EventID:   event.EventID,
			EventType: event.EventType,
			Payload:   string(event.Raw),
		}
		if err := s.webhookEventRepo.Create(ctx, nil, record); err != nil {
			if errors.Is(err, repository.ErrDuplicateEvent) {
				// 并发重投在落库瞬间撞上，让支付凭证唯一索引做最终裁决
				log.Printf("并发重投事件: eventID=%s", event.EventID)
			} else {
				return nil, fmt.Errorf("记录事件失败: %w", err)
			}
		}
	}

	result, err := s.reconcile(ctx, event)
	if err != nil {
		// 留下失败原因，等 Stripe 重投
		if markErr := s.webhookEventRepo.MarkFailed(ctx, event.EventID, err.Error()); markErr != nil {
			log.Printf("记录事件失败原因失败: eventID=%s, err=%v", event.EventID, markErr)
		}
		return nil, err
	}
	return result, nil
}

// reconcile 定位账户、计算积分、原子入账
func (s *WebhookService) reconcile(ctx context.Context, event *payment.Event) (*WebhookResult, error) {
	// account-resolved：只信 metadata 里的账户ID
	accountID, ok := event.AccountID()
	if !ok {
		return nil, fmt.Errorf("%w: eventID=%s, sessionID=%s", ErrCorrelatorMissing, event.EventID, event.SessionID)
	}

	account, err := s.accountRepo.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("定位账户失败: eventID=%s, accountID=%d: %w", event.EventID, accountID, err)
	}

	// credited：优先读 metadata 写入的积分数，金额反查只是兜底
	credits, ok := event.Credits()
	if !ok {
		credits, ok = pricing.CreditsForAmount(event.AmountCents)
		if !ok {
			return nil, fmt.Errorf("%w: eventID=%s, amount=%d", ErrCreditsUnresolved, event.EventID, event.AmountCents)
		}
		log.Printf("metadata 缺少积分数，按金额兜底换算: eventID=%s, amount=%d, credits=%d",
			event.EventID, event.AmountCents, credits)
	}

	// 入账级幂等键：支付凭证，缺失时退回事件ID
	paymentRef := event.PaymentRef
	if paymentRef == "" {
		paymentRef = event.EventID
	}

	if existing, err := s.transactionRepo.GetByPaymentRef(ctx, paymentRef); err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	} else if existing != nil {
		log.Printf("支付凭证已入账过，忽略重投: paymentRef=%s", paymentRef)
		return &WebhookResult{EventType: event.EventType, Duplicate: true}, nil
	}

	// recorded：加积分 + 记流水 + 标记事件，一个事务里完成
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.Increase(ctx, tx, account.ID, credits); err != nil {
			return fmt.Errorf("积分入账失败: %w", err)
		}

		trans := &model.CreditTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			AccountID:     account.ID,
			AmountCents:   event.AmountCents,
			Credits:       credits,
			Type:          model.TransactionTypePurchase,
			PaymentRef:    &paymentRef,
			BalanceBefore: account.Credits,
			BalanceAfter:  account.Credits + credits,
			Remark:        fmt.Sprintf("充值-%s", event.SessionID),
		}
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return err
		}

		if err := s.webhookEventRepo.MarkProcessed(ctx, tx, event.EventID); err != nil {
			return fmt.Errorf("标记事件处理完成失败: %w", err)
		}

		// 本地会话留痕流转（回调不依赖这条记录，找不到不算失败）
		if event.SessionID != "" {
			err := s.checkoutRepo.UpdateStatus(ctx, tx, event.SessionID, model.CheckoutStatusPending, model.CheckoutStatusCompleted)
			if err != nil && !errors.Is(err, repository.ErrCheckoutStatusInvalid) {
				return fmt.Errorf("更新会话状态失败: %w", err)
			}
		}

		msgPayload := map[string]interface{}{
			"event":       "credit.granted",
			"account_id":  account.ID,
			"credits":     credits,
			"amount":      event.AmountCents,
			"payment_ref": paymentRef,
			"granted_at":  time.Now().Format(time.RFC3339),
		}
		payloadBytes, _ := json.Marshal(msgPayload)

		outboxMsg := &model.OutboxMessage{
			MessageKey: paymentRef,
			Topic:      s.cfg.Kafka.Topic.CreditEvents,
			Payload:    string(payloadBytes),
			Status:     model.OutboxStatusPending,
		}
		if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		return nil
	})

	if err != nil {
		// 并发重投的两个请求同时走到这里，唯一索引只放一个过
		if errors.Is(err, repository.ErrDuplicatePaymentRef) {
			log.Printf("并发重投被支付凭证唯一索引拦截: paymentRef=%s", paymentRef)
			return &WebhookResult{EventType: event.EventType, Duplicate: true}, nil
		}
		return nil, err
	}

	log.Printf("积分入账成功: accountID=%d, credits=%d, paymentRef=%s", account.ID, credits, paymentRef)

	return &WebhookResult{EventType: event.EventType}, nil
}
