package service

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"extractpay/internal/infrastructure/payment"
	"extractpay/internal/model"
	"extractpay/internal/repository"
	"extractpay/pkg/idgen"

	"gorm.io/gorm"
)

// stubVerifier 固定返回预设事件的验签桩
// 签名算法本身在 payment 包单独测，这里只测对账逻辑
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

func checkoutEvent(eventID, paymentRef string, amountCents int64, metadata map[string]string) *payment.Event {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &payment.Event{
		EventID:     eventID,
		EventType:   payment.EventTypeCheckoutCompleted,
		SessionID:   "cs_" + eventID,
		PaymentRef:  paymentRef,
		AmountCents: amountCents,
		Metadata:    metadata,
		Raw:         []byte("{}"),
	}
}

func newWebhookService(db *gorm.DB, verifier WebhookVerifier) *WebhookService {
	return NewWebhookService(db, verifier, testConfig())
}

func handle(t *testing.T, db *gorm.DB, event *payment.Event) (*WebhookResult, error) {
	t.Helper()
	svc := newWebhookService(db, &stubVerifier{event: event})
	return svc.HandleEvent(context.Background(), event.Raw, "sig")
}

func TestWebhookCreditGrant(t *testing.T) {
	db := testDB(t)
	account := createTestAccount(t, db, 5)

	// 回调到账前本地已有 PENDING 会话留痕
	session := &model.CheckoutSession{
		SessionID:   "cs_evt_grant",
		AccountID:   account.ID,
		Tier:        "price_100",
		AmountCents: 1000,
		Credits:     100,
		Status:      model.CheckoutStatusPending,
		ExpiredAt:   time.Now().Add(30 * time.Minute),
	}
	if err := db.Create(session).Error; err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	event := checkoutEvent("evt_grant", "pi_grant", 1000, map[string]string{
		payment.MetadataAccountID: strconv.FormatInt(account.ID, 10),
		payment.MetadataCredits:   "100",
	})

	result, err := handle(t, db, event)
	if err != nil {
		t.Fatalf("回调处理失败: %v", err)
	}
	if result.Duplicate || result.Ignored {
		t.Fatalf("首次事件不应是重复/忽略: %+v", result)
	}

	if got := accountCredits(t, db, account.ID); got != 105 {
		t.Fatalf("余额 = %d, 期望 105", got)
	}

	var trans model.CreditTransaction
	if err := db.Where("account_id = ? AND type = ?", account.ID, model.TransactionTypePurchase).First(&trans).Error; err != nil {
		t.Fatalf("查询入账流水失败: %v", err)
	}
	if trans.PaymentRef == nil || *trans.PaymentRef != "pi_grant" {
		t.Fatalf("流水支付凭证不对: %+v", trans.PaymentRef)
	}
	if trans.Credits != 100 || trans.AmountCents != 1000 {
		t.Fatalf("流水金额不对: %+v", trans)
	}
	if trans.BalanceBefore != 5 || trans.BalanceAfter != 105 {
		t.Fatalf("流水前后余额不对: %d -> %d", trans.BalanceBefore, trans.BalanceAfter)
	}

	var webhookEvent model.WebhookEvent
	if err := db.Where("event_id = ?", "evt_grant").First(&webhookEvent).Error; err != nil {
		t.Fatalf("事件记录未落库: %v", err)
	}
	if webhookEvent.ProcessedAt == nil {
		t.Fatal("事件应标记为已处理")
	}

	var updated model.CheckoutSession
	db.Where("session_id = ?", "cs_evt_grant").First(&updated)
	if updated.Status != model.CheckoutStatusCompleted {
		t.Fatalf("会话状态 = %s, 期望 COMPLETED", updated.Status)
	}

	if countOutbox(t, db, "credit-events") != 1 {
		t.Fatal("入账应写一条 outbox 消息")
	}
}

func TestWebhookReplayIdempotent(t *testing.T) {
	db := testDB(t)
	account := createTestAccount(t, db, 0)

	event := checkoutEvent("evt_replay", "pi_replay", 500, map[string]string{
		payment.MetadataAccountID: strconv.FormatInt(account.ID, 10),
		payment.MetadataCredits:   "40",
	})

	if _, err := handle(t, db, event); err != nil {
		t.Fatalf("首次处理失败: %v", err)
	}

	// Stripe 原样重投同一事件
	result, err := handle(t, db, event)
	if err != nil {
		t.Fatalf("重投处理失败: %v", err)
	}
	if !result.Duplicate {
		t.Fatal("重投事件应标记为 Duplicate")
	}

	if got := accountCredits(t, db, account.ID); got != 40 {
		t.Fatalf("重投后余额 = %d, 期望 40（只入账一次）", got)
	}
	if got := countTransactions(t, db, account.ID, model.TransactionTypePurchase); got != 1 {
		t.Fatalf("入账流水条数 = %d, 期望 1", got)
	}
}

func TestWebhookSamePaymentRefDifferentEventID(t *testing.T) {
	db := testDB(t)
	account := createTestAccount(t, db, 0)

	metadata := map[string]string{
		payment.MetadataAccountID: strconv.FormatInt(account.ID, 10),
		payment.MetadataCredits:   "100",
	}

	if _, err := handle(t, db, checkoutEvent("evt_a", "pi_same", 1000, metadata)); err != nil {
		t.Fatalf("首次处理失败: %v", err)
	}

	// 事件ID不同但支付凭证相同：凭证唯一索引是最终防线
	result, err := handle(t, db, checkoutEvent("evt_b", "pi_same", 1000, metadata))
	if err != nil {
		t.Fatalf("处理失败: %v", err)
	}
	if !result.Duplicate {
		t.Fatal("同凭证事件应标记为 Duplicate")
	}

	if got := accountCredits(t, db, account.ID); got != 100 {
		t.Fatalf("余额 = %d, 期望 100", got)
	}
}

func TestWebhookSignatureInvalidNoMutation(t *testing.T) {
	db := testDB(t)
	account := createTestAccount(t, db, 0)

	svc := newWebhookService(db, &stubVerifier{err: payment.ErrSignatureInvalid})
	_, err := svc.HandleEvent(context.Background(), []byte("{}"), "bad-sig")
	if !errors.Is(err, payment.ErrSignatureInvalid) {
		t.Fatalf("应返回 ErrSignatureInvalid, got %v", err)
	}

	// 验签失败不允许留下任何痕迹
	var eventCount int64
	db.Model(&model.WebhookEvent{}).Count(&eventCount)
	if eventCount != 0 {
		t.Fatal("验签失败不应落事件记录")
	}
	if got := accountCredits(t, db, account.ID); got != 0 {
		t.Fatalf("验签失败不应改余额: %d", got)
	}
}

func TestWebhookAmountFallback(t *testing.T) {
	db := testDB(t)
	account := createTestAccount(t, db, 0)

	// metadata 只有账户ID没有积分数，按金额查价格表兜底
	event := checkoutEvent("evt_fallback", "pi_fallback", 500, map[string]string{
		payment.MetadataAccountID: strconv.FormatInt(account.ID, 10),
	})

	if _, err := handle(t, db, event); err != nil {
		t.Fatalf("处理失败: %v", err)
	}
	if got := accountCredits(t, db, account.ID); got != 40 {
		t.Fatalf("余额 = %d, 期望 40", got)
	}
}

func TestWebhookCreditsUnresolved(t *testing.T) {
	db := testDB(t)
	account := createTestAccount(t, db, 0)

	// 积分数缺失且金额不在价格表里
	event := checkoutEvent("evt_unresolved", "pi_unresolved", 777, map[string]string{
		payment.MetadataAccountID: strconv.FormatInt(account.ID, 10),
	})

	_, err := handle(t, db, event)
	if !errors.Is(err, ErrCreditsUnresolved) {
		t.Fatalf("应返回 ErrCreditsUnresolved, got %v", err)
	}

	// 事件留痕但未标记处理完成，失败原因已记录
	var webhookEvent model.WebhookEvent
	if err := db.Where("event_id = ?", "evt_unresolved").First(&webhookEvent).Error; err != nil {
		t.Fatalf("失败事件也应留痕: %v", err)
	}
	if webhookEvent.ProcessedAt != nil {
		t.Fatal("失败事件不应标记为已处理")
	}
	if webhookEvent.ProcessingError == "" {
		t.Fatal("失败原因应记录")
	}

	if got := accountCredits(t, db, account.ID); got != 0 {
		t.Fatalf("失败事件不应改余额: %d", got)
	}
}

func TestWebhookCorrelatorMissing(t *testing.T) {
	db := testDB(t)
	createTestAccount(t, db, 0)

	event := checkoutEvent("evt_nocorr", "pi_nocorr", 1000, map[string]string{})

	_, err := handle(t, db, event)
	if !errors.Is(err, ErrCorrelatorMissing) {
		t.Fatalf("应返回 ErrCorrelatorMissing, got %v", err)
	}
}

func TestWebhookAccountNotFound(t *testing.T) {
	db := testDB(t)

	event := checkoutEvent("evt_noacct", "pi_noacct", 1000, map[string]string{
		payment.MetadataAccountID: "424242",
		payment.MetadataCredits:   "100",
	})

	_, err := handle(t, db, event)
	if !errors.Is(err, repository.ErrAccountNotFound) {
		t.Fatalf("应返回 ErrAccountNotFound, got %v", err)
	}
}

func TestWebhookIgnoresOtherEventTypes(t *testing.T) {
	db := testDB(t)

	event := &payment.Event{
		EventID:   "evt_other",
		EventType: "invoice.paid",
		Raw:       []byte("{}"),
	}

	result, err := handle(t, db, event)
	if err != nil {
		t.Fatalf("其他事件类型应直接确认: %v", err)
	}
	if !result.Ignored {
		t.Fatal("应标记为 Ignored")
	}

	var eventCount int64
	db.Model(&model.WebhookEvent{}).Count(&eventCount)
	if eventCount != 0 {
		t.Fatal("忽略的事件不应落库")
	}
}

func TestWebhookFailureThenRedelivery(t *testing.T) {
	db := testDB(t)

	accountID := idgen.GenerateAccountID()
	event := checkoutEvent("evt_retry", "pi_retry", 1000, map[string]string{
		payment.MetadataAccountID: strconv.FormatInt(accountID, 10),
		payment.MetadataCredits:   "100",
	})

	// 第一次：账户还不存在，处理失败
	if _, err := handle(t, db, event); err == nil {
		t.Fatal("账户不存在时应处理失败")
	}

	// 账户补建后 Stripe 重投，必须能成功入账
	account := &model.Account{ID: accountID, Email: "retry@test.local"}
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("补建账户失败: %v", err)
	}

	result, err := handle(t, db, event)
	if err != nil {
		t.Fatalf("重投处理失败: %v", err)
	}
	if result.Duplicate {
		t.Fatal("失败后的重投不是重复事件")
	}
	if got := accountCredits(t, db, accountID); got != 100 {
		t.Fatalf("余额 = %d, 期望 100", got)
	}
}
