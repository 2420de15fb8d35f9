package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"extractpay/internal/config"
	"extractpay/internal/pricing"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	ErrSignatureInvalid = errors.New("回调签名校验失败")
	ErrPayloadInvalid   = errors.New("回调事件体解析失败")
)

// 回调只关心结账完成事件，其他类型直接确认忽略
const EventTypeCheckoutCompleted = "checkout.session.completed"

// 会话创建时写入 metadata 的 key，回调按同名 key 读回
const (
	MetadataAccountID = "account_id"
	MetadataCredits   = "credits"
)

// Event 已验签的回调事件
//
// 【重要】这个类型只能由 VerifyAndParse 构造：
// 拿到 Event 就意味着签名已通过，下游对账逻辑不需要再怀疑事件来源
type Event struct {
	EventID       string            // Stripe 事件ID（evt_xxx），事件级幂等键
	EventType     string            // 事件类型
	SessionID     string            // Checkout Session ID
	PaymentRef    string            // 支付凭证（payment_intent），入账级幂等键
	AmountCents   int64             // 实付金额（美分）
	Metadata      map[string]string // 会话创建时写入的 metadata
	CustomerEmail string            // 仅用于日志排查，不用于账户定位
	Raw           []byte            // 原始事件体
}

// AccountID 从 metadata 读账户ID
// 账户定位只信 metadata，不用邮箱反查（邮箱可变且不保证唯一）
func (e *Event) AccountID() (int64, bool) {
	v, ok := e.Metadata[MetadataAccountID]
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Credits 从 metadata 读到账积分数
func (e *Event) Credits() (int64, bool) {
	v, ok := e.Metadata[MetadataCredits]
	if !ok {
		return 0, false
	}
	credits, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return credits, true
}

// StripeClient Stripe 客户端封装
// 会话创建和回调验签都走这里，持有密钥，进程启动时构造一次
type StripeClient struct {
	secretKey     string
	webhookSecret string
	successURL    string
	cancelURL     string
}

func NewStripeClient(cfg *config.StripeConfig) *StripeClient {
	stripe.Key = cfg.SecretKey
	return &StripeClient{
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
	}
}

// CreateCheckoutSession 创建一次性结账会话
//
// 【关键点】metadata 原样写入账户ID和积分数，
// 这是回调定位账户、计算到账积分的唯一权威依据
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, accountID int64, tier pricing.Tier) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String("usd"),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("%d Credits", tier.Credits)),
					},
					UnitAmount: stripe.Int64(tier.AmountCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(c.successURL),
		CancelURL:  stripe.String(c.cancelURL),
	}
	params.Context = ctx
	params.AddMetadata(MetadataAccountID, strconv.FormatInt(accountID, 10))
	params.AddMetadata(MetadataCredits, strconv.FormatInt(tier.Credits, 10))

	s, err := session.New(params)
	if err != nil {
		return "", fmt.Errorf("创建 Stripe 结账会话失败: %w", err)
	}

	return s.ID, nil
}

// VerifyAndParse 验签并解析回调事件
//
// 【关键点】必须用原始请求体验签（签名覆盖的是字节，不是 JSON 语义），
// 验签失败直接拒绝，事件体任何字段都不可信
func (c *StripeClient) VerifyAndParse(payload []byte, sigHeader string) (*Event, error) {
	stripeEvent, err := webhook.ConstructEventWithOptions(payload, sigHeader, c.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	event := &Event{
		EventID:   stripeEvent.ID,
		EventType: string(stripeEvent.Type),
		Raw:       payload,
	}

	if event.EventType != EventTypeCheckoutCompleted {
		// 不处理的事件类型，保留类型信息供上层直接确认
		return event, nil
	}

	var checkoutSession stripe.CheckoutSession
	if err := json.Unmarshal(stripeEvent.Data.Raw, &checkoutSession); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}

	event.SessionID = checkoutSession.ID
	event.AmountCents = checkoutSession.AmountTotal
	event.Metadata = checkoutSession.Metadata
	if checkoutSession.PaymentIntent != nil {
		event.PaymentRef = checkoutSession.PaymentIntent.ID
	}
	if checkoutSession.CustomerDetails != nil {
		event.CustomerEmail = checkoutSession.CustomerDetails.Email
	}

	return event, nil
}
