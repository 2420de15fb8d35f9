package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"extractpay/internal/infrastructure/cache"
	"extractpay/internal/infrastructure/payment"
	"extractpay/internal/pricing"
	"extractpay/internal/repository"
	"extractpay/internal/service"
	"extractpay/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler HTTP 处理器
// 所有外部依赖在进程启动时构造好注入，handler 只做参数校验和错误映射
type Handler struct {
	authService       *service.AuthService
	accountService    *service.AccountService
	checkoutService   *service.CheckoutService
	webhookService    *service.WebhookService
	extractionService *service.ExtractionService
}

func NewHandler(
	authService *service.AuthService,
	accountService *service.AccountService,
	checkoutService *service.CheckoutService,
	webhookService *service.WebhookService,
	extractionService *service.ExtractionService,
) *Handler {
	return &Handler{
		authService:       authService,
		accountService:    accountService,
		checkoutService:   checkoutService,
		webhookService:    webhookService,
		extractionService: extractionService,
	}
}

// ==================== 认证 ====================

type MagicLinkRequest struct {
	Email string `json:"email" binding:"required"`
}

// RequestMagicLink 请求登录链接
// POST /api/v1/auth/magic-link
func (h *Handler) RequestMagicLink(c *gin.Context) {
	var req MagicLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.authService.RequestMagicLink(c.Request.Context(), req.Email); err != nil {
		if errors.Is(err, service.ErrInvalidEmail) {
			response.ParamError(c, err.Error())
			return
		}
		response.ServerError(c, "发送登录链接失败")
		return
	}

	// 无论邮箱是否注册过都返回同样的响应，不泄露账户存在性
	response.Success(c, gin.H{
		"message": "登录链接已发送，请查收邮件",
	})
}

// VerifyMagicLink 兑换登录令牌
// GET /api/v1/auth/verify?token=xxx
func (h *Handler) VerifyMagicLink(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.ParamError(c, "缺少令牌参数")
		return
	}

	sessionToken, account, err := h.authService.VerifyMagicLink(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, cache.ErrTokenNotFound) {
			response.Error(c, http.StatusUnauthorized, response.CodeTokenInvalid, "登录链接无效或已过期")
			return
		}
		response.ServerError(c, "登录失败")
		return
	}

	response.Success(c, gin.H{
		"token":      sessionToken,
		"account_id": strconv.FormatInt(account.ID, 10),
		"email":      account.Email,
		"credits":    account.Credits,
	})
}

// ==================== 结账 ====================

type CreateCheckoutRequest struct {
	AccountID string `json:"account_id"` // 可选，传了必须和会话账户一致
	Tier      string `json:"price_tier" binding:"required"`
}

// CreateCheckoutSession 创建结账会话
// POST /api/v1/checkout/session
func (h *Handler) CreateCheckoutSession(c *gin.Context) {
	accountID, ok := currentAccountID(c)
	if !ok {
		response.Unauthorized(c, "未认证")
		return
	}

	var req CreateCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	// 不允许给别的账户买积分
	if req.AccountID != "" && req.AccountID != strconv.FormatInt(accountID, 10) {
		response.Error(c, http.StatusForbidden, response.CodeForbidden, "账户不匹配")
		return
	}

	result, err := h.checkoutService.CreateSession(c.Request.Context(), accountID, req.Tier)
	if err != nil {
		switch {
		case errors.Is(err, pricing.ErrUnknownTier):
			response.BusinessError(c, response.CodeUnknownTier, "未知的价格档位: "+req.Tier)
		case errors.Is(err, repository.ErrAccountNotFound):
			response.Error(c, http.StatusNotFound, response.CodeAccountNotFound, "账户不存在")
		default:
			response.Error(c, http.StatusBadGateway, response.CodeCheckoutFailed, "创建结账会话失败，请稍后重试")
		}
		return
	}

	response.Success(c, result)
}

// ListTiers 价格档位列表
// GET /api/v1/checkout/tiers
func (h *Handler) ListTiers(c *gin.Context) {
	tiers := pricing.Tiers()
	list := make([]gin.H, 0, len(tiers))
	for _, t := range tiers {
		list = append(list, gin.H{
			"tier":         t.Key,
			"amount_cents": t.AmountCents,
			"credits":      t.Credits,
		})
	}
	response.Success(c, gin.H{"tiers": list})
}

// ==================== 支付回调 ====================

// StripeWebhook 支付回调入口
// POST /api/v1/stripe/webhook
//
// 【重要】必须用原始请求体验签，任何中间件都不能提前消费 body。
// 响应状态码是给 Stripe 重投机制看的：2xx 确认，非 2xx 触发重投。
func (h *Handler) StripeWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		webhookFailed(c, http.StatusBadRequest, "读取请求体失败")
		return
	}

	sigHeader := c.GetHeader("Stripe-Signature")

	result, err := h.webhookService.HandleEvent(c.Request.Context(), body, sigHeader)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrSignatureInvalid):
			webhookFailed(c, http.StatusBadRequest, "签名校验失败")
		case errors.Is(err, payment.ErrPayloadInvalid):
			webhookFailed(c, http.StatusBadRequest, "事件体解析失败")
		case errors.Is(err, service.ErrCorrelatorMissing),
			errors.Is(err, service.ErrCreditsUnresolved),
			errors.Is(err, repository.ErrAccountNotFound):
			// 数据性问题，重投也无法自愈，但仍返回 4xx 留下痕迹
			webhookFailed(c, http.StatusBadRequest, err.Error())
		default:
			// 持久化失败返回 5xx，等 Stripe 重投
			webhookFailed(c, http.StatusInternalServerError, "入账处理失败")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"event_type": result.EventType,
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}

func webhookFailed(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"status":    "failed",
		"error":     message,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// ==================== 提取 ====================

type ExtractRequest struct {
	Images       []string `json:"images" binding:"required"`
	Filenames    []string `json:"filenames"`
	Requirements string   `json:"requirements"`
}

// Extract 图片文本提取
// POST /api/v1/extract
func (h *Handler) Extract(c *gin.Context) {
	accountID, ok := currentAccountID(c)
	if !ok {
		response.Unauthorized(c, "未认证")
		return
	}

	var req ExtractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.extractionService.Extract(c.Request.Context(), accountID, &service.ExtractRequest{
		Images:       req.Images,
		Filenames:    req.Filenames,
		Requirements: req.Requirements,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNoImages), errors.Is(err, service.ErrTooManyImages):
			response.ParamError(c, err.Error())
		case errors.Is(err, repository.ErrInsufficientCredits):
			response.Error(c, http.StatusPaymentRequired, response.CodeInsufficientCredits, "积分不足，请先充值")
		case errors.Is(err, repository.ErrAccountNotFound):
			response.Error(c, http.StatusNotFound, response.CodeAccountNotFound, "账户不存在")
		case errors.Is(err, service.ErrInferenceFailed):
			// 积分已补偿返还，明确告知用户未扣费
			response.Error(c, http.StatusInternalServerError, response.CodeInferenceFailed, "提取失败，积分已返还，请稍后重试")
		default:
			response.ServerError(c, "提取失败")
		}
		return
	}

	response.Success(c, result)
}

// ==================== 账户 ====================

// GetBalance 查询余额
// GET /api/v1/account/balance
func (h *Handler) GetBalance(c *gin.Context) {
	accountID, ok := currentAccountID(c)
	if !ok {
		response.Unauthorized(c, "未认证")
		return
	}

	account, err := h.accountService.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			response.Error(c, http.StatusNotFound, response.CodeAccountNotFound, "账户不存在")
			return
		}
		response.ServerError(c, "查询余额失败")
		return
	}

	response.Success(c, gin.H{
		"account_id": strconv.FormatInt(account.ID, 10),
		"email":      account.Email,
		"credits":    account.Credits,
	})
}

// ListTransactions 积分流水
// GET /api/v1/account/transactions?page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	accountID, ok := currentAccountID(c)
	if !ok {
		response.Unauthorized(c, "未认证")
		return
	}

	page, pageSize := parsePagination(c)

	transactions, total, err := h.accountService.ListTransactions(c.Request.Context(), accountID, page, pageSize)
	if err != nil {
		response.ServerError(c, "查询流水失败")
		return
	}

	response.Success(c, gin.H{
		"list":      transactions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ListExtractions 提取历史
// GET /api/v1/extractions?page=1&page_size=20
func (h *Handler) ListExtractions(c *gin.Context) {
	accountID, ok := currentAccountID(c)
	if !ok {
		response.Unauthorized(c, "未认证")
		return
	}

	page, pageSize := parsePagination(c)

	extractions, total, err := h.accountService.ListExtractions(c.Request.Context(), accountID, page, pageSize)
	if err != nil {
		response.ServerError(c, "查询提取历史失败")
		return
	}

	response.Success(c, gin.H{
		"list":      extractions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func parsePagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}
