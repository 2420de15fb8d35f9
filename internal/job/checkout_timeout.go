package job

import (
	"context"
	"log"
	"time"

	"extractpay/internal/config"
	"extractpay/internal/model"
	"extractpay/internal/repository"

	"gorm.io/gorm"
)

// CheckoutTimeoutJob 结账会话超时清理任务
// 用户打开支付页又不付的会话会一直留在 PENDING，定期标记过期。
// 纯本地留痕清理：Stripe 侧的会话有自己的过期机制，这里不去碰它。
type CheckoutTimeoutJob struct {
	db           *gorm.DB
	checkoutRepo *repository.CheckoutRepository
	cfg          *config.Config
	stopCh       chan struct{}
	interval     time.Duration
	batchSize    int
}

func NewCheckoutTimeoutJob(db *gorm.DB, cfg *config.Config) *CheckoutTimeoutJob {
	return &CheckoutTimeoutJob{
		db:           db,
		checkoutRepo: repository.NewCheckoutRepository(db),
		cfg:          cfg,
		stopCh:       make(chan struct{}),
		interval:     30 * time.Second,
		batchSize:    100,
	}
}

func (j *CheckoutTimeoutJob) Start(ctx context.Context) {
	log.Println("[CheckoutTimeoutJob] 会话超时任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[CheckoutTimeoutJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[CheckoutTimeoutJob] 任务停止")
			return
		case <-ticker.C:
			j.closeExpiredSessions(ctx)
		}
	}
}

func (j *CheckoutTimeoutJob) Stop() {
	close(j.stopCh)
}

func (j *CheckoutTimeoutJob) closeExpiredSessions(ctx context.Context) {
	sessions, err := j.checkoutRepo.GetExpiredSessions(ctx, j.batchSize)
	if err != nil {
		log.Printf("[CheckoutTimeoutJob] 查询超时会话失败: %v", err)
		return
	}

	if len(sessions) == 0 {
		return
	}

	closedCount := 0
	for _, session := range sessions {
		err := j.checkoutRepo.UpdateStatus(ctx, nil, session.SessionID, model.CheckoutStatusPending, model.CheckoutStatusExpired)
		if err != nil {
			// 回调可能刚把它标成 COMPLETED，条件更新落空是正常情况
			continue
		}
		closedCount++
		log.Printf("[CheckoutTimeoutJob] 会话已超时关闭: sessionID=%s, accountID=%d",
			session.SessionID, session.AccountID)
	}

	if closedCount > 0 {
		log.Printf("[CheckoutTimeoutJob] 本次关闭 %d 个超时会话", closedCount)
	}
}
