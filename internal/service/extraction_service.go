package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"extractpay/internal/config"
	"extractpay/internal/infrastructure/vision"
	"extractpay/internal/model"
	"extractpay/internal/repository"
	"extractpay/pkg/idgen"

	"gorm.io/gorm"
)

var (
	ErrNoImages       = errors.New("未提供图片")
	ErrTooManyImages  = errors.New("单批次图片数量超出上限")
	ErrInferenceFailed = vision.ErrInferenceFailed
)

// 单批次图片数量上限，防止一次请求长时间占住模型配额
const maxImagesPerBatch = 10

// AccountLocker 账户级提取锁接口
// 生产用 Redis 实现（lock.RedisAccountLocker），测试用空实现
type AccountLocker interface {
	LockAccount(ctx context.Context, accountID int64, holder string) (func(), error)
}

// ExtractionService 图片文本提取
//
// 【关键点】积分口径：一个批次扣一积分（不是一张图一积分）。
// 先扣后调模型，推理失败原路补偿返还——补偿也必须是原子加法，
// 不能拿请求开头读到的余额做覆盖写。
type ExtractionService struct {
	db             *gorm.DB
	cfg            *config.Config
	visionClient   vision.Client
	locker         AccountLocker
	accountRepo    *repository.AccountRepository
	transRepo      *repository.TransactionRepository
	extractionRepo *repository.ExtractionRepository
	outboxRepo     *repository.OutboxRepository
}

func NewExtractionService(db *gorm.DB, visionClient vision.Client, locker AccountLocker, cfg *config.Config) *ExtractionService {
	return &ExtractionService{
		db:             db,
		cfg:            cfg,
		visionClient:   visionClient,
		locker:         locker,
		accountRepo:    repository.NewAccountRepository(db),
		transRepo:      repository.NewTransactionRepository(db),
		extractionRepo: repository.NewExtractionRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
	}
}

type ExtractRequest struct {
	Images       []string // base64 图片内容
	Filenames    []string // 可选，与 Images 对齐
	Requirements string   // 提取要求（提示词）
}

type ExtractResponse struct {
	BatchNo       string `json:"batch_no"`
	ExtractedText string `json:"extracted_text"`
	CreditsLeft   int64  `json:"credits_left"`
}

// Extract 提取一批图片的文本
func (s *ExtractionService) Extract(ctx context.Context, accountID int64, req *ExtractRequest) (*ExtractResponse, error) {
	if len(req.Images) == 0 {
		return nil, ErrNoImages
	}
	if len(req.Images) > maxImagesPerBatch {
		return nil, ErrTooManyImages
	}

	batchNo := idgen.GenerateBatchNo()

	// 账户级锁：同一账户的提取请求串行，防止重复提交打爆模型配额
	unlock, err := s.locker.LockAccount(ctx, accountID, batchNo)
	if err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer unlock()

	account, err := s.accountRepo.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	// 余额不足直接拒绝，不发起任何推理调用
	if account.Credits <= 0 {
		return nil, repository.ErrInsufficientCredits
	}

	// 先扣积分：条件原子扣减 + SPEND 流水，一个事务
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.Deduct(ctx, tx, accountID, 1, account.Version); err != nil {
			return err
		}

		trans := &model.CreditTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			AccountID:     accountID,
			Credits:       -1,
			Type:          model.TransactionTypeSpend,
			BalanceBefore: account.Credits,
			BalanceAfter:  account.Credits - 1,
			Remark:        fmt.Sprintf("提取-%s-%d张", batchNo, len(req.Images)),
		}
		return s.transRepo.Create(ctx, tx, trans)
	})
	if err != nil {
		return nil, err
	}

	// 逐张推理，任何一张失败整批补偿
	results := make([]string, 0, len(req.Images))
	for i, image := range req.Images {
		text, err := s.visionClient.ExtractText(ctx, image, req.Requirements)
		if err != nil {
			s.refundBatch(ctx, account, batchNo)
			return nil, fmt.Errorf("%w: 第%d张: %v", ErrInferenceFailed, i+1, err)
		}
		results = append(results, fmt.Sprintf("Image %d:\n%s", i+1, text))
	}

	// 推理全部成功才写提取记录
	extractions := make([]*model.Extraction, 0, len(req.Images))
	for i, text := range results {
		extractions = append(extractions, &model.Extraction{
			BatchNo:       batchNo,
			AccountID:     accountID,
			Filename:      s.filenameAt(req, i),
			Requirements:  req.Requirements,
			ExtractedText: text,
		})
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.extractionRepo.CreateBatch(ctx, tx, extractions); err != nil {
			return fmt.Errorf("写提取记录失败: %w", err)
		}

		msgPayload := map[string]interface{}{
			"event":        "extraction.completed",
			"batch_no":     batchNo,
			"account_id":   accountID,
			"image_count":  len(req.Images),
			"completed_at": time.Now().Format(time.RFC3339),
		}
		payloadBytes, _ := json.Marshal(msgPayload)

		outboxMsg := &model.OutboxMessage{
			MessageKey: batchNo,
			Topic:      s.cfg.Kafka.Topic.CreditEvents,
			Payload:    string(payloadBytes),
			Status:     model.OutboxStatusPending,
		}
		return s.outboxRepo.Create(ctx, tx, outboxMsg)
	})
	if err != nil {
		// 推理已经成功，提取记录落库失败也要把积分还回去，
		// 否则用户花了积分什么都没拿到
		s.refundBatch(ctx, account, batchNo)
		return nil, err
	}

	combined := ""
	for i, r := range results {
		if i > 0 {
			combined += "\n\n"
		}
		combined += r
	}

	log.Printf("提取成功: batchNo=%s, accountID=%d, images=%d", batchNo, accountID, len(req.Images))

	return &ExtractResponse{
		BatchNo:       batchNo,
		ExtractedText: combined,
		CreditsLeft:   account.Credits - 1,
	}, nil
}

// refundBatch 补偿返还本批次扣掉的积分
// 原子加法 + REVERSAL 流水；补偿失败只能记日志等人工对账
func (s *ExtractionService) refundBatch(ctx context.Context, account *model.Account, batchNo string) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.Increase(ctx, tx, account.ID, 1); err != nil {
			return err
		}

		trans := &model.CreditTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			AccountID:     account.ID,
			Credits:       1,
			Type:          model.TransactionTypeReversal,
			BalanceBefore: account.Credits - 1,
			BalanceAfter:  account.Credits,
			Remark:        fmt.Sprintf("提取失败返还-%s", batchNo),
		}
		return s.transRepo.Create(ctx, tx, trans)
	})
	if err != nil {
		log.Printf("【需人工对账】提取失败补偿返还失败: batchNo=%s, accountID=%d, err=%v",
			batchNo, account.ID, err)
	}
}

func (s *ExtractionService) filenameAt(req *ExtractRequest, i int) string {
	if i < len(req.Filenames) && req.Filenames[i] != "" {
		return req.Filenames[i]
	}
	return fmt.Sprintf("image_%d", i+1)
}
