package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"extractpay/internal/model"
	"extractpay/internal/repository"
)

// fakeVision 可编程的视觉模型桩
type fakeVision struct {
	calls  int
	failAt int // 第几次调用失败（从1数），0 表示不失败
}

func (f *fakeVision) ExtractText(_ context.Context, _, _ string) (string, error) {
	f.calls++
	if f.failAt > 0 && f.calls >= f.failAt {
		return "", errors.New("model overloaded")
	}
	return fmt.Sprintf("text-%d", f.calls), nil
}

// noopLocker 测试用空锁
type noopLocker struct{}

func (noopLocker) LockAccount(_ context.Context, _ int64, _ string) (func(), error) {
	return func() {}, nil
}

func TestExtractSuccess(t *testing.T) {
	db := testDB(t)
	account := createTestAccount(t, db, 5)

	vision := &fakeVision{}
	svc := NewExtractionService(db, vision, noopLocker{}, testConfig())

	resp, err := svc.Extract(context.Background(), account.ID, &ExtractRequest{
		Images:       []string{"aW1nMQ==", "aW1nMg=="},
		Filenames:    []string{"a.jpg", "b.jpg"},
		Requirements: "names",
	})
	if err != nil {
		t.Fatalf("提取失败: %v", err)
	}

	if vision.calls != 2 {
		t.Fatalf("模型调用次数 = %d, 期望 2", vision.calls)
	}

	// 一个批次扣一积分
	if got := accountCredits(t, db, account.ID); got != 4 {
		t.Fatalf("余额 = %d, 期望 4", got)
	}
	if resp.CreditsLeft != 4 {
		t.Fatalf("响应余额 = %d, 期望 4", resp.CreditsLeft)
	}

	if !strings.Contains(resp.ExtractedText, "Image 1:\ntext-1") ||
		!strings.Contains(resp.ExtractedText, "Image 2:\ntext-2") {
		t.Fatalf("提取结果拼装不对: %q", resp.ExtractedText)
	}

	// 每张图一条提取记录，共享批次号
	var extractions []model.Extraction
	db.Where("account_id = ?", account.ID).Find(&extractions)
	if len(extractions) != 2 {
		t.Fatalf("提取记录 = %d 条, 期望 2", len(extractions))
	}
	for _, e := range extractions {
		if e.BatchNo != resp.BatchNo {
			t.Fatalf("批次号不一致: %s != %s", e.BatchNo, resp.BatchNo)
		}
	}
	if extractions[0].Filename != "a.jpg" {
		t.Fatalf("文件名未保存: %s", extractions[0].Filename)
	}

	if got := countTransactions(t, db, account.ID, model.TransactionTypeSpend); got != 1 {
		t.Fatalf("SPEND 流水 = %d 条, 期望 1", got)
	}
	if countOutbox(t, db, "credit-events") != 1 {
		t.Fatal("提取完成应写一条 outbox 消息")
	}
}

func TestExtractInsufficientCredits(t *testing.T) {
	db := testDB(t)
	account := createTestAccount(t, db, 0)

	vision := &fakeVision{}
	svc := NewExtractionService(db, vision, noopLocker{}, testConfig())

	_, err := svc.Extract(context.Background(), account.ID, &ExtractRequest{
		Images: []string{"aW1n"},
	})
	if !errors.Is(err, repository.ErrInsufficientCredits) {
		t.Fatalf("应返回 ErrInsufficientCredits, got %v", err)
	}

	// 余额不足必须在推理之前拦截
	if vision.calls != 0 {
		t.Fatalf("余额不足不应调用模型: %d 次", vision.calls)
	}

	var extractionCount int64
	db.Model(&model.Extraction{}).Count(&extractionCount)
	if extractionCount != 0 {
		t.Fatal("余额不足不应产生提取记录")
	}
	if got := countTransactions(t, db, account.ID, ""); got != 0 {
		t.Fatalf("余额不足不应产生流水: %d 条", got)
	}
}

func TestExtractInferenceFailureRefunds(t *testing.T) {
	db := testDB(t)
	account := createTestAccount(t, db, 5)

	// 第二张图推理失败
	vision := &fakeVision{failAt: 2}
	svc := NewExtractionService(db, vision, noopLocker{}, testConfig())

	_, err := svc.Extract(context.Background(), account.ID, &ExtractRequest{
		Images: []string{"aW1nMQ==", "aW1nMg==", "aW1nMw=="},
	})
	if !errors.Is(err, ErrInferenceFailed) {
		t.Fatalf("应返回 ErrInferenceFailed, got %v", err)
	}

	// 整批失败，扣掉的积分原路返还
	if got := accountCredits(t, db, account.ID); got != 5 {
		t.Fatalf("补偿后余额 = %d, 期望 5", got)
	}

	// 账本完整：一条 SPEND 一条 REVERSAL
	if got := countTransactions(t, db, account.ID, model.TransactionTypeSpend); got != 1 {
		t.Fatalf("SPEND 流水 = %d 条, 期望 1", got)
	}
	if got := countTransactions(t, db, account.ID, model.TransactionTypeReversal); got != 1 {
		t.Fatalf("REVERSAL 流水 = %d 条, 期望 1", got)
	}

	// 失败批次不留提取记录
	var extractionCount int64
	db.Model(&model.Extraction{}).Count(&extractionCount)
	if extractionCount != 0 {
		t.Fatal("失败批次不应产生提取记录")
	}
}

func TestExtractValidation(t *testing.T) {
	db := testDB(t)
	account := createTestAccount(t, db, 5)

	svc := NewExtractionService(db, &fakeVision{}, noopLocker{}, testConfig())
	ctx := context.Background()

	_, err := svc.Extract(ctx, account.ID, &ExtractRequest{})
	if !errors.Is(err, ErrNoImages) {
		t.Fatalf("空图片应返回 ErrNoImages, got %v", err)
	}

	images := make([]string, 11)
	for i := range images {
		images[i] = "aW1n"
	}
	_, err = svc.Extract(ctx, account.ID, &ExtractRequest{Images: images})
	if !errors.Is(err, ErrTooManyImages) {
		t.Fatalf("超量图片应返回 ErrTooManyImages, got %v", err)
	}

	// 参数校验失败不应扣积分
	if got := accountCredits(t, db, account.ID); got != 5 {
		t.Fatalf("余额 = %d, 期望 5", got)
	}
}
