package service

import (
	"context"

	"extractpay/internal/model"
	"extractpay/internal/repository"

	"gorm.io/gorm"
)

type AccountService struct {
	accountRepo    *repository.AccountRepository
	transRepo      *repository.TransactionRepository
	extractionRepo *repository.ExtractionRepository
}

func NewAccountService(db *gorm.DB) *AccountService {
	return &AccountService{
		accountRepo:    repository.NewAccountRepository(db),
		transRepo:      repository.NewTransactionRepository(db),
		extractionRepo: repository.NewExtractionRepository(db),
	}
}

func (s *AccountService) GetAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	return s.accountRepo.GetByID(ctx, accountID)
}

func (s *AccountService) ListTransactions(ctx context.Context, accountID int64, page, pageSize int) ([]*model.CreditTransaction, int64, error) {
	return s.transRepo.ListByAccountID(ctx, accountID, page, pageSize)
}

func (s *AccountService) ListExtractions(ctx context.Context, accountID int64, page, pageSize int) ([]*model.Extraction, int64, error) {
	return s.extractionRepo.ListByAccountID(ctx, accountID, page, pageSize)
}
