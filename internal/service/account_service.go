package service

import (
	"context"
	"fmt"

	"github.com/digkill/motiongif/internal/models"
)

type AccountService struct {
	accounts       AccountStore
	starterCredits int
}

func NewAccountService(accounts AccountStore, starterCredits int) *AccountService {
	return &AccountService{accounts: accounts, starterCredits: starterCredits}
}

func (s *AccountService) Ensure(ctx context.Context, telegramID int64, username string) (*models.Account, bool, error) {
	acc, created, err := s.accounts.Ensure(ctx, telegramID, username, s.starterCredits)
	if err != nil {
		return nil, false, fmt.Errorf("ensure account: %w", err)
	}
	return acc, created, nil
}

func (s *AccountService) Get(ctx context.Context, id int64) (*models.Account, error) {
	return s.accounts.Get(ctx, id)
}
