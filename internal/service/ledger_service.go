package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/digkill/motiongif/internal/models"
	"github.com/digkill/motiongif/internal/repository"
)

// Purchase is the "credits purchased" event emitted by a payment processor.
type Purchase struct {
	AccountID int64
	Provider  string
	ChargeID  string
	Currency  string
	Amount    int
	Credits   int
	Payload   string
}

type LedgerService struct {
	ledger   Ledger
	payments PaymentStore
	log      zerolog.Logger
}

func NewLedgerService(ledger Ledger, payments PaymentStore, log zerolog.Logger) *LedgerService {
	return &LedgerService{ledger: ledger, payments: payments, log: log.With().Str("component", "ledger").Logger()}
}

func (s *LedgerService) Balance(ctx context.Context, accountID int64) (int, error) {
	return s.ledger.Balance(ctx, accountID)
}

// Purchase credits the account once per provider charge id. Redeliveries
// report false without touching the balance.
func (s *LedgerService) Purchase(ctx context.Context, p Purchase) (bool, error) {
	if p.Credits <= 0 {
		return false, fmt.Errorf("%w: purchase without credits", ErrInvalidRequest)
	}
	if p.ChargeID == "" {
		return false, fmt.Errorf("%w: purchase without charge id", ErrInvalidRequest)
	}
	record := &models.Payment{
		AccountID:      p.AccountID,
		Provider:       p.Provider,
		ProviderCharge: p.ChargeID,
		Currency:       p.Currency,
		Amount:         p.Amount,
		Credits:        p.Credits,
		Status:         "paid",
		RawPayload:     p.Payload,
	}
	if err := s.payments.RecordAndCredit(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			s.log.Info().Str("provider", p.Provider).Str("charge_id", p.ChargeID).Msg("duplicate purchase ignored")
			return false, nil
		}
		return false, fmt.Errorf("record purchase: %w", err)
	}
	s.log.Info().Int64("account_id", p.AccountID).Int("credits", p.Credits).Str("provider", p.Provider).Msg("credits purchased")
	return true, nil
}

// Grant credits an account outside of a payment, e.g. by an operator.
func (s *LedgerService) Grant(ctx context.Context, accountID int64, credits int) error {
	if credits <= 0 {
		return fmt.Errorf("%w: grant must be positive", ErrInvalidRequest)
	}
	if err := s.ledger.Credit(ctx, accountID, credits); err != nil {
		return fmt.Errorf("grant credits: %w", err)
	}
	return nil
}
