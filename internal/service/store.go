package service

import (
	"context"
	"time"

	"github.com/digkill/motiongif/internal/models"
)

// JobStore is the persistence contract of the generation workflow. Every
// transition is conditional on the job still being processing.
type JobStore interface {
	CreateWithDebit(ctx context.Context, job *models.GenerationJob) error
	Get(ctx context.Context, id string) (*models.GenerationJob, error)
	FindByExternalID(ctx context.Context, provider, externalID string) (*models.GenerationJob, error)
	SetEnhancedPrompt(ctx context.Context, id, prompt string) error
	SetExternalID(ctx context.Context, id, externalID string) (bool, error)
	ClaimForTranscode(ctx context.Context, id string, lease time.Duration) (bool, error)
	ReleaseTranscodeClaim(ctx context.Context, id string) error
	Complete(ctx context.Context, id, videoURL, gifURL string) (bool, error)
	FailAndRefund(ctx context.Context, id string, accountID int64, amount int, reason string) (bool, error)
	ListProcessing(ctx context.Context, limit int) ([]*models.GenerationJob, error)
	Touch(ctx context.Context, id string) error
}

type Ledger interface {
	Credit(ctx context.Context, accountID int64, amount int) error
	Balance(ctx context.Context, accountID int64) (int, error)
}

type PaymentStore interface {
	RecordAndCredit(ctx context.Context, payment *models.Payment) error
	Create(ctx context.Context, payment *models.Payment) error
	MarkPaidAndCredit(ctx context.Context, provider, chargeID, payload string) (bool, error)
	FindByProviderCharge(ctx context.Context, provider, chargeID string) (*models.Payment, error)
	UpdateStatus(ctx context.Context, paymentID int64, status string, payload string) error
}

type AccountStore interface {
	Get(ctx context.Context, id int64) (*models.Account, error)
	Ensure(ctx context.Context, telegramID int64, username string, starterCredits int) (*models.Account, bool, error)
}
