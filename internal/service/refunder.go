package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/digkill/motiongif/internal/catalog"
	"github.com/digkill/motiongif/internal/metrics"
	"github.com/digkill/motiongif/internal/models"
)

// Refunder fails a job and returns its debit in one step. Whatever the
// number of callers, a job is refunded at most once.
type Refunder struct {
	jobs    JobStore
	catalog *catalog.Catalog
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewRefunder(jobs JobStore, cat *catalog.Catalog, m *metrics.Metrics, log zerolog.Logger) *Refunder {
	return &Refunder{jobs: jobs, catalog: cat, metrics: m, log: log.With().Str("component", "refunder").Logger()}
}

// Refund reports whether this call performed the transition. It runs even if
// ctx is already cancelled so a client disconnect cannot skip a refund.
func (r *Refunder) Refund(ctx context.Context, job *models.GenerationJob, stage, reason string) (bool, error) {
	ctx = context.WithoutCancel(ctx)

	amount, err := r.amount(job)
	if err != nil {
		return false, err
	}

	refunded, err := r.jobs.FailAndRefund(ctx, job.ID, job.AccountID, amount, reason)
	if err != nil {
		r.log.Error().Err(err).Str("job_id", job.ID).Str("stage", stage).Msg("refund failed")
		return false, fmt.Errorf("refund job %s: %w", job.ID, err)
	}
	if !refunded {
		r.log.Debug().Str("job_id", job.ID).Str("stage", stage).Msg("job already terminal, refund skipped")
		return false, nil
	}

	job.Status = models.JobStatusFailed
	job.ErrorDetail = reason
	r.metrics.Refunded(stage, amount)
	r.log.Info().
		Str("job_id", job.ID).
		Int64("account_id", job.AccountID).
		Int("credits", amount).
		Str("stage", stage).
		Str("reason", reason).
		Msg("job failed and refunded")
	return true, nil
}

// amount is the original debit. Rows written before cost was stored fall
// back to the mode's catalog price.
func (r *Refunder) amount(job *models.GenerationJob) (int, error) {
	if job.Cost > 0 {
		return job.Cost, nil
	}
	if r.catalog != nil {
		if cost, ok := r.catalog.Cost(job.Mode); ok {
			return cost, nil
		}
	}
	return 0, fmt.Errorf("refund job %s: unknown cost for mode %q", job.ID, job.Mode)
}
