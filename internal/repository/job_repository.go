package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/digkill/motiongif/internal/models"
)

const jobColumns = `id, account_id, chat_id, image_url, prompt, enhanced_prompt, mode, mode_params, cost, provider,
external_id, status, video_url, gif_url, error_detail, transcode_claimed_until, refunded_at, created_at, updated_at`

// JobRepository persists generation jobs. Every status transition is a
// conditional update guarded by status = 'processing', so terminal states
// are absorbing and concurrent writers resolve to a single winner.
type JobRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db, now: utcNow}
}

// CreateWithDebit debits the job cost and inserts the job row in one
// transaction. On ErrInsufficientCredits no row exists afterwards.
func (r *JobRepository) CreateWithDebit(ctx context.Context, job *models.GenerationJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	params, err := json.Marshal(job.ModeParams)
	if err != nil {
		return fmt.Errorf("marshal mode params: %w", err)
	}
	now := r.now()
	job.Status = models.JobStatusProcessing
	job.CreatedAt = now
	job.UpdatedAt = now

	const query = `
INSERT INTO generation_jobs (id, account_id, chat_id, image_url, prompt, mode, mode_params, cost, provider, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := Debit(ctx, tx, job.AccountID, job.Cost); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, job.ID, job.AccountID, nullInt64(job.ChatID), job.ImageURL, job.Prompt,
			string(job.Mode), string(params), job.Cost, job.Provider, string(job.Status), now, now); err != nil {
			return fmt.Errorf("insert generation job: %w", err)
		}
		return nil
	})
}

func (r *JobRepository) Get(ctx context.Context, id string) (*models.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = ?`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get generation job: %w", err)
	}
	return job, nil
}

func (r *JobRepository) FindByExternalID(ctx context.Context, provider, externalID string) (*models.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE provider = ? AND external_id = ? LIMIT 1`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, provider, externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s/%s: %w", provider, externalID, ErrNotFound)
		}
		return nil, fmt.Errorf("find generation job: %w", err)
	}
	return job, nil
}

func (r *JobRepository) SetEnhancedPrompt(ctx context.Context, id, prompt string) error {
	const query = `
UPDATE generation_jobs SET enhanced_prompt = ?, updated_at = ?
WHERE id = ? AND status = 'processing'`
	if _, err := r.db.ExecContext(ctx, query, prompt, r.now(), id); err != nil {
		return fmt.Errorf("set enhanced prompt: %w", err)
	}
	return nil
}

// SetExternalID records the provider handle. It reports false when the job
// already left processing or already carries an external id.
func (r *JobRepository) SetExternalID(ctx context.Context, id, externalID string) (bool, error) {
	const query = `
UPDATE generation_jobs SET external_id = ?, updated_at = ?
WHERE id = ? AND status = 'processing' AND external_id IS NULL`
	res, err := r.db.ExecContext(ctx, query, externalID, r.now(), id)
	if err != nil {
		if isDuplicate(err) {
			return false, fmt.Errorf("external id %s: %w", externalID, ErrDuplicate)
		}
		return false, fmt.Errorf("set external id: %w", err)
	}
	return affected(res, "set external id")
}

// ClaimForTranscode takes a time-limited lease on the transcoding step. Only
// one caller wins while the lease is live.
func (r *JobRepository) ClaimForTranscode(ctx context.Context, id string, lease time.Duration) (bool, error) {
	now := r.now()
	const query = `
UPDATE generation_jobs SET transcode_claimed_until = ?, updated_at = ?
WHERE id = ? AND status = 'processing'
  AND (transcode_claimed_until IS NULL OR transcode_claimed_until < ?)`
	res, err := r.db.ExecContext(ctx, query, now.Add(lease), now, id, now)
	if err != nil {
		return false, fmt.Errorf("claim transcode: %w", err)
	}
	return affected(res, "claim transcode")
}

func (r *JobRepository) ReleaseTranscodeClaim(ctx context.Context, id string) error {
	const query = `
UPDATE generation_jobs SET transcode_claimed_until = NULL, updated_at = ?
WHERE id = ? AND status = 'processing'`
	if _, err := r.db.ExecContext(ctx, query, r.now(), id); err != nil {
		return fmt.Errorf("release transcode claim: %w", err)
	}
	return nil
}

func (r *JobRepository) Complete(ctx context.Context, id, videoURL, gifURL string) (bool, error) {
	const query = `
UPDATE generation_jobs SET status = 'completed', video_url = ?, gif_url = ?, transcode_claimed_until = NULL, updated_at = ?
WHERE id = ? AND status = 'processing'`
	res, err := r.db.ExecContext(ctx, query, videoURL, gifURL, r.now(), id)
	if err != nil {
		return false, fmt.Errorf("complete generation job: %w", err)
	}
	return affected(res, "complete")
}

// FailAndRefund marks the job failed and returns amount credits to the
// account in one transaction. The credit is applied only when this call
// performed the transition, so a job is refunded at most once.
func (r *JobRepository) FailAndRefund(ctx context.Context, id string, accountID int64, amount int, reason string) (bool, error) {
	now := r.now()
	const query = `
UPDATE generation_jobs SET status = 'failed', error_detail = ?, refunded_at = ?, transcode_claimed_until = NULL, updated_at = ?
WHERE id = ? AND status = 'processing'`

	var refunded bool
	err := WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, truncate(reason, 2000), now, now, id)
		if err != nil {
			return fmt.Errorf("fail generation job: %w", err)
		}
		ok, err := affected(res, "fail")
		if err != nil || !ok {
			return err
		}
		if err := Credit(ctx, tx, accountID, amount); err != nil {
			return err
		}
		refunded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return refunded, nil
}

// ListProcessing returns up to limit in-flight jobs, least recently touched
// first, skipping jobs whose transcode lease is still live.
func (r *JobRepository) ListProcessing(ctx context.Context, limit int) ([]*models.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs
WHERE status = 'processing' AND (transcode_claimed_until IS NULL OR transcode_claimed_until < ?)
ORDER BY updated_at ASC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, r.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list processing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Touch bumps updated_at so a still-pending job moves to the back of the
// sweep order.
func (r *JobRepository) Touch(ctx context.Context, id string) error {
	const query = `UPDATE generation_jobs SET updated_at = ? WHERE id = ? AND status = 'processing'`
	if _, err := r.db.ExecContext(ctx, query, r.now(), id); err != nil {
		return fmt.Errorf("touch generation job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.GenerationJob, error) {
	var (
		job                                           models.GenerationJob
		chatID                                        sql.NullInt64
		enhanced, externalID, videoURL, gifURL, errDt sql.NullString
		mode, status, params                          string
		claimed, refunded                             sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.AccountID, &chatID, &job.ImageURL, &job.Prompt, &enhanced, &mode, &params,
		&job.Cost, &job.Provider, &externalID, &status, &videoURL, &gifURL, &errDt, &claimed, &refunded,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.ChatID = chatID.Int64
	job.EnhancedPrompt = enhanced.String
	job.Mode = models.GenerationMode(mode)
	job.Status = models.JobStatus(status)
	job.ExternalID = externalID.String
	job.VideoURL = videoURL.String
	job.GIFURL = gifURL.String
	job.ErrorDetail = errDt.String
	if claimed.Valid {
		t := claimed.Time
		job.TranscodeClaimedUntil = &t
	}
	if refunded.Valid {
		t := refunded.Time
		job.RefundedAt = &t
	}
	if params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &job.ModeParams); err != nil {
			return nil, fmt.Errorf("decode mode params: %w", err)
		}
	}
	return &job, nil
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

// truncate caps s at max bytes without splitting a rune; error_detail is
// utf8mb4 and strict mode rejects broken sequences.
func truncate(s string, max int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
