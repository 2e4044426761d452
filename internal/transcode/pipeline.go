// Package transcode turns a provider's video into a stored GIF using the
// external conversion service.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/digkill/motiongif/internal/metrics"
	"github.com/digkill/motiongif/internal/models"
	"github.com/digkill/motiongif/internal/storage"
)

var (
	ErrTranscodeTimeout = errors.New("transcode timed out")
	ErrTranscodeFailed  = errors.New("transcode failed")
)

type Converter interface {
	CreateJob(ctx context.Context, video []byte) (*models.TranscodeJob, error)
	JobStatus(ctx context.Context, id string) (*models.TranscodeJob, error)
	DownloadResult(ctx context.Context, id string) ([]byte, error)
}

type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

type Options struct {
	Interval      time.Duration
	MaxAttempts   int
	MaxVideoBytes int64
	HTTPClient    *http.Client

	// RequestTimeout is the allowance for job creation, result download and
	// upload in Budget.
	RequestTimeout time.Duration
}

type Pipeline struct {
	conv    Converter
	blobs   BlobStore
	opts    Options
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func New(conv Converter, blobs BlobStore, opts Options, m *metrics.Metrics, log zerolog.Logger) *Pipeline {
	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 40
	}
	if opts.MaxVideoBytes <= 0 {
		opts.MaxVideoBytes = 64 << 20
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = time.Minute
	}
	return &Pipeline{
		conv:    conv,
		blobs:   blobs,
		opts:    opts,
		metrics: m,
		log:     log.With().Str("component", "transcode").Logger(),
		now:     time.Now,
	}
}

// Budget is the longest a TranscodeURL run may take: the video download,
// job creation, polling, result download and upload. Runs are cut off at
// this deadline.
func (p *Pipeline) Budget() time.Duration {
	return p.opts.HTTPClient.Timeout + p.transcodeBudget()
}

func (p *Pipeline) transcodeBudget() time.Duration {
	return p.opts.Interval*time.Duration(p.opts.MaxAttempts) + 3*p.opts.RequestTimeout
}

// TranscodeURL downloads the provider video and transcodes it.
func (p *Pipeline) TranscodeURL(ctx context.Context, jobID, videoURL string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.Budget())
	defer cancel()

	video, err := p.download(runCtx, videoURL)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrTranscodeFailed, err)
	}
	url, err := p.Transcode(runCtx, jobID, video)
	if err != nil && ctx.Err() == nil && runCtx.Err() != nil && !errors.Is(err, ErrTranscodeTimeout) {
		err = fmt.Errorf("%w: exceeded %s", ErrTranscodeTimeout, p.Budget())
	}
	return url, err
}

// Transcode converts video to a GIF, stores it and returns its durable URL.
// No artifact is returned on failure.
func (p *Pipeline) Transcode(ctx context.Context, jobID string, video []byte) (string, error) {
	started := p.now()
	runCtx, cancel := context.WithTimeout(ctx, p.transcodeBudget())
	defer cancel()

	url, err := p.transcode(runCtx, jobID, video)
	if err != nil && ctx.Err() == nil && runCtx.Err() != nil {
		err = fmt.Errorf("%w: exceeded %s", ErrTranscodeTimeout, p.transcodeBudget())
	}
	result := "ok"
	switch {
	case errors.Is(err, ErrTranscodeTimeout):
		result = "timeout"
	case err != nil:
		result = "failed"
	}
	p.metrics.Transcoded(result, p.now().Sub(started))
	return url, err
}

func (p *Pipeline) transcode(ctx context.Context, jobID string, video []byte) (string, error) {
	log := p.log.With().Str("job_id", jobID).Logger()

	job, err := p.conv.CreateJob(ctx, video)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscodeFailed, err)
	}
	log.Info().Str("transcode_id", job.ID).Msg("conversion started")

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	var lastErr error
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		status, err := p.conv.JobStatus(ctx, job.ID)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt).Msg("conversion status check failed")
			continue
		}

		switch status.Status {
		case models.TranscodeFinished:
			gif, err := p.conv.DownloadResult(ctx, job.ID)
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrTranscodeFailed, err)
			}
			url, err := p.blobs.Put(ctx, storage.GIFKey(jobID, p.now()), gif, "image/gif")
			if err != nil {
				return "", fmt.Errorf("%w: store gif: %v", ErrTranscodeFailed, err)
			}
			log.Info().Int("attempt", attempt).Int("bytes", len(gif)).Msg("conversion finished")
			return url, nil
		case models.TranscodeFailed:
			msg := status.Error
			if msg == "" {
				msg = "conversion service reported failure"
			}
			return "", fmt.Errorf("%w: %s", ErrTranscodeFailed, msg)
		default:
			if attempt%10 == 0 {
				log.Debug().Int("attempt", attempt).Str("status", string(status.Status)).Msg("conversion still running")
			}
		}
	}

	if lastErr != nil {
		return "", fmt.Errorf("%w after %d attempts: %v", ErrTranscodeTimeout, p.opts.MaxAttempts, lastErr)
	}
	return "", fmt.Errorf("%w after %d attempts", ErrTranscodeTimeout, p.opts.MaxAttempts)
}

func (p *Pipeline) download(ctx context.Context, videoURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	resp, err := p.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download video: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download video: status=%d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.opts.MaxVideoBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read video: %w", err)
	}
	if int64(len(data)) > p.opts.MaxVideoBytes {
		return nil, fmt.Errorf("video exceeds %d bytes", p.opts.MaxVideoBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("video is empty")
	}
	return data, nil
}
