package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/digkill/motiongif/internal/catalog"
	"github.com/digkill/motiongif/internal/enhancer"
	"github.com/digkill/motiongif/internal/models"
	"github.com/digkill/motiongif/internal/provider"
	"github.com/digkill/motiongif/internal/repository"
)

// memStore mirrors the conditional semantics of the MySQL repositories.
type memStore struct {
	mu       sync.Mutex
	now      time.Time
	seq      int
	balances map[int64]int
	jobs     map[string]*models.GenerationJob
	refunds  map[string]int
}

func newMemStore(balances map[int64]int) *memStore {
	return &memStore{
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		balances: balances,
		jobs:     map[string]*models.GenerationJob{},
		refunds:  map[string]int{},
	}
}

func (s *memStore) advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

func (s *memStore) balance(accountID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[accountID]
}

func (s *memStore) job(id string) models.GenerationJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) refundCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refunds[id]
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// put inserts a job directly, bypassing the debit.
func (s *memStore) put(job models.GenerationJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	s.jobs[job.ID] = &job
}

func (s *memStore) CreateWithDebit(_ context.Context, job *models.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[job.AccountID]
	if !ok {
		return repository.ErrNotFound
	}
	if bal < job.Cost {
		return repository.ErrInsufficientCredits
	}
	s.balances[job.AccountID] = bal - job.Cost
	s.seq++
	job.ID = fmt.Sprintf("job-%d", s.seq)
	job.Status = models.JobStatusProcessing
	job.CreatedAt = s.now
	job.UpdatedAt = s.now
	stored := *job
	s.jobs[job.ID] = &stored
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *j
	return &out, nil
}

func (s *memStore) FindByExternalID(_ context.Context, prov, externalID string) (*models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Provider == prov && j.ExternalID == externalID {
			out := *j
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memStore) SetEnhancedPrompt(_ context.Context, id, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok && j.Status == models.JobStatusProcessing {
		j.EnhancedPrompt = prompt
	}
	return nil
}

func (s *memStore) SetExternalID(_ context.Context, id, externalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusProcessing || j.ExternalID != "" {
		return false, nil
	}
	j.ExternalID = externalID
	j.UpdatedAt = s.now
	return true, nil
}

func (s *memStore) ClaimForTranscode(_ context.Context, id string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusProcessing {
		return false, nil
	}
	if j.TranscodeClaimedUntil != nil && j.TranscodeClaimedUntil.After(s.now) {
		return false, nil
	}
	until := s.now.Add(lease)
	j.TranscodeClaimedUntil = &until
	return true, nil
}

func (s *memStore) ReleaseTranscodeClaim(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok && j.Status == models.JobStatusProcessing {
		j.TranscodeClaimedUntil = nil
	}
	return nil
}

func (s *memStore) Complete(_ context.Context, id, videoURL, gifURL string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusProcessing {
		return false, nil
	}
	j.Status = models.JobStatusCompleted
	j.VideoURL = videoURL
	j.GIFURL = gifURL
	j.TranscodeClaimedUntil = nil
	j.UpdatedAt = s.now
	return true, nil
}

func (s *memStore) FailAndRefund(_ context.Context, id string, accountID int64, amount int, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusProcessing {
		return false, nil
	}
	j.Status = models.JobStatusFailed
	j.ErrorDetail = reason
	j.TranscodeClaimedUntil = nil
	now := s.now
	j.RefundedAt = &now
	j.UpdatedAt = now
	s.balances[accountID] += amount
	s.refunds[id]++
	return true, nil
}

func (s *memStore) ListProcessing(_ context.Context, limit int) ([]*models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.GenerationJob
	for _, j := range s.jobs {
		if j.Status != models.JobStatusProcessing {
			continue
		}
		if j.TranscodeClaimedUntil != nil && j.TranscodeClaimedUntil.After(s.now) {
			continue
		}
		c := *j
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok && j.Status == models.JobStatusProcessing {
		j.UpdatedAt = s.now
	}
	return nil
}

type fakeProvider struct {
	mu          sync.Mutex
	name        string
	nextID      string
	submitErr   error
	status      *provider.Result
	statusErr   error
	submissions []provider.Submission
	statusCalls int

	// onSubmit runs after a successful submission is recorded.
	onSubmit func()
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Submit(_ context.Context, sub provider.Submission) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submissions = append(p.submissions, sub)
	if p.submitErr != nil {
		return "", p.submitErr
	}
	id := p.nextID
	if id == "" {
		id = fmt.Sprintf("ext-%d", len(p.submissions))
	}
	if p.onSubmit != nil {
		p.onSubmit()
	}
	return id, nil
}

func (p *fakeProvider) Status(context.Context, string) (*provider.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusCalls++
	return p.status, p.statusErr
}

// ParseCallback accepts {"id":..,"status":..,"output":..,"error":..}.
func (p *fakeProvider) ParseCallback(body []byte) (string, *provider.Result, error) {
	var cb struct {
		ID     string          `json:"id"`
		Status provider.Status `json:"status"`
		Output json.RawMessage `json:"output"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(body, &cb); err != nil || cb.ID == "" {
		return "", nil, provider.ErrMalformedCallback
	}
	return cb.ID, &provider.Result{Status: cb.Status, Output: cb.Output, Error: cb.Error}, nil
}

func (p *fakeProvider) lastSubmission() provider.Submission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submissions[len(p.submissions)-1]
}

func (p *fakeProvider) submitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submissions)
}

type fakeTranscoder struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
	fn    func(ctx context.Context, jobID, videoURL string) (string, error)
}

func (t *fakeTranscoder) TranscodeURL(ctx context.Context, jobID, videoURL string) (string, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	if t.gate != nil {
		<-t.gate
	}
	if t.fn != nil {
		return t.fn(ctx, jobID, videoURL)
	}
	return "https://cdn.example.com/gifs/" + jobID + ".gif", nil
}

func (t *fakeTranscoder) Budget() time.Duration { return 2 * time.Minute }

func (t *fakeTranscoder) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

type fakeEnhancer struct {
	result enhancer.Result
}

func (e fakeEnhancer) Enhance(_ context.Context, _ string, prompt string) enhancer.Result {
	if !e.result.Enhanced {
		return enhancer.Result{Prompt: prompt, Reason: e.result.Reason}
	}
	return e.result
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []models.GenerationJob
}

func (n *recordingNotifier) JobFinished(_ context.Context, job *models.GenerationJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, *job)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.jobs)
}

// harness wires the workflow against in-memory fakes.
type harness struct {
	store      *memStore
	kie        *fakeProvider
	replicate  *fakeProvider
	transcoder *fakeTranscoder
	notifier   *recordingNotifier
	dispatcher *GenerationService
	reconciler *Reconciler
}

const testAccount int64 = 7

func newHarness(balance int, enh enhancer.Enhancer) *harness {
	h := &harness{
		store:      newMemStore(map[int64]int{testAccount: balance}),
		kie:        &fakeProvider{name: catalog.ProviderKIE},
		replicate:  &fakeProvider{name: catalog.ProviderReplicate},
		transcoder: &fakeTranscoder{},
		notifier:   &recordingNotifier{},
	}
	cat := catalog.Default()
	registry := provider.NewRegistry(h.kie, h.replicate)
	log := zerolog.Nop()
	refunder := NewRefunder(h.store, cat, nil, log)
	h.dispatcher = NewGenerationService(h.store, cat, registry, enh, refunder, GenerationOptions{
		CallbackBaseURL: "https://gif.example.com",
		WebhookSecret:   "s3cret",
		SubmitTimeout:   time.Second,
	}, nil, log)
	h.reconciler = NewReconciler(h.store, registry, h.transcoder, refunder, ReconcilerOptions{
		DispatchGrace: 10 * time.Minute,
	}, nil, log)
	h.reconciler.now = func() time.Time {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return h.store.now
	}
	h.reconciler.SetNotifier(h.notifier)
	return h
}

func (h *harness) submit(mode string) (*models.GenerationJob, error) {
	return h.dispatcher.Submit(context.Background(), SubmitRequest{
		AccountID: testAccount,
		ChatID:    100,
		ImageURL:  "https://img.example.com/cat.jpg",
		Prompt:    "the cat waves",
		Mode:      models.GenerationMode(mode),
	})
}

func succeeded(url string) *provider.Result {
	out, _ := json.Marshal(url)
	return &provider.Result{Status: provider.StatusSucceeded, Output: out}
}

func newRegistryWithout(h *harness, name string) *provider.Registry {
	var ps []provider.Provider
	for _, p := range []*fakeProvider{h.kie, h.replicate} {
		if p.name != name {
			ps = append(ps, p)
		}
	}
	return provider.NewRegistry(ps...)
}
