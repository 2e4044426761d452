package models

import "time"

type GenerationMode string

type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type TranscodeStatus string

const (
	TranscodeQueued   TranscodeStatus = "queued"
	TranscodeRunning  TranscodeStatus = "running"
	TranscodeFinished TranscodeStatus = "finished"
	TranscodeFailed   TranscodeStatus = "failed"
)

type Account struct {
	ID         int64
	TelegramID int64
	Username   string
	Credits    int
	IsAdmin    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type GenerationJob struct {
	ID                    string
	AccountID             int64
	ChatID                int64
	ImageURL              string
	Prompt                string
	EnhancedPrompt        string
	Mode                  GenerationMode
	ModeParams            map[string]string
	Cost                  int
	Provider              string
	ExternalID            string
	Status                JobStatus
	VideoURL              string
	GIFURL                string
	ErrorDetail           string
	TranscodeClaimedUntil *time.Time
	RefundedAt            *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// EffectivePrompt is the prompt that was sent to the provider.
func (j *GenerationJob) EffectivePrompt() string {
	if j.EnhancedPrompt != "" {
		return j.EnhancedPrompt
	}
	return j.Prompt
}

// TranscodeJob is tracked in memory only while the conversion service is polled.
type TranscodeJob struct {
	ID     string
	Status TranscodeStatus
	Error  string
}

type Payment struct {
	ID             int64
	AccountID      int64
	Provider       string
	ProviderCharge string
	Currency       string
	Amount         int
	Credits        int
	Status         string
	RawPayload     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
