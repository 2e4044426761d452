package service

import (
	"errors"

	"github.com/digkill/motiongif/internal/repository"
)

var (
	ErrInsufficientCredits   = repository.ErrInsufficientCredits
	ErrNotFound              = repository.ErrNotFound
	ErrInvalidRequest        = errors.New("invalid request")
	ErrProviderUnavailable   = errors.New("provider not configured")
	ErrProviderSubmission    = errors.New("provider submission failed")
	ErrProviderOutputInvalid = errors.New("provider output invalid")
	ErrUnknownJob            = errors.New("no job for callback")
)
