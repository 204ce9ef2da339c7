package services

import (
	"errors"
	"fmt"
)

// Accounting errors. These abort the whole requested operation before any
// ledger mutation; partial credit application never happens.
var (
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrTransferNotAllowed = errors.New("transfer not allowed")
	ErrOwnerNotFound      = errors.New("owner not found")
	ErrCategoryNotFound   = errors.New("category not found")
)

// ErrNoRefund is returned when the refund policy yields nothing to
// refund (disabled, below threshold, or a zero computed amount).
var ErrNoRefund = errors.New("no refund due")

// CampaignStateError reports a campaign operation invoked from an
// invalid state. No state mutation occurs.
type CampaignStateError struct {
	CampaignID uint
	Operation  string
	Status     string
}

func (e *CampaignStateError) Error() string {
	return fmt.Sprintf("campaign %d: cannot %s from status %q", e.CampaignID, e.Operation, e.Status)
}

// ProviderError is a send failure reported by the messaging provider.
// Retryable errors (timeouts, 5xx) are retried per recipient up to the
// campaign's max retries; permanent ones fail the recipient immediately.
type ProviderError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

// AuthError is a campaign-level provider failure (bad credentials); it
// aborts the dispatch loop rather than failing a single recipient.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "provider auth error: " + e.Message
}
