// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrCampaignNotFound is a sentinel error
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

var (
	ErrSponsorNotFound    = errors.New("sponsor not found")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrInvalidRecipient   = errors.New("invalid recipient")
	ErrNoRecipients       = errors.New("campaign has no recipients")
	ErrInvalidContent     = errors.New("invalid message content")
	ErrInvalidUnitCost    = errors.New("unit cost must not be negative")
)

// CredentialError means the sponsor has no gateway secret material registered.
type CredentialError struct {
	SponsorID int64
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("no gateway credentials registered for sponsor %d", e.SponsorID)
}

// UpstreamAuthError means the gateway's auth endpoint refused to issue a token.
type UpstreamAuthError struct {
	SponsorID  int64
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamAuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token request for sponsor %d failed: %v", e.SponsorID, e.Err)
	}
	return fmt.Sprintf("token request for sponsor %d rejected with status %d: %s", e.SponsorID, e.StatusCode, e.Body)
}

func (e *UpstreamAuthError) Unwrap() error { return e.Err }

type InsufficientBalanceError struct {
	SponsorID int64
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("sponsor %d has insufficient balance: required %s, available %s",
		e.SponsorID, e.Required.String(), e.Available.String())
}

// IsFatalCredential reports whether err must abort the whole campaign.
func IsFatalCredential(err error) bool {
	var credErr *CredentialError
	var authErr *UpstreamAuthError
	return errors.As(err, &credErr) || errors.As(err, &authErr)
}
