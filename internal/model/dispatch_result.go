// internal/model/dispatch_result.go
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type LifecycleState string

const (
	StateSent      LifecycleState = "SENT"
	StateDelivered LifecycleState = "DELIVERED"
	StateRead      LifecycleState = "READ"
	StateFailed    LifecycleState = "FAILED"
)

// transitions lists the allowed forward moves. READ and FAILED are terminal.
var transitions = map[LifecycleState][]LifecycleState{
	StateSent:      {StateDelivered, StateRead, StateFailed},
	StateDelivered: {StateRead},
}

// CanAdvanceTo reports whether next is a valid forward move from s.
func (s LifecycleState) CanAdvanceTo(next LifecycleState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s LifecycleState) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s LifecycleState) Valid() bool {
	switch s {
	case StateSent, StateDelivered, StateRead, StateFailed:
		return true
	}
	return false
}

// DispatchResult is the per-recipient outcome record of a campaign.
type DispatchResult struct {
	ID            int64             `db:"id" json:"id"`
	CampaignID    int64             `db:"campaign_id" json:"campaign_id"`
	Recipient     string            `db:"recipient" json:"recipient"`
	CorrelationID string            `db:"correlation_id" json:"correlation_id"`
	State         LifecycleState    `db:"state" json:"state"`
	Attempts      int               `db:"attempts" json:"attempts"`
	StatusCode    int               `db:"status_code" json:"status_code"`
	ErrorDetail   *string           `db:"error_detail" json:"error_detail,omitempty"`
	ReplyText     *string           `db:"reply_text" json:"reply_text,omitempty"`
	ReplyCount    int               `db:"reply_count" json:"reply_count"`
	ClickCount    int               `db:"click_count" json:"click_count"`
	ClickPayloads []json.RawMessage `db:"click_payloads" json:"click_payloads"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at" json:"updated_at"`
}

// Settlement is the wallet and counter side of a dispatch result change. It is
// written in the same transaction as the result itself.
type Settlement struct {
	CampaignID  int64
	SponsorID   int64
	Delta       CampaignCounters
	Refund      decimal.Decimal // zero means no refund
	ReferenceID string
}

// SettlementFor returns the settlement of a result entering state. Only FAILED
// carries a refund of unitCost.
func SettlementFor(campaignID, sponsorID int64, state LifecycleState, unitCost decimal.Decimal, correlationID string) Settlement {
	s := Settlement{CampaignID: campaignID, SponsorID: sponsorID, Delta: CounterDeltaFor(state)}
	if state == StateFailed {
		s.Refund = unitCost
		s.ReferenceID = correlationID
	}
	return s
}
