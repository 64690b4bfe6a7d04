// internal/model/campaign.go
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

type Campaign struct {
	ID            int64            `db:"id" json:"id"`
	SponsorID     int64            `db:"sponsor_id" json:"sponsor_id"`
	Name          string           `db:"name" json:"name"`
	MessageType   MessageType      `db:"message_type" json:"message_type"`
	Content       json.RawMessage  `db:"content" json:"content"`
	AudienceCount int              `db:"audience_count" json:"audience_count"`
	UnitCost      decimal.Decimal  `db:"unit_cost" json:"unit_cost"`
	TotalCost     decimal.Decimal  `db:"total_cost" json:"total_cost"`
	Status        CampaignStatus   `db:"status" json:"status"`
	Counters      CampaignCounters `json:"stats"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
	StartedAt     *time.Time       `db:"started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
}

// CampaignCounters are the aggregate per-campaign counters. Each field only
// ever grows; it is adjusted by increments, never overwritten.
type CampaignCounters struct {
	Sent      int64 `db:"sent" json:"sent"`
	Delivered int64 `db:"delivered" json:"delivered"`
	Read      int64 `db:"read" json:"read"`
	Failed    int64 `db:"failed" json:"failed"`
	Clicked   int64 `db:"clicked" json:"clicked"`
	Replied   int64 `db:"replied" json:"replied"`
}

func (c CampaignCounters) IsZero() bool {
	return c == CampaignCounters{}
}

func (c CampaignCounters) Add(o CampaignCounters) CampaignCounters {
	return CampaignCounters{
		Sent:      c.Sent + o.Sent,
		Delivered: c.Delivered + o.Delivered,
		Read:      c.Read + o.Read,
		Failed:    c.Failed + o.Failed,
		Clicked:   c.Clicked + o.Clicked,
		Replied:   c.Replied + o.Replied,
	}
}

// CounterDeltaFor returns the counter increment for a first arrival in state s.
func CounterDeltaFor(s LifecycleState) CampaignCounters {
	switch s {
	case StateSent:
		return CampaignCounters{Sent: 1}
	case StateDelivered:
		return CampaignCounters{Delivered: 1}
	case StateRead:
		return CampaignCounters{Read: 1}
	case StateFailed:
		return CampaignCounters{Failed: 1}
	}
	return CampaignCounters{}
}

// ProgressSnapshot is what subscribers receive after every material change.
type ProgressSnapshot struct {
	CampaignID int64 `json:"campaign_id"`
	SponsorID  int64 `json:"sponsor_id"`
	CampaignCounters
	Audience int       `json:"audience,omitempty"`
	Batch    int       `json:"batch,omitempty"`
	Batches  int       `json:"batches,omitempty"`
	At       time.Time `json:"at"`
}
