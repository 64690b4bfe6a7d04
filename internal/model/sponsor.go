// internal/model/sponsor.go
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Sponsor struct {
	ID        int64           `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// GatewaySecret is the client-credentials pair a sponsor uses against the
// gateway's auth endpoint.
type GatewaySecret struct {
	ClientID     string `yaml:"client_id" json:"-"`
	ClientSecret string `yaml:"client_secret" json:"-"`
}

func (s GatewaySecret) Empty() bool {
	return s.ClientID == "" || s.ClientSecret == ""
}

type LedgerType string

const (
	LedgerDebit  LedgerType = "debit"
	LedgerCredit LedgerType = "credit"
)

type LedgerSource string

const (
	SourceMessageSend   LedgerSource = "message_send"
	SourceRefund        LedgerSource = "refund"
	SourceCampaignAbort LedgerSource = "campaign_abort"
)

// LedgerEntry is one row of the sponsor wallet ledger.
type LedgerEntry struct {
	ID           int64           `db:"id" json:"id"`
	SponsorID    int64           `db:"sponsor_id" json:"sponsor_id"`
	Type         LedgerType      `db:"type" json:"type"`
	Amount       decimal.Decimal `db:"amount" json:"amount"`
	BalanceAfter decimal.Decimal `db:"balance_after" json:"balance_after"`
	Source       LedgerSource    `db:"source" json:"source"`
	ReferenceID  string          `db:"reference_id" json:"reference_id"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}
