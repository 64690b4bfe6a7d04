package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/rcs-dispatch/internal/errors"
	"github.com/unclebandit/rcs-dispatch/internal/model"
)

// SponsorRepositoryInterface defines the wallet and credential lookups used by the core
type SponsorRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Sponsor, error)
	Credit(ctx context.Context, sponsorID int64, amount decimal.Decimal, source model.LedgerSource, referenceID string) error
	GetGatewaySecret(ctx context.Context, sponsorID int64) (*model.GatewaySecret, error)
}

type SponsorRepository struct {
	DB *sql.DB
}

// GetByID returns nil, nil when the sponsor does not exist
func (r *SponsorRepository) GetByID(ctx context.Context, id int64) (*model.Sponsor, error) {
	query := `SELECT id, name, balance, created_at FROM sponsors WHERE id = $1`

	var s model.Sponsor
	if err := r.DB.QueryRowContext(ctx, query, id).Scan(&s.ID, &s.Name, &s.Balance, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// Credit adds amount to the balance and records the ledger row in the same transaction
func (r *SponsorRepository) Credit(ctx context.Context, sponsorID int64, amount decimal.Decimal, source model.LedgerSource, referenceID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := creditTx(ctx, tx, sponsorID, amount, source, referenceID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetGatewaySecret returns nil, nil when the sponsor has no credentials on file
func (r *SponsorRepository) GetGatewaySecret(ctx context.Context, sponsorID int64) (*model.GatewaySecret, error) {
	query := `SELECT gateway_client_id, gateway_client_secret FROM sponsors WHERE id = $1`

	var id, secret sql.NullString
	if err := r.DB.QueryRowContext(ctx, query, sponsorID).Scan(&id, &secret); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s := &model.GatewaySecret{ClientID: id.String, ClientSecret: secret.String}
	if s.Empty() {
		return nil, nil
	}
	return s, nil
}

// creditTx adds amount to the sponsor balance and writes the matching ledger row.
func creditTx(ctx context.Context, tx *sql.Tx, sponsorID int64, amount decimal.Decimal, source model.LedgerSource, referenceID string) error {
	var balance decimal.Decimal
	err := tx.QueryRowContext(ctx,
		`UPDATE sponsors SET balance = balance + $1 WHERE id = $2 RETURNING balance`,
		amount, sponsorID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrSponsorNotFound
		}
		return err
	}

	return insertLedger(ctx, tx, model.LedgerEntry{
		SponsorID:    sponsorID,
		Type:         model.LedgerCredit,
		Amount:       amount,
		BalanceAfter: balance,
		Source:       source,
		ReferenceID:  referenceID,
	})
}

func insertLedger(ctx context.Context, tx *sql.Tx, e model.LedgerEntry) error {
	query := `
        INSERT INTO wallet_transactions (sponsor_id, type, amount, balance_after, source, reference_id)
        VALUES ($1, $2, $3, $4, $5, $6)
    `
	_, err := tx.ExecContext(ctx, query, e.SponsorID, string(e.Type), e.Amount, e.BalanceAfter, string(e.Source), e.ReferenceID)
	return err
}

var _ SponsorRepositoryInterface = (*SponsorRepository)(nil)
