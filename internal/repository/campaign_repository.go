package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/rcs-dispatch/internal/errors"
	"github.com/unclebandit/rcs-dispatch/internal/model"
)

type CampaignRepositoryInterface interface {
	// CreateFunded debits the sponsor by c.TotalCost and inserts c as active,
	// both in one transaction. Nothing is written on insufficient balance.
	CreateFunded(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	IncrementCounters(ctx context.Context, id int64, delta model.CampaignCounters) (model.CampaignCounters, error)
	UpdateStatus(ctx context.Context, id int64, status model.CampaignStatus) error
}

type CampaignRepository struct {
	DB *sql.DB
}

// ====================== Campaign ======================

func (r *CampaignRepository) CreateFunded(ctx context.Context, c *model.Campaign) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx, `SELECT balance FROM sponsors WHERE id=$1 FOR UPDATE`, c.SponsorID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrSponsorNotFound
		}
		return err
	}
	if balance.LessThan(c.TotalCost) {
		return &appErrors.InsufficientBalanceError{SponsorID: c.SponsorID, Required: c.TotalCost, Available: balance}
	}

	remaining := balance.Sub(c.TotalCost)
	if _, err := tx.ExecContext(ctx, `UPDATE sponsors SET balance=$1 WHERE id=$2`, remaining, c.SponsorID); err != nil {
		return err
	}

	c.Status = model.CampaignActive
	query := `
        INSERT INTO campaigns (sponsor_id, name, message_type, content, audience_count, unit_cost, total_cost, status, started_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
        RETURNING id, created_at, started_at
    `
	err = tx.QueryRowContext(ctx, query,
		c.SponsorID, c.Name, string(c.MessageType), string(c.Content), c.AudienceCount,
		c.UnitCost, c.TotalCost, string(c.Status),
	).Scan(&c.ID, &c.CreatedAt, &c.StartedAt)
	if err != nil {
		return err
	}

	if err := insertLedger(ctx, tx, model.LedgerEntry{
		SponsorID:    c.SponsorID,
		Type:         model.LedgerDebit,
		Amount:       c.TotalCost,
		BalanceAfter: remaining,
		Source:       model.SourceMessageSend,
		ReferenceID:  strconv.FormatInt(c.ID, 10),
	}); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	query := `
        SELECT id, sponsor_id, name, message_type, content, audience_count, unit_cost, total_cost, status,
               sent, delivered, read, failed, clicked, replied, created_at, started_at, completed_at
        FROM campaigns WHERE id=$1
    `
	var c model.Campaign
	var content []byte
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.SponsorID, &c.Name, &c.MessageType, &content, &c.AudienceCount, &c.UnitCost, &c.TotalCost, &c.Status,
		&c.Counters.Sent, &c.Counters.Delivered, &c.Counters.Read, &c.Counters.Failed, &c.Counters.Clicked, &c.Counters.Replied,
		&c.CreatedAt, &c.StartedAt, &c.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	c.Content = content
	return &c, nil
}

// IncrementCounters adds delta in a single UPDATE so concurrent writers never
// lose each other's increments. It returns the counters after the update.
func (r *CampaignRepository) IncrementCounters(ctx context.Context, id int64, delta model.CampaignCounters) (model.CampaignCounters, error) {
	return incrementCounters(ctx, r.DB, id, delta)
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func incrementCounters(ctx context.Context, q rowQueryer, id int64, delta model.CampaignCounters) (model.CampaignCounters, error) {
	query := `
        UPDATE campaigns
        SET sent=sent+$1, delivered=delivered+$2, read=read+$3, failed=failed+$4, clicked=clicked+$5, replied=replied+$6
        WHERE id=$7
        RETURNING sent, delivered, read, failed, clicked, replied
    `
	var out model.CampaignCounters
	err := q.QueryRowContext(ctx, query,
		delta.Sent, delta.Delivered, delta.Read, delta.Failed, delta.Clicked, delta.Replied, id,
	).Scan(&out.Sent, &out.Delivered, &out.Read, &out.Failed, &out.Clicked, &out.Replied)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return out, appErrors.NewCampaignNotFound(id)
		}
		return out, fmt.Errorf("increment counters for campaign %d: %w", id, err)
	}
	return out, nil
}

// UpdateStatus only moves an active campaign; a finished campaign keeps its status.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id int64, status model.CampaignStatus) error {
	query := `
        UPDATE campaigns
        SET status=$1::text,
            completed_at = CASE WHEN $1::text IN ('completed', 'failed') THEN NOW() ELSE completed_at END
        WHERE id=$2 AND status='active'
    `
	_, err := r.DB.ExecContext(ctx, query, string(status), id)
	return err
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
