package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/unclebandit/rcs-dispatch/internal/model"
)

type DispatchResultRepositoryInterface interface {
	// GetByCorrelationID returns nil, nil when no record carries the id.
	GetByCorrelationID(ctx context.Context, correlationID string) (*model.DispatchResult, error)
	// CreateSettled inserts res and applies s in one transaction. It returns
	// the campaign counters after the increment.
	CreateSettled(ctx context.Context, res *model.DispatchResult, s model.Settlement) (model.CampaignCounters, error)
	// AdvanceSettled moves the record from -> to only if it is still in from,
	// and applies s in the same transaction. It reports whether this call
	// performed the move; s is applied only when it did.
	AdvanceSettled(ctx context.Context, correlationID string, from, to model.LifecycleState, errorDetail *string, s model.Settlement) (model.CampaignCounters, bool, error)
	RecordReply(ctx context.Context, correlationID, text string) (bool, error)
	RecordClick(ctx context.Context, correlationID string, payload json.RawMessage) (bool, error)
	CountByState(ctx context.Context, campaignID int64) (map[string]int, error)
}

type DispatchResultRepository struct {
	DB *sql.DB
}

func (r *DispatchResultRepository) CreateSettled(ctx context.Context, res *model.DispatchResult, s model.Settlement) (model.CampaignCounters, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.CampaignCounters{}, err
	}
	defer tx.Rollback()

	if err := insertResult(ctx, tx, res); err != nil {
		return model.CampaignCounters{}, fmt.Errorf("insert dispatch result: %w", err)
	}
	counters, err := settle(ctx, tx, s)
	if err != nil {
		return counters, err
	}
	return counters, tx.Commit()
}

func (r *DispatchResultRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*model.DispatchResult, error) {
	query := `
        SELECT id, campaign_id, recipient, correlation_id, state, attempts, status_code, error_detail,
               reply_text, reply_count, click_count, click_payloads, created_at, updated_at
        FROM dispatch_results
        WHERE correlation_id=$1
    `
	var res model.DispatchResult
	var clicks []byte
	err := r.DB.QueryRowContext(ctx, query, correlationID).Scan(
		&res.ID, &res.CampaignID, &res.Recipient, &res.CorrelationID, &res.State, &res.Attempts, &res.StatusCode,
		&res.ErrorDetail, &res.ReplyText, &res.ReplyCount, &res.ClickCount, &clicks, &res.CreatedAt, &res.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(clicks) > 0 {
		if err := json.Unmarshal(clicks, &res.ClickPayloads); err != nil {
			return nil, err
		}
	}
	return &res, nil
}

func (r *DispatchResultRepository) AdvanceSettled(ctx context.Context, correlationID string, from, to model.LifecycleState, errorDetail *string, s model.Settlement) (model.CampaignCounters, bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.CampaignCounters{}, false, err
	}
	defer tx.Rollback()

	query := `
        UPDATE dispatch_results
        SET state=$1, error_detail=COALESCE($2, error_detail), updated_at=NOW()
        WHERE correlation_id=$3 AND state=$4
    `
	res, err := tx.ExecContext(ctx, query, string(to), errorDetail, correlationID, string(from))
	if err != nil {
		return model.CampaignCounters{}, false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return model.CampaignCounters{}, false, err
	}

	counters, err := settle(ctx, tx, s)
	if err != nil {
		return counters, false, err
	}
	if err := tx.Commit(); err != nil {
		return counters, false, err
	}
	return counters, true, nil
}

func (r *DispatchResultRepository) RecordReply(ctx context.Context, correlationID, text string) (bool, error) {
	query := `
        UPDATE dispatch_results
        SET reply_text=$1, reply_count=reply_count+1, updated_at=NOW()
        WHERE correlation_id=$2
    `
	return execAffected(ctx, r.DB, query, text, correlationID)
}

func (r *DispatchResultRepository) RecordClick(ctx context.Context, correlationID string, payload json.RawMessage) (bool, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	query := `
        UPDATE dispatch_results
        SET click_count=click_count+1, click_payloads=click_payloads || jsonb_build_array($1::jsonb), updated_at=NOW()
        WHERE correlation_id=$2
    `
	return execAffected(ctx, r.DB, query, string(payload), correlationID)
}

func (r *DispatchResultRepository) CountByState(ctx context.Context, campaignID int64) (map[string]int, error) {
	query := `SELECT state, COUNT(*) FROM dispatch_results WHERE campaign_id=$1 GROUP BY state`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{
		string(model.StateSent):      0,
		string(model.StateDelivered): 0,
		string(model.StateRead):      0,
		string(model.StateFailed):    0,
	}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

func insertResult(ctx context.Context, q rowQueryer, res *model.DispatchResult) error {
	query := `
        INSERT INTO dispatch_results (campaign_id, recipient, correlation_id, state, attempts, status_code, error_detail)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id, created_at, updated_at
    `
	return q.QueryRowContext(ctx, query,
		res.CampaignID, res.Recipient, res.CorrelationID, string(res.State), res.Attempts, res.StatusCode, res.ErrorDetail,
	).Scan(&res.ID, &res.CreatedAt, &res.UpdatedAt)
}

// settle applies the refund and counter increment of s inside tx.
func settle(ctx context.Context, tx *sql.Tx, s model.Settlement) (model.CampaignCounters, error) {
	if s.Refund.IsPositive() {
		if err := creditTx(ctx, tx, s.SponsorID, s.Refund, model.SourceRefund, s.ReferenceID); err != nil {
			return model.CampaignCounters{}, fmt.Errorf("refund sponsor %d: %w", s.SponsorID, err)
		}
	}
	return incrementCounters(ctx, tx, s.CampaignID, s.Delta)
}

func execAffected(ctx context.Context, db *sql.DB, query string, args ...any) (bool, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var _ DispatchResultRepositoryInterface = (*DispatchResultRepository)(nil)
