package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/unclebandit/rcs-dispatch/internal/gateway"
	"github.com/unclebandit/rcs-dispatch/internal/metrics"
	"github.com/unclebandit/rcs-dispatch/internal/model"
	"github.com/unclebandit/rcs-dispatch/internal/notify"
	"github.com/unclebandit/rcs-dispatch/internal/queue"
	"github.com/unclebandit/rcs-dispatch/internal/repository"
)

// Recorder persists send outcomes, issues refunds and bumps counters. It is
// shared by the dispatcher, the retry queue and the reconciler.
type Recorder struct {
	Results   repository.DispatchResultRepositoryInterface
	Campaigns repository.CampaignRepositoryInterface
	Sponsors  repository.SponsorRepositoryInterface
	Notifier  notify.ProgressNotifier
	Log       *zap.Logger
}

// Resolve writes the result of a send in state together with its counter
// increment and, for FAILED, the refund of unitCost. Either all of it is
// stored or none of it is.
func (r *Recorder) Resolve(ctx context.Context, sponsorID, campaignID int64, out gateway.Outcome, state model.LifecycleState, unitCost decimal.Decimal) (model.CampaignCounters, error) {
	res := &model.DispatchResult{
		CampaignID:    campaignID,
		Recipient:     out.Recipient,
		CorrelationID: out.CorrelationID,
		State:         state,
		Attempts:      out.Attempts,
		StatusCode:    out.StatusCode,
	}
	if state == model.StateFailed && out.Reason != "" {
		reason := out.Reason
		res.ErrorDetail = &reason
	}

	s := model.SettlementFor(campaignID, sponsorID, state, unitCost, out.CorrelationID)
	counters, err := r.Results.CreateSettled(ctx, res, s)
	if err != nil {
		return counters, fmt.Errorf("resolve dispatch result for campaign %d: %w", campaignID, err)
	}
	r.refunded(s)
	return counters, nil
}

// Advance moves a dispatch result from -> to and applies the settlement of
// reaching to in one transaction. It reports whether this call made the move.
func (r *Recorder) Advance(ctx context.Context, c *model.Campaign, res *model.DispatchResult, to model.LifecycleState, errorDetail *string) (bool, error) {
	s := model.SettlementFor(c.ID, c.SponsorID, to, c.UnitCost, res.CorrelationID)
	counters, moved, err := r.Results.AdvanceSettled(ctx, res.CorrelationID, res.State, to, errorDetail, s)
	if err != nil {
		return false, fmt.Errorf("advance dispatch result %s: %w", res.CorrelationID, err)
	}
	if !moved {
		return false, nil
	}
	r.refunded(s)
	r.publish(ctx, snapshotFor(c.ID, c.SponsorID), counters)
	return true, nil
}

func (r *Recorder) refunded(s model.Settlement) {
	if !s.Refund.IsPositive() {
		return
	}
	metrics.IncRefund(string(model.SourceRefund))
	r.Log.Info("refund issued",
		zap.Int64("sponsor_id", s.SponsorID),
		zap.String("amount", s.Refund.String()),
		zap.String("source", string(model.SourceRefund)),
		zap.String("reference_id", s.ReferenceID),
	)
}

// Refund credits amount back to the sponsor. A zero amount is a no-op.
func (r *Recorder) Refund(ctx context.Context, sponsorID int64, amount decimal.Decimal, source model.LedgerSource, referenceID string) error {
	if !amount.IsPositive() {
		return nil
	}
	if err := r.Sponsors.Credit(ctx, sponsorID, amount, source, referenceID); err != nil {
		return fmt.Errorf("refund %s to sponsor %d: %w", amount.String(), sponsorID, err)
	}
	metrics.IncRefund(string(source))
	r.Log.Info("refund issued",
		zap.Int64("sponsor_id", sponsorID),
		zap.String("amount", amount.String()),
		zap.String("source", string(source)),
		zap.String("reference_id", referenceID),
	)
	return nil
}

// Bump increments the campaign counters and notifies subscribers with the
// resulting totals. snap carries the ids and any batch position.
func (r *Recorder) Bump(ctx context.Context, snap model.ProgressSnapshot, delta model.CampaignCounters) error {
	counters, err := r.Campaigns.IncrementCounters(ctx, snap.CampaignID, delta)
	if err != nil {
		return err
	}
	r.publish(ctx, snap, counters)
	return nil
}

func (r *Recorder) publish(ctx context.Context, snap model.ProgressSnapshot, counters model.CampaignCounters) {
	snap.CampaignCounters = counters
	snap.At = time.Now()
	if r.Notifier != nil {
		r.Notifier.Notify(ctx, snap)
	}
}

// RecordSent resolves a queued entry as SENT.
func (r *Recorder) RecordSent(ctx context.Context, e queue.Entry, out gateway.Outcome) error {
	return r.record(ctx, e, out, model.StateSent)
}

// RecordFailed resolves a queued entry as FAILED and refunds its unit cost.
func (r *Recorder) RecordFailed(ctx context.Context, e queue.Entry, out gateway.Outcome) error {
	return r.record(ctx, e, out, model.StateFailed)
}

func (r *Recorder) record(ctx context.Context, e queue.Entry, out gateway.Outcome, state model.LifecycleState) error {
	counters, err := r.Resolve(ctx, e.SponsorID, e.CampaignID, out, state, e.UnitCost)
	if err != nil {
		return err
	}
	r.publish(ctx, snapshotFor(e.CampaignID, e.SponsorID), counters)
	return nil
}

func snapshotFor(campaignID, sponsorID int64) model.ProgressSnapshot {
	return model.ProgressSnapshot{CampaignID: campaignID, SponsorID: sponsorID}
}

var _ queue.OutcomeRecorder = (*Recorder)(nil)
