package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/unclebandit/rcs-dispatch/internal/dedup"
	"github.com/unclebandit/rcs-dispatch/internal/metrics"
	"github.com/unclebandit/rcs-dispatch/internal/model"
)

type ApplyResult string

const (
	ResultApplied   ApplyResult = "applied"
	ResultNoop      ApplyResult = "noop"
	ResultNotFound  ApplyResult = "not_found"
	ResultDuplicate ApplyResult = "duplicate"
	ResultIgnored   ApplyResult = "ignored"
)

// transitionRetries bounds how often a lost compare-and-set is retried
// against a reloaded record.
const transitionRetries = 5

var lifecycleTargets = map[EventType]model.LifecycleState{
	EventDelivered: model.StateDelivered,
	EventRead:      model.StateRead,
	EventFailed:    model.StateFailed,
}

// Reconciler applies gateway callbacks to dispatch results and campaign
// counters. Every write is conditional, so duplicate and reordered callbacks
// are safe.
type Reconciler struct {
	recorder *Recorder
	dedup    dedup.Deduper
	log      *zap.Logger
}

func NewReconciler(recorder *Recorder, deduper dedup.Deduper, log *zap.Logger) *Reconciler {
	if deduper == nil {
		deduper = dedup.Nop{}
	}
	return &Reconciler{recorder: recorder, dedup: deduper, log: log}
}

// ApplyEvent applies one callback. An error means a store failure; the caller
// should have the callback redelivered.
func (r *Reconciler) ApplyEvent(ctx context.Context, ev Event) (ApplyResult, error) {
	result, err := r.apply(ctx, ev)
	if err != nil {
		metrics.IncCallback(string(ev.Type), "error")
		return result, err
	}
	metrics.IncCallback(string(ev.Type), string(result))
	return result, nil
}

func (r *Reconciler) apply(ctx context.Context, ev Event) (ApplyResult, error) {
	log := r.log.With(
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("event", string(ev.Type)),
	)

	if target, ok := lifecycleTargets[ev.Type]; ok {
		return r.advance(ctx, log, ev, target)
	}
	switch ev.Type {
	case EventUserReply, EventSuggestionClick:
		return r.interact(ctx, log, ev)
	}
	log.Warn("ignoring unknown callback event")
	return ResultIgnored, nil
}

func (r *Reconciler) advance(ctx context.Context, log *zap.Logger, ev Event, target model.LifecycleState) (ApplyResult, error) {
	var detail *string
	if ev.ErrorDetail != "" {
		detail = &ev.ErrorDetail
	}

	var c *model.Campaign
	for i := 0; i < transitionRetries; i++ {
		res, err := r.recorder.Results.GetByCorrelationID(ctx, ev.CorrelationID)
		if err != nil {
			return "", fmt.Errorf("load dispatch result: %w", err)
		}
		if res == nil {
			log.Warn("callback for unknown correlation id dropped")
			return ResultNotFound, nil
		}
		if !res.State.CanAdvanceTo(target) {
			log.Debug("stale or duplicate lifecycle event", zap.String("state", string(res.State)))
			return ResultNoop, nil
		}
		if c == nil {
			if c, err = r.recorder.Campaigns.GetByID(ctx, res.CampaignID); err != nil {
				return "", fmt.Errorf("load campaign %d: %w", res.CampaignID, err)
			}
		}

		// the state change, refund and counter commit together or not at all
		moved, err := r.recorder.Advance(ctx, c, res, target, detail)
		if err != nil {
			return "", err
		}
		if !moved {
			// another writer changed the state first; re-evaluate against it
			continue
		}

		log.Info("dispatch result advanced",
			zap.String("from", string(res.State)),
			zap.String("to", string(target)),
		)
		return ResultApplied, nil
	}

	log.Warn("gave up advancing contended dispatch result")
	return ResultNoop, nil
}

func (r *Reconciler) interact(ctx context.Context, log *zap.Logger, ev Event) (ApplyResult, error) {
	res, err := r.recorder.Results.GetByCorrelationID(ctx, ev.CorrelationID)
	if err != nil {
		return "", fmt.Errorf("load dispatch result: %w", err)
	}
	if res == nil {
		log.Warn("interaction for unknown correlation id dropped")
		return ResultNotFound, nil
	}
	key := ev.DedupKey()
	if !r.dedup.FirstSeen(ctx, key) {
		log.Debug("duplicate interaction event", zap.String("dedup_key", key))
		return ResultDuplicate, nil
	}

	result, err := r.recordInteraction(ctx, res.CampaignID, ev)
	if err != nil {
		r.dedup.Forget(ctx, key)
		return "", err
	}
	return result, nil
}

func (r *Reconciler) recordInteraction(ctx context.Context, campaignID int64, ev Event) (ApplyResult, error) {
	var (
		ok    bool
		err   error
		delta model.CampaignCounters
	)
	if ev.Type == EventUserReply {
		ok, err = r.recorder.Results.RecordReply(ctx, ev.CorrelationID, ev.ReplyText)
		delta.Replied = 1
	} else {
		ok, err = r.recorder.Results.RecordClick(ctx, ev.CorrelationID, ev.ClickPayload)
		delta.Clicked = 1
	}
	if err != nil {
		return "", fmt.Errorf("record interaction: %w", err)
	}
	if !ok {
		return ResultNotFound, nil
	}

	c, err := r.recorder.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return "", fmt.Errorf("load campaign %d: %w", campaignID, err)
	}
	if err := r.recorder.Bump(ctx, snapshotFor(c.ID, c.SponsorID), delta); err != nil {
		return "", err
	}
	return ResultApplied, nil
}
