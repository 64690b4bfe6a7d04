package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appErrors "github.com/unclebandit/rcs-dispatch/internal/errors"
	"github.com/unclebandit/rcs-dispatch/internal/gateway"
	"github.com/unclebandit/rcs-dispatch/internal/metrics"
	"github.com/unclebandit/rcs-dispatch/internal/model"
	"github.com/unclebandit/rcs-dispatch/internal/queue"
	"github.com/unclebandit/rcs-dispatch/internal/repository"
)

// TokenProvider issues per-sponsor gateway tokens. gateway.Credentials satisfies it.
type TokenProvider interface {
	Token(ctx context.Context, sponsorID int64) (string, error)
	Invalidate(sponsorID int64)
}

type RetryQueue interface {
	Enqueue(e queue.Entry)
	Drain(ctx context.Context, sponsorID int64) bool
}

type DispatcherConfig struct {
	BatchSize  int
	FanOut     int
	BatchDelay time.Duration
	UnitCost   decimal.Decimal
}

type InitiateRequest struct {
	SponsorID   int64
	Name        string
	MessageType model.MessageType
	Content     json.RawMessage
	Recipients  []string
	UnitCost    *decimal.Decimal // defaults to the configured unit cost
}

type InitiateResult struct {
	CampaignID   int64 `json:"campaign_id"`
	Accepted     bool  `json:"accepted"`
	TotalNumbers int   `json:"total_numbers"`
}

// Dispatcher funds a campaign up front and then sends it in the background,
// batch by batch, with bounded concurrency inside each batch.
type Dispatcher struct {
	cfg       DispatcherConfig
	campaigns repository.CampaignRepositoryInterface
	tokens    TokenProvider
	sender    queue.Sender
	retries   RetryQueue
	recorder  *Recorder
	log       *zap.Logger

	wg sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig, campaigns repository.CampaignRepositoryInterface, tokens TokenProvider,
	sender queue.Sender, retries RetryQueue, recorder *Recorder, log *zap.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = 1
	}
	return &Dispatcher{
		cfg:       cfg,
		campaigns: campaigns,
		tokens:    tokens,
		sender:    sender,
		retries:   retries,
		recorder:  recorder,
		log:       log,
	}
}

// Initiate debits the sponsor for the whole audience and creates the campaign,
// then returns while sending continues in the background. Nothing is charged
// when it returns an error.
func (d *Dispatcher) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	recipients := cleanRecipients(req.Recipients)
	if len(recipients) == 0 {
		return nil, appErrors.ErrNoRecipients
	}
	if _, err := gateway.ShapeContent(req.MessageType, req.Content); err != nil {
		return nil, err
	}

	unitCost := d.cfg.UnitCost
	if req.UnitCost != nil {
		unitCost = *req.UnitCost
	}
	if unitCost.IsNegative() {
		return nil, appErrors.ErrInvalidUnitCost
	}

	c := &model.Campaign{
		SponsorID:     req.SponsorID,
		Name:          req.Name,
		MessageType:   req.MessageType,
		Content:       req.Content,
		AudienceCount: len(recipients),
		UnitCost:      unitCost,
		TotalCost:     unitCost.Mul(decimal.NewFromInt(int64(len(recipients)))),
	}
	if err := d.campaigns.CreateFunded(ctx, c); err != nil {
		return nil, err
	}

	d.log.Info("campaign accepted",
		zap.Int64("campaign_id", c.ID),
		zap.Int64("sponsor_id", c.SponsorID),
		zap.Int("audience", c.AudienceCount),
		zap.String("total_cost", c.TotalCost.String()),
	)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(context.WithoutCancel(ctx), c, recipients)
	}()

	return &InitiateResult{CampaignID: c.ID, Accepted: true, TotalNumbers: len(recipients)}, nil
}

// Wait blocks until every background dispatch has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, c *model.Campaign, recipients []string) {
	log := d.log.With(zap.Int64("campaign_id", c.ID), zap.Int64("sponsor_id", c.SponsorID))
	batches := chunk(recipients, d.cfg.BatchSize)

	handedOff := 0
	for i, batch := range batches {
		if i > 0 && d.cfg.BatchDelay > 0 {
			time.Sleep(d.cfg.BatchDelay)
		}

		token, err := d.tokens.Token(ctx, c.SponsorID)
		if err != nil {
			d.abort(ctx, log, c, handedOff, err)
			return
		}

		tally := d.sendBatch(ctx, log, c, batch, token)
		handedOff += len(batch)

		snap := model.ProgressSnapshot{
			CampaignID: c.ID,
			SponsorID:  c.SponsorID,
			Audience:   c.AudienceCount,
			Batch:      i + 1,
			Batches:    len(batches),
		}
		if err := d.recorder.Bump(ctx, snap, model.CampaignCounters{}); err != nil {
			log.Error("failed to publish batch progress", zap.Int("batch", i+1), zap.Error(err))
		}
		log.Info("batch completed",
			zap.Int("batch", i+1),
			zap.Int("of", len(batches)),
			zap.Int64("sent", tally.Sent),
			zap.Int64("failed", tally.Failed),
		)
	}

	d.retries.Drain(ctx, c.SponsorID)

	if err := d.campaigns.UpdateStatus(ctx, c.ID, model.CampaignCompleted); err != nil {
		log.Error("failed to mark campaign completed", zap.Error(err))
		return
	}
	metrics.CampaignsFinished.WithLabelValues(string(model.CampaignCompleted)).Inc()
	log.Info("campaign dispatch completed")
}

// sendBatch sends every recipient of the batch and resolves each outcome.
// Counters are incremented as each result is stored; the returned tally is
// what this pass resolved.
func (d *Dispatcher) sendBatch(ctx context.Context, log *zap.Logger, c *model.Campaign, batch []string, token string) model.CampaignCounters {
	var (
		mu           sync.Mutex
		tally        model.CampaignCounters
		unauthorized bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.FanOut)
	for _, recipient := range batch {
		recipient := recipient
		g.Go(func() error {
			out := d.sender.Send(gctx, recipient, c.Content, token, c.MessageType)

			switch out.Kind {
			case gateway.Success:
				if _, err := d.recorder.Resolve(ctx, c.SponsorID, c.ID, out, model.StateSent, c.UnitCost); err != nil {
					log.Error("failed to record sent result", zap.String("recipient", recipient), zap.Error(err))
					return nil
				}
				mu.Lock()
				tally.Sent++
				mu.Unlock()

			case gateway.PermanentFailure:
				log.Warn("permanent send failure",
					zap.String("recipient", recipient),
					zap.Int("status", out.StatusCode),
					zap.String("reason", out.Reason),
				)
				if _, err := d.recorder.Resolve(ctx, c.SponsorID, c.ID, out, model.StateFailed, c.UnitCost); err != nil {
					log.Error("failed to record failed result", zap.String("recipient", recipient), zap.Error(err))
					return nil
				}
				mu.Lock()
				tally.Failed++
				mu.Unlock()

			default:
				e := queue.Entry{
					SponsorID:   c.SponsorID,
					CampaignID:  c.ID,
					Recipient:   recipient,
					MessageType: c.MessageType,
					Content:     c.Content,
					Token:       token,
					UnitCost:    c.UnitCost,
				}
				if out.Unauthorized {
					// the queue fetches a fresh token for entries without one
					e.Token = ""
					mu.Lock()
					unauthorized = true
					mu.Unlock()
				}
				d.retries.Enqueue(e)
			}
			return nil
		})
	}
	_ = g.Wait()

	if unauthorized {
		d.tokens.Invalidate(c.SponsorID)
	}
	return tally
}

// abort refunds every recipient not yet handed to the gateway or the retry
// queue and marks the campaign failed.
func (d *Dispatcher) abort(ctx context.Context, log *zap.Logger, c *model.Campaign, handedOff int, cause error) {
	remaining := c.AudienceCount - handedOff
	log.Error("aborting campaign",
		zap.Int("unsent", remaining),
		zap.Bool("credential_error", appErrors.IsFatalCredential(cause)),
		zap.Error(cause),
	)

	amount := c.UnitCost.Mul(decimal.NewFromInt(int64(remaining)))
	if err := d.recorder.Refund(ctx, c.SponsorID, amount, model.SourceCampaignAbort, strconv.FormatInt(c.ID, 10)); err != nil {
		log.Error("failed to refund aborted campaign", zap.Error(err))
	}
	if err := d.campaigns.UpdateStatus(ctx, c.ID, model.CampaignFailed); err != nil {
		log.Error("failed to mark campaign failed", zap.Error(err))
		return
	}
	metrics.CampaignsFinished.WithLabelValues(string(model.CampaignFailed)).Inc()
}

func cleanRecipients(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func chunk(items []string, size int) [][]string {
	var batches [][]string
	for size < len(items) {
		items, batches = items[size:], append(batches, items[:size])
	}
	if len(items) > 0 {
		batches = append(batches, items)
	}
	return batches
}
