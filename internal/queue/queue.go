package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/unclebandit/rcs-dispatch/internal/gateway"
	"github.com/unclebandit/rcs-dispatch/internal/metrics"
	"github.com/unclebandit/rcs-dispatch/internal/model"
)

// Entry is a recipient whose send failed transiently after the in-process retries.
type Entry struct {
	SponsorID   int64
	CampaignID  int64
	Recipient   string
	MessageType model.MessageType
	Content     json.RawMessage
	Token       string
	UnitCost    decimal.Decimal
	Attempts    int
	EnqueuedAt  time.Time
}

// Sender re-submits a queued message. gateway.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, recipient string, content json.RawMessage, token string, messageType model.MessageType) gateway.Outcome
}

// Tokens supplies tokens for entries queued without one, e.g. after a 401/403.
type Tokens interface {
	Token(ctx context.Context, sponsorID int64) (string, error)
	Invalidate(sponsorID int64)
}

// OutcomeRecorder persists the terminal result of a queued entry.
type OutcomeRecorder interface {
	RecordSent(ctx context.Context, e Entry, out gateway.Outcome) error
	RecordFailed(ctx context.Context, e Entry, out gateway.Outcome) error
}

type Options struct {
	MaxAttempts int
	MaxAge      time.Duration
	Interval    time.Duration // pause between two resends
}

// RetryQueue is a process-wide FIFO of transiently failed sends. It is not
// durable: entries are lost on restart.
type RetryQueue struct {
	opts     Options
	sender   Sender
	tokens   Tokens
	recorder OutcomeRecorder
	log      *zap.Logger
	now      func() time.Time
	newID    func() string

	mu       sync.Mutex
	entries  []Entry
	draining atomic.Bool
}

func NewRetryQueue(opts Options, sender Sender, tokens Tokens, log *zap.Logger) *RetryQueue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 10 * time.Minute
	}
	return &RetryQueue{
		opts:   opts,
		sender: sender,
		tokens: tokens,
		log:    log,
		now:    time.Now,
		newID:  func() string { return "msg_" + uuid.NewString() },
	}
}

// SetRecorder attaches the component that persists terminal outcomes. It must
// be called before the first Drain.
func (q *RetryQueue) SetRecorder(r OutcomeRecorder) {
	q.recorder = r
}

func (q *RetryQueue) Enqueue(e Entry) {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.now()
	}
	q.mu.Lock()
	q.entries = append(q.entries, e)
	n := len(q.entries)
	q.mu.Unlock()

	metrics.RetryQueueDepth.Set(float64(n))
	q.log.Info("added to retry queue",
		zap.Int64("campaign_id", e.CampaignID),
		zap.String("recipient", e.Recipient),
		zap.Int("queue_size", n),
	)
}

func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Drain resends queued entries until none are left for sponsorID (0 means all
// sponsors). Re-enqueued entries are picked up again in the same pass. It
// returns false without doing anything if another drain is running.
func (q *RetryQueue) Drain(ctx context.Context, sponsorID int64) bool {
	if !q.draining.CompareAndSwap(false, true) {
		q.log.Debug("retry queue drain already running")
		return false
	}
	defer q.draining.Store(false)

	var skipped []Entry
	defer func() {
		if len(skipped) > 0 {
			q.mu.Lock()
			q.entries = append(q.entries, skipped...)
			q.mu.Unlock()
		}
		metrics.RetryQueueDepth.Set(float64(q.Len()))
	}()

	for {
		if ctx.Err() != nil {
			return true
		}
		e, ok := q.pop()
		if !ok {
			return true
		}
		// age eviction applies to every sponsor's entries
		if q.now().Sub(e.EnqueuedAt) > q.opts.MaxAge {
			metrics.RetryQueueDropped.WithLabelValues("max_age").Inc()
			q.log.Warn("dropping expired retry entry",
				zap.Int64("campaign_id", e.CampaignID),
				zap.String("recipient", e.Recipient),
				zap.Int("attempts", e.Attempts),
			)
			continue
		}
		if sponsorID != 0 && e.SponsorID != sponsorID {
			skipped = append(skipped, e)
			continue
		}

		q.attempt(ctx, e)

		if err := sleep(ctx, q.opts.Interval); err != nil {
			return true
		}
	}
}

func (q *RetryQueue) attempt(ctx context.Context, e Entry) {
	e.Attempts++
	log := q.log.With(
		zap.Int64("campaign_id", e.CampaignID),
		zap.String("recipient", e.Recipient),
		zap.Int("attempt", e.Attempts),
	)

	out, ok := q.refreshToken(ctx, &e)
	if ok {
		out = q.sender.Send(ctx, e.Recipient, e.Content, e.Token, e.MessageType)
	}
	switch out.Kind {
	case gateway.Success:
		if err := q.recorder.RecordSent(ctx, e, out); err != nil {
			log.Error("failed to record retried send", zap.Error(err))
		}
		return
	case gateway.PermanentFailure:
		metrics.RetryQueueDropped.WithLabelValues("permanent").Inc()
		if err := q.recorder.RecordFailed(ctx, e, out); err != nil {
			log.Error("failed to record permanent failure", zap.Error(err))
		}
		return
	}

	if e.Attempts >= q.opts.MaxAttempts {
		metrics.RetryQueueDropped.WithLabelValues("max_attempts").Inc()
		log.Warn("retry attempts exhausted", zap.String("reason", out.Reason))
		if err := q.recorder.RecordFailed(ctx, e, out); err != nil {
			log.Error("failed to record exhausted retry", zap.Error(err))
		}
		return
	}

	if out.Unauthorized {
		if q.tokens != nil {
			q.tokens.Invalidate(e.SponsorID)
		}
		e.Token = ""
	}

	log.Info("still failing, re-queuing", zap.String("reason", out.Reason))
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()
}

// refreshToken fetches a token for an entry that has none. When the fetch
// fails it returns a transient outcome to be counted as the attempt.
func (q *RetryQueue) refreshToken(ctx context.Context, e *Entry) (gateway.Outcome, bool) {
	if e.Token != "" || q.tokens == nil {
		return gateway.Outcome{}, true
	}
	tok, err := q.tokens.Token(ctx, e.SponsorID)
	if err != nil {
		return gateway.Outcome{
			Kind:          gateway.TransientFailure,
			Recipient:     e.Recipient,
			CorrelationID: q.newID(),
			Attempts:      1,
			Reason:        "token refresh failed: " + err.Error(),
		}, false
	}
	e.Token = tok
	return gateway.Outcome{}, true
}

func (q *RetryQueue) pop() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	e := q.entries[0]
	q.entries[0] = Entry{}
	q.entries = q.entries[1:]
	return e, true
}

// Run drains the whole queue every interval until ctx is done.
func (q *RetryQueue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if q.Len() > 0 {
				q.Drain(ctx, 0)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
