package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/unclebandit/rcs-dispatch/internal/metrics"
	"github.com/unclebandit/rcs-dispatch/internal/model"
)

type ClientConfig struct {
	BaseURL         string
	BotID           string
	CountryCode     string
	MaxRetries      int           // extra in-process attempts after the first
	Backoff         time.Duration // multiplied by the attempt number
	RatePerSec      int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Client submits single messages to the gateway. It holds no per-message
// state; only the HTTP connection pool, limiter and breaker are shared.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
	newID   func() string
}

func NewClient(cfg ClientConfig, httpClient *http.Client, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		burst = cfg.RatePerSec
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 20
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: 3,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("gateway breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
		log:     log,
		newID:   func() string { return "msg_" + uuid.NewString() },
	}
}

type submitBody struct {
	BotID   string          `json:"botId"`
	Content json.RawMessage `json:"content"`
}

// Send submits content to one recipient. Transient failures are retried in
// process with linear backoff; permanent failures are returned at once.
func (c *Client) Send(ctx context.Context, recipient string, content json.RawMessage, token string, messageType model.MessageType) Outcome {
	out := c.send(ctx, recipient, content, token, messageType)
	metrics.IncSubmission(out.Kind.String())
	return out
}

func (c *Client) send(ctx context.Context, recipient string, content json.RawMessage, token string, messageType model.MessageType) Outcome {
	phone, err := NormalizeRecipient(recipient, c.cfg.CountryCode)
	if err != nil {
		return Outcome{Kind: PermanentFailure, Recipient: recipient, CorrelationID: c.newID(), Reason: err.Error()}
	}

	shaped, err := ShapeContent(messageType, content)
	if err != nil {
		return Outcome{Kind: PermanentFailure, Recipient: phone, CorrelationID: c.newID(), Reason: err.Error()}
	}
	body, err := json.Marshal(submitBody{BotID: c.cfg.BotID, Content: shaped})
	if err != nil {
		return Outcome{Kind: PermanentFailure, Recipient: phone, CorrelationID: c.newID(), Reason: err.Error()}
	}

	var out Outcome
	for attempt := 1; attempt <= c.cfg.MaxRetries+1; attempt++ {
		out = c.submit(ctx, phone, body, token)
		out.Attempts = attempt
		if out.Kind != TransientFailure || attempt > c.cfg.MaxRetries {
			return out
		}

		c.log.Debug("transient gateway failure, retrying",
			zap.String("recipient", phone),
			zap.Int("attempt", attempt),
			zap.String("reason", out.Reason),
		)
		if err := sleepCtx(ctx, c.cfg.Backoff*time.Duration(attempt)); err != nil {
			return out
		}
	}
	return out
}

type submitResult struct {
	status int
	body   string
}

var errServerStatus = errors.New("gateway server error")

func (c *Client) submit(ctx context.Context, phone string, body []byte, token string) Outcome {
	correlationID := c.newID()
	out := Outcome{Recipient: phone, CorrelationID: correlationID}

	if err := c.limiter.Wait(ctx); err != nil {
		out.Kind = TransientFailure
		out.Reason = "rate limiter: " + err.Error()
		return out
	}

	endpoint := fmt.Sprintf("%s/v1/messaging/users/%s/assistantMessages/async?messageId=%s",
		c.cfg.BaseURL, url.PathEscape(phone), url.QueryEscape(correlationID))

	start := time.Now()
	v, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))

		res := submitResult{status: resp.StatusCode, body: string(raw)}
		if resp.StatusCode >= 500 {
			// counted by the breaker; classified below
			return res, errServerStatus
		}
		return res, nil
	})

	var res submitResult
	if v != nil {
		res = v.(submitResult)
	}
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RecordSubmit("breaker_open", time.Since(start))
		out.Kind = TransientFailure
		out.Reason = "circuit breaker open"
		return out
	case err != nil && !errors.Is(err, errServerStatus):
		metrics.RecordSubmit("network_error", time.Since(start))
		out.Kind = TransientFailure
		out.Reason = err.Error()
		return out
	}

	metrics.RecordSubmit(http.StatusText(res.status), time.Since(start))
	out.StatusCode = res.status
	out.Kind, out.Unauthorized = ClassifyStatus(res.status)
	if out.Kind != Success {
		out.Reason = fmt.Sprintf("gateway returned %d: %s", res.status, res.body)
	}
	return out
}

// ClassifyStatus maps a submission acknowledgment status to an outcome.
// 401/403 are transient: the token is refreshed and the send retried later.
func ClassifyStatus(status int) (kind OutcomeKind, unauthorized bool) {
	switch {
	case status >= 200 && status <= 299:
		return Success, false
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return TransientFailure, true
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return TransientFailure, false
	case status >= 400 && status <= 499:
		return PermanentFailure, false
	default:
		return TransientFailure, false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
