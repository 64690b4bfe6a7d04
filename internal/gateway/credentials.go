package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	appErrors "github.com/unclebandit/rcs-dispatch/internal/errors"
	"github.com/unclebandit/rcs-dispatch/internal/metrics"
	"github.com/unclebandit/rcs-dispatch/internal/model"
)

// SecretSource looks up a sponsor's client-credentials pair. It returns nil,
// nil when the sponsor has none.
type SecretSource interface {
	GetGatewaySecret(ctx context.Context, sponsorID int64) (*model.GatewaySecret, error)
}

// StaticSecrets serves configured pairs and defers to Next for the rest.
type StaticSecrets struct {
	Secrets map[int64]model.GatewaySecret
	Next    SecretSource
}

func (s StaticSecrets) GetGatewaySecret(ctx context.Context, sponsorID int64) (*model.GatewaySecret, error) {
	if sec, ok := s.Secrets[sponsorID]; ok && !sec.Empty() {
		return &sec, nil
	}
	if s.Next == nil {
		return nil, nil
	}
	return s.Next.GetGatewaySecret(ctx, sponsorID)
}

type cachedToken struct {
	token  string
	expiry time.Time
}

type CredentialsConfig struct {
	AuthURL string
	TTL     time.Duration // used when the auth endpoint omits expires_in
	Skew    time.Duration
}

// Credentials caches one bearer token per sponsor. Concurrent misses for the
// same sponsor share a single fetch.
type Credentials struct {
	cfg     CredentialsConfig
	secrets SecretSource
	http    *http.Client
	log     *zap.Logger
	now     func() time.Time

	mu    sync.RWMutex
	cache map[int64]cachedToken
	group singleflight.Group
}

func NewCredentials(cfg CredentialsConfig, secrets SecretSource, httpClient *http.Client, log *zap.Logger) *Credentials {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Credentials{
		cfg:     cfg,
		secrets: secrets,
		http:    httpClient,
		log:     log,
		now:     time.Now,
		cache:   make(map[int64]cachedToken),
	}
}

// Token returns a valid bearer token for the sponsor.
func (c *Credentials) Token(ctx context.Context, sponsorID int64) (string, error) {
	if tok, ok := c.cached(sponsorID); ok {
		return tok, nil
	}

	v, err, _ := c.group.Do(strconv.FormatInt(sponsorID, 10), func() (any, error) {
		if tok, ok := c.cached(sponsorID); ok {
			return tok, nil
		}
		return c.fetch(ctx, sponsorID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token so the next Token call fetches a new one.
func (c *Credentials) Invalidate(sponsorID int64) {
	c.mu.Lock()
	delete(c.cache, sponsorID)
	c.mu.Unlock()
}

func (c *Credentials) cached(sponsorID int64) (string, bool) {
	c.mu.RLock()
	entry, ok := c.cache[sponsorID]
	c.mu.RUnlock()
	if !ok || !c.now().Before(entry.expiry) {
		return "", false
	}
	return entry.token, true
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *Credentials) fetch(ctx context.Context, sponsorID int64) (string, error) {
	secret, err := c.secrets.GetGatewaySecret(ctx, sponsorID)
	if err != nil {
		return "", fmt.Errorf("load gateway secret for sponsor %d: %w", sponsorID, err)
	}
	if secret == nil || secret.Empty() {
		metrics.TokenFetches.WithLabelValues("no_credentials").Inc()
		return "", &appErrors.CredentialError{SponsorID: sponsorID}
	}

	q := url.Values{}
	q.Set("grant_type", "client_credentials")
	q.Set("client_id", secret.ClientID)
	q.Set("client_secret", secret.ClientSecret)
	q.Set("scope", "read")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.AuthURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", &appErrors.UpstreamAuthError{SponsorID: sponsorID, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.TokenFetches.WithLabelValues("error").Inc()
		return "", &appErrors.UpstreamAuthError{SponsorID: sponsorID, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.TokenFetches.WithLabelValues("rejected").Inc()
		return "", &appErrors.UpstreamAuthError{SponsorID: sponsorID, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		metrics.TokenFetches.WithLabelValues("rejected").Inc()
		return "", &appErrors.UpstreamAuthError{SponsorID: sponsorID, StatusCode: resp.StatusCode, Body: "missing access_token"}
	}

	ttl := c.cfg.TTL
	if tr.ExpiresIn > 0 {
		ttl = time.Duration(tr.ExpiresIn) * time.Second
	}
	lifetime := ttl - c.cfg.Skew
	if lifetime <= 0 {
		// skew exceeds the token lifetime; keep it for half of it
		lifetime = ttl / 2
	}
	expiry := c.now().Add(lifetime)

	c.mu.Lock()
	c.cache[sponsorID] = cachedToken{token: tr.AccessToken, expiry: expiry}
	c.mu.Unlock()

	metrics.TokenFetches.WithLabelValues("ok").Inc()
	c.log.Info("fetched gateway token",
		zap.Int64("sponsor_id", sponsorID),
		zap.Time("expires_at", expiry),
	)
	return tr.AccessToken, nil
}
