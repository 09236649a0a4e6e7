// Package accounts tracks the pool of Google accounts this gateway
// dispatches requests through: their OAuth credentials, per-model quota
// and rate-limit state, health score, and burst token bucket.
package accounts

import (
	"context"
	"math"
	"sync"
	"time"

	"gateway/internal/oauth"
)

const (
	tokenBucketCapacity = 50
	accessTokenSkew     = 60 * time.Second
)

// ModelQuota tracks the remembered fraction of quota remaining for a
// model, refreshed whenever the upstream reports usage.
type ModelQuota struct {
	RemainingFraction float64
	ResetTime         time.Time
}

// ModelRateLimit records that a model is rate-limited on this account
// until a point in time.
type ModelRateLimit struct {
	Until time.Time
}

// Account is one Google account this gateway can dispatch requests
// through.
type Account struct {
	ID               string
	Email            string
	ProjectID        string
	Enabled          bool
	SubscriptionTier string

	QuotaThresholdOverride      *float64
	ModelQuotaThresholdOverride map[string]float64

	mu                 sync.Mutex
	refreshToken       string
	accessToken        string
	accessTokenExpires time.Time

	quota      map[string]ModelQuota
	rateLimits map[string]ModelRateLimit

	healthScore     float64
	lastUsed        time.Time
	tokensAvailable float64

	isInvalid     bool
	invalidReason string

	disabledUntil time.Time
}

func NewAccount(id, email, refreshToken, projectID string) *Account {
	return &Account{
		ID:              id,
		Email:           email,
		ProjectID:       projectID,
		Enabled:         true,
		refreshToken:    refreshToken,
		quota:           make(map[string]ModelQuota),
		rateLimits:      make(map[string]ModelRateLimit),
		healthScore:     1.0,
		tokensAvailable: tokenBucketCapacity,
	}
}

func (a *Account) RefreshToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshToken
}

// AccessToken returns a currently-valid access token, refreshing it via
// client if the cached one is expired or within the safety skew of
// expiring.
func (a *Account) AccessToken(ctx context.Context, client *oauth.Client) (string, error) {
	a.mu.Lock()
	if a.isAccessTokenValidLocked() {
		tok := a.accessToken
		a.mu.Unlock()
		return tok, nil
	}
	refreshToken := a.refreshToken
	a.mu.Unlock()

	tokens, err := client.Refresh(ctx, refreshToken)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.accessToken = tokens.AccessToken
	a.accessTokenExpires = tokens.ExpiresAt
	a.mu.Unlock()
	return tokens.AccessToken, nil
}

func (a *Account) isAccessTokenValidLocked() bool {
	if a.accessToken == "" {
		return false
	}
	return time.Now().Before(a.accessTokenExpires.Add(-accessTokenSkew))
}

// ForceRefreshAccessToken ignores the cached token entirely and refreshes
// unconditionally. Used after an upstream auth_expired response, where the
// cached expiry can't be trusted.
func (a *Account) ForceRefreshAccessToken(ctx context.Context, client *oauth.Client) (string, error) {
	a.mu.Lock()
	refreshToken := a.refreshToken
	a.mu.Unlock()

	tokens, err := client.Refresh(ctx, refreshToken)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.accessToken = tokens.AccessToken
	a.accessTokenExpires = tokens.ExpiresAt
	a.mu.Unlock()
	return tokens.AccessToken, nil
}

// DisableTemporarily takes the account out of selection until until,
// without permanently invalidating it the way MarkInvalid does.
func (a *Account) DisableTemporarily(until time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disabledUntil = until
}

func (a *Account) isTemporarilyDisabledLocked() bool {
	return !a.disabledUntil.IsZero() && time.Now().Before(a.disabledUntil)
}

func (a *Account) IsRateLimited(model string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	rl, ok := a.rateLimits[model]
	if !ok {
		return false
	}
	return time.Now().Before(rl.Until)
}

func (a *Account) RateLimitRemaining(model string) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	rl, ok := a.rateLimits[model]
	if !ok {
		return 0
	}
	d := time.Until(rl.Until)
	if d < 0 {
		return 0
	}
	return d
}

func (a *Account) SetRateLimit(model string, until time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rateLimits[model] = ModelRateLimit{Until: until}
}

func (a *Account) ClearRateLimit(model string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.rateLimits, model)
}

func (a *Account) SetQuota(model string, remainingFraction float64, resetTime time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quota[model] = ModelQuota{RemainingFraction: remainingFraction, ResetTime: resetTime}
}

func (a *Account) QuotaFraction(model string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.quota[model]
	if !ok {
		return 1.0
	}
	return q.RemainingFraction
}

// EffectiveQuotaThreshold resolves per-model > per-account > global
// priority.
func (a *Account) EffectiveQuotaThreshold(model string, global float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ModelQuotaThresholdOverride != nil {
		if v, ok := a.ModelQuotaThresholdOverride[model]; ok {
			return v
		}
	}
	if a.QuotaThresholdOverride != nil {
		return *a.QuotaThresholdOverride
	}
	return global
}

func (a *Account) IsQuotaBelowThreshold(model string, global float64) bool {
	return a.QuotaFraction(model) < a.EffectiveQuotaThreshold(model, global)
}

// IsUsable reports whether the account can currently serve model: it must
// be enabled, not marked invalid, not temporarily disabled, and not
// rate-limited for that model.
func (a *Account) IsUsable(model string) bool {
	a.mu.Lock()
	invalid := a.isInvalid
	disabled := a.isTemporarilyDisabledLocked()
	a.mu.Unlock()
	if !a.Enabled || invalid || disabled {
		return false
	}
	return !a.IsRateLimited(model)
}

func (a *Account) MarkInvalid(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.isInvalid = true
	a.invalidReason = reason
}

func (a *Account) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthScore = math.Min(1.0, a.healthScore+0.1)
	a.lastUsed = time.Now()
}

func (a *Account) RecordFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthScore = math.Max(0.0, a.healthScore-0.2)
	a.lastUsed = time.Now()
}

func (a *Account) HealthScore() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthScore
}

func (a *Account) LastUsed() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsed
}

// ConsumeToken takes one token from the burst bucket if available.
func (a *Account) ConsumeToken() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tokensAvailable < 1 {
		return false
	}
	a.tokensAvailable--
	return true
}

func (a *Account) TokensAvailable() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokensAvailable
}

// RefillTokens adds n tokens to the bucket, capped at capacity. Intended
// to be called periodically by a background ticker.
func (a *Account) RefillTokens(n float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokensAvailable = math.Min(tokenBucketCapacity, a.tokensAvailable+n)
}

func (a *Account) Touch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastUsed = time.Now()
}
