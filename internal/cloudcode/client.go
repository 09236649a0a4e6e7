// Package cloudcode is the upstream HTTP client: dual-endpoint failover,
// rate-limit-aware retry, per-account concurrency gating, and auth header
// construction for Google's Cloud Code generateContent API.
package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync"
	"time"

	"gateway/internal/accounts"
	"gateway/internal/cloudcodeproto"
	"gateway/internal/config"
	"gateway/internal/oauth"
	"gateway/internal/ratelimit"
	"gateway/internal/registry"
)

var userAgent = "gateway/1.0 (" + runtime.GOOS + "/" + runtime.GOARCH + ")"

var apiClientHeader = "gl-go/" + runtime.Version() + " gccl/gateway"

const (
	pathGenerateContent       = "/v1internal:generateContent"
	pathStreamGenerateContent = "/v1internal:streamGenerateContent?alt=sse"
)

// Client dispatches translated requests to Google Cloud Code, retrying
// across the configured endpoint list under rate-limit supervision.
type Client struct {
	httpClient *http.Client
	oauth      *oauth.Client
	endpoints  []string
	timeout    time.Duration
	maxRetries int
	tracker    *ratelimit.Tracker

	gateMu      sync.Mutex
	gates       map[string]chan struct{}
	gateSize    int
	minInterval time.Duration
	lastAt      map[string]time.Time
}

func New(cfg config.CloudCodeConfig, accountsCfg config.AccountsConfig, oauthClient *oauth.Client) *Client {
	gateSize := accountsCfg.MaxConcurrentPerAccount
	if gateSize <= 0 {
		gateSize = 1
	}
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		},
		oauth:       oauthClient,
		endpoints:   cfg.Endpoints,
		timeout:     time.Duration(cfg.TimeoutSecs) * time.Second,
		maxRetries:  cfg.MaxRetries,
		tracker:     ratelimit.NewTracker(),
		gates:       make(map[string]chan struct{}),
		gateSize:    gateSize,
		minInterval: time.Duration(accountsCfg.MinRequestIntervalMs) * time.Millisecond,
		lastAt:      make(map[string]time.Time),
	}
}

// UseStreamingPath reports whether a request for model should go through
// streamGenerateContent rather than generateContent: true for explicit
// client streaming and any thinking model (which includes every Gemini
// 3+ model, per registry.IsThinkingModel).
func UseStreamingPath(model string, clientWantsStream bool) bool {
	return clientWantsStream || registry.IsThinkingModel(model)
}

func (c *Client) acquire(ctx context.Context, accountID string) (func(), error) {
	c.gateMu.Lock()
	gate, ok := c.gates[accountID]
	if !ok {
		gate = make(chan struct{}, c.gateSize)
		c.gates[accountID] = gate
	}
	c.gateMu.Unlock()

	select {
	case gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.gateMu.Lock()
	last, seen := c.lastAt[accountID]
	c.gateMu.Unlock()
	if seen {
		if wait := c.minInterval - time.Since(last); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				<-gate
				return nil, ctx.Err()
			}
		}
	}
	c.gateMu.Lock()
	c.lastAt[accountID] = time.Now()
	c.gateMu.Unlock()

	return func() { <-gate }, nil
}

func (c *Client) buildHeaders(req *http.Request, token string, account *accounts.Account, streaming bool) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Goog-Api-Client", apiClientHeader)
	if account.ProjectID != "" {
		req.Header.Set("X-Goog-User-Project", account.ProjectID)
	}
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
}

func (c *Client) accessToken(ctx context.Context, account *accounts.Account, forced bool) (string, error) {
	if forced {
		return account.ForceRefreshAccessToken(ctx, c.oauth)
	}
	return account.AccessToken(ctx, c.oauth)
}

// Send performs a non-streaming dispatch and returns the decoded response.
func (c *Client) Send(ctx context.Context, account *accounts.Account, model string, payload *cloudcodeproto.GenerateContentRequest) (*cloudcodeproto.GenerateContentResponse, error) {
	release, err := c.acquire(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	body, err := json.Marshal(cloudcodeproto.CloudCodeRequest{Model: model, Project: account.ProjectID, Request: *payload})
	if err != nil {
		return nil, fmt.Errorf("cloudcode: marshal request: %w", err)
	}

	resp, err := c.dispatchWithRetry(ctx, account, model, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	raw, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("cloudcode: read response body: %w", err)
	}

	var wrapper cloudcodeproto.CloudCodeResponse
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Response != nil {
		if wrapper.Response.Error != nil {
			return nil, mapGoogleError(wrapper.Response.Error.Code, wrapper.Response.Error.Message, model)
		}
		return wrapper.Response, nil
	}

	var plain cloudcodeproto.GenerateContentResponse
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("cloudcode: invalid response JSON: %w", err)
	}
	if plain.Error != nil {
		return nil, mapGoogleError(plain.Error.Code, plain.Error.Message, model)
	}
	return &plain, nil
}

// Stream performs a streaming dispatch and returns the live response body
// for the caller (the SSE codec) to read incrementally. The caller must
// close the returned ReadCloser.
func (c *Client) Stream(ctx context.Context, account *accounts.Account, model string, payload *cloudcodeproto.GenerateContentRequest) (io.ReadCloser, error) {
	release, err := c.acquire(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(cloudcodeproto.CloudCodeRequest{Model: model, Project: account.ProjectID, Request: *payload})
	if err != nil {
		release()
		return nil, fmt.Errorf("cloudcode: marshal request: %w", err)
	}

	resp, err := c.dispatchWithRetry(ctx, account, model, body, true)
	if err != nil {
		release()
		return nil, err
	}
	return &releasingReader{ReadCloser: resp, release: release}, nil
}

type releasingReader struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (r *releasingReader) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(r.release)
	return err
}

// dispatchWithRetry implements the endpoint-failover/retry loop: each
// endpoint is tried in order, with per-endpoint retries driven by the
// rate-limit classification of whatever the upstream returns.
func (c *Client) dispatchWithRetry(ctx context.Context, account *accounts.Account, model string, body []byte, streaming bool) (io.ReadCloser, error) {
	start := time.Now()
	var lastErr *Error
	capacityRetries := 0
	authRetried := false

	for _, endpoint := range c.endpoints {
		path := pathGenerateContent
		if streaming {
			path = pathStreamGenerateContent
		}
		url := endpoint + path

		retryCount := 0
		for {
			if elapsed := time.Since(start); elapsed > ratelimit.MaxWaitBeforeErr {
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, &Error{Kind: ErrKindQuotaExhausted, Model: model, Message: "max wait time exceeded"}
			}

			token, err := c.accessToken(ctx, account, false)
			if err != nil {
				return nil, fmt.Errorf("cloudcode: refresh access token: %w", err)
			}

			resp, status, respBody, reqErr := c.post(ctx, url, token, account, body, streaming)
			if reqErr != nil {
				lastErr = &Error{Kind: ErrKindTimeout, Message: reqErr.Error()}
				break
			}

			if status == 401 && !authRetried {
				authRetried = true
				if _, err := c.accessToken(ctx, account, true); err != nil {
					account.DisableTemporarily(time.Now().Add(15 * time.Minute))
					return nil, &Error{Kind: ErrKindAuth, Message: "token refresh failed after auth_expired"}
				}
				continue
			}
			if status == 401 {
				account.DisableTemporarily(time.Now().Add(15 * time.Minute))
				return nil, &Error{Kind: ErrKindAuth, Message: "auth_expired persisted after forced refresh"}
			}

			if status >= 200 && status < 300 && streaming {
				c.tracker.Clear(model)
				return resp, nil
			}

			errText := string(respBody)
			if status >= 200 && status < 300 {
				// Non-streaming success may still carry an embedded Google
				// error at the JSON level; let the caller unmarshal and
				// classify it.
				c.tracker.Clear(model)
				return io.NopCloser(bytes.NewReader(respBody)), nil
			}
			if resp != nil {
				resp.Close()
			}

			if status == 429 && retryCount < c.maxRetries {
				retryCount++
				waitMs, resetStr := ratelimit.ParseResetTime(errText, ratelimit.FirstRetryDelay)

				if ratelimit.IsModelCapacityExhausted(errText) && capacityRetries < ratelimit.MaxCapacityRetries {
					tier := capacityRetries
					if tier >= len(ratelimit.CapacityBackoffTiers) {
						tier = len(ratelimit.CapacityBackoffTiers) - 1
					}
					capacityRetries++
					if !sleep(ctx, ratelimit.CapacityBackoffTiers[tier]) {
						return nil, ctx.Err()
					}
					continue
				}

				if waitMs > ratelimit.MaxWaitBeforeErr {
					return nil, &Error{Kind: ErrKindQuotaExhausted, Model: model, Message: errText, ResetTime: resetStr, RetryAfter: waitMs}
				}
				if waitMs < time.Second {
					if !sleep(ctx, waitMs) {
						return nil, ctx.Err()
					}
					continue
				}

				backoff := c.tracker.Observe(model, waitMs)
				smart := ratelimit.SmartBackoff(errText, waitMs, 0)
				actual := smart
				if backoff.Attempt == 1 && smart <= ratelimit.DefaultCooldown {
					actual = backoff.Delay
				}
				if remaining := ratelimit.MaxWaitBeforeErr - time.Since(start); actual > remaining {
					actual = remaining
				}
				if actual <= 0 {
					return nil, &Error{Kind: ErrKindQuotaExhausted, Model: model, Message: errText, ResetTime: resetStr, RetryAfter: waitMs}
				}
				lastErr = &Error{Kind: ErrKindQuotaExhausted, Model: model, Message: errText, ResetTime: resetStr, RetryAfter: actual}
				if !sleep(ctx, actual) {
					return nil, ctx.Err()
				}
				continue
			}

			if status == 503 && ratelimit.IsModelCapacityExhausted(errText) && capacityRetries < ratelimit.MaxCapacityRetries {
				tier := capacityRetries
				if tier >= len(ratelimit.CapacityBackoffTiers) {
					tier = len(ratelimit.CapacityBackoffTiers) - 1
				}
				capacityRetries++
				if !sleep(ctx, ratelimit.CapacityBackoffTiers[tier]) {
					return nil, ctx.Err()
				}
				continue
			}

			mapped := mapHTTPError(status, truncate(errText, 500), model, "")
			if !isFailoverEligible(mapped) {
				return nil, mapped
			}
			lastErr = mapped
			break
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &Error{Kind: ErrKindServerError, Message: "all endpoints failed"}
}

func (c *Client) post(ctx context.Context, url, token string, account *accounts.Account, body []byte, streaming bool) (io.ReadCloser, int, []byte, error) {
	reqCtx := ctx
	var cancel context.CancelFunc
	if !streaming {
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, nil, err
	}
	c.buildHeaders(req, token, account, streaming)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}

	if streaming && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.Body, resp.StatusCode, nil, nil
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, nil, err
	}
	return nil, resp.StatusCode, data, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
