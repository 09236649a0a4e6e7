// Package pipeline orchestrates one Messages request end to end: validate,
// resolve the model, probe the cache, lease an account, translate to the
// upstream shape, dispatch under retry, and translate the reply back.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"gateway/internal/accounts"
	"gateway/internal/anthropicproto"
	"gateway/internal/cache"
	"gateway/internal/cloudcode"
	"gateway/internal/cloudcodeproto"
	"gateway/internal/metrics"
	"gateway/internal/registry"
	"gateway/internal/sse"
	"gateway/internal/statslog"
	"gateway/internal/translate"
)

// Error is a classified failure the HTTP layer renders as an Anthropic
// error envelope.
type Error struct {
	Status  int
	Type    string
	Message string
	// RetryAfter is set on rate-limit and overload errors so the HTTP layer
	// can emit a Retry-After header. Zero means no recommendation.
	RetryAfter time.Duration
}

func (e *Error) Error() string { return e.Message }

func newError(status int, typ, msg string) *Error {
	return &Error{Status: status, Type: typ, Message: msg}
}

// Pipeline wires the collaborators spec.md §4.8 names into the single
// Handle entry point the HTTP facade calls per request.
type Pipeline struct {
	Scheduler  *accounts.Scheduler
	Translator *translate.Translator
	Client     *cloudcode.Client
	Cache      *cache.Cache
	Metrics    *metrics.Metrics
	Stats      statslog.Store
	Fallback   bool
	Logger     *slog.Logger
}

// HandleOptions carries per-request controls read off the HTTP layer
// (currently just the cache-bypass header) so Handle stays testable without
// an http.Request in scope.
type HandleOptions struct {
	NoCache bool
}

// Handle runs the full pipeline for req, writing either a JSON response or
// an SSE stream to w. The returned error, if non-nil, is an *Error the
// caller can render, except that a failed write to w is returned as the
// write error itself; Handle never writes a response body itself on the
// error path except via a stream already in progress.
func (p *Pipeline) Handle(ctx context.Context, req *anthropicproto.MessagesRequest, w http.ResponseWriter, opts HandleOptions) error {
	if err := validate(req); err != nil {
		return newError(http.StatusBadRequest, "invalid_request_error", err.Error())
	}

	canonical, ok := registry.Resolve(req.Model)
	if !ok {
		return newError(http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("unknown model %q", req.Model))
	}

	cacheKey := ""
	cacheable := p.Cache != nil && !req.Stream && !opts.NoCache
	if cacheable {
		messagesJSON, _ := json.Marshal(req.Messages)
		toolsJSON, _ := json.Marshal(req.Tools)
		cacheKey = cache.MakeKey(canonical, messagesJSON, req.System, toolsJSON, req.Temperature)
		if hit, ok := p.Cache.Get(cacheKey); ok {
			if p.Metrics != nil {
				p.Metrics.CacheHit(canonical)
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("X-Cache", "HIT")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(hit)
			return nil
		}
		if p.Metrics != nil {
			p.Metrics.CacheMiss(canonical)
		}
	}

	candidates := []string{canonical}
	if p.Fallback {
		if next, ok := registry.Fallback(canonical); ok {
			candidates = append(candidates, next)
		}
	}

	if cacheable {
		// The dispatch that actually reaches upstream is coalesced across
		// concurrent callers sharing cacheKey, so an identical request
		// arriving while one is already in flight waits on that result
		// instead of issuing a second upstream call.
		body, err := p.Cache.Coalesce(cacheKey, func() ([]byte, error) {
			return p.dispatchCacheable(ctx, req, candidates)
		})
		if err != nil {
			return err
		}
		p.Cache.Put(cacheKey, body)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("X-Cache", "MISS")
		w.WriteHeader(http.StatusOK)
		_, werr := w.Write(body)
		return werr
	}

	return p.dispatchDirect(ctx, req, candidates, w)
}

// dispatchDirect runs the candidate/fallback loop for a request that is
// never cache-eligible (a live stream, or caching disabled for this call)
// and writes the response to w itself as soon as it is available.
func (p *Pipeline) dispatchDirect(ctx context.Context, req *anthropicproto.MessagesRequest, candidates []string, w http.ResponseWriter) error {
	var lastErr error
	for i, model := range candidates {
		account, selErr := p.Scheduler.Select(model)
		if selErr != nil {
			lastErr = newError(http.StatusServiceUnavailable, "overloaded_error", selErr.Error())
			continue
		}

		start := time.Now()
		var dispatchErr error
		switch {
		case !cloudcode.UseStreamingPath(model, req.Stream):
			dispatchErr = p.handleBuffered(ctx, account, model, req, w)
		case req.Stream:
			dispatchErr = p.handleStream(ctx, account, model, req, w)
		default:
			// Thinking models must be dispatched upstream through the
			// streaming path even though the client asked for a buffered
			// reply, so the stream is reconstructed into one JSON response.
			dispatchErr = p.handleAggregatedStream(ctx, account, model, req, w)
		}
		dur := time.Since(start)

		if dispatchErr == nil {
			account.RecordSuccess()
			p.record(account.ID, req.Model, model, 200, "", req.Stream, false, dur)
			return nil
		}

		account.RecordFailure()
		status, kind := classify(dispatchErr)
		p.record(account.ID, req.Model, model, status, kind, req.Stream, false, dur)

		// A live SSE stream may already have written frames to w by the time
		// it fails; retrying with a different model would corrupt that
		// response, so streaming requests get one attempt only.
		if req.Stream || !retryable(dispatchErr) || i == len(candidates)-1 {
			return toPipelineError(dispatchErr)
		}
		lastErr = dispatchErr
		if p.Logger != nil {
			p.Logger.Warn("falling back to next model after dispatch failure",
				"model", model, "fallback_to", candidates[i+1], "error", dispatchErr)
		}
	}

	if lastErr != nil {
		return toPipelineError(lastErr)
	}
	return newError(http.StatusInternalServerError, "api_error", "no accounts available")
}

// dispatchCacheable runs the same candidate/fallback loop as dispatchDirect
// but for a cache-eligible request: it returns the serialized response body
// instead of writing it, so the cache-miss dispatch can be wrapped in
// cache.Cache.Coalesce before anything reaches an individual caller's
// http.ResponseWriter.
func (p *Pipeline) dispatchCacheable(ctx context.Context, req *anthropicproto.MessagesRequest, candidates []string) ([]byte, error) {
	var lastErr error
	for i, model := range candidates {
		account, selErr := p.Scheduler.Select(model)
		if selErr != nil {
			lastErr = newError(http.StatusServiceUnavailable, "overloaded_error", selErr.Error())
			continue
		}

		start := time.Now()
		var body []byte
		var usage anthropicproto.Usage
		var dispatchErr error
		if cloudcode.UseStreamingPath(model, false) {
			body, usage, dispatchErr = p.sendAggregated(ctx, account, model, req)
		} else {
			body, usage, dispatchErr = p.sendBuffered(ctx, account, model, req)
		}
		dur := time.Since(start)

		if dispatchErr == nil {
			account.RecordSuccess()
			p.record(account.ID, req.Model, model, 200, "", false, false, dur)
			if p.Metrics != nil {
				p.Metrics.ObserveTokens(model, int64(usage.InputTokens), int64(usage.OutputTokens), int64(usage.CacheReadInputTokens))
			}
			return body, nil
		}

		account.RecordFailure()
		status, kind := classify(dispatchErr)
		p.record(account.ID, req.Model, model, status, kind, false, false, dur)

		if !retryable(dispatchErr) || i == len(candidates)-1 {
			return nil, toPipelineError(dispatchErr)
		}
		lastErr = dispatchErr
		if p.Logger != nil {
			p.Logger.Warn("falling back to next model after dispatch failure",
				"model", model, "fallback_to", candidates[i+1], "error", dispatchErr)
		}
	}

	if lastErr != nil {
		return nil, toPipelineError(lastErr)
	}
	return nil, newError(http.StatusInternalServerError, "api_error", "no accounts available")
}

// sendBuffered performs one non-streaming upstream call and returns the
// serialized Anthropic response body alongside its usage, without touching
// any http.ResponseWriter.
func (p *Pipeline) sendBuffered(ctx context.Context, account *accounts.Account, model string, req *anthropicproto.MessagesRequest) ([]byte, anthropicproto.Usage, error) {
	googleReq := p.Translator.ToGoogle(req, model)
	applyOverrides(googleReq, model)

	resp, err := p.Client.Send(ctx, account, model, googleReq)
	if err != nil {
		return nil, anthropicproto.Usage{}, err
	}

	requestID := "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	anthResp := p.Translator.ToAnthropic(resp, req.Model, requestID)

	body, err := json.Marshal(anthResp)
	if err != nil {
		return nil, anthropicproto.Usage{}, fmt.Errorf("pipeline: marshal response: %w", err)
	}
	return body, anthResp.Usage, nil
}

func (p *Pipeline) handleBuffered(ctx context.Context, account *accounts.Account, model string, req *anthropicproto.MessagesRequest, w http.ResponseWriter) error {
	body, usage, err := p.sendBuffered(ctx, account, model, req)
	if err != nil {
		return err
	}
	if p.Metrics != nil {
		p.Metrics.ObserveTokens(model, int64(usage.InputTokens), int64(usage.OutputTokens), int64(usage.CacheReadInputTokens))
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Cache", "BYPASS")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(body)
	return err
}

func (p *Pipeline) handleStream(ctx context.Context, account *accounts.Account, model string, req *anthropicproto.MessagesRequest, w http.ResponseWriter) error {
	googleReq := p.Translator.ToGoogle(req, model)
	applyOverrides(googleReq, model)

	body, err := p.Client.Stream(ctx, account, model, googleReq)
	if err != nil {
		return err
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Cache", "BYPASS")
	w.WriteHeader(http.StatusOK)

	emitter := sse.NewEmitter(w)
	parser := sse.NewParser(req.Model, p.Translator.Signatures())

	buf := make([]byte, 32*1024)
	var streamErr error
	var inputTokens, outputTokens, cachedTokens int
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				if ev.Type == "message_start" && ev.MessageStart != nil {
					inputTokens = ev.MessageStart.Usage.InputTokens
				}
				if werr := emitter.Write(ev); werr != nil {
					return werr
				}
				if ev.Type == "error" {
					streamErr = fmt.Errorf("upstream stream error: %s", ev.ErrorPayload.Message)
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				streamErr = readErr
			}
			break
		}
	}

	for _, ev := range parser.Finish() {
		if ev.Type == "message_delta" && ev.MessageDelta != nil {
			outputTokens = ev.MessageDelta.Usage.OutputTokens
			cachedTokens = ev.MessageDelta.Usage.CacheReadInputTokens
		}
		_ = emitter.Write(ev)
	}
	_ = emitter.Write(sse.Event{Type: "message_stop"})

	if p.Metrics != nil {
		p.Metrics.ObserveTokens(model, int64(inputTokens), int64(outputTokens), int64(cachedTokens))
	}

	return streamErr
}

// sendAggregated dispatches upstream through the streaming path and
// reconstructs it into one JSON response, without touching any
// http.ResponseWriter. Thinking models require this even when the client
// asked for a buffered reply.
func (p *Pipeline) sendAggregated(ctx context.Context, account *accounts.Account, model string, req *anthropicproto.MessagesRequest) ([]byte, anthropicproto.Usage, error) {
	googleReq := p.Translator.ToGoogle(req, model)
	applyOverrides(googleReq, model)

	upstream, err := p.Client.Stream(ctx, account, model, googleReq)
	if err != nil {
		return nil, anthropicproto.Usage{}, err
	}
	defer upstream.Close()

	parser := sse.NewParser(req.Model, p.Translator.Signatures())
	col := newCollector(req.Model)

	buf := make([]byte, 32*1024)
	for {
		n, readErr := upstream.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				if ev.Type == "error" {
					return nil, anthropicproto.Usage{}, fmt.Errorf("upstream stream error: %s", ev.ErrorPayload.Message)
				}
				col.apply(ev)
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				return nil, anthropicproto.Usage{}, readErr
			}
			break
		}
	}
	for _, ev := range parser.Finish() {
		col.apply(ev)
	}

	anthResp := col.response()
	body, err := json.Marshal(anthResp)
	if err != nil {
		return nil, anthropicproto.Usage{}, fmt.Errorf("pipeline: marshal aggregated response: %w", err)
	}
	return body, anthResp.Usage, nil
}

func (p *Pipeline) handleAggregatedStream(ctx context.Context, account *accounts.Account, model string, req *anthropicproto.MessagesRequest, w http.ResponseWriter) error {
	body, usage, err := p.sendAggregated(ctx, account, model, req)
	if err != nil {
		return err
	}
	if p.Metrics != nil {
		p.Metrics.ObserveTokens(model, int64(usage.InputTokens), int64(usage.OutputTokens), int64(usage.CacheReadInputTokens))
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Cache", "BYPASS")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(body)
	return err
}

// applyOverrides enforces model-specific ceilings and omissions on the
// translated upstream payload: a generous output-token ceiling to avoid
// upstream INVALID_ARGUMENT on an unbounded client-supplied max_tokens, and
// dropping temperature for thinking models (upstream rejects it there).
func applyOverrides(req *cloudcodeproto.GenerateContentRequest, model string) {
	if req.GenerationConfig == nil {
		return
	}
	ceiling := maxOutputTokensCeiling(model)
	if req.GenerationConfig.MaxOutputTokens != nil && *req.GenerationConfig.MaxOutputTokens > ceiling {
		capped := ceiling
		req.GenerationConfig.MaxOutputTokens = &capped
	}
	if registry.IsThinkingModel(model) {
		req.GenerationConfig.Temperature = nil
	}
}

func maxOutputTokensCeiling(model string) int {
	if registry.FamilyOf(model) == registry.FamilyGemini {
		return 65536
	}
	return 64000
}

func (p *Pipeline) record(accountID, requestModel, upstreamModel string, status int, errorKind string, stream, cacheHit bool, dur time.Duration) {
	if p.Metrics != nil {
		p.Metrics.ObserveRequest(upstreamModel, accountID, status, dur)
	}
	if p.Stats != nil {
		p.Stats.Record(context.Background(), statslog.Entry{
			AccountID:     accountID,
			RequestModel:  requestModel,
			UpstreamModel: upstreamModel,
			Family:        string(registry.FamilyOf(upstreamModel)),
			Status:        status,
			ErrorKind:     errorKind,
			Stream:        stream,
			CacheHit:      cacheHit,
			LatencyMs:     dur.Milliseconds(),
		})
	}
}

func classify(err error) (int, string) {
	var ce *cloudcode.Error
	if errors.As(err, &ce) {
		switch ce.Kind {
		case cloudcode.ErrKindAuth:
			return http.StatusUnauthorized, "auth"
		case cloudcode.ErrKindInvalidRequest:
			return http.StatusBadRequest, "invalid_request"
		case cloudcode.ErrKindRateLimited, cloudcode.ErrKindQuotaExhausted:
			return http.StatusTooManyRequests, "quota_exhausted"
		case cloudcode.ErrKindCapacityExhausted:
			return 529, "capacity_exhausted"
		case cloudcode.ErrKindTimeout:
			return http.StatusGatewayTimeout, "timeout"
		default:
			return http.StatusInternalServerError, "server_error"
		}
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Status, pe.Type
	}
	return http.StatusInternalServerError, "unknown"
}

// retryable reports whether a fallback model is worth trying after this
// failure. Auth and invalid-request failures are client/account problems a
// different model won't fix.
func retryable(err error) bool {
	var ce *cloudcode.Error
	if errors.As(err, &ce) {
		return ce.Kind != cloudcode.ErrKindAuth && ce.Kind != cloudcode.ErrKindInvalidRequest
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Status != http.StatusBadRequest && pe.Status != http.StatusUnauthorized
	}
	return true
}

func toPipelineError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	var ce *cloudcode.Error
	if errors.As(err, &ce) {
		switch ce.Kind {
		case cloudcode.ErrKindAuth:
			return newError(http.StatusUnauthorized, "authentication_error", ce.Message)
		case cloudcode.ErrKindInvalidRequest:
			return newError(http.StatusBadRequest, "invalid_request_error", ce.Message)
		case cloudcode.ErrKindRateLimited, cloudcode.ErrKindQuotaExhausted:
			e := newError(http.StatusTooManyRequests, "rate_limit_error", ce.Message)
			e.RetryAfter = ce.RetryAfter
			return e
		case cloudcode.ErrKindCapacityExhausted:
			e := newError(529, "overloaded_error", ce.Message)
			e.RetryAfter = ce.RetryAfter
			return e
		case cloudcode.ErrKindTimeout:
			return newError(http.StatusGatewayTimeout, "api_error", ce.Message)
		default:
			return newError(http.StatusInternalServerError, "api_error", ce.Message)
		}
	}
	return newError(http.StatusInternalServerError, "api_error", err.Error())
}
