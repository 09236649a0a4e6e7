package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gateway/internal/accounts"
	"gateway/internal/anthropicproto"
	"gateway/internal/cache"
	"gateway/internal/cloudcode"
	"gateway/internal/cloudcodeproto"
	"gateway/internal/config"
	"gateway/internal/metrics"
	"gateway/internal/oauth"
	"gateway/internal/registry"
	"gateway/internal/sse"
	"gateway/internal/translate"
)

func testAccount(t *testing.T, tokenServer *httptest.Server) *accounts.Account {
	t.Helper()
	a := accounts.NewAccount("acct-1", "user@example.com", "refresh-token", "proj-1")
	client := oauth.NewClient("id", "secret", nil)
	client.TokenURL = tokenServer.URL
	if _, err := a.AccessToken(context.Background(), client); err != nil {
		t.Fatalf("priming access token: %v", err)
	}
	return a
}

func newTestPipeline(t *testing.T, upstream *httptest.Server, tokenServer *httptest.Server) (*Pipeline, *accounts.Account) {
	t.Helper()
	cfg := config.CloudCodeConfig{Endpoints: []string{upstream.URL}, TimeoutSecs: 5, MaxRetries: 1}
	accCfg := config.AccountsConfig{MaxConcurrentPerAccount: 2, MinRequestIntervalMs: 0}
	oauthClient := oauth.NewClient("client-id", "client-secret", nil)
	oauthClient.TokenURL = tokenServer.URL
	client := cloudcode.New(cfg, accCfg, oauthClient)

	acct := testAccount(t, tokenServer)
	sched := accounts.NewScheduler(accounts.StrategySticky, 0.1)
	sched.AddAccount(acct)
	sched.SetActiveAccountID(acct.ID)

	return &Pipeline{
		Scheduler:  sched,
		Translator: translate.New(),
		Client:     client,
		Cache:      cache.New(64, time.Minute, true),
		Metrics:    metrics.New(),
	}, acct
}

func tokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	}))
}

func basicRequest(model string) *anthropicproto.MessagesRequest {
	return &anthropicproto.MessagesRequest{
		Model:     model,
		MaxTokens: 256,
		Messages: []anthropicproto.Message{
			{Role: "user", Content: []anthropicproto.ContentBlock{{Type: anthropicproto.BlockText, Text: "hi"}}},
		},
	}
}

func TestHandleRejectsInvalidRequest(t *testing.T) {
	p := &Pipeline{}
	req := basicRequest(registry.ClaudeSonnet45)
	req.MaxTokens = 0

	w := httptest.NewRecorder()
	err := p.Handle(context.Background(), req, w, HandleOptions{})
	if err == nil {
		t.Fatal("expected a validation error")
	}
	pe, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if pe.Status != http.StatusBadRequest || pe.Type != "invalid_request_error" {
		t.Fatalf("unexpected error: %+v", pe)
	}
}

func TestHandleRejectsUnknownModel(t *testing.T) {
	p := &Pipeline{}
	req := basicRequest("not-a-real-model")

	w := httptest.NewRecorder()
	err := p.Handle(context.Background(), req, w, HandleOptions{})
	pe, ok := err.(*Error)
	if !ok || pe.Status != http.StatusBadRequest {
		t.Fatalf("expected invalid_request_error, got %#v", err)
	}
}

func TestHandleBufferedSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := cloudcodeproto.CloudCodeResponse{Response: &cloudcodeproto.GenerateContentResponse{
			Candidates: []cloudcodeproto.Candidate{{
				Content:      cloudcodeproto.Content{Role: "model", Parts: []cloudcodeproto.Part{{Text: "hello there"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &cloudcodeproto.UsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer upstream.Close()
	tokSrv := tokenServer(t)
	defer tokSrv.Close()

	p, _ := newTestPipeline(t, upstream, tokSrv)
	req := basicRequest(registry.ClaudeSonnet45)

	w := httptest.NewRecorder()
	if err := p.Handle(context.Background(), req, w, HandleOptions{}); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body anthropicproto.MessagesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Content) != 1 || body.Content[0].Text != "hello there" {
		t.Fatalf("unexpected content: %+v", body.Content)
	}
	if body.Usage.InputTokens != 10 || body.Usage.OutputTokens != 5 {
		t.Fatalf("unexpected usage: %+v", body.Usage)
	}
}

func TestHandleCachesBufferedResponses(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		resp := cloudcodeproto.CloudCodeResponse{Response: &cloudcodeproto.GenerateContentResponse{
			Candidates: []cloudcodeproto.Candidate{{
				Content:      cloudcodeproto.Content{Role: "model", Parts: []cloudcodeproto.Part{{Text: "cached reply"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &cloudcodeproto.UsageMetadata{PromptTokenCount: 1, CandidatesTokenCount: 1},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer upstream.Close()
	tokSrv := tokenServer(t)
	defer tokSrv.Close()

	p, _ := newTestPipeline(t, upstream, tokSrv)

	for i := 0; i < 2; i++ {
		req := basicRequest(registry.ClaudeSonnet45)
		w := httptest.NewRecorder()
		if err := p.Handle(context.Background(), req, w, HandleOptions{}); err != nil {
			t.Fatalf("iteration %d: Handle returned error: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", got)
	}
}

func TestHandleCoalescesConcurrentIdenticalRequests(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		resp := cloudcodeproto.CloudCodeResponse{Response: &cloudcodeproto.GenerateContentResponse{
			Candidates: []cloudcodeproto.Candidate{{
				Content:      cloudcodeproto.Content{Role: "model", Parts: []cloudcodeproto.Part{{Text: "coalesced reply"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &cloudcodeproto.UsageMetadata{PromptTokenCount: 1, CandidatesTokenCount: 1},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer upstream.Close()
	tokSrv := tokenServer(t)
	defer tokSrv.Close()

	p, _ := newTestPipeline(t, upstream, tokSrv)

	const concurrency = 8
	var wg sync.WaitGroup
	var ready sync.WaitGroup
	ready.Add(concurrency)
	errs := make([]error, concurrency)
	codes := make([]int, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ready.Done()
			ready.Wait()
			req := basicRequest(registry.ClaudeSonnet45)
			w := httptest.NewRecorder()
			errs[i] = p.Handle(context.Background(), req, w, HandleOptions{})
			codes[i] = w.Code
		}(i)
	}

	// Give every goroutine a chance to reach the upstream call (or queue
	// behind the in-flight one) before releasing the single response.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: Handle returned error: %v", i, err)
		}
		if codes[i] != http.StatusOK {
			t.Fatalf("goroutine %d: expected 200, got %d", i, codes[i])
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected exactly one upstream call for concurrent identical requests, got %d", got)
	}
}

func TestHandleStreamsLiveResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunk := cloudcodeproto.CloudCodeResponse{Response: &cloudcodeproto.GenerateContentResponse{
			Candidates: []cloudcodeproto.Candidate{{
				Content:      cloudcodeproto.Content{Role: "model", Parts: []cloudcodeproto.Part{{Text: "streamed"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &cloudcodeproto.UsageMetadata{PromptTokenCount: 2, CandidatesTokenCount: 2},
		}}
		data, _ := json.Marshal(chunk)
		w.Write([]byte("data: "))
		w.Write(data)
		w.Write([]byte("\n\n"))
	}))
	defer upstream.Close()
	tokSrv := tokenServer(t)
	defer tokSrv.Close()

	p, _ := newTestPipeline(t, upstream, tokSrv)
	req := basicRequest(registry.ClaudeSonnet45)
	req.Stream = true

	w := httptest.NewRecorder()
	if err := p.Handle(context.Background(), req, w, HandleOptions{}); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "message_start") || !strings.Contains(body, "message_stop") {
		t.Fatalf("expected a full event sequence, got: %s", body)
	}
}

func TestHandleAggregatesThinkingModelIntoJSON(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunk := cloudcodeproto.CloudCodeResponse{Response: &cloudcodeproto.GenerateContentResponse{
			Candidates: []cloudcodeproto.Candidate{{
				Content:      cloudcodeproto.Content{Role: "model", Parts: []cloudcodeproto.Part{{Text: "thought out loud"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &cloudcodeproto.UsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 4},
		}}
		data, _ := json.Marshal(chunk)
		w.Write([]byte("data: "))
		w.Write(data)
		w.Write([]byte("\n\n"))
	}))
	defer upstream.Close()
	tokSrv := tokenServer(t)
	defer tokSrv.Close()

	p, _ := newTestPipeline(t, upstream, tokSrv)
	req := basicRequest(registry.ClaudeOpus46Thinking)

	w := httptest.NewRecorder()
	if err := p.Handle(context.Background(), req, w, HandleOptions{}); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("expected buffered JSON for a non-streaming thinking-model request, got %q", ct)
	}
	var body anthropicproto.MessagesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Content) != 1 || body.Content[0].Text != "thought out loud" {
		t.Fatalf("unexpected aggregated content: %+v", body.Content)
	}
}

func TestCollectorBuildsToolUseBlock(t *testing.T) {
	col := newCollector(registry.ClaudeSonnet45)
	col.apply(sse.Event{Type: "message_start", MessageStart: &sse.MessageStartPayload{ID: "msg_1", Usage: sse.UsagePayload{InputTokens: 7}}})
	col.apply(sse.Event{Type: "content_block_start", BlockIndex: 0, ContentBlock: &sse.ContentBlockPayload{Type: "tool_use", ID: "toolu_1", Name: "lookup"}})
	col.apply(sse.Event{Type: "content_block_delta", BlockIndex: 0, Delta: &sse.DeltaPayload{Type: "input_json_delta", PartialJSON: `{"q":`}})
	col.apply(sse.Event{Type: "content_block_delta", BlockIndex: 0, Delta: &sse.DeltaPayload{Type: "input_json_delta", PartialJSON: `"x"}`}})
	col.apply(sse.Event{Type: "content_block_stop", BlockIndex: 0})
	col.apply(sse.Event{Type: "message_delta", MessageDelta: &sse.MessageDeltaPayload{StopReason: "tool_use", Usage: sse.UsagePayload{OutputTokens: 3}}})

	resp := col.response()
	if len(resp.Content) != 1 {
		t.Fatalf("expected one block, got %d", len(resp.Content))
	}
	block := resp.Content[0]
	if block.Type != anthropicproto.BlockToolUse || block.ID != "toolu_1" || block.Name != "lookup" {
		t.Fatalf("unexpected tool_use block: %+v", block)
	}
	if string(block.Input) != `{"q":"x"}` {
		t.Fatalf("unexpected assembled input: %s", block.Input)
	}
	if resp.StopReason != "tool_use" || resp.Usage.OutputTokens != 3 {
		t.Fatalf("unexpected trailer state: %+v", resp)
	}
}
