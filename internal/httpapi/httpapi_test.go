package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gateway/internal/accounts"
	"gateway/internal/cache"
	"gateway/internal/cloudcode"
	"gateway/internal/cloudcodeproto"
	"gateway/internal/config"
	"gateway/internal/metrics"
	"gateway/internal/oauth"
	"gateway/internal/pipeline"
	"gateway/internal/registry"
	"gateway/internal/translate"
)

func newTestHandler(t *testing.T, upstream *httptest.Server) *Handler {
	t.Helper()
	tokSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	}))
	t.Cleanup(tokSrv.Close)

	oauthClient := oauth.NewClient("client-id", "client-secret", nil)
	oauthClient.TokenURL = tokSrv.URL
	cloudCfg := config.CloudCodeConfig{Endpoints: []string{upstream.URL}, TimeoutSecs: 5, MaxRetries: 1}
	accCfg := config.AccountsConfig{MaxConcurrentPerAccount: 2}
	client := cloudcode.New(cloudCfg, accCfg, oauthClient)

	acct := accounts.NewAccount("acct-1", "user@example.com", "refresh-token", "proj-1")
	if _, err := acct.AccessToken(context.Background(), oauthClient); err != nil {
		t.Fatalf("priming access token: %v", err)
	}
	sched := accounts.NewScheduler(accounts.StrategySticky, 0.1)
	sched.AddAccount(acct)
	sched.SetActiveAccountID(acct.ID)

	p := &pipeline.Pipeline{
		Scheduler:  sched,
		Translator: translate.New(),
		Client:     client,
		Cache:      cache.New(64, time.Minute, true),
		Metrics:    metrics.New(),
	}
	return NewHandler(p, nil, nil)
}

func TestCreateMessageWritesAnthropicResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := cloudcodeproto.CloudCodeResponse{Response: &cloudcodeproto.GenerateContentResponse{
			Candidates: []cloudcodeproto.Candidate{{
				Content:      cloudcodeproto.Content{Role: "model", Parts: []cloudcodeproto.Part{{Text: "hi there"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &cloudcodeproto.UsageMetadata{PromptTokenCount: 4, CandidatesTokenCount: 2},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream)
	body := `{"model":"` + registry.ClaudeSonnet45 + `","max_tokens":128,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.createMessage(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a generated X-Request-Id header")
	}
	var decoded map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded["type"] != "message" {
		t.Fatalf("unexpected response shape: %#v", decoded)
	}
}

func TestCreateMessageRejectsInvalidJSON(t *testing.T) {
	h := &Handler{Pipeline: &pipeline.Pipeline{}}
	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader("not json"))
	w := httptest.NewRecorder()

	h.createMessage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var decoded apiErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if decoded.Error.Type != "invalid_request_error" {
		t.Fatalf("unexpected error type: %+v", decoded)
	}
}

func TestCreateMessagePropagatesPipelineError(t *testing.T) {
	h := &Handler{Pipeline: &pipeline.Pipeline{}}
	body := `{"model":"not-a-real-model","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.createMessage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestListModelsReturnsRegistry(t *testing.T) {
	h := &Handler{}
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	w := httptest.NewRecorder()

	h.listModels(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var decoded struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(decoded.Data) != len(registry.All()) {
		t.Fatalf("expected %d models, got %d", len(registry.All()), len(decoded.Data))
	}
}

func TestStatsWithoutStoreReturns501(t *testing.T) {
	h := &Handler{}
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()

	h.Stats(w, req)

	if w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", w.Code)
	}
}
