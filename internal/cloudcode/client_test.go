package cloudcode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"gateway/internal/accounts"
	"gateway/internal/cloudcodeproto"
	"gateway/internal/config"
	"gateway/internal/oauth"
	"gateway/internal/registry"
)

func testAccount() *accounts.Account {
	a := accounts.NewAccount("acct-1", "user@example.com", "refresh-token", "proj-1")
	return a
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	cfg := config.CloudCodeConfig{Endpoints: []string{endpoint}, TimeoutSecs: 5, MaxRetries: 2}
	accCfg := config.AccountsConfig{MaxConcurrentPerAccount: 2, MinRequestIntervalMs: 0}
	return New(cfg, accCfg, oauth.NewClient("client-id", "client-secret", nil))
}

func primeAccessToken(t *testing.T, a *accounts.Account, tokenServer *httptest.Server) {
	t.Helper()
	client := oauth.NewClient("id", "secret", nil)
	client.TokenURL = tokenServer.URL
	if _, err := a.AccessToken(context.Background(), client); err != nil {
		t.Fatalf("priming access token: %v", err)
	}
}

func TestUseStreamingPath(t *testing.T) {
	if !UseStreamingPath(registry.ClaudeSonnet45, true) {
		t.Fatal("explicit streaming should always use the streaming path")
	}
	if !UseStreamingPath(registry.ClaudeOpus46Thinking, false) {
		t.Fatal("thinking models should always use the streaming path")
	}
	if !UseStreamingPath(registry.Gemini3Flash, false) {
		t.Fatal("gemini 3+ models should always use the streaming path")
	}
	if UseStreamingPath(registry.ClaudeSonnet45, false) {
		t.Fatal("non-thinking non-streaming requests should use generateContent")
	}
}

func TestSendSuccess(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	}))
	defer tokenSrv.Close()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := cloudcodeproto.CloudCodeResponse{Response: &cloudcodeproto.GenerateContentResponse{
			Candidates: []cloudcodeproto.Candidate{{
				Content:      cloudcodeproto.Content{Role: "model", Parts: []cloudcodeproto.Part{{Text: "hi"}}},
				FinishReason: "STOP",
			}},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer upstream.Close()

	account := testAccount()
	primeAccessToken(t, account, tokenSrv)

	client := newTestClient(t, upstream.URL)
	resp, err := client.Send(context.Background(), account, registry.ClaudeSonnet45, &cloudcodeproto.GenerateContentRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Candidates) != 1 || resp.Candidates[0].Content.Parts[0].Text != "hi" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSendMapsInvalidRequestWithoutFailover(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	}))
	defer tokenSrv.Close()

	var hits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"bad request"}`))
	}))
	defer upstream.Close()

	account := testAccount()
	primeAccessToken(t, account, tokenSrv)

	cfg := config.CloudCodeConfig{Endpoints: []string{upstream.URL, upstream.URL}, TimeoutSecs: 5, MaxRetries: 1}
	accCfg := config.AccountsConfig{MaxConcurrentPerAccount: 2}
	client := New(cfg, accCfg, oauth.NewClient("id", "secret", nil))

	_, err := client.Send(context.Background(), account, registry.ClaudeSonnet45, &cloudcodeproto.GenerateContentRequest{})
	if err == nil {
		t.Fatal("expected an error")
	}
	ce, ok := err.(*Error)
	if !ok || ce.Kind != ErrKindInvalidRequest {
		t.Fatalf("expected ErrKindInvalidRequest, got %#v", err)
	}
	if hits != 1 {
		t.Fatalf("expected no failover to second endpoint, got %d hits", hits)
	}
}

func TestSendFailsOverToSecondEndpoint(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	}))
	defer tokenSrv.Close()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"not found"}`))
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := cloudcodeproto.CloudCodeResponse{Response: &cloudcodeproto.GenerateContentResponse{
			Candidates: []cloudcodeproto.Candidate{{Content: cloudcodeproto.Content{Role: "model", Parts: []cloudcodeproto.Part{{Text: "ok"}}}}},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer good.Close()

	account := testAccount()
	primeAccessToken(t, account, tokenSrv)

	cfg := config.CloudCodeConfig{Endpoints: []string{bad.URL, good.URL}, TimeoutSecs: 5, MaxRetries: 1}
	accCfg := config.AccountsConfig{MaxConcurrentPerAccount: 2}
	client := New(cfg, accCfg, oauth.NewClient("id", "secret", nil))

	resp, err := client.Send(context.Background(), account, registry.ClaudeSonnet45, &cloudcodeproto.GenerateContentRequest{})
	if err != nil {
		t.Fatalf("expected failover to succeed, got error: %v", err)
	}
	if resp.Candidates[0].Content.Parts[0].Text != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestStreamReturnsLiveBody(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	}))
	defer tokenSrv.Close()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstream.Close()

	account := testAccount()
	primeAccessToken(t, account, tokenSrv)

	client := newTestClient(t, upstream.URL)
	body, err := client.Stream(context.Background(), account, registry.Gemini3Flash, &cloudcodeproto.GenerateContentRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer body.Close()

	buf := make([]byte, 64)
	n, _ := body.Read(buf)
	if string(buf[:n]) != "data: [DONE]\n\n" {
		t.Fatalf("unexpected stream body: %q", buf[:n])
	}
}
