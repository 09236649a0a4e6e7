// Package oauth exchanges a Google OAuth2 refresh token for a fresh access
// token over plain net/http, the way every OAuth-touching example in this
// corpus does it rather than depending on a dedicated client library.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTokenURL = "https://oauth2.googleapis.com/token"

// Tokens is the result of a refresh exchange.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Client refreshes access tokens against Google's OAuth2 token endpoint.
type Client struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

func NewClient(clientID, clientSecret string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		TokenURL:     defaultTokenURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTPClient:   httpClient,
	}
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		Error       string `json:"error"`
		ErrorDesc   string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if body.Error != "" {
			return nil, fmt.Errorf("token refresh failed: %s (%s) status=%s",
				body.Error, body.ErrorDesc, strconv.Itoa(resp.StatusCode))
		}
		return nil, fmt.Errorf("token refresh failed: status=%d", resp.StatusCode)
	}
	if body.AccessToken == "" {
		return nil, fmt.Errorf("token refresh returned empty access token")
	}
	return &Tokens{
		AccessToken: body.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}
