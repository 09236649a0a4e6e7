package accounts

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	gwcrypto "gateway/internal/crypto"
)

// persistedAccount is the on-disk JSON shape. The refresh token is stored
// encrypted at rest when a cipher is configured.
type persistedAccount struct {
	ID                          string             `json:"id"`
	Email                       string             `json:"email"`
	ProjectID                   string             `json:"project_id"`
	Enabled                     bool               `json:"enabled"`
	SubscriptionTier            string             `json:"subscription_tier"`
	RefreshToken                string             `json:"refresh_token"`
	RefreshTokenEncrypted       bool               `json:"refresh_token_encrypted,omitempty"`
	QuotaThresholdOverride      *float64           `json:"quota_threshold,omitempty"`
	ModelQuotaThresholdOverride map[string]float64 `json:"model_quota_thresholds,omitempty"`
}

type persistedState struct {
	Accounts       []persistedAccount `json:"accounts"`
	ActiveAccountID string            `json:"active_account_id,omitempty"`
	Strategy       string             `json:"strategy,omitempty"`
}

// Store owns the account pool, its selection strategy, and JSON
// persistence with at-rest encryption of refresh tokens.
type Store struct {
	path   string
	cipher *gwcrypto.AESGCM

	scheduler *Scheduler
}

func NewStore(path string, cipher *gwcrypto.AESGCM, strategy SelectionStrategy, quotaThreshold float64) *Store {
	return &Store{
		path:      path,
		cipher:    cipher,
		scheduler: NewScheduler(strategy, quotaThreshold),
	}
}

func (s *Store) Scheduler() *Scheduler { return s.scheduler }

// Load reads accounts.json (or whatever path this store was configured
// with), decrypting refresh tokens as needed. A missing file is not an
// error — the store simply starts empty.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read accounts state %s: %w", s.path, err)
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse accounts state %s: %w", s.path, err)
	}
	accts := make([]*Account, 0, len(state.Accounts))
	for _, pa := range state.Accounts {
		refreshToken := pa.RefreshToken
		if pa.RefreshTokenEncrypted && s.cipher != nil {
			dec, err := s.cipher.DecryptFromBase64(refreshToken)
			if err != nil {
				return fmt.Errorf("decrypt refresh token for account %s: %w", pa.ID, err)
			}
			refreshToken = dec
		}
		acc := NewAccount(pa.ID, pa.Email, refreshToken, pa.ProjectID)
		acc.Enabled = pa.Enabled
		acc.SubscriptionTier = pa.SubscriptionTier
		acc.QuotaThresholdOverride = pa.QuotaThresholdOverride
		acc.ModelQuotaThresholdOverride = pa.ModelQuotaThresholdOverride
		accts = append(accts, acc)
	}
	s.scheduler.SetAccounts(accts)
	if state.ActiveAccountID != "" {
		s.scheduler.SetActiveAccountID(state.ActiveAccountID)
	}
	return nil
}

// Save serializes the current account pool back to disk, encrypting
// refresh tokens when a cipher is configured.
func (s *Store) Save() error {
	accts := s.scheduler.Accounts()
	state := persistedState{
		Accounts:        make([]persistedAccount, 0, len(accts)),
		ActiveAccountID: s.scheduler.ActiveAccountID(),
		Strategy:        string(s.scheduler.Strategy()),
	}
	for _, acc := range accts {
		refreshToken := acc.RefreshToken()
		encrypted := false
		if s.cipher != nil {
			enc, err := s.cipher.EncryptToBase64(refreshToken)
			if err != nil {
				return fmt.Errorf("encrypt refresh token for account %s: %w", acc.ID, err)
			}
			refreshToken = enc
			encrypted = true
		}
		state.Accounts = append(state.Accounts, persistedAccount{
			ID:                          acc.ID,
			Email:                       acc.Email,
			ProjectID:                   acc.ProjectID,
			Enabled:                     acc.Enabled,
			SubscriptionTier:            acc.SubscriptionTier,
			RefreshToken:                refreshToken,
			RefreshTokenEncrypted:       encrypted,
			QuotaThresholdOverride:      acc.QuotaThresholdOverride,
			ModelQuotaThresholdOverride: acc.ModelQuotaThresholdOverride,
		})
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// AddAccount appends a new account and immediately persists.
func (s *Store) AddAccount(acc *Account) error {
	s.scheduler.AddAccount(acc)
	return s.Save()
}

// RemoveAccount drops an account by id and persists.
func (s *Store) RemoveAccount(id string) error {
	s.scheduler.RemoveAccount(id)
	return s.Save()
}

// RefillLoop periodically refills every account's burst token bucket
// until stop is closed. Call in its own goroutine.
func (s *Store) RefillLoop(stop <-chan struct{}, every time.Duration, amount float64) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, acc := range s.scheduler.Accounts() {
				acc.RefillTokens(amount)
			}
		}
	}
}
