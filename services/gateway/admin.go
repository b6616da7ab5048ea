package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/accounts"
)

type importRequest struct {
	// e.g. "username:password:email:emailPassword:authToken:twoFactorSecret",
	// with ANY as a throwaway field
	Format string `json:"format"`
	// newline-separated records
	Accounts string `json:"accounts"`
}

func (s *Service) handleImportAccounts(w http.ResponseWriter, r *http.Request) {
	var body importRequest
	err := json.NewDecoder(r.Body).Decode(&body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if body.Format == "" {
		body.Format = "username:password:email:emailPassword:authToken:twoFactorSecret"
	}

	format, err := accounts.ParseFormat(body.Format)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	records, err := format.Parse(body.Accounts)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	added, err := s.accounts.Add(records)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.InfoContext(r.Context(), "imported accounts", "parsed", len(records), "added", added)

	// fold fresh credentials into the warm pool
	s.pool.Replenish()

	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("imported %d account(s)", added),
		"count":   added,
	})
}

// handleForceLogin kicks off a pool rotation: a background warm-up that
// picks up accounts which are not yet logged in.
func (s *Service) handleForceLogin(w http.ResponseWriter, r *http.Request) {
	s.pool.Replenish()
	writeJSON(w, http.StatusOK, map[string]any{"message": "login started"})
}

// handleResetAccounts clears every failure flag and rebuilds the pool from
// scratch.
func (s *Service) handleResetAccounts(w http.ResponseWriter, r *http.Request) {
	err := s.pool.ResetFailed(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "accounts reset",
		"active":  s.pool.ActiveCount(),
	})
}

type poolAccountStatus struct {
	Username         string             `json:"username"`
	TokenState       accounts.TokenState `json:"token_state"`
	FailedLogin      bool               `json:"failed_login"`
	Active           bool               `json:"active"`
	LastUsed         int64              `json:"last_used,omitempty"`
	LastFailedAt     int64              `json:"last_failed_at,omitempty"`
	RateLimitedUntil int64              `json:"rate_limited_until,omitempty"`
	HasProxy         bool               `json:"has_proxy"`
}

func (s *Service) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	active := map[string]bool{}
	for _, username := range s.pool.ActiveUsernames() {
		active[username] = true
	}

	var out []poolAccountStatus
	for _, acct := range s.accounts.Snapshot() {
		out = append(out, poolAccountStatus{
			Username:         acct.Username,
			TokenState:       acct.TokenState,
			FailedLogin:      acct.FailedLogin,
			Active:           active[acct.Username],
			LastUsed:         acct.LastUsed,
			LastFailedAt:     acct.LastFailedAt,
			RateLimitedUntil: acct.RateLimitedUntil,
			HasProxy:         acct.AssignedProxy != "",
		})
	}
	if out == nil {
		out = []poolAccountStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":   s.pool.ActiveCount(),
		"accounts": out,
	})
}
