// Package gateway is the downstream REST ingress: bearer-authenticated
// scraping endpoints in front of the account pool, plus the operator
// surface.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/accounts"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/api"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/pagination"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/pool"
	"github.com/catdevnull/docialsata/lib/tokenstore"
)

type Service struct {
	api           *api.Client
	pool          *pool.Pool
	auth          *pool.Authenticator
	tokens        *tokenstore.Store
	accounts      *accounts.Store
	adminPassword string
}

type Options struct {
	API           *api.Client
	Pool          *pool.Pool
	Authenticator *pool.Authenticator
	Tokens        *tokenstore.Store
	Accounts      *accounts.Store
	AdminPassword string
}

func NewService(opts Options) *Service {
	return &Service{
		api:           opts.API,
		pool:          opts.Pool,
		auth:          opts.Authenticator,
		tokens:        opts.Tokens,
		accounts:      opts.Accounts,
		adminPassword: opts.AdminPassword,
	}
}

func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/api/tweets/{id}", s.handleTweet)
		r.Get("/api/users/{handle}", s.handleProfile)
		r.Get("/api/users/{idOrHandle}/tweets-and-replies", s.handleTweetsAndReplies)
		r.Get("/api/users/{idOrHandle}/following", s.handleFollowing)
		r.Get("/api/users/{idOrHandle}/followers", s.handleFollowers)
		r.Get("/api/users/{idOrHandle}/all-tweets", s.handleAllTweets)
		r.Get("/api/search/people/{query}", s.handleSearchPeople)
		r.Get("/api/search/tweets/{query}", s.handleSearchTweets)
		r.Get("/api/communities/{id}/members", s.handleCommunityMembers)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)

		r.Post("/api/accounts/import", s.handleImportAccounts)
		r.Post("/api/accounts/login", s.handleForceLogin)
		r.Post("/api/accounts/reset", s.handleResetAccounts)
		r.Get("/api/pool", s.handlePoolStatus)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		slog.Warn("failed to encode response", "err", err)
	}
}

// writeError maps core errors onto the downstream status taxonomy.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var exhausted *pool.ExhaustedAccountsError
	var parseErr *api.ParseError

	switch {
	case errors.Is(err, api.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	case errors.Is(err, api.ErrInvalidHandle):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid handle"})
	case errors.As(err, &exhausted):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":    "no account could serve the request",
			"url":      exhausted.URL,
			"attempts": exhausted.Attempts,
		})
	case errors.As(err, &parseErr):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "unusable upstream response"})
	default:
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

// untilParam bounds a listing; defaults to the standard listing size.
func untilParam(r *http.Request) int {
	raw := r.URL.Query().Get("until")
	if raw == "" {
		return api.DefaultListingItems
	}
	until, err := strconv.Atoi(raw)
	if err != nil || until < 1 {
		return api.DefaultListingItems
	}
	return until
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"logged_in": s.auth.IsLoggedIn(),
	})
}

func (s *Service) handleTweet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	useAccount := r.URL.Query().Get("use_account") == "true"
	fetchedWith := "guest"
	if useAccount || !s.api.HasGuest() {
		fetchedWith = "account"
	}
	metadata := map[string]any{"tweetId": id, "fetchedWith": fetchedWith}

	tweet, err := s.api.Tweet(r.Context(), id, useAccount)
	if errors.Is(err, api.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "tweet not found", "metadata": metadata})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tweet": tweet, "metadata": metadata})
}

func (s *Service) handleProfile(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	if !strings.HasPrefix(handle, "@") {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "handle must start with @"})
		return
	}
	profile, err := s.api.Profile(r.Context(), strings.TrimPrefix(handle, "@"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profile": profile})
}

func (s *Service) resolveUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := s.api.ResolveUserID(r.Context(), chi.URLParam(r, "idOrHandle"))
	if err != nil {
		writeError(w, r, err)
		return "", false
	}
	return userID, true
}

func collectTweets(w http.ResponseWriter, r *http.Request, stream *pagination.Stream[api.Tweet]) {
	tweets, err := stream.Collect(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tweets == nil {
		tweets = []api.Tweet{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tweets": tweets})
}

func collectProfiles(w http.ResponseWriter, r *http.Request, stream *pagination.Stream[api.Profile]) {
	profiles, err := stream.Collect(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if profiles == nil {
		profiles = []api.Profile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (s *Service) handleTweetsAndReplies(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	collectTweets(w, r, s.api.TweetsAndReplies(userID, untilParam(r)))
}

func (s *Service) handleFollowing(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	collectProfiles(w, r, s.api.Following(userID, untilParam(r)))
}

func (s *Service) handleFollowers(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	collectProfiles(w, r, s.api.Followers(userID, untilParam(r)))
}

// handleAllTweets walks the user's entire history. With
// `Accept: application/jsonl` tweets stream out one object per line as
// they arrive; otherwise they are buffered into a single JSON response.
func (s *Service) handleAllTweets(w http.ResponseWriter, r *http.Request) {
	idOrHandle := chi.URLParam(r, "idOrHandle")
	screenName := strings.TrimPrefix(idOrHandle, "@")
	if allDigitsParam(idOrHandle) {
		// history search runs on screen name; look the id up first
		profile, err := s.api.ProfileByID(r.Context(), idOrHandle)
		if err != nil {
			writeError(w, r, err)
			return
		}
		screenName = profile.ScreenName
	} else if !strings.HasPrefix(idOrHandle, "@") {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid handle"})
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/jsonl") {
		w.Header().Set("Content-Type", "application/jsonl")
		flusher, _ := w.(http.Flusher)
		encoder := json.NewEncoder(w)
		err := s.api.AllTweetsEver(r.Context(), screenName, func(tweet api.Tweet) error {
			err := encoder.Encode(tweet)
			if err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		})
		if err != nil {
			// headers are gone; the truncated stream is the signal
			slog.WarnContext(r.Context(), "history stream aborted", "err", err)
		}
		return
	}

	var tweets []api.Tweet
	err := s.api.AllTweetsEver(r.Context(), screenName, func(tweet api.Tweet) error {
		tweets = append(tweets, tweet)
		return nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tweets == nil {
		tweets = []api.Tweet{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tweets": tweets})
}

func allDigitsParam(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (s *Service) handleSearchPeople(w http.ResponseWriter, r *http.Request) {
	collectProfiles(w, r, s.api.SearchPeople(chi.URLParam(r, "query"), untilParam(r)))
}

func (s *Service) handleSearchTweets(w http.ResponseWriter, r *http.Request) {
	collectTweets(w, r, s.api.SearchTweets(chi.URLParam(r, "query"), api.SearchTop, untilParam(r)))
}

func (s *Service) handleCommunityMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.api.CommunityMembers(chi.URLParam(r, "id"), untilParam(r)).Collect(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if members == nil {
		members = []api.Profile{}
	}
	writeJSON(w, http.StatusOK, members)
}
