package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// default rate-limit window when the upstream omits the reset header
const defaultRateLimitWindow = time.Minute * 5

// error text the upstream buries in 200-status bodies of dead accounts
const deniedByAccessControl = "Authorization: Denied by access control"

// ExhaustedAccountsError is returned when every warm session failed to
// serve a request.
type ExhaustedAccountsError struct {
	URL      string
	Attempts int
}

func (e *ExhaustedAccountsError) Error() string {
	return fmt.Sprintf("exhausted %d account(s) requesting %s", e.Attempts, e.URL)
}

// Authenticator wraps the pool as a single upstream transport: it picks a
// session per request, installs its headers, interprets the response and
// retries on other sessions when the account — not the request — is at
// fault.
type Authenticator struct {
	pool *Pool
}

func NewAuthenticator(p *Pool) *Authenticator {
	return &Authenticator{pool: p}
}

// IsLoggedIn reports whether the warm pool currently has a usable session.
func (a *Authenticator) IsLoggedIn() bool {
	return a.pool.ActiveCount() > 0
}

// Pool exposes the underlying pool for feedback surfaces.
func (a *Authenticator) Pool() *Pool {
	return a.pool
}

// Get issues an authenticated GET.
func (a *Authenticator) Get(ctx context.Context, rawURL string) (*resty.Response, error) {
	return a.Do(ctx, "GET", rawURL)
}

// Do issues a request, rotating across sessions until one succeeds or
// every warm account has been tried.
func (a *Authenticator) Do(ctx context.Context, method, rawURL string) (*resty.Response, error) {
	ctx, span := tracer.Start(ctx, "authenticator:Do")
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", rawURL),
	)

	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	maxRetries := a.pool.ActiveCount()
	if maxRetries < 1 {
		maxRetries = 1
	}
	tried := map[string]bool{}

	for len(tried) < maxRetries {
		sess, err := a.pool.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			span.SetStatus(codes.Error, err.Error())
			break
		}
		if tried[sess.Username] {
			// round-robin brought us back around: every usable
			// session has been tried
			break
		}
		tried[sess.Username] = true

		req := sess.Http.R().SetContext(ctx)
		sess.InstallHeaders(req, target)
		res, err := req.Execute(method, rawURL)
		if err != nil {
			if ctx.Err() != nil {
				// cancellation is not the account's fault
				return nil, ctx.Err()
			}
			slog.WarnContext(ctx, "upstream request failed, rotating",
				"username", sess.Username, "url", rawURL, "err", err)
			a.markFailed(ctx, sess.Username)
			continue
		}

		status := res.StatusCode()
		switch {
		case status >= 200 && status < 300:
			if bodySignalsDeadAccount(res.Body()) {
				slog.WarnContext(ctx, "account denied by access control, rotating",
					"username", sess.Username)
				a.markFailed(ctx, sess.Username)
				continue
			}
			return res, nil

		case status == 429:
			until := rateLimitResetMs(res, time.Now())
			slog.InfoContext(ctx, "account rate limited, rotating",
				"username", sess.Username, "until", until)
			err := a.pool.MarkRateLimited(sess.Username, until)
			if err != nil {
				slog.ErrorContext(ctx, "failed to record rate limit", "err", err)
			}
			continue

		case status == 401 || status == 403:
			slog.WarnContext(ctx, "account rejected by upstream, rotating",
				"username", sess.Username, "status", status)
			a.markFailed(ctx, sess.Username)
			continue

		default:
			slog.WarnContext(ctx, "unexpected upstream status, rotating",
				"username", sess.Username, "status", status, "url", rawURL)
			continue
		}
	}

	exhausted := &ExhaustedAccountsError{URL: rawURL, Attempts: len(tried)}
	span.SetStatus(codes.Error, exhausted.Error())
	return nil, exhausted
}

func (a *Authenticator) markFailed(ctx context.Context, username string) {
	err := a.pool.MarkFailed(username)
	if err != nil {
		slog.ErrorContext(ctx, "failed to disqualify account", "username", username, "err", err)
	}
}

// rateLimitResetMs reads x-rate-limit-reset (epoch seconds), defaulting to
// five minutes out.
func rateLimitResetMs(res *resty.Response, now time.Time) int64 {
	header := res.Header().Get("x-rate-limit-reset")
	if header != "" {
		epoch, err := strconv.ParseInt(header, 10, 64)
		if err == nil && epoch > 0 {
			return epoch * 1000
		}
	}
	return now.Add(defaultRateLimitWindow).UnixMilli()
}

func bodySignalsDeadAccount(body []byte) bool {
	if len(body) == 0 || !strings.Contains(string(body), deniedByAccessControl) {
		return false
	}
	var payload struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	err := json.Unmarshal(body, &payload)
	if err != nil || len(payload.Errors) == 0 {
		return false
	}
	return strings.Contains(payload.Errors[0].Message, deniedByAccessControl)
}
