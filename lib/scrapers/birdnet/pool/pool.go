// Package pool maintains a set of warm, logged-in upstream sessions and
// rotates outbound requests across them.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mazen160/go-random"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/accounts"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/login"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/session"
)

var tracer = otel.Tracer("scrapers/birdnet/pool")

var ErrPoolEmpty = fmt.Errorf("account pool is empty")

const DefaultSize = 5

// backoff after the upstream's anti-bot wall before trying the next account
const arkoseBackoff = time.Second * 5

// Loginer is the slice of the login flow the pool depends on.
type Loginer interface {
	Login(ctx context.Context, sess *session.Session, cred accounts.Credential) error
	LoginWithToken(ctx context.Context, sess *session.Session, cred accounts.Credential) error
}

type Options struct {
	// target number of warm sessions, defaults to DefaultSize
	Size  int
	Store *accounts.Store
	Login Loginer

	// session construction knobs
	BaseURL string
	HomeURL string
	Timeout time.Duration

	// proxy URIs picked from at random; every entry is used as given
	// (ProxiesFromEnv drops blank and # comment lines of PROXY_LIST)
	ProxyList []string
	// single fallback proxy
	ProxyURI string

	// overridden in tests
	Sleep func(time.Duration)
}

// ProxiesFromEnv reads PROXY_LIST / PROXY_URI into Options fields.
func ProxiesFromEnv() (list []string, single string) {
	raw := os.Getenv("PROXY_LIST")
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		list = append(list, line)
	}
	return list, os.Getenv("PROXY_URI")
}

type initRun struct {
	done chan struct{}
	err  error
}

type Pool struct {
	opts Options

	mu     sync.Mutex
	active []*session.Session
	rr     int
	warmed bool
	init   *initRun
}

func New(opts Options) *Pool {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &Pool{opts: opts}
}

// EnsureInitialized blocks until the first warm-up completes. It is
// idempotent; concurrent callers coalesce onto a single in-flight run.
func (p *Pool) EnsureInitialized(ctx context.Context) error {
	p.mu.Lock()
	if p.warmed && (len(p.active) > 0 || p.init == nil) {
		p.mu.Unlock()
		return nil
	}
	run := p.beginInitLocked()
	p.mu.Unlock()

	select {
	case <-run.done:
		return run.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Replenish launches a background warm-up. Concurrent requests coalesce
// into the existing run.
func (p *Pool) Replenish() {
	p.mu.Lock()
	p.beginInitLocked()
	p.mu.Unlock()
}

func (p *Pool) beginInitLocked() *initRun {
	if p.init != nil {
		return p.init
	}
	run := &initRun{done: make(chan struct{})}
	p.init = run
	go func() {
		// replenishment is never cancelled by downstream requests
		run.err = p.warmUp(context.Background())
		p.mu.Lock()
		p.warmed = true
		if p.init == run {
			p.init = nil
		}
		p.mu.Unlock()
		close(run.done)
	}()
	return run
}

func (p *Pool) hasActive(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sess := range p.active {
		if sess.Username == username {
			return true
		}
	}
	return false
}

// ActiveCount reports the number of warm sessions.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// ActiveUsernames lists the warm sessions for operator surfaces.
func (p *Pool) ActiveUsernames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.active))
	for i, sess := range p.active {
		out[i] = sess.Username
	}
	return out
}

func (p *Pool) warmUp(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "pool:warmUp")
	defer span.End()

	candidates := p.candidates()
	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	for _, acct := range candidates {
		if p.ActiveCount() >= p.opts.Size {
			break
		}
		if p.hasActive(acct.Username) {
			continue
		}

		err := p.warmOne(ctx, acct)
		if err != nil {
			slog.WarnContext(ctx, "failed to warm account", "username", acct.Username, "err", err)
			markErr := p.opts.Store.Update(acct.Username, func(a *accounts.Account) {
				a.FailedLogin = true
				a.TokenState = accounts.TokenStateFailed
				a.LastFailedAt = time.Now().UnixMilli()
			})
			if markErr != nil {
				slog.ErrorContext(ctx, "failed to record login failure", "username", acct.Username, "err", markErr)
			}
			if login.IsArkose(err) {
				p.opts.Sleep(arkoseBackoff)
			}
		}
	}

	if p.ActiveCount() == 0 {
		span.SetStatus(codes.Error, "no account could be warmed")
		slog.WarnContext(ctx, "pool warm-up produced no usable session", "candidates", len(candidates))
	}
	return nil
}

// candidates selects non-failed accounts, preferring never-used ones.
func (p *Pool) candidates() []accounts.Account {
	all := p.opts.Store.Snapshot()
	eligible := make([]accounts.Account, 0, len(all))
	for _, acct := range all {
		if acct.FailedLogin {
			continue
		}
		eligible = append(eligible, acct)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].LastUsed < eligible[j].LastUsed
	})
	return eligible
}

func (p *Pool) warmOne(ctx context.Context, acct accounts.Account) error {
	ctx, span := tracer.Start(ctx, "pool:warmOne")
	defer span.End()
	span.SetAttributes(attribute.String("username", acct.Username))

	proxy := acct.AssignedProxy
	if proxy == "" {
		proxy = p.pickProxy()
		if proxy != "" {
			err := p.opts.Store.Update(acct.Username, func(a *accounts.Account) {
				a.AssignedProxy = proxy
			})
			if err != nil {
				return err
			}
		}
	}

	sess, err := session.New(session.Options{
		Username: acct.Username,
		BaseURL:  p.opts.BaseURL,
		HomeURL:  p.opts.HomeURL,
		Proxy:    proxy,
		Timeout:  p.opts.Timeout,
	})
	if err != nil {
		return err
	}

	loggedIn := false
	if acct.AuthToken != "" {
		err = p.opts.Login.LoginWithToken(ctx, sess, acct.Credential)
		if err == nil {
			loggedIn = true
		} else {
			slog.DebugContext(ctx, "seeded token rejected, falling back to interactive login",
				"username", acct.Username, "err", err)
			err = p.opts.Store.Update(acct.Username, func(a *accounts.Account) {
				a.AuthToken = ""
			})
			if err != nil {
				return err
			}
			acct.AuthToken = ""
		}
	}
	if !loggedIn {
		err = p.opts.Login.Login(ctx, sess, acct.Credential)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "login failed")
			return err
		}
	}

	err = p.opts.Store.Update(acct.Username, func(a *accounts.Account) {
		if token := sess.AuthToken(); token != "" {
			a.AuthToken = token
		}
		a.TokenState = accounts.TokenStateWorking
		a.FailedLogin = false
		a.LastUsed = time.Now().UnixMilli()
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.active = append(p.active, sess)
	p.mu.Unlock()
	slog.InfoContext(ctx, "warmed session", "username", acct.Username, "proxy", proxy != "")
	return nil
}

func (p *Pool) pickProxy() string {
	if len(p.opts.ProxyList) > 0 {
		idx, err := random.IntRange(0, len(p.opts.ProxyList))
		if err != nil {
			idx = 0
		}
		return p.opts.ProxyList[idx]
	}
	return p.opts.ProxyURI
}

// Next dispatches a warm session round-robin, skipping accounts whose
// rate-limit window is still open. A window that has just passed is
// cleared. Returns ErrPoolEmpty after a full revolution finds nothing.
func (p *Pool) Next(ctx context.Context) (*session.Session, error) {
	err := p.EnsureInitialized(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	var chosen *session.Session
	expiredLimit := false

	p.mu.Lock()
	n := len(p.active)
	for i := 0; i < n; i++ {
		idx := (p.rr + i) % n
		sess := p.active[idx]
		acct, ok := p.opts.Store.Get(sess.Username)
		if !ok {
			continue
		}
		if acct.RateLimitedUntil != 0 && acct.RateLimitedUntil > now {
			continue
		}
		chosen = sess
		expiredLimit = acct.RateLimitedUntil != 0
		p.rr = (idx + 1) % n
		break
	}
	p.mu.Unlock()

	if chosen == nil {
		return nil, ErrPoolEmpty
	}

	// bookkeeping writes happen outside the pool lock
	err = p.opts.Store.Update(chosen.Username, func(a *accounts.Account) {
		if expiredLimit {
			a.RateLimitedUntil = 0
		}
		a.LastUsed = now
	})
	if err != nil {
		return nil, err
	}
	return chosen, nil
}

// MarkRateLimited records the rate-limit window for an account. The warm
// session is retained and merely skipped until the window passes. A zero
// `untilMs` clears the window.
func (p *Pool) MarkRateLimited(username string, untilMs int64) error {
	return p.opts.Store.Update(username, func(a *accounts.Account) {
		a.RateLimitedUntil = untilMs
	})
}

// MarkFailed disqualifies an account: its session is dropped and a
// background replenishment is kicked off.
func (p *Pool) MarkFailed(username string) error {
	err := p.opts.Store.Update(username, func(a *accounts.Account) {
		a.FailedLogin = true
		a.TokenState = accounts.TokenStateFailed
		a.LastFailedAt = time.Now().UnixMilli()
	})
	if err != nil {
		return err
	}
	p.dropActive(username)
	p.Replenish()
	return nil
}

// Delete removes an account from both the store and the warm pool.
func (p *Pool) Delete(username string) (bool, error) {
	removed, err := p.opts.Store.Delete(username)
	if err != nil {
		return false, err
	}
	p.dropActive(username)
	p.Replenish()
	return removed, nil
}

func (p *Pool) dropActive(username string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.active[:0]
	for _, sess := range p.active {
		if sess.Username != username {
			kept = append(kept, sess)
		}
	}
	p.active = kept
	if len(kept) > 0 {
		p.rr = p.rr % len(kept)
	} else {
		p.rr = 0
	}
}

// ResetFailed clears every account's failure state, reassigns proxies when
// a list is configured, and rebuilds the whole pool.
func (p *Pool) ResetFailed(ctx context.Context) error {
	err := p.opts.Store.UpdateAll(func(a *accounts.Account) {
		a.FailedLogin = false
		a.TokenState = accounts.TokenStateUnknown
		a.RateLimitedUntil = 0
		a.LastFailedAt = 0
		if len(p.opts.ProxyList) > 0 {
			a.AssignedProxy = p.pickProxy()
		}
	})
	if err != nil {
		return err
	}

	// let any in-flight warm-up drain so the rebuild below starts from
	// the reset state
	p.mu.Lock()
	inflight := p.init
	p.mu.Unlock()
	if inflight != nil {
		select {
		case <-inflight.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	p.active = nil
	p.rr = 0
	p.warmed = false
	run := p.beginInitLocked()
	p.mu.Unlock()

	select {
	case <-run.done:
		return run.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
