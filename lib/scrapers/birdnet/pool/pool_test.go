package pool

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/accounts"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/session"
)

// stubLogin pretends to run the interactive flow; accounts listed in
// `fail` are rejected.
type stubLogin struct {
	fail map[string]error
	// usernames in login order
	attempts *[]string
}

func (s stubLogin) Login(ctx context.Context, sess *session.Session, cred accounts.Credential) error {
	if s.attempts != nil {
		*s.attempts = append(*s.attempts, cred.Username)
	}
	if err := s.fail[cred.Username]; err != nil {
		return err
	}
	sess.SetCookie(session.AuthTokenCookie, "tok-"+cred.Username)
	return nil
}

func (s stubLogin) LoginWithToken(ctx context.Context, sess *session.Session, cred accounts.Credential) error {
	if cred.AuthToken == "" {
		return fmt.Errorf("no token")
	}
	return s.Login(ctx, sess, cred)
}

func newTestStore(t *testing.T, usernames ...string) *accounts.Store {
	store, err := accounts.OpenStore(filepath.Join(t.TempDir(), "accounts.json"))
	if err != nil {
		t.Fatal(err)
	}
	creds := make([]accounts.Credential, len(usernames))
	for i, u := range usernames {
		creds[i] = accounts.Credential{Username: u, Password: "pw"}
	}
	_, err = store.Add(creds)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestWarmUpHonorsPoolSize(t *testing.T) {
	store := newTestStore(t, "a", "b", "c", "d")
	p := New(Options{
		Size:    2,
		Store:   store,
		Login:   stubLogin{},
		BaseURL: "https://api.example.com",
	})

	err := p.EnsureInitialized(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, 2, p.ActiveCount())
}

func TestWarmUpPrefersUnusedAccounts(t *testing.T) {
	store := newTestStore(t, "old", "fresh")
	err := store.Update("old", func(a *accounts.Account) {
		a.LastUsed = time.Now().UnixMilli()
	})
	if err != nil {
		t.Fatal(err)
	}

	var attempts []string
	p := New(Options{
		Size:    1,
		Store:   store,
		Login:   stubLogin{attempts: &attempts},
		BaseURL: "https://api.example.com",
	})
	err = p.EnsureInitialized(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, []string{"fresh"}, attempts)
}

func TestWarmUpMarksFailedLogins(t *testing.T) {
	store := newTestStore(t, "bad", "good")
	p := New(Options{
		Size:    2,
		Store:   store,
		Login:   stubLogin{fail: map[string]error{"bad": fmt.Errorf("denied")}},
		BaseURL: "https://api.example.com",
	})
	err := p.EnsureInitialized(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	require.Equal(t, []string{"good"}, p.ActiveUsernames())

	bad, ok := store.Get("bad")
	require.True(t, ok)
	require.True(t, bad.FailedLogin)
	require.Equal(t, accounts.TokenStateFailed, bad.TokenState)
	require.NotZero(t, bad.LastFailedAt)

	// invariant: failed_login implies not in the active pool
	for _, u := range p.ActiveUsernames() {
		acct, _ := store.Get(u)
		require.False(t, acct.FailedLogin)
	}
}

func TestWarmUpRecordsWorkingState(t *testing.T) {
	store := newTestStore(t, "a")
	p := New(Options{
		Size:    1,
		Store:   store,
		Login:   stubLogin{},
		BaseURL: "https://api.example.com",
	})
	err := p.EnsureInitialized(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	acct, _ := store.Get("a")
	require.Equal(t, accounts.TokenStateWorking, acct.TokenState)
	require.Equal(t, "tok-a", acct.AuthToken)
	require.NotZero(t, acct.LastUsed)
}

func TestNextRoundRobin(t *testing.T) {
	store := newTestStore(t, "a", "b")
	p := New(Options{Size: 2, Store: store, Login: stubLogin{}, BaseURL: "https://api.example.com"})

	ctx := context.Background()
	first, err := p.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	third, err := p.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	require.NotEqual(t, first.Username, second.Username)
	require.Equal(t, first.Username, third.Username)
}

func TestNextSkipsRateLimited(t *testing.T) {
	store := newTestStore(t, "a", "b")
	p := New(Options{Size: 2, Store: store, Login: stubLogin{}, BaseURL: "https://api.example.com"})
	ctx := context.Background()
	err := p.EnsureInitialized(ctx)
	if err != nil {
		t.Fatal(err)
	}

	limited := p.ActiveUsernames()[0]
	err = p.MarkRateLimited(limited, time.Now().Add(time.Minute).UnixMilli())
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		sess, err := p.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		require.NotEqual(t, limited, sess.Username)

		acct, _ := store.Get(sess.Username)
		require.True(t, acct.RateLimitedUntil == 0 || acct.RateLimitedUntil <= time.Now().UnixMilli())
	}

	// the rate-limited session is retained, just skipped
	require.Equal(t, 2, p.ActiveCount())
}

func TestNextClearsExpiredRateLimit(t *testing.T) {
	store := newTestStore(t, "a")
	p := New(Options{Size: 1, Store: store, Login: stubLogin{}, BaseURL: "https://api.example.com"})
	ctx := context.Background()
	err := p.EnsureInitialized(ctx)
	if err != nil {
		t.Fatal(err)
	}

	err = p.MarkRateLimited("a", time.Now().Add(-time.Second).UnixMilli())
	if err != nil {
		t.Fatal(err)
	}

	sess, err := p.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "a", sess.Username)

	acct, _ := store.Get("a")
	require.Zero(t, acct.RateLimitedUntil)
}

func TestNextOnEmptyStore(t *testing.T) {
	store := newTestStore(t)
	p := New(Options{Size: 1, Store: store, Login: stubLogin{}, BaseURL: "https://api.example.com"})

	_, err := p.Next(context.Background())
	require.ErrorIs(t, err, ErrPoolEmpty)
}

func TestMarkFailedDropsSessionAndReplenishes(t *testing.T) {
	store := newTestStore(t, "a", "b", "c")
	p := New(Options{Size: 2, Store: store, Login: stubLogin{}, BaseURL: "https://api.example.com"})
	ctx := context.Background()
	err := p.EnsureInitialized(ctx)
	if err != nil {
		t.Fatal(err)
	}

	victim := p.ActiveUsernames()[0]
	err = p.MarkFailed(victim)
	if err != nil {
		t.Fatal(err)
	}

	require.NotContains(t, p.ActiveUsernames(), victim)

	// replenishment brings the pool back to target size from the
	// remaining candidate
	require.Eventually(t, func() bool {
		return p.ActiveCount() == 2
	}, time.Second*5, time.Millisecond*10)
}

func TestDeleteRemovesFromStoreAndPool(t *testing.T) {
	store := newTestStore(t, "a")
	p := New(Options{Size: 1, Store: store, Login: stubLogin{}, BaseURL: "https://api.example.com"})
	ctx := context.Background()
	err := p.EnsureInitialized(ctx)
	if err != nil {
		t.Fatal(err)
	}

	removed, err := p.Delete("a")
	if err != nil {
		t.Fatal(err)
	}
	require.True(t, removed)
	require.Zero(t, p.ActiveCount())
	_, ok := store.Get("a")
	require.False(t, ok)
}

func TestResetFailedClearsEverything(t *testing.T) {
	store := newTestStore(t, "a", "b")
	p := New(Options{Size: 2, Store: store, Login: stubLogin{}, BaseURL: "https://api.example.com"})
	ctx := context.Background()
	err := p.EnsureInitialized(ctx)
	if err != nil {
		t.Fatal(err)
	}
	err = p.MarkFailed("a")
	if err != nil {
		t.Fatal(err)
	}

	err = p.ResetFailed(ctx)
	if err != nil {
		t.Fatal(err)
	}

	for _, acct := range store.Snapshot() {
		require.False(t, acct.FailedLogin)
		require.Zero(t, acct.RateLimitedUntil)
		require.Zero(t, acct.LastFailedAt)
	}
	require.Equal(t, 2, p.ActiveCount())
}

func TestEnsureInitializedCoalesces(t *testing.T) {
	store := newTestStore(t, "a")
	var attempts []string
	p := New(Options{Size: 1, Store: store, Login: stubLogin{attempts: &attempts}, BaseURL: "https://api.example.com"})

	ctx := context.Background()
	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { done <- p.EnsureInitialized(ctx) }()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, <-done)
	}
	require.Len(t, attempts, 1)
}
