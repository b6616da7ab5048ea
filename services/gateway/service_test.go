package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/accounts"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/api"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/pool"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/session"
	"github.com/catdevnull/docialsata/lib/telemetry"
	"github.com/catdevnull/docialsata/lib/tokenstore"
)

// instantLogin stands in for the interactive flow during service tests.
type instantLogin struct{}

func (instantLogin) Login(ctx context.Context, sess *session.Session, cred accounts.Credential) error {
	sess.SetCookie(session.AuthTokenCookie, "tok-"+cred.Username)
	return nil
}

// LoginWithToken accepts any pre-seeded token by installing it as the
// session cookie, so warm-up keeps an imported token as it is.
func (instantLogin) LoginWithToken(ctx context.Context, sess *session.Session, cred accounts.Credential) error {
	if cred.AuthToken == "" {
		return fmt.Errorf("no seeded token")
	}
	sess.SetCookie(session.AuthTokenCookie, cred.AuthToken)
	return nil
}

type fixture struct {
	service  *Service
	server   *httptest.Server
	store    *accounts.Store
	tokens   *tokenstore.Store
	bearer   string
	upstream *httptest.Server
}

func newFixture(t *testing.T, upstreamHandler http.Handler, usernames ...string) *fixture {
	upstream := httptest.NewServer(upstreamHandler)
	t.Cleanup(upstream.Close)

	store, err := accounts.OpenStore(filepath.Join(t.TempDir(), "accounts.json"))
	if err != nil {
		t.Fatal(err)
	}
	creds := make([]accounts.Credential, len(usernames))
	for i, u := range usernames {
		creds[i] = accounts.Credential{Username: u, Password: "pw"}
	}
	if len(creds) > 0 {
		_, err = store.Add(creds)
		if err != nil {
			t.Fatal(err)
		}
	}

	p := pool.New(pool.Options{
		Size:    2,
		Store:   store,
		Login:   instantLogin{},
		BaseURL: upstream.URL,
	})
	err = p.EnsureInitialized(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	auth := pool.NewAuthenticator(p)

	apiClient, err := api.NewClient(api.Options{Transport: auth, BaseURL: upstream.URL})
	if err != nil {
		t.Fatal(err)
	}

	tokens, err := tokenstore.Open(filepath.Join(t.TempDir(), "tokens.json"))
	if err != nil {
		t.Fatal(err)
	}
	issued, err := tokens.Issue("test-client")
	if err != nil {
		t.Fatal(err)
	}

	service := NewService(Options{
		API:           apiClient,
		Pool:          p,
		Authenticator: auth,
		Tokens:        tokens,
		Accounts:      store,
		AdminPassword: "hunter2",
	})
	server := httptest.NewServer(service.Router())
	t.Cleanup(server.Close)

	return &fixture{
		service:  service,
		server:   server,
		store:    store,
		tokens:   tokens,
		bearer:   issued.Value,
		upstream: upstream,
	}
}

func (f *fixture) get(t *testing.T, path string, header http.Header) *http.Response {
	req, err := http.NewRequest("GET", f.server.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+f.bearer)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	defer res.Body.Close()
	var body map[string]any
	err := json.NewDecoder(res.Body).Decode(&body)
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func profileUpstream() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "UserByScreenName") {
			w.Write([]byte(`{"data":{"user":{"result":{"rest_id":"42","legacy":{"screen_name":"alice"}}}}}`))
			return
		}
		w.WriteHeader(200)
	})
	return mux
}

func TestProfileEndToEnd(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:gateway")
	defer cleanup()

	f := newFixture(t, profileUpstream(), "acct1", "acct2")

	before := time.Now().UnixMilli()
	res := f.get(t, "/api/users/@alice", nil)
	require.Equal(t, 200, res.StatusCode)
	body := decodeBody(t, res)
	profile := body["profile"].(map[string]any)
	require.Equal(t, "42", profile["rest_id"])

	// some account's last_used advanced past the request start
	advanced := false
	for _, acct := range f.store.Snapshot() {
		if acct.LastUsed >= before {
			advanced = true
		}
	}
	require.True(t, advanced)
}

func TestMissingOrInvalidBearer(t *testing.T) {
	f := newFixture(t, profileUpstream(), "acct1")

	req, _ := http.NewRequest("GET", f.server.URL+"/api/users/@alice", nil)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, 401, res.StatusCode)
	res.Body.Close()

	req.Header.Set("Authorization", "Bearer forged")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, 401, res.StatusCode)
	res.Body.Close()
}

func TestHandleWithoutAtIsRejected(t *testing.T) {
	f := newFixture(t, profileUpstream(), "acct1")
	res := f.get(t, "/api/users/alice", nil)
	require.Equal(t, 400, res.StatusCode)
	res.Body.Close()
}

func TestUnknownProfileIs404(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"User not found."}]}`))
	})
	f := newFixture(t, upstream, "acct1")

	res := f.get(t, "/api/users/@ghost", nil)
	require.Equal(t, 404, res.StatusCode)
	res.Body.Close()
}

func TestExhaustedAccountsIs503(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
	})
	f := newFixture(t, upstream, "acct1")

	res := f.get(t, "/api/users/@alice", nil)
	require.Equal(t, 503, res.StatusCode)
	body := decodeBody(t, res)
	require.Contains(t, body, "attempts")
}

func TestRateLimitedAccountRotation(t *testing.T) {
	reset := time.Now().Add(time.Minute).Unix()
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "UserByScreenName") {
			w.WriteHeader(200)
			return
		}
		cookie, err := r.Cookie(session.AuthTokenCookie)
		if err == nil && cookie.Value == "tok-acct1" {
			w.Header().Set("x-rate-limit-reset", fmt.Sprint(reset))
			w.WriteHeader(429)
			return
		}
		w.Write([]byte(`{"data":{"user":{"result":{"rest_id":"42","legacy":{"screen_name":"alice"}}}}}`))
	})
	f := newFixture(t, upstream, "acct1", "acct2")

	res := f.get(t, "/api/users/@alice", nil)
	require.Equal(t, 200, res.StatusCode)
	res.Body.Close()

	acct, ok := f.store.Get("acct1")
	require.True(t, ok)
	require.EqualValues(t, reset*1000, acct.RateLimitedUntil)
	require.False(t, acct.FailedLogin)
}

func TestAllTweetsJSONLStreaming(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "SearchTimeline") {
			w.WriteHeader(200)
			return
		}
		var vars map[string]any
		json.Unmarshal([]byte(r.URL.Query().Get("variables")), &vars)
		query, _ := vars["rawQuery"].(string)
		if strings.Contains(query, "max_id") {
			w.Write([]byte(`{"data":{"search_by_raw_query":{"search_timeline":{"timeline":{"instructions":[]}}}}}`))
			return
		}
		w.Write([]byte(`{"data":{"search_by_raw_query":{"search_timeline":{"timeline":{"instructions":[{"type":"TimelineAddEntries","entries":[` +
			`{"entryId":"tweet-2","content":{"itemContent":{"tweet_results":{"result":{"rest_id":"2","legacy":{"id_str":"2"}}}}}},` +
			`{"entryId":"tweet-1","content":{"itemContent":{"tweet_results":{"result":{"rest_id":"1","legacy":{"id_str":"1"}}}}}}` +
			`]}]}}}}}`))
	})
	f := newFixture(t, upstream, "acct1")

	res := f.get(t, "/api/users/@alice/all-tweets", http.Header{"Accept": []string{"application/jsonl"}})
	require.Equal(t, 200, res.StatusCode)
	require.Contains(t, res.Header.Get("Content-Type"), "application/jsonl")
	defer res.Body.Close()

	var lines []string
	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)
	for _, line := range lines {
		var tweet map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &tweet))
		require.Contains(t, tweet, "rest_id")
	}
}

func TestImportAccounts(t *testing.T) {
	f := newFixture(t, profileUpstream(), "acct1")

	importBody := func() *http.Response {
		body, _ := json.Marshal(importRequest{
			Format:   "username:password:email:emailPassword:authToken:ANY",
			Accounts: "newacct:pw:a@x:ep:tok:garbage",
		})
		req, _ := http.NewRequest("POST", f.server.URL+"/api/accounts/import", strings.NewReader(string(body)))
		req.AddCookie(&http.Cookie{Name: "admin_password", Value: "hunter2"})
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return res
	}

	res := importBody()
	require.Equal(t, 200, res.StatusCode)
	body := decodeBody(t, res)
	require.EqualValues(t, 1, body["count"])

	acct, ok := f.store.Get("newacct")
	require.True(t, ok)
	require.Equal(t, "tok", acct.AuthToken)
	require.Empty(t, acct.TwoFactorSecret)

	// importing the same username twice leaves one entry
	res = importBody()
	body = decodeBody(t, res)
	require.EqualValues(t, 0, body["count"])
	count := 0
	for _, a := range f.store.Snapshot() {
		if a.Username == "newacct" {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestAdminEndpointsRequirePassword(t *testing.T) {
	f := newFixture(t, profileUpstream(), "acct1")

	req, _ := http.NewRequest("POST", f.server.URL+"/api/accounts/login", nil)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, 401, res.StatusCode)
	res.Body.Close()

	req.SetBasicAuth("admin", "hunter2")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode)
	res.Body.Close()
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, profileUpstream(), "acct1")

	res, err := http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	body := decodeBody(t, res)
	require.Equal(t, true, body["ok"])
	require.Equal(t, true, body["logged_in"])
}
