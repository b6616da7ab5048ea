package login

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/catdevnull/docialsata/lib/telemetry"

	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/accounts"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/emailcode"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/session"
)

// scriptedUpstream walks the onboarding flow through a fixed sequence of
// subtasks, handing out a fresh flow token at every step.
type scriptedUpstream struct {
	t *testing.T
	// subtask id issued after the n-th task.json POST
	script []map[string]any
	step   int

	lastInputs []map[string]any
}

func (u *scriptedUpstream) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/1.1/guest/activate.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"guest_token": "guest-token"})
	})
	mux.HandleFunc("/1.1/onboarding/task.json", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(u.t, "Bearer "+session.Bearer, r.Header.Get("authorization"))
		require.Equal(u.t, "guest-token", r.Header.Get("x-guest-token"))

		var body struct {
			FlowToken     string           `json:"flow_token"`
			SubtaskInputs []map[string]any `json:"subtask_inputs"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		u.lastInputs = body.SubtaskInputs

		if u.step >= len(u.script) {
			u.t.Errorf("upstream script exhausted at step %d", u.step)
			w.WriteHeader(500)
			return
		}
		reply := u.script[u.step]
		u.step++
		json.NewEncoder(w).Encode(reply)
	})
	return mux
}

func step(subtaskId string, extra map[string]any) map[string]any {
	sub := map[string]any{"subtask_id": subtaskId}
	for k, v := range extra {
		sub[k] = v
	}
	return map[string]any{
		"flow_token": "ft",
		"status":     "success",
		"subtasks":   []any{sub},
	}
}

func newTestSession(t *testing.T, upstream *httptest.Server) *session.Session {
	sess, err := session.New(session.Options{
		Username: "alice",
		BaseURL:  upstream.URL,
	})
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestLoginHappyPath(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:login")
	defer cleanup()

	scripted := &scriptedUpstream{t: t, script: []map[string]any{
		step(idJSInstrumentation, nil),
		step(idEnterUserIdentifier, nil),
		step(idEnterPassword, nil),
		step(idSuccess, nil),
	}}
	server := httptest.NewServer(wrapWithSuccessCookie(scripted))
	defer server.Close()

	sess := newTestSession(t, server)
	flow := New(Options{})
	err := flow.Login(context.Background(), sess, accounts.Credential{
		Username: "alice",
		Password: "pw",
	})
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "issued-auth-token", sess.AuthToken())
}

// wrapWithSuccessCookie sets the session cookie on the final flow response,
// the way the real upstream does.
func wrapWithSuccessCookie(u *scriptedUpstream) http.Handler {
	inner := u.handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u.step == len(u.script)-1 && r.URL.Path == "/1.1/onboarding/task.json" {
			http.SetCookie(w, &http.Cookie{Name: session.AuthTokenCookie, Value: "issued-auth-token", Path: "/"})
		}
		inner.ServeHTTP(w, r)
	})
}

func TestLoginDeniedIsFatal(t *testing.T) {
	scripted := &scriptedUpstream{t: t, script: []map[string]any{
		step(idEnterUserIdentifier, nil),
		step(idEnterPassword, nil),
		step(idDeny, nil),
	}}
	server := httptest.NewServer(scripted.handler())
	defer server.Close()

	flow := New(Options{})
	err := flow.Login(context.Background(), newTestSession(t, server), accounts.Credential{
		Username: "alice", Password: "pw",
	})
	require.Error(t, err)
	require.True(t, IsFatal(err))
}

func TestLoginUnknownSubtaskIsFatal(t *testing.T) {
	scripted := &scriptedUpstream{t: t, script: []map[string]any{
		step("ArkoseLogin", nil),
	}}
	server := httptest.NewServer(scripted.handler())
	defer server.Close()

	flow := New(Options{})
	err := flow.Login(context.Background(), newTestSession(t, server), accounts.Credential{
		Username: "alice", Password: "pw",
	})
	require.True(t, IsFatal(err))
	require.True(t, IsArkose(err))
}

func TestLoginTwoFactorRetries(t *testing.T) {
	invalidCode := map[string]any{
		"flow_token": "ft",
		"errors":     []any{map[string]any{"code": 399, "message": "The verification code is invalid."}},
	}
	scripted := &scriptedUpstream{t: t, script: []map[string]any{
		step(idEnterUserIdentifier, nil),
		step(idEnterPassword, nil),
		step(idTwoFactorChallenge, nil),
		invalidCode,
		invalidCode,
		step(idSuccess, nil),
	}}
	server := httptest.NewServer(scripted.handler())
	defer server.Close()

	var slept []time.Duration
	flow := New(Options{
		Sleep: func(d time.Duration) { slept = append(slept, d) },
	})
	err := flow.Login(context.Background(), newTestSession(t, server), accounts.Credential{
		Username:        "alice",
		Password:        "pw",
		TwoFactorSecret: "JBSWY3DPEHPK3PXP",
	})
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, slept)
}

func TestLoginTwoFactorExhaustionIsFatal(t *testing.T) {
	invalidCode := map[string]any{
		"flow_token": "ft",
		"errors":     []any{map[string]any{"code": 399, "message": "The verification code is invalid."}},
	}
	scripted := &scriptedUpstream{t: t, script: []map[string]any{
		step(idTwoFactorChallenge, nil),
		invalidCode,
		invalidCode,
		invalidCode,
	}}
	server := httptest.NewServer(scripted.handler())
	defer server.Close()

	flow := New(Options{Sleep: func(time.Duration) {}})
	err := flow.Login(context.Background(), newTestSession(t, server), accounts.Credential{
		Username:        "alice",
		Password:        "pw",
		TwoFactorSecret: "JBSWY3DPEHPK3PXP",
	})
	require.True(t, IsFatal(err))
}

func TestLoginAcidFetchesEmailCode(t *testing.T) {
	scripted := &scriptedUpstream{t: t, script: []map[string]any{
		step(idAcid, map[string]any{
			"enter_text": map[string]any{
				"header": map[string]any{
					"primary_text": map[string]any{"text": "We sent a verification code to your email."},
				},
			},
		}),
		step(idSuccess, nil),
	}}
	server := httptest.NewServer(scripted.handler())
	defer server.Close()

	flow := New(Options{EmailCodes: emailcode.Static{Code: "424242"}})
	err := flow.Login(context.Background(), newTestSession(t, server), accounts.Credential{
		Username:      "alice",
		Password:      "pw",
		Email:         "a@x",
		EmailPassword: "ep",
	})
	if err != nil {
		t.Fatal(err)
	}

	enterText := scripted.lastInputs[0]["enter_text"].(map[string]any)
	require.Equal(t, "424242", enterText["text"])
}

func TestLoginAcidFallsBackToEmailAddress(t *testing.T) {
	scripted := &scriptedUpstream{t: t, script: []map[string]any{
		step(idAcid, map[string]any{
			"enter_text": map[string]any{
				"header": map[string]any{
					"primary_text": map[string]any{"text": "Confirm your email address."},
				},
			},
		}),
		step(idSuccess, nil),
	}}
	server := httptest.NewServer(scripted.handler())
	defer server.Close()

	flow := New(Options{})
	err := flow.Login(context.Background(), newTestSession(t, server), accounts.Credential{
		Username: "alice",
		Password: "pw",
		Email:    "a@x",
	})
	if err != nil {
		t.Fatal(err)
	}

	enterText := scripted.lastInputs[0]["enter_text"].(map[string]any)
	require.Equal(t, "a@x", enterText["text"])
}

func TestLoginWithTokenProbe(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(session.AuthTokenCookie)
		require.NoError(t, err)
		require.Equal(t, "seed-token", cookie.Value)
		http.SetCookie(w, &http.Cookie{Name: session.CSRFCookie, Value: "fresh-csrf", Path: "/"})
	})
	mux.HandleFunc("/graphql/"+viewerQueryId+"/Viewer", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "fresh-csrf", r.Header.Get("x-csrf-token"))
		w.Write([]byte(`{"data":{"viewer":{}}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	sess := newTestSession(t, server)
	flow := New(Options{})
	err := flow.LoginWithToken(context.Background(), sess, accounts.Credential{
		Username:  "alice",
		AuthToken: "seed-token",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLoginWithTokenRejectedProbe(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/graphql/"+viewerQueryId+"/Viewer", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	flow := New(Options{})
	err := flow.LoginWithToken(context.Background(), newTestSession(t, server), accounts.Credential{
		Username:  "alice",
		AuthToken: "stale-token",
	})
	require.Error(t, err)
}
