// Package session bundles the per-account HTTP state: cookie jar, proxied
// transport, guest token and the header dance the upstream expects.
package session

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"

	"github.com/catdevnull/docialsata/lib/telemetry"
)

// Bearer is the well-known constant used for every upstream request.
const Bearer = "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

const (
	DefaultBaseURL = "https://api.x.com"
	DefaultHomeURL = "https://x.com"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

	// name of the session cookie the upstream issues on login
	AuthTokenCookie = "auth_token"
	// name of the CSRF cookie mirrored into x-csrf-token
	CSRFCookie = "ct0"
)

type Options struct {
	// account username, empty for anonymous guest sessions
	Username string
	// defaults to DefaultBaseURL
	BaseURL string
	// defaults to DefaultHomeURL, or to BaseURL when one is given
	HomeURL string
	// proxy URI, empty for a direct connection
	Proxy string
	// defaults to 60s
	Timeout time.Duration
}

// Session is the in-memory handle for one warm upstream identity.
type Session struct {
	Username string
	Http     *resty.Client
	Jar      http.CookieJar
	BaseURL  *url.URL
	HomeURL  *url.URL
	Proxy    string

	guestMu sync.Mutex
	guest   GuestToken
}

func New(opts Options) (*Session, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
		if opts.HomeURL == "" {
			opts.HomeURL = DefaultHomeURL
		}
	}
	// a custom base (tests, mirrors) serves the home page too unless told
	// otherwise
	if opts.HomeURL == "" {
		opts.HomeURL = opts.BaseURL
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second * 60
	}

	baseURL, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	homeURL, err := url.Parse(opts.HomeURL)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.SetHeader("user-agent", userAgent)
	client.SetTimeout(opts.Timeout)
	// the proxy has to land on the bare *http.Transport before the
	// bypass wrapper hides it
	if opts.Proxy != "" {
		client.SetProxy(opts.Proxy)
	}
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	telemetry.InstrumentResty(client, "scrapers/birdnet/http")

	return &Session{
		Username: opts.Username,
		Http:     client,
		Jar:      jar,
		BaseURL:  baseURL,
		HomeURL:  homeURL,
		Proxy:    opts.Proxy,
	}, nil
}

// InstallHeaders sets the authorization, CSRF and client-marker headers for
// a request targeting `target`. Cookies themselves travel via the jar.
func (s *Session) InstallHeaders(req *resty.Request, target *url.URL) {
	req.SetHeader("authorization", "Bearer "+Bearer)
	req.SetHeader("x-twitter-active-user", "yes")
	req.SetHeader("x-twitter-client-language", "en")
	if csrf := s.Cookie(target, CSRFCookie); csrf != "" {
		req.SetHeader("x-csrf-token", csrf)
		req.SetHeader("x-twitter-auth-type", "OAuth2Session")
	}
}

// Cookie reads a single cookie value from the jar for a target URL.
func (s *Session) Cookie(target *url.URL, name string) string {
	for _, c := range s.Jar.Cookies(target) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// SetCookie installs a host-only cookie on both the API and home hosts so
// it travels with every upstream request.
func (s *Session) SetCookie(name, value string) {
	cookie := []*http.Cookie{{Name: name, Value: value, Path: "/"}}
	s.Jar.SetCookies(s.BaseURL, cookie)
	if s.HomeURL.Host != s.BaseURL.Host {
		s.Jar.SetCookies(s.HomeURL, cookie)
	}
}

// ScrubCookies drops the named cookies from the jar.
func (s *Session) ScrubCookies(names []string) {
	expired := make([]*http.Cookie, len(names))
	for i, name := range names {
		expired[i] = &http.Cookie{
			Name:    name,
			Value:   "",
			Path:    "/",
			MaxAge:  -1,
			Expires: time.Unix(0, 0),
		}
	}
	s.Jar.SetCookies(s.BaseURL, expired)
	if s.HomeURL.Host != s.BaseURL.Host {
		s.Jar.SetCookies(s.HomeURL, expired)
	}
}

// AuthToken returns the session cookie, empty if the session never logged in.
func (s *Session) AuthToken() string {
	return s.Cookie(s.BaseURL, AuthTokenCookie)
}
