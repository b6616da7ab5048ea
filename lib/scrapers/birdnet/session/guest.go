package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/birdnet/session")

// GuestToken is a short-lived anonymous credential.
type GuestToken struct {
	Value      string
	AcquiredAt time.Time
}

const guestTokenTTL = time.Hour * 3
const guestActivateTimeout = time.Second * 10

func (g GuestToken) expired(now time.Time) bool {
	return g.Value == "" || now.Sub(g.AcquiredAt) > guestTokenTTL
}

// GuestToken returns the current guest token, activating a fresh one when
// it is absent or older than 3 hours.
func (s *Session) GuestToken(ctx context.Context) (string, error) {
	s.guestMu.Lock()
	defer s.guestMu.Unlock()

	if !s.guest.expired(time.Now()) {
		return s.guest.Value, nil
	}
	token, err := s.activateGuestToken(ctx)
	if err != nil {
		return "", err
	}
	s.guest = GuestToken{Value: token, AcquiredAt: time.Now()}
	return token, nil
}

// RefreshGuestToken drops any cached token and activates a new one.
func (s *Session) RefreshGuestToken(ctx context.Context) (string, error) {
	s.guestMu.Lock()
	s.guest = GuestToken{}
	s.guestMu.Unlock()
	return s.GuestToken(ctx)
}

func (s *Session) activateGuestToken(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "session:activateGuestToken")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, guestActivateTimeout)
	defer cancel()

	res, err := s.Http.R().
		SetContext(ctx).
		SetHeader("authorization", "Bearer "+Bearer).
		Post(s.BaseURL.JoinPath("/1.1/guest/activate.json").String())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to activate guest token")
		return "", err
	}
	if res.StatusCode() != 200 {
		err := fmt.Errorf("guest activation returned %s", res.Status())
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	var body struct {
		GuestToken string `json:"guest_token"`
	}
	err = json.Unmarshal(res.Body(), &body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse guest activation response")
		return "", err
	}
	if body.GuestToken == "" {
		err := fmt.Errorf("guest activation response carried no token")
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return body.GuestToken, nil
}

// InstallGuestHeaders sets the minimum header set for unauthenticated
// requests: bearer, guest token and CSRF if a ct0 cookie is present.
func (s *Session) InstallGuestHeaders(ctx context.Context, req *resty.Request) error {
	token, err := s.GuestToken(ctx)
	if err != nil {
		return err
	}
	req.SetHeader("authorization", "Bearer "+Bearer)
	req.SetHeader("x-guest-token", token)
	if csrf := s.Cookie(s.BaseURL, CSRFCookie); csrf != "" {
		req.SetHeader("x-csrf-token", csrf)
	}
	return nil
}
