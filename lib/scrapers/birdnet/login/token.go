package login

import (
	"context"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/accounts"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/session"
)

// query id of the authenticated viewer probe
const viewerQueryId = "W62NnYrr6OzGwlEl1pdeKw"

var ErrNoSeedToken = fmt.Errorf("account has no pre-seeded auth token")

// LoginWithToken installs a pre-seeded session cookie, primes the CSRF
// cookie off the home page and probes an authenticated endpoint. On success
// the interactive flow is skipped entirely.
func (f *Flow) LoginWithToken(ctx context.Context, sess *session.Session, cred accounts.Credential) error {
	ctx, span := tracer.Start(ctx, "login:LoginWithToken")
	defer span.End()
	span.SetAttributes(attribute.String("username", cred.Username))

	if cred.AuthToken == "" {
		return ErrNoSeedToken
	}
	sess.SetCookie(session.AuthTokenCookie, cred.AuthToken)

	// the home page responds with a fresh ct0
	res, err := sess.Http.R().
		SetContext(ctx).
		Get(sess.HomeURL.JoinPath("/home").String())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch home page")
		return transientErr("", err)
	}
	_ = res

	variables := url.Values{}
	variables.Set("variables", `{"withCommunitiesMemberships":true}`)
	variables.Set("features", `{"responsive_web_graphql_exclude_directive_enabled":true}`)
	probeURL := sess.BaseURL.JoinPath("/graphql/" + viewerQueryId + "/Viewer").String() + "?" + variables.Encode()

	req := sess.Http.R().SetContext(ctx)
	target, err := url.Parse(probeURL)
	if err != nil {
		return err
	}
	sess.InstallHeaders(req, target)
	res, err = req.Get(probeURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "viewer probe failed")
		return transientErr("", err)
	}
	if res.StatusCode() != 200 {
		e := protocolErr("", fmt.Sprintf("viewer probe returned %s", res.Status()))
		span.SetStatus(codes.Error, e.Error())
		return e
	}
	return nil
}
