// Package login drives the upstream's onboarding task flow to turn stored
// credentials into a live session cookie.
package login

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/accounts"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/emailcode"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/session"
	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/transactionid"
)

var tracer = otel.Tracer("scrapers/birdnet/login")

const taskPath = "/1.1/onboarding/task.json"

// cookies the upstream leaves behind that poison a fresh flow
var transientCookies = []string{
	"twitter_ads_id",
	"ads_prefs",
	"_twitter_sess",
	"zipbox_forms_auth_token",
	"lang",
	"bouncer_reset_cookie",
	"twid",
	"twitter_ads_idb",
	"email_uid",
	"external_referer",
	"ct0",
	"aa_u",
	"att",
	"kdt",
	"remember_checked_on",
}

// opaque blob answered to the js-instrumentation subtask
const jsInstrumentationResponse = `{"rf":{"a560cdc18ff70ce7662311eac0f2441dd3d3ed27c354f082f587e7a30d1a7d5f":72},"s":"stub"}`

const twoFactorMaxAttempts = 3

type Options struct {
	TransactionID transactionid.Generator
	EmailCodes    emailcode.Fetcher

	// overridden in tests
	Sleep func(time.Duration)
	Now   func() time.Time
}

type Flow struct {
	opts Options
}

func New(opts Options) *Flow {
	if opts.TransactionID == nil {
		opts.TransactionID = transactionid.None{}
	}
	if opts.EmailCodes == nil {
		opts.EmailCodes = emailcode.Unavailable{}
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Flow{opts: opts}
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type flowResponse struct {
	FlowToken string     `json:"flow_token"`
	Status    string     `json:"status"`
	Subtasks  []subtask  `json:"subtasks"`
	Errors    []apiError `json:"errors"`
}

// Login runs the interactive onboarding flow for one account.
func (f *Flow) Login(ctx context.Context, sess *session.Session, cred accounts.Credential) error {
	ctx, span := tracer.Start(ctx, "login:Login")
	defer span.End()
	span.SetAttributes(attribute.String("username", cred.Username))

	sess.ScrubCookies(transientCookies)
	guest, err := sess.RefreshGuestToken(ctx)
	if err != nil {
		e := transientErr("", err)
		span.RecordError(e)
		span.SetStatus(codes.Error, "failed to acquire guest token")
		return e
	}

	resp, err := f.post(ctx, sess, guest, sess.BaseURL.JoinPath(taskPath).String()+"?flow_name=login", map[string]any{
		"input_flow_data": map[string]any{
			"flow_context": map[string]any{
				"debug_overrides": map[string]any{},
				"start_location":  map[string]any{"location": "splash_screen"},
			},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start flow")
		return err
	}

	for {
		if len(resp.Subtasks) == 0 {
			e := protocolErr("", "flow response carried no subtask")
			span.SetStatus(codes.Error, e.Error())
			return e
		}
		current := resp.Subtasks[0]
		slog.DebugContext(ctx, "login subtask", "username", cred.Username, "subtask", current.ID)

		switch classifySubtask(current.ID) {
		case subtaskSuccess:
			return nil
		case subtaskDeny:
			e := fatalErr(current.ID, "login denied by upstream")
			span.SetStatus(codes.Error, e.Error())
			return e
		case subtaskUnknown:
			e := fatalErr(current.ID, "unknown_subtask")
			span.SetStatus(codes.Error, e.Error())
			return e
		case subtaskTwoFactorChallenge:
			resp, err = f.answerTwoFactor(ctx, sess, guest, resp.FlowToken, current, cred)
		default:
			var input map[string]any
			input, err = f.subtaskInput(ctx, current, cred)
			if err == nil {
				resp, err = f.advance(ctx, sess, guest, resp.FlowToken, input)
			}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
}

// subtaskInput builds the subtask_inputs entry for every non-2FA subtask.
func (f *Flow) subtaskInput(ctx context.Context, current subtask, cred accounts.Credential) (map[string]any, error) {
	switch classifySubtask(current.ID) {
	case subtaskJSInstrumentation:
		return map[string]any{
			"subtask_id": current.ID,
			"js_instrumentation": map[string]any{
				"response": jsInstrumentationResponse,
				"link":     "next_link",
			},
		}, nil

	case subtaskEnterUserIdentifier:
		return map[string]any{
			"subtask_id": current.ID,
			"settings_list": map[string]any{
				"setting_responses": []any{
					map[string]any{
						"key": "user_identifier",
						"response_data": map[string]any{
							"text_data": map[string]any{"result": cred.Username},
						},
					},
				},
				"link": "next_link",
			},
		}, nil

	case subtaskEnterAlternateIdentifier:
		if cred.Email == "" {
			return nil, fatalErr(current.ID, "account has no email on file")
		}
		return map[string]any{
			"subtask_id": current.ID,
			"enter_text": map[string]any{"text": cred.Email, "link": "next_link"},
		}, nil

	case subtaskEnterPassword:
		return map[string]any{
			"subtask_id": current.ID,
			"enter_password": map[string]any{
				"password": cred.Password,
				"link":     "next_link",
			},
		}, nil

	case subtaskDuplicationCheck:
		return map[string]any{
			"subtask_id": current.ID,
			"check_logged_in_account": map[string]any{
				"link": "AccountDuplicationCheck_false",
			},
		}, nil

	case subtaskAcid:
		text := cred.Email
		primary := strings.ToLower(current.primaryText())
		if strings.Contains(primary, "code") || strings.Contains(primary, "verification") {
			if cred.Email == "" || cred.EmailPassword == "" {
				return nil, fatalErr(current.ID, "confirmation code required but account has no mailbox credentials")
			}
			code, err := f.opts.EmailCodes.FetchCode(ctx, cred.Email, cred.EmailPassword)
			if err != nil {
				return nil, fatalErr(current.ID, fmt.Sprintf("failed to fetch confirmation code: %v", err))
			}
			text = code
		}
		return map[string]any{
			"subtask_id": current.ID,
			"enter_text": map[string]any{"text": text, "link": "next_link"},
		}, nil
	}

	return nil, fatalErr(current.ID, "unknown_subtask")
}

// answerTwoFactor generates TOTP codes for the challenge, retrying a few
// times when the upstream rejects the code.
func (f *Flow) answerTwoFactor(
	ctx context.Context,
	sess *session.Session,
	guest, flowToken string,
	current subtask,
	cred accounts.Credential,
) (*flowResponse, error) {
	if cred.TwoFactorSecret == "" {
		return nil, fatalErr(current.ID, "two-factor challenge but account has no TOTP secret")
	}

	var lastErr error
	for attempt := 1; attempt <= twoFactorMaxAttempts; attempt++ {
		code, err := totp.GenerateCode(cred.TwoFactorSecret, f.opts.Now())
		if err != nil {
			return nil, fatalErr(current.ID, fmt.Sprintf("failed to generate TOTP code: %v", err))
		}

		resp, err := f.advance(ctx, sess, guest, flowToken, map[string]any{
			"subtask_id": current.ID,
			"enter_text": map[string]any{"text": code, "link": "next_link"},
		})
		if err == nil {
			return resp, nil
		}

		var le *Error
		retryable := errors.As(err, &le) &&
			le.Kind == FailureProtocol &&
			strings.Contains(strings.ToLower(le.Message), "verification code is invalid")
		if !retryable {
			return nil, err
		}
		lastErr = err
		if le.flowToken != "" {
			flowToken = le.flowToken
		}
		if attempt < twoFactorMaxAttempts {
			f.opts.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}
	return nil, fatalErr(current.ID, fmt.Sprintf("two-factor retries exhausted: %v", lastErr))
}

func (f *Flow) advance(ctx context.Context, sess *session.Session, guest, flowToken string, input map[string]any) (*flowResponse, error) {
	return f.post(ctx, sess, guest, sess.BaseURL.JoinPath(taskPath).String(), map[string]any{
		"flow_token":     flowToken,
		"subtask_inputs": []any{input},
	})
}

func (f *Flow) post(ctx context.Context, sess *session.Session, guest, rawURL string, body any) (*flowResponse, error) {
	req := sess.Http.R().
		SetContext(ctx).
		SetHeader("authorization", "Bearer "+session.Bearer).
		SetHeader("x-guest-token", guest).
		SetHeader("content-type", "application/json").
		SetBody(body)
	if csrf := sess.Cookie(sess.BaseURL, session.CSRFCookie); csrf != "" {
		req.SetHeader("x-csrf-token", csrf)
	}
	transactionId, err := f.opts.TransactionID.Generate(ctx, "POST", taskPath)
	if err != nil {
		slog.DebugContext(ctx, "transaction id unavailable, proceeding without", "err", err)
	} else if transactionId != "" {
		req.SetHeader("x-client-transaction-id", transactionId)
	}

	res, err := req.Post(rawURL)
	if err != nil {
		return nil, transientErr("", err)
	}

	var resp flowResponse
	err = json.Unmarshal(res.Body(), &resp)
	if err != nil {
		return nil, protocolErr("", fmt.Sprintf("unparseable flow response (%s)", res.Status()))
	}
	if len(resp.Errors) > 0 {
		e := protocolErr("", resp.Errors[0].Message)
		e.flowToken = resp.FlowToken
		return nil, e
	}
	if res.StatusCode() != 200 {
		return nil, protocolErr("", fmt.Sprintf("flow request returned %s", res.Status()))
	}
	return &resp, nil
}
