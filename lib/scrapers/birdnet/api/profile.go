package api

import (
	"context"
	"encoding/json"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Profile fetches a user object by screen name.
func (c *Client) Profile(ctx context.Context, screenName string) (Profile, error) {
	ctx, span := tracer.Start(ctx, "api:Profile")
	defer span.End()
	span.SetAttributes(attribute.String("screen_name", screenName))

	rawURL := c.graphqlURL(queryUserByScreenName, "UserByScreenName", map[string]any{
		"screen_name":              screenName,
		"withSafetyModeUserFields": true,
	})
	res, err := c.http.Get(ctx, rawURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return Profile{}, err
	}

	if hasUpstreamError(res.Body(), "User not found.") {
		span.SetStatus(codes.Error, "user not found")
		return Profile{}, ErrNotFound
	}

	var payload struct {
		Data struct {
			User struct {
				Result json.RawMessage `json:"result"`
			} `json:"user"`
		} `json:"data"`
	}
	err = json.Unmarshal(res.Body(), &payload)
	if err != nil {
		span.SetStatus(codes.Error, "unparseable body")
		return Profile{}, &ParseError{URL: rawURL, Err: err}
	}
	result := payload.Data.User.Result
	if len(result) == 0 || string(result) == "null" {
		span.SetStatus(codes.Error, "user not found")
		return Profile{}, ErrNotFound
	}
	profile, ok := profileFromResult(result)
	if !ok {
		return Profile{}, ErrNotFound
	}
	return profile, nil
}

// ProfileByID fetches a user object by numeric id.
func (c *Client) ProfileByID(ctx context.Context, userID string) (Profile, error) {
	ctx, span := tracer.Start(ctx, "api:ProfileByID")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	rawURL := c.graphqlURL(queryUserByRestId, "UserByRestId", map[string]any{
		"userId":                   userID,
		"withSafetyModeUserFields": true,
	})
	res, err := c.http.Get(ctx, rawURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return Profile{}, err
	}
	if hasUpstreamError(res.Body(), "User not found.") {
		return Profile{}, ErrNotFound
	}

	var payload struct {
		Data struct {
			User struct {
				Result json.RawMessage `json:"result"`
			} `json:"user"`
		} `json:"data"`
	}
	err = json.Unmarshal(res.Body(), &payload)
	if err != nil {
		return Profile{}, &ParseError{URL: rawURL, Err: err}
	}
	profile, ok := profileFromResult(payload.Data.User.Result)
	if !ok {
		return Profile{}, ErrNotFound
	}
	return profile, nil
}

func allDigits(s string) bool {
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

// ResolveUserID turns "@handle" or a numeric id into the upstream's
// numeric user id. Anything else is an invalid handle.
func (c *Client) ResolveUserID(ctx context.Context, idOrHandle string) (string, error) {
	if allDigits(idOrHandle) {
		return idOrHandle, nil
	}
	if !strings.HasPrefix(idOrHandle, "@") {
		return "", ErrInvalidHandle
	}
	handle := strings.TrimPrefix(idOrHandle, "@")
	if handle == "" {
		return "", ErrInvalidHandle
	}

	if id, hit := c.resolveCache.Get(handle); hit {
		return id, nil
	}
	profile, err := c.Profile(ctx, handle)
	if err != nil {
		return "", err
	}
	c.resolveCache.Add(handle, profile.ID)
	return profile.ID, nil
}
