package api

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Tweet fetches a single tweet by rest id. With useAccount false and a
// guest transport configured, the request rides a guest token instead of a
// pooled session.
func (c *Client) Tweet(ctx context.Context, id string, useAccount bool) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "api:Tweet")
	defer span.End()
	span.SetAttributes(attribute.String("tweet_id", id))

	transport := c.http
	if !useAccount && c.guest != nil {
		transport = c.guest
	}

	rawURL := c.graphqlURL(queryTweetResultByRestId, "TweetResultByRestId", map[string]any{
		"tweetId":                id,
		"withCommunity":          false,
		"includePromotedContent": false,
		"withVoice":              false,
	})
	res, err := transport.Get(ctx, rawURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}

	var payload struct {
		Data struct {
			TweetResult struct {
				Result json.RawMessage `json:"result"`
			} `json:"tweetResult"`
		} `json:"data"`
	}
	err = json.Unmarshal(res.Body(), &payload)
	if err != nil {
		span.SetStatus(codes.Error, "unparseable body")
		return nil, &ParseError{URL: rawURL, Err: err}
	}

	result := payload.Data.TweetResult.Result
	if len(result) == 0 || string(result) == "null" {
		span.SetStatus(codes.Error, "tweet not found")
		return nil, ErrNotFound
	}
	tweet, ok := tweetFromResult(result)
	if !ok {
		return nil, ErrNotFound
	}
	return tweet.Raw, nil
}
