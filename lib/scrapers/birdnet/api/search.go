package api

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/pagination"
)

// SearchMode selects the upstream search product.
type SearchMode string

const (
	SearchTop    SearchMode = "Top"
	SearchLatest SearchMode = "Latest"
	SearchPhotos SearchMode = "Photos"
	SearchVideos SearchMode = "Videos"
	SearchUsers  SearchMode = "People"
)

func (c *Client) searchPage(query string, mode SearchMode) func(ctx context.Context, cursor string) ([]byte, error) {
	return func(ctx context.Context, cursor string) ([]byte, error) {
		variables := map[string]any{
			"rawQuery":    query,
			"count":       pageSize,
			"querySource": "typed_query",
			"product":     string(mode),
		}
		if cursor != "" {
			variables["cursor"] = cursor
		}
		rawURL := c.graphqlURL(querySearchTimeline, "SearchTimeline", variables)
		res, err := c.http.Get(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		return res.Body(), nil
	}
}

// SearchTweets streams tweets matching a query.
func (c *Client) SearchTweets(query string, mode SearchMode, maxItems int) *pagination.Stream[Tweet] {
	page := c.searchPage(query, mode)
	fetch := func(ctx context.Context, cursor string) ([]Tweet, string, error) {
		body, err := page(ctx, cursor)
		if err != nil {
			return nil, "", err
		}
		tweets, next := timelineTweets(body)
		return tweets, next, nil
	}
	return pagination.New(fetch, tweetID, maxItems)
}

// SearchPeople streams user profiles matching a query.
func (c *Client) SearchPeople(query string, maxItems int) *pagination.Stream[Profile] {
	page := c.searchPage(query, SearchUsers)
	fetch := func(ctx context.Context, cursor string) ([]Profile, string, error) {
		body, err := page(ctx, cursor)
		if err != nil {
			return nil, "", err
		}
		profiles, next := timelineProfiles(body)
		return profiles, next, nil
	}
	return pagination.New(fetch, profileID, maxItems)
}

// the per-pass bound while walking a user's full history; each pass narrows
// max_id so the overall walk is unbounded
const allTweetsPassBound = 1 << 20

// AllTweetsEver walks a user's entire tweet history through search,
// restarting with a narrower max_id window every time a pass drains.
func (c *Client) AllTweetsEver(ctx context.Context, screenName string, yield func(Tweet) error) error {
	ctx, span := tracer.Start(ctx, "api:AllTweetsEver")
	defer span.End()
	span.SetAttributes(attribute.String("screen_name", screenName))

	seen := map[string]struct{}{}
	boundary := ""
	for {
		query := "from:" + screenName
		if boundary != "" {
			query += " max_id:" + boundary
		}
		slog.DebugContext(ctx, "history pass", "query", query, "collected", len(seen))

		stream := c.SearchTweets(query, SearchLatest, allTweetsPassBound)
		newItems := 0
		minID := ""
		for {
			tweet, ok, err := stream.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if _, dup := seen[tweet.ID]; dup {
				continue
			}
			seen[tweet.ID] = struct{}{}
			newItems++
			if minID == "" || compareNumeric(tweet.ID, minID) < 0 {
				minID = tweet.ID
			}
			err = yield(tweet)
			if err != nil {
				return err
			}
		}

		if newItems == 0 {
			return nil
		}
		next, err := decrementNumeric(minID)
		if err != nil {
			return fmt.Errorf("cannot window below tweet id %q: %w", minID, err)
		}
		boundary = next
	}
}

// compareNumeric orders decimal id strings without parsing them into
// fixed-width integers.
func compareNumeric(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// decrementNumeric subtracts one from a decimal string.
func decrementNumeric(s string) (string, error) {
	if !allDigits(s) {
		return "", fmt.Errorf("not a decimal id")
	}
	digits := []byte(s)
	i := len(digits) - 1
	for i >= 0 {
		if digits[i] > '0' {
			digits[i]--
			break
		}
		digits[i] = '9'
		i--
	}
	if i < 0 {
		return "0", nil
	}
	out := strings.TrimLeft(string(digits), "0")
	if out == "" {
		out = "0"
	}
	return out, nil
}
