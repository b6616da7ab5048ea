package api

import (
	"context"

	"github.com/catdevnull/docialsata/lib/scrapers/birdnet/pagination"
)

// tweetTimeline adapts one cursor-paginated graphql timeline endpoint to
// the stream driver.
func (c *Client) tweetTimeline(queryId, name string, baseVariables map[string]any) pagination.FetchPage[Tweet] {
	return func(ctx context.Context, cursor string) ([]Tweet, string, error) {
		body, _, err := c.fetchTimelinePage(ctx, queryId, name, baseVariables, cursor)
		if err != nil {
			return nil, "", err
		}
		tweets, next := timelineTweets(body)
		return tweets, next, nil
	}
}

func (c *Client) profileTimeline(queryId, name string, baseVariables map[string]any) pagination.FetchPage[Profile] {
	return func(ctx context.Context, cursor string) ([]Profile, string, error) {
		body, _, err := c.fetchTimelinePage(ctx, queryId, name, baseVariables, cursor)
		if err != nil {
			return nil, "", err
		}
		profiles, next := timelineProfiles(body)
		return profiles, next, nil
	}
}

func (c *Client) fetchTimelinePage(
	ctx context.Context,
	queryId, name string,
	baseVariables map[string]any,
	cursor string,
) ([]byte, string, error) {
	variables := map[string]any{"count": pageSize}
	for k, v := range baseVariables {
		variables[k] = v
	}
	if cursor != "" {
		variables["cursor"] = cursor
	}
	rawURL := c.graphqlURL(queryId, name, variables)
	res, err := c.http.Get(ctx, rawURL)
	if err != nil {
		return nil, rawURL, err
	}
	return res.Body(), rawURL, nil
}

// TweetsAndReplies streams a user's tweets-and-replies timeline, newest
// first.
func (c *Client) TweetsAndReplies(userID string, maxItems int) *pagination.Stream[Tweet] {
	fetch := c.tweetTimeline(queryUserTweetsAndReplies, "UserTweetsAndReplies", map[string]any{
		"userId":                 userID,
		"includePromotedContent": false,
		"withCommunity":          true,
		"withVoice":              false,
	})
	return pagination.New(fetch, tweetID, maxItems)
}

// Following streams the accounts a user follows.
func (c *Client) Following(userID string, maxItems int) *pagination.Stream[Profile] {
	fetch := c.profileTimeline(queryFollowing, "Following", map[string]any{
		"userId":                 userID,
		"includePromotedContent": false,
	})
	return pagination.New(fetch, profileID, maxItems)
}

// Followers streams a user's followers.
func (c *Client) Followers(userID string, maxItems int) *pagination.Stream[Profile] {
	fetch := c.profileTimeline(queryFollowers, "Followers", map[string]any{
		"userId":                 userID,
		"includePromotedContent": false,
	})
	return pagination.New(fetch, profileID, maxItems)
}

// CommunityMembers streams the member list of a community.
func (c *Client) CommunityMembers(communityID string, maxItems int) *pagination.Stream[Profile] {
	fetch := c.profileTimeline(queryCommunityMembers, "membersSliceTimeline_Query", map[string]any{
		"communityId": communityID,
	})
	return pagination.New(fetch, profileID, maxItems)
}

func tweetID(t Tweet) string      { return t.ID }
func profileID(p Profile) string { return p.ID }
