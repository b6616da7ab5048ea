package api

import (
	"encoding/json"
	"sort"
	"strings"
)

// The upstream's timeline JSON is deep and drifts between endpoints; these
// helpers dig out only the fields the gateway routes on (ids, cursors,
// error messages) and ignore the rest.

// upstreamErrors pulls the errors[] messages out of a response body.
func upstreamErrors(body []byte) []string {
	var payload struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return nil
	}
	out := make([]string, 0, len(payload.Errors))
	for _, e := range payload.Errors {
		out = append(out, e.Message)
	}
	return out
}

func hasUpstreamError(body []byte, substring string) bool {
	for _, msg := range upstreamErrors(body) {
		if strings.Contains(msg, substring) {
			return true
		}
	}
	return false
}

// walk visits every JSON node depth-first. Arrays keep their order; object
// keys are visited in sorted order so traversal is deterministic.
func walk(raw json.RawMessage, visit func(key string, value json.RawMessage) bool) {
	if len(raw) == 0 {
		return
	}
	switch raw[0] {
	case '{':
		var obj map[string]json.RawMessage
		if json.Unmarshal(raw, &obj) != nil {
			return
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if visit(k, obj[k]) {
				continue
			}
			walk(obj[k], visit)
		}
	case '[':
		var arr []json.RawMessage
		if json.Unmarshal(raw, &arr) != nil {
			return
		}
		for _, el := range arr {
			walk(el, visit)
		}
	}
}

// findResults collects the `result` objects under every occurrence of
// wrapperKey ("tweet_results" / "user_results"), in walk order: array
// elements keep their order, object keys are taken in sorted order.
func findResults(body json.RawMessage, wrapperKey string) []json.RawMessage {
	var out []json.RawMessage
	walk(body, func(key string, value json.RawMessage) bool {
		if key != wrapperKey || len(value) == 0 || value[0] != '{' {
			return false
		}
		var wrapper struct {
			Result json.RawMessage `json:"result"`
		}
		if json.Unmarshal(value, &wrapper) == nil && len(wrapper.Result) > 0 && wrapper.Result[0] == '{' {
			out = append(out, wrapper.Result)
		}
		return true
	})
	return out
}

// bottomCursor extracts the Bottom cursor value out of a timeline page.
func bottomCursor(body json.RawMessage) string {
	cursor := ""
	walk(body, func(key string, value json.RawMessage) bool {
		if cursor != "" {
			return true
		}
		if len(value) == 0 || value[0] != '{' {
			return false
		}
		var node struct {
			CursorType string `json:"cursorType"`
			Value      string `json:"value"`
		}
		if json.Unmarshal(value, &node) == nil && node.CursorType == "Bottom" && node.Value != "" {
			cursor = node.Value
			return true
		}
		return false
	})
	return cursor
}

// tweetFromResult builds a Tweet from a tweet_results result object,
// unwrapping visibility containers. Tombstones yield ok=false.
func tweetFromResult(result json.RawMessage) (Tweet, bool) {
	var head struct {
		TypeName string          `json:"__typename"`
		RestID   string          `json:"rest_id"`
		Tweet    json.RawMessage `json:"tweet"`
		Legacy   struct {
			IDStr string `json:"id_str"`
		} `json:"legacy"`
	}
	if json.Unmarshal(result, &head) != nil {
		return Tweet{}, false
	}
	if head.RestID == "" && len(head.Tweet) > 0 {
		// TweetWithVisibilityResults wraps the real object
		return tweetFromResult(head.Tweet)
	}
	id := head.RestID
	if id == "" {
		id = head.Legacy.IDStr
	}
	if id == "" {
		return Tweet{}, false
	}
	return Tweet{ID: id, Raw: result}, true
}

func profileFromResult(result json.RawMessage) (Profile, bool) {
	var head struct {
		RestID string `json:"rest_id"`
		Legacy struct {
			ScreenName string `json:"screen_name"`
		} `json:"legacy"`
	}
	if json.Unmarshal(result, &head) != nil {
		return Profile{}, false
	}
	if head.RestID == "" {
		return Profile{}, false
	}
	return Profile{ID: head.RestID, ScreenName: head.Legacy.ScreenName, Raw: result}, true
}

// timelineTweets parses one page of any tweet-bearing timeline.
func timelineTweets(body []byte) ([]Tweet, string) {
	var tweets []Tweet
	for _, result := range findResults(body, "tweet_results") {
		tweet, ok := tweetFromResult(result)
		if ok {
			tweets = append(tweets, tweet)
		}
	}
	return tweets, bottomCursor(body)
}

// timelineProfiles parses one page of any user-bearing timeline.
func timelineProfiles(body []byte) ([]Profile, string) {
	var profiles []Profile
	for _, result := range findResults(body, "user_results") {
		profile, ok := profileFromResult(result)
		if ok {
			profiles = append(profiles, profile)
		}
	}
	return profiles, bottomCursor(body)
}
