// Package api builds upstream endpoint requests and parses just enough of
// the responses to route them downstream.
package api

import (
	"encoding/json"
	"fmt"
)

var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrInvalidHandle = fmt.Errorf("invalid handle")
)

// ParseError marks upstream JSON the gateway could not make sense of; it
// surfaces as a 502 downstream, distinct from "no account worked".
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unusable upstream response from %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Tweet carries the upstream object verbatim plus the id the gateway needs
// for dedupe and max_id windowing.
type Tweet struct {
	ID  string
	Raw json.RawMessage
}

func (t Tweet) MarshalJSON() ([]byte, error) {
	return t.Raw, nil
}

// Profile carries the upstream user object verbatim.
type Profile struct {
	ID         string
	ScreenName string
	Raw        json.RawMessage
}

func (p Profile) MarshalJSON() ([]byte, error) {
	return p.Raw, nil
}
