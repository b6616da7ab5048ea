// Package emailcode models the confirmation-code collaborator. The real
// implementation reads the upstream's verification mail over IMAP; it lives
// outside this module and is injected at boot.
package emailcode

import (
	"context"
	"fmt"
)

type Fetcher interface {
	// FetchCode retrieves the most recent confirmation code sent to the
	// account's mailbox.
	FetchCode(ctx context.Context, email, emailPassword string) (string, error)
}

// Unavailable is the default collaborator used when no IMAP helper is
// configured.
type Unavailable struct{}

func (Unavailable) FetchCode(ctx context.Context, email, emailPassword string) (string, error) {
	return "", fmt.Errorf("no confirmation-code fetcher configured")
}

// Static always answers with a fixed code. Used by tests.
type Static struct {
	Code string
}

func (s Static) FetchCode(ctx context.Context, email, emailPassword string) (string, error) {
	return s.Code, nil
}
