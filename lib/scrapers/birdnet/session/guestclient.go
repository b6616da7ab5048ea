package session

import (
	"context"

	"github.com/go-resty/resty/v2"
)

// GuestClient serves unauthenticated reads over a single anonymous session
// that lazily keeps its guest token fresh.
type GuestClient struct {
	sess *Session
}

func NewGuestClient(opts Options) (*GuestClient, error) {
	opts.Username = ""
	sess, err := New(opts)
	if err != nil {
		return nil, err
	}
	return &GuestClient{sess: sess}, nil
}

func (g *GuestClient) Get(ctx context.Context, rawURL string) (*resty.Response, error) {
	req := g.sess.Http.R().SetContext(ctx)
	err := g.sess.InstallGuestHeaders(ctx, req)
	if err != nil {
		return nil, err
	}
	return req.Get(rawURL)
}
