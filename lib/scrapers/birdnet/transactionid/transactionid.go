// Package transactionid models the X-Client-Transaction-Id collaborator.
// The upstream sometimes demands the header on login traffic; generating it
// requires reproducing an obfuscated browser algorithm over anti-bot data
// embedded in the home page, which is delegated to an external
// implementation of Generator. The gateway attaches the header when a
// generator yields one and proceeds without it otherwise.
package transactionid

import (
	"bytes"
	"context"
	"fmt"
	"regexp"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
)

type Generator interface {
	// Generate returns the header value for a method/path pair. An empty
	// value with a nil error means "send no header".
	Generate(ctx context.Context, method, path string) (string, error)
}

// None is the default collaborator: it never produces a header.
type None struct{}

func (None) Generate(ctx context.Context, method, path string) (string, error) {
	return "", nil
}

// PageSource fetches the upstream home page and digs out the inputs real
// generator implementations need: the site verification key and the
// ondemand script id.
type PageSource struct {
	Http    *resty.Client
	HomeURL string
}

var ondemandRegex = regexp.MustCompile(`['"]ondemand\.s['"]:\s*['"]([\w]+)['"]`)

type PageData struct {
	// content of <meta name="twitter-site-verification">
	VerificationKey string
	// hash of the ondemand.s script bundle
	OndemandScriptId string
}

func (s *PageSource) Fetch(ctx context.Context) (PageData, error) {
	res, err := s.Http.R().
		SetContext(ctx).
		Get(s.HomeURL)
	if err != nil {
		return PageData{}, err
	}
	if res.StatusCode() != 200 {
		return PageData{}, fmt.Errorf("home page returned %s", res.Status())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body()))
	if err != nil {
		return PageData{}, err
	}

	var data PageData
	data.VerificationKey = doc.Find(`meta[name="twitter-site-verification"]`).AttrOr("content", "")
	if groups := ondemandRegex.FindStringSubmatch(string(res.Body())); len(groups) == 2 {
		data.OndemandScriptId = groups[1]
	}
	if data.VerificationKey == "" {
		return data, fmt.Errorf("home page carried no site verification key")
	}
	return data, nil
}
