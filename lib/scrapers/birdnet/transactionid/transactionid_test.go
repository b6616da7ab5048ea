package transactionid

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

const homePage = `<!DOCTYPE html>
<html>
<head>
<meta name="twitter-site-verification" content="verification-key-value"/>
<script>
window.__INITIAL_STATE__={};
document.cookie="x";
{"ondemand.s":"abcdef123456"}
</script>
</head>
<body></body>
</html>`

func TestPageSourceFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(homePage))
	}))
	defer server.Close()

	source := &PageSource{Http: resty.New(), HomeURL: server.URL}
	data, err := source.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "verification-key-value", data.VerificationKey)
	require.Equal(t, "abcdef123456", data.OndemandScriptId)
}

func TestPageSourceMissingKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><head></head></html>"))
	}))
	defer server.Close()

	source := &PageSource{Http: resty.New(), HomeURL: server.URL}
	_, err := source.Fetch(context.Background())
	require.Error(t, err)
}

func TestNoneGeneratesNothing(t *testing.T) {
	id, err := None{}.Generate(context.Background(), "POST", "/1.1/onboarding/task.json")
	require.NoError(t, err)
	require.Empty(t, id)
}
