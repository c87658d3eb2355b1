package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchReportDecodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/management/usage", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"total_requests": 10,
			"success_count": 9,
			"failure_count": 1,
			"total_tokens": 500,
			"apis": {
				"chat": {
					"models": {
						"gpt-4o": {
							"total_requests": 10,
							"total_tokens": 500,
							"details": [{"tokens":{"input":300,"output":200}}]
						}
					}
				}
			}
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	report, err := c.FetchReport(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(10), report.TotalRequests)

	in, out := report.APIs["chat"].Models["gpt-4o"].SumTokens()
	require.Equal(t, int64(300), in)
	require.Equal(t, int64(200), out)
}

func TestFetchReportTransientOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.FetchReport(context.Background())
	require.ErrorIs(t, err, ErrTransient)
}

func TestFetchReportParseErrorOnBadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.FetchReport(context.Background())
	require.ErrorIs(t, err, ErrParse)
}
