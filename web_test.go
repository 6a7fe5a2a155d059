package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg *Config) *httptest.Server {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	mux, parties := newRouter(ctx, cfg)

	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		parties.Close()
		cancel()
	})

	return ts
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, string(body)
}

func TestRoutes(t *testing.T) {
	ts := newTestServer(t, &Config{port: 8080, prefix: "/impostor"})

	resp, body := get(t, ts.URL+"/impostor/version")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "impostor v"+releaseVersion+"\n", body)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, body = get(t, ts.URL+"/impostor/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Ok\n", body)

	resp, body = get(t, ts.URL+"/impostor/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `href="/impostor/party"`)

	resp, _ = get(t, ts.URL+"/impostor/party")
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), "/impostor/party/"))

	resp, body = get(t, ts.URL+"/impostor/party/abc")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"party":"abc","peers":[]}`, body)

	resp, _ = get(t, ts.URL+"/impostor/pprof/heap")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProfileRoutes(t *testing.T) {
	ts := newTestServer(t, &Config{port: 8080, profile: true})

	resp, _ := get(t, ts.URL+"/pprof/cmdline")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHumanReadableSize(t *testing.T) {
	assert.Equal(t, "999 B", humanReadableSize(999))
	assert.Equal(t, "1.5 kB", humanReadableSize(1500))
	assert.Equal(t, "2.0 MB", humanReadableSize(2_000_000))
}
