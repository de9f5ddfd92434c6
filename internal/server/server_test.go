package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zboralski/anisette/internal/adi"
	"github.com/zboralski/anisette/internal/adi/aditest"
	"github.com/zboralski/anisette/internal/emulator"
	"github.com/zboralski/anisette/internal/provider"
	"github.com/zboralski/anisette/internal/provisioning/gsatest"
)

type fakeSource struct {
	headers map[string]string
	err     error
	calls   int
}

func (f *fakeSource) Headers(context.Context) (map[string]string, error) {
	f.calls++
	return f.headers, f.err
}

func (f *fakeSource) State() adi.State { return adi.Provisioned }

func TestGetRoot(t *testing.T) {
	src := &fakeSource{headers: map[string]string{"X-Apple-I-MD": "b3Rw"}}
	srv := httptest.NewServer(New(src).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Len(t, resp.Header.Get(RequestIDHeader), 20)

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, src.headers, got)
}

func TestGetRootError(t *testing.T) {
	src := &fakeSource{err: errors.New("no session")}
	srv := httptest.NewServer(New(src).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "no session", got["error"])
}

func TestRequestIDsDiffer(t *testing.T) {
	srv := httptest.NewServer(New(&fakeSource{}).Handler())
	defer srv.Close()

	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		ids[resp.Header.Get(RequestIDHeader)] = true
	}
	assert.Len(t, ids, 3)
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(New(&fakeSource{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, "provisioned", got["state"])
}

func postGetHeaders(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+GetHeadersProcedure, "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestConnectGetHeaders(t *testing.T) {
	src := &fakeSource{headers: map[string]string{"X-Apple-I-MD-RINFO": "17106176"}}
	srv := httptest.NewServer(New(src).Handler())
	defer srv.Close()

	resp := postGetHeaders(t, srv.URL)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got GetHeadersResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, src.headers, got.Headers)
	assert.Equal(t, 1, src.calls)
}

func TestConnectGetHeadersError(t *testing.T) {
	srv := httptest.NewServer(New(&fakeSource{err: errors.New("trap")}).Handler())
	defer srv.Close()

	resp := postGetHeaders(t, srv.URL)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var got struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "unavailable", got.Code)
	assert.Equal(t, "trap", got.Message)
}

func TestServeWithProvider(t *testing.T) {
	g := gsatest.New(t)
	p, err := provider.New(provider.Config{
		StoreServices: aditest.StoreServices(aditest.Options{}),
		CoreADI:       aditest.CoreADI(),
		StateDir:      t.TempDir(),
		Options:       emulator.DefaultOptions(),
		Provisioning:  g.Config(),
	})
	require.NoError(t, err)
	defer p.Close()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(p).Serve(ctx, l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/")
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, p.Device().UUID, got["X-Mme-Device-Id"])
	assert.NotEmpty(t, got["X-Apple-I-MD"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
