package server_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aelexs/identity-service/internal/config"
	"github.com/aelexs/identity-service/internal/domain"
	"github.com/aelexs/identity-service/internal/server"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testParams(setup server.SetupFunc) server.Params {
	return server.Params{
		Name:           "identity-test",
		Version:        "0.0.1",
		PortFromConfig: func(_ *config.Config) int { return 0 },
		Setup:          setup,
	}
}

func TestRunGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	ln := newTestListener(t)
	addr := ln.Addr().String()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(ctx, testParams(nil), ln)
	}()

	waitForHealthy(t, addr)

	start := time.Now()
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
		assert.Less(t, time.Since(start), domain.GracefulShutdownTimeout)
	case <-time.After(domain.GracefulShutdownTimeout + 5*time.Second):
		t.Fatal("shutdown did not complete within budget")
	}
}

func TestRunMountsServiceAndRunsCleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var cleaned atomic.Bool
	setup := func(_ context.Context, deps server.SetupDeps) (*server.Service, error) {
		assert.NotNil(t, deps.Config)
		assert.NotNil(t, deps.Logger)

		mux := http.NewServeMux()
		mux.HandleFunc("GET /v1/ping", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "pong")
		})
		return &server.Service{
			Handler: mux,
			Cleanup: func(context.Context) error {
				cleaned.Store(true)
				return nil
			},
		}, nil
	}

	ln := newTestListener(t)
	addr := ln.Addr().String()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(ctx, testParams(setup), ln)
	}()

	waitForHealthy(t, addr)

	resp, err := httpGet(t, fmt.Sprintf("http://%s/v1/ping", addr))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))

	cancel()
	require.NoError(t, <-errCh)
	assert.True(t, cleaned.Load())
}

func TestRunSetupFailure(t *testing.T) {
	setupErr := errors.New("redis unreachable")
	setup := func(context.Context, server.SetupDeps) (*server.Service, error) {
		return nil, setupErr
	}

	ln := newTestListener(t)
	defer ln.Close()

	err := server.Run(context.Background(), testParams(setup), ln)

	require.ErrorIs(t, err, setupErr)
	assert.Contains(t, err.Error(), "setup identity-test")
}

func TestReadinessReflectsService(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var healthy atomic.Bool
	setup := func(context.Context, server.SetupDeps) (*server.Service, error) {
		return &server.Service{
			Ready: func(context.Context) error {
				if !healthy.Load() {
					return errors.New("store down")
				}
				return nil
			},
		}, nil
	}

	ln := newTestListener(t)
	addr := ln.Addr().String()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(ctx, testParams(setup), ln)
	}()

	waitForHealthy(t, addr)
	url := fmt.Sprintf("http://%s/readyz", addr)

	assert.Equal(t, http.StatusServiceUnavailable, statusOf(t, url))
	healthy.Store(true)
	assert.Equal(t, http.StatusOK, statusOf(t, url))

	cancel()
	require.NoError(t, <-errCh)
}

func TestHealthCheckReturns503DuringShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	ln := newTestListener(t)
	addr := ln.Addr().String()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(ctx, testParams(nil), ln)
	}()

	waitForHealthy(t, addr)
	cancel()

	// The listener stays open through the drain delay.
	eventually(t, 2*time.Second, func() bool {
		resp, err := httpGet(t, fmt.Sprintf("http://%s/healthz", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusServiceUnavailable
	})

	<-errCh
}

func newTestListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func waitForHealthy(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := httpGet(t, fmt.Sprintf("http://%s/healthz", addr))
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server at %s not healthy within 5s", addr)
}

func statusOf(t *testing.T, url string) int {
	t.Helper()
	resp, err := httpGet(t, url)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func httpGet(t *testing.T, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

func eventually(t *testing.T, timeout time.Duration, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
