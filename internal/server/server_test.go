package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabuladb/tabula/internal/observability"
)

func TestShutdown_ClosesInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		sm.RegisterCloser(CloserFunc(func() error {
			order = append(order, i)
			if i == 2 {
				return errors.New("boom")
			}
			return nil
		}))
	}

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []int{3, 2, 1}, order)

	select {
	case <-sm.ShutdownCh():
	default:
		t.Fatal("shutdown channel not closed")
	}

	// Later calls do nothing.
	assert.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestShutdown_Timeout(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{ShutdownTimeout: 20 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	sm.RegisterCloser(CloserFunc(func() error {
		<-release
		return nil
	}))

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSignalContext_CancelledByShutdown(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())
	ctx, stop := sm.SignalContext(context.Background())
	defer stop()

	require.NoError(t, sm.Shutdown(context.Background()))
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	m.AddRowsRead("csv", 7)

	srv := NewMetricsServer("127.0.0.1:0", reg, nil)
	require.NoError(t, srv.Start())
	defer srv.Close()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tabula_rows_read_total")

	resp, err = http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Close())
	_, err = http.Get("http://" + srv.Addr() + "/health")
	assert.Error(t, err)
}
