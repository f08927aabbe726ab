package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bring2life/bring2life-backend/pkg/logger"
)

func TestCloseRunsClosersNewestFirst(t *testing.T) {
	var logs bytes.Buffer
	rt := &Runtime{Logger: logger.New(logger.Options{ServiceName: "test", Output: &logs, Format: logger.FormatJSON})}

	var order []string
	rt.OnClose("database", func() error { order = append(order, "database"); return nil })
	rt.OnClose("redis", func() error { order = append(order, "redis"); return errors.New("already closed") })
	rt.OnClose("core", func() error { order = append(order, "core"); return nil })

	rt.Close()
	rt.Close()

	assert.Equal(t, []string{"core", "redis", "database"}, order)
	assert.Contains(t, logs.String(), "error closing redis")
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServeMetricsStopsWithContext(t *testing.T) {
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeMetrics(ctx, addr, prometheus.NewRegistry()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}

func TestServeMetricsReportsListenFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	err = ServeMetrics(context.Background(), l.Addr().String(), prometheus.NewRegistry())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "metrics server:"), err.Error())
}
