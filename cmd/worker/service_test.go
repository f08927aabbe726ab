package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/retry"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// flakyConsumer fails `failures` times, then blocks until canceled.
type flakyConsumer struct {
	mu       sync.Mutex
	failures int
	runs     int
}

func (c *flakyConsumer) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runs++
	fail := c.runs <= c.failures
	c.mu.Unlock()
	if fail {
		return errors.New("subscription dropped")
	}
	<-ctx.Done()
	return ctx.Err()
}

func quietLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "worker-test", Output: io.Discard})
}

func TestRunRestartsFailedConsumers(t *testing.T) {
	c := &flakyConsumer{failures: 2}
	svc, err := NewService(ServiceParams{
		Logger:    quietLogger(),
		Consumers: map[string]consumer{"notifications": c},
		Restart:   retry.Policy{Base: time.Millisecond, Max: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		runs := c.runs
		c.mu.Unlock()
		if runs >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("consumer restarted %d times", runs-1)
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
}

func TestRunStopsWhenDependencyIsDown(t *testing.T) {
	c := &flakyConsumer{}
	svc, err := NewService(ServiceParams{
		Logger: quietLogger(),
		Dependencies: map[string]pinger{
			"database": pingFunc(func(context.Context) error { return nil }),
			"redis":    pingFunc(func(context.Context) error { return errors.New("connection refused") }),
		},
		Consumers: map[string]consumer{"notifications": c},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("expected readiness failure")
	}
	if c.runs != 0 {
		t.Fatalf("consumer must not start before dependencies are ready")
	}
}

func TestNewServiceValidates(t *testing.T) {
	if _, err := NewService(ServiceParams{Consumers: map[string]consumer{"n": &flakyConsumer{}}}); err == nil {
		t.Fatal("expected missing logger error")
	}
	if _, err := NewService(ServiceParams{Logger: quietLogger()}); err == nil {
		t.Fatal("expected missing consumer error")
	}
	if _, err := NewService(ServiceParams{Logger: quietLogger(), Consumers: map[string]consumer{"n": nil}}); err == nil {
		t.Fatal("expected nil consumer error")
	}
}
