package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/retry"
)

// healthyRun is how long a consumer must stay up before its restart backoff
// resets.
const healthyRun = time.Minute

type pinger interface {
	Ping(context.Context) error
}

type consumer interface {
	Run(context.Context) error
}

type ServiceParams struct {
	Logger *logger.Logger
	// Dependencies are pinged by name before any consumer starts.
	Dependencies map[string]pinger
	Consumers    map[string]consumer
	Restart      retry.Policy
}

// Service runs the event consumers side by side and restarts any that
// return while the context is still live.
type Service struct {
	logg      *logger.Logger
	deps      map[string]pinger
	consumers map[string]consumer
	restart   retry.Policy
	sleep     func(context.Context, time.Duration) error
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if len(params.Consumers) == 0 {
		return nil, errors.New("at least one consumer is required")
	}
	for name, c := range params.Consumers {
		if c == nil {
			return nil, fmt.Errorf("consumer %s is nil", name)
		}
	}
	restart := params.Restart
	if restart.Base <= 0 {
		restart = retry.Policy{Base: time.Second, Max: 30 * time.Second, Jitter: true}
	}
	return &Service{
		logg:      params.Logger,
		deps:      params.Dependencies,
		consumers: params.Consumers,
		restart:   restart,
		sleep:     sleep,
	}, nil
}

func (s *Service) ready(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for name, dep := range s.deps {
		g.Go(func() error {
			if err := dep.Ping(gctx); err != nil {
				return fmt.Errorf("%s not ready: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logg.Info(ctx, "worker dependencies ready")
	return nil
}

// Run returns ctx.Err() once every consumer has stopped.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ready(ctx); err != nil {
		s.logg.Error(ctx, "worker readiness failed", err)
		return err
	}
	var g errgroup.Group
	for name, c := range s.consumers {
		g.Go(func() error {
			s.supervise(s.logg.WithField(ctx, "consumer", name), c)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (s *Service) supervise(ctx context.Context, c consumer) {
	failures := 0
	for {
		started := time.Now()
		err := c.Run(ctx)
		if ctx.Err() != nil {
			s.logg.Info(ctx, "consumer stopped")
			return
		}
		if time.Since(started) >= healthyRun {
			failures = 0
		}
		wait := s.restart.Delay(failures)
		failures++
		if err == nil {
			err = errors.New("receive returned without error")
		}
		s.logg.Error(s.logg.WithFields(ctx, map[string]any{
			"restarts": failures,
			"wait_ms":  wait.Milliseconds(),
		}), "consumer stopped, restarting", err)
		if s.sleep(ctx, wait) != nil {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
