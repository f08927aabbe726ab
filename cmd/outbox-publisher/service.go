package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bring2life/bring2life-backend/pkg/config"
	"github.com/bring2life/bring2life-backend/pkg/db/models"
	"github.com/bring2life/bring2life-backend/pkg/enums"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	"github.com/bring2life/bring2life-backend/pkg/metrics"
	"github.com/bring2life/bring2life-backend/pkg/outbox/payloads"
	"github.com/bring2life/bring2life-backend/pkg/outbox/registry"
	"github.com/bring2life/bring2life-backend/pkg/retry"
)

const (
	defaultBatchSize   = 50
	defaultPoll        = 500 * time.Millisecond
	defaultMaxAttempts = 10
	publishTimeout     = 15 * time.Second
	maxIdleBackoff     = 10 * time.Second
)

// outcome is what happened to one outbox row in a drain pass.
type outcome string

const (
	outcomePublished    outcome = "published"
	outcomeRetry        outcome = "retry"
	outcomeDeadLettered outcome = "dead_lettered"
)

type batchReport struct {
	Published    int
	Retried      int
	DeadLettered int
}

func (r batchReport) total() int { return r.Published + r.Retried + r.DeadLettered }

func (r *batchReport) add(o outcome) {
	switch o {
	case outcomePublished:
		r.Published++
	case outcomeRetry:
		r.Retried++
	case outcomeDeadLettered:
		r.DeadLettered++
	}
}

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type outboxRepository interface {
	ClaimBatch(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublished(tx *gorm.DB, id uuid.UUID, at time.Time) error
	RecordFailure(tx *gorm.DB, id uuid.UUID, cause error) error
	DeadLetter(tx *gorm.DB, entry models.OutboxDLQ, parkAt int) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

// topicPublisher returns the publisher for a topic, or nil when none is configured.
type topicPublisher func(topic string) publisher

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type ServiceParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         dbClient
	PubSub     pubSubClient
	Repository outboxRepository
	Registry   registryResolver
	Metrics    *metrics.OutboxMetrics
	// Publishers overrides topic lookup on the Pub/Sub client.
	Publishers topicPublisher
}

// Service drains unpublished outbox rows to Pub/Sub. A row is published,
// left for another attempt, or moved to the DLQ; all three happen inside the
// transaction that locked the batch.
type Service struct {
	logg        *logger.Logger
	db          dbClient
	pubsub      pubSubClient
	repo        outboxRepository
	registry    registryResolver
	metrics     *metrics.OutboxMetrics
	publishers  topicPublisher
	batchSize   int
	maxAttempts int
	poll        time.Duration
	backoff     retry.Policy
	now         func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Config == nil:
		return nil, errors.New("config is required")
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	case params.DB == nil:
		return nil, errors.New("database client is required")
	case params.PubSub == nil:
		return nil, errors.New("pubsub client is required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository is required")
	case params.Registry == nil:
		return nil, errors.New("event registry is required")
	}

	publishers := params.Publishers
	if publishers == nil {
		client := params.PubSub
		publishers = func(topic string) publisher {
			if p := client.Publisher(topic); p != nil {
				return gcpPublisher{p}
			}
			return nil
		}
	}

	cfg := params.Config.Outbox
	poll := time.Duration(cfg.PollIntervalMS) * time.Millisecond
	if poll <= 0 {
		poll = defaultPoll
	}
	return &Service{
		logg:        params.Logger,
		db:          params.DB,
		pubsub:      params.PubSub,
		repo:        params.Repository,
		registry:    params.Registry,
		metrics:     params.Metrics,
		publishers:  publishers,
		batchSize:   positiveOr(cfg.BatchSize, defaultBatchSize),
		maxAttempts: positiveOr(cfg.MaxAttempts, defaultMaxAttempts),
		poll:        poll,
		backoff:     retry.Policy{Base: poll, Max: maxIdleBackoff, Jitter: true},
		now:         time.Now,
	}, nil
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		s.logg.Error(ctx, "database ping failed", err)
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := s.pubsub.Ping(ctx); err != nil {
		s.logg.Error(ctx, "pubsub ping failed", err)
		return fmt.Errorf("pubsub ping failed: %w", err)
	}
	return nil
}

// Run drains batches back to back while rows keep coming, polls when idle and
// backs off exponentially while the database keeps failing.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			s.logg.Info(ctx, "outbox publisher context canceled")
			return err
		}

		report, err := s.drain(ctx)
		wait := s.poll
		switch {
		case err != nil:
			wait = s.backoff.Delay(failures)
			failures++
			s.logg.Error(s.logg.WithField(ctx, "consecutive_failures", failures), "outbox drain failed", err)
		case report.total() > 0:
			failures = 0
			s.logg.Info(s.logg.WithFields(ctx, map[string]any{
				"published":     report.Published,
				"retried":       report.Retried,
				"dead_lettered": report.DeadLettered,
			}), "outbox batch drained")
			continue
		default:
			failures = 0
		}

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (s *Service) drain(ctx context.Context) (batchReport, error) {
	var report batchReport
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := s.repo.ClaimBatch(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return err
		}
		for _, event := range events {
			o, err := s.handle(ctx, tx, event)
			if err != nil {
				return err
			}
			report.add(o)
			s.metrics.Event(string(event.EventType), string(o))
		}
		return nil
	})
	if err != nil {
		return batchReport{}, err
	}
	return report, nil
}

// handle publishes one row. Only bookkeeping failures are returned as errors;
// they roll the whole batch back.
func (s *Service) handle(ctx context.Context, tx *gorm.DB, event models.OutboxEvent) (outcome, error) {
	resolved, err := s.registry.Resolve(event)
	if err != nil {
		return s.deadLetter(ctx, tx, event, "", enums.OutboxDLQReasonNonRetryable, err)
	}
	topic := resolved.Descriptor.Topic

	pubErr := s.publish(ctx, event, resolved)
	if pubErr == nil {
		if err := s.repo.MarkPublished(tx, event.ID, s.now()); err != nil {
			return "", fmt.Errorf("mark published %s: %w", event.ID, err)
		}
		if !event.CreatedAt.IsZero() {
			s.metrics.ObserveLag(s.now().Sub(event.CreatedAt).Seconds())
		}
		return outcomePublished, nil
	}

	var nonRetryable registry.NonRetryableError
	if errors.As(pubErr, &nonRetryable) {
		return s.deadLetter(ctx, tx, event, topic, enums.OutboxDLQReasonNonRetryable, pubErr)
	}
	if event.AttemptCount+1 >= s.maxAttempts {
		return s.deadLetter(ctx, tx, event, topic, enums.OutboxDLQReasonMaxAttempts,
			fmt.Errorf("max publish attempts reached: %w", pubErr))
	}

	s.logg.Warn(s.eventContext(ctx, event, topic, pubErr), "outbox publish failed, will retry")
	if err := s.repo.RecordFailure(tx, event.ID, pubErr); err != nil {
		return "", fmt.Errorf("mark failure %s: %w", event.ID, err)
	}
	return outcomeRetry, nil
}

func (s *Service) deadLetter(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, topic string, reason enums.OutboxDLQErrorReason, cause error) (outcome, error) {
	s.logg.Warn(s.logg.WithField(s.eventContext(ctx, event, topic, cause), "error_reason", reason), "outbox event moved to dlq")

	msg := cause.Error()
	entry := models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   reason,
		ErrorMessage:  &msg,
		AttemptCount:  event.AttemptCount,
		FailedAt:      s.now().UTC(),
	}
	if err := s.repo.DeadLetter(tx, entry, s.maxAttempts); err != nil {
		return "", fmt.Errorf("dead-letter %s: %w", event.ID, err)
	}
	return outcomeDeadLettered, nil
}

func (s *Service) publish(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	topic := resolved.Descriptor.Topic
	pub := s.publishers(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("no publisher for topic %s", topic))
	}

	attrs := map[string]string{
		"event_id":       resolved.Envelope.EventID,
		"event_type":     string(event.EventType),
		"aggregate_type": string(event.AggregateType),
		"aggregate_id":   event.AggregateID.String(),
		"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
	}
	if id := commissionOf(resolved.Payload); id != uuid.Nil {
		attrs["commission_id"] = id.String()
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	result := pub.Publish(publishCtx, &gcppubsub.Message{Data: event.Payload, Attributes: attrs})
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher for topic %s returned no result", topic))
	}
	_, err := result.Get(publishCtx)
	return err
}

// commissionOf lets subscribers filter on the commission without decoding the body.
func commissionOf(payload any) uuid.UUID {
	switch p := payload.(type) {
	case *payloads.BidAcceptedEvent:
		return p.CommissionID
	case *payloads.CommissionFundedEvent:
		return p.CommissionID
	case *payloads.MilestoneEvent:
		return p.CommissionID
	case *payloads.CommissionStatusEvent:
		return p.CommissionID
	case *payloads.DisputeResolvedEvent:
		return p.CommissionID
	case *payloads.CertificateIssuedEvent:
		return p.CommissionID
	case *payloads.ReconciliationFlaggedEvent:
		return p.CommissionID
	}
	return uuid.Nil
}

func (s *Service) eventContext(ctx context.Context, event models.OutboxEvent, topic string, err error) context.Context {
	fields := map[string]any{
		"outbox_id":     event.ID.String(),
		"event_type":    event.EventType,
		"aggregate_id":  event.AggregateID.String(),
		"attempt_count": event.AttemptCount + 1,
	}
	if topic != "" {
		fields["topic"] = topic
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	return s.logg.WithFields(ctx, fields)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type gcpPublisher struct {
	p *gcppubsub.Publisher
}

func (g gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return g.p.Publish(ctx, msg)
}
