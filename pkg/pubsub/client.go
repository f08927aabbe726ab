package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.uber.org/multierr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bring2life/bring2life-backend/pkg/config"
	"github.com/bring2life/bring2life-backend/pkg/logger"
)

const (
	kindTopic        = "topics"
	kindSubscription = "subscriptions"
)

var errProjectIDRequired = errors.New("gcp project id is required")

// Client wraps the Pub/Sub v2 client with the settlement and ops topics and
// their subscriptions.
type Client struct {
	ps      *pubsub.Client
	project string
	cfg     config.PubSubConfig
}

// NewClient fails when any configured topic or subscription is missing, so a
// misconfigured binary never starts publishing into the void.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	project := strings.TrimSpace(gcp.ProjectID)
	if project == "" {
		return nil, errProjectIDRequired
	}
	ps, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	c := &Client{ps: ps, project: project, cfg: cfg}
	if err := c.verify(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"topics":        nonBlank(cfg.SettlementTopic, cfg.OpsTopic),
			"subscriptions": nonBlank(cfg.SettlementSubscription, cfg.OpsSubscription),
		}), "pubsub client initialized")
	}
	return c, nil
}

func (c *Client) verify(ctx context.Context) error {
	var errs error
	for _, topic := range nonBlank(c.cfg.SettlementTopic, c.cfg.OpsTopic) {
		_, err := c.ps.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: c.resource(kindTopic, topic)})
		errs = multierr.Append(errs, lookupError("topic", topic, err))
	}
	for _, sub := range nonBlank(c.cfg.SettlementSubscription, c.cfg.OpsSubscription) {
		_, err := c.ps.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: c.resource(kindSubscription, sub)})
		errs = multierr.Append(errs, lookupError("subscription", sub, err))
	}
	return errs
}

func lookupError(kind, name string, err error) error {
	switch {
	case err == nil:
		return nil
	case status.Code(err) == codes.NotFound:
		return fmt.Errorf("%s %q does not exist", kind, name)
	default:
		return fmt.Errorf("checking %s %q: %w", kind, name, err)
	}
}

// Subscription accepts a short ID or a full resource name.
func (c *Client) Subscription(name string) *pubsub.Subscriber {
	if c == nil || c.ps == nil {
		return nil
	}
	full := c.resource(kindSubscription, name)
	if full == "" {
		return nil
	}
	return c.ps.Subscriber(full)
}

func (c *Client) SettlementSubscription() *pubsub.Subscriber {
	return c.Subscription(c.cfg.SettlementSubscription)
}

// Publisher accepts a short topic ID or a full resource name.
func (c *Client) Publisher(name string) *pubsub.Publisher {
	if c == nil || c.ps == nil {
		return nil
	}
	full := c.resource(kindTopic, name)
	if full == "" {
		return nil
	}
	return c.ps.Publisher(full)
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.ps == nil {
		return errors.New("pubsub client not initialized")
	}
	return c.verify(ctx)
}

func (c *Client) Close() error {
	if c == nil || c.ps == nil {
		return nil
	}
	return c.ps.Close()
}

// resource expands a short name to projects/<project>/<kind>/<name>. Names
// that are already fully qualified pass through.
func (c *Client) resource(kind, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if strings.HasPrefix(name, "projects/") && strings.Contains(name, "/"+kind+"/") {
		return name
	}
	if c == nil || c.project == "" {
		return ""
	}
	return "projects/" + c.project + "/" + kind + "/" + name
}

func nonBlank(names ...string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
