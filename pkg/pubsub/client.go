package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Role selects which resources a process needs at boot.
type Role int

const (
	RolePublisher Role = iota
	RoleSubscriber
)

type resourceKind string

const (
	kindTopic        resourceKind = "topics"
	kindSubscription resourceKind = "subscriptions"
)

// resource is a named Pub/Sub object that must exist before the process serves.
type resource struct {
	kind     resourceKind
	name     string
	optional bool
}

type Client struct {
	client    *pubsub.Client
	projectID string
	cfg       config.PubSubConfig
	required  []resource
}

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errNotInitialized    = errors.New("pubsub client not initialized")
)

// NewClient dials Pub/Sub and verifies every resource the role depends on.
// Publishers need the domain topic (plus the DLQ topic when configured);
// subscribers need the mailer subscription.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, role Role, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}

	required, err := requiredResources(cfg, role)
	if err != nil {
		return nil, err
	}

	conn, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	c := &Client{client: conn, projectID: projectID, cfg: cfg, required: required}
	if err := c.verify(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"project_id": projectID,
			"resources":  len(required),
		}), "pubsub client initialized")
	}
	return c, nil
}

func requiredResources(cfg config.PubSubConfig, role Role) ([]resource, error) {
	switch role {
	case RolePublisher:
		if strings.TrimSpace(cfg.DomainTopic) == "" {
			return nil, errors.New("pubsub domain topic is required")
		}
		return []resource{
			{kind: kindTopic, name: cfg.DomainTopic},
			{kind: kindTopic, name: cfg.DLQTopic, optional: true},
		}, nil
	case RoleSubscriber:
		if strings.TrimSpace(cfg.MailerSubscription) == "" {
			return nil, errors.New("pubsub mailer subscription is required")
		}
		return []resource{{kind: kindSubscription, name: cfg.MailerSubscription}}, nil
	default:
		return nil, fmt.Errorf("unknown pubsub role %d", role)
	}
}

func (c *Client) verify(ctx context.Context) error {
	for _, r := range c.required {
		full := c.resolve(r.kind, r.name)
		if full == "" {
			if r.optional {
				continue
			}
			return fmt.Errorf("pubsub %s %q not configured", r.kind, r.name)
		}

		var err error
		switch r.kind {
		case kindTopic:
			_, err = c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: full})
		case kindSubscription:
			_, err = c.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: full})
		}
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("pubsub %s %q does not exist", r.kind, r.name)
		}
		if err != nil {
			return fmt.Errorf("checking pubsub %s %q: %w", r.kind, r.name, err)
		}
	}
	return nil
}

// resolve expands a short id into projects/<project>/<kind>/<id>. Names that
// are already fully qualified pass through unchanged.
func (c *Client) resolve(kind resourceKind, name string) string {
	if c == nil {
		return ""
	}
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/"+string(kind)+"/") {
		return n
	}
	if c.projectID == "" {
		return ""
	}
	return "projects/" + c.projectID + "/" + string(kind) + "/" + n
}

// Subscription returns a subscriber handle for an id or full resource name.
func (c *Client) Subscription(name string) *pubsub.Subscriber {
	if c == nil || c.client == nil {
		return nil
	}
	if full := c.resolve(kindSubscription, name); full != "" {
		return c.client.Subscriber(full)
	}
	return nil
}

func (c *Client) MailerSubscription() *pubsub.Subscriber {
	return c.Subscription(c.cfg.MailerSubscription)
}

// Publisher returns a publisher handle for an id or full resource name.
func (c *Client) Publisher(name string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	if full := c.resolve(kindTopic, name); full != "" {
		return c.client.Publisher(full)
	}
	return nil
}

func (c *Client) DomainPublisher() *pubsub.Publisher {
	return c.Publisher(c.cfg.DomainTopic)
}

// Ping re-checks that the role's resources are still reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	return c.verify(ctx)
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
