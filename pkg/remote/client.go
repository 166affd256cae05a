// Package remote is a client for a provisioning service speaking the
// OpenStack bare metal API. Calls are retried while the service is
// unavailable or unreachable.
package remote

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack/baremetal/noauth"
	"github.com/gophercloud/gophercloud/openstack/baremetal/v1/nodes"

	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/metrics"
	"github.com/fly-io/metalprov/pkg/node"
)

type Config struct {
	// Endpoint is the service's API root, e.g. http://10.0.0.5:6385/v1/.
	Endpoint string
	// MaxRetries is the total number of attempts per call.
	MaxRetries    int
	RetryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Endpoint:      "http://localhost:6385/v1/",
		MaxRetries:    60,
		RetryInterval: 2 * time.Second,
	}
}

type Client struct {
	cfg     Config
	service *gophercloud.ServiceClient
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New builds an unauthenticated client for cfg.Endpoint.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.InvalidParameter("remote endpoint is not configured")
	}
	service, err := noauth.NewBareMetalNoAuth(noauth.EndpointOpts{IronicEndpoint: cfg.Endpoint})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create bare metal client")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		service: service,
		logger:  logger.With("component", "remote", "endpoint", cfg.Endpoint),
		metrics: m,
	}, nil
}

type statusCoder interface {
	GetStatusCode() int
}

// retryable reports whether err is worth another attempt: the service said
// it is unavailable, or it could not be reached at all.
func retryable(err error) bool {
	var sc statusCoder
	if stderrors.As(err, &sc) {
		return sc.GetStatusCode() == http.StatusServiceUnavailable
	}
	var urlErr *url.Error
	if stderrors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr)
}

// Call runs fn until it succeeds, fails with a non-retryable error (returned
// unchanged) or runs out of attempts (ErrRemoteCallFailed).
func (c *Client) Call(ctx context.Context, method string, fn func() error) error {
	attempts := max(c.cfg.MaxRetries, 1)
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryInterval), uint64(attempts-1)),
		ctx)

	tries := 0
	permanent := false
	err := backoff.Retry(func() error {
		tries++
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		c.logger.Warn("remote_call_retry", "method", method, "attempt", tries, "max_attempts", attempts, "error", err)
		return err
	}, b)

	c.metrics.ObserveRemoteCall(method, err == nil)
	switch {
	case err == nil, permanent:
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	}
	c.logger.Error("remote_call_failed", "method", method, "attempts", tries, "error", err)
	return fmt.Errorf("%w: %s after %d attempts: %w", errors.ErrRemoteCallFailed, method, tries, err)
}

// CallResult is Call for functions returning a value.
func CallResult[T any](ctx context.Context, c *Client, method string, fn func() (T, error)) (T, error) {
	var out T
	err := c.Call(ctx, method, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

// Node is the service's view of a node.
type Node struct {
	UUID           string
	Name           string
	Driver         string
	PowerState     string
	ProvisionState string
	LastError      string
}

func fromAPI(n *nodes.Node) *Node {
	return &Node{
		UUID:           n.UUID,
		Name:           n.Name,
		Driver:         n.Driver,
		PowerState:     n.PowerState,
		ProvisionState: n.ProvisionState,
		LastError:      n.LastError,
	}
}

func (c *Client) GetNode(ctx context.Context, id string) (*Node, error) {
	n, err := CallResult(ctx, c, "node.get", func() (*nodes.Node, error) {
		return nodes.Get(c.service, id).Extract()
	})
	if err != nil {
		return nil, err
	}
	return fromAPI(n), nil
}

func (c *Client) ListNodes(ctx context.Context) ([]*Node, error) {
	all, err := CallResult(ctx, c, "node.list", func() ([]nodes.Node, error) {
		pages, err := nodes.List(c.service, nodes.ListOpts{}).AllPages()
		if err != nil {
			return nil, err
		}
		return nodes.ExtractNodes(pages)
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Node, 0, len(all))
	for i := range all {
		out = append(out, fromAPI(&all[i]))
	}
	return out, nil
}

var powerTargets = map[node.PowerState]nodes.TargetPowerState{
	node.PowerOn:  nodes.PowerOn,
	node.PowerOff: nodes.PowerOff,
	node.Reboot:   nodes.Rebooting,
}

// SetPowerState asks the service to change a node's power state. The change
// is asynchronous on the service side.
func (c *Client) SetPowerState(ctx context.Context, id string, target node.PowerState) error {
	t, ok := powerTargets[target]
	if !ok {
		return errors.InvalidParameter("unsupported power state %q", target)
	}
	return c.Call(ctx, "node.set_power_state", func() error {
		return nodes.ChangePowerState(c.service, id, nodes.PowerStateOpts{Target: t}).ExtractErr()
	})
}
