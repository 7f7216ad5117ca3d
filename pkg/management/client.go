// Package management is a client for the connection management API of a
// gateway. It is the send capability used when the handlers do not run in
// the gateway process.
package management

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/tphan267/arqut-signal/pkg/gateway"
	"github.com/tphan267/arqut-signal/pkg/logger"
)

const defaultTimeout = 5 * time.Second

// ErrGone is returned when the gateway reports 410 for a connection.
// It is the gateway's sentinel so errors.Is works across both senders.
var ErrGone = gateway.ErrGone

// Client talks to {endpoint}/@connections
type Client struct {
	endpoint string
	timeout  time.Duration
	logger   *logger.Logger
}

// New creates a management client. endpoint is the stage URL of the
// management API, e.g. http://localhost:3031/dev
func New(endpoint string, timeout time.Duration, log *logger.Logger) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid endpoint url %q: scheme must be http or https", endpoint)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = logger.Discard()
	}

	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		timeout:  timeout,
		logger:   log,
	}, nil
}

// Endpoint returns the base URL requests are sent to
func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) connectionURL(connectionID string) string {
	return c.endpoint + "/@connections/" + url.PathEscape(connectionID)
}

// timeoutFor shortens the request timeout to the context deadline
func (c *Client) timeoutFor(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return 0, context.DeadlineExceeded
	}
	return timeout, nil
}

// do sends one request for connectionID and maps the response status
func (c *Client) do(ctx context.Context, method, connectionID string, body []byte) ([]byte, error) {
	timeout, err := c.timeoutFor(ctx)
	if err != nil {
		return nil, err
	}

	var agent *fiber.Agent
	switch method {
	case fiber.MethodPost:
		agent = fiber.Post(c.connectionURL(connectionID)).
			ContentType(fiber.MIMEApplicationJSON).
			Body(body)
	case fiber.MethodDelete:
		agent = fiber.Delete(c.connectionURL(connectionID))
	default:
		agent = fiber.Get(c.connectionURL(connectionID))
	}

	status, respBody, errs := agent.Timeout(timeout).Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("management request for %s: %w", connectionID, errors.Join(errs...))
	}

	switch {
	case status == fiber.StatusGone:
		return nil, ErrGone
	case status < 200 || status >= 300:
		return nil, fmt.Errorf("management request for %s: unexpected status %d: %s", connectionID, status, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

// PostToConnection sends data to a connection as one text frame
func (c *Client) PostToConnection(ctx context.Context, connectionID string, data []byte) error {
	if _, err := c.do(ctx, fiber.MethodPost, connectionID, data); err != nil {
		return err
	}
	c.logger.Debug("Posted %d bytes to %s", len(data), connectionID)
	return nil
}

// GetConnection returns metadata about an open connection
func (c *Client) GetConnection(ctx context.Context, connectionID string) (*gateway.ConnectionInfo, error) {
	body, err := c.do(ctx, fiber.MethodGet, connectionID, nil)
	if err != nil {
		return nil, err
	}

	var info gateway.ConnectionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode connection %s: %w", connectionID, err)
	}
	return &info, nil
}

// DeleteConnection closes a connection on the gateway
func (c *Client) DeleteConnection(ctx context.Context, connectionID string) error {
	_, err := c.do(ctx, fiber.MethodDelete, connectionID, nil)
	return err
}
