package kurrentdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"

	"github.com/careline/triage/internal/shared/config"
)

// Client wraps the EventStore client with additional functionality.
type Client struct {
	db *esdb.Client
	mu sync.RWMutex
}

// ConnectionString returns the esdb:// connection string for the config.
func ConnectionString(cfg config.KurrentDBConfig) string {
	var auth string
	if cfg.Username != "" && cfg.Password != "" {
		auth = fmt.Sprintf("%s:%s@", cfg.Username, cfg.Password)
	}

	var tls string
	if cfg.Insecure {
		tls = "?tls=false"
	}

	return fmt.Sprintf("esdb://%s%s:%d%s", auth, cfg.Host, cfg.Port, tls)
}

// NewClient creates a new KurrentDB client.
func NewClient(cfg config.KurrentDBConfig) (*Client, error) {
	settings, err := esdb.ParseConnectionString(ConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	db, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return &Client{db: db}, nil
}

// DB returns the underlying EventStore client.
func (c *Client) DB() *esdb.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

// Close closes the client connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// HealthCheck verifies the connection is alive.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stream, err := c.DB().ReadStream(ctx, "$streams", esdb.ReadStreamOptions{
		From:      esdb.Start{},
		Direction: esdb.Forwards,
	}, 1)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer stream.Close()

	return nil
}

// LastEvent returns the most recent event of a stream, or nil when the
// stream does not exist or is empty.
func (c *Client) LastEvent(ctx context.Context, streamName string) (*esdb.RecordedEvent, error) {
	stream, err := c.DB().ReadStream(ctx, streamName, esdb.ReadStreamOptions{
		From:      esdb.End{},
		Direction: esdb.Backwards,
	}, 1)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer stream.Close()

	event, err := stream.Recv()
	if err != nil {
		if isNotFound(err) || errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return event.Event, nil
}

// ReadAll reads up to max events of a stream from the start.
func (c *Client) ReadAll(ctx context.Context, streamName string, max uint64) ([]*esdb.RecordedEvent, error) {
	stream, err := c.DB().ReadStream(ctx, streamName, esdb.ReadStreamOptions{
		From:      esdb.Start{},
		Direction: esdb.Forwards,
	}, max)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer stream.Close()

	var out []*esdb.RecordedEvent
	for {
		event, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			if isNotFound(err) {
				return out, nil
			}
			return nil, err
		}
		if event.Event != nil {
			out = append(out, event.Event)
		}
	}
}

// esdb.FromError reports ok only for a nil error.
func isNotFound(err error) bool {
	if esdbErr, ok := esdb.FromError(err); !ok {
		return esdbErr.Code() == esdb.ErrorCodeResourceNotFound
	}
	return false
}
