package kurrentdb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"
)

// Publisher appends JSON events to KurrentDB streams. Downstream consumers
// (provider dashboards, paging) subscribe to the streams.
type Publisher struct {
	client *Client
}

// NewPublisher creates a new KurrentDB-backed event publisher.
func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

// Publish appends one event. When eventID is non-empty it is used as the
// event ID so KurrentDB's idempotent append drops redeliveries.
func (p *Publisher) Publish(ctx context.Context, stream, eventType, eventID string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	event := esdb.EventData{
		EventID:     toUUID(eventID),
		EventType:   eventType,
		ContentType: esdb.ContentTypeJson,
		Data:        payload,
	}

	_, err = p.client.DB().AppendToStream(ctx, stream, esdb.AppendToStreamOptions{
		ExpectedRevision: esdb.Any{},
	}, event)
	if err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", eventType, stream, err)
	}
	return nil
}

// Health checks the KurrentDB connection.
func (p *Publisher) Health(ctx context.Context) error {
	return p.client.HealthCheck(ctx)
}

func toUUID(id string) uuid.UUID {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.New()
	}
	return parsed
}
