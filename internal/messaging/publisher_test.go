package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomtab-engine/internal/models"
)

func TestRoutingKeyMatchesAuditBinding(t *testing.T) {
	for _, typ := range []models.EventType{
		models.EventOrderCreated,
		models.EventOrderCanceled,
		models.EventSessionClosed,
		models.EventInventoryAlert,
		models.EventSystemAlert,
	} {
		key := RoutingKey(typ)
		assert.Equal(t, "room."+string(typ), key)
		assert.Regexp(t, `^room\.[a-z_]+$`, key)
	}
}

func TestMessageCarriesEventIdentity(t *testing.T) {
	created := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	e := models.DomainEvent{
		ID:            42,
		CorrelationID: "sess-1",
		EventType:     models.EventOrderCreated,
		Payload:       json.RawMessage(`{"room_number":"101"}`),
		CreatedAt:     created,
		Attempts:      2,
	}

	msg, err := message(e, created.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, "42", msg.MessageId)
	assert.Equal(t, "sess-1", msg.CorrelationId)
	assert.Equal(t, "order_created", msg.Type)
	assert.Equal(t, amqp091.Persistent, msg.DeliveryMode)
	assert.Equal(t, int32(2), msg.Headers["attempts"])
	assert.Equal(t, "2024-03-01T09:30:00Z", msg.Headers["event_created_at"])

	var decoded models.DomainEvent
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.JSONEq(t, `{"room_number":"101"}`, string(decoded.Payload))
}
