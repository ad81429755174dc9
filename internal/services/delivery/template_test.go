package delivery

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomtab-engine/internal/config"
	"roomtab-engine/internal/models"
)

func orderCreatedEvent(t *testing.T) models.DomainEvent {
	t.Helper()
	payload, err := json.Marshal(models.OrderCreatedPayload{
		SessionID:   "s-1",
		OrderID:     "o-1",
		RoomNumber:  "101",
		TotalAmount: decimal.RequireFromString("66.3"),
		Items: []models.EventItem{
			{Name: "Sparkling water", Quantity: 10, Subtotal: decimal.RequireFromString("42.5")},
			{Name: "Club sandwich", Quantity: 2, Subtotal: decimal.RequireFromString("23.8")},
		},
		SubmittedAt: time.Date(2024, 5, 1, 18, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return models.DomainEvent{
		ID:            7,
		CorrelationID: "s-1",
		EventType:     models.EventOrderCreated,
		Payload:       payload,
		CreatedAt:     time.Date(2024, 5, 1, 18, 30, 1, 0, time.UTC),
	}
}

func TestRender(t *testing.T) {
	tmpl := config.Template{
		Title:       "New order for room {{room_number}}",
		Description: "{{items}}",
		Color:       15105570,
		Fields: []config.TemplateField{
			{Name: "Total", Value: "{{ total_amount }}", Inline: true},
			{Name: "Lines", Value: "{{item_count}}", Inline: true},
			{Name: "Unknown", Value: "{{guest_name}} {{not a placeholder}}"},
			{Name: "Absent", Value: "[{{closed_at}}]"},
		},
		Footer: "{{event_type}} #{{event_id}} via {{endpoint_name}} at {{submitted_at}}",
	}

	msg := Render(tmpl, Vars(orderCreatedEvent(t), "front-desk"))

	assert.Equal(t, "New order for room 101", msg.Title)
	assert.Equal(t, "10 x Sparkling water (42.50)\n2 x Club sandwich (23.80)", msg.Description)
	assert.Equal(t, 15105570, msg.Color)
	require.Len(t, msg.Fields, 4)
	assert.Equal(t, models.WebhookField{Name: "Total", Value: "66.30", Inline: true}, msg.Fields[0])
	assert.Equal(t, "2", msg.Fields[1].Value)
	assert.Equal(t, "{{guest_name}} {{not a placeholder}}", msg.Fields[2].Value)
	assert.Equal(t, "[]", msg.Fields[3].Value)
	assert.Equal(t, "order_created #7 via front-desk at 2024-05-01T18:30:00Z", msg.Footer.Text)
}

func TestRenderWireFormat(t *testing.T) {
	msg := Render(config.Template{Title: "t", Footer: "f"}, map[string]string{})
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"t","description":"","color":0,"fields":[],"footer":{"text":"f"}}`, string(data))
}

func TestTemplateOverrides(t *testing.T) {
	set := config.TemplateSet{
		Templates: map[string]config.Template{"order_created": {Title: "base"}},
		Overrides: map[string]map[string]config.Template{"kitchen": {"order_created": {Title: "kitchen"}}},
	}

	tmpl, ok := set.For("kitchen", "order_created")
	require.True(t, ok)
	assert.Equal(t, "kitchen", tmpl.Title)

	tmpl, ok = set.For("front-desk", "order_created")
	require.True(t, ok)
	assert.Equal(t, "base", tmpl.Title)

	_, ok = set.For("front-desk", "session_closed")
	assert.False(t, ok)
}
