package delivery

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"roomtab-engine/internal/config"
	"roomtab-engine/internal/models"
)

// Placeholders is the complete substitution vocabulary. Anything else in
// double braces is left as written.
var Placeholders = []string{
	"event_type",
	"event_id",
	"correlation_id",
	"session_id",
	"order_id",
	"room_number",
	"total_amount",
	"item_count",
	"items",
	"status",
	"submitted_by",
	"submitted_at",
	"closed_at",
	"pos_order_reference",
	"message",
	"endpoint_name",
	"created_at",
}

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([a-z_]+)\s*\}\}`)
	vocabulary    = func() map[string]bool {
		m := make(map[string]bool, len(Placeholders))
		for _, p := range Placeholders {
			m[p] = true
		}
		return m
	}()
)

// DefaultTemplate is used for event types without a configured template.
var DefaultTemplate = config.Template{
	Title:       "{{event_type}}",
	Description: "Room {{room_number}}",
	Color:       0x5865F2,
	Fields: []config.TemplateField{
		{Name: "Session", Value: "{{session_id}}", Inline: true},
		{Name: "Amount", Value: "{{total_amount}}", Inline: true},
	},
	Footer: "event {{event_id}}",
}

// Render substitutes vars into every text of tmpl.
func Render(tmpl config.Template, vars map[string]string) models.WebhookMessage {
	msg := models.WebhookMessage{
		Title:       substitute(tmpl.Title, vars),
		Description: substitute(tmpl.Description, vars),
		Color:       tmpl.Color,
		Fields:      make([]models.WebhookField, 0, len(tmpl.Fields)),
		Footer:      models.WebhookFooter{Text: substitute(tmpl.Footer, vars)},
	}
	for _, f := range tmpl.Fields {
		msg.Fields = append(msg.Fields, models.WebhookField{
			Name:   substitute(f.Name, vars),
			Value:  substitute(f.Value, vars),
			Inline: f.Inline,
		})
	}
	return msg
}

func substitute(s string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if !vocabulary[name] {
			return match
		}
		return vars[name]
	})
}

// Vars builds the substitution values of an event for one endpoint.
func Vars(e models.DomainEvent, endpointName string) map[string]string {
	vars := map[string]string{
		"event_type":     string(e.EventType),
		"event_id":       strconv.FormatInt(e.ID, 10),
		"correlation_id": e.CorrelationID,
		"created_at":     e.CreatedAt.UTC().Format(time.RFC3339),
		"endpoint_name":  endpointName,
	}

	payload, err := e.PayloadMap()
	if err != nil {
		return vars
	}

	for _, key := range []string{"session_id", "order_id", "room_number", "status", "submitted_by", "pos_order_reference", "message"} {
		if v, ok := payload[key]; ok {
			vars[key] = fmt.Sprint(v)
		}
	}
	for _, key := range []string{"submitted_at", "closed_at"} {
		if v, ok := payload[key].(string); ok {
			vars[key] = formatTime(v)
		}
	}
	if v, ok := payload["total_amount"]; ok {
		vars["total_amount"] = formatAmount(v)
	}
	if items, ok := payload["items"]; ok {
		vars["items"], vars["item_count"] = formatItems(items)
	}
	return vars
}

func formatTime(v string) string {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return v
	}
	return t.UTC().Format(time.RFC3339)
}

func formatAmount(v interface{}) string {
	d, err := decimal.NewFromString(fmt.Sprint(v))
	if err != nil {
		return fmt.Sprint(v)
	}
	return d.StringFixed(2)
}

func formatItems(raw interface{}) (string, string) {
	data, err := json.Marshal(raw)
	if err != nil {
		return "", "0"
	}
	var items []models.EventItem
	if err := json.Unmarshal(data, &items); err != nil {
		return "", "0"
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%d x %s (%s)", it.Quantity, it.Name, it.Subtotal.StringFixed(2)))
	}
	return strings.Join(parts, "\n"), strconv.Itoa(len(items))
}
