package harness

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"roomtab-engine/internal/catalog"
	"roomtab-engine/internal/config"
	"roomtab-engine/internal/logger"
	"roomtab-engine/internal/models"
	"roomtab-engine/internal/outbox"
	"roomtab-engine/internal/pos"
	"roomtab-engine/internal/services/delivery"
	"roomtab-engine/internal/services/session"
	"roomtab-engine/internal/services/tab"
	"roomtab-engine/internal/store/memory"
)

// receiver is a webhook endpoint that records what it was sent.
type receiver struct {
	mu       sync.Mutex
	server   *httptest.Server
	messages []models.WebhookMessage
	status   int
}

func newReceiver() *receiver {
	r := &receiver{status: http.StatusNoContent}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var msg models.WebhookMessage
		if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.messages = append(r.messages, msg)
		status := r.status
		r.mu.Unlock()
		w.WriteHeader(status)
	}))
	return r
}

func (r *receiver) received() []models.WebhookMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.WebhookMessage(nil), r.messages...)
}

func (r *receiver) close() {
	r.server.Close()
}

// env wires the full engine over the in-memory store and POS.
type env struct {
	store    *memory.Store
	client   *pos.MemoryClient
	adapter  *pos.Adapter
	sessions *session.Service
	tabs     *tab.Service
	worker   *delivery.Worker
	receiver *receiver
	harness  *Harness
}

var testLines = []models.LineInput{
	{CatalogItemReference: "COFFEE", Quantity: 2},
	{CatalogItemReference: "CROISSANT", Quantity: 1, Note: "warm"},
}

func newEnv() *env {
	st := memory.New()
	cat := catalog.NewStatic(
		catalog.Item{Ref: "COFFEE", Name: "Coffee", Price: decimal.RequireFromString("3.50")},
		catalog.Item{Ref: "CROISSANT", Name: "Croissant", Price: decimal.RequireFromString("2.75")},
	)
	client := pos.NewMemoryClient()
	adapter := pos.NewAdapter(client, st, logger.NewNop())
	ob := outbox.New(st, time.Minute)
	sessions := session.NewService(st, ob, adapter, logger.NewNop())
	tabs := tab.NewService(st, ob, cat, sessions, adapter, logger.NewNop())

	deliveryCfg := config.DeliveryConfig{BatchLimit: 10, MaxAttempts: 3, Timeout: 2 * time.Second}
	worker := delivery.NewWorker(deliveryCfg, ob, st, delivery.NewEndpointCache(st, 0),
		func() config.TemplateSet { return config.TemplateSet{} }, delivery.NewHTTPSender(deliveryCfg.Timeout), nil, logger.NewNop())

	harnessCfg := config.HarnessConfig{
		PollInterval: 5 * time.Millisecond,
		OutboxWait:   200 * time.Millisecond,
		POSWait:      200 * time.Millisecond,
		DeliveryWait: 200 * time.Millisecond,
	}

	return &env{
		store:    st,
		client:   client,
		adapter:  adapter,
		sessions: sessions,
		tabs:     tabs,
		worker:   worker,
		receiver: newReceiver(),
		harness:  New(harnessCfg, st, sessions, tabs, adapter, worker, logger.NewNop()),
	}
}

func (e *env) addEndpoint(t testing.TB, name string) {
	t.Helper()
	ep := &models.WebhookEndpoint{ID: uuid.New(), Name: name, URL: e.receiver.server.URL, Enabled: true, CreatedAt: time.Now()}
	if err := e.store.CreateEndpoint(context.Background(), ep, 10); err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
}
