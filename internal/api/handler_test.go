package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomtab-engine/internal/catalog"
	"roomtab-engine/internal/logger"
	"roomtab-engine/internal/models"
	"roomtab-engine/internal/outbox"
	"roomtab-engine/internal/pos"
	"roomtab-engine/internal/services/delivery"
	"roomtab-engine/internal/services/session"
	"roomtab-engine/internal/services/tab"
	"roomtab-engine/internal/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	store  *memory.Store
	client *pos.MemoryClient
	router *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	cat := catalog.NewStatic(
		catalog.Item{Ref: "COFFEE", Name: "Coffee", Price: decimal.RequireFromString("3.50")},
		catalog.Item{Ref: "CLUB", Name: "Club sandwich", Price: decimal.RequireFromString("12.00")},
	)
	client := pos.NewMemoryClient()
	adapter := pos.NewAdapter(client, st, logger.NewNop())
	ob := outbox.New(st, time.Minute)
	sessions := session.NewService(st, ob, adapter, logger.NewNop())
	tabs := tab.NewService(st, ob, cat, sessions, adapter, logger.NewNop())
	cache := delivery.NewEndpointCache(st, time.Minute)

	h := NewHandler(sessions, tabs, st, ob, cache, Options{MaxEndpoints: 1, AllowOrigins: []string{"https://guest.example"}}, logger.NewNop())
	return &fixture{store: st, client: client, router: h.Router()}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (f *fixture) openSession(t *testing.T, room string) models.OrderSession {
	t.Helper()
	w := f.do(t, http.MethodPost, "/sessions", gin.H{"room_number": room})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.OrderSession](t, w)
}

func (f *fixture) addOrder(t *testing.T, id uuid.UUID, lines ...gin.H) models.Order {
	t.Helper()
	w := f.do(t, http.MethodPost, "/sessions/"+id.String()+"/orders", gin.H{"submitted_by": "front desk", "lines": lines})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Order](t, w)
}

func TestRoomTabFlow(t *testing.T) {
	f := newFixture(t)

	sess := f.openSession(t, "301")
	assert.Equal(t, models.SessionActive, sess.Status)

	w := f.do(t, http.MethodPost, "/sessions", gin.H{"room_number": "301"})
	assert.Equal(t, http.StatusConflict, w.Code)

	order := f.addOrder(t, sess.ID, gin.H{"catalog_item_reference": "COFFEE", "quantity": 2})
	assert.True(t, order.TotalAmount.Equal(decimal.RequireFromString("7.00")))
	f.addOrder(t, sess.ID, gin.H{"catalog_item_reference": "CLUB", "quantity": 1})

	w = f.do(t, http.MethodGet, "/sessions/"+sess.ID.String()+"/tab", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[models.TabSnapshot](t, w)
	assert.Equal(t, 2, snap.OrderCount)
	assert.Len(t, snap.Lines, 2)
	assert.True(t, snap.Subtotal.Equal(decimal.RequireFromString("19.00")))

	w = f.do(t, http.MethodPost, "/sessions/"+sess.ID.String()+"/settle", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	checkout := decode[struct {
		Session          models.OrderSession `json:"session"`
		PaymentReference string              `json:"payment_reference"`
	}](t, w)
	assert.Equal(t, models.SessionCompleted, checkout.Session.Status)
	assert.NotEmpty(t, checkout.PaymentReference)

	w = f.do(t, http.MethodGet, "/sessions/"+sess.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.SessionCompleted, decode[models.OrderSession](t, w).Status)
}

func TestPlaceRoomOrderOpensSession(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/rooms/512/orders", gin.H{"lines": []gin.H{{"catalog_item_reference": "COFFEE", "quantity": 1}}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	order := decode[models.Order](t, w)
	assert.Equal(t, "512", order.RoomNumber)

	active, err := f.store.ActiveSessionForRoom(context.Background(), "512")
	require.NoError(t, err)
	assert.Equal(t, order.SessionID, active.ID)
}

func TestCancelOrderAndLineFulfillment(t *testing.T) {
	f := newFixture(t)
	sess := f.openSession(t, "12")
	order := f.addOrder(t, sess.ID, gin.H{"catalog_item_reference": "CLUB", "quantity": 1})
	lineID := order.Lines[0].ID.String()

	w := f.do(t, http.MethodPatch, "/lines/"+lineID, gin.H{"fulfillment_status": "ready"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.FulfillmentReady, decode[models.OrderLine](t, w).FulfillmentStatus)

	w = f.do(t, http.MethodPatch, "/lines/"+lineID, gin.H{"fulfillment_status": "ordered"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(t, http.MethodPost, "/orders/"+order.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.OrderCanceled, decode[models.Order](t, w).Status)

	w = f.do(t, http.MethodGet, "/sessions/"+sess.ID.String(), nil)
	got := decode[models.OrderSession](t, w)
	assert.True(t, got.TotalAmount.IsZero())
	assert.Equal(t, 0, got.OrderCount)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	closed := f.openSession(t, "900")
	w := f.do(t, http.MethodPost, "/sessions/"+closed.ID.String()+"/close", gin.H{"settled": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.SessionForceClosed, decode[models.OrderSession](t, w).Status)

	mirrored := f.openSession(t, "901")
	f.addOrder(t, mirrored.ID, gin.H{"catalog_item_reference": "COFFEE", "quantity": 1})
	f.client.FailNext("settle", 1)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"malformed session id", http.MethodGet, "/sessions/not-a-uuid", nil, http.StatusBadRequest},
		{"unknown session", http.MethodGet, "/sessions/" + uuid.NewString(), nil, http.StatusNotFound},
		{"missing room number", http.MethodPost, "/sessions", gin.H{}, http.StatusBadRequest},
		{"order without lines", http.MethodPost, "/sessions/" + mirrored.ID.String() + "/orders", gin.H{"lines": []gin.H{}}, http.StatusBadRequest},
		{"unknown catalog item", http.MethodPost, "/sessions/" + mirrored.ID.String() + "/orders", gin.H{"lines": []gin.H{{"catalog_item_reference": "NOPE", "quantity": 1}}}, http.StatusBadRequest},
		{"order on closed session", http.MethodPost, "/sessions/" + closed.ID.String() + "/orders", gin.H{"lines": []gin.H{{"catalog_item_reference": "COFFEE", "quantity": 1}}}, http.StatusUnprocessableEntity},
		{"close twice", http.MethodPost, "/sessions/" + closed.ID.String() + "/close", gin.H{"settled": true}, http.StatusUnprocessableEntity},
		{"pos unavailable", http.MethodPost, "/sessions/" + mirrored.ID.String() + "/settle?close=false", nil, http.StatusBadGateway},
		{"requeue bad id", http.MethodPost, "/events/abc/requeue", nil, http.StatusBadRequest},
		{"requeue unknown event", http.MethodPost, "/events/4242/requeue", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())

			envelope := decode[map[string]interface{}](t, w)
			assert.NotEmpty(t, envelope["error"])
			assert.NotEmpty(t, envelope["request_id"])
		})
	}

	sess, err := f.store.GetSession(context.Background(), mirrored.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, sess.Status)
}

func TestRequeueEvent(t *testing.T) {
	f := newFixture(t)
	sess := f.openSession(t, "44")
	f.addOrder(t, sess.ID, gin.H{"catalog_item_reference": "COFFEE", "quantity": 1})

	events, err := f.store.EventsByCorrelation(context.Background(), sess.ID.String())
	require.NoError(t, err)
	require.NotEmpty(t, events)

	w := f.do(t, http.MethodPost, "/events/"+strconv.FormatInt(events[0].ID, 10)+"/requeue", nil)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/endpoints", gin.H{"name": "front-desk", "url": "not a url"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/endpoints", gin.H{"name": "front-desk", "url": "https://hooks.example/desk"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ep := decode[models.WebhookEndpoint](t, w)
	assert.True(t, ep.Enabled)

	w = f.do(t, http.MethodPost, "/endpoints", gin.H{"name": "kitchen", "url": "https://hooks.example/kitchen"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPatch, "/endpoints/"+ep.ID.String(), gin.H{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/endpoints", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]models.WebhookEndpoint](t, w)
	require.Len(t, list, 1)
	assert.False(t, list[0].Enabled)

	w = f.do(t, http.MethodDelete, "/endpoints/"+ep.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodDelete, "/endpoints/"+ep.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndCORS(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://guest.example")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://guest.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
