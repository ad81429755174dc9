package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomtab-engine/internal/models"
	"roomtab-engine/internal/store"
)

func openSession(t *testing.T, s *Store, room string) *models.OrderSession {
	t.Helper()
	sess := &models.OrderSession{ID: uuid.New(), RoomNumber: room, Status: models.SessionActive, OpenedAt: time.Now()}
	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertSession(ctx, sess)
	})
	require.NoError(t, err)
	return sess
}

func appendEvent(t *testing.T, s *Store, correlation string, at time.Time) int64 {
	t.Helper()
	e := &models.DomainEvent{CorrelationID: correlation, EventType: models.EventSystemAlert, Payload: []byte(`{}`), CreatedAt: at}
	require.NoError(t, s.AppendStandaloneEvent(context.Background(), e))
	return e.ID
}

func TestInsertSessionRejectsSecondActive(t *testing.T) {
	s := New()
	openSession(t, s, "101")

	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertSession(ctx, &models.OrderSession{ID: uuid.New(), RoomNumber: "101", Status: models.SessionActive})
	})
	assert.True(t, models.IsConflict(err))

	other := openSession(t, s, "102")
	assert.Equal(t, "102", other.RoomNumber)
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := New()
	sess := openSession(t, s, "101")
	boom := errors.New("boom")

	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.AdjustSessionTotals(ctx, sess.ID, decimal.NewFromInt(10), 1); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &models.DomainEvent{CorrelationID: sess.ID.String(), EventType: models.EventOrderCreated}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalAmount.IsZero())
	assert.Equal(t, 0, got.OrderCount)

	events, err := s.EventsByCorrelation(context.Background(), sess.ID.String())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestClaimEventsOrderAndLease(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()

	second := appendEvent(t, s, "c", base.Add(time.Second))
	first := appendEvent(t, s, "c", base)
	third := appendEvent(t, s, "c", base.Add(time.Second))

	claimed, err := s.ClaimEvents(ctx, "w1", 2, base.Add(time.Minute), base)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, first, claimed[0].ID)
	assert.Equal(t, second, claimed[1].ID)
	assert.Equal(t, 1, claimed[0].Attempts)

	// leased rows are skipped by an overlapping run
	other, err := s.ClaimEvents(ctx, "w2", 10, base.Add(time.Minute), base)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, third, other[0].ID)

	// w2 cannot finish w1's event
	assert.ErrorIs(t, s.MarkEventProcessed(ctx, first, "w2", false, base), store.ErrLeaseLost)
	require.NoError(t, s.MarkEventProcessed(ctx, first, "w1", false, base))

	// expired leases become claimable again
	again, err := s.ClaimEvents(ctx, "w3", 10, base.Add(3*time.Minute), base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, second, again[0].ID)
	assert.Equal(t, 2, again[0].Attempts)
}

func TestRequeueResetsFailedDeliveries(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	id := appendEvent(t, s, "c", now)
	endpoint := uuid.New()

	_, err := s.ClaimEvents(ctx, "w", 1, now.Add(time.Minute), now)
	require.NoError(t, err)
	require.NoError(t, s.RecordDelivery(ctx, &models.WebhookDelivery{EventID: id, EndpointID: endpoint, Status: models.DeliveryDead, Attempts: 3}))
	require.NoError(t, s.MarkEventProcessed(ctx, id, "w", true, now))

	require.NoError(t, s.RequeueEvent(ctx, id))

	e, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.False(t, e.Processed)
	assert.False(t, e.DeadLettered)

	deliveries, err := s.ListDeliveries(ctx, id)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, models.DeliveryPending, deliveries[0].Status)
	assert.Equal(t, 0, deliveries[0].Attempts)

	assert.True(t, models.IsNotFound(s.RequeueEvent(ctx, 999)))
}

func TestCreateEndpointLimit(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, s.CreateEndpoint(ctx, &models.WebhookEndpoint{ID: uuid.New(), Enabled: true}, 2))
	}
	err := s.CreateEndpoint(ctx, &models.WebhookEndpoint{ID: uuid.New(), Enabled: true}, 2)
	assert.True(t, models.IsConflict(err))
}

func TestDeleteSessionRemovesEverything(t *testing.T) {
	s := New()
	ctx := context.Background()
	sess := openSession(t, s, "101")
	order := &models.Order{ID: uuid.New(), SessionID: sess.ID, Status: models.OrderPlaced, Lines: []models.OrderLine{{ID: uuid.New(), SessionID: sess.ID}}}
	order.Lines[0].OrderID = order.ID

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertOrder(ctx, order)
	}))
	appendEvent(t, s, sess.ID.String(), time.Now())

	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	_, err := s.GetSession(ctx, sess.ID)
	assert.True(t, models.IsNotFound(err))
	_, err = s.GetLine(ctx, order.Lines[0].ID)
	assert.True(t, models.IsNotFound(err))
	events, err := s.EventsByCorrelation(ctx, sess.ID.String())
	require.NoError(t, err)
	assert.Empty(t, events)
}
