package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomtab-engine/internal/logger"
	"roomtab-engine/internal/models"
	"roomtab-engine/internal/outbox"
	"roomtab-engine/internal/pos"
	"roomtab-engine/internal/store"
	"roomtab-engine/internal/store/memory"
)

type fixture struct {
	store   *memory.Store
	client  *pos.MemoryClient
	adapter *pos.Adapter
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	client := pos.NewMemoryClient()
	adapter := pos.NewAdapter(client, st, logger.NewNop())
	ob := outbox.New(st, time.Minute)
	return &fixture{
		store:   st,
		client:  client,
		adapter: adapter,
		svc:     NewService(st, ob, adapter, logger.NewNop()),
	}
}

// charge puts an amount on the tab and mirrors it to the POS.
func (f *fixture) charge(t *testing.T, id uuid.UUID, amount string) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.AdjustSessionTotals(ctx, id, decimal.RequireFromString(amount), 1)
	}))
	ref, err := f.adapter.EnsureOrder(ctx, id)
	require.NoError(t, err)
	return ref
}

func closedEvents(t *testing.T, s *memory.Store, id uuid.UUID) []models.DomainEvent {
	t.Helper()
	events, err := s.EventsByCorrelation(context.Background(), id.String())
	require.NoError(t, err)
	var closed []models.DomainEvent
	for _, e := range events {
		if e.EventType == models.EventSessionClosed {
			closed = append(closed, e)
		}
	}
	return closed
}

func TestOpenOneActivePerRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Open(ctx, "101")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, first.Status)

	_, err = f.svc.Open(ctx, "101")
	assert.True(t, models.IsConflict(err))

	_, err = f.svc.Open(ctx, "102")
	assert.NoError(t, err)

	_, err = f.svc.Open(ctx, "")
	assert.True(t, models.IsValidation(err))
}

func TestCloseTransitions(t *testing.T) {
	tests := []struct {
		name    string
		settled bool
		want    models.SessionStatus
	}{
		{name: "settled close completes", settled: true, want: models.SessionCompleted},
		{name: "unsettled close force closes", settled: false, want: models.SessionForceClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			sess, err := f.svc.Open(ctx, "101")
			require.NoError(t, err)

			closed, err := f.svc.Close(ctx, sess.ID, tt.settled)
			require.NoError(t, err)
			assert.Equal(t, tt.want, closed.Status)
			require.NotNil(t, closed.ClosedAt)

			events := closedEvents(t, f.store, sess.ID)
			require.Len(t, events, 1)
			var payload models.SessionClosedPayload
			require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
			assert.Equal(t, tt.want, payload.Status)
			assert.Equal(t, "101", payload.RoomNumber)

			// terminal sessions stay terminal and emit nothing more
			_, err = f.svc.Close(ctx, sess.ID, !tt.settled)
			assert.True(t, models.IsInvalidState(err))
			assert.Len(t, closedEvents(t, f.store, sess.ID), 1)

			// the room can be reopened
			_, err = f.svc.Open(ctx, "101")
			assert.NoError(t, err)
		})
	}
}

func TestCloseUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Close(context.Background(), uuid.New(), true)
	assert.True(t, models.IsNotFound(err))
}

func TestForceCloseVoidsPOSOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.Open(ctx, "101")
	require.NoError(t, err)
	ref := f.charge(t, sess.ID, "12.00")

	_, err = f.svc.Close(ctx, sess.ID, false)
	require.NoError(t, err)
	assert.True(t, f.client.Canceled(ref))

	_, err = f.adapter.SettleCash(ctx, ref, decimal.RequireFromString("12.00"))
	assert.True(t, models.IsRemote(err))
}

func TestForceCloseSurvivesVoidFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.Open(ctx, "101")
	require.NoError(t, err)
	f.charge(t, sess.ID, "3.00")
	f.client.FailNext("cancel_order", 1)

	closed, err := f.svc.Close(ctx, sess.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.SessionForceClosed, closed.Status)
}

func TestSettle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.Open(ctx, "101")
	require.NoError(t, err)

	_, err = f.svc.Settle(ctx, sess.ID)
	assert.True(t, models.IsInvalidState(err), "an empty tab cannot be settled")

	ref := f.charge(t, sess.ID, "12.50")
	paymentRef, err := f.svc.Settle(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, paymentRef)

	payments, err := f.adapter.Payments(ctx, ref)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.True(t, payments[0].Amount.Equal(decimal.RequireFromString("12.50")))
}

func TestSettleRemoteFailureKeepsSessionActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.Open(ctx, "101")
	require.NoError(t, err)
	f.charge(t, sess.ID, "5.00")
	f.client.FailNext("settle", 1)

	_, err = f.svc.Settle(ctx, sess.ID)
	assert.True(t, models.IsRemote(err))

	got, err := f.svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)
}

func TestCheckoutClosesEvenWhenSettlementFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.Open(ctx, "101")
	require.NoError(t, err)
	f.charge(t, sess.ID, "5.00")
	f.client.FailNext("settle", 1)

	closed, paymentRef, err := f.svc.Checkout(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, paymentRef)
	assert.Equal(t, models.SessionCompleted, closed.Status)
	assert.Len(t, closedEvents(t, f.store, sess.ID), 1)
}

func TestEnsureActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opened, err := f.svc.EnsureActive(ctx, "101")
	require.NoError(t, err)
	again, err := f.svc.EnsureActive(ctx, "101")
	require.NoError(t, err)
	assert.Equal(t, opened.ID, again.ID)

	active, err := f.svc.ActiveForRoom(ctx, "101")
	require.NoError(t, err)
	assert.Equal(t, opened.ID, active.ID)
}
