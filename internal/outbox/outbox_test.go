package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomtab-engine/internal/models"
	"roomtab-engine/internal/store"
	"roomtab-engine/internal/store/memory"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestAppendIsTransactional(t *testing.T) {
	s := memory.New()
	o := New(s, time.Minute)
	ctx := context.Background()

	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := o.Append(ctx, tx, "c1", models.EventSystemAlert, models.AlertPayload{Message: "hi"}); err != nil {
			return err
		}
		return models.ValidationError{Message: "abort"}
	})
	require.Error(t, err)

	events, err := s.EventsByCorrelation(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestClaimProcessRelease(t *testing.T) {
	s := memory.New()
	c := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	o := New(s, time.Minute).WithClock(c.now)
	ctx := context.Background()

	first, err := o.AppendStandalone(ctx, "c", models.EventSystemAlert, models.AlertPayload{Message: "one"})
	require.NoError(t, err)
	c.t = c.t.Add(time.Second)
	second, err := o.AppendStandalone(ctx, "c", models.EventSystemAlert, models.AlertPayload{Message: "two"})
	require.NoError(t, err)

	batch, err := o.ClaimBatch(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, first.ID, batch[0].ID)

	require.NoError(t, o.MarkProcessed(ctx, first.ID, "w1"))
	assert.ErrorIs(t, o.MarkProcessed(ctx, first.ID, "w1"), store.ErrLeaseLost)

	batch, err = o.ClaimBatch(ctx, "w1", 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, second.ID, batch[0].ID)

	require.NoError(t, o.Release(ctx, second.ID, "w1"))
	batch, err = o.ClaimBatch(ctx, "w2", 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 2, batch[0].Attempts)

	require.NoError(t, o.DeadLetter(ctx, second.ID, "w2"))
	e, err := s.GetEvent(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, e.Processed)
	assert.True(t, e.DeadLettered)

	require.NoError(t, o.Requeue(ctx, second.ID))
	batch, err = o.ClaimBatch(ctx, "w3", 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, second.ID, batch[0].ID)
}

// recordingStore notes which write path standalone events take.
type recordingStore struct {
	*memory.Store
	standalone int
}

func (r *recordingStore) AppendStandaloneEvent(ctx context.Context, e *models.DomainEvent) error {
	r.standalone++
	return r.Store.AppendStandaloneEvent(ctx, e)
}

func TestAppendStandaloneUsesStoreWrite(t *testing.T) {
	s := &recordingStore{Store: memory.New()}
	o := New(s, time.Minute)
	ctx := context.Background()

	e, err := o.AppendStandalone(ctx, "ops", models.EventInventoryAlert, models.AlertPayload{Message: "low stock"})
	require.NoError(t, err)
	assert.NotZero(t, e.ID)
	assert.Equal(t, 1, s.standalone)

	stored, err := s.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventInventoryAlert, stored.EventType)
	assert.JSONEq(t, `{"message":"low stock"}`, string(stored.Payload))
}
