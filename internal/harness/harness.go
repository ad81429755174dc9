// Package harness drives one room tab end to end against live collaborators
// and checks that every side effect shows up: outbox events, the POS payment
// and, optionally, webhook delivery. Everything it creates is deleted again.
package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"roomtab-engine/internal/config"
	"roomtab-engine/internal/logger"
	"roomtab-engine/internal/models"
	"roomtab-engine/internal/pos"
	"roomtab-engine/internal/services/delivery"
	"roomtab-engine/internal/services/session"
	"roomtab-engine/internal/services/tab"
	"roomtab-engine/internal/store"
)

// ErrTimeout is returned by a poll that ran out of time.
var ErrTimeout = errors.New("timed out waiting for condition")

const cleanupTimeout = 30 * time.Second

// Payments lists POS payment records of a hosted order.
type Payments interface {
	Payments(ctx context.Context, ref string) ([]pos.Payment, error)
}

// Deliverer runs one delivery pass.
type Deliverer interface {
	RunOnce(ctx context.Context) (delivery.Stats, error)
}

// Options selects what a run does.
type Options struct {
	// Lines is placed twice, as two separate orders.
	Lines []models.LineInput
	// ForceClose closes without settlement instead of settling on the POS.
	ForceClose bool
	// Deliver runs delivery passes until the session's events are processed.
	Deliver bool
}

// Harness runs reconciliation scenarios.
type Harness struct {
	cfg       config.HarnessConfig
	store     store.Store
	sessions  *session.Service
	tabs      *tab.Service
	payments  Payments
	deliverer Deliverer
	logger    *logger.Logger
}

// New creates a harness. deliverer may be nil when runs never deliver.
func New(cfg config.HarnessConfig, s store.Store, sessions *session.Service, tabs *tab.Service,
	payments Payments, deliverer Deliverer, log *logger.Logger) *Harness {

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &Harness{
		cfg:       cfg,
		store:     s,
		sessions:  sessions,
		tabs:      tabs,
		payments:  payments,
		deliverer: deliverer,
		logger:    log,
	}
}

// Run executes one scenario. The returned error is only set when the run
// could not start; step failures are reported in the Report.
func (h *Harness) Run(ctx context.Context, opts Options) (*Report, error) {
	if len(opts.Lines) == 0 {
		return nil, models.ValidationError{Field: "lines", Message: "the harness needs at least one line to order"}
	}
	if opts.Deliver && h.deliverer == nil {
		return nil, models.ValidationError{Field: "deliver", Message: "no delivery worker configured"}
	}

	room := h.cfg.Room
	if room == "" {
		room = "H-" + uuid.NewString()[:8]
	}
	r := newReport(logger.GenerateRequestID(), room)
	h.logger.Info("harness_started", fmt.Sprintf("Reconciliation run for room %s", room), r.RunID, map[string]interface{}{
		"force_close": opts.ForceClose,
		"deliver":     opts.Deliver,
	})

	defer func() {
		r.finish()
		h.logger.Info("harness_finished", fmt.Sprintf("Reconciliation run %s", r.Status()), r.RunID, map[string]interface{}{
			"steps":       len(r.Steps),
			"duration_ms": r.Duration().Milliseconds(),
		})
	}()

	var sess *models.OrderSession
	ok := h.step(r, "open_session", map[string]interface{}{"room_number": room}, func() (map[string]interface{}, error) {
		var err error
		sess, err = h.sessions.Open(ctx, room)
		if err != nil {
			return nil, err
		}
		r.SessionID = sess.ID.String()
		return map[string]interface{}{"session_id": sess.ID.String()}, nil
	})
	if !ok {
		return r, nil
	}
	defer h.cleanup(r, sess.ID)

	for i := 1; i <= 2; i++ {
		if !h.placeOrder(ctx, r, sess.ID, opts.Lines, i) {
			return r, nil
		}
	}

	if opts.ForceClose {
		if !h.close(ctx, r, sess.ID, false) {
			return r, nil
		}
	} else {
		if !h.settle(ctx, r, sess.ID) {
			return r, nil
		}
		if !h.close(ctx, r, sess.ID, true) {
			return r, nil
		}
	}

	if opts.Deliver {
		h.deliver(ctx, r, sess.ID)
	}
	return r, nil
}

func (h *Harness) placeOrder(ctx context.Context, r *Report, sessionID uuid.UUID, lines []models.LineInput, n int) bool {
	name := fmt.Sprintf("place_order_%d", n)
	ok := h.step(r, name, map[string]interface{}{"lines": len(lines)}, func() (map[string]interface{}, error) {
		order, err := h.tabs.AddOrder(ctx, sessionID, "reconciliation", lines)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"order_id":     order.ID.String(),
			"total_amount": order.TotalAmount.StringFixed(2),
		}, nil
	})
	if !ok {
		return false
	}

	return h.step(r, fmt.Sprintf("await_order_created_%d", n), map[string]interface{}{"count": n}, func() (map[string]interface{}, error) {
		return h.awaitEvents(ctx, sessionID, models.EventOrderCreated, n, h.cfg.OutboxWait)
	})
}

func (h *Harness) settle(ctx context.Context, r *Report, sessionID uuid.UUID) bool {
	var ref string
	ok := h.step(r, "settle", nil, func() (map[string]interface{}, error) {
		sess, err := h.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess.POSOrderReference == nil {
			return nil, models.InvalidStateError{Entity: "session", ID: sessionID.String(), State: string(sess.Status), Message: "orders were not mirrored to the POS"}
		}
		ref = *sess.POSOrderReference
		paymentRef, err := h.sessions.Settle(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"pos_order_reference": ref,
			"payment_reference":   paymentRef,
			"total_amount":        sess.TotalAmount.StringFixed(2),
		}, nil
	})
	if !ok {
		return false
	}

	return h.step(r, "await_pos_payment", map[string]interface{}{"pos_order_reference": ref}, func() (map[string]interface{}, error) {
		var payments []pos.Payment
		err := h.poll(ctx, h.cfg.POSWait, func(ctx context.Context) (bool, error) {
			var err error
			payments, err = h.payments.Payments(ctx, ref)
			if err != nil {
				// the POS may lag; keep polling
				h.logger.Debug("harness_poll_error", "POS payments not readable yet", r.RunID, map[string]interface{}{"error": err.Error()})
				return false, nil
			}
			return len(payments) > 0, nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"payment_id": payments[0].ID,
			"amount":     payments[0].Amount.StringFixed(2),
			"status":     payments[0].Status,
		}, nil
	})
}

func (h *Harness) close(ctx context.Context, r *Report, sessionID uuid.UUID, settled bool) bool {
	ok := h.step(r, "close_session", map[string]interface{}{"settled": settled}, func() (map[string]interface{}, error) {
		sess, err := h.sessions.Close(ctx, sessionID, settled)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"status":       sess.Status,
			"total_amount": sess.TotalAmount.StringFixed(2),
			"order_count":  sess.OrderCount,
		}, nil
	})
	if !ok {
		return false
	}

	return h.step(r, "await_session_closed", nil, func() (map[string]interface{}, error) {
		return h.awaitEvents(ctx, sessionID, models.EventSessionClosed, 1, h.cfg.OutboxWait)
	})
}

func (h *Harness) deliver(ctx context.Context, r *Report, sessionID uuid.UUID) bool {
	return h.step(r, "await_delivery", nil, func() (map[string]interface{}, error) {
		passes := 0
		pending := 0
		err := h.poll(ctx, h.cfg.DeliveryWait, func(ctx context.Context) (bool, error) {
			passes++
			if _, err := h.deliverer.RunOnce(ctx); err != nil {
				return false, err
			}
			events, err := h.store.EventsByCorrelation(ctx, sessionID.String())
			if err != nil {
				return false, err
			}
			pending = 0
			for _, e := range events {
				if !e.Processed {
					pending++
				}
			}
			return pending == 0, nil
		})
		return map[string]interface{}{"passes": passes, "pending": pending}, err
	})
}

func (h *Harness) awaitEvents(ctx context.Context, sessionID uuid.UUID, eventType models.EventType, want int, wait time.Duration) (map[string]interface{}, error) {
	found := 0
	err := h.poll(ctx, wait, func(ctx context.Context) (bool, error) {
		events, err := h.store.EventsByCorrelation(ctx, sessionID.String())
		if err != nil {
			return false, err
		}
		found = 0
		for _, e := range events {
			if e.EventType == eventType {
				found++
			}
		}
		return found >= want, nil
	})
	return map[string]interface{}{"event_type": eventType, "found": found}, err
}

// poll checks cond every poll interval until it holds, it fails, or wait
// elapses.
func (h *Harness) poll(ctx context.Context, wait time.Duration, cond func(ctx context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w after %s", ErrTimeout, wait)
		case <-ticker.C:
		}
	}
}

// cleanup removes the session and everything hanging off it. It runs on a
// fresh context so a canceled run still cleans up.
func (h *Harness) cleanup(r *Report, sessionID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	h.step(r, "cleanup", map[string]interface{}{"session_id": sessionID.String()}, func() (map[string]interface{}, error) {
		return nil, h.store.DeleteSession(ctx, sessionID)
	})
}

// step runs fn, records it in r and logs it. It reports whether fn
// succeeded.
func (h *Harness) step(r *Report, name string, input map[string]interface{}, fn func() (map[string]interface{}, error)) bool {
	start := time.Now()
	output, err := fn()
	s := Step{
		Name:     name,
		Input:    input,
		Output:   output,
		Status:   StepOK,
		Duration: time.Since(start),
	}
	if err != nil {
		s.Status = StepFailed
		s.Error = err.Error()
	}
	r.Steps = append(r.Steps, s)

	fields := map[string]interface{}{
		"step":        name,
		"status":      s.Status,
		"duration_ms": s.Duration.Milliseconds(),
		"input":       input,
		"output":      output,
	}
	if err != nil {
		h.logger.Error("harness_step_failed", fmt.Sprintf("Step %s failed", name), r.RunID, err, fields)
		return false
	}
	h.logger.Info("harness_step", fmt.Sprintf("Step %s ok", name), r.RunID, fields)
	return true
}
