package pos

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"roomtab-engine/internal/catalog"
	"roomtab-engine/internal/logger"
	"roomtab-engine/internal/models"
)

// SessionStore is the slice of the store the adapter needs.
type SessionStore interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.OrderSession, error)
	SetPOSReference(ctx context.Context, sessionID uuid.UUID, ref string) error
	UnmirroredLines(ctx context.Context, sessionID uuid.UUID) ([]models.OrderLine, error)
	MarkLineMirrored(ctx context.Context, lineID uuid.UUID) error
}

// Adapter maps sessions onto hosted POS orders. It is only called after
// local state has committed; its failures never undo local state.
type Adapter struct {
	client Client
	store  SessionStore
	logger *logger.Logger

	// syncs serializes EnsureOrder per session within this process.
	syncs sync.Map
}

// NewAdapter creates an adapter.
func NewAdapter(client Client, store SessionStore, log *logger.Logger) *Adapter {
	return &Adapter{client: client, store: store, logger: log}
}

func (a *Adapter) lock(sessionID uuid.UUID) func() {
	mu, _ := a.syncs.LoadOrStore(sessionID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// EnsureOrder brings the session's hosted order up to date. The order is
// created on first use with the session id as idempotency key, then every
// committed line not yet on it is added. Lines go out with their id as POS
// uid, so replaying after a partial failure does not add them twice.
//
// Only an active session is mirrored. A session that closed while its
// order was being created gets that order voided.
func (a *Adapter) EnsureOrder(ctx context.Context, sessionID uuid.UUID) (string, error) {
	defer a.lock(sessionID)()

	sess, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Status != models.SessionActive {
		return "", notMirrorable(sess)
	}

	ref := ""
	if sess.POSOrderReference != nil {
		ref = *sess.POSOrderReference
	} else if ref, err = a.openOrder(ctx, sess); err != nil {
		return "", err
	}

	lines, err := a.store.UnmirroredLines(ctx, sessionID)
	if err != nil {
		return ref, fmt.Errorf("failed to load unmirrored lines: %w", err)
	}
	for _, l := range lines {
		if err := a.client.AddLine(ctx, ref, lineFor(l)); err != nil {
			return ref, err
		}
		if err := a.store.MarkLineMirrored(ctx, l.ID); err != nil {
			return ref, fmt.Errorf("failed to mark line %s mirrored: %w", l.ID, err)
		}
	}
	if len(lines) > 0 {
		a.logger.Debug("pos_lines_mirrored", fmt.Sprintf("Added %d lines to POS order %s", len(lines), ref), sessionID.String(), nil)
	}
	return ref, nil
}

// openOrder creates the hosted order and records its reference. Close only
// voids references it can see, so the session is read again afterwards and
// the order voided here when the tab closed in between.
func (a *Adapter) openOrder(ctx context.Context, sess *models.OrderSession) (string, error) {
	ref, err := a.client.CreateOrGetOrder(ctx, sess.ID.String(), sess.RoomNumber)
	if err != nil {
		return "", err
	}
	if err := a.store.SetPOSReference(ctx, sess.ID, ref); err != nil {
		return "", fmt.Errorf("failed to persist pos order reference: %w", err)
	}

	current, err := a.store.GetSession(ctx, sess.ID)
	if err != nil {
		return "", err
	}
	if current.Status == models.SessionActive {
		return ref, nil
	}

	if err := a.client.Cancel(ctx, ref); err != nil {
		a.logger.Error("pos_void_failed", "Failed to void POS order of a tab closed during mirroring", sess.ID.String(), err, map[string]interface{}{
			"pos_order_reference": ref,
			"status":              current.Status,
		})
		return "", err
	}
	a.logger.Info("pos_order_voided", "Voided POS order of a tab closed during mirroring", sess.ID.String(), map[string]interface{}{
		"pos_order_reference": ref,
		"status":              current.Status,
	})
	return "", notMirrorable(current)
}

func notMirrorable(sess *models.OrderSession) error {
	return models.InvalidStateError{
		Entity:  "session",
		ID:      sess.ID.String(),
		State:   string(sess.Status),
		Message: "only an active session is mirrored to the POS",
	}
}

func lineFor(l models.OrderLine) Line {
	return Line{
		UID:                  l.ID.String(),
		CatalogItemReference: l.CatalogItemReference,
		Name:                 l.ItemName,
		Quantity:             l.Quantity,
		UnitPrice:            l.UnitPrice,
		Note:                 l.Note,
	}
}

// SettleCash submits a cash payment. The idempotency key is derived from
// the order reference, so a retried settlement does not charge twice.
func (a *Adapter) SettleCash(ctx context.Context, ref string, amount decimal.Decimal) (string, error) {
	if ref == "" {
		return "", models.InvalidStateError{Entity: "session", State: "unmirrored", Message: "no pos order to settle"}
	}
	return a.client.Settle(ctx, ref, amount, "settle-"+ref)
}

// Void cancels the hosted order of a force-closed session.
func (a *Adapter) Void(ctx context.Context, ref string) error {
	return a.client.Cancel(ctx, ref)
}

// Payments lists POS payment records for a hosted order.
func (a *Adapter) Payments(ctx context.Context, ref string) ([]Payment, error) {
	return a.client.ListPayments(ctx, ref)
}

// VerifyItem compares a local catalog item with the POS catalog. Any
// mismatch or failure is logged only.
func (a *Adapter) VerifyItem(ctx context.Context, item catalog.Item) {
	remote, err := a.client.GetCatalogItem(ctx, item.Ref)
	if err != nil {
		a.logger.Error("pos_catalog_check_failed", "Could not verify item against POS catalog", "", err, map[string]interface{}{
			"catalog_item_reference": item.Ref,
		})
		return
	}
	if !remote.Price.Equal(item.Price) || remote.Name != item.Name {
		a.logger.Info("pos_catalog_mismatch", "Local catalog item differs from POS", "", map[string]interface{}{
			"catalog_item_reference": item.Ref,
			"local_name":             item.Name,
			"local_price":            item.Price.StringFixed(2),
			"pos_name":               remote.Name,
			"pos_price":              remote.Price.StringFixed(2),
		})
	}
}
