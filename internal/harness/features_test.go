package harness

import (
	"context"
	"fmt"
	"testing"

	"github.com/cucumber/godog"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"roomtab-engine/internal/models"
)

type featureContext struct {
	env     *env
	room    string
	session uuid.UUID
	lastErr error
	report  *Report
}

func (c *featureContext) reset() {
	if c.env != nil {
		c.env.receiver.close()
	}
	c.env = newEnv()
	c.room = ""
	c.session = uuid.Nil
	c.lastErr = nil
	c.report = nil
}

func (c *featureContext) aWebhookEndpointIsConfigured(name string) error {
	ep := &models.WebhookEndpoint{ID: uuid.New(), Name: name, URL: c.env.receiver.server.URL, Enabled: true}
	return c.env.store.CreateEndpoint(context.Background(), ep, 10)
}

func (c *featureContext) roomHasNoOpenTab(room string) error {
	c.room = room
	_, err := c.env.store.ActiveSessionForRoom(context.Background(), room)
	if !models.IsNotFound(err) {
		return fmt.Errorf("expected no active session for room %s, got %v", room, err)
	}
	return nil
}

func (c *featureContext) theGuestOrders(qty int, ref string) error {
	order, err := c.env.tabs.PlaceOrderForRoom(context.Background(), c.room, "guest", []models.LineInput{
		{CatalogItemReference: ref, Quantity: qty},
	})
	if err != nil {
		return err
	}
	c.session = order.SessionID
	return nil
}

func (c *featureContext) theGuestOrdersOnTheClosedTab(qty int, ref string) error {
	_, c.lastErr = c.env.tabs.AddOrder(context.Background(), c.session, "guest", []models.LineInput{
		{CatalogItemReference: ref, Quantity: qty},
	})
	return nil
}

func (c *featureContext) theOrderIsRejectedAsInvalidState() error {
	if !models.IsInvalidState(c.lastErr) {
		return fmt.Errorf("expected an invalid state error, got %v", c.lastErr)
	}
	return nil
}

func (c *featureContext) theTabTotalIs(amount string) error {
	want, err := decimal.NewFromString(amount)
	if err != nil {
		return err
	}
	snap, err := c.env.tabs.Snapshot(context.Background(), c.session)
	if err != nil {
		return err
	}
	if !snap.Subtotal.Equal(want) {
		return fmt.Errorf("tab total is %s, want %s", snap.Subtotal.StringFixed(2), amount)
	}
	sess, err := c.env.store.GetSession(context.Background(), c.session)
	if err != nil {
		return err
	}
	if !sess.TotalAmount.Equal(want) {
		return fmt.Errorf("session running total is %s, want %s", sess.TotalAmount.StringFixed(2), amount)
	}
	return nil
}

func (c *featureContext) theOutboxHolds(n int, eventType string) error {
	events, err := c.env.store.EventsByCorrelation(context.Background(), c.session.String())
	if err != nil {
		return err
	}
	found := 0
	for _, e := range events {
		if string(e.EventType) == eventType {
			found++
		}
	}
	if found != n {
		return fmt.Errorf("found %d %s events, want %d", found, eventType, n)
	}
	return nil
}

func (c *featureContext) theFrontDeskSettlesAndClosesTheTab() error {
	_, _, err := c.env.sessions.Checkout(context.Background(), c.session)
	return err
}

func (c *featureContext) theFrontDeskForceClosesTheTab() error {
	_, err := c.env.sessions.Close(context.Background(), c.session, false)
	return err
}

func (c *featureContext) theSessionIs(status string) error {
	sess, err := c.env.store.GetSession(context.Background(), c.session)
	if err != nil {
		return err
	}
	if string(sess.Status) != status {
		return fmt.Errorf("session is %s, want %s", sess.Status, status)
	}
	return nil
}

func (c *featureContext) posReference() (string, error) {
	sess, err := c.env.store.GetSession(context.Background(), c.session)
	if err != nil {
		return "", err
	}
	if sess.POSOrderReference == nil {
		return "", fmt.Errorf("session %s has no POS order", c.session)
	}
	return *sess.POSOrderReference, nil
}

func (c *featureContext) aPOSPaymentIsRecorded(amount string) error {
	ref, err := c.posReference()
	if err != nil {
		return err
	}
	payments, err := c.env.adapter.Payments(context.Background(), ref)
	if err != nil {
		return err
	}
	if len(payments) != 1 {
		return fmt.Errorf("found %d POS payments, want 1", len(payments))
	}
	if payments[0].Amount.StringFixed(2) != amount {
		return fmt.Errorf("POS payment is %s, want %s", payments[0].Amount.StringFixed(2), amount)
	}
	return nil
}

func (c *featureContext) thePOSOrderIsVoided() error {
	ref, err := c.posReference()
	if err != nil {
		return err
	}
	if !c.env.client.Canceled(ref) {
		return fmt.Errorf("POS order %s is still open", ref)
	}
	return nil
}

func (c *featureContext) aDeliveryPassRuns() error {
	_, err := c.env.worker.RunOnce(context.Background())
	return err
}

func (c *featureContext) theEndpointReceivedMessages(n int) error {
	if got := len(c.env.receiver.received()); got != n {
		return fmt.Errorf("endpoint received %d messages, want %d", got, n)
	}
	return nil
}

func (c *featureContext) everyEventOfTheTabIsProcessed() error {
	events, err := c.env.store.EventsByCorrelation(context.Background(), c.session.String())
	if err != nil {
		return err
	}
	for _, e := range events {
		if !e.Processed || e.DeadLettered {
			return fmt.Errorf("event %d (%s) processed=%t dead=%t", e.ID, e.EventType, e.Processed, e.DeadLettered)
		}
	}
	return nil
}

func (c *featureContext) theReconciliationHarnessRunsWithDelivery() error {
	r, err := c.env.harness.Run(context.Background(), Options{Lines: testLines, Deliver: true})
	c.report = r
	return err
}

func (c *featureContext) theHarnessReportPasses() error {
	if !c.report.Succeeded() {
		return fmt.Errorf("harness run failed: %+v", c.report.Steps)
	}
	return nil
}

func (c *featureContext) nothingCreatedByTheHarnessRemains() error {
	id, err := uuid.Parse(c.report.SessionID)
	if err != nil {
		return err
	}
	if _, err := c.env.store.GetSession(context.Background(), id); !models.IsNotFound(err) {
		return fmt.Errorf("harness session still present: %v", err)
	}
	events, err := c.env.store.EventsByCorrelation(context.Background(), c.report.SessionID)
	if err != nil {
		return err
	}
	if len(events) != 0 {
		return fmt.Errorf("%d harness events still present", len(events))
	}
	return nil
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	fc := &featureContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		fc.reset()
		return ctx, nil
	})

	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		fc.env.receiver.close()
		fc.env = nil
		return ctx, nil
	})

	// Given steps
	ctx.Step(`^a webhook endpoint "([^"]*)" is configured$`, fc.aWebhookEndpointIsConfigured)
	ctx.Step(`^room "([^"]*)" has no open tab$`, fc.roomHasNoOpenTab)

	// When steps
	ctx.Step(`^the guest orders (\d+) x "([^"]*)"$`, fc.theGuestOrders)
	ctx.Step(`^the guest orders (\d+) x "([^"]*)" on the closed tab$`, fc.theGuestOrdersOnTheClosedTab)
	ctx.Step(`^the front desk settles and closes the tab$`, fc.theFrontDeskSettlesAndClosesTheTab)
	ctx.Step(`^the front desk force-closes the tab$`, fc.theFrontDeskForceClosesTheTab)
	ctx.Step(`^a delivery pass runs$`, fc.aDeliveryPassRuns)
	ctx.Step(`^the reconciliation harness runs with delivery$`, fc.theReconciliationHarnessRunsWithDelivery)

	// Then steps
	ctx.Step(`^the order is rejected as invalid state$`, fc.theOrderIsRejectedAsInvalidState)
	ctx.Step(`^the tab total is "([^"]*)"$`, fc.theTabTotalIs)
	ctx.Step(`^the outbox holds (\d+) "([^"]*)" events?$`, fc.theOutboxHolds)
	ctx.Step(`^the session is "([^"]*)"$`, fc.theSessionIs)
	ctx.Step(`^a POS payment of "([^"]*)" is recorded$`, fc.aPOSPaymentIsRecorded)
	ctx.Step(`^the POS order is voided$`, fc.thePOSOrderIsVoided)
	ctx.Step(`^the endpoint received (\d+) messages?$`, fc.theEndpointReceivedMessages)
	ctx.Step(`^every event of the tab is processed$`, fc.everyEventOfTheTabIsProcessed)
	ctx.Step(`^the harness report passes$`, fc.theHarnessReportPasses)
	ctx.Step(`^nothing created by the harness remains$`, fc.nothingCreatedByTheHarnessRemains)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
