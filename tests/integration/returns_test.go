package integration

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/safar/marketplace-core/internal/collab"
	"github.com/safar/marketplace-core/internal/config"
	"github.com/safar/marketplace-core/internal/database"
	"github.com/safar/marketplace-core/internal/health"
	"github.com/safar/marketplace-core/internal/ledger"
	"github.com/safar/marketplace-core/internal/models"
	"github.com/safar/marketplace-core/internal/orders"
	"github.com/safar/marketplace-core/internal/returns"
)

func newEngines(db *sql.DB) (*returns.Engine, *orders.Store, *health.Engine) {
	logger := zap.NewNop()
	notifier := &collab.LogNotifier{Logger: logger}
	healthEngine := health.NewEngine(db, []int{30, 60, 90}, 30, notifier, logger)
	ordersStore := orders.NewStore(db, healthEngine, 48*time.Hour)
	returnsEngine := returns.NewEngine(db, ordersStore, healthEngine,
		collab.DefaultFeeSchedule(), &collab.LogLabelService{Logger: logger}, notifier,
		logger, config.ReturnsConfig{
			EligibilityWindow:  30 * 24 * time.Hour,
			SellerResponseTime: 72 * time.Hour,
			InspectionDeadline: 7 * 24 * time.Hour,
			EscalationAge:      48 * time.Hour,
			RestockingFeePct:   0.20,
		})
	return returnsEngine, ordersStore, healthEngine
}

// deliverOrder drives a fresh listing through reserve, convert, ship and
// deliver, leaving an order eligible for a return.
func deliverOrder(t *testing.T, db *sql.DB, ordersStore *orders.Store, sellerID, listingID, orderID string, qty int, unitPrice string) {
	t.Helper()
	ctx := context.Background()

	mustInitStock(t, db, sellerID, listingID, 10)

	res, _, err := ledger.Reserve(ctx, db, ledger.ReserveRequest{
		SellerID:        sellerID,
		ListingID:       listingID,
		FulfillmentType: models.FulfillmentMerchant,
		Quantity:        qty,
		ReservationID:   uuid.NewString(),
		TTL:             time.Minute,
	})
	if err != nil {
		t.Fatalf("Failed to reserve: %v", err)
	}
	converted, err := ledger.ConvertToSale(ctx, db, res.ReservationID, orderID)
	if err != nil {
		t.Fatalf("Failed to convert: %v", err)
	}

	price := decimal.RequireFromString(unitPrice)
	if err := ordersStore.RegisterSale(ctx, converted, orderID, &price); err != nil {
		t.Fatalf("Failed to register sale: %v", err)
	}
	if err := ordersStore.MarkShipped(ctx, orderID, time.Now().UTC()); err != nil {
		t.Fatalf("Failed to mark shipped: %v", err)
	}
	if err := ordersStore.MarkDelivered(ctx, orderID, time.Now().UTC()); err != nil {
		t.Fatalf("Failed to mark delivered: %v", err)
	}
}

func TestReturnFullCycleDamagedWriteOff(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	engine, ordersStore, healthEngine := newEngines(db)
	deliverOrder(t, db, ordersStore, "seller-1", "listing-1", "order-1", 2, "50.00")

	c, err := engine.Initiate(ctx, returns.InitiateRequest{
		OrderID:    "order-1",
		ListingID:  "listing-1",
		Quantity:   2,
		BuyerID:    "buyer-1",
		ReasonCode: models.ReasonDefective,
	})
	if err != nil {
		t.Fatalf("Failed to initiate: %v", err)
	}
	// Seller-fault reasons skip the manual review queue.
	if c.State != models.CaseApproved {
		t.Fatalf("Expected auto-approved case, got %s", c.State)
	}
	if c.ApprovalMode != "auto" {
		t.Errorf("Expected auto approval mode, got %q", c.ApprovalMode)
	}

	if err := engine.MarkLabelGenerated(ctx, c.CaseID, "carrier"); err != nil {
		t.Fatalf("Failed to mark label generated: %v", err)
	}
	if err := engine.MarkInTransit(ctx, c.CaseID, "carrier"); err != nil {
		t.Fatalf("Failed to mark in transit: %v", err)
	}
	if err := engine.MarkReceived(ctx, c.CaseID, "warehouse"); err != nil {
		t.Fatalf("Failed to mark received: %v", err)
	}

	received, err := engine.GetCase(ctx, c.CaseID)
	if err != nil {
		t.Fatalf("Failed to get case: %v", err)
	}
	if received.InspectionDeadline == nil {
		t.Error("Receiving should start the inspection clock")
	}

	if err := engine.Inspect(ctx, c.CaseID, models.GradeDamaged, false, "inspector-1"); err != nil {
		t.Fatalf("Failed to inspect: %v", err)
	}
	inspected, err := engine.GetCase(ctx, c.CaseID)
	if err != nil {
		t.Fatalf("Failed to get case: %v", err)
	}
	if inspected.State != models.CaseInspecting {
		t.Errorf("Expected inspecting, got %s", inspected.State)
	}
	// 2 x 50.00, 30% condition deduction, no restocking fee on a write-off.
	if inspected.RefundAmount == nil || !inspected.RefundAmount.Equal(decimal.RequireFromString("70.00")) {
		t.Errorf("Expected refund 70.00, got %v", inspected.RefundAmount)
	}
	if inspected.FeeCredit == nil || inspected.FeeCredit.IsZero() {
		t.Error("Expected a referral fee credit on the case")
	}

	if err := engine.Complete(ctx, c.CaseID, "inspector-1"); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}

	// Write-off: units return as unsellable, total is restored.
	total, sellable, _, unsellable := stockCounts(t, db, "seller-1", "listing-1")
	if total != 10 || sellable != 8 || unsellable != 2 {
		t.Errorf("After completion: total=%d sellable=%d unsellable=%d, want 10/8/2", total, sellable, unsellable)
	}

	snap, err := healthEngine.Snapshot(ctx, "seller-1", 30)
	if err != nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	if snap.ReturnNum != 1 {
		t.Errorf("Expected return numerator 1, got %d", snap.ReturnNum)
	}

	// Replaying Complete must not restock or count the return twice.
	if err := engine.Complete(ctx, c.CaseID, "inspector-1"); err != nil {
		t.Fatalf("Complete replay should succeed: %v", err)
	}
	total, _, _, unsellable = stockCounts(t, db, "seller-1", "listing-1")
	if total != 10 || unsellable != 2 {
		t.Errorf("Complete replay changed stock: total=%d unsellable=%d", total, unsellable)
	}
	snap, err = healthEngine.Snapshot(ctx, "seller-1", 30)
	if err != nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	if snap.ReturnNum != 1 {
		t.Errorf("Complete replay double-counted the return: %d", snap.ReturnNum)
	}

	events, err := engine.Timeline(ctx, c.CaseID)
	if err != nil {
		t.Fatalf("Failed to get timeline: %v", err)
	}
	// initiated->approved->label_generated->in_transit->received->inspecting->completed
	if len(events) != 6 {
		t.Errorf("Expected 6 timeline events, got %d", len(events))
	}
}

func TestReturnManualApprovalAndRejection(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	engine, ordersStore, _ := newEngines(db)
	deliverOrder(t, db, ordersStore, "seller-1", "listing-1", "order-1", 1, "25.00")

	c, err := engine.Initiate(ctx, returns.InitiateRequest{
		OrderID:    "order-1",
		ListingID:  "listing-1",
		Quantity:   1,
		BuyerID:    "buyer-1",
		ReasonCode: models.ReasonChangedMind,
	})
	if err != nil {
		t.Fatalf("Failed to initiate: %v", err)
	}
	if c.State != models.CaseInitiated {
		t.Fatalf("Buyer-discretion case should wait for the seller, got %s", c.State)
	}
	if c.ApprovalDeadline == nil {
		t.Error("Buyer-discretion case should carry a response deadline")
	}

	// Only one open case per order and listing.
	_, err = engine.Initiate(ctx, returns.InitiateRequest{
		OrderID:    "order-1",
		ListingID:  "listing-1",
		Quantity:   1,
		BuyerID:    "buyer-1",
		ReasonCode: models.ReasonChangedMind,
	})
	if !errors.Is(err, returns.ErrNotEligible) {
		t.Errorf("Expected ErrNotEligible for a duplicate open case, got %v", err)
	}

	if err := engine.Approve(ctx, c.CaseID, false, "outside policy", "seller-1"); err != nil {
		t.Fatalf("Failed to reject: %v", err)
	}
	rejected, err := engine.GetCase(ctx, c.CaseID)
	if err != nil {
		t.Fatalf("Failed to get case: %v", err)
	}
	if rejected.State != models.CaseRejected {
		t.Errorf("Expected rejected, got %s", rejected.State)
	}
	if rejected.RefundAmount == nil || !rejected.RefundAmount.IsZero() {
		t.Errorf("Rejection should set a zero refund, got %v", rejected.RefundAmount)
	}

	// The rejection closed the case, so a new one may open.
	c2, err := engine.Initiate(ctx, returns.InitiateRequest{
		OrderID:    "order-1",
		ListingID:  "listing-1",
		Quantity:   1,
		BuyerID:    "buyer-1",
		ReasonCode: models.ReasonNoLongerNeeded,
	})
	if err != nil {
		t.Fatalf("Failed to initiate after rejection: %v", err)
	}
	if err := engine.Approve(ctx, c2.CaseID, true, "goodwill", "seller-1"); err != nil {
		t.Fatalf("Failed to approve: %v", err)
	}
	approved, err := engine.GetCase(ctx, c2.CaseID)
	if err != nil {
		t.Fatalf("Failed to get case: %v", err)
	}
	if approved.State != models.CaseApproved || approved.ApprovalMode != "manual" {
		t.Errorf("Expected manually approved case, got %s/%s", approved.State, approved.ApprovalMode)
	}
}

func TestReturnEligibilityChecks(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	engine, ordersStore, _ := newEngines(db)
	deliverOrder(t, db, ordersStore, "seller-1", "listing-1", "order-1", 1, "25.00")

	// Quantity above the ordered amount.
	_, err := engine.Initiate(ctx, returns.InitiateRequest{
		OrderID:    "order-1",
		ListingID:  "listing-1",
		Quantity:   3,
		BuyerID:    "buyer-1",
		ReasonCode: models.ReasonDefective,
	})
	if !errors.Is(err, database.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for excess quantity, got %v", err)
	}

	// Delivered too long ago.
	if _, err := db.Exec(`UPDATE orders SET delivered_at = NOW() - INTERVAL '45 days' WHERE order_id = 'order-1'`); err != nil {
		t.Fatalf("Failed to backdate delivery: %v", err)
	}
	_, err = engine.Initiate(ctx, returns.InitiateRequest{
		OrderID:    "order-1",
		ListingID:  "listing-1",
		Quantity:   1,
		BuyerID:    "buyer-1",
		ReasonCode: models.ReasonDefective,
	})
	if !errors.Is(err, returns.ErrNotEligible) {
		t.Errorf("Expected ErrNotEligible outside the window, got %v", err)
	}
}

func TestReturnTransitionGuards(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	engine, ordersStore, _ := newEngines(db)
	deliverOrder(t, db, ordersStore, "seller-1", "listing-1", "order-1", 1, "25.00")

	c, err := engine.Initiate(ctx, returns.InitiateRequest{
		OrderID:    "order-1",
		ListingID:  "listing-1",
		Quantity:   1,
		BuyerID:    "buyer-1",
		ReasonCode: models.ReasonChangedMind,
	})
	if err != nil {
		t.Fatalf("Failed to initiate: %v", err)
	}

	// No skipping ahead: the case is still waiting for approval.
	if err := engine.Inspect(ctx, c.CaseID, models.GradeUsed, true, "inspector-1"); !errors.Is(err, database.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition inspecting an initiated case, got %v", err)
	}
	if err := engine.MarkReceived(ctx, c.CaseID, "warehouse"); !errors.Is(err, database.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition receiving an initiated case, got %v", err)
	}
	if err := engine.Complete(ctx, c.CaseID, "inspector-1"); !errors.Is(err, database.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition completing an initiated case, got %v", err)
	}

	// Rejection is terminal.
	if err := engine.Approve(ctx, c.CaseID, false, "outside policy", "seller-1"); err != nil {
		t.Fatalf("Failed to reject: %v", err)
	}
	if err := engine.MarkLabelGenerated(ctx, c.CaseID, "carrier"); !errors.Is(err, database.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition after rejection, got %v", err)
	}
}

func TestReturnDeadlineAutomation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	engine, ordersStore, _ := newEngines(db)
	deliverOrder(t, db, ordersStore, "seller-1", "listing-1", "order-1", 1, "25.00")

	c, err := engine.Initiate(ctx, returns.InitiateRequest{
		OrderID:    "order-1",
		ListingID:  "listing-1",
		Quantity:   1,
		BuyerID:    "buyer-1",
		ReasonCode: models.ReasonChangedMind,
	})
	if err != nil {
		t.Fatalf("Failed to initiate: %v", err)
	}

	// Nothing fires before the deadlines.
	acted, err := engine.AutoApproveOverdue(ctx)
	if err != nil {
		t.Fatalf("Auto-approval scan failed: %v", err)
	}
	if acted != 0 {
		t.Errorf("Expected no auto-approvals yet, got %d", acted)
	}

	if _, err := db.Exec(`UPDATE return_cases SET approval_deadline = NOW() - INTERVAL '1 hour' WHERE case_id = $1`, c.CaseID); err != nil {
		t.Fatalf("Failed to backdate deadline: %v", err)
	}

	acted, err = engine.AutoApproveOverdue(ctx)
	if err != nil {
		t.Fatalf("Auto-approval scan failed: %v", err)
	}
	if acted != 1 {
		t.Errorf("Expected 1 auto-approval, got %d", acted)
	}
	approved, err := engine.GetCase(ctx, c.CaseID)
	if err != nil {
		t.Fatalf("Failed to get case: %v", err)
	}
	if approved.State != models.CaseApproved || approved.ApprovalMode != "auto" {
		t.Errorf("Expected auto-approved case, got %s/%s", approved.State, approved.ApprovalMode)
	}

	// Stall the case in received past the inspection deadline.
	if err := engine.MarkLabelGenerated(ctx, c.CaseID, "carrier"); err != nil {
		t.Fatalf("Failed to mark label generated: %v", err)
	}
	if err := engine.MarkInTransit(ctx, c.CaseID, "carrier"); err != nil {
		t.Fatalf("Failed to mark in transit: %v", err)
	}
	if err := engine.MarkReceived(ctx, c.CaseID, "warehouse"); err != nil {
		t.Fatalf("Failed to mark received: %v", err)
	}
	if _, err := db.Exec(`UPDATE return_cases SET inspection_deadline = NOW() - INTERVAL '1 hour' WHERE case_id = $1`, c.CaseID); err != nil {
		t.Fatalf("Failed to backdate inspection deadline: %v", err)
	}

	acted, err = engine.AutoInspectOverdue(ctx)
	if err != nil {
		t.Fatalf("Auto-inspection scan failed: %v", err)
	}
	if acted != 1 {
		t.Errorf("Expected 1 auto-inspection, got %d", acted)
	}

	done, err := engine.GetCase(ctx, c.CaseID)
	if err != nil {
		t.Fatalf("Failed to get case: %v", err)
	}
	if done.State != models.CaseCompleted {
		t.Errorf("Expected completed case, got %s", done.State)
	}
	if done.ConditionGrade != models.GradeAsDescribed {
		t.Errorf("Default inspection should grade as described, got %s", done.ConditionGrade)
	}
	// Default inspection restocks: 9 sellable after the sale plus 1 back.
	_, sellable, _, _ := stockCounts(t, db, "seller-1", "listing-1")
	if sellable != 10 {
		t.Errorf("Expected full restock to 10 sellable, got %d", sellable)
	}
}

func TestReturnEscalation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	engine, ordersStore, _ := newEngines(db)
	deliverOrder(t, db, ordersStore, "seller-1", "listing-1", "order-1", 1, "25.00")

	c, err := engine.Initiate(ctx, returns.InitiateRequest{
		OrderID:    "order-1",
		ListingID:  "listing-1",
		Quantity:   1,
		BuyerID:    "buyer-1",
		ReasonCode: models.ReasonChangedMind,
	})
	if err != nil {
		t.Fatalf("Failed to initiate: %v", err)
	}

	if _, err := db.Exec(`UPDATE return_cases SET created_at = NOW() - INTERVAL '3 days' WHERE case_id = $1`, c.CaseID); err != nil {
		t.Fatalf("Failed to backdate case: %v", err)
	}

	acted, err := engine.EscalateStale(ctx)
	if err != nil {
		t.Fatalf("Escalation scan failed: %v", err)
	}
	if acted != 1 {
		t.Errorf("Expected 1 escalation, got %d", acted)
	}

	escalated, err := engine.GetCase(ctx, c.CaseID)
	if err != nil {
		t.Fatalf("Failed to get case: %v", err)
	}
	if escalated.EscalatedAt == nil {
		t.Error("Expected escalated_at to be set")
	}
	if escalated.State != models.CaseInitiated {
		t.Errorf("Escalation must not change state, got %s", escalated.State)
	}

	// One notification per case.
	acted, err = engine.EscalateStale(ctx)
	if err != nil {
		t.Fatalf("Second escalation scan failed: %v", err)
	}
	if acted != 0 {
		t.Errorf("Expected no repeat escalations, got %d", acted)
	}
}
