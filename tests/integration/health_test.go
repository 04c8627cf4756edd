package integration

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/safar/marketplace-core/internal/collab"
	"github.com/safar/marketplace-core/internal/database"
	"github.com/safar/marketplace-core/internal/health"
	"github.com/safar/marketplace-core/internal/ledger"
	"github.com/safar/marketplace-core/internal/models"
)

func newHealthEngine(db *sql.DB) *health.Engine {
	logger := zap.NewNop()
	return health.NewEngine(db, []int{30, 60, 90}, 30, &collab.LogNotifier{Logger: logger}, logger)
}

// seedMetric writes denominator and numerator counts directly through the
// recording path, the same upserts the order lifecycle produces.
func seedMetric(t *testing.T, engine *health.Engine, db *sql.DB, sellerID string, kind models.MetricKind, num, den int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < den; i++ {
		if err := engine.RecordEvent(ctx, db, sellerID, kind, false); err != nil {
			t.Fatalf("Failed to record denominator: %v", err)
		}
	}
	for i := 0; i < num; i++ {
		if err := engine.RecordEvent(ctx, db, sellerID, kind, true); err != nil {
			t.Fatalf("Failed to record numerator: %v", err)
		}
	}
}

func TestPristineSellerSnapshot(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := setupTestDB(t)
	defer cleanup()

	engine := newHealthEngine(db)
	snap, err := engine.Snapshot(context.Background(), "brand-new-seller", 30)
	if err != nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	if snap.HealthScore != 100 || snap.Status != models.StatusExcellent {
		t.Errorf("Pristine seller should score 100/excellent, got %d/%s", snap.HealthScore, snap.Status)
	}

	flag, err := engine.Flag(context.Background(), "brand-new-seller")
	if err != nil {
		t.Fatalf("Failed to get flag: %v", err)
	}
	if flag != models.EnforcementNone {
		t.Errorf("Pristine seller should have no enforcement flag, got %s", flag)
	}
}

func TestRecomputeScoresAcrossWindows(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	engine := newHealthEngine(db)
	seedMetric(t, engine, db, "seller-1", models.MetricLateShip, 2, 10)

	if err := engine.Recompute(ctx, "seller-1"); err != nil {
		t.Fatalf("Failed to recompute: %v", err)
	}

	// Every configured window got the same bump and the same score.
	for _, days := range []int{30, 60, 90} {
		snap, err := engine.Snapshot(ctx, "seller-1", days)
		if err != nil {
			t.Fatalf("Failed to get %d-day snapshot: %v", days, err)
		}
		if snap.LateShipNum != 2 || snap.LateShipDen != 10 {
			t.Errorf("%d-day window: lsr %d/%d, want 2/10", days, snap.LateShipNum, snap.LateShipDen)
		}
		// LSR 20% is past the warning band: 100 - 30 = 70.
		if snap.HealthScore != 70 {
			t.Errorf("%d-day window: score %d, want 70", days, snap.HealthScore)
		}
		if snap.Status != models.StatusFair {
			t.Errorf("%d-day window: status %s, want fair", days, snap.Status)
		}
	}
}

func TestWarningFlagWithoutSuspension(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	engine := newHealthEngine(db)
	seedMetric(t, engine, db, "seller-1", models.MetricLateShip, 2, 10)

	if err := engine.Recompute(ctx, "seller-1"); err != nil {
		t.Fatalf("Failed to recompute: %v", err)
	}
	if err := engine.Enforce(ctx, "seller-1"); err != nil {
		t.Fatalf("Failed to enforce: %v", err)
	}

	flag, err := engine.Flag(ctx, "seller-1")
	if err != nil {
		t.Fatalf("Failed to get flag: %v", err)
	}
	if flag != models.EnforcementWarning {
		t.Errorf("Expected warning flag, got %s", flag)
	}

	// Warnings do not block reservations.
	mustInitStock(t, db, "seller-1", "listing-1", 5)
	if _, _, err := ledger.Reserve(ctx, db, ledger.ReserveRequest{
		SellerID:        "seller-1",
		ListingID:       "listing-1",
		FulfillmentType: models.FulfillmentMerchant,
		Quantity:        1,
		ReservationID:   uuid.NewString(),
		TTL:             time.Minute,
	}); err != nil {
		t.Errorf("Warned seller should still reserve: %v", err)
	}
}

func TestODRSuspensionBlocksReservations(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	engine := newHealthEngine(db)
	mustInitStock(t, db, "seller-1", "listing-1", 10)

	// 200 completed orders, then defects trickle in. The fifth pushes ODR
	// to 2.5% and must suspend without waiting for the nightly recompute.
	seedMetric(t, engine, db, "seller-1", models.MetricDefect, 0, 200)
	for i := 0; i < 5; i++ {
		if err := engine.RecordEventAndEnforce(ctx, "seller-1", models.MetricDefect, true); err != nil {
			t.Fatalf("Failed to record defect %d: %v", i, err)
		}
	}

	flag, err := engine.Flag(ctx, "seller-1")
	if err != nil {
		t.Fatalf("Failed to get flag: %v", err)
	}
	if flag != models.EnforcementSuspended {
		t.Fatalf("Expected suspended flag at 2.5%% ODR, got %s", flag)
	}

	violations, err := engine.Violations(ctx, "seller-1")
	if err != nil {
		t.Fatalf("Failed to list violations: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("Expected exactly 1 violation, got %d", len(violations))
	}
	if violations[0].Severity != "critical" || violations[0].Metric != "odr" {
		t.Errorf("Unexpected violation: %+v", violations[0])
	}

	// Stock is there, the seller is not.
	_, _, err = ledger.Reserve(ctx, db, ledger.ReserveRequest{
		SellerID:        "seller-1",
		ListingID:       "listing-1",
		FulfillmentType: models.FulfillmentMerchant,
		Quantity:        1,
		ReservationID:   uuid.NewString(),
		TTL:             time.Minute,
	})
	if !errors.Is(err, database.ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable for a suspended seller, got %v", err)
	}

	// More defects do not stack violations on an already suspended account.
	if err := engine.RecordEventAndEnforce(ctx, "seller-1", models.MetricDefect, true); err != nil {
		t.Fatalf("Failed to record extra defect: %v", err)
	}
	violations, err = engine.Violations(ctx, "seller-1")
	if err != nil {
		t.Fatalf("Failed to list violations: %v", err)
	}
	if len(violations) != 1 {
		t.Errorf("Expected violations to stay at 1, got %d", len(violations))
	}
}

func TestClearSuspensionRestoresSelling(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	engine := newHealthEngine(db)
	mustInitStock(t, db, "seller-1", "listing-1", 10)

	if err := engine.ClearSuspension(ctx, "seller-1", "reviewer-1", "not suspended"); !errors.Is(err, database.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition clearing a non-suspended seller, got %v", err)
	}

	seedMetric(t, engine, db, "seller-1", models.MetricDefect, 0, 100)
	for i := 0; i < 3; i++ {
		if err := engine.RecordEventAndEnforce(ctx, "seller-1", models.MetricDefect, true); err != nil {
			t.Fatalf("Failed to record defect: %v", err)
		}
	}
	flag, err := engine.Flag(ctx, "seller-1")
	if err != nil {
		t.Fatalf("Failed to get flag: %v", err)
	}
	if flag != models.EnforcementSuspended {
		t.Fatalf("Expected suspension, got %s", flag)
	}

	if err := engine.ClearSuspension(ctx, "seller-1", "reviewer-1", "remediation plan accepted"); err != nil {
		t.Fatalf("Failed to clear suspension: %v", err)
	}
	flag, err = engine.Flag(ctx, "seller-1")
	if err != nil {
		t.Fatalf("Failed to get flag: %v", err)
	}
	if flag != models.EnforcementNone {
		t.Errorf("Expected flag cleared to none, got %s", flag)
	}

	if _, _, err := ledger.Reserve(ctx, db, ledger.ReserveRequest{
		SellerID:        "seller-1",
		ListingID:       "listing-1",
		FulfillmentType: models.FulfillmentMerchant,
		Quantity:        1,
		ReservationID:   uuid.NewString(),
		TTL:             time.Minute,
	}); err != nil {
		t.Errorf("Reinstated seller should reserve again: %v", err)
	}

	violations, err := engine.Violations(ctx, "seller-1")
	if err != nil {
		t.Fatalf("Failed to list violations: %v", err)
	}
	// The suspension plus the audit entry for clearing it.
	if len(violations) != 2 {
		t.Errorf("Expected 2 violation records, got %d", len(violations))
	}
}

func TestRecomputeAllCoversActiveSellers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	engine := newHealthEngine(db)
	seedMetric(t, engine, db, "seller-1", models.MetricCancel, 1, 10)
	seedMetric(t, engine, db, "seller-2", models.MetricReturn, 1, 10)

	refreshed, err := engine.RecomputeAll(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Failed to recompute all: %v", err)
	}
	if refreshed != 2 {
		t.Errorf("Expected 2 sellers refreshed, got %d", refreshed)
	}

	snap, err := engine.Snapshot(ctx, "seller-1", 30)
	if err != nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	// CR 10% is past the warning band: 100 - 25 = 75.
	if snap.HealthScore != 75 {
		t.Errorf("Expected score 75, got %d", snap.HealthScore)
	}
}
