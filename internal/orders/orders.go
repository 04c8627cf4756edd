package orders

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/safar/marketplace-core/internal/database"
	"github.com/safar/marketplace-core/internal/health"
	"github.com/safar/marketplace-core/internal/models"
)

// Store tracks the minimal order lifecycle the core needs: return
// eligibility windows and the denominators of the conduct metrics.
type Store struct {
	DB                 *sql.DB
	Health             *health.Engine
	PromisedShipOffset time.Duration
}

func NewStore(db *sql.DB, healthEngine *health.Engine, promisedShipOffset time.Duration) *Store {
	return &Store{DB: db, Health: healthEngine, PromisedShipOffset: promisedShipOffset}
}

// RegisterSale records the order created by a reservation conversion and
// feeds the completed-order and placed-order denominators. Replays of the
// same order ID are no-ops.
func (s *Store) RegisterSale(ctx context.Context, res *models.Reservation, orderID string, unitPrice *decimal.Decimal) error {
	promised := time.Now().UTC().Add(s.PromisedShipOffset)

	result, err := s.DB.ExecContext(ctx,
		`INSERT INTO orders (order_id, reservation_id, seller_id, listing_id, fulfillment_type, quantity, unit_price, promised_ship_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (order_id) DO NOTHING`,
		orderID, res.ReservationID, res.SellerID, res.ListingID, res.FulfillmentType,
		res.Quantity, unitPrice, promised)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return nil
	}

	if err := s.Health.RecordEventAndEnforce(ctx, res.SellerID, models.MetricDefect, false); err != nil {
		return err
	}
	return s.Health.RecordEventAndEnforce(ctx, res.SellerID, models.MetricCancel, false)
}

func (s *Store) Get(ctx context.Context, orderID string) (*models.Order, error) {
	order := &models.Order{}
	var unitPrice decimal.NullDecimal
	err := s.DB.QueryRowContext(ctx,
		`SELECT order_id, reservation_id, seller_id, listing_id, fulfillment_type, quantity,
		        unit_price, state, promised_ship_at, placed_at, shipped_at, delivered_at, cancelled_at
		 FROM orders WHERE order_id = $1`,
		orderID).Scan(
		&order.OrderID, &order.ReservationID, &order.SellerID, &order.ListingID,
		&order.FulfillmentType, &order.Quantity, &unitPrice, &order.State,
		&order.PromisedShipAt, &order.PlacedAt, &order.ShippedAt, &order.DeliveredAt, &order.CancelledAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("order %s: %w", orderID, database.ErrNotFound)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	if unitPrice.Valid {
		order.UnitPrice = &unitPrice.Decimal
	}
	return order, nil
}

// MarkShipped records ship confirmation and the late-shipment metric. The
// denominator counts every shipped order; the numerator only confirmations
// past the promised date.
func (s *Store) MarkShipped(ctx context.Context, orderID string, shippedAt time.Time) error {
	var sellerID string
	var promised time.Time
	err := s.DB.QueryRowContext(ctx,
		`UPDATE orders
		 SET state = 'shipped', shipped_at = $2
		 WHERE order_id = $1 AND state = 'placed'
		 RETURNING seller_id, promised_ship_at`,
		orderID, shippedAt).Scan(&sellerID, &promised)
	if err != nil {
		if err == sql.ErrNoRows {
			return s.transitionFailure(ctx, orderID, "ship")
		}
		return fmt.Errorf("mark shipped: %w", err)
	}

	if err := s.Health.RecordEventAndEnforce(ctx, sellerID, models.MetricLateShip, false); err != nil {
		return err
	}
	if shippedAt.After(promised) {
		return s.Health.RecordEventAndEnforce(ctx, sellerID, models.MetricLateShip, true)
	}
	return nil
}

// MarkDelivered records delivery, which opens the return-eligibility window
// and counts toward the return-rate denominator.
func (s *Store) MarkDelivered(ctx context.Context, orderID string, deliveredAt time.Time) error {
	var sellerID string
	err := s.DB.QueryRowContext(ctx,
		`UPDATE orders
		 SET state = 'delivered', delivered_at = $2
		 WHERE order_id = $1 AND state = 'shipped'
		 RETURNING seller_id`,
		orderID, deliveredAt).Scan(&sellerID)
	if err != nil {
		if err == sql.ErrNoRows {
			return s.transitionFailure(ctx, orderID, "deliver")
		}
		return fmt.Errorf("mark delivered: %w", err)
	}

	return s.Health.RecordEventAndEnforce(ctx, sellerID, models.MetricReturn, false)
}

// Cancel ends an unshipped order. Seller-initiated cancellations count
// toward the cancellation-rate numerator; buyer-initiated ones do not.
func (s *Store) Cancel(ctx context.Context, orderID string, bySeller bool) error {
	var sellerID string
	err := s.DB.QueryRowContext(ctx,
		`UPDATE orders
		 SET state = 'cancelled', cancelled_at = NOW()
		 WHERE order_id = $1 AND state = 'placed'
		 RETURNING seller_id`,
		orderID).Scan(&sellerID)
	if err != nil {
		if err == sql.ErrNoRows {
			return s.transitionFailure(ctx, orderID, "cancel")
		}
		return fmt.Errorf("cancel order: %w", err)
	}

	if bySeller {
		return s.Health.RecordEventAndEnforce(ctx, sellerID, models.MetricCancel, true)
	}
	return nil
}

// RecordDefect ingests a defect signal for a delivered order: negative
// feedback, a buyer-protection claim or a chargeback.
func (s *Store) RecordDefect(ctx context.Context, orderID, kind string) error {
	if kind == "" {
		return fmt.Errorf("defect kind required: %w", database.ErrInvalidArgument)
	}
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return err
	}
	return s.Health.RecordEventAndEnforce(ctx, order.SellerID, models.MetricDefect, true)
}

func (s *Store) transitionFailure(ctx context.Context, orderID, action string) error {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return err
	}
	return fmt.Errorf("cannot %s order %s in state %s: %w",
		action, orderID, order.State, database.ErrInvalidTransition)
}
