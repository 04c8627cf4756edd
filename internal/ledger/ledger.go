package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/safar/marketplace-core/internal/database"
	"github.com/safar/marketplace-core/internal/models"
)

const recordColumns = `id, seller_id, listing_id, fulfillment_type, total_units, sellable_units,
	reserved_units, unsellable_units, COALESCE(warehouse_location, ''), listing_active,
	aging_start_date, created_at, updated_at, version`

func scanRecord(row *sql.Row) (*models.StockRecord, error) {
	rec := &models.StockRecord{}
	err := row.Scan(
		&rec.ID,
		&rec.SellerID,
		&rec.ListingID,
		&rec.FulfillmentType,
		&rec.TotalUnits,
		&rec.SellableUnits,
		&rec.ReservedUnits,
		&rec.UnsellableUnits,
		&rec.WarehouseLocation,
		&rec.ListingActive,
		&rec.AgingStartDate,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.Version,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func Initialize(ctx context.Context, db *sql.DB, sellerID, listingID string, ft models.FulfillmentType, initialQuantity int) (*models.StockRecord, error) {
	if sellerID == "" || listingID == "" {
		return nil, fmt.Errorf("seller and listing required: %w", database.ErrInvalidArgument)
	}
	if initialQuantity < 0 {
		return nil, fmt.Errorf("initial quantity %d: %w", initialQuantity, database.ErrInvalidArgument)
	}

	var aging *time.Time
	if initialQuantity > 0 {
		now := time.Now().UTC()
		aging = &now
	}

	result, err := db.ExecContext(ctx,
		`INSERT INTO stock_records (seller_id, listing_id, fulfillment_type, total_units, sellable_units, aging_start_date)
		 VALUES ($1, $2, $3, $4, $4, $5)
		 ON CONFLICT (seller_id, listing_id, fulfillment_type) DO NOTHING`,
		sellerID, listingID, ft, initialQuantity, aging)
	if err != nil {
		return nil, fmt.Errorf("initialize stock record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("stock record %s/%s/%s: %w", sellerID, listingID, ft, database.ErrAlreadyExists)
	}

	return GetStockRecord(ctx, db, sellerID, listingID, ft)
}

func GetStockRecord(ctx context.Context, db *sql.DB, sellerID, listingID string, ft models.FulfillmentType) (*models.StockRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM stock_records
		WHERE seller_id = $1 AND listing_id = $2 AND fulfillment_type = $3`

	rec, err := scanRecord(db.QueryRowContext(ctx, query, sellerID, listingID, ft))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("stock record %s/%s/%s: %w", sellerID, listingID, ft, database.ErrNotFound)
		}
		return nil, fmt.Errorf("get stock record: %w", err)
	}
	return rec, nil
}

func Receive(ctx context.Context, db *sql.DB, sellerID, listingID string, ft models.FulfillmentType, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("receive quantity %d: %w", quantity, database.ErrInvalidArgument)
	}

	result, err := db.ExecContext(ctx,
		`UPDATE stock_records
		 SET total_units = total_units + $1,
		     sellable_units = sellable_units + $1,
		     aging_start_date = COALESCE(aging_start_date, NOW()),
		     updated_at = NOW(),
		     version = version + 1
		 WHERE seller_id = $2 AND listing_id = $3 AND fulfillment_type = $4`,
		quantity, sellerID, listingID, ft)
	if err != nil {
		return fmt.Errorf("receive stock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("stock record %s/%s/%s: %w", sellerID, listingID, ft, database.ErrNotFound)
	}
	return nil
}

type ReserveRequest struct {
	SellerID        string
	ListingID       string
	FulfillmentType models.FulfillmentType
	Quantity        int
	ReservationID   string
	TTL             time.Duration
}

// Reserve places a hold on sellable stock. The stock check, the suspension
// check and the decrement are one conditional UPDATE, so two racing callers
// can never both win the last units. Replaying the same reservation ID
// returns the stored reservation without touching stock again. The
// transaction retries on deadlock and serialization failures.
func Reserve(ctx context.Context, db *sql.DB, req ReserveRequest) (*models.Reservation, bool, error) {
	if req.Quantity <= 0 {
		return nil, false, fmt.Errorf("reserve quantity %d: %w", req.Quantity, database.ErrInvalidArgument)
	}
	if req.ReservationID == "" {
		return nil, false, fmt.Errorf("reservation id required: %w", database.ErrInvalidArgument)
	}
	if req.TTL <= 0 {
		return nil, false, fmt.Errorf("reservation ttl %s: %w", req.TTL, database.ErrInvalidArgument)
	}

	var res *models.Reservation
	replayed := false

	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO reservations (reservation_id, seller_id, listing_id, fulfillment_type, quantity, state, expires_at)
			 VALUES ($1, $2, $3, $4, $5, 'active', NOW() + $6 * INTERVAL '1 second')
			 ON CONFLICT (reservation_id) DO NOTHING`,
			req.ReservationID, req.SellerID, req.ListingID, req.FulfillmentType, req.Quantity, int(req.TTL.Seconds()))
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			// Idempotent replay: hand back the first call's outcome.
			replayed = true
			res, err = getReservationTx(ctx, tx, req.ReservationID)
			return err
		}

		result, err = tx.ExecContext(ctx,
			`UPDATE stock_records
			 SET sellable_units = sellable_units - $1,
			     reserved_units = reserved_units + $1,
			     updated_at = NOW(),
			     version = version + 1
			 WHERE seller_id = $2 AND listing_id = $3 AND fulfillment_type = $4
			   AND listing_active
			   AND sellable_units >= $1
			   AND NOT EXISTS (
			       SELECT 1 FROM seller_enforcement
			       WHERE seller_id = $2 AND flag = 'suspended')`,
			req.Quantity, req.SellerID, req.ListingID, req.FulfillmentType)
		if err != nil {
			return fmt.Errorf("decrement sellable: %w", err)
		}

		rows, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return database.ErrUnavailable
		}

		res, err = getReservationTx(ctx, tx, req.ReservationID)
		return err
	})
	if err != nil {
		if err == database.ErrUnavailable {
			// Distinguish a missing record from insufficient stock / suspension.
			if _, gerr := GetStockRecord(ctx, db, req.SellerID, req.ListingID, req.FulfillmentType); gerr != nil {
				return nil, false, gerr
			}
			return nil, false, fmt.Errorf("reserve %d units of %s/%s: %w",
				req.Quantity, req.SellerID, req.ListingID, database.ErrUnavailable)
		}
		return nil, false, err
	}

	return res, replayed, nil
}

func getReservationTx(ctx context.Context, tx *sql.Tx, reservationID string) (*models.Reservation, error) {
	res := &models.Reservation{}
	var orderID sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT reservation_id, seller_id, listing_id, fulfillment_type, quantity, state, order_id, created_at, expires_at, resolved_at
		 FROM reservations WHERE reservation_id = $1`,
		reservationID).Scan(
		&res.ReservationID, &res.SellerID, &res.ListingID, &res.FulfillmentType,
		&res.Quantity, &res.State, &orderID, &res.CreatedAt, &res.ExpiresAt, &res.ResolvedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("reservation %s: %w", reservationID, database.ErrNotFound)
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	res.OrderID = orderID.String
	return res, nil
}

func GetReservation(ctx context.Context, db *sql.DB, reservationID string) (*models.Reservation, error) {
	res := &models.Reservation{}
	var orderID sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT reservation_id, seller_id, listing_id, fulfillment_type, quantity, state, order_id, created_at, expires_at, resolved_at
		 FROM reservations WHERE reservation_id = $1`,
		reservationID).Scan(
		&res.ReservationID, &res.SellerID, &res.ListingID, &res.FulfillmentType,
		&res.Quantity, &res.State, &orderID, &res.CreatedAt, &res.ExpiresAt, &res.ResolvedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("reservation %s: %w", reservationID, database.ErrNotFound)
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	res.OrderID = orderID.String
	return res, nil
}

// Release returns an active reservation's units to sellable stock. Releasing
// a reservation that already left active is a successful no-op, so buyer
// cancellation and the expiry sweep converge safely.
func Release(ctx context.Context, db *sql.DB, reservationID string) error {
	return releaseAs(ctx, db, reservationID, models.ReservationReleased)
}

func releaseAs(ctx context.Context, db *sql.DB, reservationID string, terminal models.ReservationState) error {
	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var sellerID, listingID string
		var ft models.FulfillmentType
		var quantity int

		err := tx.QueryRowContext(ctx,
			`UPDATE reservations
			 SET state = $2, resolved_at = NOW()
			 WHERE reservation_id = $1 AND state = 'active'
			 RETURNING seller_id, listing_id, fulfillment_type, quantity`,
			reservationID, terminal).Scan(&sellerID, &listingID, &ft, &quantity)
		if err != nil {
			if err == sql.ErrNoRows {
				return sql.ErrNoRows
			}
			return fmt.Errorf("resolve reservation: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE stock_records
			 SET sellable_units = sellable_units + $1,
			     reserved_units = reserved_units - $1,
			     updated_at = NOW(),
			     version = version + 1
			 WHERE seller_id = $2 AND listing_id = $3 AND fulfillment_type = $4`,
			quantity, sellerID, listingID, ft)
		if err != nil {
			return fmt.Errorf("restore sellable: %w", err)
		}
		return nil
	})
	if err == sql.ErrNoRows {
		// Already resolved, or unknown. Only the latter is an error.
		if _, gerr := GetReservation(ctx, db, reservationID); gerr != nil {
			return gerr
		}
		return nil
	}
	return err
}

// ConvertToSale turns an active reservation into a permanent decrement.
// Replaying the conversion with the order ID it already committed is a
// successful no-op, so a caller whose post-conversion steps failed can
// safely run the whole sequence again.
func ConvertToSale(ctx context.Context, db *sql.DB, reservationID, orderID string) (*models.Reservation, error) {
	if orderID == "" {
		return nil, fmt.Errorf("order id required: %w", database.ErrInvalidArgument)
	}

	var res *models.Reservation
	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var sellerID, listingID string
		var ft models.FulfillmentType
		var quantity int

		err := tx.QueryRowContext(ctx,
			`UPDATE reservations
			 SET state = 'converted', order_id = $2, resolved_at = NOW()
			 WHERE reservation_id = $1 AND state = 'active'
			 RETURNING seller_id, listing_id, fulfillment_type, quantity`,
			reservationID, orderID).Scan(&sellerID, &listingID, &ft, &quantity)
		if err != nil {
			if err == sql.ErrNoRows {
				return sql.ErrNoRows
			}
			return fmt.Errorf("convert reservation: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE stock_records
			 SET reserved_units = reserved_units - $1,
			     total_units = total_units - $1,
			     updated_at = NOW(),
			     version = version + 1
			 WHERE seller_id = $2 AND listing_id = $3 AND fulfillment_type = $4`,
			quantity, sellerID, listingID, ft)
		if err != nil {
			return fmt.Errorf("decrement sold units: %w", err)
		}

		res, err = getReservationTx(ctx, tx, reservationID)
		return err
	})
	if err == sql.ErrNoRows {
		existing, gerr := GetReservation(ctx, db, reservationID)
		if gerr != nil {
			return nil, gerr
		}
		if existing.State == models.ReservationConverted && existing.OrderID == orderID {
			return existing, nil
		}
		return nil, fmt.Errorf("reservation %s is %s: %w", reservationID, existing.State, database.ErrInvalidTransition)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ProcessReturn restocks (or writes off) returned units. Idempotent per
// case: the return_restocks guard row absorbs replays.
func ProcessReturn(ctx context.Context, db *sql.DB, sellerID, listingID string, ft models.FulfillmentType, quantity int, caseID string, restockable bool) error {
	if quantity <= 0 {
		return fmt.Errorf("return quantity %d: %w", quantity, database.ErrInvalidArgument)
	}
	if caseID == "" {
		return fmt.Errorf("case id required: %w", database.ErrInvalidArgument)
	}

	return database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO return_restocks (case_id, restocked) VALUES ($1, $2)
			 ON CONFLICT (case_id) DO NOTHING`,
			caseID, restockable)
		if err != nil {
			return fmt.Errorf("record restock: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return nil
		}

		target := "unsellable_units"
		if restockable {
			target = "sellable_units"
		}
		result, err = tx.ExecContext(ctx,
			`UPDATE stock_records
			 SET total_units = total_units + $1,
			     `+target+` = `+target+` + $1,
			     updated_at = NOW(),
			     version = version + 1
			 WHERE seller_id = $2 AND listing_id = $3 AND fulfillment_type = $4`,
			quantity, sellerID, listingID, ft)
		if err != nil {
			return fmt.Errorf("restock units: %w", err)
		}

		rows, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("stock record %s/%s/%s: %w", sellerID, listingID, ft, database.ErrNotFound)
		}
		return nil
	})
}

type AdjustMode string

const (
	// AdjustRemove removes lost units from the count entirely.
	AdjustRemove AdjustMode = "remove"
	// AdjustQuarantine keeps damaged units on hand but unsellable.
	AdjustQuarantine AdjustMode = "quarantine"
)

type AdjustRequest struct {
	SellerID        string
	ListingID       string
	FulfillmentType models.FulfillmentType
	Quantity        int
	ReasonCode      string
	Mode            AdjustMode
}

func AdjustForLossOrDamage(ctx context.Context, db *sql.DB, req AdjustRequest) error {
	if req.Quantity <= 0 {
		return fmt.Errorf("adjust quantity %d: %w", req.Quantity, database.ErrInvalidArgument)
	}
	if req.ReasonCode == "" {
		return fmt.Errorf("reason code required: %w", database.ErrInvalidArgument)
	}
	if req.Mode != AdjustRemove && req.Mode != AdjustQuarantine {
		return fmt.Errorf("adjust mode %q: %w", req.Mode, database.ErrInvalidArgument)
	}

	return database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var set string
		switch req.Mode {
		case AdjustRemove:
			set = `sellable_units = sellable_units - $1, total_units = total_units - $1`
		case AdjustQuarantine:
			set = `sellable_units = sellable_units - $1, unsellable_units = unsellable_units + $1`
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE stock_records SET `+set+`,
			     updated_at = NOW(),
			     version = version + 1
			 WHERE seller_id = $2 AND listing_id = $3 AND fulfillment_type = $4
			   AND sellable_units >= $1`,
			req.Quantity, req.SellerID, req.ListingID, req.FulfillmentType)
		if err != nil {
			return fmt.Errorf("adjust stock: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			if _, gerr := GetStockRecord(ctx, db, req.SellerID, req.ListingID, req.FulfillmentType); gerr != nil {
				return gerr
			}
			return fmt.Errorf("adjust %d units of %s/%s: %w",
				req.Quantity, req.SellerID, req.ListingID, database.ErrUnavailable)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO inventory_audit (id, seller_id, listing_id, fulfillment_type, action, quantity, reason_code)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.NewString(), req.SellerID, req.ListingID, req.FulfillmentType,
			string(req.Mode), req.Quantity, req.ReasonCode)
		if err != nil {
			return fmt.Errorf("write audit entry: %w", err)
		}
		return nil
	})
}

// Delist marks the listing inactive. Remaining units show up as stranded in
// the stock health report; new reservations are refused.
func Delist(ctx context.Context, db *sql.DB, sellerID, listingID string, ft models.FulfillmentType) error {
	result, err := db.ExecContext(ctx,
		`UPDATE stock_records
		 SET listing_active = FALSE, updated_at = NOW(), version = version + 1
		 WHERE seller_id = $1 AND listing_id = $2 AND fulfillment_type = $3`,
		sellerID, listingID, ft)
	if err != nil {
		return fmt.Errorf("delist: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("stock record %s/%s/%s: %w", sellerID, listingID, ft, database.ErrNotFound)
	}
	return nil
}
