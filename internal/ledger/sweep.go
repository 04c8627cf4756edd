package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/marketplace-core/internal/models"
)

// ReleaseExpiredReservations expires every active reservation whose deadline
// has passed, through the same path an explicit Release takes. Running it
// twice is safe: the state CAS inside releaseAs makes each row a one-shot.
func ReleaseExpiredReservations(ctx context.Context, db *sql.DB) (int, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT reservation_id FROM reservations
		 WHERE state = 'active' AND expires_at < NOW()
		 ORDER BY expires_at
		 LIMIT 500`)
	if err != nil {
		return 0, fmt.Errorf("scan expired reservations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan reservation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("rows error: %w", err)
	}

	released := 0
	for _, id := range ids {
		if err := releaseAs(ctx, db, id, models.ReservationExpired); err != nil {
			return released, fmt.Errorf("expire reservation %s: %w", id, err)
		}
		released++
	}
	return released, nil
}
