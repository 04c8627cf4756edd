package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// StockHealthReport is the read-only aggregate for one seller's inventory.
// Its score measures stock condition, not seller conduct.
type StockHealthReport struct {
	SellerID      string `json:"seller_id"`
	TotalListings int    `json:"total_listings"`
	TotalUnits    int    `json:"total_units"`
	LowStock      int    `json:"low_stock_listings"`
	ZeroSellable  int    `json:"zero_sellable_listings"`
	Stranded      int    `json:"stranded_listings"`
	Aging         int    `json:"aging_listings"`
	Score         int    `json:"score"`
}

func HealthReport(ctx context.Context, db *sql.DB, sellerID string, lowStockThreshold int, agingThreshold time.Duration) (*StockHealthReport, error) {
	report := &StockHealthReport{SellerID: sellerID}

	cutoff := time.Now().UTC().Add(-agingThreshold)
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(total_units), 0),
		        COUNT(*) FILTER (WHERE sellable_units > 0 AND sellable_units < $2),
		        COUNT(*) FILTER (WHERE sellable_units = 0 AND listing_active),
		        COUNT(*) FILTER (WHERE NOT listing_active AND total_units > 0),
		        COUNT(*) FILTER (WHERE aging_start_date IS NOT NULL AND aging_start_date < $3)
		 FROM stock_records
		 WHERE seller_id = $1`,
		sellerID, lowStockThreshold, cutoff).Scan(
		&report.TotalListings,
		&report.TotalUnits,
		&report.LowStock,
		&report.ZeroSellable,
		&report.Stranded,
		&report.Aging,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate stock health: %w", err)
	}

	report.Score = stockScore(report)
	return report, nil
}

// stockScore starts at 100 and deducts per problem ratio. The weights favor
// sellability problems over slow-moving stock.
func stockScore(r *StockHealthReport) int {
	if r.TotalListings == 0 {
		return 100
	}

	n := float64(r.TotalListings)
	score := 100.0
	score -= 30 * float64(r.ZeroSellable) / n
	score -= 20 * float64(r.LowStock) / n
	score -= 25 * float64(r.Stranded) / n
	score -= 25 * float64(r.Aging) / n

	if score < 0 {
		return 0
	}
	return int(score)
}
