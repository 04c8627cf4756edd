package health

import (
	"context"

	"github.com/safar/marketplace-core/internal/models"
)

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

type SummaryReport struct {
	SellerID        string                       `json:"seller_id"`
	Window          *models.SellerHealthSnapshot `json:"window"`
	Rates           Rates                        `json:"rates"`
	EnforcementFlag models.EnforcementFlag       `json:"enforcement_flag"`
	Trend           Trend                        `json:"trend"`
	Violations      []models.Violation           `json:"violations"`
	Recommendations []string                     `json:"recommendations"`
}

// Summary is the dashboard read model: current metrics, trend against the
// previous window, violations and canned advice. Presentation only.
func (e *Engine) Summary(ctx context.Context, sellerID string) (*SummaryReport, error) {
	current, err := e.Snapshot(ctx, sellerID, e.EnforcementWindow)
	if err != nil {
		return nil, err
	}
	previous, err := e.PreviousSnapshot(ctx, sellerID, e.EnforcementWindow)
	if err != nil {
		return nil, err
	}
	flag, err := e.Flag(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	violations, err := e.Violations(ctx, sellerID)
	if err != nil {
		return nil, err
	}

	rates := RatesFrom(current)
	currentScore := Score(rates)
	previousScore := Score(RatesFrom(previous))

	return &SummaryReport{
		SellerID:        sellerID,
		Window:          current,
		Rates:           rates,
		EnforcementFlag: flag,
		Trend:           trendOf(currentScore, previousScore),
		Violations:      violations,
		Recommendations: Recommend(rates),
	}, nil
}

func trendOf(current, previous int) Trend {
	switch delta := current - previous; {
	case delta >= 2:
		return TrendImproving
	case delta <= -2:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// Recommend maps breached bands to fixed advice strings.
func Recommend(r Rates) []string {
	var recs []string
	if r.ODR > ODRWarn {
		recs = append(recs, "resolve buyer claims and chargebacks promptly to lower your order defect rate")
	}
	if r.LSR > LSRMinor {
		recs = append(recs, "reduce late shipments by enabling auto-label printing")
	}
	if r.CR > CRMinor {
		recs = append(recs, "keep listings in stock to avoid seller-initiated cancellations")
	}
	if r.RR > RRMinor {
		recs = append(recs, "review product descriptions and photos to cut avoidable returns")
	}
	return recs
}
