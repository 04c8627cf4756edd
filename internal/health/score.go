package health

import "github.com/safar/marketplace-core/internal/models"

// Conduct thresholds. ODR is the only metric that can suspend; the rest
// cap out at warnings.
const (
	ODRWarn    = 0.01
	ODRSuspend = 0.02
	LSRMinor   = 0.04
	LSRWarn    = 0.10
	CRMinor    = 0.025
	CRWarn     = 0.05
	RRMinor    = 0.10
	RRWarn     = 0.15
)

type Rates struct {
	ODR float64
	LSR float64
	CR  float64
	RR  float64
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func RatesFrom(s *models.SellerHealthSnapshot) Rates {
	return Rates{
		ODR: ratio(s.DefectNum, s.DefectDen),
		LSR: ratio(s.LateShipNum, s.LateShipDen),
		CR:  ratio(s.CancelNum, s.CancelDen),
		RR:  ratio(s.ReturnNum, s.ReturnDen),
	}
}

// Score starts from 100 and deducts per metric. Only the worse band of each
// metric applies; bands never stack.
func Score(r Rates) int {
	score := 100

	switch {
	case r.ODR > ODRSuspend:
		score -= 40
	case r.ODR > ODRWarn:
		score -= 15
	}

	switch {
	case r.LSR > LSRWarn:
		score -= 30
	case r.LSR > LSRMinor:
		score -= 10
	}

	switch {
	case r.CR > CRWarn:
		score -= 25
	case r.CR > CRMinor:
		score -= 10
	}

	switch {
	case r.RR > RRWarn:
		score -= 15
	case r.RR > RRMinor:
		score -= 5
	}

	if score < 0 {
		score = 0
	}
	return score
}

func StatusFor(score int) models.HealthStatus {
	switch {
	case score >= 90:
		return models.StatusExcellent
	case score >= 75:
		return models.StatusGood
	case score >= 60:
		return models.StatusFair
	case score >= 40:
		return models.StatusPoor
	default:
		return models.StatusCritical
	}
}

// WarningBreached reports whether any warning band is exceeded.
func WarningBreached(r Rates) bool {
	return r.ODR > ODRWarn || r.LSR > LSRWarn || r.CR > CRWarn || r.RR > RRWarn
}
