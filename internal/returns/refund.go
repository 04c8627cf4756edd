package returns

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/safar/marketplace-core/internal/database"
	"github.com/safar/marketplace-core/internal/models"
)

// Deduction percentages by inspected condition. Business policy defaults;
// the restocking fee percentage comes from config.
var deductions = map[models.ConditionGrade]decimal.Decimal{
	models.GradeLikeNew:     decimal.Zero,
	models.GradeAsDescribed: decimal.Zero,
	models.GradeUsed:        decimal.NewFromFloat(0.10),
	models.GradeDamaged:     decimal.NewFromFloat(0.30),
}

// ComputeRefund derives the buyer refund from the inspection outcome:
// item total reduced by the condition deduction, minus a flat restocking
// fee when the item goes back on sale. Write-offs already bear the full
// condition deduction and skip the fee.
func ComputeRefund(unitPrice decimal.Decimal, quantity int, grade models.ConditionGrade, restockable bool, restockingFeePct float64) (decimal.Decimal, error) {
	deduction, ok := deductions[grade]
	if !ok {
		return decimal.Zero, fmt.Errorf("condition grade %q: %w", grade, database.ErrInvalidArgument)
	}

	total := unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
	refund := total.Mul(decimal.NewFromInt(1).Sub(deduction))

	if restockable {
		refund = refund.Sub(unitPrice.Mul(decimal.NewFromFloat(restockingFeePct)))
	}

	if refund.IsNegative() {
		refund = decimal.Zero
	}
	return refund.Round(2), nil
}
