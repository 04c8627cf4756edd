// Package collab holds the interfaces to external platform services the
// core consumes but does not implement: fee schedules, carrier labels and
// the notification dispatcher. Defaults here let the binary run standalone.
package collab

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/safar/marketplace-core/internal/models"
)

type Fees struct {
	ReferralFee decimal.Decimal `json:"referral_fee"`
	ClosingFee  decimal.Decimal `json:"closing_fee"`
	VAT         decimal.Decimal `json:"vat"`
}

// FeeSchedule resolves the platform fees for a listing at a given price.
// Category lookup from the listing is the schedule's concern.
type FeeSchedule interface {
	GetFees(ctx context.Context, listingID string, price decimal.Decimal, ft models.FulfillmentType) (Fees, error)
}

// StaticFeeSchedule computes fees from flat rates, the shape the platform's
// lookup tables expose.
type StaticFeeSchedule struct {
	ReferralPct decimal.Decimal
	ClosingFee  decimal.Decimal
	VATPct      decimal.Decimal
}

func DefaultFeeSchedule() *StaticFeeSchedule {
	return &StaticFeeSchedule{
		ReferralPct: decimal.NewFromFloat(0.12),
		ClosingFee:  decimal.NewFromFloat(1.50),
		VATPct:      decimal.NewFromFloat(0.15),
	}
}

func (s *StaticFeeSchedule) GetFees(_ context.Context, _ string, price decimal.Decimal, _ models.FulfillmentType) (Fees, error) {
	referral := price.Mul(s.ReferralPct).Round(2)
	return Fees{
		ReferralFee: referral,
		ClosingFee:  s.ClosingFee,
		VAT:         price.Add(referral).Mul(s.VATPct).Round(2),
	}, nil
}

// LabelService requests a return shipping label when a case is approved.
// Fire and forget: retry lives with the carrier integration, not here.
type LabelService interface {
	RequestLabel(ctx context.Context, caseID, sellerID, buyerID string) error
}

type LogLabelService struct {
	Logger *zap.Logger
}

func (l *LogLabelService) RequestLabel(_ context.Context, caseID, sellerID, buyerID string) error {
	l.Logger.Info("return label requested",
		zap.String("case_id", caseID),
		zap.String("seller_id", sellerID),
		zap.String("buyer_id", buyerID))
	return nil
}

// Notifier dispatches best-effort notifications. Failures are logged and
// never block a state transition.
type Notifier interface {
	CaseTransition(ctx context.Context, c *models.ReturnCase, from, to models.CaseState)
	CaseEscalated(ctx context.Context, c *models.ReturnCase)
	SellerSuspended(ctx context.Context, sellerID string, v models.Violation)
}

type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) CaseTransition(_ context.Context, c *models.ReturnCase, from, to models.CaseState) {
	n.Logger.Info("return case transition",
		zap.String("case_id", c.CaseID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

func (n *LogNotifier) CaseEscalated(_ context.Context, c *models.ReturnCase) {
	n.Logger.Warn("return case escalated",
		zap.String("case_id", c.CaseID),
		zap.String("seller_id", c.SellerID),
		zap.Time("created_at", c.CreatedAt))
}

func (n *LogNotifier) SellerSuspended(_ context.Context, sellerID string, v models.Violation) {
	n.Logger.Warn("seller suspended",
		zap.String("seller_id", sellerID),
		zap.String("metric", v.Metric),
		zap.Float64("observed_rate", v.ObservedRate))
}
