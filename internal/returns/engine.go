package returns

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/safar/marketplace-core/internal/collab"
	"github.com/safar/marketplace-core/internal/config"
	"github.com/safar/marketplace-core/internal/database"
	"github.com/safar/marketplace-core/internal/health"
	"github.com/safar/marketplace-core/internal/ledger"
	"github.com/safar/marketplace-core/internal/models"
	"github.com/safar/marketplace-core/internal/orders"
)

// ErrNotEligible rejects a return request outside the eligibility window or
// duplicating an open case.
var ErrNotEligible = errors.New("not eligible for return")

// SystemActor marks transitions performed by the deadline scanner on a
// caller's behalf; it goes through the same public operations.
const SystemActor = "system"

type Engine struct {
	DB       *sql.DB
	Orders   *orders.Store
	Health   *health.Engine
	Fees     collab.FeeSchedule
	Labels   collab.LabelService
	Notifier collab.Notifier
	Logger   *zap.Logger
	Cfg      config.ReturnsConfig
}

func NewEngine(db *sql.DB, ordersStore *orders.Store, healthEngine *health.Engine,
	fees collab.FeeSchedule, labels collab.LabelService, notifier collab.Notifier,
	logger *zap.Logger, cfg config.ReturnsConfig) *Engine {
	return &Engine{
		DB:       db,
		Orders:   ordersStore,
		Health:   healthEngine,
		Fees:     fees,
		Labels:   labels,
		Notifier: notifier,
		Logger:   logger,
		Cfg:      cfg,
	}
}

type InitiateRequest struct {
	OrderID    string
	ListingID  string
	Quantity   int
	BuyerID    string
	ReasonCode models.ReasonCode
}

// Initiate opens a return case for a delivered order inside the eligibility
// window. Seller-fault reasons auto-approve synchronously; buyer-discretion
// reasons wait for the seller with a response deadline.
func (e *Engine) Initiate(ctx context.Context, req InitiateRequest) (*models.ReturnCase, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("return quantity %d: %w", req.Quantity, database.ErrInvalidArgument)
	}
	if req.BuyerID == "" {
		return nil, fmt.Errorf("buyer id required: %w", database.ErrInvalidArgument)
	}
	switch req.ReasonCode {
	case models.ReasonDamaged, models.ReasonDefective, models.ReasonNotAsDescribed,
		models.ReasonChangedMind, models.ReasonNoLongerNeeded:
	default:
		return nil, fmt.Errorf("reason code %q: %w", req.ReasonCode, database.ErrInvalidArgument)
	}

	order, err := e.Orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.ListingID != req.ListingID {
		return nil, fmt.Errorf("order %s does not contain listing %s: %w", req.OrderID, req.ListingID, database.ErrInvalidArgument)
	}
	if req.Quantity > order.Quantity {
		return nil, fmt.Errorf("return quantity %d exceeds ordered %d: %w", req.Quantity, order.Quantity, database.ErrInvalidArgument)
	}
	if order.State != models.OrderDelivered || order.DeliveredAt == nil {
		return nil, fmt.Errorf("order %s not delivered: %w", req.OrderID, ErrNotEligible)
	}
	if time.Since(*order.DeliveredAt) > e.Cfg.EligibilityWindow {
		return nil, fmt.Errorf("order %s outside return window: %w", req.OrderID, ErrNotEligible)
	}

	unitPrice := decimal.Zero
	if order.UnitPrice != nil {
		unitPrice = *order.UnitPrice
	}

	caseID := uuid.NewString()
	var approvalDeadline *time.Time
	if !models.SellerFault(req.ReasonCode) {
		d := time.Now().UTC().Add(e.Cfg.SellerResponseTime)
		approvalDeadline = &d
	}

	_, err = e.DB.ExecContext(ctx,
		`INSERT INTO return_cases (case_id, order_id, listing_id, quantity, buyer_id, seller_id,
		                           reason_code, state, unit_price, approval_deadline)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'initiated', $8, $9)`,
		caseID, req.OrderID, req.ListingID, req.Quantity, req.BuyerID, order.SellerID,
		req.ReasonCode, unitPrice, approvalDeadline)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("open case exists for order %s listing %s: %w",
				req.OrderID, req.ListingID, ErrNotEligible)
		}
		return nil, fmt.Errorf("insert return case: %w", err)
	}

	if models.SellerFault(req.ReasonCode) {
		if err := e.approve(ctx, caseID, "auto", "seller-fault reason "+string(req.ReasonCode), SystemActor); err != nil {
			return nil, err
		}
	}

	return e.GetCase(ctx, caseID)
}

// transition is the single CAS edge walker: the update only lands when the
// case still sits in the expected state, so one of two racing callers loses.
// Deadlock and serialization failures retry; a lost CAS does not.
func (e *Engine) transition(ctx context.Context, caseID string, from, to models.CaseState, actor, extraSet string, extraArgs ...interface{}) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, database.ErrInvalidTransition)
	}

	set := `state = $2, updated_at = NOW()`
	if extraSet != "" {
		set += ", " + extraSet
	}
	args := append([]interface{}{caseID, to, from}, extraArgs...)

	err := database.WithRetry(ctx, e.DB, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE return_cases SET `+set+` WHERE case_id = $1 AND state = $3`, args...)
		if err != nil {
			return fmt.Errorf("transition case: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return sql.ErrNoRows
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO return_case_events (case_id, from_state, to_state, actor)
			 VALUES ($1, $2, $3, $4)`,
			caseID, from, to, actor)
		if err != nil {
			return fmt.Errorf("append timeline: %w", err)
		}
		return nil
	})
	if err == sql.ErrNoRows {
		current, gerr := e.GetCase(ctx, caseID)
		if gerr != nil {
			return gerr
		}
		return fmt.Errorf("case %s is %s, expected %s: %w", caseID, current.State, from, database.ErrInvalidTransition)
	}
	if err != nil {
		return err
	}

	if c, gerr := e.GetCase(ctx, caseID); gerr == nil {
		e.Notifier.CaseTransition(ctx, c, from, to)
	}
	return nil
}

// Approve resolves the manual review path. Rejection is terminal with a
// zero refund.
func (e *Engine) Approve(ctx context.Context, caseID string, approved bool, reason, actor string) error {
	if approved {
		return e.approve(ctx, caseID, "manual", reason, actor)
	}
	return e.transition(ctx, caseID, models.CaseInitiated, models.CaseRejected, actor,
		`approval_mode = 'manual', approval_outcome = 'rejected', approval_reason = $4, refund_amount = 0`,
		reason)
}

func (e *Engine) approve(ctx context.Context, caseID, mode, reason, actor string) error {
	err := e.transition(ctx, caseID, models.CaseInitiated, models.CaseApproved, actor,
		`approval_mode = $4, approval_outcome = 'approved', approval_reason = $5, approval_deadline = NULL`,
		mode, reason)
	if err != nil {
		return err
	}

	c, err := e.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	// Fire and forget: the carrier integration owns retries.
	if lerr := e.Labels.RequestLabel(ctx, c.CaseID, c.SellerID, c.BuyerID); lerr != nil {
		e.Logger.Error("label request failed", zap.String("case_id", caseID), zap.Error(lerr))
	}
	return nil
}

func (e *Engine) MarkLabelGenerated(ctx context.Context, caseID, actor string) error {
	return e.transition(ctx, caseID, models.CaseApproved, models.CaseLabelGenerated, actor, "")
}

func (e *Engine) MarkInTransit(ctx context.Context, caseID, actor string) error {
	return e.transition(ctx, caseID, models.CaseLabelGenerated, models.CaseInTransit, actor, "")
}

// MarkReceived starts the inspection clock.
func (e *Engine) MarkReceived(ctx context.Context, caseID, actor string) error {
	return e.transition(ctx, caseID, models.CaseInTransit, models.CaseReceived, actor,
		`inspection_deadline = NOW() + $4 * INTERVAL '1 second'`,
		int(e.Cfg.InspectionDeadline.Seconds()))
}

// Inspect records the inspection result and sets the refund exactly once,
// moving received -> inspecting. The payload must be fully formed; there is
// no partial inspection state.
func (e *Engine) Inspect(ctx context.Context, caseID string, grade models.ConditionGrade, restockable bool, actor string) error {
	c, err := e.GetCase(ctx, caseID)
	if err != nil {
		return err
	}

	refund, err := ComputeRefund(c.UnitPrice, c.Quantity, grade, restockable, e.Cfg.RestockingFeePct)
	if err != nil {
		return err
	}

	fees, err := e.Fees.GetFees(ctx, c.ListingID, c.UnitPrice, models.FulfillmentMerchant)
	if err != nil {
		return fmt.Errorf("fee lookup: %w", err)
	}

	return e.transition(ctx, caseID, models.CaseReceived, models.CaseInspecting, actor,
		`condition_grade = $4, restockable = $5, refund_amount = $6, fee_credit = $7, inspection_deadline = NULL`,
		grade, restockable, refund, fees.ReferralFee)
}

// Complete finishes the case and runs the two-sided cascade: restock (or
// write off) in the ledger and the seller's return-rate numerator. Both
// halves are idempotent, so a replay after partial failure repairs itself;
// calling Complete on an already completed case is a successful no-op.
func (e *Engine) Complete(ctx context.Context, caseID, actor string) error {
	err := e.transition(ctx, caseID, models.CaseInspecting, models.CaseCompleted, actor, "")
	if err != nil {
		c, gerr := e.GetCase(ctx, caseID)
		if gerr != nil {
			return gerr
		}
		if c.State != models.CaseCompleted {
			return err
		}
	}

	c, err := e.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	order, err := e.Orders.Get(ctx, c.OrderID)
	if err != nil {
		return err
	}

	restockable := c.Restockable != nil && *c.Restockable
	if err := ledger.ProcessReturn(ctx, e.DB, c.SellerID, c.ListingID, order.FulfillmentType,
		c.Quantity, c.CaseID, restockable); err != nil {
		return err
	}

	return database.WithRetry(ctx, e.DB, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO return_health_marks (case_id) VALUES ($1)
			 ON CONFLICT (case_id) DO NOTHING`,
			c.CaseID)
		if err != nil {
			return fmt.Errorf("record health mark: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return nil
		}
		return e.Health.RecordEvent(ctx, tx, c.SellerID, models.MetricReturn, true)
	})
}

func (e *Engine) GetCase(ctx context.Context, caseID string) (*models.ReturnCase, error) {
	c := &models.ReturnCase{}
	var (
		approvalMode, approvalOutcome, approvalReason, conditionGrade sql.NullString
		restockable                                                   sql.NullBool
		refund, feeCredit                                             decimal.NullDecimal
	)
	err := e.DB.QueryRowContext(ctx,
		`SELECT case_id, order_id, listing_id, quantity, buyer_id, seller_id, reason_code, state,
		        approval_mode, approval_outcome, approval_reason, condition_grade, restockable,
		        unit_price, refund_amount, fee_credit,
		        approval_deadline, inspection_deadline, escalated_at, created_at, updated_at
		 FROM return_cases WHERE case_id = $1`,
		caseID).Scan(
		&c.CaseID, &c.OrderID, &c.ListingID, &c.Quantity, &c.BuyerID, &c.SellerID, &c.ReasonCode, &c.State,
		&approvalMode, &approvalOutcome, &approvalReason, &conditionGrade, &restockable,
		&c.UnitPrice, &refund, &feeCredit,
		&c.ApprovalDeadline, &c.InspectionDeadline, &c.EscalatedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("return case %s: %w", caseID, database.ErrNotFound)
		}
		return nil, fmt.Errorf("get return case: %w", err)
	}

	c.ApprovalMode = approvalMode.String
	c.ApprovalOutcome = approvalOutcome.String
	c.ApprovalReason = approvalReason.String
	c.ConditionGrade = models.ConditionGrade(conditionGrade.String)
	if restockable.Valid {
		c.Restockable = &restockable.Bool
	}
	if refund.Valid {
		c.RefundAmount = &refund.Decimal
	}
	if feeCredit.Valid {
		c.FeeCredit = &feeCredit.Decimal
	}
	return c, nil
}

func (e *Engine) Timeline(ctx context.Context, caseID string) ([]models.CaseEvent, error) {
	rows, err := e.DB.QueryContext(ctx,
		`SELECT id, case_id, from_state, to_state, actor, occurred_at
		 FROM return_case_events WHERE case_id = $1 ORDER BY id`,
		caseID)
	if err != nil {
		return nil, fmt.Errorf("list case events: %w", err)
	}
	defer rows.Close()

	var events []models.CaseEvent
	for rows.Next() {
		var ev models.CaseEvent
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.FromState, &ev.ToState, &ev.Actor, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan case event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}
