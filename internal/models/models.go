package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type FulfillmentType string

const (
	FulfillmentMerchant  FulfillmentType = "merchant"
	FulfillmentWarehouse FulfillmentType = "warehouse"
)

// StockRecord tracks units for one (seller, listing, fulfillment) triple.
// total_units = sellable + reserved + unsellable is enforced both here and
// by a table check constraint.
type StockRecord struct {
	ID                int64           `json:"id"`
	SellerID          string          `json:"seller_id"`
	ListingID         string          `json:"listing_id"`
	FulfillmentType   FulfillmentType `json:"fulfillment_type"`
	TotalUnits        int             `json:"total_units"`
	SellableUnits     int             `json:"sellable_units"`
	ReservedUnits     int             `json:"reserved_units"`
	UnsellableUnits   int             `json:"unsellable_units"`
	WarehouseLocation string          `json:"warehouse_location,omitempty"`
	ListingActive     bool            `json:"listing_active"`
	AgingStartDate    *time.Time      `json:"aging_start_date,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Version           int             `json:"version"`
}

type ReservationState string

const (
	ReservationActive    ReservationState = "active"
	ReservationConverted ReservationState = "converted"
	ReservationReleased  ReservationState = "released"
	ReservationExpired   ReservationState = "expired"
)

// Reservation is a time-boxed hold on stock. The ID is the caller-supplied
// idempotency key; a reservation leaves active exactly once.
type Reservation struct {
	ReservationID   string           `json:"reservation_id"`
	SellerID        string           `json:"seller_id"`
	ListingID       string           `json:"listing_id"`
	FulfillmentType FulfillmentType  `json:"fulfillment_type"`
	Quantity        int              `json:"quantity"`
	State           ReservationState `json:"state"`
	OrderID         string           `json:"order_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	ExpiresAt       time.Time        `json:"expires_at"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
}

type OrderState string

const (
	OrderPlaced    OrderState = "placed"
	OrderShipped   OrderState = "shipped"
	OrderDelivered OrderState = "delivered"
	OrderCancelled OrderState = "cancelled"
)

type Order struct {
	OrderID         string           `json:"order_id"`
	ReservationID   string           `json:"reservation_id"`
	SellerID        string           `json:"seller_id"`
	ListingID       string           `json:"listing_id"`
	FulfillmentType FulfillmentType  `json:"fulfillment_type"`
	Quantity        int              `json:"quantity"`
	UnitPrice       *decimal.Decimal `json:"unit_price,omitempty"`
	State           OrderState       `json:"state"`
	PromisedShipAt  time.Time        `json:"promised_ship_at"`
	PlacedAt        time.Time        `json:"placed_at"`
	ShippedAt       *time.Time       `json:"shipped_at,omitempty"`
	DeliveredAt     *time.Time       `json:"delivered_at,omitempty"`
	CancelledAt     *time.Time       `json:"cancelled_at,omitempty"`
}

type CaseState string

const (
	CaseInitiated      CaseState = "initiated"
	CaseApproved       CaseState = "approved"
	CaseRejected       CaseState = "rejected"
	CaseLabelGenerated CaseState = "label_generated"
	CaseInTransit      CaseState = "in_transit"
	CaseReceived       CaseState = "received"
	CaseInspecting     CaseState = "inspecting"
	CaseCompleted      CaseState = "completed"
	CaseExpired        CaseState = "expired"
)

// caseTransitions is the full RMA graph. Terminal states have no entry.
var caseTransitions = map[CaseState][]CaseState{
	CaseInitiated:      {CaseApproved, CaseRejected, CaseExpired},
	CaseApproved:       {CaseLabelGenerated},
	CaseLabelGenerated: {CaseInTransit},
	CaseInTransit:      {CaseReceived},
	CaseReceived:       {CaseInspecting},
	CaseInspecting:     {CaseCompleted},
}

// CanTransition reports whether from -> to is an edge of the RMA graph.
func CanTransition(from, to CaseState) bool {
	for _, next := range caseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a case state has no outgoing edges.
func Terminal(s CaseState) bool {
	return len(caseTransitions[s]) == 0
}

type ConditionGrade string

const (
	GradeLikeNew     ConditionGrade = "like_new"
	GradeAsDescribed ConditionGrade = "as_described"
	GradeUsed        ConditionGrade = "used"
	GradeDamaged     ConditionGrade = "damaged"
)

type ReasonCode string

const (
	ReasonDamaged        ReasonCode = "damaged"
	ReasonDefective      ReasonCode = "defective"
	ReasonNotAsDescribed ReasonCode = "not_as_described"
	ReasonChangedMind    ReasonCode = "changed_mind"
	ReasonNoLongerNeeded ReasonCode = "no_longer_needed"
)

// SellerFault reports whether a reason code auto-approves at initiation.
func SellerFault(r ReasonCode) bool {
	switch r {
	case ReasonDamaged, ReasonDefective, ReasonNotAsDescribed:
		return true
	}
	return false
}

type ReturnCase struct {
	CaseID             string           `json:"case_id"`
	OrderID            string           `json:"order_id"`
	ListingID          string           `json:"listing_id"`
	Quantity           int              `json:"quantity"`
	BuyerID            string           `json:"buyer_id"`
	SellerID           string           `json:"seller_id"`
	ReasonCode         ReasonCode       `json:"reason_code"`
	State              CaseState        `json:"state"`
	ApprovalMode       string           `json:"approval_mode,omitempty"`
	ApprovalOutcome    string           `json:"approval_outcome,omitempty"`
	ApprovalReason     string           `json:"approval_reason,omitempty"`
	ConditionGrade     ConditionGrade   `json:"condition_grade,omitempty"`
	Restockable        *bool            `json:"restockable,omitempty"`
	UnitPrice          decimal.Decimal  `json:"unit_price"`
	RefundAmount       *decimal.Decimal `json:"refund_amount,omitempty"`
	FeeCredit          *decimal.Decimal `json:"fee_credit,omitempty"`
	ApprovalDeadline   *time.Time       `json:"approval_deadline,omitempty"`
	InspectionDeadline *time.Time       `json:"inspection_deadline,omitempty"`
	EscalatedAt        *time.Time       `json:"escalated_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

type CaseEvent struct {
	ID         int64     `json:"id"`
	CaseID     string    `json:"case_id"`
	FromState  CaseState `json:"from_state"`
	ToState    CaseState `json:"to_state"`
	Actor      string    `json:"actor"`
	OccurredAt time.Time `json:"occurred_at"`
}

type MetricKind string

const (
	MetricDefect   MetricKind = "odr"
	MetricLateShip MetricKind = "lsr"
	MetricCancel   MetricKind = "cr"
	MetricReturn   MetricKind = "rr"
)

type HealthStatus string

const (
	StatusExcellent HealthStatus = "excellent"
	StatusGood      HealthStatus = "good"
	StatusFair      HealthStatus = "fair"
	StatusPoor      HealthStatus = "poor"
	StatusCritical  HealthStatus = "critical"
)

type EnforcementFlag string

const (
	EnforcementNone      EnforcementFlag = "none"
	EnforcementWarning   EnforcementFlag = "warning"
	EnforcementSuspended EnforcementFlag = "suspended"
)

type SellerHealthSnapshot struct {
	SellerID    string       `json:"seller_id"`
	WindowDays  int          `json:"window_days"`
	WindowStart time.Time    `json:"window_start"`
	WindowEnd   time.Time    `json:"window_end"`
	DefectNum   int          `json:"defect_numerator"`
	DefectDen   int          `json:"defect_denominator"`
	LateShipNum int          `json:"late_ship_numerator"`
	LateShipDen int          `json:"late_ship_denominator"`
	CancelNum   int          `json:"cancel_numerator"`
	CancelDen   int          `json:"cancel_denominator"`
	ReturnNum   int          `json:"return_numerator"`
	ReturnDen   int          `json:"return_denominator"`
	HealthScore int          `json:"health_score"`
	Status      HealthStatus `json:"status"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

type Violation struct {
	ID           string    `json:"id"`
	SellerID     string    `json:"seller_id"`
	Severity     string    `json:"severity"`
	Metric       string    `json:"metric"`
	ObservedRate float64   `json:"observed_rate"`
	Threshold    float64   `json:"threshold"`
	Action       string    `json:"action"`
	CreatedAt    time.Time `json:"created_at"`
}

type AuditEntry struct {
	ID              string          `json:"id"`
	SellerID        string          `json:"seller_id"`
	ListingID       string          `json:"listing_id"`
	FulfillmentType FulfillmentType `json:"fulfillment_type"`
	Action          string          `json:"action"`
	Quantity        int             `json:"quantity"`
	ReasonCode      string          `json:"reason_code"`
	CreatedAt       time.Time       `json:"created_at"`
}
