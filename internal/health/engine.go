package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/safar/marketplace-core/internal/database"
	"github.com/safar/marketplace-core/internal/models"
)

// Notifier receives enforcement actions. Delivery is best effort; failures
// are logged and never block enforcement.
type Notifier interface {
	SellerSuspended(ctx context.Context, sellerID string, v models.Violation)
}

type Engine struct {
	DB                *sql.DB
	Windows           []int
	EnforcementWindow int
	Notifier          Notifier
	Logger            *zap.Logger
}

func NewEngine(db *sql.DB, windows []int, enforcementWindow int, notifier Notifier, logger *zap.Logger) *Engine {
	return &Engine{
		DB:                db,
		Windows:           windows,
		EnforcementWindow: enforcementWindow,
		Notifier:          notifier,
		Logger:            logger,
	}
}

// windowStart aligns now to a fixed bucket for the window length. Buckets
// are epoch-aligned so every writer lands on the same row.
func windowStart(now time.Time, days int) time.Time {
	return now.UTC().Truncate(time.Duration(days) * 24 * time.Hour)
}

var metricColumns = map[models.MetricKind][2]string{
	models.MetricDefect:   {"defect_num", "defect_den"},
	models.MetricLateShip: {"late_ship_num", "late_ship_den"},
	models.MetricCancel:   {"cancel_num", "cancel_den"},
	models.MetricReturn:   {"return_num", "return_den"},
}

// RecordEvent bumps one counter in every configured window's current bucket.
// Each bump is a single atomic upsert increment; concurrent events for the
// same seller never lose updates. An ODR numerator that lands at or past
// the suspension threshold triggers an immediate recompute and enforcement.
func (e *Engine) RecordEvent(ctx context.Context, tx database.Execer, sellerID string, kind models.MetricKind, isNumerator bool) error {
	cols, ok := metricColumns[kind]
	if !ok {
		return fmt.Errorf("metric kind %q: %w", kind, database.ErrInvalidArgument)
	}
	col := cols[1]
	if isNumerator {
		col = cols[0]
	}

	now := time.Now()
	for _, days := range e.Windows {
		start := windowStart(now, days)
		end := start.Add(time.Duration(days) * 24 * time.Hour)

		_, err := tx.ExecContext(ctx,
			`INSERT INTO seller_health (seller_id, window_days, window_start, window_end, `+col+`)
			 VALUES ($1, $2, $3, $4, 1)
			 ON CONFLICT (seller_id, window_days, window_start)
			 DO UPDATE SET `+col+` = seller_health.`+col+` + 1, updated_at = NOW()`,
			sellerID, days, start, end)
		if err != nil {
			return fmt.Errorf("record %s event: %w", kind, err)
		}
	}
	return nil
}

// RecordEventAndEnforce is RecordEvent against the live store plus the
// near-real-time suspension check for catastrophic ODR spikes.
func (e *Engine) RecordEventAndEnforce(ctx context.Context, sellerID string, kind models.MetricKind, isNumerator bool) error {
	if err := e.RecordEvent(ctx, e.DB, sellerID, kind, isNumerator); err != nil {
		return err
	}

	if kind == models.MetricDefect && isNumerator {
		snap, err := e.Snapshot(ctx, sellerID, e.EnforcementWindow)
		if err != nil {
			return err
		}
		if RatesFrom(snap).ODR > ODRSuspend {
			if err := e.Recompute(ctx, sellerID); err != nil {
				return err
			}
			return e.Enforce(ctx, sellerID)
		}
	}
	return nil
}

// Snapshot returns the current bucket for one window, or a pristine
// snapshot when the seller has no events yet.
func (e *Engine) Snapshot(ctx context.Context, sellerID string, windowDays int) (*models.SellerHealthSnapshot, error) {
	return e.snapshotAt(ctx, sellerID, windowDays, windowStart(time.Now(), windowDays))
}

// PreviousSnapshot returns the bucket before the current one, for trends.
func (e *Engine) PreviousSnapshot(ctx context.Context, sellerID string, windowDays int) (*models.SellerHealthSnapshot, error) {
	window := time.Duration(windowDays) * 24 * time.Hour
	return e.snapshotAt(ctx, sellerID, windowDays, windowStart(time.Now().Add(-window), windowDays))
}

func (e *Engine) snapshotAt(ctx context.Context, sellerID string, windowDays int, start time.Time) (*models.SellerHealthSnapshot, error) {
	snap := &models.SellerHealthSnapshot{}
	err := e.DB.QueryRowContext(ctx,
		`SELECT seller_id, window_days, window_start, window_end,
		        defect_num, defect_den, late_ship_num, late_ship_den,
		        cancel_num, cancel_den, return_num, return_den,
		        health_score, status, updated_at
		 FROM seller_health
		 WHERE seller_id = $1 AND window_days = $2 AND window_start = $3`,
		sellerID, windowDays, start).Scan(
		&snap.SellerID, &snap.WindowDays, &snap.WindowStart, &snap.WindowEnd,
		&snap.DefectNum, &snap.DefectDen, &snap.LateShipNum, &snap.LateShipDen,
		&snap.CancelNum, &snap.CancelDen, &snap.ReturnNum, &snap.ReturnDen,
		&snap.HealthScore, &snap.Status, &snap.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return &models.SellerHealthSnapshot{
				SellerID:    sellerID,
				WindowDays:  windowDays,
				WindowStart: start,
				WindowEnd:   start.Add(time.Duration(windowDays) * 24 * time.Hour),
				HealthScore: 100,
				Status:      models.StatusExcellent,
			}, nil
		}
		return nil, fmt.Errorf("get health snapshot: %w", err)
	}
	return snap, nil
}

// Recompute rederives score and status for every window from the raw
// counters. The score is never written from anywhere else.
func (e *Engine) Recompute(ctx context.Context, sellerID string) error {
	for _, days := range e.Windows {
		snap, err := e.Snapshot(ctx, sellerID, days)
		if err != nil {
			return err
		}

		score := Score(RatesFrom(snap))
		status := StatusFor(score)

		_, err = e.DB.ExecContext(ctx,
			`UPDATE seller_health
			 SET health_score = $4, status = $5, updated_at = NOW()
			 WHERE seller_id = $1 AND window_days = $2 AND window_start = $3`,
			sellerID, days, snap.WindowStart, score, status)
		if err != nil {
			return fmt.Errorf("store health score: %w", err)
		}
	}
	return nil
}

// Enforce applies the policy decision for the enforcement window. Setting
// suspended is one-directional: only ClearSuspension can lift it.
func (e *Engine) Enforce(ctx context.Context, sellerID string) error {
	snap, err := e.Snapshot(ctx, sellerID, e.EnforcementWindow)
	if err != nil {
		return err
	}
	rates := RatesFrom(snap)

	if rates.ODR > ODRSuspend {
		result, err := e.DB.ExecContext(ctx,
			`INSERT INTO seller_enforcement (seller_id, flag) VALUES ($1, 'suspended')
			 ON CONFLICT (seller_id)
			 DO UPDATE SET flag = 'suspended', updated_at = NOW()
			 WHERE seller_enforcement.flag <> 'suspended'`,
			sellerID)
		if err != nil {
			return fmt.Errorf("suspend seller: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows > 0 {
			v := models.Violation{
				ID:           uuid.NewString(),
				SellerID:     sellerID,
				Severity:     "critical",
				Metric:       string(models.MetricDefect),
				ObservedRate: rates.ODR,
				Threshold:    ODRSuspend,
				Action:       "account suspended",
				CreatedAt:    time.Now().UTC(),
			}
			if err := e.insertViolation(ctx, v); err != nil {
				return err
			}
			e.Logger.Warn("seller suspended",
				zap.String("seller_id", sellerID),
				zap.Float64("odr", rates.ODR))
			if e.Notifier != nil {
				e.Notifier.SellerSuspended(ctx, sellerID, v)
			}
		}
		return nil
	}

	flag := models.EnforcementNone
	if WarningBreached(rates) {
		flag = models.EnforcementWarning
	}
	_, err = e.DB.ExecContext(ctx,
		`INSERT INTO seller_enforcement (seller_id, flag) VALUES ($1, $2)
		 ON CONFLICT (seller_id)
		 DO UPDATE SET flag = $2, updated_at = NOW()
		 WHERE seller_enforcement.flag <> 'suspended'`,
		sellerID, flag)
	if err != nil {
		return fmt.Errorf("update enforcement flag: %w", err)
	}
	return nil
}

func (e *Engine) insertViolation(ctx context.Context, v models.Violation) error {
	_, err := e.DB.ExecContext(ctx,
		`INSERT INTO violations (id, seller_id, severity, metric, observed_rate, threshold, action)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.SellerID, v.Severity, v.Metric, v.ObservedRate, v.Threshold, v.Action)
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

// ClearSuspension is the manual-review release. There is no automatic path
// back from suspended.
func (e *Engine) ClearSuspension(ctx context.Context, sellerID, reviewer, note string) error {
	if reviewer == "" {
		return fmt.Errorf("reviewer required: %w", database.ErrInvalidArgument)
	}

	result, err := e.DB.ExecContext(ctx,
		`UPDATE seller_enforcement
		 SET flag = 'none', updated_at = NOW()
		 WHERE seller_id = $1 AND flag = 'suspended'`,
		sellerID)
	if err != nil {
		return fmt.Errorf("clear suspension: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("seller %s is not suspended: %w", sellerID, database.ErrInvalidTransition)
	}

	return e.insertViolation(ctx, models.Violation{
		ID:       uuid.NewString(),
		SellerID: sellerID,
		Severity: "info",
		Metric:   string(models.MetricDefect),
		Action:   fmt.Sprintf("suspension cleared by %s: %s", reviewer, note),
	})
}

// Flag returns the seller's current enforcement flag, defaulting to none.
func (e *Engine) Flag(ctx context.Context, sellerID string) (models.EnforcementFlag, error) {
	var flag models.EnforcementFlag
	err := e.DB.QueryRowContext(ctx,
		`SELECT flag FROM seller_enforcement WHERE seller_id = $1`, sellerID).Scan(&flag)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.EnforcementNone, nil
		}
		return "", fmt.Errorf("get enforcement flag: %w", err)
	}
	return flag, nil
}

func (e *Engine) Violations(ctx context.Context, sellerID string) ([]models.Violation, error) {
	rows, err := e.DB.QueryContext(ctx,
		`SELECT id, seller_id, severity, metric, observed_rate, threshold, action, created_at
		 FROM violations WHERE seller_id = $1 ORDER BY created_at DESC`,
		sellerID)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	var violations []models.Violation
	for rows.Next() {
		var v models.Violation
		if err := rows.Scan(&v.ID, &v.SellerID, &v.Severity, &v.Metric,
			&v.ObservedRate, &v.Threshold, &v.Action, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		violations = append(violations, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return violations, nil
}

// RecomputeAll refreshes score, status and enforcement for every seller with
// recent events. The scheduler runs this on the recompute interval.
func (e *Engine) RecomputeAll(ctx context.Context, since time.Duration) (int, error) {
	rows, err := e.DB.QueryContext(ctx,
		`SELECT DISTINCT seller_id FROM seller_health
		 WHERE updated_at > NOW() - $1 * INTERVAL '1 second'`,
		int(since.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("list active sellers: %w", err)
	}
	defer rows.Close()

	var sellers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan seller id: %w", err)
		}
		sellers = append(sellers, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("rows error: %w", err)
	}

	for i, sellerID := range sellers {
		if err := e.Recompute(ctx, sellerID); err != nil {
			return i, err
		}
		if err := e.Enforce(ctx, sellerID); err != nil {
			return i, err
		}
	}
	return len(sellers), nil
}
