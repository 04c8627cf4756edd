package returns

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/safar/marketplace-core/internal/models"
)

func (e *Engine) overdueCases(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := e.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan overdue cases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan case id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return ids, nil
}

// AutoApproveOverdue approves, in the buyer's favor, every case whose
// seller response deadline lapsed. Races with a concurrent manual decision
// are settled by the transition CAS; the loser is skipped.
func (e *Engine) AutoApproveOverdue(ctx context.Context) (int, error) {
	ids, err := e.overdueCases(ctx,
		`SELECT case_id FROM return_cases
		 WHERE state = 'initiated' AND approval_deadline IS NOT NULL AND approval_deadline < NOW()
		 LIMIT 200`)
	if err != nil {
		return 0, err
	}

	acted := 0
	for _, id := range ids {
		if err := e.approve(ctx, id, "auto", "seller response deadline elapsed", SystemActor); err != nil {
			e.Logger.Warn("auto-approval skipped", zap.String("case_id", id), zap.Error(err))
			continue
		}
		acted++
	}
	return acted, nil
}

// AutoInspectOverdue default-inspects cases sitting in received past the
// inspection deadline: as-described and restockable, straight to completed.
func (e *Engine) AutoInspectOverdue(ctx context.Context) (int, error) {
	ids, err := e.overdueCases(ctx,
		`SELECT case_id FROM return_cases
		 WHERE state = 'received' AND inspection_deadline IS NOT NULL AND inspection_deadline < NOW()
		 LIMIT 200`)
	if err != nil {
		return 0, err
	}

	acted := 0
	for _, id := range ids {
		if err := e.Inspect(ctx, id, models.GradeAsDescribed, true, SystemActor); err != nil {
			e.Logger.Warn("auto-inspection skipped", zap.String("case_id", id), zap.Error(err))
			continue
		}
		if err := e.Complete(ctx, id, SystemActor); err != nil {
			return acted, err
		}
		acted++
	}
	return acted, nil
}

// EscalateStale notifies once about cases stuck in initiated past the
// escalation age. Notification only; the state does not change.
func (e *Engine) EscalateStale(ctx context.Context) (int, error) {
	ids, err := e.overdueCases(ctx,
		`SELECT case_id FROM return_cases
		 WHERE state = 'initiated' AND escalated_at IS NULL
		   AND created_at < NOW() - $1 * INTERVAL '1 second'
		 LIMIT 200`,
		int(e.Cfg.EscalationAge.Seconds()))
	if err != nil {
		return 0, err
	}

	acted := 0
	for _, id := range ids {
		result, err := e.DB.ExecContext(ctx,
			`UPDATE return_cases SET escalated_at = NOW()
			 WHERE case_id = $1 AND escalated_at IS NULL`,
			id)
		if err != nil {
			return acted, fmt.Errorf("mark escalated: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return acted, fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			continue
		}

		if c, gerr := e.GetCase(ctx, id); gerr == nil {
			e.Notifier.CaseEscalated(ctx, c)
		}
		acted++
	}
	return acted, nil
}
