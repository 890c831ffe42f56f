package oracles

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c66w/business-cooperation-sub000/transition"
)

// Oracle is a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_no_partial_application",
			SQL: `SELECT a.application_id FROM applications a
                  WHERE NOT EXISTS (SELECT 1 FROM history h
                                    WHERE h.application_id = a.application_id
                                      AND h.subject = 'application' AND h.action = 'created')
                     OR (a.status <> 'draft' AND NOT EXISTS (
                            SELECT 1 FROM history h
                            WHERE h.application_id = a.application_id
                              AND h.subject = 'application' AND h.to_status = 'submitted'))`,
		},
		{
			Name: "O2_in_progress_task_has_assignee",
			SQL:  `SELECT task_id FROM review_tasks WHERE status = 'in_progress' AND assigned_to IS NULL`,
		},
		{
			Name: "O3_legal_application_transitions",
			SQL:  illegalTransitions(transition.EntityApplication, "application"),
		},
		{
			Name: "O4_legal_task_transitions",
			SQL:  illegalTransitions(transition.EntityTask, "task"),
		},
		{
			Name: "O5_status_matches_last_history",
			SQL: `SELECT a.application_id, a.status, last.to_status FROM applications a
                  JOIN LATERAL (
                      SELECT h.to_status FROM history h
                      WHERE h.application_id = a.application_id
                        AND h.subject = 'application' AND h.to_status IS NOT NULL
                      ORDER BY h.created_at DESC, h.id DESC LIMIT 1) last ON TRUE
                  WHERE last.to_status <> a.status`,
		},
		{
			Name: "O6_one_open_task_per_application",
			SQL: `SELECT application_id, COUNT(*) FROM review_tasks
                  WHERE status IN ('pending', 'in_progress')
                  GROUP BY application_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_completed_workflow_is_final",
			SQL: `SELECT w.workflow_id FROM workflow_instances w
                  JOIN applications a ON a.application_id = w.application_id
                  WHERE w.status = 'completed' AND a.status NOT IN ('approved', 'rejected')`,
		},
		{
			Name: "O8_history_append_only_guard",
			SQL: `SELECT 'missing_history_append_only' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'history_append_only')`,
		},
	}
}

// illegalTransitions selects history rows of subject whose from/to pair is not
// an edge of the entity's graph. Rows without a from status open the history
// and are not transitions.
func illegalTransitions(entity transition.Entity, subject string) string {
	var pairs []string
	states := transition.States(entity)
	sort.Strings(states)
	for _, from := range states {
		for _, to := range transition.Edges(entity, from) {
			pairs = append(pairs, fmt.Sprintf("('%s','%s')", from, to))
		}
	}
	return fmt.Sprintf(`SELECT h.id, h.from_status, h.to_status FROM history h
                  WHERE h.subject = '%s' AND h.from_status IS NOT NULL
                    AND (h.from_status, h.to_status) NOT IN (VALUES %s)`, subject, strings.Join(pairs, ","))
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
