package chaos

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Targets names the live deployment the experiments run against.
type Targets struct {
	CirculationURL string
	AuthToken      string
	// CopyID is an AVAILABLE copy sacrificed to the race experiment.
	CopyID string
}

// RegisterExperiments registers all predefined chaos experiments with the engine.
func (ce *Engine) RegisterExperiments(t Targets) {
	ce.RegisterExperiment(ce.ConcurrentBorrowRaceExperiment(t))
	ce.RegisterExperiment(ce.AuditCollectorOutageExperiment())
	ce.RegisterExperiment(ce.DatabaseLatencyExperiment(250 * time.Millisecond))
	ce.RegisterExperiment(ce.ConnectionPoolExhaustionExperiment())
}

// copyConsistencyQuery counts copies whose status disagrees with the
// open borrowings table: a BORROWED copy must have exactly one open
// borrowing, any other status must have none.
const copyConsistencyQuery = `
	SELECT COUNT(*) FROM copies c
	WHERE (c.status = 'BORROWED' AND
	       (SELECT COUNT(*) FROM borrowings b
	        WHERE b.copy_id = c.id AND b.status IN ('ACTIVE', 'OVERDUE')) <> 1)
	   OR (c.status <> 'BORROWED' AND EXISTS
	       (SELECT 1 FROM borrowings b
	        WHERE b.copy_id = c.id AND b.status IN ('ACTIVE', 'OVERDUE')))
`

// ConcurrentBorrowRaceExperiment fires many simultaneous borrow
// requests at the same copy and checks that exactly one wins.
func (ce *Engine) ConcurrentBorrowRaceExperiment(t Targets) Experiment {
	const concurrency = 100

	return Experiment{
		Name:       "concurrent-borrow-race",
		Hypothesis: "Compare-and-swap prevents double-lending when many borrows target one copy",
		SteadyState: []Metric{
			{
				Name: "copy_state_consistency",
				Query: func(ctx context.Context) (float64, error) {
					var inconsistencies int
					err := ce.db.QueryRowContext(ctx, copyConsistencyQuery).Scan(&inconsistencies)
					return float64(inconsistencies), err
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{
			{
				Type:   "concurrent-requests",
				Target: "circulation-service",
				Parameters: map[string]interface{}{
					"concurrency": concurrency,
					"copy_id":     t.CopyID,
				},
				Execute: func(ctx context.Context) error {
					body := fmt.Sprintf(`{"copy_id":%q}`, t.CopyID)

					var wg sync.WaitGroup
					succeeded := make(chan struct{}, concurrency)
					for i := 0; i < concurrency; i++ {
						wg.Add(1)
						go func() {
							defer wg.Done()
							req, err := http.NewRequestWithContext(ctx, http.MethodPost,
								t.CirculationURL+"/borrow", bytes.NewBufferString(body))
							if err != nil {
								return
							}
							req.Header.Set("Content-Type", "application/json")
							req.Header.Set("Authorization", "Bearer "+t.AuthToken)

							resp, err := http.DefaultClient.Do(req)
							if err != nil {
								return
							}
							io.Copy(io.Discard, resp.Body)
							resp.Body.Close()
							if resp.StatusCode == http.StatusCreated {
								succeeded <- struct{}{}
							}
						}()
					}
					wg.Wait()
					close(succeeded)

					wins := 0
					for range succeeded {
						wins++
					}
					if wins > 1 {
						return fmt.Errorf("double-lend: %d borrows succeeded for one copy", wins)
					}
					return nil
				},
			},
		},
		Rollback: []Action{},
		Validation: []Assertion{
			{
				Metric:    "copy_state_consistency",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Copy status and open borrowings must agree",
			},
		},
		Duration:    30 * time.Second,
		BlastRadius: 0.1,
	}
}

// AuditCollectorOutageExperiment verifies the outbox buffers while the
// audit collector is down and drains once it returns.
func (ce *Engine) AuditCollectorOutageExperiment() Experiment {
	backlogQuery := `
		SELECT COUNT(*) FROM transition_log
		WHERE seq > COALESCE(
			(SELECT seq FROM transition_log_cursors WHERE consumer = 'audit-deliverer'), 0)
	`

	return Experiment{
		Name:       "audit-collector-outage",
		Hypothesis: "Transition records buffer in the outbox during a collector outage and drain in order afterwards",
		SteadyState: []Metric{
			{
				Name: "audit_backlog",
				Query: func(ctx context.Context) (float64, error) {
					var backlog int
					err := ce.db.QueryRowContext(ctx, backlogQuery).Scan(&backlog)
					return float64(backlog), err
				},
				Threshold: Threshold{Operator: "<", Value: 50},
			},
		},
		Method: []Action{
			{
				Type:   "kill-pod",
				Target: "audit-collector",
				Execute: func(ctx context.Context) error {
					// In production: kubectl scale deployment audit-collector --replicas=0
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "restore-pod",
				Target: "audit-collector",
				Execute: func(ctx context.Context) error {
					// In production: kubectl scale deployment audit-collector --replicas=1
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "audit_backlog",
				Condition: func(v float64) bool { return v < 50 },
				Message:   "Outbox backlog must drain after the collector recovers",
			},
		},
		Duration:    5 * time.Minute,
		BlastRadius: 0.3,
	}
}

// DatabaseLatencyExperiment injects latency into database operations
func (ce *Engine) DatabaseLatencyExperiment(targetLatency time.Duration) Experiment {
	return Experiment{
		Name:       "database-latency-injection",
		Hypothesis: "Borrow throughput degrades gracefully when database latency rises",
		SteadyState: []Metric{
			{
				Name: "borrow_success_rate",
				Query: func(ctx context.Context) (float64, error) {
					var successRate float64
					err := ce.db.QueryRowContext(ctx, `
						SELECT COALESCE(
							COUNT(*) FILTER (WHERE status IN ('ACTIVE', 'RETURNED'))::float
								/ NULLIF(COUNT(*)::float, 0) * 100,
							100.0
						) FROM borrowings WHERE borrow_date > NOW() - INTERVAL '1 minute'
					`).Scan(&successRate)
					return successRate, err
				},
				Threshold: Threshold{Operator: ">", Value: 99.0},
			},
		},
		Method: []Action{
			{
				Type:   "inject-latency",
				Target: "postgres-primary",
				Parameters: map[string]interface{}{
					"latency": targetLatency,
					"jitter":  50 * time.Millisecond,
				},
				Execute: func(ctx context.Context) error {
					// In production: toxiproxy toxic on the postgres listener
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "remove-latency",
				Target: "postgres-primary",
				Execute: func(ctx context.Context) error {
					// In production: remove the toxiproxy toxic
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "borrow_success_rate",
				Condition: func(v float64) bool { return v > 95.0 },
				Message:   "Borrow success rate should remain above 95%",
			},
		},
		Duration:    5 * time.Minute,
		BlastRadius: 1.0,
	}
}

// ConnectionPoolExhaustionExperiment holds database connections and
// checks that the services shed load instead of cascading.
func (ce *Engine) ConnectionPoolExhaustionExperiment() Experiment {
	return Experiment{
		Name:       "database-connection-pool-exhaustion",
		Hypothesis: "Circuit breakers prevent cascading failures when the connection pool is exhausted",
		SteadyState: []Metric{
			{
				Name: "copy_state_consistency",
				Query: func(ctx context.Context) (float64, error) {
					var inconsistencies int
					err := ce.db.QueryRowContext(ctx, copyConsistencyQuery).Scan(&inconsistencies)
					return float64(inconsistencies), err
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{
			{
				Type:   "exhaust-connections",
				Target: "postgres-connection-pool",
				Execute: func(ctx context.Context) error {
					conns := make([]*sql.Conn, 0)
					for i := 0; i < 100; i++ {
						conn, err := ce.db.Conn(ctx)
						if err != nil {
							break
						}
						conns = append(conns, conn)
					}
					time.Sleep(30 * time.Second)
					for _, conn := range conns {
						conn.Close()
					}
					return nil
				},
			},
		},
		Rollback: []Action{},
		Validation: []Assertion{
			{
				Metric:    "copy_state_consistency",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No state inconsistencies may appear while connections are starved",
			},
		},
		Duration:    2 * time.Minute,
		BlastRadius: 1.0,
	}
}
