// CLAUDE:SUMMARY Background evaluator — ticker loop that sweeps running experiments through Evaluate
package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/metagov/internal/db"
	"github.com/hazyhaar/metagov/internal/selection"
)

// RunEvaluator sweeps all running experiments through Evaluate on a fixed
// interval until the context is cancelled. Evaluation errors are logged and
// do not stop the loop; an experiment that errors is retried next tick.
func (c *Coordinator) RunEvaluator(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("experiment evaluator started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("experiment evaluator stopped")
			return ctx.Err()
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Coordinator) sweep(ctx context.Context) {
	running, err := c.db.ListExperiments(db.ExperimentRunning, 100)
	if err != nil {
		slog.Error("evaluator sweep failed", "error", err)
		return
	}
	for _, exp := range running {
		decision, err := c.Evaluate(ctx, exp.ID)
		if err != nil {
			slog.Error("experiment evaluation failed", "experiment", exp.ID, "error", err)
			continue
		}
		if decision.Verdict != selection.Continue {
			slog.Info("experiment resolved", "experiment", exp.ID,
				"verdict", decision.Verdict, "rationale", decision.Rationale)
		}
	}
}
