// CLAUDE:SUMMARY Meta cycle — infers per-user preferences from recent feedback and maintains policy overlays
package meta

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/metagov/internal/db"
)

// Cycle periodically derives per-user preferences from recent trace feedback
// and writes them back as profile preferences plus a policy overlay. It is the
// self-adjusting loop of the governor: feedback in, personalization out.
type Cycle struct {
	db        *db.DB
	window    time.Duration
	minTraces int
}

func NewCycle(database *db.DB, window time.Duration, minTraces int) *Cycle {
	if window <= 0 {
		window = 72 * time.Hour
	}
	if minTraces <= 0 {
		minTraces = 10
	}
	return &Cycle{db: database, window: window, minTraces: minTraces}
}

// Run executes one pass: every user with enough recent traces gets their
// preferences re-inferred and their overlay re-based on the current active
// version. Returns the number of users updated.
func (c *Cycle) Run(ctx context.Context) (int, error) {
	since := time.Now().Add(-c.window)
	userIDs, err := c.db.ActiveUserIDs(since, c.minTraces)
	if err != nil {
		return 0, err
	}
	if len(userIDs) == 0 {
		slog.Debug("meta cycle: no users with enough traces")
		return 0, nil
	}

	active, err := c.db.GetActivePolicyVersion("default")
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		prefs, err := c.inferUser(userID, since)
		if err != nil {
			slog.Error("meta cycle: inference failed", "user_id", userID, "error", err)
			continue
		}
		if len(prefs) == 0 {
			continue
		}

		if err := c.db.UpdateUserPreferences(userID, prefs); err != nil {
			slog.Error("meta cycle: preference update failed", "user_id", userID, "error", err)
			continue
		}

		override := routingOverride(prefs)
		if len(override) > 0 {
			if _, err := c.db.UpsertUserOverlay(userID, active.ID, encode(override), "{}"); err != nil {
				slog.Error("meta cycle: overlay upsert failed", "user_id", userID, "error", err)
				continue
			}
		}
		slog.Info("meta cycle: preferences updated", "user_id", userID, "preferences", prefs)
		updated++
	}
	return updated, nil
}

// RunLoop repeats Run on a fixed interval until the context is cancelled.
func (c *Cycle) RunLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("meta cycle started", "interval", interval, "window", c.window)
	for {
		select {
		case <-ctx.Done():
			slog.Info("meta cycle stopped")
			return ctx.Err()
		case <-ticker.C:
			if n, err := c.Run(ctx); err != nil {
				slog.Error("meta cycle run failed", "error", err)
			} else if n > 0 {
				slog.Info("meta cycle run finished", "users_updated", n)
			}
		}
	}
}

func (c *Cycle) inferUser(userID string, since time.Time) (map[string]any, error) {
	rows, err := c.db.QueryTraces(db.TraceFilter{UserID: userID, Since: since})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	votes := newBallot()
	for rows.Next() {
		votes.count(rows.Trace())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return votes.preferences(), nil
}
