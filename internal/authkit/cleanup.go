package authkit

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultPruneSchedule runs the global prune once an hour.
const DefaultPruneSchedule = "@hourly"

// JobScheduler accepts background work off the request path.
type JobScheduler interface {
	Submit(name string, fn func(ctx context.Context) error) bool
}

// SchedulePrune queues removal of the user's expired upstream tokens.
func SchedulePrune(scheduler JobScheduler, tokens *TokenService, logger *zap.Logger, email string) {
	if scheduler == nil || tokens == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	scheduler.Submit("tokens.prune", func(ctx context.Context) error {
		removed, err := tokens.PruneExpired(ctx, email)
		if err != nil {
			return err
		}
		if removed > 0 {
			logger.Debug("pruned expired upstream tokens", zap.String("user_email", email), zap.Int64("removed", removed))
		}
		return nil
	})
}

// NewPruneCron registers a periodic prune of every user's expired tokens. The
// caller starts and stops the returned cron.
func NewPruneCron(schedule string, scheduler JobScheduler, tokens *TokenService, logger *zap.Logger) (*cron.Cron, error) {
	if strings.TrimSpace(schedule) == "" {
		schedule = DefaultPruneSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	scheduled := cron.New()
	_, addErr := scheduled.AddFunc(schedule, func() {
		accepted := scheduler.Submit("tokens.prune_all", func(ctx context.Context) error {
			removed, err := tokens.PruneAllExpired(ctx)
			if err != nil {
				return err
			}
			logger.Info("periodic token prune finished", zap.Int64("removed", removed))
			return nil
		})
		if !accepted {
			logger.Warn("periodic token prune skipped", zap.String("code", "tokens.prune_all.dropped"))
		}
	})
	if addErr != nil {
		return nil, fmt.Errorf("token_service.prune_schedule: %w", addErr)
	}
	return scheduled, nil
}
