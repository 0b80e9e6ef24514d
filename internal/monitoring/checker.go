package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Task is one periodic maintenance job, such as backup retention or idle
// session expiry.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Checker runs periodic maintenance tasks in the background.
type Checker struct {
	interval time.Duration
	tasks    []Task
}

// NewChecker creates a background checker. A non-positive interval
// defaults to five minutes.
func NewChecker(interval time.Duration, tasks ...Task) *Checker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{interval: interval, tasks: tasks}
}

// Run starts the periodic loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting maintenance checker",
		zap.Duration("interval", c.interval),
		zap.Int("tasks", len(c.tasks)),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("maintenance checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	failed := 0
	for _, task := range c.tasks {
		if err := task.Run(ctx); err != nil {
			failed++
			log.Error("monitoring: task failed", zap.String("task", task.Name), zap.Error(err))
		}
	}
	log.Debug("monitoring: check complete",
		zap.Int("tasks", len(c.tasks)),
		zap.Int("failed", failed),
	)
}
