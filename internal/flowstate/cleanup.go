package flowstate

import (
	"context"
	"time"

	"github.com/dgellow/labauth/internal/log"
)

// Janitor periodically removes expired flows and records from backends
// that do not expire them on their own
type Janitor struct {
	manager  *Manager
	interval time.Duration
}

// NewJanitor creates a janitor for m
func NewJanitor(m *Manager, interval time.Duration) *Janitor {
	return &Janitor{manager: m, interval: interval}
}

// Run cleans up once immediately, then on every tick until ctx is done
func (j *Janitor) Run(ctx context.Context) error {
	log.LogInfoWithFields("cleanup", "Starting flow cleanup", map[string]any{
		"interval": j.interval.String(),
	})

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup(ctx)

	for {
		select {
		case <-ticker.C:
			j.cleanup(ctx)
		case <-ctx.Done():
			log.LogInfoWithFields("cleanup", "Flow cleanup stopped", nil)
			return nil
		}
	}
}

func (j *Janitor) cleanup(ctx context.Context) {
	count, err := j.manager.Cleanup(ctx)
	if err != nil {
		log.LogErrorWithFields("cleanup", "Failed to clean up expired flows", map[string]any{
			"error": err.Error(),
		})
		return
	}

	if count > 0 {
		log.LogInfoWithFields("cleanup", "Cleaned up expired flows", map[string]any{
			"count": count,
		})
	}
}
