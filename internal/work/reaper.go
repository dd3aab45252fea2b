package work

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/weftdev/weft/internal/events"
)

// Common errors
var (
	ErrReaperAlreadyRunning = errors.New("reaper is already running")
	ErrReaperNotRunning     = errors.New("reaper is not running")
)

// Start begins the stale reaper loop. Assigned items whose agent has
// been silent past the threshold return to pending without an event, so
// a crashed worker never strands work; once an item has burned through
// its attempt budget the reaper fails it instead. Terminal items are
// evicted after twice the threshold.
func (c *Coordinator) Start() error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return ErrReaperAlreadyRunning
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.runMu.Unlock()

	c.logger.Info("Stale reaper starting",
		zap.Duration("cleanup_interval", c.config.CleanupInterval),
		zap.Duration("stale_threshold", c.config.StaleThreshold))

	c.wg.Add(1)
	go c.reapLoop()

	return nil
}

// Stop halts the reaper loop and waits for it to exit.
func (c *Coordinator) Stop() error {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return ErrReaperNotRunning
	}
	c.running = false
	close(c.stopCh)
	c.runMu.Unlock()

	c.wg.Wait()
	c.logger.Info("Stale reaper stopped")
	return nil
}

// IsRunning returns true while the reaper loop is active.
func (c *Coordinator) IsRunning() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

func (c *Coordinator) reapLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.sweep(now.UTC())
		}
	}
}

// sweep runs one reaper pass. Resets are silent; exhausted items fail
// with an event because that is a real transition, not bookkeeping.
func (c *Coordinator) sweep(now time.Time) (reset, exhausted, evicted int) {
	var failed []*Item

	c.mu.Lock()
	for id, item := range c.items {
		switch {
		case item.Status == StatusAssigned && item.AssignedAt != nil &&
			now.Sub(*item.AssignedAt) >= c.config.StaleThreshold:
			if item.Attempts >= c.config.MaxAttempts {
				item.Status = StatusFailed
				item.Error = &Failure{
					Message:     "assigned agent went silent and no delivery attempts remain",
					Recoverable: false,
					OccurredAt:  now,
				}
				item.terminalAt = now
				snapshot := *item
				failed = append(failed, &snapshot)
				exhausted++
			} else {
				item.Status = StatusPending
				item.AssignedTo = ""
				item.AssignedAt = nil
				reset++
			}

		case IsTerminal(item.Status) && !item.terminalAt.IsZero() &&
			now.Sub(item.terminalAt) >= 2*c.config.StaleThreshold:
			delete(c.items, id)
			evicted++
		}
	}
	c.mu.Unlock()

	for _, item := range failed {
		c.publish(events.WorkFailed, item, func(p *events.WorkEventPayload) {
			p.Error = item.Error
		})
	}

	if reset > 0 || exhausted > 0 || evicted > 0 {
		c.logger.Debug("Reaper pass",
			zap.Int("reset", reset),
			zap.Int("exhausted", exhausted),
			zap.Int("evicted", evicted))
	}
	return reset, exhausted, evicted
}
