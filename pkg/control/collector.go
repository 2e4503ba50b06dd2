package control

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/deckflow/deckflow/pkg/log"
	"github.com/deckflow/deckflow/pkg/metrics"
)

// Collector keeps the queue-level gauges (tasks by status, queued depth
// by kind) fresh by polling QueueStats on an interval. It runs wherever
// a metrics endpoint is exposed; several replicas just report the same
// numbers.
type Collector struct {
	surface  *Surface
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewCollector creates a collector. interval <= 0 picks 15s.
func NewCollector(surface *Surface, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		surface:  surface,
		interval: interval,
		logger:   log.Component("collector"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the collection loop, refreshing once immediately.
func (c *Collector) Start() {
	go func() {
		c.refresh()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.refresh()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop ends the collection loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

// refresh sets the queue gauges from one QueueStats snapshot. Both
// vectors reset first so statuses and kinds that dropped to zero don't
// keep reporting their last value.
func (c *Collector) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	stats, err := c.surface.QueueStats(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Queue stats collection failed")
		return
	}

	metrics.TasksTotal.Reset()
	for status, count := range stats.ByStatus {
		metrics.TasksTotal.WithLabelValues(string(status)).Set(float64(count))
	}

	metrics.QueueDepthByKind.Reset()
	for kind, count := range stats.ByKindQueued {
		metrics.QueueDepthByKind.WithLabelValues(kind).Set(float64(count))
	}
}
