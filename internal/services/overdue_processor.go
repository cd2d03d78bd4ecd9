package services

import (
	"context"
	"fmt"
	"time"

	"fincore/internal/log"
)

const DefaultOverdueRefreshInterval = time.Hour

// OverdueProcessor periodically re-derives party due status, so that a
// party becomes overdue when its due date passes rather than on its next
// write.
type OverdueProcessor struct {
	parties  *PartyService
	interval time.Duration
	now      func() time.Time
	logger   *log.Logger
}

// NewOverdueProcessor creates a new overdue processor
func NewOverdueProcessor(parties *PartyService, interval time.Duration, logger *log.Logger) *OverdueProcessor {
	if interval <= 0 {
		interval = DefaultOverdueRefreshInterval
	}
	if logger == nil {
		logger = log.Default(log.ComponentParty)
	}
	return &OverdueProcessor{
		parties:  parties,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.WithComponent(log.ComponentParty),
	}
}

// ProcessDue refreshes every unpaid party as of now.
func (p *OverdueProcessor) ProcessDue(ctx context.Context, now time.Time) (RefreshStats, error) {
	if p.parties == nil {
		return RefreshStats{}, fmt.Errorf("processor not properly initialized")
	}
	stats, err := p.parties.RefreshOverdue(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("refresh overdue parties: %w", err)
	}
	return stats, nil
}

// Run refreshes once immediately and then on every tick until ctx ends.
func (p *OverdueProcessor) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "Overdue processor started", "interval", p.interval)

	if _, err := p.ProcessDue(ctx, p.now()); err != nil {
		p.logger.ErrorContext(ctx, "Initial overdue refresh failed", log.FieldError, err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "Overdue processor stopped")
			return nil
		case <-ticker.C:
			stats, err := p.ProcessDue(ctx, p.now())
			if err != nil {
				p.logger.ErrorContext(ctx, "Periodic overdue refresh failed", log.FieldError, err)
				continue
			}
			p.logger.DebugContext(ctx, "Periodic overdue refresh complete",
				"updated", stats.Updated,
				"next_check", p.now().Add(p.interval).Format("15:04:05"))
		}
	}
}
