package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
	"github.com/alanyoungcy/lmsrbot/internal/fees"
)

// PaperVenue fills every valid intent in full at its limit price. Maker fills
// earn the rebate and taker fills pay the taker fee of the schedule.
type PaperVenue struct {
	fees    fees.Schedule
	fills   chan domain.ExecutionReport
	nowFunc func() time.Time
	logger  *slog.Logger
}

// NewPaperVenue creates a paper venue charging fees from schedule.
func NewPaperVenue(schedule fees.Schedule, logger *slog.Logger) *PaperVenue {
	return &PaperVenue{
		fees:    schedule,
		fills:   make(chan domain.ExecutionReport, 256),
		nowFunc: time.Now,
		logger:  logger.With(slog.String("component", "paper_venue")),
	}
}

// Name implements Venue.
func (p *PaperVenue) Name() string { return "paper" }

// Place simulates the fill of intent.
func (p *PaperVenue) Place(ctx context.Context, intent domain.TradeIntent) error {
	if !(intent.LimitPrice > 0 && intent.LimitPrice < 1) {
		return fmt.Errorf("paper: limit %v: %w", intent.LimitPrice, domain.ErrInvalidPrice)
	}
	if !(intent.Size > 0) {
		return fmt.Errorf("paper: size %v: %w", intent.Size, domain.ErrInvalidPrice)
	}

	fill := &domain.Fill{
		ID:       uuid.New().String(),
		IntentID: intent.ID,
		Asset:    intent.Asset,
		Side:     intent.Side,
		Outcome:  intent.Outcome,
		Size:     intent.Size,
		Price:    intent.LimitPrice,
		Fee:      p.fees.Fee(intent.Strategy, intent.LimitPrice, intent.Size),
		Strategy: intent.Strategy,
		FilledAt: p.nowFunc(),
	}

	select {
	case p.fills <- domain.ExecutionReport{Fill: fill}:
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("paper: fill backlog full: %w", domain.ErrVenueUnavailable)
	}

	p.logger.DebugContext(ctx, "paper fill",
		slog.String("intent_id", intent.ID),
		slog.Float64("size", fill.Size),
		slog.Float64("price", fill.Price),
		slog.Float64("fee", fill.Fee),
	)
	return nil
}

// Run forwards simulated fills to out.
func (p *PaperVenue) Run(ctx context.Context, out chan<- domain.ExecutionReport) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-p.fills:
			select {
			case out <- r:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

var _ Venue = (*PaperVenue)(nil)
