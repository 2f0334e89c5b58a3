package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// StreamVenue hands intents to an external order gateway through a durable
// stream and reads the gateway's execution reports from another.
type StreamVenue struct {
	bus          domain.SignalBus
	intentStream string
	reportStream string
	block        time.Duration
	retryDelay   time.Duration
	nowFunc      func() time.Time
	logger       *slog.Logger
}

// NewStreamVenue creates a venue on bus.
func NewStreamVenue(bus domain.SignalBus, intentStream, reportStream string, logger *slog.Logger) *StreamVenue {
	return &StreamVenue{
		bus:          bus,
		intentStream: intentStream,
		reportStream: reportStream,
		block:        time.Second,
		retryDelay:   time.Second,
		nowFunc:      time.Now,
		logger:       logger.With(slog.String("component", "stream_venue")),
	}
}

// Name implements Venue.
func (s *StreamVenue) Name() string { return "stream" }

// Place appends intent as JSON to the intent stream.
func (s *StreamVenue) Place(ctx context.Context, intent domain.TradeIntent) error {
	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("stream venue: marshal intent %s: %w", intent.ID, err)
	}
	if err := s.bus.StreamAppend(ctx, s.intentStream, payload); err != nil {
		return fmt.Errorf("stream venue: place %s: %w: %w", intent.ID, domain.ErrVenueUnavailable, err)
	}
	return nil
}

// Run tails the report stream from the moment it starts. Read errors are
// logged and retried; malformed reports are skipped.
func (s *StreamVenue) Run(ctx context.Context, out chan<- domain.ExecutionReport) error {
	lastID := fmt.Sprintf("%d-0", s.nowFunc().UnixMilli())
	s.logger.InfoContext(ctx, "tailing report stream",
		slog.String("stream", s.reportStream),
		slog.String("from", lastID),
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgs, err := s.bus.StreamRead(ctx, s.reportStream, lastID, 100, s.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.WarnContext(ctx, "report stream read failed",
				slog.String("stream", s.reportStream),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelay):
			}
			continue
		}

		for _, m := range msgs {
			lastID = m.ID
			var r domain.ExecutionReport
			if err := json.Unmarshal(m.Payload, &r); err != nil || (r.Fill == nil && r.Rejection == nil) {
				s.logger.WarnContext(ctx, "skipping malformed execution report", slog.String("id", m.ID))
				continue
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

var _ Venue = (*StreamVenue)(nil)
