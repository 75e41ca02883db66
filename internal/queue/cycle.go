package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

// CycleRequest asks a worker to run one dispatch cycle.
type CycleRequest struct {
	ID          uuid.UUID `json:"id"`
	Source      string    `json:"source"`
	RequestedAt time.Time `json:"requested_at"`
}

// PublishCycle enqueues a dispatch cycle request on topic.
func PublishCycle(ctx context.Context, q Queue, topic, source string, now time.Time) (CycleRequest, error) {
	req := CycleRequest{ID: uuid.New(), Source: source, RequestedAt: now.UTC()}
	body, err := json.Marshal(req)
	if err != nil {
		return req, err
	}
	if err := q.Publish(ctx, topic, body); err != nil {
		return req, fmt.Errorf("publish cycle request: %w", err)
	}
	return req, nil
}

// CycleRunner is what the subscriber triggers for each request.
type CycleRunner interface {
	RunCycle(ctx context.Context) (service.Summary, error)
}

// CycleSubscriber runs a dispatch cycle for every request on Topic.
type CycleSubscriber struct {
	Queue  Queue
	Topic  string
	Runner CycleRunner
	// Requests older than StaleAfter are dropped; zero keeps them all.
	StaleAfter time.Duration
	Log        zerolog.Logger
	Now        func() time.Time
}

func (s *CycleSubscriber) Start(ctx context.Context) error {
	if s.Now == nil {
		s.Now = time.Now
	}
	return s.Queue.Subscribe(ctx, s.Topic, s.handle)
}

func (s *CycleSubscriber) handle(ctx context.Context, body []byte) error {
	var req CycleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		// Malformed payloads never succeed; drop instead of retrying.
		s.Log.Warn().Err(err).Msg("invalid cycle request")
		return nil
	}
	log := s.Log.With().Str("request_id", req.ID.String()).Str("source", req.Source).Logger()

	if s.StaleAfter > 0 && s.Now().Sub(req.RequestedAt) > s.StaleAfter {
		log.Info().Time("requested_at", req.RequestedAt).Msg("dropping stale cycle request")
		return nil
	}

	summary, err := s.Runner.RunCycle(ctx)
	if errors.Is(err, appErrors.ErrCycleInProgress) {
		log.Info().Msg("cycle already running, request coalesced")
		return nil
	}
	if err != nil {
		return err
	}

	for name, res := range summary {
		log.Info().
			Str("campaign", name).
			Int("sent", res.Sent).
			Int("failed", res.Failed).
			Str("skipped", res.Skipped).
			Str("paused", res.Paused).
			Str("error", res.Error).
			Str("status", res.Status).
			Msg("campaign result")
	}
	return nil
}
