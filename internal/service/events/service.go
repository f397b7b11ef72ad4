package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/newsletter-gateway/internal/metrics"
	"github.com/jmehdipour/newsletter-gateway/internal/model"
	"github.com/jmehdipour/newsletter-gateway/internal/repository"
	"github.com/jmehdipour/newsletter-gateway/internal/util"
	"github.com/jmoiron/sqlx"
)

const (
	// EventsKafkaTopic is where the outbox relay publishes subscription events.
	EventsKafkaTopic = "newsletter.events"

	aggregateSubscription = "subscription"
)

// Recorder stores a classified signup attempt.
type Recorder interface {
	Record(ctx context.Context, ev model.SubscriptionEvent) error
}

// NewEvent builds the event for one signup attempt. Only the hash and the
// masked form of the address are kept.
func NewEvent(h *util.EmailHasher, email string, out model.Outcome, clientKey string, at time.Time) model.SubscriptionEvent {
	ev := model.SubscriptionEvent{
		ID:          util.NewID(at),
		EmailHash:   h.Hash(email),
		EmailMasked: util.MaskEmail(email),
		Outcome:     out.Kind,
		ClientKey:   clientKey,
		CreatedAt:   at.UTC(),
	}
	if out.OK() {
		ev.SubscriptionID = out.Subscription.IDString()
		ev.State = out.Subscription.State
	}
	return ev
}

// Service writes the event row and its outbox row in a single transaction.
type Service struct {
	db     *sqlx.DB
	events repository.EventsRepository
	outbox repository.OutboxRepository
	topic  string
}

func New(
	db *sqlx.DB,
	eventsRepo repository.EventsRepository,
	outboxRepo repository.OutboxRepository,
	topic string,
) *Service {
	if topic == "" {
		topic = EventsKafkaTopic
	}
	return &Service{
		db:     db,
		events: eventsRepo,
		outbox: outboxRepo,
		topic:  topic,
	}
}

var _ Recorder = (*Service)(nil)

func (s *Service) Record(ctx context.Context, ev model.SubscriptionEvent) error {
	payload, err := json.Marshal(model.Envelope{ID: ev.ID, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.events.Insert(ctx, tx, ev); err != nil {
		return fmt.Errorf("insert subscription event: %w", err)
	}

	if err := s.outbox.Insert(ctx, tx, aggregateSubscription, ev.ID, s.topic, payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	metrics.EventsTotal.WithLabelValues("recorded").Inc()
	return nil
}

// Nop discards events. Used when no event store is configured.
type Nop struct{}

func (Nop) Record(context.Context, model.SubscriptionEvent) error { return nil }
