package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/newsletter-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// CHEventsRepository is the ClickHouse projection of the event stream.
type CHEventsRepository interface {
	InsertBatch(ctx context.Context, events []model.SubscriptionEvent) error
	ListRecent(ctx context.Context, outcome model.OutcomeKind, limit, offset int) ([]model.SubscriptionEvent, error)
	CountByOutcome(ctx context.Context, since time.Time) (map[model.OutcomeKind]uint64, error)
}

type chEventsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHEventsRepository(ch *sqlx.DB) CHEventsRepository {
	return &chEventsRepository{ch: ch}
}

// InsertBatch writes all events as one ClickHouse block. ReplacingMergeTree on
// id absorbs duplicates from Kafka redelivery.
func (r *chEventsRepository) InsertBatch(ctx context.Context, events []model.SubscriptionEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO newsletter.subscription_events
		    (id, email_hash, email_masked, outcome, subscription_id, state, client_key, created_at)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			ev.ID, ev.EmailHash, ev.EmailMasked, ev.Outcome.String(),
			ev.SubscriptionID, ev.State, ev.ClientKey, ev.CreatedAt,
		); err != nil {
			return fmt.Errorf("append %s: %w", ev.ID, err)
		}
	}

	return tx.Commit()
}

func (r *chEventsRepository) ListRecent(ctx context.Context, outcome model.OutcomeKind, limit, offset int) ([]model.SubscriptionEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT id, email_hash, email_masked, outcome, subscription_id, state, client_key, created_at
		FROM newsletter.subscription_events FINAL
	`
	var args []any

	if outcome != "" {
		q += " WHERE outcome = ?"
		args = append(args, outcome.String())
	}

	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.SubscriptionEvent
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *chEventsRepository) CountByOutcome(ctx context.Context, since time.Time) (map[model.OutcomeKind]uint64, error) {
	var rows []struct {
		Outcome string `db:"outcome"`
		Total   uint64 `db:"total"`
	}
	err := r.ch.SelectContext(ctx, &rows, `
		SELECT outcome, count() AS total
		FROM newsletter.subscription_events FINAL
		WHERE created_at >= ?
		GROUP BY outcome
	`, since)
	if err != nil {
		return nil, err
	}

	out := make(map[model.OutcomeKind]uint64, len(rows))
	for _, row := range rows {
		out[model.OutcomeKind(row.Outcome)] = row.Total
	}
	return out, nil
}
