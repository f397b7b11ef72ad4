package repository

import (
	"context"

	"github.com/jmehdipour/newsletter-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// EventsRepository persists classified signup attempts to MySQL.
type EventsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, ev model.SubscriptionEvent) error
}

type EventsRepositoryImpl struct {
	db *sqlx.DB
}

func NewEventsRepository(db *sqlx.DB) *EventsRepositoryImpl {
	return &EventsRepositoryImpl{db: db}
}

var _ EventsRepository = (*EventsRepositoryImpl)(nil)

func (r *EventsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, ev model.SubscriptionEvent) error {
	const q = `
		INSERT INTO subscription_events
		    (id, email_hash, email_masked, outcome, subscription_id, state, client_key, created_at)
		VALUES
		    (:id, :email_hash, :email_masked, :outcome, :subscription_id, :state, :client_key, :created_at)
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, q, ev)
		return err
	})
}

// withTx runs fn in the provided tx, or starts a new transaction when tx is nil.
func withTx(ctx context.Context, db *sqlx.DB, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}

	t, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()

	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}
