package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmehdipour/newsletter-gateway/internal/model"
	"github.com/jmehdipour/newsletter-gateway/internal/repository"
	"github.com/jmehdipour/newsletter-gateway/internal/util"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHasher = util.NewEmailHasher("test-key")

func TestNewEvent_Success(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.FixedZone("CET", 3600))
	out := model.Succeeded(model.Subscription{ID: json.RawMessage(`123`), Email: "test@example.com", State: "active"})

	ev := NewEvent(testHasher, "test@example.com", out, "203.0.113.7", at)

	assert.Len(t, ev.ID, 26)
	assert.Equal(t, testHasher.Hash("test@example.com"), ev.EmailHash)
	assert.Equal(t, "te***@example.com", ev.EmailMasked)
	assert.Equal(t, model.OutcomeSuccess, ev.Outcome)
	assert.Equal(t, "123", ev.SubscriptionID)
	assert.Equal(t, "active", ev.State)
	assert.Equal(t, "203.0.113.7", ev.ClientKey)
	assert.Equal(t, time.UTC, ev.CreatedAt.Location())
}

func TestNewEvent_FailureCarriesNoSubscription(t *testing.T) {
	ev := NewEvent(testHasher, "test@example.com", model.Failed(model.OutcomeAlreadySubscribed), "198.51.100.1", time.Now())

	assert.Equal(t, model.OutcomeAlreadySubscribed, ev.Outcome)
	assert.Empty(t, ev.SubscriptionID)
	assert.Empty(t, ev.State)
}

func TestNewEvent_NeverStoresRawEmail(t *testing.T) {
	ev := NewEvent(testHasher, "private.person@example.com", model.Failed(model.OutcomeServerError), "k", time.Now())

	b, err := json.Marshal(model.Envelope{ID: ev.ID, Event: ev})
	assert.NoError(t, err)
	assert.NotContains(t, string(b), "private.person@example.com")
}

func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	raw, mk, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	db := sqlx.NewDb(raw, "mysql")
	return New(db, repository.NewEventsRepository(db), repository.NewOutboxRepository(db), ""), mk
}

func sampleEvent() model.SubscriptionEvent {
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	out := model.Succeeded(model.Subscription{ID: json.RawMessage(`123`), State: "active"})
	return NewEvent(testHasher, "test@example.com", out, "203.0.113.7", at)
}

func TestRecord_WritesEventAndOutboxInOneTransaction(t *testing.T) {
	svc, mk := newMockService(t)
	ev := sampleEvent()

	mk.ExpectBegin()
	mk.ExpectExec("INSERT INTO subscription_events").
		WithArgs(ev.ID, ev.EmailHash, ev.EmailMasked, "success", "123", "active", "203.0.113.7", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mk.ExpectExec("INSERT INTO outbox").
		WithArgs("subscription", ev.ID, EventsKafkaTopic, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mk.ExpectCommit()

	require.NoError(t, svc.Record(context.Background(), ev))
	assert.NoError(t, mk.ExpectationsWereMet())
}

func TestRecord_OutboxFailureRollsBackEvent(t *testing.T) {
	svc, mk := newMockService(t)
	ev := sampleEvent()

	mk.ExpectBegin()
	mk.ExpectExec("INSERT INTO subscription_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mk.ExpectExec("INSERT INTO outbox").WillReturnError(errors.New("lock wait timeout"))
	mk.ExpectRollback()

	err := svc.Record(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert outbox")
	assert.NoError(t, mk.ExpectationsWereMet())
}

func TestRecord_EventFailureSkipsOutbox(t *testing.T) {
	svc, mk := newMockService(t)

	mk.ExpectBegin()
	mk.ExpectExec("INSERT INTO subscription_events").WillReturnError(errors.New("duplicate key"))
	mk.ExpectRollback()

	require.Error(t, svc.Record(context.Background(), sampleEvent()))
	assert.NoError(t, mk.ExpectationsWereMet())
}
