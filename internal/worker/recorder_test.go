package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/newsletter-gateway/internal/kafka"
	"github.com/jmehdipour/newsletter-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	ch chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
}

func newFakeSource(msgs ...kafka.Message) *fakeSource {
	s := &fakeSource{ch: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		s.ch <- m
	}
	return s
}

func (s *fakeSource) Fetch(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-s.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (s *fakeSource) Commit(_ context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, msgs...)
	return nil
}

func (s *fakeSource) committedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed)
}

type fakeSink struct {
	mu       sync.Mutex
	failures int
	calls    int
	stored   []model.SubscriptionEvent
}

func (s *fakeSink) InsertBatch(_ context.Context, evs []model.SubscriptionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("clickhouse unavailable")
	}
	s.stored = append(s.stored, evs...)
	return nil
}

func (s *fakeSink) snapshot() []model.SubscriptionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SubscriptionEvent(nil), s.stored...)
}

func envelopeMsg(t *testing.T, offset int64, id string, kind model.OutcomeKind) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(model.Envelope{ID: id, Event: model.SubscriptionEvent{
		ID:          id,
		EmailHash:   "abc",
		EmailMasked: "te***@example.com",
		Outcome:     kind,
		CreatedAt:   time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: raw}
}

func runRecorder(t *testing.T, w *Recorder) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, w.Run(ctx))
	}()
	return func() {
		stop()
		<-done
	}
}

func TestRecorder_FlushesOnBatchSizeAndSkipsPoison(t *testing.T) {
	src := newFakeSource(
		envelopeMsg(t, 1, "01A", model.OutcomeSuccess),
		kafka.Message{Offset: 2, Value: []byte("not json")},
		envelopeMsg(t, 3, "01B", model.OutcomeAlreadySubscribed),
		envelopeMsg(t, 4, "01C", model.OutcomeServerError),
	)
	sink := &fakeSink{}

	w := NewRecorder(src, sink)
	w.BatchSize = 3
	w.BatchWait = time.Hour
	stop := runRecorder(t, w)

	require.Eventually(t, func() bool { return src.committedCount() == 4 }, 2*time.Second, 5*time.Millisecond)
	stop()

	got := sink.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "01A", got[0].ID)
	assert.Equal(t, model.OutcomeAlreadySubscribed, got[1].Outcome)
	assert.Equal(t, "01C", got[2].ID)
}

func TestRecorder_FlushesOnTimer(t *testing.T) {
	src := newFakeSource(envelopeMsg(t, 1, "01A", model.OutcomeSuccess))
	sink := &fakeSink{}

	w := NewRecorder(src, sink)
	w.BatchSize = 100
	w.BatchWait = 20 * time.Millisecond
	stop := runRecorder(t, w)
	defer stop()

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, src.committedCount())
}

func TestRecorder_RetriesFailedInsertBeforeCommit(t *testing.T) {
	src := newFakeSource(envelopeMsg(t, 1, "01A", model.OutcomeSuccess))
	sink := &fakeSink{failures: 2}

	w := NewRecorder(src, sink)
	w.BatchSize = 1
	w.RetryBackoff = 5 * time.Millisecond
	stop := runRecorder(t, w)
	defer stop()

	require.Eventually(t, func() bool { return src.committedCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, sink.snapshot(), 1)
	sink.mu.Lock()
	assert.Equal(t, 3, sink.calls)
	sink.mu.Unlock()
}

func TestRecorder_FinalFlushOnShutdown(t *testing.T) {
	src := newFakeSource(envelopeMsg(t, 1, "01A", model.OutcomeSuccess))
	sink := &fakeSink{}

	w := NewRecorder(src, sink)
	w.BatchSize = 100
	w.BatchWait = time.Hour
	stop := runRecorder(t, w)

	require.Eventually(t, func() bool { return len(src.ch) == 0 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	stop()

	assert.Len(t, sink.snapshot(), 1)
	assert.Equal(t, 1, src.committedCount())
}

func TestRecorder_RequiresSourceAndSink(t *testing.T) {
	assert.Error(t, (&Recorder{}).Run(context.Background()))
}

func TestDecodeEnvelope(t *testing.T) {
	_, err := decodeEnvelope([]byte(`{"id":"","event":{"outcome":"success"}}`))
	assert.ErrorIs(t, err, errBadEnvelope)

	_, err = decodeEnvelope([]byte(`{"id":"01A","event":{"outcome":"nope"}}`))
	assert.ErrorIs(t, err, errBadEnvelope)

	ev, err := decodeEnvelope([]byte(`{"id":"01A","event":{"outcome":"rate_limited"}}`))
	require.NoError(t, err)
	assert.Equal(t, "01A", ev.ID)
	assert.Equal(t, model.OutcomeRateLimited, ev.Outcome)
}
