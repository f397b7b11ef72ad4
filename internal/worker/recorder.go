package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmehdipour/newsletter-gateway/internal/kafka"
	"github.com/jmehdipour/newsletter-gateway/internal/logger"
	"github.com/jmehdipour/newsletter-gateway/internal/metrics"
	"github.com/jmehdipour/newsletter-gateway/internal/model"
	"go.uber.org/zap"
)

// Source is where envelopes come from. *kafka.Consumer implements it.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// Sink stores a batch of events. repository.CHEventsRepository implements it.
type Sink interface {
	InsertBatch(ctx context.Context, events []model.SubscriptionEvent) error
}

// Recorder projects subscription events from Kafka into the reporting store:
// - fetches envelopes,
// - batches them by size or time,
// - inserts each batch, then commits its offsets (at-least-once; the
//   store deduplicates on event id).
type Recorder struct {
	Source Source
	Sink   Sink

	BatchSize    int
	BatchWait    time.Duration
	RetryBackoff time.Duration
	FlushTimeout time.Duration // final flush after shutdown
}

func NewRecorder(src Source, sink Sink) *Recorder {
	return &Recorder{
		Source:       src,
		Sink:         sink,
		BatchSize:    500,
		BatchWait:    2 * time.Second,
		RetryBackoff: time.Second,
		FlushTimeout: 10 * time.Second,
	}
}

// Run blocks until ctx is cancelled, then flushes what it holds.
func (w *Recorder) Run(ctx context.Context) error {
	if w.Source == nil || w.Sink == nil {
		return errors.New("recorder: source and sink are required")
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 500
	}
	if w.BatchWait <= 0 {
		w.BatchWait = 2 * time.Second
	}
	if w.RetryBackoff <= 0 {
		w.RetryBackoff = time.Second
	}
	if w.FlushTimeout <= 0 {
		w.FlushTimeout = 10 * time.Second
	}

	msgCh := make(chan kafka.Message, w.BatchSize)
	go w.fetch(ctx, msgCh)

	b := &batch{}
	tick := time.NewTicker(w.BatchWait)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finalFlush(ctx, b)
			return nil

		case m, ok := <-msgCh:
			if !ok {
				w.finalFlush(ctx, b)
				return nil
			}
			b.add(m)
			if len(b.events) >= w.BatchSize {
				w.flushUntilDone(ctx, b)
			}

		case <-tick.C:
			w.flushUntilDone(ctx, b)
		}
	}
}

func (w *Recorder) fetch(ctx context.Context, out chan<- kafka.Message) {
	defer close(out)
	for {
		m, err := w.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Log.Warn("recorder: fetch", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		select {
		case out <- m:
		case <-ctx.Done():
			return
		}
	}
}

// flushUntilDone retries a failed insert with backoff. While it retries the
// fetch channel fills up and the fetcher blocks, so memory stays bounded.
func (w *Recorder) flushUntilDone(ctx context.Context, b *batch) {
	for {
		err := w.flush(ctx, b)
		if err == nil {
			return
		}
		logger.Log.Error("recorder: flush failed",
			zap.Int("events", len(b.events)),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.RetryBackoff):
		}
	}
}

func (w *Recorder) finalFlush(ctx context.Context, b *batch) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.FlushTimeout)
	defer cancel()
	if err := w.flush(fctx, b); err != nil {
		logger.Log.Error("recorder: final flush failed, offsets left uncommitted",
			zap.Int("events", len(b.events)),
			zap.Error(err),
		)
	}
}

func (w *Recorder) flush(ctx context.Context, b *batch) error {
	if len(b.msgs) == 0 {
		return nil
	}
	if len(b.events) > 0 {
		if err := w.Sink.InsertBatch(ctx, b.events); err != nil {
			return err
		}
		metrics.EventsTotal.WithLabelValues("projected").Add(float64(len(b.events)))
	}
	if err := w.Source.Commit(ctx, b.msgs...); err != nil {
		// rows are in; redelivery is absorbed by the store
		logger.Log.Warn("recorder: commit", zap.Error(err))
	}
	logger.Log.Info("recorder: flushed",
		zap.Int("events", len(b.events)),
		zap.Int("dropped", b.dropped),
	)
	b.reset()
	return nil
}

type batch struct {
	msgs    []kafka.Message
	events  []model.SubscriptionEvent
	dropped int
}

// add keeps every message for the commit, but only well-formed envelopes
// become events. Poison messages are skipped so they cannot stall the topic.
func (b *batch) add(m kafka.Message) {
	b.msgs = append(b.msgs, m)

	ev, err := decodeEnvelope(m.Value)
	if err != nil {
		b.dropped++
		metrics.EventsTotal.WithLabelValues("dropped").Inc()
		logger.Log.Warn("recorder: skip message",
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Error(err),
		)
		return
	}
	b.events = append(b.events, ev)
}

func (b *batch) reset() {
	b.msgs = b.msgs[:0]
	b.events = b.events[:0]
	b.dropped = 0
}

var errBadEnvelope = errors.New("envelope missing id or outcome")

func decodeEnvelope(raw []byte) (model.SubscriptionEvent, error) {
	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.SubscriptionEvent{}, err
	}
	if env.ID == "" || !env.Event.Outcome.Valid() {
		return model.SubscriptionEvent{}, errBadEnvelope
	}
	ev := env.Event
	ev.ID = env.ID
	return ev, nil
}
