// Package outbox delivers events written transactionally to the outbox table to Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/the-governor-hq/bodyPress-backend/internal/jobs"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

// Config tunes the polling loop and per-event retry policy.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	RetryDelay   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	return c
}

// Dispatcher drains the outbox table and delivers events to Kafka.
type Dispatcher struct {
	pool             *pgxpool.Pool
	producer         messageWriter
	cfg              Config
	logger           *zap.Logger
	shutdownComplete chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		pool:             pool,
		producer:         producer,
		cfg:              cfg.withDefaults(),
		logger:           logger.Named("outbox"),
		shutdownComplete: make(chan struct{}),
	}
}

// Start launches the polling loop. It should be called in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("outbox dispatch failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait waits until dispatcher stops.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

// processBatch locks a batch of due rows for the lifetime of one transaction, publishes them and
// records the outcome of each row before committing.
func (d *Dispatcher) processBatch(ctx context.Context) error {
	start := time.Now()

	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	messages, err := d.fetchDue(ctx, tx)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	failures := d.deliver(ctx, messages)

	published := make([]int64, 0, len(messages))
	for _, msg := range messages {
		cause, failed := failures[msg.EventID]
		if !failed {
			published = append(published, msg.EventID)
			continue
		}
		if err := d.scheduleRetry(ctx, tx, msg, cause); err != nil {
			return err
		}
	}
	if len(published) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE outbox SET published_at = NOW(), last_error = NULL WHERE event_id = ANY($1)`, published); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	deliveredCounter.Add(float64(len(published)))
	if len(failures) > 0 {
		failedCounter.Add(float64(len(failures)))
	}
	return nil
}

func (d *Dispatcher) fetchDue(ctx context.Context, tx pgx.Tx) ([]Message, error) {
	rows, err := tx.Query(ctx,
		`SELECT event_id, aggregate_type, aggregate_id, event_type, topic, partition_key, payload, attempts
           FROM outbox
          WHERE published_at IS NULL AND next_attempt_at <= NOW() AND attempts < $2
          ORDER BY event_id
          LIMIT $1
          FOR UPDATE SKIP LOCKED`, d.cfg.BatchSize, d.cfg.MaxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.EventID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Topic, &msg.PartitionKey, &msg.Payload, &msg.Attempts); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// deliver publishes messages grouped by topic and returns the failure for every event that was
// not written. A partial kafka.WriteErrors result fails only the affected events.
func (d *Dispatcher) deliver(ctx context.Context, messages []Message) map[int64]error {
	type topicBatch struct {
		ids      []int64
		messages []kafka.Message
	}

	batches := make(map[string]*topicBatch)
	order := make([]string, 0)
	for _, msg := range messages {
		batch, ok := batches[msg.Topic]
		if !ok {
			batch = &topicBatch{}
			batches[msg.Topic] = batch
			order = append(order, msg.Topic)
		}
		batch.ids = append(batch.ids, msg.EventID)
		batch.messages = append(batch.messages, msg.kafkaMessage())
	}

	failures := make(map[int64]error)
	for _, topic := range order {
		batch := batches[topic]
		err := d.producer.WriteMessages(ctx, topic, batch.messages...)
		if err == nil {
			continue
		}

		var writeErrs kafka.WriteErrors
		if errors.As(err, &writeErrs) && len(writeErrs) == len(batch.ids) {
			for i, werr := range writeErrs {
				if werr != nil {
					failures[batch.ids[i]] = werr
				}
			}
			continue
		}
		for _, id := range batch.ids {
			failures[id] = err
		}
	}
	return failures
}

func (d *Dispatcher) scheduleRetry(ctx context.Context, tx pgx.Tx, msg Message, cause error) error {
	attempt := msg.Attempts + 1
	delay := jobs.Backoff(attempt, d.cfg.RetryDelay)
	if _, err := tx.Exec(ctx,
		`UPDATE outbox
            SET attempts = $2, next_attempt_at = NOW() + make_interval(secs => $3), last_error = $4
          WHERE event_id = $1`,
		msg.EventID, attempt, delay.Seconds(), cause.Error(),
	); err != nil {
		return fmt.Errorf("schedule outbox retry for %d: %w", msg.EventID, err)
	}

	fields := []zap.Field{
		zap.Int64("event_id", msg.EventID),
		zap.String("event_type", msg.EventType),
		zap.String("topic", msg.Topic),
		zap.Int("attempt", attempt),
		zap.Error(cause),
	}
	if attempt >= d.cfg.MaxAttempts {
		exhaustedCounter.WithLabelValues(msg.Topic).Inc()
		d.logger.Error("outbox event exhausted delivery attempts", fields...)
		return nil
	}
	d.logger.Warn("outbox delivery failed, retry scheduled", append(fields, zap.Duration("delay", delay))...)
	return nil
}

// Message represents a row fetched from outbox.
type Message struct {
	EventID       int64
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	PartitionKey  string
	Payload       json.RawMessage
	Attempts      int
}

func (m Message) kafkaMessage() kafka.Message {
	return kafka.Message{
		Key:   []byte(m.PartitionKey),
		Value: []byte(m.Payload),
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(m.EventType)},
			{Key: "aggregate_type", Value: []byte(m.AggregateType)},
			{Key: "aggregate_id", Value: []byte(m.AggregateID)},
		},
	}
}
