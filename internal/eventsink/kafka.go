// Package eventsink mirrors committed run events to Kafka for downstream
// consumers. The mirror is best effort: the event log stays the source of
// truth and consumers that need every event should read it back by seq.
package eventsink

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/flitsinc/brons/internal/errs"
	"github.com/flitsinc/brons/internal/eventlog"
)

const (
	defaultBatchSize     = 50
	defaultFlushInterval = 500 * time.Millisecond
	closeFlushTimeout    = 5 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
}

type Sink struct {
	log           *eventlog.Log
	writer        messageWriter
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration
}

// NewKafka writes to cfg.Topic, keyed by run id so one run's events stay
// on one partition in order.
func NewKafka(cfg Config, log *eventlog.Log, logger *slog.Logger) (*Sink, error) {
	var brokers []string
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 || strings.TrimSpace(cfg.Topic) == "" {
		return nil, errs.Validation("kafka brokers and topic are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newSink(w, log, logger), nil
}

func newSink(w messageWriter, log *eventlog.Log, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		log:           log,
		writer:        w,
		logger:        logger,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
	}
}

// Run forwards events until ctx is done, then flushes what is buffered.
func (s *Sink) Run(ctx context.Context) error {
	events := s.log.Subscribe(ctx, "")
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	var batch []kafka.Message
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := s.writer.WriteMessages(ctx, batch...); err != nil {
			s.logger.Warn("mirror events", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeFlushTimeout)
				flush(flushCtx)
				cancel()
				return nil
			}
			msg, err := toMessage(evt)
			if err != nil {
				s.logger.Warn("encode event", "run_id", evt.RunID, "seq", evt.Seq, "error", err)
				continue
			}
			batch = append(batch, msg)
			if len(batch) >= s.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (s *Sink) Close() error {
	return s.writer.Close()
}

func toMessage(evt eventlog.Event) (kafka.Message, error) {
	value, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(evt.RunID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(evt.Type)},
			{Key: "seq", Value: []byte(strconv.FormatInt(evt.Seq, 10))},
		},
		Time: evt.CreatedAt,
	}, nil
}
