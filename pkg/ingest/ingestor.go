// Package ingest consumes experiment.run.requested payloads from the
// broker, validates them, drives the idempotency gate, dispatches to the
// scheduler, and settles each record exactly once.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/benchrun/worker/pkg/config"
	"github.com/benchrun/worker/pkg/idempotency"
	"github.com/benchrun/worker/pkg/models"
)

// Processor handles one validated message. *scheduler.Scheduler satisfies it.
type Processor interface {
	Process(ctx context.Context, msg *models.Message) error
}

// Gate wraps message handling in the two-marker idempotency protocol.
// *idempotency.Gate satisfies it.
type Gate interface {
	Run(ctx context.Context, messageID string, payload []byte, fn func(context.Context) error) error
}

// disposition is how one record gets settled against the broker.
type disposition int

const (
	// dispositionAck: processed (or duplicate); commit the offset.
	dispositionAck disposition = iota
	// dispositionReject: fatal for this message. The offset is still
	// committed so the broker never redelivers (nack without requeue).
	dispositionReject
)

// Ingestor owns the consumer-group client and the poll loop.
type Ingestor struct {
	cfg       config.BrokerConfig
	gate      Gate
	processor Processor
	client    *kgo.Client
}

// New constructs an Ingestor and connects the consumer-group client.
func New(cfg config.BrokerConfig, gate Gate, processor Processor) (*Ingestor, error) {
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Ingestor{cfg: cfg, gate: gate, processor: processor, client: client}, nil
}

// Run polls until ctx is cancelled. Broker errors never kill the loop: the
// worker keeps running and reconnects with capped exponential backoff.
func (in *Ingestor) Run(ctx context.Context) error {
	backoff := in.cfg.ReconnectBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	currentBackoff := backoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetches := in.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			retry := false
			for _, fetchErr := range errs {
				if errors.Is(fetchErr.Err, context.Canceled) {
					return ctx.Err()
				}
				slog.Error("Broker fetch error",
					"topic", fetchErr.Topic,
					"partition", fetchErr.Partition,
					"error", fetchErr.Err)
				retry = true
			}
			if retry {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(currentBackoff):
				}
				currentBackoff = minDuration(currentBackoff*2, in.maxBackoff())
				continue
			}
		}
		currentBackoff = backoff

		fetches.EachRecord(func(record *kgo.Record) {
			in.handleRecord(ctx, record)
		})
	}
}

// Close leaves the consumer group and releases the client.
func (in *Ingestor) Close() {
	in.client.Close()
}

func (in *Ingestor) handleRecord(ctx context.Context, record *kgo.Record) {
	switch in.settle(ctx, record.Value) {
	case dispositionAck, dispositionReject:
		if err := in.client.CommitRecords(ctx, record); err != nil {
			slog.Error("Failed to commit record offset",
				"topic", record.Topic,
				"partition", record.Partition,
				"offset", record.Offset,
				"error", err)
		}
	}
}

// settle runs validation, the gate, and the processor for one payload and
// maps the outcome onto an ack/reject disposition.
func (in *Ingestor) settle(ctx context.Context, payload []byte) disposition {
	msg, err := ParseMessage(payload)
	if err != nil {
		slog.Error("Rejecting message", "error", err)
		return dispositionReject
	}

	logger := slog.With("message_id", msg.MessageID, "experiment_id", msg.Experiment.ID)
	logger.Info("Message received", "run_cases", len(msg.RunCases))

	err = in.gate.Run(ctx, msg.MessageID, payload, func(ctx context.Context) error {
		return in.processor.Process(ctx, msg)
	})
	if err != nil {
		var already *idempotency.ErrAlreadyProcessing
		if errors.As(err, &already) {
			logger.Info("Message already in flight elsewhere, acking duplicate delivery")
			return dispositionAck
		}
		logger.Error("Message processing exhausted retries, dropping", "error", err)
		return dispositionReject
	}

	logger.Info("Message processed")
	return dispositionAck
}

func (in *Ingestor) maxBackoff() time.Duration {
	if in.cfg.ReconnectBackoffMax <= 0 {
		return 30 * time.Second
	}
	return in.cfg.ReconnectBackoffMax
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
