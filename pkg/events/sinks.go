package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm-pay/pkg/archive"
	"github.com/Mindburn-Labs/helm-pay/pkg/payment"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Deliver(ctx context.Context, r Record) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	e, err := Decode(r)
	if err != nil {
		return err
	}
	l.InfoContext(ctx, "transaction event",
		"event_id", e.ID,
		"topic", r.Topic,
		"transaction_id", e.TransactionID,
		"from", e.PreviousState,
		"to", e.NewState,
		"reason", e.Reason,
	)
	return nil
}

// RedisSink publishes each event payload on "<prefix><topic>".
type RedisSink struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSink creates a sink publishing on channels under prefix.
func NewRedisSink(client redis.UniversalClient, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "helm-pay:"
	}
	return &RedisSink{client: client, prefix: prefix}
}

func (*RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, r Record) error {
	if err := s.client.Publish(ctx, s.prefix+r.Topic, r.Payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// ArchiveSink stores terminal transitions in the audit archive.
type ArchiveSink struct {
	store  archive.Store
	logger *slog.Logger
}

func NewArchiveSink(store archive.Store) *ArchiveSink {
	return &ArchiveSink{store: store, logger: slog.Default().With("component", "archive_sink")}
}

func (*ArchiveSink) Name() string { return "archive" }

type archivedEvent struct {
	Topic string        `json:"topic"`
	Event payment.Event `json:"event"`
}

func (s *ArchiveSink) Deliver(ctx context.Context, r Record) error {
	e, err := Decode(r)
	if err != nil {
		return err
	}
	if !e.NewState.IsTerminal() {
		return nil
	}
	data, err := json.Marshal(archivedEvent{Topic: r.Topic, Event: e})
	if err != nil {
		return err
	}
	hash, err := s.store.Put(ctx, data, archive.Labels{
		archive.LabelTransactionID: e.TransactionID,
		archive.LabelBusinessID:    e.BusinessID,
		archive.LabelState:         string(e.NewState),
	})
	if err != nil {
		return fmt.Errorf("archive put: %w", err)
	}
	s.logger.DebugContext(ctx, "transaction outcome archived",
		"transaction_id", e.TransactionID, "state", e.NewState, "hash", hash)
	return nil
}
