// Package events delivers transaction lifecycle events at least once: the
// orchestrator writes them to an outbox and a relay drains the outbox into
// sinks, retrying failed deliveries with backoff.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/payment"
)

// Record is one outbox row.
type Record struct {
	ID            string
	Topic         string
	Payload       []byte
	CreatedAt     time.Time
	NextAttemptAt time.Time
	Attempts      int
	LastError     string
}

// Outbox stores events until every sink has accepted them.
type Outbox interface {
	// Enqueue is idempotent on Record.ID.
	Enqueue(ctx context.Context, r Record) error
	// Pending returns undelivered records due at now, oldest first.
	Pending(ctx context.Context, now time.Time, limit int) ([]Record, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	// MarkFailed records a failed attempt and when to try next.
	MarkFailed(ctx context.Context, id, lastErr string, next time.Time) error
	// MarkDead parks a record that exhausted its attempts.
	MarkDead(ctx context.Context, id, lastErr string, at time.Time) error
}

// TopicFor names the topic of a transaction event, e.g. "transaction.settled".
func TopicFor(e payment.Event) string {
	return "transaction." + string(e.NewState)
}

// Decode parses a record payload back into a transaction event.
func Decode(r Record) (payment.Event, error) {
	var e payment.Event
	if err := json.Unmarshal(r.Payload, &e); err != nil {
		return payment.Event{}, fmt.Errorf("corrupt event payload in outbox record %s: %w", r.ID, err)
	}
	return e, nil
}

// OutboxDispatcher is the payment.Dispatcher that writes to an outbox.
type OutboxDispatcher struct {
	Outbox Outbox
}

var _ payment.Dispatcher = OutboxDispatcher{}

func (d OutboxDispatcher) Dispatch(ctx context.Context, e payment.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return d.Outbox.Enqueue(ctx, Record{
		ID:            e.ID,
		Topic:         TopicFor(e),
		Payload:       payload,
		CreatedAt:     e.Timestamp,
		NextAttemptAt: e.Timestamp,
	})
}

type memoryRecord struct {
	Record
	delivered bool
	dead      bool
}

// MemoryOutbox is an in-process Outbox for tests and memory mode.
type MemoryOutbox struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{records: make(map[string]*memoryRecord)}
}

func (o *MemoryOutbox) Enqueue(ctx context.Context, r Record) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.records[r.ID]; ok {
		return nil
	}
	o.records[r.ID] = &memoryRecord{Record: r}
	return nil
}

func (o *MemoryOutbox) Pending(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Record
	for _, r := range o.records {
		if !r.delivered && !r.dead && !r.NextAttemptAt.After(now) {
			out = append(out, r.Record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *MemoryOutbox) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return o.update(id, func(r *memoryRecord) { r.delivered = true })
}

func (o *MemoryOutbox) MarkFailed(ctx context.Context, id, lastErr string, next time.Time) error {
	return o.update(id, func(r *memoryRecord) {
		r.Attempts++
		r.LastError = lastErr
		r.NextAttemptAt = next
	})
}

func (o *MemoryOutbox) MarkDead(ctx context.Context, id, lastErr string, at time.Time) error {
	return o.update(id, func(r *memoryRecord) {
		r.Attempts++
		r.LastError = lastErr
		r.dead = true
	})
}

func (o *MemoryOutbox) update(id string, fn func(*memoryRecord)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.records[id]
	if !ok {
		return fmt.Errorf("outbox record %s not found", id)
	}
	fn(r)
	return nil
}

// Len reports records not yet delivered or parked.
func (o *MemoryOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, r := range o.records {
		if !r.delivered && !r.dead {
			n++
		}
	}
	return n
}
