package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/config"
	"github.com/Mindburn-Labs/helm-pay/pkg/payment"
)

func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.DebugContext(ctx, "worker started", "worker", name)
		fn(ctx)
		slog.DebugContext(ctx, "worker stopped", "worker", name)
	}()
}

type sweeper interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

type reconciler interface {
	Reconcile(ctx context.Context, limit int) (int, error)
}

// runSweeper expires overdue mandates and reconciles stuck transactions
// every interval. Lazy expiry already guards every read, so a failed sweep
// is only logged.
func runSweeper(ctx context.Context, s sweeper, r reconciler, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sweepOnce(ctx, s, batch)
		reconcileOnce(ctx, r, batch)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweepOnce drains every due batch.
func sweepOnce(ctx context.Context, s sweeper, batch int) int {
	total := 0
	for {
		n, err := s.SweepExpired(ctx, batch)
		total += n
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.ErrorContext(ctx, "mandate sweep failed", "error", err)
			}
			return total
		}
		if n < batch {
			return total
		}
	}
}

// reconcileOnce runs reconciliation until a batch comes back short.
func reconcileOnce(ctx context.Context, r reconciler, batch int) int {
	total := 0
	for {
		n, err := r.Reconcile(ctx, batch)
		total += n
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.ErrorContext(ctx, "transaction reconciliation failed", "error", err)
			}
			return total
		}
		if n < batch {
			return total
		}
	}
}

type cleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

func runIdempotencyCleanup(ctx context.Context, c cleaner, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.Cleanup(ctx); err != nil {
				slog.WarnContext(ctx, "idempotency cleanup failed", "error", err)
			} else if n > 0 {
				slog.DebugContext(ctx, "idempotency keys expired", "count", n)
			}
		}
	}
}

func runSweepCmd(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	setupLogging(cfg, stderr)
	ctx := context.Background()
	svc, err := openServices(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "sweep: %v\n", err)
		return 1
	}
	defer func() { _ = svc.Close() }()

	n := sweepOnce(ctx, svc.authority, cfg.SweepBatch)
	orch := payment.NewOrchestrator(svc.authority, svc.validator, svc.store, nil).
		WithProcessorTimeout(cfg.ProcessorTimeout)
	r := reconcileOnce(ctx, orch, cfg.SweepBatch)
	_, _ = fmt.Fprintf(stdout, "expired %d mandates, reconciled %d transactions\n", n, r)
	return 0
}
