package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cmtehenz/otsem-api-sub000/internal/metrics"
	"github.com/cmtehenz/otsem-api-sub000/internal/model"
	"github.com/cmtehenz/otsem-api-sub000/internal/rail"
	"github.com/cmtehenz/otsem-api-sub000/internal/service"
)

const (
	// lockKey guards against overlapping runs across all instances. The TTL
	// caps how long a crashed run can hold the lock; a live run re-arms it,
	// so a pass that outlives one TTL (fill polling can take minutes) still
	// holds the lock to the end.
	lockKey = "reconciler:lock"
	lockTTL = 5 * time.Minute

	// orphanWindow bounds how far back the orphan scan looks; orphanDedupTTL
	// keeps an already-alerted deposit from re-alerting every tick.
	orphanWindow   = 24 * time.Hour
	orphanDedupTTL = 24 * time.Hour
)

// runLock is the single-flight guard for reconciliation passes.
type runLock interface {
	Acquire(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

type redisLock struct {
	rdb *redis.Client
}

func (l *redisLock) Acquire(ctx context.Context) (bool, error) {
	return l.rdb.SetNX(ctx, lockKey, "1", lockTTL).Result()
}

func (l *redisLock) Refresh(ctx context.Context) error {
	return l.rdb.Expire(ctx, lockKey, lockTTL).Err()
}

func (l *redisLock) Release(ctx context.Context) error {
	return l.rdb.Del(ctx, lockKey).Err()
}

// Reconciler periodically advances in-flight sell conversions and scans the
// exchange deposit history for orphans. One run at a time: a tick that finds
// the lock taken is a no-op, never queued.
type Reconciler struct {
	sell        *service.SellOrchestrator
	conversions service.ConversionStore
	exchange    rail.ExchangeClient
	rdb         *redis.Client
	bus         service.MessageBus
	interval    time.Duration

	lock         runLock
	refreshEvery time.Duration
}

func NewReconciler(sell *service.SellOrchestrator, conversions service.ConversionStore, exchange rail.ExchangeClient, rdb *redis.Client, bus service.MessageBus, interval time.Duration) *Reconciler {
	return &Reconciler{
		sell:         sell,
		conversions:  conversions,
		exchange:     exchange,
		rdb:          rdb,
		bus:          bus,
		interval:     interval,
		lock:         &redisLock{rdb: rdb},
		refreshEvery: lockTTL / 3,
	}
}

// Start runs the tick loop until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	slog.Info("reconciler is running", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler received shutdown signal")
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// Stop implements the infrastructure.Server interface (shutdown is via ctx).
func (r *Reconciler) Stop(ctx context.Context) error {
	return nil
}

// RunOnce executes a single reconciliation pass if no other run is in flight.
// The lock is released on every exit path; a crash is covered by the TTL.
func (r *Reconciler) RunOnce(ctx context.Context) {
	acquired, err := r.lock.Acquire(ctx)
	if err != nil {
		slog.Error("reconciler: lock acquisition failed", "error", err)
		return
	}
	if !acquired {
		metrics.ReconcilerRunsTotal.WithLabelValues("skipped").Inc()
		slog.Debug("reconciler: run already in flight, skipping")
		return
	}
	defer func() {
		if err := r.lock.Release(ctx); err != nil {
			slog.Error("reconciler: lock release failed", "error", err)
		}
	}()

	// Keep the lock alive while the pass runs, otherwise a slow pass and the
	// next tick could overlap once the TTL expires.
	done := make(chan struct{})
	defer close(done)
	go r.keepLockAlive(ctx, done)

	metrics.ReconcilerRunsTotal.WithLabelValues("run").Inc()
	r.advanceConversions(ctx)
	r.scanOrphans(ctx)
}

func (r *Reconciler) keepLockAlive(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(r.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.lock.Refresh(ctx); err != nil {
				slog.Error("reconciler: lock refresh failed", "error", err)
			}
		}
	}
}

// advanceConversions walks every active sell and pushes it as far as it will
// go this tick. A failure in one conversion never blocks the others.
func (r *Reconciler) advanceConversions(ctx context.Context) {
	convs, err := r.conversions.ListActiveSells(ctx)
	if err != nil {
		slog.Error("reconciler: failed to list active sells", "error", err)
		return
	}

	for _, conv := range convs {
		for !conv.Status.Terminal() {
			before := conv.Status
			if err := r.sell.Advance(ctx, conv); err != nil {
				slog.Error("reconciler: advance failed",
					"conversion_id", conv.ID, "status", conv.Status, "error", err)
				break
			}
			if conv.Status == before {
				break // no progress this tick, wait for the next one
			}
		}
	}
}

// scanOrphans flags completed deposits in the recent window that no
// conversion has claimed and no active conversion matches. Orphans are never
// auto-credited; they go to the operator via the alert subject.
func (r *Reconciler) scanOrphans(ctx context.Context) {
	deposits, err := r.exchange.GetDepositHistory(ctx, rail.CurrencyUSDT)
	if err != nil {
		slog.Error("reconciler: deposit history failed", "error", err)
		return
	}
	active, err := r.conversions.ListActiveSells(ctx)
	if err != nil {
		slog.Error("reconciler: failed to list active sells", "error", err)
		return
	}

	cutoff := time.Now().Add(-orphanWindow)
	for _, dep := range deposits {
		if dep.State != rail.DepositStateCompleted || dep.Timestamp.Before(cutoff) {
			continue
		}

		linked, err := r.conversions.DepositLinked(ctx, dep.DepositID)
		if err != nil {
			slog.Error("reconciler: deposit lookup failed", "deposit_id", dep.DepositID, "error", err)
			continue
		}
		if linked || r.matchesActive(dep, active) {
			continue
		}

		// Alert once per deposit per window.
		fresh, err := r.rdb.SetNX(ctx, "orphan:"+dep.DepositID, "1", orphanDedupTTL).Result()
		if err != nil || !fresh {
			continue
		}

		metrics.OrphanDepositsTotal.Inc()
		r.alertOrphan(dep)
		slog.Warn("reconciler: orphan deposit",
			"deposit_id", dep.DepositID, "amount", dep.Amount,
			"chain", dep.Chain, "tx_hash", dep.TxHash)
	}
}

func (r *Reconciler) matchesActive(dep rail.Deposit, active []*model.Conversion) bool {
	for _, conv := range active {
		if m, _ := service.MatchDeposit(conv, []rail.Deposit{dep}); m != nil {
			return true
		}
	}
	return false
}

func (r *Reconciler) alertOrphan(dep rail.Deposit) {
	event := model.AlertEvent{
		Kind:    model.AlertOrphanDeposit,
		Message: "exchange deposit has no matching conversion; manual reconciliation required",
		Details: map[string]string{
			"deposit_id": dep.DepositID,
			"amount":     dep.Amount.String(),
			"chain":      dep.Chain,
			"tx_hash":    dep.TxHash,
		},
		OccurredAt: time.Now().UTC(),
	}
	data, _ := json.Marshal(event)
	if err := r.bus.Publish(model.SubjectAlerts, data); err != nil {
		slog.Error("reconciler: failed to publish orphan alert", "deposit_id", dep.DepositID, "error", err)
	}
}
