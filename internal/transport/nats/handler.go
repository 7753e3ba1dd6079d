package nats

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/cmtehenz/otsem-api-sub000/internal/model"
)

// ReconcileRunner triggers a single reconciliation pass. The run is guarded by
// a distributed lock, so concurrent commands collapse into one run.
type ReconcileRunner interface {
	RunOnce(ctx context.Context)
}

// Handler subscribes to NATS command topics and delegates to the reconciler.
type Handler struct {
	reconciler ReconcileRunner
	nc         *nats.Conn
	subs       []*nats.Subscription
}

func NewHandler(reconciler ReconcileRunner, nc *nats.Conn) *Handler {
	return &Handler{reconciler: reconciler, nc: nc}
}

// Start subscribes to command topics and blocks until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	sub, err := h.nc.QueueSubscribe(model.SubjectReconcile, "conversion_group", func(m *nats.Msg) {
		slog.Info("nats: reconcile command received")
		h.reconciler.RunOnce(ctx)
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, sub)

	slog.Info("NATS command handler is running")

	<-ctx.Done()
	slog.Info("NATS command handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}
