package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Prometheus metrics for gate activity.
var (
	gateInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "importer_gate_in_flight",
		Help: "Number of requests currently holding an admission slot",
	})

	gateDispatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "importer_gate_dispatches_total",
		Help: "Total number of requests dispatched through the admission gate",
	})

	gateRedispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "importer_gate_redispatches_total",
		Help: "Total number of one-shot redispatches after a network failure by outcome",
	}, []string{"outcome"})
)

// Config holds gate configuration.
type Config struct {
	// MaxInFlight is the maximum number of concurrent calls.
	MaxInFlight int

	// MinInterval is the minimum spacing between two dispatches.
	// Zero or negative disables spacing.
	MinInterval time.Duration

	// RedispatchDelay is the wait before retrying a failed dispatch once.
	RedispatchDelay time.Duration
}

// DefaultConfig returns the default gate configuration.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:     DefaultMaxInFlight,
		MinInterval:     DefaultMinInterval,
		RedispatchDelay: DefaultRedispatchDelay,
	}
}

// Gate is a process-wide admission control object. Every component that
// issues requests for one import run holds a reference to the same Gate.
type Gate struct {
	slots      *semaphore.Weighted
	spacing    *rate.Limiter
	maxSlots   int
	retryDelay time.Duration
	logger     zerolog.Logger

	inFlight     atomic.Int64
	dispatched   atomic.Int64
	redispatched atomic.Int64
	failed       atomic.Int64
}

// NewGate creates a gate. Non-positive MaxInFlight falls back to the default.
func NewGate(cfg Config, logger zerolog.Logger) *Gate {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.RedispatchDelay <= 0 {
		cfg.RedispatchDelay = DefaultRedispatchDelay
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	return &Gate{
		slots:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		spacing:    rate.NewLimiter(limit, 1),
		maxSlots:   cfg.MaxInFlight,
		retryDelay: cfg.RedispatchDelay,
		logger:     logger,
	}
}

// Do runs fn under an admission slot. If fn fails it is run once more after
// the redispatch delay; a second failure is returned unchanged. The slot is
// released when Do returns, whatever the outcome.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire admission slot: %w", err)
	}
	g.inFlight.Add(1)
	gateInFlight.Inc()
	defer func() {
		g.inFlight.Add(-1)
		gateInFlight.Dec()
		g.slots.Release(1)
	}()

	err := g.dispatch(ctx, fn)
	if err == nil || ctx.Err() != nil {
		return err
	}

	g.logger.Warn().
		Err(err).
		Dur("retry_in", g.retryDelay).
		Msg("Dispatch failed, retrying once")

	select {
	case <-ctx.Done():
		return fmt.Errorf("redispatch: %w", ctx.Err())
	case <-time.After(g.retryDelay):
	}

	g.redispatched.Add(1)
	if err := g.dispatch(ctx, fn); err != nil {
		g.failed.Add(1)
		gateRedispatchesTotal.WithLabelValues("failed").Inc()
		return err
	}
	gateRedispatchesTotal.WithLabelValues("recovered").Inc()
	return nil
}

func (g *Gate) dispatch(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.spacing.Wait(ctx); err != nil {
		return fmt.Errorf("wait for dispatch window: %w", err)
	}
	g.dispatched.Add(1)
	gateDispatchesTotal.Inc()

	st := g.State()
	g.logger.Debug().
		Int64("in_flight", st.InFlight).
		Float64("utilization", st.Utilization()).
		Bool("saturated", st.Saturated()).
		Msg("Dispatching request")
	return fn(ctx)
}

// State returns a snapshot of gate activity.
func (g *Gate) State() GateState {
	return GateState{
		MaxInFlight:  g.maxSlots,
		InFlight:     g.inFlight.Load(),
		Dispatched:   g.dispatched.Load(),
		Redispatched: g.redispatched.Load(),
		Failed:       g.failed.Load(),
		TakenAt:      time.Now(),
	}
}
