package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/brojonat/beanroast/service/metrics"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Gateway bounds calls to an external provider: at most maxConcurrent calls
// in flight and at least minInterval between successive dispatches.
// Dispatch follows submission order. A Gateway never retries.
//
// Each provider gets its own Gateway; share one by passing the same handle.
type Gateway struct {
	name    string
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	metrics *metrics.Metrics
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics reports wait times and in-flight counts to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// New creates a gateway. A non-positive minInterval disables spacing and a
// non-positive maxConcurrent disables the in-flight cap.
func New(name string, minInterval time.Duration, maxConcurrent int, opts ...Option) *Gateway {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	g := &Gateway{
		name:    name,
		limiter: rate.NewLimiter(limit, 1),
	}
	if maxConcurrent > 0 {
		g.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Unlimited returns a gateway that dispatches immediately. Used in tests.
func Unlimited(name string) *Gateway {
	return New(name, 0, 0)
}

// Name returns the gateway name used in metrics and errors.
func (g *Gateway) Name() string {
	return g.name
}

// Do waits for a dispatch slot and runs fn. The error from fn is returned unchanged.
func (g *Gateway) Do(ctx context.Context, fn func(context.Context) error) error {
	start := time.Now()
	if g.sem != nil {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("%s gateway: acquire slot: %w", g.name, err)
		}
		defer g.sem.Release(1)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s gateway: wait for dispatch: %w", g.name, err)
	}
	g.metrics.RecordGatewayWait(g.name, time.Since(start))

	g.metrics.RecordGatewayInFlight(g.name, 1)
	defer g.metrics.RecordGatewayInFlight(g.name, -1)
	return fn(ctx)
}
