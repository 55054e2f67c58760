package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/identity-service/internal/domain"
	"github.com/aelexs/identity-service/internal/observability"
)

// RateRule is the limit for one operation class: at most Limit admissions
// per Window per key.
type RateRule struct {
	Limit  int64
	Window time.Duration
}

// Decision is the outcome of RateGate.Admit.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	return domain.NewRetryAfterError(domain.ErrRateLimited, d.RetryAfter).Seconds()
}

// RateGateConfig holds the dependencies for RateGate.
type RateGateConfig struct {
	Counter RateCounter
	Rules   map[domain.OperationClass]RateRule
	Logger  *slog.Logger
}

// RateGate is a fixed-window admission filter keyed by (operation class, key).
// Counters live in the shared store so limits hold across instances. It is
// fail-closed: a counter error denies the request.
type RateGate struct {
	counter RateCounter
	rules   map[domain.OperationClass]RateRule
	logger  *slog.Logger
}

// NewRateGate creates a RateGate. Every rule must have a positive limit and window.
func NewRateGate(cfg RateGateConfig) (*RateGate, error) {
	rules := make(map[domain.OperationClass]RateRule, len(cfg.Rules))
	for class, rule := range cfg.Rules {
		if !domain.IsValidOperationClass(class) {
			return nil, fmt.Errorf("rate gate: unknown class %q: %w", class, domain.ErrInvalidInput)
		}
		if rule.Limit <= 0 || rule.Window <= 0 {
			return nil, fmt.Errorf("rate gate: class %q needs positive limit and window: %w", class, domain.ErrInvalidInput)
		}
		rules[class] = rule
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RateGate{counter: cfg.Counter, rules: rules, logger: logger}, nil
}

// Admit counts one attempt for (class, key) and reports whether it fits the
// class rule. Classes without a rule are always admitted.
func (g *RateGate) Admit(ctx context.Context, class domain.OperationClass, key string) (Decision, error) {
	rule, ok := g.rules[class]
	if !ok {
		return Decision{Allowed: true}, nil
	}

	ctx, span := tracer.Start(ctx, "rate_gate.admit")
	defer span.End()
	span.SetAttributes(attribute.String("rate.class", string(class)))

	count, ttl, err := g.counter.Hit(ctx, RateKey(class, key), rule.Window)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, fmt.Errorf("rate gate %s: %w: %w", class, domain.ErrUnavailable, err)
	}

	if count <= rule.Limit {
		return Decision{Allowed: true}, nil
	}

	if ttl <= 0 {
		ttl = rule.Window
	}
	rateGateDeniedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("class", string(class))))
	observability.WithTraceID(ctx, g.logger).InfoContext(ctx, "rate_gate.denied",
		"class", class, "count", count, "limit", rule.Limit, "retry_after", ttl)
	return Decision{Allowed: false, RetryAfter: ttl}, nil
}

// Enforce is Admit for callers that only need an error: a denial becomes a
// *domain.RetryAfterError wrapping domain.ErrRateLimited.
func (g *RateGate) Enforce(ctx context.Context, class domain.OperationClass, key string) error {
	d, err := g.Admit(ctx, class, key)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return domain.NewRetryAfterError(domain.ErrRateLimited, d.RetryAfter)
	}
	return nil
}

// Rule returns the configured rule for class.
func (g *RateGate) Rule(class domain.OperationClass) (RateRule, bool) {
	r, ok := g.rules[class]
	return r, ok
}
