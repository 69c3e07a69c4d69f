// Package notify delivers keeper alerts to operator chat channels. Alerts are
// filtered by event name and throttled per event so a failing position that is
// retried every scan does not flood the channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Keeper event names.
const (
	EventLiquidationExecuted = "liquidation_executed"
	EventLiquidationFailed   = "liquidation_failed"
	EventFundingUpdated      = "funding_updated"
	EventFundingUnauthorized = "funding_unauthorized"
	EventError               = "error"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to every Sender.
type Notifier struct {
	senders []Sender
	allowed map[string]bool
	prefix  string
	logger  *slog.Logger

	every time.Duration
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option customises a Notifier.
type Option func(*Notifier)

// WithPrefix tags every title, typically with the chain or instance name.
func WithPrefix(p string) Option { return func(n *Notifier) { n.prefix = p } }

// WithThrottle allows burst alerts per event, refilled one per every.
func WithThrottle(every time.Duration, burst int) Option {
	return func(n *Notifier) {
		n.every = every
		n.burst = burst
	}
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger, opts ...Option) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	n := &Notifier{
		senders:  senders,
		allowed:  allowed,
		logger:   logger.With(slog.String("component", "notifier")),
		every:    time.Minute,
		burst:    5,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return n != nil && len(n.senders) > 0 }

// Notify delivers an alert for event unless it is filtered or throttled.
// Sender failures are joined into the returned error; every sender is tried.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.allowed) > 0 && !n.allowed[event] {
		return nil
	}
	if !n.limiter(event).Allow() {
		n.logger.Debug("notification throttled", slog.String("event", event))
		return nil
	}
	if n.prefix != "" {
		title = fmt.Sprintf("[%s] %s", n.prefix, title)
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.Warn("notification failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) limiter(event string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[event]
	if !ok {
		l = rate.NewLimiter(rate.Every(n.every), n.burst)
		n.limiters[event] = l
	}
	return l
}
