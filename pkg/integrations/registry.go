// Package integrations invokes the external systems named by integration nodes.
package integrations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/protocol"
	"github.com/sony/gobreaker"
)

const defaultTimeout = 30 * time.Second

var (
	ErrUnknownKind    = errors.New("unknown integration kind")
	ErrUnknownHandler = errors.New("unknown custom integration handler")
	ErrInvalidConfig  = errors.New("invalid integration config")
	ErrNoNotifier     = errors.New("email integration requires a notifier")
)

// Handler runs a custom integration.
type Handler func(ctx context.Context, config map[string]any, instance protocol.InstanceContext) error

// BreakerSettings tunes the per-host circuit breakers of HTTP integrations.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// Registry implements protocol.Integrator. Configuration errors and 4xx responses
// are permanent, so callers retrying with backoff stop at once.
type Registry struct {
	client   *http.Client
	notifier protocol.Notifier
	logger   *slog.Logger
	breaker  BreakerSettings

	mu       sync.RWMutex
	handlers map[string]Handler
	breakers map[string]*gobreaker.CircuitBreaker
}

type Option func(*Registry)

func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) { r.client = client }
}

func WithBreakerSettings(settings BreakerSettings) Option {
	return func(r *Registry) { r.breaker = settings }
}

func WithHandler(name string, handler Handler) Option {
	return func(r *Registry) { r.handlers[name] = handler }
}

func NewRegistry(logger *slog.Logger, notifier protocol.Notifier, opts ...Option) *Registry {
	r := &Registry{
		client:   &http.Client{Timeout: defaultTimeout},
		notifier: notifier,
		logger:   logger.With("module", "integrations"),
		breaker:  BreakerSettings{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second},
		handlers: make(map[string]Handler),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register adds or replaces a custom handler.
func (r *Registry) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[name] = handler
}

func (r *Registry) Invoke(
	ctx context.Context,
	kind models.IntegrationKind,
	config map[string]any,
	instance protocol.InstanceContext,
) error {
	logger := r.logger.With("kind", kind, "instance_id", instance.InstanceID, "node_id", instance.NodeID)
	logger.DebugContext(ctx, "invoking integration")

	var err error

	switch kind {
	case models.IntegrationKindWebhook:
		err = r.invokeHTTP(ctx, http.MethodPost, config, instance)
	case models.IntegrationKindAPI:
		err = r.invokeHTTP(ctx, http.MethodGet, config, instance)
	case models.IntegrationKindEmail:
		err = r.invokeEmail(ctx, config, instance)
	case models.IntegrationKindCustom:
		err = r.invokeCustom(ctx, config, instance)
	default:
		err = backoff.Permanent(fmt.Errorf("%w: %s", ErrUnknownKind, kind))
	}

	if err != nil {
		logger.WarnContext(ctx, "integration failed", "error", err)
	}

	return err
}

func (r *Registry) invokeCustom(ctx context.Context, config map[string]any, instance protocol.InstanceContext) error {
	name, _ := config["handler"].(string)

	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		return backoff.Permanent(fmt.Errorf("%w: %q", ErrUnknownHandler, name))
	}

	return handler(ctx, maps.Clone(config), instance)
}

func (r *Registry) breakerFor(host string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[host]
	r.mu.RUnlock()

	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok = r.breakers[host]; ok {
		return cb
	}

	threshold := r.breaker.ConsecutiveFailures
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     r.breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var permanent *backoff.PermanentError

			return err == nil || errors.As(err, &permanent)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Info("integration circuit breaker changed state", "host", name, "from", from.String(), "to", to.String())
		},
	})
	r.breakers[host] = cb

	return cb
}
