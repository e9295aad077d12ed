package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"mtf-engine/internal/metrics"
)

// TokenSource supplies the current access token for one user-broker
// pairing. The session manager is the production implementation; it fails
// with TOKEN_EXPIRED rather than hand out a stale token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource backed by a fixed string, used by tests and
// the mock adapter.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// restAdapter is the shared transport core every concrete REST adapter
// embeds: a resty client with retry on 5xx, per-horizon rate limits, a
// bounded concurrent-call semaphore, and a circuit breaker. A tripped
// breaker or a stale feed flips the adapter into READ-ONLY mode.
type restAdapter struct {
	name    string
	http    *resty.Client
	limits  *Limits
	permits *semaphore.Weighted
	breaker *gobreaker.CircuitBreaker
	tokens  TokenSource
	logger  *slog.Logger

	feedStale atomic.Bool
}

func newRESTAdapter(name, baseURL string, limits *Limits, permits int64, tokens TokenSource, logger *slog.Logger) *restAdapter {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &restAdapter{
		name:    name,
		http:    httpClient,
		limits:  limits,
		permits: semaphore.NewWeighted(permits),
		breaker: breaker,
		tokens:  tokens,
		logger:  logger,
	}
}

// SetFeedStale marks the adapter's data feed health. A stale feed puts the
// adapter in READ-ONLY mode without touching in-flight reconciliation.
func (a *restAdapter) SetFeedStale(stale bool) {
	a.feedStale.Store(stale)
}

// CanPlaceOrders reports whether new orders may be placed through this
// adapter right now.
func (a *restAdapter) CanPlaceOrders() bool {
	if a.feedStale.Load() {
		return false
	}
	return a.breaker.State() != gobreaker.StateOpen
}

// call runs one broker request under the permit semaphore, the rate
// limits, and the circuit breaker, and normalizes transport failures into
// categorical errors.
func (a *restAdapter) call(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	if err := a.permits.Acquire(ctx, 1); err != nil {
		return E(KindTimeout, "broker permit: %v", err)
	}
	defer a.permits.Release(1)

	if err := a.limits.Wait(ctx); err != nil {
		return E(KindRateLimit, "rate limit wait: %v", err)
	}

	token, err := a.tokens.Token(ctx)
	if err != nil {
		return &Error{Kind: KindTokenExpired, Message: "no usable session token", Err: err}
	}

	_, err = a.breaker.Execute(func() (any, error) {
		return nil, fn(ctx, token)
	})
	err = classify(err)
	if err != nil {
		metrics.IncBrokerCall(a.name, string(KindOf(err)))
	} else {
		metrics.IncBrokerCall(a.name, "ok")
	}
	return err
}

// classify maps transport-level failures onto error kinds; broker errors
// already typed pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &Error{Kind: KindConnection, Message: "circuit breaker open", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: "broker call deadline exceeded", Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindConnection, Message: "broker call cancelled", Err: err}
	default:
		return &Error{Kind: KindConnection, Message: err.Error(), Err: err}
	}
}

// statusToError converts a non-2xx HTTP response into a categorical error.
func statusToError(resp *resty.Response, code, message string) error {
	switch resp.StatusCode() {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindNotAuthenticated, Code: code, Message: message}
	case http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimit, Code: code, Message: message}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &Error{Kind: KindInvalidOrder, Code: code, Message: message}
	default:
		if resp.StatusCode() >= 500 {
			return &Error{Kind: KindConnection, Code: code, Message: message}
		}
		return &Error{Kind: KindBrokerRejected, Code: code, Message: message}
	}
}
