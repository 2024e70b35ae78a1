package fetch

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"

	"github.com/git-pkgs/pkgcache/internal/core"
)

// CircuitBreakerFetcher wraps a Fetcher with per-host circuit breakers.
type CircuitBreakerFetcher struct {
	fetcher   FetcherInterface
	breakers  map[string]*circuit.Breaker
	mu        sync.RWMutex
	threshold int64
	interval  time.Duration
}

// BreakerOption configures a CircuitBreakerFetcher.
type BreakerOption func(*CircuitBreakerFetcher)

// WithTripThreshold sets how many consecutive failures open a breaker.
func WithTripThreshold(n int64) BreakerOption {
	return func(cbf *CircuitBreakerFetcher) {
		cbf.threshold = n
	}
}

// WithResetInterval sets the initial wait before an open breaker lets a
// request through again.
func WithResetInterval(d time.Duration) BreakerOption {
	return func(cbf *CircuitBreakerFetcher) {
		cbf.interval = d
	}
}

// NewCircuitBreakerFetcher creates a new circuit breaker wrapper for a fetcher.
func NewCircuitBreakerFetcher(f FetcherInterface, opts ...BreakerOption) *CircuitBreakerFetcher {
	cbf := &CircuitBreakerFetcher{
		fetcher:   f,
		breakers:  make(map[string]*circuit.Breaker),
		threshold: 5,
		interval:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(cbf)
	}
	return cbf
}

// getBreaker returns or creates a circuit breaker for the given host.
func (cbf *CircuitBreakerFetcher) getBreaker(host string) *circuit.Breaker {
	cbf.mu.RLock()
	breaker, exists := cbf.breakers[host]
	cbf.mu.RUnlock()

	if exists {
		return breaker
	}

	cbf.mu.Lock()
	defer cbf.mu.Unlock()

	// Double-check after acquiring write lock
	if breaker, exists := cbf.breakers[host]; exists {
		return breaker
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cbf.interval
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	opts := &circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(cbf.threshold),
	}
	breaker = circuit.NewBreakerWithOptions(opts)

	cbf.breakers[host] = breaker
	return breaker
}

// Fetch wraps the underlying fetcher's Fetch with circuit breaker logic.
// Only network failures count against the breaker; a missing tarball is an
// answer, not an outage.
func (cbf *CircuitBreakerFetcher) Fetch(ctx context.Context, fetchURL string) (*Artifact, error) {
	host := extractHost(fetchURL)
	breaker := cbf.getBreaker(host)

	if !breaker.Ready() {
		return nil, core.Wrap(core.KindNetwork, ErrUpstreamDown, "circuit breaker open for %s", host)
	}

	var artifact *Artifact
	var passErr error
	err := breaker.Call(func() error {
		var fetchErr error
		artifact, fetchErr = cbf.fetcher.Fetch(ctx, fetchURL)
		if fetchErr != nil && !core.IsKind(fetchErr, core.KindNetwork) {
			passErr = fetchErr
			return nil
		}
		return fetchErr
	}, 0)

	if errors.Is(err, circuit.ErrBreakerOpen) {
		return nil, core.Wrap(core.KindNetwork, ErrUpstreamDown, "circuit breaker open for %s", host)
	}
	if err != nil {
		return nil, err
	}
	if passErr != nil {
		return nil, passErr
	}

	return artifact, nil
}

// extractHost returns the breaker grouping key for a URL.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		// Fallback to simple truncation
		if len(rawURL) > 50 {
			return rawURL[:50]
		}
		return rawURL
	}
	return parsed.Host
}

// BreakerStates returns the state of every breaker keyed by host.
func (cbf *CircuitBreakerFetcher) BreakerStates() map[string]string {
	cbf.mu.RLock()
	defer cbf.mu.RUnlock()

	states := make(map[string]string)
	for host, breaker := range cbf.breakers {
		if breaker.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}
