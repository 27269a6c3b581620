package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/grokomation/ephemerald/internal/domain"
	"github.com/grokomation/ephemerald/internal/domain/contract"
	"github.com/grokomation/ephemerald/internal/domain/instance"
	"github.com/grokomation/ephemerald/internal/port/cache"
	"github.com/grokomation/ephemerald/internal/resilience"
)

// hop-by-hop and host-identifying headers never forwarded upstream.
var strippedHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
}

// ProxyOptions configures contract fetching and enforcement.
type ProxyOptions struct {
	// ContractPath is the agent endpoint serving its description document.
	ContractPath string
	// ContractTTL bounds how long a fetched contract is reused.
	ContractTTL time.Duration
	// FailOpen forwards requests unvalidated when the contract cannot be
	// obtained. When false such requests are refused.
	FailOpen bool
	// FetchTimeout bounds one contract fetch attempt.
	FetchTimeout time.Duration
}

// Proxy relays requests to instance agents after validating each request
// against the agent's declared contract. Response bodies stream straight
// through without buffering.
type Proxy struct {
	registry *Registry
	cache    cache.Cache
	opts     ProxyOptions
	metrics  *Metrics
	log      *slog.Logger

	// relay client carries no global timeout so long-lived streaming
	// responses survive; cancellation comes from the request context.
	relay *http.Client
	fetch *http.Client

	mu       sync.Mutex
	breakers map[string]*resilience.Breaker
}

// NewProxy creates the proxy service. metrics may be nil.
func NewProxy(registry *Registry, c cache.Cache, opts ProxyOptions, metrics *Metrics, log *slog.Logger) *Proxy {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	return &Proxy{
		registry: registry,
		cache:    c,
		opts:     opts,
		metrics:  metrics,
		log:      log,
		relay:    &http.Client{},
		fetch:    &http.Client{Timeout: opts.FetchTimeout},
		breakers: make(map[string]*resilience.Breaker),
	}
}

// Forward validates the request against the instance's contract and, if
// permitted, relays it to the agent, streaming the response back. Errors are
// returned only before any bytes have been written to w.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, correlationID, upstreamPath string) error {
	inst, ok := p.registry.Get(correlationID)
	if !ok || inst.Status != instance.StatusRunning {
		return fmt.Errorf("instance %q: %w", correlationID, domain.ErrNotFound)
	}

	ctx := r.Context()
	c, err := p.contractFor(ctx, &inst)
	if err != nil {
		if !p.opts.FailOpen {
			return fmt.Errorf("contract for %q: %w: %v", correlationID, domain.ErrContractUnavailable, err)
		}
		p.log.Warn("contract unavailable, forwarding unvalidated",
			"correlation_id", correlationID, "error", err)
		c = nil
	}

	if c != nil && !c.Allows(r.Method, upstreamPath) {
		if p.metrics != nil && p.metrics.ProxyRejected != nil {
			p.metrics.ProxyRejected.Add(ctx, 1)
		}
		p.log.Info("proxy request rejected",
			"correlation_id", correlationID, "method", r.Method, "path", upstreamPath)
		return fmt.Errorf("%s %s not declared by instance %q: %w",
			r.Method, upstreamPath, correlationID, domain.ErrRequestRejected)
	}

	return p.relayRequest(w, r, &inst, upstreamPath)
}

func (p *Proxy) relayRequest(w http.ResponseWriter, r *http.Request, inst *instance.Instance, upstreamPath string) error {
	target := fmt.Sprintf("http://127.0.0.1:%d/%s", inst.Port, upstreamPath)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return fmt.Errorf("build upstream request: %w: %v", domain.ErrUpstreamUnavailable, err)
	}
	req.Header = r.Header.Clone()
	for _, h := range strippedHeaders {
		req.Header.Del(h)
	}

	resp, err := p.relay.Do(req)
	if err != nil {
		return fmt.Errorf("instance %q upstream: %w: %v", inst.CorrelationID, domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are already on the wire; nothing left but to log.
		p.log.Warn("proxy stream interrupted",
			"correlation_id", inst.CorrelationID, "error", err)
	}
	return nil
}

// contractFor returns the instance's contract, from cache when fresh,
// otherwise fetched through the instance's circuit breaker.
func (p *Proxy) contractFor(ctx context.Context, inst *instance.Instance) (*contract.Contract, error) {
	key := "contract:" + inst.CorrelationID

	if data, ok, err := p.cache.Get(ctx, key); err == nil && ok {
		c, uerr := contract.Unmarshal(data)
		if uerr == nil {
			return c, nil
		}
		p.log.Warn("cached contract unreadable, refetching",
			"correlation_id", inst.CorrelationID, "error", uerr)
	}

	var c *contract.Contract
	err := p.breakerFor(inst.CorrelationID).Execute(func() error {
		fetched, ferr := p.fetchContract(ctx, inst.Port)
		if ferr != nil {
			return ferr
		}
		c = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}

	if data, merr := c.Marshal(); merr == nil {
		if serr := p.cache.Set(ctx, key, data, p.opts.ContractTTL); serr != nil {
			p.log.Warn("cache contract", "correlation_id", inst.CorrelationID, "error", serr)
		}
	}
	return c, nil
}

func (p *Proxy) fetchContract(ctx context.Context, port int) (*contract.Contract, error) {
	url := "http://127.0.0.1:" + strconv.Itoa(port) + p.opts.ContractPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.fetch.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("contract endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	return contract.Parse(body)
}

func (p *Proxy) breakerFor(correlationID string) *resilience.Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[correlationID]
	if !ok {
		b = resilience.NewBreaker(3, 10*time.Second)
		p.breakers[correlationID] = b
	}
	return b
}

// Forget drops the per-instance breaker and cached contract after teardown.
func (p *Proxy) Forget(ctx context.Context, correlationID string) {
	p.mu.Lock()
	delete(p.breakers, correlationID)
	p.mu.Unlock()

	if err := p.cache.Delete(ctx, "contract:"+correlationID); err != nil {
		p.log.Warn("drop cached contract", "correlation_id", correlationID, "error", err)
	}
}
