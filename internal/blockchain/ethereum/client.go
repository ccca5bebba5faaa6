package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/igwedaniel/batchwatch/internal/config"
	"github.com/igwedaniel/batchwatch/internal/metrics"
	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	CircuitClosed CircuitBreakerState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

const (
	breakerThreshold = 3
	halfOpenCooldown = 30 * time.Second
	probeInterval    = 30 * time.Second
	probeAfter       = 60 * time.Second
	latencyWindow    = 10
)

// provider is one RPC endpoint with its breaker state.
type provider struct {
	url string
	eth *ethclient.Client
	rpc *rpc.Client

	mu          sync.RWMutex
	state       CircuitBreakerState
	failures    int
	lastError   string
	lastFailure time.Time
	lastSuccess time.Time
	latencies   []time.Duration
}

func (p *provider) available(now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == CircuitClosed ||
		(p.state == CircuitHalfOpen && now.Sub(p.lastFailure) > halfOpenCooldown)
}

func (p *provider) health() types.ProviderHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var avg time.Duration
	for _, d := range p.latencies {
		avg += d
	}
	if n := len(p.latencies); n > 0 {
		avg /= time.Duration(n)
	}
	return types.ProviderHealth{
		URL:           p.url,
		IsHealthy:     p.state != CircuitOpen,
		LastError:     p.lastError,
		FailureCount:  p.failures,
		LastCheckedAt: p.lastSuccess,
		ResponseTime:  avg,
	}
}

// Client is a JSON-RPC client spread over several providers with
// round-robin selection, a circuit breaker per provider and a shared rate limit.
type Client struct {
	providers   []*provider
	rateLimiter *rate.Limiter
	config      *config.EthereumConfig
	logger      *logrus.Logger

	mu       sync.Mutex
	next     int
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewClient(cfg *config.EthereumConfig, logger *logrus.Logger) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, fmt.Errorf("no RPC URLs provided")
	}

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}

	c := &Client{
		rateLimiter: rate.NewLimiter(limit, max(1, int(cfg.RateLimit))),
		config:      cfg,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}

	for _, url := range cfg.RPCURLs {
		url = strings.TrimSpace(url)
		p, err := c.dial(url)
		if err != nil {
			logger.WithError(err).WithField("url", url).Warn("Skipping RPC provider")
			continue
		}
		c.providers = append(c.providers, p)
		logger.WithField("url", url).Info("Added RPC provider")
	}

	if len(c.providers) == 0 {
		return nil, fmt.Errorf("%w: no working RPC providers available", types.ErrProvider)
	}

	go c.probeLoop()

	return c, nil
}

// dial connects to url and checks it serves the configured chain.
func (c *Client) dial(url string) (*provider, error) {
	timeout := c.config.RPCTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RPC: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}
	if c.config.ChainID != 0 && chainID.Uint64() != c.config.ChainID {
		rpcClient.Close()
		return nil, fmt.Errorf("chain id mismatch: expected %d, got %s", c.config.ChainID, chainID)
	}

	return &provider{
		url:         url,
		eth:         eth,
		rpc:         rpcClient,
		lastSuccess: time.Now(),
		latencies:   make([]time.Duration, 0, latencyWindow),
	}, nil
}

// pick returns the next available provider in round-robin order.
func (c *Client) pick() (*provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for i := 0; i < len(c.providers); i++ {
		idx := (c.next + i) % len(c.providers)
		if c.providers[idx].available(now) {
			c.next = (idx + 1) % len(c.providers)
			return c.providers[idx], nil
		}
	}
	return nil, fmt.Errorf("%w: no healthy providers available", types.ErrProvider)
}

// call runs op against the providers, moving to the next provider after
// every failure. A missing object is an answer, not a provider failure:
// it is returned immediately as types.ErrNotFound.
func (c *Client) call(ctx context.Context, method string, op func(*ethclient.Client) error) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	attempts := max(1, c.config.RetryAttempts)
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.config.RetryDelay), uint64(attempts-1)),
		ctx,
	)

	var lastErr error
	err := backoff.Retry(func() error {
		p, err := c.pick()
		if err != nil {
			return backoff.Permanent(err)
		}

		start := time.Now()
		err = op(p.eth)
		elapsed := time.Since(start)

		switch {
		case err == nil:
			c.record(p, nil, elapsed)
			metrics.RPCRequests.WithLabelValues(method, "ok").Inc()
			return nil
		case errors.Is(err, ethereum.NotFound):
			c.record(p, nil, elapsed)
			metrics.RPCRequests.WithLabelValues(method, "not_found").Inc()
			return backoff.Permanent(fmt.Errorf("%w: %s: %v", types.ErrNotFound, method, err))
		case strings.Contains(err.Error(), "transaction type not supported"):
			// the node is fine, it just cannot decode this tx type
			c.logger.WithField("url", p.url).Debug("Provider does not support transaction type")
		default:
			c.record(p, err, elapsed)
		}

		metrics.RPCRequests.WithLabelValues(method, "error").Inc()
		lastErr = err
		return err
	}, b)

	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrProvider) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %v", types.ErrProvider, method, attempts, lastErr)
}

func (c *Client) record(p *provider, err error, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.latencies = append(p.latencies, elapsed)
	if len(p.latencies) > latencyWindow {
		p.latencies = p.latencies[1:]
	}

	if err == nil {
		p.failures = 0
		p.lastSuccess = time.Now()
		if p.state == CircuitHalfOpen {
			p.state = CircuitClosed
			c.logger.WithField("url", p.url).Info("Circuit breaker closed")
		}
		return
	}

	p.failures++
	p.lastFailure = time.Now()
	p.lastError = err.Error()
	if p.failures >= breakerThreshold && p.state == CircuitClosed {
		p.state = CircuitOpen
		c.logger.WithFields(logrus.Fields{
			"url":      p.url,
			"failures": p.failures,
		}).Warn("Circuit breaker opened")
	}
}

// probeLoop moves open providers to half-open once they answer again.
func (c *Client) probeLoop() {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.probe()
		}
	}
}

func (c *Client) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, p := range c.providers {
		p.mu.RLock()
		due := p.state == CircuitOpen && time.Since(p.lastFailure) > probeAfter
		p.mu.RUnlock()
		if !due {
			continue
		}

		start := time.Now()
		if _, err := p.eth.BlockNumber(ctx); err != nil {
			c.record(p, err, time.Since(start))
			continue
		}

		p.mu.Lock()
		p.state = CircuitHalfOpen
		p.failures = 0
		p.lastSuccess = time.Now()
		p.mu.Unlock()
		c.logger.WithField("url", p.url).Info("Provider is recovering")
	}
}

// BlockNumber returns the current chain head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.call(ctx, "eth_blockNumber", func(client *ethclient.Client) error {
		var err error
		head, err = client.BlockNumber(ctx)
		return err
	})
	return head, err
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	var header *gethtypes.Header
	err := c.call(ctx, "eth_getBlockByNumber", func(client *ethclient.Client) error {
		var err error
		header, err = client.HeaderByNumber(ctx, number)
		return err
	})
	return header, err
}

func (c *Client) TransactionByHash(ctx context.Context, txHash common.Hash) (*gethtypes.Transaction, bool, error) {
	var (
		tx      *gethtypes.Transaction
		pending bool
	)
	err := c.call(ctx, "eth_getTransactionByHash", func(client *ethclient.Client) error {
		var err error
		tx, pending, err = client.TransactionByHash(ctx, txHash)
		return err
	})
	return tx, pending, err
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	var receipt *gethtypes.Receipt
	err := c.call(ctx, "eth_getTransactionReceipt", func(client *ethclient.Client) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}

func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	for _, p := range c.providers {
		p.rpc.Close()
	}
}

// ProviderHealth returns the current status of all providers
func (c *Client) ProviderHealth() []types.ProviderHealth {
	out := make([]types.ProviderHealth, len(c.providers))
	for i, p := range c.providers {
		out[i] = p.health()
	}
	return out
}
