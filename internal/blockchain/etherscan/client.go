// Package etherscan lists the transactions sent by an address through the
// Etherscan account API.
package etherscan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/igwedaniel/batchwatch/internal/config"
	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const noTransactionsMessage = "No transactions found"

type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type apiTx struct {
	BlockNumber string `json:"blockNumber"`
	Hash        string `json:"hash"`
	From        string `json:"from"`
}

type Client struct {
	base          *url.URL
	apiKey        string
	chainID       uint64
	http          *http.Client
	limiter       *rate.Limiter
	maxRetries    uint64
	retryInterval time.Duration
	logger        *logrus.Logger
}

func NewClient(cfg *config.EtherscanConfig, chainID uint64, logger *logrus.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("etherscan url not set")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid etherscan url: %w", err)
	}

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}

	return &Client{
		base:          u,
		apiKey:        cfg.APIKey,
		chainID:       chainID,
		http:          &http.Client{Timeout: cfg.Timeout},
		limiter:       rate.NewLimiter(limit, 1),
		maxRetries:    cfg.MaxRetries,
		retryInterval: 500 * time.Millisecond,
		logger:        logger,
	}, nil
}

// ListTransactions returns up to limit transactions sent by address in the
// inclusive block range, oldest first.
func (c *Client) ListTransactions(ctx context.Context, address string, startBlock, endBlock uint64, limit int) (*types.TxPage, error) {
	raw, err := c.list(ctx, "txlist", address, startBlock, endBlock, limit)
	if err != nil {
		return nil, err
	}

	page := &types.TxPage{
		Transactions: make([]types.ChainTx, 0, len(raw)),
		Truncated:    limit > 0 && len(raw) >= limit,
	}
	want := types.NormalizeAddress(address)
	for _, tx := range raw {
		block, err := strconv.ParseUint(tx.BlockNumber, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad block number %q for %s", types.ErrProvider, tx.BlockNumber, tx.Hash)
		}
		page.LastBlock = max(page.LastBlock, block)
		if types.NormalizeAddress(tx.From) != want {
			continue
		}
		page.Transactions = append(page.Transactions, types.ChainTx{
			Hash:        types.NormalizeHash(tx.Hash),
			BlockNumber: block,
		})
	}
	return page, nil
}

// ListContractTransactions returns the hashes of the internal and normal
// transactions touching address in the block range, internal first, without
// duplicates and capped at limit. The bool reports whether the cap was hit.
func (c *Client) ListContractTransactions(ctx context.Context, address string, startBlock, endBlock uint64, limit int) ([]string, bool, error) {
	seen := make(map[string]struct{})
	var hashes []string
	for _, action := range []string{"txlistinternal", "txlist"} {
		raw, err := c.list(ctx, action, address, startBlock, endBlock, limit)
		if err != nil {
			return nil, false, err
		}
		for _, tx := range raw {
			hash := types.NormalizeHash(tx.Hash)
			if _, dup := seen[hash]; dup {
				continue
			}
			if limit > 0 && len(hashes) == limit {
				return hashes, true, nil
			}
			seen[hash] = struct{}{}
			hashes = append(hashes, hash)
		}
	}
	return hashes, false, nil
}

func (c *Client) list(ctx context.Context, action, address string, startBlock, endBlock uint64, limit int) ([]apiTx, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", action)
	q.Set("address", address)
	q.Set("startblock", strconv.FormatUint(startBlock, 10))
	q.Set("endblock", strconv.FormatUint(endBlock, 10))
	q.Set("page", "1")
	q.Set("offset", strconv.Itoa(limit))
	q.Set("sort", "asc")
	if c.chainID != 0 {
		q.Set("chainid", strconv.FormatUint(c.chainID, 10))
	}
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}

	var raw []apiTx
	err := backoff.RetryNotify(
		func() (err error) {
			raw, err = c.fetch(ctx, q)
			return err
		},
		c.newBackoff(ctx),
		func(err error, d time.Duration) {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"address": address,
				"action":  action,
			}).Warnf("Explorer request failed, retrying in %v", d)
		},
	)
	return raw, err
}

func (c *Client) fetch(ctx context.Context, q url.Values) ([]apiTx, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(err)
	}

	u := *c.base
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrProvider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", types.ErrProvider, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", types.ErrProvider, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, backoff.Permanent(fmt.Errorf("%w: status %d: %s", types.ErrProvider, resp.StatusCode, body))
	}

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: decode response: %v", types.ErrProvider, err))
	}

	if out.Status != "1" {
		if strings.Contains(out.Message, noTransactionsMessage) {
			return nil, nil
		}
		var detail string
		_ = json.Unmarshal(out.Result, &detail)
		if strings.Contains(strings.ToLower(detail), "rate limit") {
			return nil, fmt.Errorf("%w: %s", types.ErrProvider, detail)
		}
		return nil, backoff.Permanent(fmt.Errorf("%w: %s: %s", types.ErrProvider, out.Message, detail))
	}

	var txs []apiTx
	if err := json.Unmarshal(out.Result, &txs); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: decode result: %v", types.ErrProvider, err))
	}
	return txs, nil
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff(backoff.WithInitialInterval(c.retryInterval))
	return backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)
}
