// Package blobscan fetches blob payloads from a Blobscan API.
package blobscan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/igwedaniel/batchwatch/internal/config"
	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/sirupsen/logrus"
)

const (
	MainnetURL = "https://api.blobscan.com"
	SepoliaURL = "https://api.sepolia.blobscan.com"

	sepoliaChainID = 11155111
)

type blobResponse struct {
	Data string `json:"data"`
}

type Client struct {
	base          *url.URL
	http          *http.Client
	maxRetries    uint64
	retryInterval time.Duration
	logger        *logrus.Logger
}

// BaseURLForChain returns the public Blobscan API of a chain. Unknown
// chains fall back to mainnet.
func BaseURLForChain(chainID uint64, logger *logrus.Logger) string {
	switch chainID {
	case 1:
		return MainnetURL
	case sepoliaChainID:
		return SepoliaURL
	default:
		logger.Warnf("No blobscan endpoint for chain %d, falling back to mainnet", chainID)
		return MainnetURL
	}
}

func NewClient(cfg *config.BlobscanConfig, chainID uint64, logger *logrus.Logger) (*Client, error) {
	raw := cfg.URL
	if raw == "" {
		raw = BaseURLForChain(chainID, logger)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid blobscan url: %w", err)
	}

	return &Client{
		base:          u,
		http:          &http.Client{Timeout: cfg.Timeout},
		maxRetries:    cfg.MaxRetries,
		retryInterval: 500 * time.Millisecond,
		logger:        logger,
	}, nil
}

// BlobData returns the payload of the blob with the given versioned hash.
func (c *Client) BlobData(ctx context.Context, versionedHash string) ([]byte, error) {
	var data []byte
	err := backoff.RetryNotify(
		func() (err error) {
			data, err = c.fetch(ctx, versionedHash)
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(backoff.WithInitialInterval(c.retryInterval)), c.maxRetries), ctx),
		func(err error, d time.Duration) {
			c.logger.WithError(err).WithField("blob", versionedHash).Warnf("blob request failed, retrying in %v", d)
		},
	)
	return data, err
}

func (c *Client) url(versionedHash string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/blobs/" + versionedHash
	return u.String()
}

func (c *Client) fetch(ctx context.Context, versionedHash string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(versionedHash), nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrProvider, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(fmt.Errorf("blob %s: %w", versionedHash, types.ErrNotFound))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", types.ErrProvider, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(fmt.Errorf("%w: status %d", types.ErrProvider, resp.StatusCode))
	}

	var out blobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: decode blob %s: %v", types.ErrProvider, versionedHash, err))
	}
	data, err := hexutil.Decode(out.Data)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: blob %s data: %v", types.ErrProvider, versionedHash, err))
	}
	return data, nil
}
