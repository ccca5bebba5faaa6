package ethereum

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/igwedaniel/batchwatch/internal/config"
	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/stretchr/testify/require"
)

// rpcNode answers eth_chainId and a few scripted methods; everything else
// fails with HTTP 500 when down is set.
type rpcNode struct {
	mu    sync.Mutex
	down  bool
	calls map[string]int
}

func newRPCNode(t *testing.T, down bool) (*rpcNode, string) {
	t.Helper()
	n := &rpcNode{down: down, calls: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(srv.Close)
	return n, srv.URL
}

func (n *rpcNode) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.calls[req.Method]++
	down := n.down
	n.mu.Unlock()

	var result interface{}
	switch {
	case req.Method == "eth_chainId":
		result = "0x1"
	case down:
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
		return
	case req.Method == "eth_blockNumber":
		result = "0x64"
	case req.Method == "eth_getTransactionReceipt":
		result = nil
	default:
		http.Error(w, "unexpected method "+req.Method, http.StatusNotImplemented)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  result,
	})
}

func (n *rpcNode) callCount(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func newTestClient(t *testing.T, urls ...string) *Client {
	t.Helper()
	c, err := NewClient(&config.EthereumConfig{
		RPCURLs:       urls,
		ChainID:       1,
		RPCTimeout:    5 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestClientFailsOverAndOpensBreaker(t *testing.T) {
	down, downURL := newRPCNode(t, true)
	up, upURL := newRPCNode(t, false)
	c := newTestClient(t, downURL, upURL)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		head, err := c.BlockNumber(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(100), head)
	}

	// three failures open the breaker; later calls skip the provider
	require.Equal(t, 3, down.callCount("eth_blockNumber"))
	require.Equal(t, 5, up.callCount("eth_blockNumber"))

	health := c.ProviderHealth()
	require.Len(t, health, 2)
	require.False(t, health[0].IsHealthy)
	require.Equal(t, 3, health[0].FailureCount)
	require.NotEmpty(t, health[0].LastError)
	require.True(t, health[1].IsHealthy)
}

func TestClientAllProvidersDown(t *testing.T) {
	_, url := newRPCNode(t, true)
	c := newTestClient(t, url)

	_, err := c.BlockNumber(context.Background())
	require.ErrorIs(t, err, types.ErrProvider)
}

func TestClientNotFoundIsNotRetried(t *testing.T) {
	node, url := newRPCNode(t, false)
	c := newTestClient(t, url)

	_, err := c.TransactionReceipt(context.Background(), common.HexToHash("0x01"))
	require.ErrorIs(t, err, types.ErrNotFound)
	require.Equal(t, 1, node.callCount("eth_getTransactionReceipt"))
	require.True(t, c.ProviderHealth()[0].IsHealthy)
}

func TestNewClientRejectsWrongChain(t *testing.T) {
	_, url := newRPCNode(t, false)
	_, err := NewClient(&config.EthereumConfig{RPCURLs: []string{url}, ChainID: 11155111, RPCTimeout: time.Second}, quietLogger())
	require.ErrorIs(t, err, types.ErrProvider)
}
