package ethereum

import (
	"context"
	"io"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	txs      map[common.Hash]*gethtypes.Transaction
	pending  map[common.Hash]bool
	receipts map[common.Hash]*gethtypes.Receipt
	headers  map[uint64]*gethtypes.Header
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		txs:      map[common.Hash]*gethtypes.Transaction{},
		pending:  map[common.Hash]bool{},
		receipts: map[common.Hash]*gethtypes.Receipt{},
		headers:  map[uint64]*gethtypes.Header{},
	}
}

func (f *fakeChain) TransactionByHash(_ context.Context, h common.Hash) (*gethtypes.Transaction, bool, error) {
	tx, ok := f.txs[h]
	if !ok {
		return nil, false, types.ErrNotFound
	}
	return tx, f.pending[h], nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, h common.Hash) (*gethtypes.Receipt, error) {
	r, ok := f.receipts[h]
	if !ok {
		return nil, types.ErrNotFound
	}
	return r, nil
}

func (f *fakeChain) HeaderByNumber(_ context.Context, n *big.Int) (*gethtypes.Header, error) {
	h, ok := f.headers[n.Uint64()]
	if !ok {
		return nil, types.ErrNotFound
	}
	return h, nil
}

// add registers tx mined in block 100 and returns the hash the analyzer sees.
func (f *fakeChain) add(tx *gethtypes.Transaction, receipt *gethtypes.Receipt) string {
	receipt.BlockNumber = big.NewInt(100)
	f.txs[tx.Hash()] = tx
	f.receipts[tx.Hash()] = receipt
	f.headers[100] = &gethtypes.Header{Number: big.NewInt(100), Time: 1_750_000_000}
	return tx.Hash().Hex()
}

type fakeBlobs struct {
	mu    sync.Mutex
	data  map[string][]byte
	calls int
}

func (f *fakeBlobs) BlobData(_ context.Context, versionedHash string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	d, ok := f.data[versionedHash]
	if !ok {
		return nil, types.ErrNotFound
	}
	return d, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func blobTx(hashes ...common.Hash) *gethtypes.Transaction {
	return gethtypes.NewTx(&gethtypes.BlobTx{
		ChainID:    uint256.NewInt(1),
		Nonce:      7,
		GasTipCap:  uint256.NewInt(1),
		GasFeeCap:  uint256.NewInt(50),
		Gas:        21000,
		To:         common.HexToAddress("0xff00000000000000000000000000000000008453"),
		Value:      uint256.NewInt(0),
		BlobFeeCap: uint256.NewInt(10),
		BlobHashes: hashes,
	})
}

func TestAnalyzeBlobTransaction(t *testing.T) {
	chain := newFakeChain()
	h1 := common.HexToHash("0x0101")
	h2 := common.HexToHash("0x0102")
	blobs := &fakeBlobs{data: map[string][]byte{
		h1.Hex(): {0x00, 0x01, 0x02}, // 1 + 4 + 4 tokens
		h2.Hex(): {0x00, 0x00},       // 2 tokens
	}}

	hash := chain.add(blobTx(h1, h2), &gethtypes.Receipt{
		GasUsed:           21000,
		EffectiveGasPrice: big.NewInt(30),
		BlobGasPrice:      big.NewInt(3),
	})

	a := NewAnalyzer(chain, blobs, 2, quietLogger())
	got, err := a.Analyze(context.Background(), hash)
	require.NoError(t, err)

	require.Equal(t, uint64(1_750_000_000), got.Timestamp)
	require.Equal(t, uint64(21000), got.GasUsed)
	require.True(t, got.GasPrice.Equal(decimal.NewFromInt(30)))
	require.Equal(t, uint64(2*131072), got.BlobGasUsed)
	require.True(t, got.BlobGasPrice.Equal(decimal.NewFromInt(3)))
	require.Equal(t, uint64(4*11), got.LegacyCalldataGas)
	require.Equal(t, uint64(10*11), got.EIP7623CalldataGas)
	require.True(t, got.BlobDataWeiSpent.Equal(decimal.NewFromInt(3*2*131072)))
	require.True(t, got.LegacyCalldataWeiSpent.Equal(decimal.NewFromInt(30*44)))
	require.True(t, got.EIP7623CalldataWeiSpent.Equal(decimal.NewFromInt(30*110)))
	require.True(t, got.IsBlobTx())
	require.Equal(t, 2, blobs.calls)
}

func TestAnalyzeCalldataTransaction(t *testing.T) {
	chain := newFakeChain()
	to := common.HexToAddress("0xff00000000000000000000000000000000000010")
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     1,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(40),
		Gas:       100000,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      []byte{0x00, 0xaa, 0xbb, 0x00},
	})
	// no effective price on the receipt: fall back to the tx price
	hash := chain.add(tx, &gethtypes.Receipt{GasUsed: 22000})

	blobs := &fakeBlobs{}
	got, err := NewAnalyzer(chain, blobs, 4, quietLogger()).Analyze(context.Background(), hash)
	require.NoError(t, err)

	require.False(t, got.IsBlobTx())
	require.True(t, got.GasPrice.Equal(decimal.NewFromInt(40)))
	require.Equal(t, uint64(4*10), got.LegacyCalldataGas)
	require.Equal(t, uint64(10*10), got.EIP7623CalldataGas)
	require.True(t, got.BlobDataWeiSpent.IsZero())
	require.True(t, got.ValueSavedWei().IsZero())
	require.Zero(t, blobs.calls)
}

func TestAnalyzeErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("InvalidHash", func(t *testing.T) {
		_, err := NewAnalyzer(newFakeChain(), &fakeBlobs{}, 1, quietLogger()).Analyze(ctx, "0x1234")
		require.Error(t, err)
	})

	t.Run("UnknownTransaction", func(t *testing.T) {
		_, err := NewAnalyzer(newFakeChain(), &fakeBlobs{}, 1, quietLogger()).Analyze(ctx, common.HexToHash("0xdead").Hex())
		require.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("Pending", func(t *testing.T) {
		chain := newFakeChain()
		tx := blobTx(common.HexToHash("0x01"))
		chain.txs[tx.Hash()] = tx
		chain.pending[tx.Hash()] = true
		_, err := NewAnalyzer(chain, &fakeBlobs{}, 1, quietLogger()).Analyze(ctx, tx.Hash().Hex())
		require.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("MissingBlob", func(t *testing.T) {
		chain := newFakeChain()
		hash := chain.add(blobTx(common.HexToHash("0x01")), &gethtypes.Receipt{
			GasUsed:           21000,
			EffectiveGasPrice: big.NewInt(1),
			BlobGasPrice:      big.NewInt(1),
		})
		_, err := NewAnalyzer(chain, &fakeBlobs{}, 1, quietLogger()).Analyze(ctx, hash)
		require.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("MissingHeader", func(t *testing.T) {
		chain := newFakeChain()
		hash := chain.add(blobTx(), &gethtypes.Receipt{GasUsed: 21000})
		delete(chain.headers, 100)
		_, err := NewAnalyzer(chain, &fakeBlobs{}, 1, quietLogger()).Analyze(ctx, hash)
		require.ErrorIs(t, err, types.ErrNotFound)
	})
}
