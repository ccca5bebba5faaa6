package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/igwedaniel/batchwatch/internal/metrics"
	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ChainReader is the subset of the RPC client the analyzer needs.
type ChainReader interface {
	TransactionByHash(ctx context.Context, txHash common.Hash) (*gethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// BlobSource returns the raw payload of a blob by its versioned hash.
type BlobSource interface {
	BlobData(ctx context.Context, versionedHash string) ([]byte, error)
}

// Analyzer computes gas and fee metrics of batch transactions.
type Analyzer struct {
	chain        ChainReader
	blobs        BlobSource
	logger       *logrus.Logger
	maxBlobFetch int
}

func NewAnalyzer(chain ChainReader, blobs BlobSource, maxBlobFetch int, logger *logrus.Logger) *Analyzer {
	if maxBlobFetch <= 0 {
		maxBlobFetch = 1
	}
	return &Analyzer{
		chain:        chain,
		blobs:        blobs,
		logger:       logger,
		maxBlobFetch: maxBlobFetch,
	}
}

// Analyze fetches a mined transaction and computes what its data cost,
// and what the same data would cost as calldata before and after EIP-7623.
func (a *Analyzer) Analyze(ctx context.Context, txHash string) (*types.TxAnalysis, error) {
	start := time.Now()
	analysis, err := a.analyze(ctx, txHash)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.AnalysisDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return analysis, err
}

func (a *Analyzer) analyze(ctx context.Context, txHash string) (*types.TxAnalysis, error) {
	raw, err := hexutil.Decode(txHash)
	if err != nil || len(raw) != common.HashLength {
		return nil, fmt.Errorf("invalid transaction hash %q", txHash)
	}
	hash := common.BytesToHash(raw)

	tx, isPending, err := a.chain.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", txHash, err)
	}
	if isPending {
		return nil, fmt.Errorf("transaction %s is pending: %w", txHash, types.ErrNotFound)
	}

	receipt, err := a.chain.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt %s: %w", txHash, err)
	}

	header, err := a.chain.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", receipt.BlockNumber, err)
	}

	gasPrice := receipt.EffectiveGasPrice
	if gasPrice == nil {
		gasPrice = tx.GasPrice()
	}

	analysis := &types.TxAnalysis{
		Timestamp: header.Time,
		GasUsed:   receipt.GasUsed,
		GasPrice:  decimal.NewFromBigInt(gasPrice, 0),
	}

	if tx.Type() == gethtypes.BlobTxType {
		if receipt.BlobGasPrice == nil {
			return nil, fmt.Errorf("receipt of blob transaction %s has no blob gas price: %w", txHash, types.ErrNotFound)
		}
		legacy, eip7623, err := a.blobCalldataGas(ctx, tx.BlobHashes())
		if err != nil {
			return nil, err
		}
		analysis.BlobGasUsed = tx.BlobGas()
		analysis.BlobGasPrice = decimal.NewFromBigInt(receipt.BlobGasPrice, 0)
		analysis.LegacyCalldataGas = legacy
		analysis.EIP7623CalldataGas = eip7623
	} else {
		analysis.LegacyCalldataGas = LegacyCalldataGas(tx.Data())
		analysis.EIP7623CalldataGas = EIP7623CalldataGas(tx.Data())
	}

	analysis.BlobDataWeiSpent = analysis.BlobGasPrice.Mul(decimal.NewFromInt(int64(analysis.BlobGasUsed)))
	analysis.LegacyCalldataWeiSpent = analysis.GasPrice.Mul(decimal.NewFromInt(int64(analysis.LegacyCalldataGas)))
	analysis.EIP7623CalldataWeiSpent = analysis.GasPrice.Mul(decimal.NewFromInt(int64(analysis.EIP7623CalldataGas)))

	a.logger.WithFields(logrus.Fields{
		"tx_hash":       txHash,
		"blob_gas_used": analysis.BlobGasUsed,
		"legacy_gas":    analysis.LegacyCalldataGas,
		"eip7623_gas":   analysis.EIP7623CalldataGas,
	}).Debug("Transaction analyzed")

	return analysis, nil
}

// blobCalldataGas fetches every blob and sums the calldata gas its
// payload would have cost.
func (a *Analyzer) blobCalldataGas(ctx context.Context, hashes []common.Hash) (uint64, uint64, error) {
	legacy := make([]uint64, len(hashes))
	eip7623 := make([]uint64, len(hashes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.maxBlobFetch)
	for i, h := range hashes {
		i, h := i, h
		g.Go(func() error {
			data, err := a.blobs.BlobData(gctx, h.Hex())
			if err != nil {
				return fmt.Errorf("failed to get blob %s: %w", h.Hex(), err)
			}
			legacy[i] = LegacyCalldataGas(data)
			eip7623[i] = EIP7623CalldataGas(data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	var totalLegacy, totalEIP7623 uint64
	for i := range hashes {
		totalLegacy += legacy[i]
		totalEIP7623 += eip7623[i]
	}
	return totalLegacy, totalEIP7623, nil
}
