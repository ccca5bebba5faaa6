package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TxAnalysis holds the gas and fee metrics computed for a single batch
// transaction. Wei amounts are integers carried as decimals.
type TxAnalysis struct {
	Timestamp               uint64          `json:"timestamp"`
	GasUsed                 uint64          `json:"gas_used"`
	GasPrice                decimal.Decimal `json:"gas_price"`
	BlobGasPrice            decimal.Decimal `json:"blob_gas_price"`
	BlobGasUsed             uint64          `json:"blob_gas_used"`
	EIP7623CalldataGas      uint64          `json:"eip_7623_calldata_gas"`
	LegacyCalldataGas       uint64          `json:"legacy_calldata_gas"`
	BlobDataWeiSpent        decimal.Decimal `json:"blob_data_wei_spent"`
	LegacyCalldataWeiSpent  decimal.Decimal `json:"legacy_calldata_wei_spent"`
	EIP7623CalldataWeiSpent decimal.Decimal `json:"eip_7623_calldata_wei_spent"`
}

// IsBlobTx reports whether the analyzed transaction carried blobs.
func (a TxAnalysis) IsBlobTx() bool {
	return a.BlobGasUsed > 0
}

// ValueSavedWei is what posting the same data as calldata under EIP-7623
// would have cost, minus what the blobs actually cost. Calldata
// transactions save nothing.
func (a TxAnalysis) ValueSavedWei() decimal.Decimal {
	if !a.IsBlobTx() {
		return decimal.Zero
	}
	return a.EIP7623CalldataWeiSpent.Sub(a.BlobDataWeiSpent)
}

// BlobDataGas is the first gas metric rolled up in snapshots.
func (a TxAnalysis) BlobDataGas() uint64 {
	return a.BlobGasUsed
}

// PectraDataGas is the second gas metric rolled up in snapshots.
func (a TxAnalysis) PectraDataGas() uint64 {
	return a.EIP7623CalldataGas
}

// AnalyzedTransaction is an immutable record of a successfully analyzed
// batcher transaction.
type AnalyzedTransaction struct {
	TxHash         string     `json:"tx_hash"`
	BatcherAddress string     `json:"batcher_address"`
	Analysis       TxAnalysis `json:"analysis_result"`
	ObservedAt     time.Time  `json:"observed_timestamp"`
}

// FailedTransaction is a retry-queue entry.
type FailedTransaction struct {
	TxHash          string    `json:"tx_hash"`
	BatcherAddress  string    `json:"batcher_address"`
	ErrorMessage    string    `json:"error_message"`
	RetryCount      int       `json:"retry_count"`
	NextRetryAt     time.Time `json:"next_retry_at"`
	FirstFailedAt   time.Time `json:"first_failed_at"`
	LastAttemptedAt time.Time `json:"last_attempted_at"`
}

// FailedUpdate carries the mutable fields of a retry-queue entry.
type FailedUpdate struct {
	TxHash          string
	RetryCount      int
	NextRetryAt     time.Time
	ErrorMessage    string
	LastAttemptedAt time.Time
}

// DailyBatcherSnapshot is one per-address summary of a UTC day.
type DailyBatcherSnapshot struct {
	BatcherAddress    string          `json:"batcher_address"`
	SnapshotTimestamp time.Time       `json:"snapshot_timestamp"`
	TotalTxCount      uint64          `json:"total_tx_count"`
	TotalValueSaved   decimal.Decimal `json:"total_value_saved_wei"`
	TotalBlobDataGas  uint64          `json:"total_blob_data_gas"`
	TotalPectraGas    uint64          `json:"total_pectra_data_gas"`
}

// WindowTotals is the result of aggregating analyzed transactions over a
// time window.
type WindowTotals struct {
	BatcherAddress string          `json:"batcher_address,omitempty"`
	TxCount        uint64          `json:"tx_count"`
	ValueSaved     decimal.Decimal `json:"value_saved_wei"`
	BlobDataGas    uint64          `json:"blob_data_gas"`
	PectraDataGas  uint64          `json:"pectra_data_gas"`
}

// Add folds a single analyzed transaction into the totals.
func (w *WindowTotals) Add(tx *AnalyzedTransaction) {
	w.TxCount++
	w.ValueSaved = w.ValueSaved.Add(tx.Analysis.ValueSavedWei())
	w.BlobDataGas += tx.Analysis.BlobDataGas()
	w.PectraDataGas += tx.Analysis.PectraDataGas()
}

// ChainTx is a transaction reference returned by a transaction lister.
type ChainTx struct {
	Hash        string `json:"hash"`
	BlockNumber uint64 `json:"block_number"`
}

// TxPage is a bounded, ascending page of transactions for one address.
// Truncated is set when the provider returned as many results as the
// requested limit, so more may exist in the range. LastBlock is the block
// of the last row the provider returned, kept or not, and is the only safe
// bound for re-listing a truncated range.
type TxPage struct {
	Transactions []ChainTx
	Truncated    bool
	LastBlock    uint64
}

// ProviderHealth tracks RPC provider health
type ProviderHealth struct {
	URL           string        `json:"url"`
	IsHealthy     bool          `json:"is_healthy"`
	LastError     string        `json:"last_error,omitempty"`
	FailureCount  int           `json:"failure_count"`
	LastCheckedAt time.Time     `json:"last_checked_at"`
	ResponseTime  time.Duration `json:"response_time"`
}

// Event represents a message to be published
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
}

// EventType constants
const (
	EventTypeTxAnalyzed    = "tx.analyzed"
	EventTypeTxAbandoned   = "tx.abandoned"
	EventTypeSnapshotSaved = "snapshot.saved"
)

// Event sources
const (
	SourceScanner  = "scanner"
	SourceRetry    = "retry"
	SourceSnapshot = "snapshot"
)

// NormalizeAddress lower-cases an address; every read and write goes through it.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// NormalizeHash lower-cases a transaction hash.
func NormalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}
