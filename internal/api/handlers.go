package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/igwedaniel/batchwatch/internal/clock"
	"github.com/igwedaniel/batchwatch/internal/storage"
	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/sirupsen/logrus"
)

const (
	defaultDailyDays = 7
	maxDailyDays     = 90

	// roughly three months of mainnet blocks
	defaultContractRange = 700_000
	maxContractTxs       = 100
)

// StatsSource reports the supervised loops.
type StatsSource interface {
	Stats(ctx context.Context) types.TrackerStats
}

// HealthSource reports the RPC providers.
type HealthSource interface {
	ProviderHealth() []types.ProviderHealth
}

// TxAnalyzer analyzes a mined transaction by hash.
type TxAnalyzer interface {
	Analyze(ctx context.Context, txHash string) (*types.TxAnalysis, error)
}

// ContractLister lists the transaction hashes touching a contract.
type ContractLister interface {
	ListContractTransactions(ctx context.Context, address string, startBlock, endBlock uint64, limit int) ([]string, bool, error)
}

// ChainHead reports the latest block number.
type ChainHead interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Analysis backs the on-demand analysis endpoints. They answer 503 when
// a dependency is missing.
type Analysis struct {
	Analyzer  TxAnalyzer
	Contracts ContractLister
	Head      ChainHead
}

// Handlers contains HTTP handlers for the API
type Handlers struct {
	stats     StatsSource
	providers HealthSource
	analysis  Analysis
	storage   storage.Storage
	clock     clock.Clock
	logger    *logrus.Logger
}

// NewHandlers creates new API handlers
func NewHandlers(stats StatsSource, providers HealthSource, analysis Analysis, storage storage.Storage, clk clock.Clock, logger *logrus.Logger) *Handlers {
	return &Handlers{
		stats:     stats,
		providers: providers,
		analysis:  analysis,
		storage:   storage,
		clock:     clk,
		logger:    logger,
	}
}

// HealthCheck returns the health status of the service
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if err := h.storage.Ping(r.Context()); err != nil {
		h.logger.WithError(err).Warn("Storage health check failed")
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	h.writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"service": "batchwatch-tracker",
	})
}

// GetTrackerStats returns loop statistics with the provider statuses
func (h *Handlers) GetTrackerStats(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	data := map[string]interface{}{
		"tracker": h.stats.Stats(r.Context()),
	}
	if h.providers != nil {
		data["providers"] = h.providers.ProviderHealth()
	}
	h.writeSuccess(w, data)
}

// GetTransaction returns the stored analysis of one transaction
func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	txHash := r.URL.Query().Get("tx_hash")
	if txHash == "" {
		http.Error(w, "Missing required parameter: tx_hash", http.StatusBadRequest)
		return
	}

	tx, err := h.storage.GetAnalyzed(r.Context(), txHash)
	if errors.Is(err, types.ErrNotFound) {
		http.Error(w, "Transaction not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("tx_hash", txHash).Error("Failed to get transaction")
		http.Error(w, "Failed to get transaction", http.StatusInternalServerError)
		return
	}

	h.writeSuccess(w, map[string]interface{}{
		"transaction":     tx,
		"value_saved_wei": tx.Analysis.ValueSavedWei(),
	})
}

// GetRetryQueue returns every queued failure
func (h *Handlers) GetRetryQueue(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	queued, err := h.storage.ListFailed(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list retry queue")
		http.Error(w, "Failed to list retry queue", http.StatusInternalServerError)
		return
	}
	if queued == nil {
		queued = []types.FailedTransaction{}
	}

	h.writeSuccess(w, map[string]interface{}{
		"count":   len(queued),
		"entries": queued,
	})
}

// GetBatcherTotals aggregates analyzed transactions over a window,
// the last 24 hours unless start_timestamp or end_timestamp is given.
func (h *Handlers) GetBatcherTotals(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	q := r.URL.Query()
	end := h.clock.Now().UTC()
	start := end.Add(-24 * time.Hour)

	var err error
	if start, err = parseUnix(q.Get("start_timestamp"), start); err != nil {
		http.Error(w, "Invalid start_timestamp", http.StatusBadRequest)
		return
	}
	if end, err = parseUnix(q.Get("end_timestamp"), end); err != nil {
		http.Error(w, "Invalid end_timestamp", http.StatusBadRequest)
		return
	}
	if end.Before(start) {
		http.Error(w, "end_timestamp is before start_timestamp", http.StatusBadRequest)
		return
	}

	address, ok := addressParam(w, r)
	if !ok {
		return
	}

	var totals interface{}
	if address != "" {
		totals, err = h.storage.AggregateWindow(r.Context(), address, start, end)
	} else {
		totals, err = h.storage.AggregateWindowAll(r.Context(), start, end)
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to aggregate batcher totals")
		http.Error(w, "Failed to aggregate totals", http.StatusInternalServerError)
		return
	}

	h.writeSuccess(w, map[string]interface{}{
		"start_timestamp": start.Unix(),
		"end_timestamp":   end.Unix(),
		"totals":          totals,
	})
}

// GetDailySnapshots returns the stored daily rows of the last days days
func (h *Handlers) GetDailySnapshots(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	days := defaultDailyDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid days", http.StatusBadRequest)
			return
		}
		days = min(n, maxDailyDays)
	}

	address, ok := addressParam(w, r)
	if !ok {
		return
	}

	today := h.clock.Now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -days)

	rows, err := h.storage.ListDailySnapshots(r.Context(), address, since)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list daily snapshots")
		http.Error(w, "Failed to list daily snapshots", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []types.DailyBatcherSnapshot{}
	}

	h.writeSuccess(w, map[string]interface{}{
		"days":      days,
		"snapshots": rows,
	})
}

// AnalyzeTransaction analyzes any mined transaction on demand. Nothing is
// stored.
func (h *Handlers) AnalyzeTransaction(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if h.analysis.Analyzer == nil {
		http.Error(w, "Analysis is not available", http.StatusServiceUnavailable)
		return
	}

	txHash := types.NormalizeHash(r.URL.Query().Get("tx_hash"))
	if !isTxHash(txHash) {
		http.Error(w, "Invalid tx_hash", http.StatusBadRequest)
		return
	}

	analysis, err := h.analysis.Analyzer.Analyze(r.Context(), txHash)
	if errors.Is(err, types.ErrNotFound) {
		http.Error(w, "Transaction not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("tx_hash", txHash).Error("Failed to analyze transaction")
		http.Error(w, "Failed to analyze transaction", http.StatusBadGateway)
		return
	}

	h.writeSuccess(w, map[string]interface{}{
		"tx_hash":         txHash,
		"analysis":        analysis,
		"value_saved_wei": analysis.ValueSavedWei(),
	})
}

type contractTx struct {
	TxHash   string            `json:"tx_hash"`
	Analysis *types.TxAnalysis `json:"analysis,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// AnalyzeContract analyzes the internal and normal transactions of an
// address over a block range, by default the last 700k blocks. At most
// maxContractTxs transactions are analyzed per request.
func (h *Handlers) AnalyzeContract(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if h.analysis.Analyzer == nil || h.analysis.Contracts == nil || h.analysis.Head == nil {
		http.Error(w, "Analysis is not available", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	address := q.Get("contract_address")
	if !common.IsHexAddress(address) {
		http.Error(w, "Invalid contract_address", http.StatusBadRequest)
		return
	}
	address = types.NormalizeAddress(address)

	head, err := h.analysis.Head.BlockNumber(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get chain head")
		http.Error(w, "Failed to get chain head", http.StatusBadGateway)
		return
	}

	end, err := parseBlock(q.Get("end_block"), head)
	if err != nil {
		http.Error(w, "Invalid end_block", http.StatusBadRequest)
		return
	}
	var defaultStart uint64
	if end > defaultContractRange {
		defaultStart = end - defaultContractRange
	}
	start, err := parseBlock(q.Get("start_block"), defaultStart)
	if err != nil {
		http.Error(w, "Invalid start_block", http.StatusBadRequest)
		return
	}
	if end < start {
		http.Error(w, "end_block is before start_block", http.StatusBadRequest)
		return
	}

	hashes, truncated, err := h.analysis.Contracts.ListContractTransactions(r.Context(), address, start, end, maxContractTxs)
	if err != nil {
		h.logger.WithError(err).WithField("contract_address", address).Error("Failed to list contract transactions")
		http.Error(w, "Failed to list contract transactions", http.StatusBadGateway)
		return
	}

	results := make([]contractTx, 0, len(hashes))
	for _, hash := range hashes {
		if err := r.Context().Err(); err != nil {
			return
		}
		res := contractTx{TxHash: hash}
		if res.Analysis, err = h.analysis.Analyzer.Analyze(r.Context(), hash); err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}

	h.writeSuccess(w, map[string]interface{}{
		"contract_address": address,
		"start_block":      start,
		"end_block":        end,
		"truncated":        truncated,
		"count":            len(results),
		"transactions":     results,
	})
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func addressParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	address := r.URL.Query().Get("batcher_address")
	if address != "" && !common.IsHexAddress(address) {
		http.Error(w, "Invalid batcher_address", http.StatusBadRequest)
		return "", false
	}
	return address, true
}

func isTxHash(s string) bool {
	raw, err := hexutil.Decode(s)
	return err == nil && len(raw) == common.HashLength
}

func parseBlock(raw string, fallback uint64) (uint64, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func parseUnix(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

func (h *Handlers) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"data":   data,
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Errorf("Failed to encode response: %v", err)
	}
}
