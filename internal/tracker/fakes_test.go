package tracker

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/igwedaniel/batchwatch/internal/clock"
	"github.com/igwedaniel/batchwatch/internal/storage"
	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	batcherA = "0x5050f69a9786f081509234f1a7f4684b5e5b76c9"
	batcherB = "0x6887246668a3b87f54deb3b94ba47a6f63f32985"
)

var (
	t0 = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	errUpstream = errors.New("upstream unavailable")
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func analysisFor(saved, blobGas, pectraGas int64) *types.TxAnalysis {
	return &types.TxAnalysis{
		GasUsed:                 21000,
		GasPrice:                decimal.NewFromInt(10),
		BlobGasUsed:             uint64(blobGas),
		BlobGasPrice:            decimal.NewFromInt(1),
		EIP7623CalldataGas:      uint64(pectraGas),
		BlobDataWeiSpent:        decimal.NewFromInt(blobGas),
		EIP7623CalldataWeiSpent: decimal.NewFromInt(blobGas + saved),
	}
}

type fakeHead struct {
	mu    sync.Mutex
	heads []uint64
	err   error
	calls int
}

// BlockNumber returns the scripted heads in order and repeats the last one.
func (f *fakeHead) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	if len(f.heads) > 1 {
		h := f.heads[0]
		f.heads = f.heads[1:]
		return h, nil
	}
	return f.heads[0], nil
}

type listCall struct {
	Address    string
	Start, End uint64
	Limit      int
}

type listedTx struct {
	types.ChainTx
	incoming bool
}

// fakeLister pages like the explorer: the limit counts every row touching
// the address, while only outgoing rows are returned.
type fakeLister struct {
	mu    sync.Mutex
	txs   map[string][]listedTx
	errs  map[string]error
	calls []listCall
}

func newFakeLister() *fakeLister {
	return &fakeLister{txs: map[string][]listedTx{}, errs: map[string]error{}}
}

func (f *fakeLister) add(addr, hash string, block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[addr] = append(f.txs[addr], listedTx{ChainTx: types.ChainTx{Hash: hash, BlockNumber: block}})
}

func (f *fakeLister) addIncoming(addr, hash string, block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[addr] = append(f.txs[addr], listedTx{ChainTx: types.ChainTx{Hash: hash, BlockNumber: block}, incoming: true})
}

func (f *fakeLister) ListTransactions(ctx context.Context, address string, start, end uint64, limit int) (*types.TxPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, listCall{address, start, end, limit})
	if err := f.errs[address]; err != nil {
		return nil, err
	}
	page := &types.TxPage{}
	rows := 0
	for _, tx := range f.txs[address] {
		if tx.BlockNumber < start || tx.BlockNumber > end {
			continue
		}
		if rows == limit {
			break
		}
		rows++
		page.LastBlock = tx.BlockNumber
		if !tx.incoming {
			page.Transactions = append(page.Transactions, tx.ChainTx)
		}
	}
	page.Truncated = rows == limit
	return page, nil
}

// fakeAnalyzer fails each hash with the scripted errors, in order, then
// succeeds.
type fakeAnalyzer struct {
	mu       sync.Mutex
	results  map[string]*types.TxAnalysis
	failures map[string][]error
	calls    map[string]int
	order    []string
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		results:  map[string]*types.TxAnalysis{},
		failures: map[string][]error{},
		calls:    map[string]int{},
	}
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, txHash string) (*types.TxAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[txHash]++
	f.order = append(f.order, txHash)
	if errs := f.failures[txHash]; len(errs) > 0 {
		f.failures[txHash] = errs[1:]
		return nil, errs[0]
	}
	if a, ok := f.results[txHash]; ok {
		return a, nil
	}
	return analysisFor(1, 131072, 1000), nil
}

func (f *fakeAnalyzer) callCount(txHash string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[txHash]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*types.Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event *types.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type + "." + e.Source
	}
	return out
}

// failingStore fails InsertAnalyzed a fixed number of times.
type failingStore struct {
	storage.Storage
	mu             sync.Mutex
	insertFailures int
}

func (s *failingStore) InsertAnalyzed(ctx context.Context, tx *types.AnalyzedTransaction) (bool, error) {
	s.mu.Lock()
	if s.insertFailures > 0 {
		s.insertFailures--
		s.mu.Unlock()
		return false, types.ErrStore
	}
	s.mu.Unlock()
	return s.Storage.InsertAnalyzed(ctx, tx)
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:    60 * time.Second,
		MaxDelay:     time.Hour,
		MaxAttempts:  5,
		PollInterval: 30 * time.Second,
		ItemDelay:    500 * time.Millisecond,
	}
}

type harness struct {
	store     storage.Storage
	clock     *clock.Fake
	head      *fakeHead
	lister    *fakeLister
	analyzer  *fakeAnalyzer
	publisher *recordingPublisher
	retry     *RetryQueue
	scanner   *Scanner
}

func newHarness(store storage.Storage, cfg ScannerConfig) *harness {
	h := &harness{
		store:     store,
		clock:     clock.NewFake(t0),
		head:      &fakeHead{heads: []uint64{100}},
		lister:    newFakeLister(),
		analyzer:  newFakeAnalyzer(),
		publisher: &recordingPublisher{},
	}
	if cfg.Addresses == nil {
		cfg.Addresses = []string{batcherA, batcherB}
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 100
	}
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	logger := quietLogger()
	h.retry = NewRetryQueue(defaultRetryConfig(), h.analyzer, store, h.publisher, h.clock, logger)
	h.scanner = NewScanner(cfg, h.head, h.lister, h.analyzer, store, h.retry, h.publisher, h.clock, logger)
	return h
}
