package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/igwedaniel/batchwatch/internal/config"
	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Inserts into the analyzed hash only when the hash is new, and indexes the
// record by batcher and observed time in the same step.
var insertAnalyzedScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[4])
return 1
`)

// Returns 0 when already queued, -1 when already analyzed.
var enqueueFailedScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	return 0
end
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
	return -1
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

var setCursorScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// RedisStorage implements Storage using Redis hashes for records and
// sorted sets for the time indexes.
type RedisStorage struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

// NewRedisStorage creates a new Redis storage instance
func NewRedisStorage(cfg *config.RedisConfig, logger *logrus.Logger) (*RedisStorage, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	opt.MinIdleConns = cfg.MinIdleConns
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opt.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opt.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStorageFromClient(client, cfg.KeyPrefix, logger), nil
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client *redis.Client, prefix string, logger *logrus.Logger) *RedisStorage {
	if prefix == "" {
		prefix = "batchwatch"
	}
	return &RedisStorage{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (r *RedisStorage) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *RedisStorage) analyzedKey() string { return r.key("analyzed") }
func (r *RedisStorage) batcherIndexKey(a string) string { return r.key("analyzed", "by_batcher", a) }
func (r *RedisStorage) batchersKey() string { return r.key("analyzed", "batchers") }
func (r *RedisStorage) failedKey() string { return r.key("failed") }
func (r *RedisStorage) scheduleKey() string { return r.key("failed", "schedule") }
func (r *RedisStorage) cursorKey() string { return r.key("monitoring", "last_analyzed_block") }
func (r *RedisStorage) snapshotKey(a string) string { return r.key("snapshots", a) }
func (r *RedisStorage) snapshotBatchersKey() string { return r.key("snapshots", "batchers") }

// Idempotency gates
func (r *RedisStorage) IsTracked(ctx context.Context, txHash string) (bool, error) {
	h := types.NormalizeHash(txHash)
	pipe := r.client.Pipeline()
	a := pipe.HExists(ctx, r.analyzedKey(), h)
	f := pipe.HExists(ctx, r.failedKey(), h)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, storeErr("check tracked", err)
	}
	return a.Val() || f.Val(), nil
}

func (r *RedisStorage) IsAnalyzed(ctx context.Context, txHash string) (bool, error) {
	ok, err := r.client.HExists(ctx, r.analyzedKey(), types.NormalizeHash(txHash)).Result()
	if err != nil {
		return false, storeErr("check analyzed", err)
	}
	return ok, nil
}

func (r *RedisStorage) IsQueued(ctx context.Context, txHash string) (bool, error) {
	ok, err := r.client.HExists(ctx, r.failedKey(), types.NormalizeHash(txHash)).Result()
	if err != nil {
		return false, storeErr("check queued", err)
	}
	return ok, nil
}

// Analyzed transactions
func (r *RedisStorage) InsertAnalyzed(ctx context.Context, tx *types.AnalyzedTransaction) (bool, error) {
	rec := normalizeAnalyzed(tx)
	data, err := json.Marshal(rec)
	if err != nil {
		return false, serializationErr("encode analyzed transaction", err)
	}

	keys := []string{r.analyzedKey(), r.batcherIndexKey(rec.BatcherAddress), r.batchersKey()}
	res, err := insertAnalyzedScript.Run(ctx, r.client, keys, rec.TxHash, data, rec.ObservedAt.Unix(), rec.BatcherAddress).Int()
	if err != nil {
		return false, storeErr("insert analyzed", err)
	}
	return res == 1, nil
}

func (r *RedisStorage) GetAnalyzed(ctx context.Context, txHash string) (*types.AnalyzedTransaction, error) {
	h := types.NormalizeHash(txHash)
	data, err := r.client.HGet(ctx, r.analyzedKey(), h).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("analyzed transaction %s: %w", h, types.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get analyzed", err)
	}
	var rec types.AnalyzedTransaction
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, serializationErr("decode analyzed transaction", err)
	}
	return &rec, nil
}

// Monitoring cursor
func (r *RedisStorage) GetCursor(ctx context.Context) (uint64, bool, error) {
	result, err := r.client.Get(ctx, r.cursorKey()).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeErr("get cursor", err)
	}
	block, err := strconv.ParseUint(result, 10, 64)
	if err != nil {
		return 0, false, serializationErr("parse cursor", err)
	}
	return block, true, nil
}

func (r *RedisStorage) SetCursor(ctx context.Context, block uint64) error {
	if err := setCursorScript.Run(ctx, r.client, []string{r.cursorKey()}, block).Err(); err != nil {
		return storeErr("set cursor", err)
	}
	return nil
}

// Retry queue
func (r *RedisStorage) EnqueueFailed(ctx context.Context, tx *types.FailedTransaction) error {
	rec := normalizeFailed(tx)
	data, err := json.Marshal(rec)
	if err != nil {
		return serializationErr("encode failed transaction", err)
	}

	keys := []string{r.failedKey(), r.analyzedKey(), r.scheduleKey()}
	res, err := enqueueFailedScript.Run(ctx, r.client, keys, rec.TxHash, data, rec.NextRetryAt.Unix()).Int()
	if err != nil {
		return storeErr("enqueue failed", err)
	}
	switch res {
	case 0:
		return fmt.Errorf("queued transaction %s: %w", rec.TxHash, ErrDuplicate)
	case -1:
		return fmt.Errorf("analyzed transaction %s: %w", rec.TxHash, ErrDuplicate)
	}
	return nil
}

func (r *RedisStorage) GetFailed(ctx context.Context, txHash string) (*types.FailedTransaction, error) {
	h := types.NormalizeHash(txHash)
	data, err := r.client.HGet(ctx, r.failedKey(), h).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("queued transaction %s: %w", h, types.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get failed", err)
	}
	var rec types.FailedTransaction
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, serializationErr("decode failed transaction", err)
	}
	return &rec, nil
}

func (r *RedisStorage) ListFailed(ctx context.Context) ([]types.FailedTransaction, error) {
	return r.listScheduled(ctx, "+inf")
}

func (r *RedisStorage) ListReadyForRetry(ctx context.Context, now time.Time) ([]types.FailedTransaction, error) {
	return r.listScheduled(ctx, strconv.FormatInt(now.Unix(), 10))
}

func (r *RedisStorage) listScheduled(ctx context.Context, max string) ([]types.FailedTransaction, error) {
	hashes, err := r.client.ZRangeByScore(ctx, r.scheduleKey(), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return nil, storeErr("list retry schedule", err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	values, err := r.client.HMGet(ctx, r.failedKey(), hashes...).Result()
	if err != nil {
		return nil, storeErr("load failed transactions", err)
	}

	out := make([]types.FailedTransaction, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Index entry without a record; removed concurrently.
			r.logger.WithField("tx_hash", hashes[i]).Debug("Retry schedule entry without record")
			continue
		}
		var rec types.FailedTransaction
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, serializationErr("decode failed transaction", err)
		}
		out = append(out, rec)
	}
	sortFailed(out)
	return out, nil
}

func (r *RedisStorage) UpdateFailed(ctx context.Context, update types.FailedUpdate) error {
	h := types.NormalizeHash(update.TxHash)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, r.failedKey(), h).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("queued transaction %s: %w", h, types.ErrNotFound)
		}
		if err != nil {
			return storeErr("get failed", err)
		}

		var rec types.FailedTransaction
		if err := json.Unmarshal(data, &rec); err != nil {
			return serializationErr("decode failed transaction", err)
		}
		rec.RetryCount = update.RetryCount
		rec.NextRetryAt = update.NextRetryAt.UTC().Truncate(time.Second)
		rec.ErrorMessage = update.ErrorMessage
		rec.LastAttemptedAt = update.LastAttemptedAt.UTC().Truncate(time.Second)

		encoded, err := json.Marshal(rec)
		if err != nil {
			return serializationErr("encode failed transaction", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.failedKey(), h, encoded)
			pipe.ZAdd(ctx, r.scheduleKey(), &redis.Z{Score: float64(rec.NextRetryAt.Unix()), Member: h})
			return nil
		})
		if err != nil {
			return storeErr("update failed", err)
		}
		return nil
	}, r.failedKey())
	return err
}

func (r *RedisStorage) RemoveFailed(ctx context.Context, txHash string) error {
	h := types.NormalizeHash(txHash)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.failedKey(), h)
		pipe.ZRem(ctx, r.scheduleKey(), h)
		return nil
	})
	if err != nil {
		return storeErr("remove failed", err)
	}
	return nil
}

// Aggregation
func (r *RedisStorage) AggregateWindow(ctx context.Context, address string, start, end time.Time) (types.WindowTotals, error) {
	addr := types.NormalizeAddress(address)
	totals := types.WindowTotals{BatcherAddress: addr, ValueSaved: decimal.Zero}

	hashes, err := r.client.ZRangeByScore(ctx, r.batcherIndexKey(addr), &redis.ZRangeBy{
		Min: strconv.FormatInt(start.Unix(), 10),
		Max: strconv.FormatInt(end.Unix(), 10),
	}).Result()
	if err != nil {
		return totals, storeErr("range batcher index", err)
	}
	if len(hashes) == 0 {
		return totals, nil
	}

	values, err := r.client.HMGet(ctx, r.analyzedKey(), hashes...).Result()
	if err != nil {
		return totals, storeErr("load analyzed transactions", err)
	}
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec types.AnalyzedTransaction
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return totals, serializationErr("decode analyzed transaction", err)
		}
		totals.Add(&rec)
	}
	return totals, nil
}

func (r *RedisStorage) AggregateWindowAll(ctx context.Context, start, end time.Time) ([]types.WindowTotals, error) {
	batchers, err := r.client.SMembers(ctx, r.batchersKey()).Result()
	if err != nil {
		return nil, storeErr("list batchers", err)
	}
	sort.Strings(batchers)

	var out []types.WindowTotals
	for _, addr := range batchers {
		totals, err := r.AggregateWindow(ctx, addr, start, end)
		if err != nil {
			return nil, err
		}
		if totals.TxCount > 0 {
			out = append(out, totals)
		}
	}
	return out, nil
}

// Daily snapshots
func (r *RedisStorage) UpsertDailySnapshots(ctx context.Context, rows []types.DailyBatcherSnapshot) error {
	encoded := make([][]byte, len(rows))
	normalized := make([]types.DailyBatcherSnapshot, len(rows))
	for i, row := range rows {
		normalized[i] = normalizeSnapshot(row)
		data, err := json.Marshal(normalized[i])
		if err != nil {
			return serializationErr("encode snapshot", err)
		}
		encoded[i] = data
	}

	// MULTI/EXEC: the whole day is written or nothing is.
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, row := range normalized {
			field := strconv.FormatInt(row.SnapshotTimestamp.Unix(), 10)
			pipe.HSet(ctx, r.snapshotKey(row.BatcherAddress), field, encoded[i])
			pipe.SAdd(ctx, r.snapshotBatchersKey(), row.BatcherAddress)
		}
		return nil
	})
	if err != nil {
		return storeErr("upsert snapshots", err)
	}
	return nil
}

func (r *RedisStorage) ListDailySnapshots(ctx context.Context, address string, since time.Time) ([]types.DailyBatcherSnapshot, error) {
	var batchers []string
	if address != "" {
		batchers = []string{types.NormalizeAddress(address)}
	} else {
		var err error
		batchers, err = r.client.SMembers(ctx, r.snapshotBatchersKey()).Result()
		if err != nil {
			return nil, storeErr("list snapshot batchers", err)
		}
	}

	var out []types.DailyBatcherSnapshot
	for _, addr := range batchers {
		days, err := r.client.HGetAll(ctx, r.snapshotKey(addr)).Result()
		if err != nil {
			return nil, storeErr("load snapshots", err)
		}
		for field, data := range days {
			ts, err := strconv.ParseInt(field, 10, 64)
			if err != nil || ts < since.Unix() {
				continue
			}
			var row types.DailyBatcherSnapshot
			if err := json.Unmarshal([]byte(data), &row); err != nil {
				return nil, serializationErr("decode snapshot", err)
			}
			out = append(out, row)
		}
	}
	sortSnapshots(out)
	return out, nil
}

// Health check methods
func (r *RedisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
