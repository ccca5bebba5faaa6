package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/igwedaniel/batchwatch/internal/config"
	"github.com/igwedaniel/batchwatch/internal/types"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const (
	snapshotBatchSize = 500
	monitoringStateID = 1
)

type analyzedTxEntity struct {
	TxHash         string          `gorm:"primaryKey;type:varchar(66)"`
	BatcherAddress string          `gorm:"type:varchar(42);not null;index:idx_analyzed_batcher_observed,priority:1"`
	AnalysisResult string          `gorm:"type:jsonb;not null"`
	ValueSavedWei  decimal.Decimal `gorm:"type:numeric(78,0);not null"`
	BlobDataGas    uint64          `gorm:"not null"`
	PectraDataGas  uint64          `gorm:"not null"`
	ObservedAt     int64           `gorm:"not null;index:idx_analyzed_batcher_observed,priority:2;index:idx_analyzed_observed"`
}

func (analyzedTxEntity) TableName() string { return "analyzed_transactions" }

type failedTxEntity struct {
	TxHash          string `gorm:"primaryKey;type:varchar(66)"`
	BatcherAddress  string `gorm:"type:varchar(42);not null"`
	ErrorMessage    string `gorm:"type:text"`
	RetryCount      int    `gorm:"not null"`
	NextRetryAt     int64  `gorm:"not null;index"`
	FirstFailedAt   int64  `gorm:"not null"`
	LastAttemptedAt int64  `gorm:"not null"`
}

func (failedTxEntity) TableName() string { return "failed_transactions" }

type monitoringState struct {
	ID                uint64 `gorm:"primaryKey;autoIncrement:false"`
	LastAnalyzedBlock uint64 `gorm:"not null"`
	UpdatedAt         time.Time
}

func (monitoringState) TableName() string { return "monitoring_state" }

type dailySnapshotEntity struct {
	BatcherAddress     string          `gorm:"primaryKey;type:varchar(42)"`
	SnapshotTimestamp  int64           `gorm:"primaryKey;autoIncrement:false"`
	TotalTxCount       uint64          `gorm:"not null"`
	TotalValueSavedWei decimal.Decimal `gorm:"type:numeric(78,0);not null"`
	TotalBlobDataGas   uint64          `gorm:"not null"`
	TotalPectraDataGas uint64          `gorm:"not null"`
}

func (dailySnapshotEntity) TableName() string { return "daily_batcher_snapshots" }

type totalsRow struct {
	BatcherAddress string
	TxCount        uint64
	ValueSaved     decimal.Decimal
	BlobDataGas    uint64
	PectraDataGas  uint64
}

const totalsSelect = "batcher_address, COUNT(*) AS tx_count, " +
	"COALESCE(SUM(value_saved_wei), 0) AS value_saved, " +
	"CAST(COALESCE(SUM(blob_data_gas), 0) AS BIGINT) AS blob_data_gas, " +
	"CAST(COALESCE(SUM(pectra_data_gas), 0) AS BIGINT) AS pectra_data_gas"

// PostgresStorage implements Storage on top of gorm and PostgreSQL.
type PostgresStorage struct {
	g      *gorm.DB
	logger *logrus.Logger
}

// NewPostgresStorage connects, migrates the schema and returns the store.
func NewPostgresStorage(cfg *config.PostgresConfig, logger *logrus.Logger) (*PostgresStorage, error) {
	logLevel := gormlogger.Silent
	if cfg.LogQueries {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger:          gormlogger.Default.LogMode(logLevel),
		CreateBatchSize: snapshotBatchSize,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to Postgres")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get sql.DB")
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.AutoMigrate(&monitoringState{}, &analyzedTxEntity{}, &failedTxEntity{}, &dailySnapshotEntity{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate schema")
	}
	logger.Debug("Postgres schema migrated")

	return &PostgresStorage{g: db, logger: logger}, nil
}

func (p *PostgresStorage) exists(ctx context.Context, model interface{}, txHash string) (bool, error) {
	var count int64
	err := p.g.WithContext(ctx).Model(model).Where("tx_hash = ?", types.NormalizeHash(txHash)).Count(&count).Error
	return count > 0, err
}

func (p *PostgresStorage) IsTracked(ctx context.Context, txHash string) (bool, error) {
	if ok, err := p.IsAnalyzed(ctx, txHash); err != nil || ok {
		return ok, err
	}
	return p.IsQueued(ctx, txHash)
}

func (p *PostgresStorage) IsAnalyzed(ctx context.Context, txHash string) (bool, error) {
	ok, err := p.exists(ctx, &analyzedTxEntity{}, txHash)
	if err != nil {
		return false, storeErr("check analyzed", err)
	}
	return ok, nil
}

func (p *PostgresStorage) IsQueued(ctx context.Context, txHash string) (bool, error) {
	ok, err := p.exists(ctx, &failedTxEntity{}, txHash)
	if err != nil {
		return false, storeErr("check queued", err)
	}
	return ok, nil
}

func (p *PostgresStorage) InsertAnalyzed(ctx context.Context, tx *types.AnalyzedTransaction) (bool, error) {
	rec := normalizeAnalyzed(tx)
	result, err := json.Marshal(rec.Analysis)
	if err != nil {
		return false, serializationErr("encode analysis result", err)
	}

	entity := analyzedTxEntity{
		TxHash:         rec.TxHash,
		BatcherAddress: rec.BatcherAddress,
		AnalysisResult: string(result),
		ValueSavedWei:  rec.Analysis.ValueSavedWei(),
		BlobDataGas:    rec.Analysis.BlobDataGas(),
		PectraDataGas:  rec.Analysis.PectraDataGas(),
		ObservedAt:     rec.ObservedAt.Unix(),
	}

	res := p.g.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entity)
	if res.Error != nil {
		return false, storeErr("insert analyzed", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (p *PostgresStorage) GetAnalyzed(ctx context.Context, txHash string) (*types.AnalyzedTransaction, error) {
	h := types.NormalizeHash(txHash)
	var entity analyzedTxEntity
	if err := p.g.WithContext(ctx).First(&entity, "tx_hash = ?", h).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("analyzed transaction %s: %w", h, types.ErrNotFound)
		}
		return nil, storeErr("get analyzed", err)
	}

	rec := types.AnalyzedTransaction{
		TxHash:         entity.TxHash,
		BatcherAddress: entity.BatcherAddress,
		ObservedAt:     time.Unix(entity.ObservedAt, 0).UTC(),
	}
	if err := json.Unmarshal([]byte(entity.AnalysisResult), &rec.Analysis); err != nil {
		return nil, serializationErr("decode analysis result", err)
	}
	return &rec, nil
}

func (p *PostgresStorage) GetCursor(ctx context.Context) (uint64, bool, error) {
	var state monitoringState
	if err := p.g.WithContext(ctx).First(&state, monitoringStateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, storeErr("get cursor", err)
	}
	return state.LastAnalyzedBlock, true, nil
}

func (p *PostgresStorage) SetCursor(ctx context.Context, block uint64) error {
	now := time.Now().UTC()
	err := p.g.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_analyzed_block": gorm.Expr("GREATEST(monitoring_state.last_analyzed_block, excluded.last_analyzed_block)"),
			"updated_at":          now,
		}),
	}).Create(&monitoringState{ID: monitoringStateID, LastAnalyzedBlock: block, UpdatedAt: now}).Error
	if err != nil {
		return storeErr("set cursor", err)
	}
	return nil
}

func (p *PostgresStorage) EnqueueFailed(ctx context.Context, tx *types.FailedTransaction) error {
	rec := normalizeFailed(tx)
	entity := failedEntityFrom(rec)

	return p.g.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var analyzed int64
		if err := db.Model(&analyzedTxEntity{}).Where("tx_hash = ?", rec.TxHash).Count(&analyzed).Error; err != nil {
			return storeErr("check analyzed", err)
		}
		if analyzed > 0 {
			return fmt.Errorf("analyzed transaction %s: %w", rec.TxHash, ErrDuplicate)
		}

		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&entity)
		if res.Error != nil {
			return storeErr("enqueue failed", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("queued transaction %s: %w", rec.TxHash, ErrDuplicate)
		}
		return nil
	})
}

func (p *PostgresStorage) GetFailed(ctx context.Context, txHash string) (*types.FailedTransaction, error) {
	h := types.NormalizeHash(txHash)
	var entity failedTxEntity
	if err := p.g.WithContext(ctx).First(&entity, "tx_hash = ?", h).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("queued transaction %s: %w", h, types.ErrNotFound)
		}
		return nil, storeErr("get failed", err)
	}
	rec := entity.toFailed()
	return &rec, nil
}

func (p *PostgresStorage) ListFailed(ctx context.Context) ([]types.FailedTransaction, error) {
	var entities []failedTxEntity
	err := p.g.WithContext(ctx).Order("next_retry_at ASC, tx_hash ASC").Find(&entities).Error
	if err != nil {
		return nil, storeErr("list failed", err)
	}
	return failedFromEntities(entities), nil
}

func (p *PostgresStorage) ListReadyForRetry(ctx context.Context, now time.Time) ([]types.FailedTransaction, error) {
	var entities []failedTxEntity
	err := p.g.WithContext(ctx).
		Where("next_retry_at <= ?", now.Unix()).
		Order("next_retry_at ASC, tx_hash ASC").
		Find(&entities).Error
	if err != nil {
		return nil, storeErr("list ready for retry", err)
	}
	return failedFromEntities(entities), nil
}

func (p *PostgresStorage) UpdateFailed(ctx context.Context, update types.FailedUpdate) error {
	h := types.NormalizeHash(update.TxHash)
	res := p.g.WithContext(ctx).Model(&failedTxEntity{}).Where("tx_hash = ?", h).Updates(map[string]interface{}{
		"retry_count":       update.RetryCount,
		"next_retry_at":     update.NextRetryAt.Unix(),
		"error_message":     update.ErrorMessage,
		"last_attempted_at": update.LastAttemptedAt.Unix(),
	})
	if res.Error != nil {
		return storeErr("update failed", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("queued transaction %s: %w", h, types.ErrNotFound)
	}
	return nil
}

func (p *PostgresStorage) RemoveFailed(ctx context.Context, txHash string) error {
	err := p.g.WithContext(ctx).Where("tx_hash = ?", types.NormalizeHash(txHash)).Delete(&failedTxEntity{}).Error
	if err != nil {
		return storeErr("remove failed", err)
	}
	return nil
}

func (p *PostgresStorage) AggregateWindow(ctx context.Context, address string, start, end time.Time) (types.WindowTotals, error) {
	addr := types.NormalizeAddress(address)
	totals := types.WindowTotals{BatcherAddress: addr, ValueSaved: decimal.Zero}

	var rows []totalsRow
	err := p.g.WithContext(ctx).Model(&analyzedTxEntity{}).
		Select(totalsSelect).
		Where("batcher_address = ? AND observed_at BETWEEN ? AND ?", addr, start.Unix(), end.Unix()).
		Group("batcher_address").
		Scan(&rows).Error
	if err != nil {
		return totals, storeErr("aggregate window", err)
	}
	if len(rows) == 1 {
		totals = rows[0].toTotals()
	}
	return totals, nil
}

func (p *PostgresStorage) AggregateWindowAll(ctx context.Context, start, end time.Time) ([]types.WindowTotals, error) {
	var rows []totalsRow
	err := p.g.WithContext(ctx).Model(&analyzedTxEntity{}).
		Select(totalsSelect).
		Where("observed_at BETWEEN ? AND ?", start.Unix(), end.Unix()).
		Group("batcher_address").
		Order("batcher_address").
		Scan(&rows).Error
	if err != nil {
		return nil, storeErr("aggregate window", err)
	}

	out := make([]types.WindowTotals, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toTotals())
	}
	return out, nil
}

func (p *PostgresStorage) UpsertDailySnapshots(ctx context.Context, rows []types.DailyBatcherSnapshot) error {
	if len(rows) == 0 {
		return nil
	}

	entities := make([]dailySnapshotEntity, 0, len(rows))
	for _, row := range rows {
		row = normalizeSnapshot(row)
		entities = append(entities, dailySnapshotEntity{
			BatcherAddress:     row.BatcherAddress,
			SnapshotTimestamp:  row.SnapshotTimestamp.Unix(),
			TotalTxCount:       row.TotalTxCount,
			TotalValueSavedWei: row.TotalValueSaved,
			TotalBlobDataGas:   row.TotalBlobDataGas,
			TotalPectraDataGas: row.TotalPectraGas,
		})
	}

	return p.g.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "batcher_address"}, {Name: "snapshot_timestamp"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_tx_count", "total_value_saved_wei", "total_blob_data_gas", "total_pectra_data_gas",
			}),
		}).Create(&entities).Error
		if err != nil {
			return storeErr("upsert snapshots", err)
		}
		return nil
	})
}

func (p *PostgresStorage) ListDailySnapshots(ctx context.Context, address string, since time.Time) ([]types.DailyBatcherSnapshot, error) {
	q := p.g.WithContext(ctx).Where("snapshot_timestamp >= ?", since.Unix())
	if address != "" {
		q = q.Where("batcher_address = ?", types.NormalizeAddress(address))
	}

	var entities []dailySnapshotEntity
	if err := q.Order("snapshot_timestamp ASC, batcher_address ASC").Find(&entities).Error; err != nil {
		return nil, storeErr("list snapshots", err)
	}

	out := make([]types.DailyBatcherSnapshot, 0, len(entities))
	for _, e := range entities {
		out = append(out, types.DailyBatcherSnapshot{
			BatcherAddress:    e.BatcherAddress,
			SnapshotTimestamp: time.Unix(e.SnapshotTimestamp, 0).UTC(),
			TotalTxCount:      e.TotalTxCount,
			TotalValueSaved:   e.TotalValueSavedWei,
			TotalBlobDataGas:  e.TotalBlobDataGas,
			TotalPectraGas:    e.TotalPectraDataGas,
		})
	}
	return out, nil
}

func (p *PostgresStorage) Ping(ctx context.Context) error {
	sqlDB, err := p.g.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (p *PostgresStorage) Close() error {
	sqlDB, err := p.g.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func failedEntityFrom(rec types.FailedTransaction) failedTxEntity {
	return failedTxEntity{
		TxHash:          rec.TxHash,
		BatcherAddress:  rec.BatcherAddress,
		ErrorMessage:    rec.ErrorMessage,
		RetryCount:      rec.RetryCount,
		NextRetryAt:     rec.NextRetryAt.Unix(),
		FirstFailedAt:   rec.FirstFailedAt.Unix(),
		LastAttemptedAt: rec.LastAttemptedAt.Unix(),
	}
}

func (e failedTxEntity) toFailed() types.FailedTransaction {
	return types.FailedTransaction{
		TxHash:          e.TxHash,
		BatcherAddress:  e.BatcherAddress,
		ErrorMessage:    e.ErrorMessage,
		RetryCount:      e.RetryCount,
		NextRetryAt:     time.Unix(e.NextRetryAt, 0).UTC(),
		FirstFailedAt:   time.Unix(e.FirstFailedAt, 0).UTC(),
		LastAttemptedAt: time.Unix(e.LastAttemptedAt, 0).UTC(),
	}
}

func failedFromEntities(entities []failedTxEntity) []types.FailedTransaction {
	out := make([]types.FailedTransaction, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.toFailed())
	}
	return out
}

func (r totalsRow) toTotals() types.WindowTotals {
	return types.WindowTotals{
		BatcherAddress: r.BatcherAddress,
		TxCount:        r.TxCount,
		ValueSaved:     r.ValueSaved,
		BlobDataGas:    r.BlobDataGas,
		PectraDataGas:  r.PectraDataGas,
	}
}
