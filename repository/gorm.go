package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/bftledger/repository/models"
	"github.com/ahmadzakiakmal/bftledger/transaction"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// PostgreSQL error codes the store reacts to
const (
	// Class 23: Integrity Constraint Violation
	PgErrUniqueViolation = "23505" // unique_violation

	// Class 08: Connection Exception
	PgErrConnectionException = "08000" // connection_exception
	PgErrConnectionFailure   = "08006" // connection_failure

	// Class 57: Operator Intervention
	PgErrAdminShutdown = "57P01" // admin_shutdown
)

const (
	connectAttempts = 10
	connectBackoff  = 2 * time.Second
)

// GormStore keeps records in a relational database through gorm
type GormStore struct {
	db     *gorm.DB
	logger cmtlog.Logger
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
		TranslateError:         true,
	}
}

// OpenPostgres connects to PostgreSQL, retrying while the server comes up
func OpenPostgres(dsn string, logger cmtlog.Logger) (*GormStore, error) {
	var lastErr error
	for i := range connectAttempts {
		logger.Info("Connecting to Postgres", "attempt", i+1)
		db, err := gorm.Open(postgres.Open(dsn), gormConfig())
		if err == nil {
			logger.Info("Connected to Postgres")
			return NewGormStore(db, logger)
		}
		lastErr = err
		logger.Error("Postgres connection attempt failed", "attempt", i+1, "err", err)
		time.Sleep(connectBackoff)
	}
	return nil, newError(CodeConnection, "Failed to connect to Postgres", lastErr)
}

// OpenSqlite opens an SQLite database in dataDir, in memory if dataDir is empty
func OpenSqlite(dataDir string, logger cmtlog.Logger) (*GormStore, error) {
	dsn := "file::memory:?cache=shared"
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, fs.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		dsn = fmt.Sprintf(
			"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
			filepath.Join(dataDir, "ledger.sqlite"),
		)
	}
	return openSqliteDSN(dsn, logger)
}

func openSqliteDSN(dsn string, logger cmtlog.Logger) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, newError(CodeConnection, "Failed to open sqlite", err)
	}
	return NewGormStore(db, logger)
}

// NewGormStore wraps an open gorm connection and creates the schema
func NewGormStore(db *gorm.DB, logger cmtlog.Logger) (*GormStore, error) {
	s := &GormStore{db: db, logger: logger}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates the tables
func (s *GormStore) Migrate() error {
	for _, model := range models.MigrateModels {
		if err := s.db.AutoMigrate(model); err != nil {
			return newError(CodeDatabase, "Failed to migrate schema", err)
		}
	}
	s.logger.Debug("Database migration completed")
	return nil
}

// DB exposes the underlying connection
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) StoreAsset(ctx context.Context, asset transaction.AssetRecord) error {
	data, err := json.Marshal(asset.Data)
	if err != nil {
		return newError(CodeSerialization, "Failed to serialize asset", err)
	}
	row := models.Asset{ID: asset.ID, Data: string(data)}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return s.dbError("Failed to store asset", err)
	}
	return nil
}

func (s *GormStore) StoreMetadata(ctx context.Context, metadata []transaction.MetadataRecord) error {
	if len(metadata) == 0 {
		return nil
	}
	rows := make([]models.Metadata, 0, len(metadata))
	for _, m := range metadata {
		body, err := json.Marshal(m.Metadata)
		if err != nil {
			return newError(CodeSerialization, "Failed to serialize metadata", err)
		}
		rows = append(rows, models.Metadata{ID: m.ID, Metadata: string(body)})
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return s.dbError("Failed to store metadata", err)
	}
	return nil
}

func (s *GormStore) StoreTransaction(ctx context.Context, core transaction.CoreRecord) error {
	body, err := json.Marshal(core)
	if err != nil {
		return newError(CodeSerialization, "Failed to serialize transaction", err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.Transaction{
			ID:        core.ID,
			Operation: string(core.Operation),
			Body:      string(body),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
		refs := spentOutputs(core)
		if len(refs) == 0 {
			return nil
		}
		spends := make([]models.Spend, 0, len(refs))
		for _, ref := range refs {
			spends = append(spends, models.Spend{
				TransactionID: ref.TransactionID,
				OutputIndex:   ref.OutputIndex,
				SpendingTxID:  core.ID,
			})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&spends).Error
	})
	if err != nil {
		return s.dbError("Failed to store transaction", err)
	}
	return nil
}

func (s *GormStore) StoreBlock(ctx context.Context, block transaction.Block) error {
	row := models.Block{Height: block.Height, AppHash: block.AppHash}
	err := s.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return s.dbError("Failed to store block", err)
	}

	var existing models.Block
	if err := s.db.WithContext(ctx).First(&existing, "height = ?", block.Height).Error; err != nil {
		return s.dbError("Failed to load block", err)
	}
	if existing.AppHash != block.AppHash {
		return &RepositoryError{
			Code:    CodeBlockHeightConflict,
			Message: "Block height already stored",
			Detail:  fmt.Sprintf("height %d has app hash %s, got %s", block.Height, existing.AppHash, block.AppHash),
			Err:     ErrBlockHeightConflict,
		}
	}
	return nil
}

func (s *GormStore) GetTransaction(ctx context.Context, id string) (*transaction.CoreRecord, error) {
	var row models.Transaction
	err := s.db.WithContext(ctx).First(&row, "transaction_id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, s.dbError("Failed to load transaction", err)
	}
	return decodeCore([]byte(row.Body))
}

func (s *GormStore) GetAsset(ctx context.Context, id string) (*transaction.AssetRecord, error) {
	var row models.Asset
	err := s.db.WithContext(ctx).First(&row, "asset_id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, s.dbError("Failed to load asset", err)
	}
	asset := &transaction.AssetRecord{ID: row.ID}
	if err := json.Unmarshal([]byte(row.Data), &asset.Data); err != nil {
		return nil, newError(CodeSerialization, "Failed to decode asset", err)
	}
	return asset, nil
}

func (s *GormStore) GetMetadata(ctx context.Context, ids []string) ([]transaction.MetadataRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []models.Metadata
	if err := s.db.WithContext(ctx).Where("transaction_id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, s.dbError("Failed to load metadata", err)
	}
	records := make([]transaction.MetadataRecord, 0, len(rows))
	for _, row := range rows {
		record := transaction.MetadataRecord{ID: row.ID}
		if err := json.Unmarshal([]byte(row.Metadata), &record.Metadata); err != nil {
			return nil, newError(CodeSerialization, "Failed to decode metadata", err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *GormStore) GetSpent(ctx context.Context, txID string, outputIndex int) (*transaction.CoreRecord, error) {
	var spend models.Spend
	err := s.db.WithContext(ctx).
		First(&spend, "transaction_id = ? AND output_index = ?", txID, outputIndex).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, s.dbError("Failed to load spend", err)
	}
	return s.GetTransaction(ctx, spend.SpendingTxID)
}

func (s *GormStore) GetLatestBlock(ctx context.Context) (*transaction.Block, error) {
	var row models.Block
	err := s.db.WithContext(ctx).Order("height desc").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, s.dbError("Failed to load latest block", err)
	}
	return &transaction.Block{AppHash: row.AppHash, Height: row.Height}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) dbError(message string, err error) error {
	code := CodeDatabase
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case PgErrConnectionException, PgErrConnectionFailure, PgErrAdminShutdown:
			code = CodeConnection
		}
		s.logger.Error(message, "pg_code", pgErr.Code, "err", pgErr.Message)
	} else {
		s.logger.Error(message, "err", err)
	}
	return newError(code, message, err)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == PgErrUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func decodeCore(body []byte) (*transaction.CoreRecord, error) {
	var core transaction.CoreRecord
	if err := json.Unmarshal(body, &core); err != nil {
		return nil, newError(CodeSerialization, "Failed to decode transaction", err)
	}
	return &core, nil
}
