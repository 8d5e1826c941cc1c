package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ahmadzakiakmal/bftledger/transaction"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
)

var (
	prefixTransaction = []byte("tx:")
	prefixAsset       = []byte("asset:")
	prefixMetadata    = []byte("meta:")
	prefixSpent       = []byte("spent:")
	prefixBlock       = []byte("block:")
)

// BadgerStore keeps records in an embedded badger key-value store
type BadgerStore struct {
	db     *badger.DB
	logger cmtlog.Logger
}

// OpenBadger opens a badger database at path, in memory if path is empty
func OpenBadger(path string, logger cmtlog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(&badgerLogger{logger: logger})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, newError(CodeConnection, "Failed to open badger", err)
	}
	return NewBadgerStore(db, logger), nil
}

// NewBadgerStore wraps an open badger database
func NewBadgerStore(db *badger.DB, logger cmtlog.Logger) *BadgerStore {
	return &BadgerStore{db: db, logger: logger}
}

func (s *BadgerStore) StoreAsset(_ context.Context, asset transaction.AssetRecord) error {
	return s.putIfAbsent(key(prefixAsset, asset.ID), asset)
}

func (s *BadgerStore) StoreMetadata(_ context.Context, metadata []transaction.MetadataRecord) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, m := range metadata {
			if err := setIfAbsent(txn, key(prefixMetadata, m.ID), m); err != nil {
				return err
			}
		}
		return nil
	})
	return s.wrap("Failed to store metadata", err)
}

func (s *BadgerStore) StoreTransaction(_ context.Context, core transaction.CoreRecord) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := setIfAbsent(txn, key(prefixTransaction, core.ID), core); err != nil {
			return err
		}
		for _, ref := range spentOutputs(core) {
			k := spentKey(ref.TransactionID, ref.OutputIndex)
			_, err := txn.Get(k)
			if err == nil {
				continue
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(k, []byte(core.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	return s.wrap("Failed to store transaction", err)
}

func (s *BadgerStore) StoreBlock(_ context.Context, block transaction.Block) error {
	blockKey := append(append([]byte{}, prefixBlock...), int64ToBytes(block.Height)...)
	var conflict *RepositoryError
	err := s.db.Update(func(txn *badger.Txn) error {
		var existing transaction.Block
		found, err := getJSON(txn, blockKey, &existing)
		if err != nil {
			return err
		}
		if !found {
			return setJSON(txn, blockKey, block)
		}
		if existing.AppHash != block.AppHash {
			conflict = &RepositoryError{
				Code:    CodeBlockHeightConflict,
				Message: "Block height already stored",
				Detail:  fmt.Sprintf("height %d has app hash %s, got %s", block.Height, existing.AppHash, block.AppHash),
				Err:     ErrBlockHeightConflict,
			}
		}
		return nil
	})
	if err != nil {
		return s.wrap("Failed to store block", err)
	}
	if conflict != nil {
		return conflict
	}
	return nil
}

func (s *BadgerStore) GetTransaction(_ context.Context, id string) (*transaction.CoreRecord, error) {
	var core transaction.CoreRecord
	found, err := s.get(key(prefixTransaction, id), &core)
	if err != nil || !found {
		return nil, s.wrap("Failed to load transaction", err)
	}
	return &core, nil
}

func (s *BadgerStore) GetAsset(_ context.Context, id string) (*transaction.AssetRecord, error) {
	var asset transaction.AssetRecord
	found, err := s.get(key(prefixAsset, id), &asset)
	if err != nil || !found {
		return nil, s.wrap("Failed to load asset", err)
	}
	return &asset, nil
}

func (s *BadgerStore) GetMetadata(_ context.Context, ids []string) ([]transaction.MetadataRecord, error) {
	var records []transaction.MetadataRecord
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			var record transaction.MetadataRecord
			found, err := getJSON(txn, key(prefixMetadata, id), &record)
			if err != nil {
				return err
			}
			if found {
				records = append(records, record)
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap("Failed to load metadata", err)
	}
	return records, nil
}

func (s *BadgerStore) GetSpent(ctx context.Context, txID string, outputIndex int) (*transaction.CoreRecord, error) {
	var spenderID string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(spentKey(txID, outputIndex))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			spenderID = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, s.wrap("Failed to load spend", err)
	}
	if spenderID == "" {
		return nil, nil
	}
	return s.GetTransaction(ctx, spenderID)
}

func (s *BadgerStore) GetLatestBlock(_ context.Context) (*transaction.Block, error) {
	var latest *transaction.Block
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefixBlock
		it := txn.NewIterator(opts)
		defer it.Close()

		// heights are big-endian so the last key under the prefix is the highest
		seek := append(append([]byte{}, prefixBlock...), 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(prefixBlock) {
			return nil
		}
		return it.Item().Value(func(val []byte) error {
			var block transaction.Block
			if err := json.Unmarshal(val, &block); err != nil {
				return err
			}
			latest = &block
			return nil
		})
	})
	if err != nil {
		return nil, s.wrap("Failed to load latest block", err)
	}
	return latest, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) putIfAbsent(k []byte, v interface{}) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return setIfAbsent(txn, k, v)
	})
	return s.wrap("Failed to store record", err)
}

func (s *BadgerStore) get(k []byte, v interface{}) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, k, v)
		return err
	})
	return found, err
}

func (s *BadgerStore) wrap(message string, err error) error {
	if err == nil {
		return nil
	}
	var repoErr *RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr
	}
	s.logger.Error(message, "err", err)
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return newError(CodeSerialization, message, err)
	}
	return newError(CodeDatabase, message, err)
}

func setIfAbsent(txn *badger.Txn, k []byte, v interface{}) error {
	_, err := txn.Get(k)
	if err == nil {
		return nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return setJSON(txn, k, v)
}

func setJSON(txn *badger.Txn, k []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return newError(CodeSerialization, "Failed to serialize record", err)
	}
	return txn.Set(k, raw)
}

func getJSON(txn *badger.Txn, k []byte, v interface{}) (bool, error) {
	item, err := txn.Get(k)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
	return err == nil, err
}

func key(prefix []byte, id string) []byte {
	return append(append([]byte{}, prefix...), id...)
}

func spentKey(txID string, outputIndex int) []byte {
	return key(prefixSpent, txID+":"+strconv.Itoa(outputIndex))
}

// int64ToBytes converts an int64 to big-endian bytes
func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)

	buf[0] = byte(i >> 56)
	buf[1] = byte(i >> 48)
	buf[2] = byte(i >> 40)
	buf[3] = byte(i >> 32)
	buf[4] = byte(i >> 24)
	buf[5] = byte(i >> 16)
	buf[6] = byte(i >> 8)
	buf[7] = byte(i)

	return buf
}

// badgerLogger routes badger's internal logging into the node logger
type badgerLogger struct {
	logger cmtlog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), "module", "badger")
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...), "module", "badger")
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "module", "badger")
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "module", "badger")
}
