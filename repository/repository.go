package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahmadzakiakmal/bftledger/transaction"
)

// Error codes carried by RepositoryError
const (
	CodeSerialization       = "SERIALIZATION_ERROR"
	CodeDatabase            = "DB_ERROR"
	CodeConnection          = "CONNECTION_ERROR"
	CodeBlockHeightConflict = "BLOCK_HEIGHT_CONFLICT"
)

// ErrBlockHeightConflict is returned when a different block is already
// stored at the same height
var ErrBlockHeightConflict = errors.New("block height already stored with a different app hash")

// RepositoryError represent an error in the repository layer
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
	Err     error
}

func (e *RepositoryError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Detail)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *RepositoryError {
	repoErr := &RepositoryError{
		Code:    code,
		Message: message,
		Err:     err,
	}
	if err != nil {
		repoErr.Detail = err.Error()
	}
	return repoErr
}

// Store is the record store the ledger persists decomposed transactions to.
// Lookups that find nothing return a nil record and a nil error.
type Store interface {
	StoreAsset(ctx context.Context, asset transaction.AssetRecord) error
	StoreMetadata(ctx context.Context, metadata []transaction.MetadataRecord) error
	StoreTransaction(ctx context.Context, core transaction.CoreRecord) error
	StoreBlock(ctx context.Context, block transaction.Block) error

	GetTransaction(ctx context.Context, id string) (*transaction.CoreRecord, error)
	GetAsset(ctx context.Context, id string) (*transaction.AssetRecord, error)
	GetMetadata(ctx context.Context, ids []string) ([]transaction.MetadataRecord, error)
	GetSpent(ctx context.Context, txID string, outputIndex int) (*transaction.CoreRecord, error)
	GetLatestBlock(ctx context.Context) (*transaction.Block, error)

	Close() error
}

// spentOutputs lists the outputs a core record consumes
func spentOutputs(core transaction.CoreRecord) []transaction.Fulfills {
	var refs []transaction.Fulfills
	for _, in := range core.Inputs {
		if in.Fulfills != nil {
			refs = append(refs, *in.Fulfills)
		}
	}
	return refs
}
