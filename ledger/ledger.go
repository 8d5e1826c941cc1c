package ledger

import (
	"context"
	"fmt"

	"github.com/ahmadzakiakmal/bftledger/codec"
	"github.com/ahmadzakiakmal/bftledger/consensus"
	"github.com/ahmadzakiakmal/bftledger/repository"
	"github.com/ahmadzakiakmal/bftledger/transaction"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// Status is the consensus status reported alongside a transaction
type Status string

// StatusValid is the only status this node reports for a stored transaction
const StatusValid Status = "valid"

// Submitter forwards transactions to consensus
type Submitter interface {
	Submit(ctx context.Context, tx *transaction.Transaction, mode consensus.Mode) error
	SubmitWithOptions(ctx context.Context, tx *transaction.Transaction, opts map[string]string) error
}

// Ledger joins the record store, the codec and the consensus submitter
type Ledger struct {
	store     repository.Store
	submitter Submitter
	logger    cmtlog.Logger
}

var _ transaction.State = (*Ledger)(nil)

// New creates a ledger. submitter may be nil on nodes that never post.
func New(store repository.Store, submitter Submitter, logger cmtlog.Logger) *Ledger {
	return &Ledger{
		store:     store,
		submitter: submitter,
		logger:    logger,
	}
}

// PostTransaction submits a transaction to the mempool under mode
func (l *Ledger) PostTransaction(ctx context.Context, tx *transaction.Transaction, mode consensus.Mode) error {
	if l.submitter == nil {
		return fmt.Errorf("ledger has no consensus submitter")
	}
	return l.submitter.Submit(ctx, tx, mode)
}

// WriteTransaction is the options-map form of PostTransaction kept for the HTTP API
func (l *Ledger) WriteTransaction(ctx context.Context, tx *transaction.Transaction, opts map[string]string) error {
	if l.submitter == nil {
		return fmt.Errorf("ledger has no consensus submitter")
	}
	return l.submitter.SubmitWithOptions(ctx, tx, opts)
}

// StoreTransaction decomposes a committed transaction and persists its records
func (l *Ledger) StoreTransaction(ctx context.Context, tx *transaction.Transaction) error {
	core, asset, metadata := codec.Decompose(tx)
	if asset != nil {
		if err := l.store.StoreAsset(ctx, *asset); err != nil {
			return err
		}
	}
	if err := l.store.StoreMetadata(ctx, []transaction.MetadataRecord{metadata}); err != nil {
		return err
	}
	return l.store.StoreTransaction(ctx, core)
}

// GetTransaction returns the transaction with id, or nil if it is not stored
func (l *Ledger) GetTransaction(ctx context.Context, id string) (*transaction.Transaction, error) {
	core, err := l.store.GetTransaction(ctx, id)
	if err != nil || core == nil {
		return nil, err
	}

	var asset *transaction.AssetRecord
	if core.Operation == transaction.OperationCreate {
		asset, err = l.store.GetAsset(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	records, err := l.store.GetMetadata(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	var metadata *transaction.MetadataRecord
	if len(records) > 0 {
		metadata = &records[0]
	}

	return codec.Reconstruct(*core, asset, metadata), nil
}

// GetTransactionWithStatus is GetTransaction plus the transaction's status.
// The status is empty when the transaction is not found.
func (l *Ledger) GetTransactionWithStatus(ctx context.Context, id string) (*transaction.Transaction, Status, error) {
	tx, err := l.GetTransaction(ctx, id)
	if err != nil || tx == nil {
		return nil, "", err
	}
	return tx, StatusValid, nil
}

// GetSpent returns the transaction spending output outputIndex of txID, or
// nil if that output is unspent. A TRANSFER is returned without the asset
// payload it inherits; callers follow its asset id for that.
func (l *Ledger) GetSpent(ctx context.Context, txID string, outputIndex int) (*transaction.Transaction, error) {
	core, err := l.store.GetSpent(ctx, txID, outputIndex)
	if err != nil || core == nil {
		return nil, err
	}

	switch core.Operation {
	case transaction.OperationCreate:
		asset, err := l.store.GetAsset(ctx, core.ID)
		if err != nil {
			return nil, err
		}
		return codec.Reconstruct(*core, asset, nil), nil
	default:
		return codec.Reconstruct(*core, nil, nil), nil
	}
}

// StoreBlock records a consensus checkpoint
func (l *Ledger) StoreBlock(ctx context.Context, block transaction.Block) error {
	return l.store.StoreBlock(ctx, block)
}

// GetLatestBlock returns the block with the largest height, or nil before the first commit
func (l *Ledger) GetLatestBlock(ctx context.Context) (*transaction.Block, error) {
	return l.store.GetLatestBlock(ctx)
}
