package app

import (
	"context"

	"github.com/ahmadzakiakmal/bftledger/transaction"
)

// blockState overlays the transactions accepted so far in a block on top of
// committed state, so a block cannot spend the same output twice
type blockState struct {
	base     transaction.State
	byID     map[string]*transaction.Transaction
	spent    map[transaction.Fulfills]*transaction.Transaction
	accepted []*transaction.Transaction
}

func newBlockState(base transaction.State) *blockState {
	return &blockState{
		base:  base,
		byID:  make(map[string]*transaction.Transaction),
		spent: make(map[transaction.Fulfills]*transaction.Transaction),
	}
}

func (s *blockState) add(tx *transaction.Transaction) {
	s.byID[tx.ID] = tx
	for _, in := range tx.Inputs {
		if in.Fulfills != nil {
			s.spent[*in.Fulfills] = tx
		}
	}
	s.accepted = append(s.accepted, tx)
}

func (s *blockState) GetTransaction(ctx context.Context, id string) (*transaction.Transaction, error) {
	if tx, ok := s.byID[id]; ok {
		return tx, nil
	}
	return s.base.GetTransaction(ctx, id)
}

func (s *blockState) GetSpent(ctx context.Context, txID string, outputIndex int) (*transaction.Transaction, error) {
	if tx, ok := s.spent[transaction.Fulfills{TransactionID: txID, OutputIndex: outputIndex}]; ok {
		return tx, nil
	}
	return s.base.GetSpent(ctx, txID, outputIndex)
}
