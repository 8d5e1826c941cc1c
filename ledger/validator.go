package ledger

import (
	"context"
	"errors"

	"github.com/ahmadzakiakmal/bftledger/transaction"
)

// Candidate is a transaction waiting for validation, either still a raw
// record or already structured
type Candidate interface {
	resolve() (*transaction.Transaction, error)
}

// RawRecord is an undecoded JSON transaction record
type RawRecord []byte

func (r RawRecord) resolve() (*transaction.Transaction, error) {
	return transaction.FromRecord(r)
}

// StructuredTransaction wraps a transaction that was already constructed
type StructuredTransaction struct {
	Tx *transaction.Transaction
}

func (s StructuredTransaction) resolve() (*transaction.Transaction, error) {
	if s.Tx == nil {
		return nil, &transaction.SchemaError{Reason: "no transaction"}
	}
	return s.Tx, nil
}

// ValidateTransaction reports whether candidate is valid against the current
// ledger state. Failures are logged, never returned.
func (l *Ledger) ValidateTransaction(ctx context.Context, candidate Candidate) bool {
	_, ok := l.CheckTransaction(ctx, candidate)
	return ok
}

// CheckTransaction is ValidateTransaction that also hands back the resolved
// transaction when it is valid
func (l *Ledger) CheckTransaction(ctx context.Context, candidate Candidate) (*transaction.Transaction, bool) {
	return l.checkAgainst(ctx, candidate, l)
}

// CheckTransactionAgainst validates candidate against an arbitrary state,
// such as committed state overlaid with a block under construction
func (l *Ledger) CheckTransactionAgainst(ctx context.Context, candidate Candidate, state transaction.State) (*transaction.Transaction, bool) {
	return l.checkAgainst(ctx, candidate, state)
}

func (l *Ledger) checkAgainst(ctx context.Context, candidate Candidate, state transaction.State) (*transaction.Transaction, bool) {
	if candidate == nil {
		l.logger.Info("Invalid transaction schema", "err", "no candidate")
		return nil, false
	}
	tx, err := candidate.resolve()
	if err != nil {
		l.logger.Info("Invalid transaction schema", "err", err)
		return nil, false
	}

	if err := tx.Validate(ctx, state); err != nil {
		var validationErr *transaction.ValidationError
		if errors.As(err, &validationErr) {
			l.logger.Info("Invalid transaction", "kind", validationErr.Kind, "tx_id", tx.ID, "err", validationErr.Detail)
		} else {
			l.logger.Info("Invalid transaction", "tx_id", tx.ID, "err", err)
		}
		return nil, false
	}
	return tx, true
}
