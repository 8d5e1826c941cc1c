package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"strconv"
)

// MaxAmount is the largest amount a single output or a transaction's total may carry
const MaxAmount uint64 = 9_000_000_000_000_000_000

var (
	// ErrSchemaInvalid matches every *SchemaError
	ErrSchemaInvalid = errors.New("transaction schema invalid")
	// ErrSemanticInvalid matches every *ValidationError
	ErrSemanticInvalid = errors.New("transaction invalid against ledger state")
)

// SchemaError reports a record that cannot be turned into a Transaction
type SchemaError struct {
	Field  string
	Reason string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid transaction schema: %s", e.Reason)
	}
	return fmt.Sprintf("invalid transaction schema: %s: %s", e.Field, e.Reason)
}

func (e *SchemaError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSchemaInvalid}
	}
	return []error{ErrSchemaInvalid, e.Err}
}

// ValidationKind classifies semantic validation failures
type ValidationKind string

const (
	InvalidHash          ValidationKind = "InvalidHash"
	DuplicateTransaction ValidationKind = "DuplicateTransaction"
	InputDoesNotExist    ValidationKind = "InputDoesNotExist"
	InvalidOutputIndex   ValidationKind = "InvalidOutputIndex"
	DoubleSpend          ValidationKind = "DoubleSpend"
	AssetIDMismatch      ValidationKind = "AssetIdMismatch"
	AmountMismatch       ValidationKind = "AmountError"
	OwnerMismatch        ValidationKind = "InvalidSignature"
	StateUnavailable     ValidationKind = "StateUnavailable"
)

// ValidationError reports a well-formed transaction the ledger rejects
type ValidationError struct {
	Kind   ValidationKind
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSemanticInvalid}
	}
	return []error{ErrSemanticInvalid, e.Err}
}

// State is the read access to committed ledger state validation needs
type State interface {
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetSpent(ctx context.Context, txID string, outputIndex int) (*Transaction, error)
}

// FromRecord parses and schema-checks a raw JSON transaction record
func FromRecord(raw []byte) (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, &SchemaError{Reason: "malformed json", Err: err}
	}
	if err := tx.CheckSchema(); err != nil {
		return nil, err
	}
	return &tx, nil
}

// CheckSchema verifies the structural rules every transaction must follow
func (tx *Transaction) CheckSchema() error {
	if tx.ID == "" {
		return &SchemaError{Field: "id", Reason: "required"}
	}
	if tx.Version == "" {
		return &SchemaError{Field: "version", Reason: "required"}
	}
	switch tx.Operation {
	case OperationCreate, OperationTransfer:
	default:
		return &SchemaError{Field: "operation", Reason: fmt.Sprintf("unknown operation %q", tx.Operation)}
	}
	if tx.Asset == nil {
		return &SchemaError{Field: "asset", Reason: "required"}
	}
	if tx.Operation == OperationTransfer && tx.Asset.ID == "" {
		return &SchemaError{Field: "asset.id", Reason: "required for TRANSFER"}
	}
	if len(tx.Inputs) == 0 {
		return &SchemaError{Field: "inputs", Reason: "at least one input required"}
	}
	if len(tx.Outputs) == 0 {
		return &SchemaError{Field: "outputs", Reason: "at least one output required"}
	}
	for i, in := range tx.Inputs {
		if len(in.OwnersBefore) == 0 {
			return &SchemaError{Field: fmt.Sprintf("inputs[%d].owners_before", i), Reason: "required"}
		}
		if tx.Operation == OperationCreate && in.Fulfills != nil {
			return &SchemaError{Field: fmt.Sprintf("inputs[%d].fulfills", i), Reason: "must be null for CREATE"}
		}
		if tx.Operation == OperationTransfer && in.Fulfills == nil {
			return &SchemaError{Field: fmt.Sprintf("inputs[%d].fulfills", i), Reason: "required for TRANSFER"}
		}
	}
	for i, out := range tx.Outputs {
		if len(out.PublicKeys) == 0 {
			return &SchemaError{Field: fmt.Sprintf("outputs[%d].public_keys", i), Reason: "required"}
		}
		amount, err := strconv.ParseUint(out.Amount, 10, 64)
		if err != nil || amount == 0 || amount > MaxAmount {
			return &SchemaError{Field: fmt.Sprintf("outputs[%d].amount", i), Reason: fmt.Sprintf("must be an integer string between 1 and %d", MaxAmount), Err: err}
		}
	}
	return nil
}

// Validate checks the transaction against committed ledger state
func (tx *Transaction) Validate(ctx context.Context, state State) error {
	id, err := tx.ComputeID()
	if err != nil {
		return &ValidationError{Kind: InvalidHash, Detail: "cannot hash transaction", Err: err}
	}
	if id != tx.ID {
		return &ValidationError{Kind: InvalidHash, Detail: fmt.Sprintf("id %s does not match content hash %s", tx.ID, id)}
	}

	existing, err := state.GetTransaction(ctx, tx.ID)
	if err != nil {
		return &ValidationError{Kind: StateUnavailable, Detail: "lookup failed", Err: err}
	}
	if existing != nil {
		return &ValidationError{Kind: DuplicateTransaction, Detail: fmt.Sprintf("transaction %s already committed", tx.ID)}
	}

	if tx.Operation == OperationCreate {
		return nil
	}
	return tx.validateTransfer(ctx, state)
}

func (tx *Transaction) validateTransfer(ctx context.Context, state State) error {
	assetID := tx.AssetID()
	var inputTotal uint64
	consumed := make(map[Fulfills]struct{}, len(tx.Inputs))
	for i, in := range tx.Inputs {
		ref := in.Fulfills
		if ref == nil {
			return &ValidationError{Kind: InputDoesNotExist, Detail: fmt.Sprintf("input %d fulfills nothing", i)}
		}
		if _, dup := consumed[*ref]; dup {
			return &ValidationError{Kind: DoubleSpend, Detail: fmt.Sprintf("output %s:%d consumed twice", ref.TransactionID, ref.OutputIndex)}
		}
		consumed[*ref] = struct{}{}
		spent, err := state.GetTransaction(ctx, ref.TransactionID)
		if err != nil {
			return &ValidationError{Kind: StateUnavailable, Detail: "lookup failed", Err: err}
		}
		if spent == nil {
			return &ValidationError{Kind: InputDoesNotExist, Detail: fmt.Sprintf("input %s does not exist", ref.TransactionID)}
		}
		if ref.OutputIndex < 0 || ref.OutputIndex >= len(spent.Outputs) {
			return &ValidationError{Kind: InvalidOutputIndex, Detail: fmt.Sprintf("%s has no output %d", ref.TransactionID, ref.OutputIndex)}
		}
		if spent.AssetID() != assetID {
			return &ValidationError{Kind: AssetIDMismatch, Detail: fmt.Sprintf("input %s is asset %s, not %s", ref.TransactionID, spent.AssetID(), assetID)}
		}

		spender, err := state.GetSpent(ctx, ref.TransactionID, ref.OutputIndex)
		if err != nil {
			return &ValidationError{Kind: StateUnavailable, Detail: "lookup failed", Err: err}
		}
		if spender != nil && spender.ID != tx.ID {
			return &ValidationError{Kind: DoubleSpend, Detail: fmt.Sprintf("output %s:%d already spent by %s", ref.TransactionID, ref.OutputIndex, spender.ID)}
		}

		if !sameKeys(in.OwnersBefore, spent.Outputs[ref.OutputIndex].PublicKeys) {
			return &ValidationError{Kind: OwnerMismatch, Detail: fmt.Sprintf("input %s:%d is not owned by its signers", ref.TransactionID, ref.OutputIndex)}
		}

		amount, err := spent.OutputAmount(ref.OutputIndex)
		if err != nil {
			return &ValidationError{Kind: AmountMismatch, Detail: "unreadable input amount", Err: err}
		}
		if inputTotal, err = addAmount(inputTotal, amount); err != nil {
			return err
		}
	}

	var outputTotal uint64
	for i := range tx.Outputs {
		amount, err := tx.OutputAmount(i)
		if err != nil {
			return &ValidationError{Kind: AmountMismatch, Detail: "unreadable output amount", Err: err}
		}
		if outputTotal, err = addAmount(outputTotal, amount); err != nil {
			return err
		}
	}
	if inputTotal != outputTotal {
		return &ValidationError{Kind: AmountMismatch, Detail: fmt.Sprintf("inputs total %d, outputs total %d", inputTotal, outputTotal)}
	}
	return nil
}

func addAmount(total, amount uint64) (uint64, error) {
	sum, carry := bits.Add64(total, amount, 0)
	if carry != 0 || sum > MaxAmount {
		return 0, &ValidationError{Kind: AmountMismatch, Detail: fmt.Sprintf("amount total exceeds %d", MaxAmount)}
	}
	return sum, nil
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, k := range a {
		seen[k]++
	}
	for _, k := range b {
		if seen[k] == 0 {
			return false
		}
		seen[k]--
	}
	return true
}
