// Package codec splits transactions into the records the store keeps and
// merges them back. It does no I/O.
package codec

import (
	"github.com/ahmadzakiakmal/bftledger/transaction"
)

// Decompose splits tx into its core, asset and metadata records. The asset
// record is nil unless tx is a CREATE with non-empty asset data. tx is not
// modified.
func Decompose(tx *transaction.Transaction) (transaction.CoreRecord, *transaction.AssetRecord, transaction.MetadataRecord) {
	core := transaction.CoreRecord{
		ID:        tx.ID,
		Version:   tx.Version,
		Operation: tx.Operation,
		Inputs:    copyInputs(tx.Inputs),
		Outputs:   copyOutputs(tx.Outputs),
	}

	var asset *transaction.AssetRecord
	if tx.Operation == transaction.OperationCreate {
		if tx.Asset != nil && len(tx.Asset.Data) > 0 {
			asset = &transaction.AssetRecord{
				ID:   tx.ID,
				Data: copyMap(tx.Asset.Data),
			}
		}
	} else if tx.Asset != nil {
		// TRANSFER shares the asset by id, the link stays on the core record
		core.Asset = &transaction.Asset{ID: tx.Asset.ID}
	}

	metadata := transaction.MetadataRecord{
		ID:       tx.ID,
		Metadata: copyMap(tx.Metadata),
	}
	return core, asset, metadata
}

// Reconstruct merges stored records back into a transaction. Missing asset
// and metadata records are legitimate: the asset becomes {data: null} (or
// the TRANSFER link kept on the core record) and metadata becomes nil.
// The result only depends on the arguments, so calling it again yields
// the same transaction.
func Reconstruct(core transaction.CoreRecord, asset *transaction.AssetRecord, metadata *transaction.MetadataRecord) *transaction.Transaction {
	tx := &transaction.Transaction{
		ID:        core.ID,
		Version:   core.Version,
		Operation: core.Operation,
		Inputs:    copyInputs(core.Inputs),
		Outputs:   copyOutputs(core.Outputs),
	}

	switch {
	case asset != nil:
		tx.Asset = &transaction.Asset{Data: copyMap(asset.Data)}
	case core.Asset != nil:
		tx.Asset = &transaction.Asset{ID: core.Asset.ID, Data: copyMap(core.Asset.Data)}
	default:
		tx.Asset = &transaction.Asset{Data: nil}
	}

	if metadata != nil {
		tx.Metadata = copyMap(metadata.Metadata)
	}
	return tx
}

// RoundTrip decomposes tx and reconstructs it from the resulting records
func RoundTrip(tx *transaction.Transaction) *transaction.Transaction {
	core, asset, metadata := Decompose(tx)
	return Reconstruct(core, asset, &metadata)
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return copyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return val
	}
}

func copyInputs(inputs []transaction.Input) []transaction.Input {
	if inputs == nil {
		return nil
	}
	out := make([]transaction.Input, len(inputs))
	for i, in := range inputs {
		out[i] = transaction.Input{
			OwnersBefore: copyStrings(in.OwnersBefore),
			Fulfillment:  in.Fulfillment,
		}
		if in.Fulfills != nil {
			ref := *in.Fulfills
			out[i].Fulfills = &ref
		}
	}
	return out
}

func copyOutputs(outputs []transaction.Output) []transaction.Output {
	if outputs == nil {
		return nil
	}
	out := make([]transaction.Output, len(outputs))
	for i, o := range outputs {
		out[i] = transaction.Output{
			PublicKeys: copyStrings(o.PublicKeys),
			Amount:     o.Amount,
			Condition:  o.Condition,
		}
	}
	return out
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}
