package codec

import (
	"testing"

	"github.com/ahmadzakiakmal/bftledger/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTx(data, metadata map[string]interface{}) *transaction.Transaction {
	return &transaction.Transaction{
		ID:        "c0ffee",
		Version:   transaction.Version,
		Operation: transaction.OperationCreate,
		Asset:     &transaction.Asset{Data: data},
		Metadata:  metadata,
		Inputs:    []transaction.Input{{OwnersBefore: []string{"alice"}}},
		Outputs:   []transaction.Output{{PublicKeys: []string{"alice"}, Amount: "1"}},
	}
}

func transferTx(metadata map[string]interface{}) *transaction.Transaction {
	return &transaction.Transaction{
		ID:        "beef",
		Version:   transaction.Version,
		Operation: transaction.OperationTransfer,
		Asset:     &transaction.Asset{ID: "c0ffee"},
		Metadata:  metadata,
		Inputs: []transaction.Input{{
			OwnersBefore: []string{"alice"},
			Fulfills:     &transaction.Fulfills{TransactionID: "c0ffee", OutputIndex: 0},
			Fulfillment:  "sig",
		}},
		Outputs: []transaction.Output{{PublicKeys: []string{"bob"}, Amount: "1"}},
	}
}

func TestDecomposeCreateWithData(t *testing.T) {
	tx := createTx(map[string]interface{}{"x": float64(1)}, map[string]interface{}{"note": "hi"})
	core, asset, metadata := Decompose(tx)

	require.NotNil(t, asset)
	assert.Equal(t, transaction.AssetRecord{ID: "c0ffee", Data: map[string]interface{}{"x": float64(1)}}, *asset)
	assert.Equal(t, transaction.MetadataRecord{ID: "c0ffee", Metadata: map[string]interface{}{"note": "hi"}}, metadata)

	assert.Equal(t, "c0ffee", core.ID)
	assert.Nil(t, core.Asset)
	assert.Equal(t, tx.Inputs, core.Inputs)
	assert.Equal(t, tx.Outputs, core.Outputs)
}

func TestDecomposeCreateWithoutData(t *testing.T) {
	for name, data := range map[string]map[string]interface{}{
		"nil":   nil,
		"empty": {},
	} {
		t.Run(name, func(t *testing.T) {
			core, asset, metadata := Decompose(createTx(data, nil))
			assert.Nil(t, asset)
			assert.Nil(t, core.Asset)
			assert.Equal(t, "c0ffee", metadata.ID)
			assert.Nil(t, metadata.Metadata)
		})
	}

	core, asset, _ := Decompose(&transaction.Transaction{ID: "x", Operation: transaction.OperationCreate})
	assert.Nil(t, asset)
	assert.Nil(t, core.Asset)
}

func TestDecomposeTransferNeverEmitsAsset(t *testing.T) {
	tx := transferTx(nil)
	tx.Asset.Data = map[string]interface{}{"smuggled": true}

	core, asset, metadata := Decompose(tx)
	assert.Nil(t, asset)
	require.NotNil(t, core.Asset)
	assert.Equal(t, &transaction.Asset{ID: "c0ffee"}, core.Asset)
	assert.Equal(t, "beef", metadata.ID)
}

func TestDecomposeDoesNotMutateInput(t *testing.T) {
	tx := createTx(map[string]interface{}{"nested": map[string]interface{}{"k": "v"}}, map[string]interface{}{"m": []interface{}{"a"}})
	before := createTx(map[string]interface{}{"nested": map[string]interface{}{"k": "v"}}, map[string]interface{}{"m": []interface{}{"a"}})

	core, asset, metadata := Decompose(tx)
	assert.Equal(t, before, tx)

	// records do not alias the input
	asset.Data["nested"].(map[string]interface{})["k"] = "changed"
	metadata.Metadata["m"].([]interface{})[0] = "changed"
	core.Inputs[0].OwnersBefore[0] = "changed"
	core.Outputs[0].Amount = "99"
	assert.Equal(t, before, tx)
}

func TestReconstructPlaceholders(t *testing.T) {
	core := transaction.CoreRecord{
		ID:        "c0ffee",
		Version:   transaction.Version,
		Operation: transaction.OperationCreate,
	}
	tx := Reconstruct(core, nil, nil)
	require.NotNil(t, tx.Asset)
	assert.Equal(t, &transaction.Asset{Data: nil}, tx.Asset)
	assert.Nil(t, tx.Metadata)

	tx = Reconstruct(core, nil, &transaction.MetadataRecord{ID: "c0ffee"})
	assert.Nil(t, tx.Metadata)
}

func TestReconstructAttachesAssetData(t *testing.T) {
	core, _, _ := Decompose(createTx(nil, nil))
	asset := &transaction.AssetRecord{ID: "c0ffee", Data: map[string]interface{}{"x": float64(1)}}
	tx := Reconstruct(core, asset, nil)
	assert.Equal(t, &transaction.Asset{Data: map[string]interface{}{"x": float64(1)}}, tx.Asset)
}

func TestReconstructIsIdempotent(t *testing.T) {
	tx := transferTx(map[string]interface{}{"k": "v"})
	core, asset, metadata := Decompose(tx)

	first := Reconstruct(core, asset, &metadata)
	second := Reconstruct(core, asset, &metadata)
	assert.Equal(t, first, second)

	first.Metadata["k"] = "mutated"
	assert.Equal(t, "v", metadata.Metadata["k"])
}

func TestRoundTrip(t *testing.T) {
	cases := map[string]*transaction.Transaction{
		"create with data":        createTx(map[string]interface{}{"x": float64(1)}, map[string]interface{}{"note": "hi"}),
		"create null data":        createTx(nil, map[string]interface{}{"note": "hi"}),
		"create null metadata":    createTx(map[string]interface{}{"x": float64(1)}, nil),
		"transfer with metadata":  transferTx(map[string]interface{}{"memo": []interface{}{"a", float64(2)}}),
		"transfer null metadata":  transferTx(nil),
		"create nested asset":     createTx(map[string]interface{}{"a": map[string]interface{}{"b": []interface{}{true, nil}}}, nil),
		"create empty metadata":   createTx(nil, map[string]interface{}{}),
		"transfer empty metadata": transferTx(map[string]interface{}{}),
	}
	for name, tx := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tx, RoundTrip(tx))
		})
	}
}

func TestRoundTripEmptyAssetDataBecomesNull(t *testing.T) {
	tx, err := transaction.NewCreate("alice", map[string]interface{}{}, nil, 1)
	require.NoError(t, err)

	got := RoundTrip(tx)
	require.NotNil(t, got.Asset)
	assert.Nil(t, got.Asset.Data)
	assert.Equal(t, tx.ID, got.ID)

	// the empty object and null hash differently, so the stored form no
	// longer matches its own id
	recomputed, err := got.ComputeID()
	require.NoError(t, err)
	assert.NotEqual(t, tx.ID, recomputed)
}
