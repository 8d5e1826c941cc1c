package transaction

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/crypto/sha3"
)

// Operation tags what a transaction does to its asset
type Operation string

const (
	OperationCreate   Operation = "CREATE"
	OperationTransfer Operation = "TRANSFER"
)

// Version is the transaction format version written by this node
const Version = "2.0"

// Asset holds the asset payload. CREATE transactions carry Data, TRANSFER
// transactions carry only the ID of the originating CREATE.
type Asset struct {
	ID   string                 `json:"id,omitempty"`
	Data map[string]interface{} `json:"data"`
}

// Fulfills points at the output an input consumes
type Fulfills struct {
	TransactionID string `json:"transaction_id"`
	OutputIndex   int    `json:"output_index"`
}

// Input consumes an earlier output, or nothing for a CREATE
type Input struct {
	OwnersBefore []string  `json:"owners_before"`
	Fulfills     *Fulfills `json:"fulfills"`
	Fulfillment  string    `json:"fulfillment,omitempty"`
}

// Output assigns an amount of the asset to a set of public keys
type Output struct {
	PublicKeys []string `json:"public_keys"`
	Amount     string   `json:"amount"`
	Condition  string   `json:"condition,omitempty"`
}

// Transaction is the composite form seen by clients and consensus
type Transaction struct {
	ID        string                 `json:"id"`
	Version   string                 `json:"version"`
	Operation Operation              `json:"operation"`
	Asset     *Asset                 `json:"asset"`
	Metadata  map[string]interface{} `json:"metadata"`
	Inputs    []Input                `json:"inputs"`
	Outputs   []Output               `json:"outputs"`
}

// CoreRecord is a transaction without its asset payload and metadata.
// A TRANSFER keeps its asset link so lineage survives decomposition.
type CoreRecord struct {
	ID        string    `json:"id"`
	Version   string    `json:"version"`
	Operation Operation `json:"operation"`
	Asset     *Asset    `json:"asset,omitempty"`
	Inputs    []Input   `json:"inputs"`
	Outputs   []Output  `json:"outputs"`
}

// AssetRecord is the single stored copy of a CREATE's asset data
type AssetRecord struct {
	ID   string                 `json:"id"`
	Data map[string]interface{} `json:"data"`
}

// MetadataRecord stores a transaction's metadata, one per transaction
type MetadataRecord struct {
	ID       string                 `json:"id"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Block is a checkpoint produced by consensus
type Block struct {
	AppHash string `json:"app_hash"`
	Height  int64  `json:"height"`
}

// AssetID returns the id of the CREATE transaction that defines the asset
func (tx *Transaction) AssetID() string {
	if tx.Operation == OperationCreate {
		return tx.ID
	}
	if tx.Asset == nil {
		return ""
	}
	return tx.Asset.ID
}

// ComputeID hashes the canonical JSON form of the transaction with its id blanked
func (tx *Transaction) ComputeID() (string, error) {
	body := *tx
	body.ID = ""
	raw, err := json.Marshal(&body)
	if err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	sum := sha3.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// WithID stamps the content-derived id onto the transaction and returns it
func (tx *Transaction) WithID() (*Transaction, error) {
	id, err := tx.ComputeID()
	if err != nil {
		return nil, err
	}
	tx.ID = id
	return tx, nil
}

// OutputAmount parses the amount of output i
func (tx *Transaction) OutputAmount(i int) (uint64, error) {
	if i < 0 || i >= len(tx.Outputs) {
		return 0, fmt.Errorf("output index %d out of range", i)
	}
	return strconv.ParseUint(tx.Outputs[i].Amount, 10, 64)
}

// Encode serializes a transaction for the consensus RPC: base64 over JSON
func Encode(tx *Transaction) (string, error) {
	raw, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode
func Decode(encoded string) (*Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return FromRecord(raw)
}

// NewCreate builds a CREATE transaction issuing amount units to owner
func NewCreate(owner string, data, metadata map[string]interface{}, amount uint64) (*Transaction, error) {
	tx := &Transaction{
		Version:   Version,
		Operation: OperationCreate,
		Asset:     &Asset{Data: data},
		Metadata:  metadata,
		Inputs:    []Input{{OwnersBefore: []string{owner}}},
		Outputs: []Output{{
			PublicKeys: []string{owner},
			Amount:     strconv.FormatUint(amount, 10),
		}},
	}
	return tx.WithID()
}

// NewTransfer builds a TRANSFER spending the given inputs of asset assetID
func NewTransfer(assetID string, inputs []Input, outputs []Output, metadata map[string]interface{}) (*Transaction, error) {
	tx := &Transaction{
		Version:   Version,
		Operation: OperationTransfer,
		Asset:     &Asset{ID: assetID},
		Metadata:  metadata,
		Inputs:    inputs,
		Outputs:   outputs,
	}
	return tx.WithID()
}
