package app

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ahmadzakiakmal/bftledger/ledger"
	"github.com/ahmadzakiakmal/bftledger/transaction"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"golang.org/x/crypto/sha3"
)

const (
	codeInvalidTx uint32 = 1
	codeQueryMiss uint32 = 1
	codeQueryErr  uint32 = 2
)

// Application implements the ABCI interface for the nodes
type Application struct {
	ledger  *ledger.Ledger
	mu      sync.Mutex
	config  *AppConfig
	logger  cmtlog.Logger
	nodeID  string
	pending *pendingBlock
}

// AppConfig contains configuration for the application
type AppConfig struct {
	NodeID    string
	LogAllTxs bool // Whether to log all transactions, even rejected ones
}

// pendingBlock holds what FinalizeBlock accepted until Commit persists it
type pendingBlock struct {
	block transaction.Block
	txs   []*transaction.Transaction
}

var _ abcitypes.Application = (*Application)(nil)

// NewABCIApplication creates a new application
func NewABCIApplication(l *ledger.Ledger, config *AppConfig, logger cmtlog.Logger) *Application {
	return &Application{
		ledger: l,
		config: config,
		logger: logger,
		nodeID: config.NodeID,
	}
}

func (app *Application) SetNodeID(id string) {
	app.nodeID = id
}

// Info implements the ABCI Info method
func (app *Application) Info(ctx context.Context, info *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	resp := &abcitypes.InfoResponse{
		Data: fmt.Sprintf("bftledger node %s", app.nodeID),
	}

	latest, err := app.ledger.GetLatestBlock(ctx)
	if err != nil {
		app.logger.Error("Error getting last block info", "err", err)
		return resp, nil
	}
	if latest == nil {
		return resp, nil
	}

	appHash, err := hex.DecodeString(latest.AppHash)
	if err != nil {
		app.logger.Error("Stored app hash is not hex", "height", latest.Height, "err", err)
		return resp, nil
	}
	resp.LastBlockHeight = latest.Height
	resp.LastBlockAppHash = appHash
	return resp, nil
}

// Query implements the ABCI Query method. Supported queries:
// "tx:<id>", "spent:<txid>:<output>" and "block:latest".
func (app *Application) Query(ctx context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	if len(req.Data) == 0 {
		return &abcitypes.QueryResponse{
			Code: codeQueryMiss,
			Log:  "Empty query data",
		}, nil
	}

	var (
		result interface{}
		err    error
	)
	query := string(req.Data)
	switch {
	case strings.HasPrefix(query, "tx:"):
		var tx *transaction.Transaction
		tx, err = app.ledger.GetTransaction(ctx, strings.TrimPrefix(query, "tx:"))
		if tx != nil {
			result = tx
		}
	case strings.HasPrefix(query, "spent:"):
		ref := strings.TrimPrefix(query, "spent:")
		sep := strings.LastIndex(ref, ":")
		if sep < 0 {
			return &abcitypes.QueryResponse{Code: codeQueryMiss, Log: "Malformed spent query"}, nil
		}
		output, convErr := strconv.Atoi(ref[sep+1:])
		if convErr != nil {
			return &abcitypes.QueryResponse{Code: codeQueryMiss, Log: "Malformed output index"}, nil
		}
		var tx *transaction.Transaction
		tx, err = app.ledger.GetSpent(ctx, ref[:sep], output)
		if tx != nil {
			result = tx
		}
	case query == "block:latest":
		var block *transaction.Block
		block, err = app.ledger.GetLatestBlock(ctx)
		if block != nil {
			result = block
		}
	default:
		return &abcitypes.QueryResponse{Code: codeQueryMiss, Log: "Unknown query"}, nil
	}

	if err != nil {
		app.logger.Error("Error reading database, unable to execute query", "err", err)
		return &abcitypes.QueryResponse{
			Code: codeQueryErr,
			Log:  fmt.Sprintf("Database error: %v", err),
		}, nil
	}

	resp := &abcitypes.QueryResponse{Key: req.Data}
	if result == nil {
		resp.Code = codeQueryMiss
		resp.Log = "not found"
		return resp, nil
	}
	value, err := json.Marshal(result)
	if err != nil {
		return &abcitypes.QueryResponse{Code: codeQueryErr, Log: err.Error()}, nil
	}
	resp.Log = "exists"
	resp.Value = value
	return resp, nil
}

// CheckTx implements the ABCI CheckTx method
func (app *Application) CheckTx(
	ctx context.Context,
	check *abcitypes.CheckTxRequest,
) (*abcitypes.CheckTxResponse, error) {
	if !app.ledger.ValidateTransaction(ctx, ledger.RawRecord(check.Tx)) {
		return &abcitypes.CheckTxResponse{
			Code: codeInvalidTx,
			Log:  "invalid transaction",
		}, nil
	}
	return &abcitypes.CheckTxResponse{Code: abcitypes.CodeTypeOK}, nil
}

// InitChain implements the ABCI InitChain method
func (app *Application) InitChain(_ context.Context, chain *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	return &abcitypes.InitChainResponse{}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	// Include all transactions
	return &abcitypes.PrepareProposalResponse{Txs: proposal.Txs}, nil
}

// ProcessProposal implements the ABCI ProcessProposal method. A proposal is
// rejected when any transaction in it is not even well formed.
func (app *Application) ProcessProposal(
	_ context.Context,
	proposal *abcitypes.ProcessProposalRequest,
) (*abcitypes.ProcessProposalResponse, error) {
	for _, txBytes := range proposal.Txs {
		if _, err := transaction.FromRecord(txBytes); err != nil {
			app.logger.Info("Voted invalid", "height", proposal.Height, "err", err)
			return &abcitypes.ProcessProposalResponse{
				Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT,
			}, nil
		}
	}
	return &abcitypes.ProcessProposalResponse{
		Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT,
	}, nil
}

// FinalizeBlock implements the ABCI FinalizeBlock method. Each transaction
// is validated against committed state plus the transactions accepted
// earlier in the same block.
func (app *Application) FinalizeBlock(
	ctx context.Context,
	req *abcitypes.FinalizeBlockRequest,
) (*abcitypes.FinalizeBlockResponse, error) {
	var txResults = make([]*abcitypes.ExecTxResult, len(req.Txs))

	app.mu.Lock()
	defer app.mu.Unlock()

	prevAppHash, err := app.lastAppHash(ctx)
	if err != nil {
		return nil, err
	}

	state := newBlockState(app.ledger)
	for i, txBytes := range req.Txs {
		tx, ok := app.ledger.CheckTransactionAgainst(ctx, ledger.RawRecord(txBytes), state)
		if !ok {
			if app.config.LogAllTxs {
				app.logger.Info("Rejected transaction", "height", req.Height, "index", i)
			}
			txResults[i] = &abcitypes.ExecTxResult{
				Code: codeInvalidTx,
				Log:  "invalid transaction",
			}
			continue
		}
		state.add(tx)
		txResults[i] = execResult(tx)
	}

	appHash := calculateAppHash(prevAppHash, state.accepted)
	app.pending = &pendingBlock{
		block: transaction.Block{
			AppHash: hex.EncodeToString(appHash),
			Height:  req.Height,
		},
		txs: state.accepted,
	}

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash,
	}, nil
}

// Commit implements the ABCI Commit method. It decomposes and stores the
// transactions of the finalized block, then the block itself.
func (app *Application) Commit(ctx context.Context, commit *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	pending := app.pending
	if pending == nil {
		return &abcitypes.CommitResponse{}, nil
	}

	for _, tx := range pending.txs {
		if err := app.ledger.StoreTransaction(ctx, tx); err != nil {
			app.logger.Error("Error storing transaction", "tx_id", tx.ID, "err", err)
			return nil, err
		}
	}
	if err := app.ledger.StoreBlock(ctx, pending.block); err != nil {
		app.logger.Error("Error committing block", "height", pending.block.Height, "err", err)
		return nil, err
	}
	app.pending = nil

	app.logger.Info("Committed block", "height", pending.block.Height, "txs", len(pending.txs), "app_hash", pending.block.AppHash)
	return &abcitypes.CommitResponse{}, nil
}

// ListSnapshots implements the ABCI ListSnapshots method
func (app *Application) ListSnapshots(_ context.Context, snapshots *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

// OfferSnapshot implements the ABCI OfferSnapshot method
func (app *Application) OfferSnapshot(_ context.Context, snapshot *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

// LoadSnapshotChunk implements the ABCI LoadSnapshotChunk method
func (app *Application) LoadSnapshotChunk(_ context.Context, chunk *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

// ApplySnapshotChunk implements the ABCI ApplySnapshotChunk method
func (app *Application) ApplySnapshotChunk(_ context.Context, chunk *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{
		Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT,
	}, nil
}

// ExtendVote implements the ABCI ExtendVote method
func (app *Application) ExtendVote(_ context.Context, extend *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

// VerifyVoteExtension implements the ABCI VerifyVoteExtension method
func (app *Application) VerifyVoteExtension(_ context.Context, verify *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{}, nil
}

// Helper Functions

func (app *Application) lastAppHash(ctx context.Context) ([]byte, error) {
	latest, err := app.ledger.GetLatestBlock(ctx)
	if err != nil || latest == nil {
		return nil, err
	}
	return hex.DecodeString(latest.AppHash)
}

// execResult builds the result and index events for an accepted transaction
func execResult(tx *transaction.Transaction) *abcitypes.ExecTxResult {
	events := []abcitypes.Event{
		{
			Type: "ledger_tx",
			Attributes: []abcitypes.EventAttribute{
				{Key: "tx_id", Value: tx.ID, Index: true},
				{Key: "operation", Value: string(tx.Operation), Index: true},
				{Key: "asset_id", Value: tx.AssetID(), Index: true},
			},
		},
	}
	return &abcitypes.ExecTxResult{
		Code:   abcitypes.CodeTypeOK,
		Data:   []byte(tx.ID),
		Log:    "accepted",
		Events: events,
	}
}

// calculateAppHash chains the previous app hash with the ids accepted in this block
func calculateAppHash(prev []byte, txs []*transaction.Transaction) []byte {
	var buf bytes.Buffer
	buf.Write(prev)
	for _, tx := range txs {
		buf.WriteString(tx.ID)
	}
	hash := sha3.Sum256(buf.Bytes())
	return hash[:]
}
