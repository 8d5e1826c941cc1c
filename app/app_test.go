package app

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/ahmadzakiakmal/bftledger/ledger"
	"github.com/ahmadzakiakmal/bftledger/repository"
	"github.com/ahmadzakiakmal/bftledger/transaction"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *Application {
	t.Helper()
	store, err := repository.OpenBadger("", cmtlog.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	l := ledger.New(store, nil, cmtlog.NewNopLogger())
	return NewABCIApplication(l, &AppConfig{NodeID: "node0", LogAllTxs: true}, cmtlog.NewNopLogger())
}

func encode(t *testing.T, tx *transaction.Transaction) []byte {
	t.Helper()
	raw, err := json.Marshal(tx)
	require.NoError(t, err)
	return raw
}

func fixtures(t *testing.T) (origin, spend, doubleSpend *transaction.Transaction) {
	t.Helper()
	origin, err := transaction.NewCreate("alice", map[string]interface{}{"x": float64(1)}, nil, 1)
	require.NoError(t, err)
	ref := []transaction.Input{{OwnersBefore: []string{"alice"}, Fulfills: &transaction.Fulfills{TransactionID: origin.ID, OutputIndex: 0}}}
	spend, err = transaction.NewTransfer(origin.ID, ref, []transaction.Output{{PublicKeys: []string{"bob"}, Amount: "1"}}, nil)
	require.NoError(t, err)
	doubleSpend, err = transaction.NewTransfer(origin.ID, ref, []transaction.Output{{PublicKeys: []string{"carol"}, Amount: "1"}}, nil)
	require.NoError(t, err)
	return origin, spend, doubleSpend
}

func commitBlock(t *testing.T, a *Application, height int64, txs ...[]byte) *abcitypes.FinalizeBlockResponse {
	t.Helper()
	ctx := context.Background()
	resp, err := a.FinalizeBlock(ctx, &abcitypes.FinalizeBlockRequest{Txs: txs, Height: height})
	require.NoError(t, err)
	_, err = a.Commit(ctx, &abcitypes.CommitRequest{})
	require.NoError(t, err)
	return resp
}

func TestCheckTx(t *testing.T) {
	a := newTestApp(t)
	origin, _, _ := fixtures(t)
	ctx := context.Background()

	resp, err := a.CheckTx(ctx, &abcitypes.CheckTxRequest{Tx: encode(t, origin)})
	require.NoError(t, err)
	assert.Equal(t, abcitypes.CodeTypeOK, resp.Code)

	resp, err = a.CheckTx(ctx, &abcitypes.CheckTxRequest{Tx: []byte(`{"bogus":true}`)})
	require.NoError(t, err)
	assert.Equal(t, codeInvalidTx, resp.Code)
}

func TestFinalizeAndCommit(t *testing.T) {
	a := newTestApp(t)
	origin, spend, doubleSpend := fixtures(t)
	ctx := context.Background()

	resp := commitBlock(t, a, 1, encode(t, origin), encode(t, spend), encode(t, doubleSpend))
	require.Len(t, resp.TxResults, 3)
	assert.Equal(t, abcitypes.CodeTypeOK, resp.TxResults[0].Code)
	assert.Equal(t, abcitypes.CodeTypeOK, resp.TxResults[1].Code)
	// same output spent twice in one block
	assert.Equal(t, codeInvalidTx, resp.TxResults[2].Code)
	assert.Equal(t, []byte(origin.ID), resp.TxResults[0].Data)
	assert.Len(t, resp.AppHash, 32)

	l := a.ledger
	stored, err := l.GetTransaction(ctx, origin.ID)
	require.NoError(t, err)
	assert.Equal(t, origin, stored)

	spender, err := l.GetSpent(ctx, origin.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, spender)
	assert.Equal(t, spend.ID, spender.ID)

	missing, err := l.GetTransaction(ctx, doubleSpend.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)

	latest, err := l.GetLatestBlock(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(1), latest.Height)
	assert.Equal(t, hex.EncodeToString(resp.AppHash), latest.AppHash)

	info, err := a.Info(ctx, &abcitypes.InfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.LastBlockHeight)
	assert.Equal(t, resp.AppHash, info.LastBlockAppHash)
}

func TestAppHashChains(t *testing.T) {
	a := newTestApp(t)
	first := commitBlock(t, a, 1)
	second := commitBlock(t, a, 2)
	assert.NotEqual(t, first.AppHash, second.AppHash)
	assert.Equal(t, calculateAppHash(first.AppHash, nil), second.AppHash)
}

func TestCommitWithoutFinalize(t *testing.T) {
	a := newTestApp(t)
	_, err := a.Commit(context.Background(), &abcitypes.CommitRequest{})
	assert.NoError(t, err)
}

func TestProcessProposal(t *testing.T) {
	a := newTestApp(t)
	origin, _, _ := fixtures(t)
	ctx := context.Background()

	resp, err := a.ProcessProposal(ctx, &abcitypes.ProcessProposalRequest{Txs: [][]byte{encode(t, origin)}})
	require.NoError(t, err)
	assert.Equal(t, abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT, resp.Status)

	resp, err = a.ProcessProposal(ctx, &abcitypes.ProcessProposalRequest{Txs: [][]byte{[]byte("junk")}})
	require.NoError(t, err)
	assert.Equal(t, abcitypes.PROCESS_PROPOSAL_STATUS_REJECT, resp.Status)
}

func TestQuery(t *testing.T) {
	a := newTestApp(t)
	origin, spend, _ := fixtures(t)
	commitBlock(t, a, 1, encode(t, origin), encode(t, spend))
	ctx := context.Background()

	resp, err := a.Query(ctx, &abcitypes.QueryRequest{Data: []byte("tx:" + origin.ID)})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), resp.Code)
	var got transaction.Transaction
	require.NoError(t, json.Unmarshal(resp.Value, &got))
	assert.Equal(t, origin.ID, got.ID)

	resp, err = a.Query(ctx, &abcitypes.QueryRequest{Data: []byte("spent:" + origin.ID + ":0")})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(resp.Value, &got))
	assert.Equal(t, spend.ID, got.ID)

	resp, err = a.Query(ctx, &abcitypes.QueryRequest{Data: []byte("spent:" + origin.ID + ":1")})
	require.NoError(t, err)
	assert.Equal(t, codeQueryMiss, resp.Code)

	resp, err = a.Query(ctx, &abcitypes.QueryRequest{Data: []byte("block:latest")})
	require.NoError(t, err)
	var block transaction.Block
	require.NoError(t, json.Unmarshal(resp.Value, &block))
	assert.Equal(t, int64(1), block.Height)

	for _, q := range []string{"", "nope", "spent:abc", "spent:abc:x"} {
		resp, err = a.Query(ctx, &abcitypes.QueryRequest{Data: []byte(q)})
		require.NoError(t, err)
		assert.Equal(t, codeQueryMiss, resp.Code, q)
	}
}
