package consensus

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/ahmadzakiakmal/bftledger/transaction"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRecorder struct {
	calls    atomic.Int32
	last     Request
	response string
	status   int
}

func (r *rpcRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.calls.Add(1)
	_ = json.NewDecoder(req.Body).Decode(&r.last)
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := r.response
	if body == "" {
		body = `{"jsonrpc":"2.0","id":"` + r.last.ID + `","result":{"code":0}}`
	}
	_, _ = w.Write([]byte(body))
}

func newTestSubmitter(t *testing.T, handler http.Handler, reg prometheus.Registerer) *Submitter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewSubmitter(configFor(t, srv.URL), cmtlog.NewNopLogger(), reg)
}

func configFor(t *testing.T, rawURL string) Config {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Config{Host: host, Port: port}
}

func sampleTx(t *testing.T) *transaction.Transaction {
	t.Helper()
	tx, err := transaction.NewCreate("alice", map[string]interface{}{"x": float64(1)}, nil, 1)
	require.NoError(t, err)
	return tx
}

func TestSubmitPayload(t *testing.T) {
	for _, mode := range Modes {
		t.Run(string(mode), func(t *testing.T) {
			rec := &rpcRecorder{}
			s := newTestSubmitter(t, rec, nil)
			tx := sampleTx(t)

			require.NoError(t, s.Submit(context.Background(), tx, mode))
			assert.EqualValues(t, 1, rec.calls.Load())
			assert.Equal(t, string(mode), rec.last.Method)
			assert.Equal(t, "2.0", rec.last.JSONRPC)
			require.Len(t, rec.last.Params, 1)

			decoded, err := transaction.Decode(rec.last.Params[0])
			require.NoError(t, err)
			assert.Equal(t, tx, decoded)

			_, err = uuid.Parse(rec.last.ID)
			assert.NoError(t, err)
		})
	}
}

func TestSubmitRequestIDsAreUnique(t *testing.T) {
	rec := &rpcRecorder{}
	s := newTestSubmitter(t, rec, nil)
	tx := sampleTx(t)

	require.NoError(t, s.Submit(context.Background(), tx, ModeAsync))
	first := rec.last.ID
	require.NoError(t, s.Submit(context.Background(), tx, ModeAsync))
	assert.NotEqual(t, first, rec.last.ID)
}

func TestSubmitInvalidModeMakesNoCall(t *testing.T) {
	rec := &rpcRecorder{}
	s := newTestSubmitter(t, rec, nil)
	tx := sampleTx(t)

	for _, mode := range []Mode{"foo", "", "async"} {
		err := s.Submit(context.Background(), tx, mode)
		assert.ErrorIs(t, err, ErrInvalidMode, "mode %q", mode)
	}
	err := s.SubmitWithOptions(context.Background(), tx, nil)
	assert.ErrorIs(t, err, ErrInvalidMode)

	assert.EqualValues(t, 0, rec.calls.Load())
}

func TestSubmitWithOptionsForwards(t *testing.T) {
	rec := &rpcRecorder{}
	s := newTestSubmitter(t, rec, nil)

	err := s.SubmitWithOptions(context.Background(), sampleTx(t), map[string]string{"mode": "broadcast_tx_commit"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.calls.Load())
	assert.Equal(t, "broadcast_tx_commit", rec.last.Method)
}

func TestSubmitTransportErrors(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		cfg := configFor(t, srv.URL)
		srv.Close()

		s := NewSubmitter(cfg, cmtlog.NewNopLogger(), nil)
		err := s.Submit(context.Background(), sampleTx(t), ModeSync)
		var transportErr *TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.Equal(t, "broadcast_tx_sync", transportErr.Method)
	})

	t.Run("http status", func(t *testing.T) {
		rec := &rpcRecorder{status: http.StatusInternalServerError, response: "boom"}
		s := newTestSubmitter(t, rec, nil)
		err := s.Submit(context.Background(), sampleTx(t), ModeSync)
		var transportErr *TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.Equal(t, http.StatusInternalServerError, transportErr.Status)
	})

	t.Run("rpc error", func(t *testing.T) {
		rec := &rpcRecorder{response: `{"jsonrpc":"2.0","id":"x","error":{"code":-32603,"message":"Internal error","data":"tx already exists in cache"}}`}
		s := newTestSubmitter(t, rec, nil)
		err := s.Submit(context.Background(), sampleTx(t), ModeCommit)
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, -32603, rpcErr.Code)
		assert.EqualValues(t, 1, rec.calls.Load())
	})

	t.Run("rpc error with numeric id", func(t *testing.T) {
		rec := &rpcRecorder{response: `{"jsonrpc":"2.0","id":7,"error":{"code":-32603,"message":"Internal error","data":"tx already exists in cache"}}`}
		s := newTestSubmitter(t, rec, nil)
		err := s.Submit(context.Background(), sampleTx(t), ModeSync)
		var transportErr *TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.Equal(t, "broadcast_tx_sync", transportErr.Method)
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, "tx already exists in cache", rpcErr.Data)
	})
}

func TestSubmitMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := &rpcRecorder{}
	s := newTestSubmitter(t, rec, reg)

	require.NoError(t, s.Submit(context.Background(), sampleTx(t), ModeAsync))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.submissions.WithLabelValues("broadcast_tx_async", "ok")))
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"async":               ModeAsync,
		"sync":                ModeSync,
		"commit":              ModeCommit,
		"broadcast_tx_commit": ModeCommit,
	}
	for in, want := range cases {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, in := range []string{"", "foo", "broadcast_tx_"} {
		_, err := ParseMode(in)
		assert.ErrorIs(t, err, ErrInvalidMode, in)
	}
}

func TestDefaultEndpoint(t *testing.T) {
	assert.Equal(t, "http://localhost:46657/", DefaultConfig().Endpoint())
}
