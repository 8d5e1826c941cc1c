package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ahmadzakiakmal/bftledger/transaction"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Mode is the delivery guarantee requested for a submission. Its value is
// the consensus RPC method invoked.
type Mode string

const (
	ModeAsync  Mode = "broadcast_tx_async"
	ModeSync   Mode = "broadcast_tx_sync"
	ModeCommit Mode = "broadcast_tx_commit"
)

// Modes lists the accepted delivery modes
var Modes = []Mode{ModeAsync, ModeSync, ModeCommit}

const jsonRPCVersion = "2.0"

// ErrInvalidMode is returned for a missing or unknown delivery mode
var ErrInvalidMode = errors.New("mode must be one of broadcast_tx_async, broadcast_tx_sync, broadcast_tx_commit")

// TransportError reports a failed consensus RPC call. Callers own retries.
type TransportError struct {
	Method string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("consensus rpc %s failed with status %d: %v", e.Method, e.Status, e.Err)
	}
	return fmt.Sprintf("consensus rpc %s failed: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RPCError is the error member of a JSON-RPC response
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data == "" {
		return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, e.Data)
}

// Valid reports whether m is one of the accepted modes
func (m Mode) Valid() bool {
	for _, mode := range Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// ParseMode accepts a full method name or its short form (async, sync, commit)
func ParseMode(s string) (Mode, error) {
	mode := Mode(s)
	if mode.Valid() {
		return mode, nil
	}
	short := Mode("broadcast_tx_" + s)
	if s != "" && short.Valid() {
		return short, nil
	}
	return "", fmt.Errorf("%w: got %q", ErrInvalidMode, s)
}

// Config locates the consensus RPC endpoint
type Config struct {
	Host string
	Port int
	// Timeout bounds one RPC call. Zero waits as long as the endpoint does.
	Timeout time.Duration
}

// DefaultConfig points at a local consensus node
func DefaultConfig() Config {
	return Config{Host: "localhost", Port: 46657}
}

// Endpoint is the URL requests are posted to
func (c Config) Endpoint() string {
	return fmt.Sprintf("http://%s/", net.JoinHostPort(c.Host, strconv.Itoa(c.Port)))
}

// Request is the JSON-RPC body sent to the consensus endpoint
type Request struct {
	Method  string   `json:"method"`
	JSONRPC string   `json:"jsonrpc"`
	Params  []string `json:"params"`
	ID      string   `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Submitter forwards transactions to the consensus engine
type Submitter struct {
	endpoint    string
	httpClient  *http.Client
	logger      cmtlog.Logger
	submissions *prometheus.CounterVec
}

// NewSubmitter builds a submitter for cfg. reg may be nil to skip metric registration.
func NewSubmitter(cfg Config, logger cmtlog.Logger, reg prometheus.Registerer) *Submitter {
	return &Submitter{
		endpoint: cfg.Endpoint(),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
		submissions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bftledger",
				Subsystem: "consensus",
				Name:      "submissions_total",
				Help:      "Transactions submitted to the consensus endpoint by method and result",
			},
			[]string{"method", "result"},
		),
	}
}

// Endpoint returns the URL the submitter posts to
func (s *Submitter) Endpoint() string {
	return s.endpoint
}

// Submit sends tx to consensus under mode with a single RPC call.
// An invalid mode fails with ErrInvalidMode before anything is sent.
func (s *Submitter) Submit(ctx context.Context, tx *transaction.Transaction, mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: got %q", ErrInvalidMode, mode)
	}

	encoded, err := transaction.Encode(tx)
	if err != nil {
		return err
	}
	payload := Request{
		Method:  string(mode),
		JSONRPC: jsonRPCVersion,
		Params:  []string{encoded},
		ID:      uuid.NewString(),
	}

	err = s.post(ctx, payload)
	result := "ok"
	if err != nil {
		result = "error"
		s.logger.Error("Consensus submission failed", "method", payload.Method, "tx_id", tx.ID, "request_id", payload.ID, "err", err)
	} else {
		s.logger.Debug("Submitted transaction to consensus", "method", payload.Method, "tx_id", tx.ID, "request_id", payload.ID)
	}
	s.submissions.WithLabelValues(payload.Method, result).Inc()
	return err
}

// SubmitWithOptions keeps the older call shape where the mode travels in a
// keyword map under "mode". It forwards to Submit.
func (s *Submitter) SubmitWithOptions(ctx context.Context, tx *transaction.Transaction, opts map[string]string) error {
	return s.Submit(ctx, tx, Mode(opts["mode"]))
}

func (s *Submitter) post(ctx context.Context, payload Request) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Method: payload.Method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &TransportError{Method: payload.Method, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Method: payload.Method, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{
			Method: payload.Method,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected response: %s", bytes.TrimSpace(respBody)),
		}
	}

	// only the JSON-RPC error member is interpreted
	var rpcResp response
	if err := json.Unmarshal(respBody, &rpcResp); err == nil && rpcResp.Error != nil {
		return &TransportError{Method: payload.Method, Status: resp.StatusCode, Err: rpcResp.Error}
	}
	return nil
}
