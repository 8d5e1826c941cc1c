package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ahmadzakiakmal/bftledger/consensus"
	"github.com/ahmadzakiakmal/bftledger/ledger"
	"github.com/ahmadzakiakmal/bftledger/transaction"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

// WebServer handles HTTP requests
type WebServer struct {
	ledger    *ledger.Ledger
	httpAddr  string
	server    *http.Server
	logger    cmtlog.Logger
	nodeID    string
	startTime time.Time
}

// TransactionResponse is returned for a transaction lookup
type TransactionResponse struct {
	Transaction *transaction.Transaction `json:"transaction"`
	Status      ledger.Status            `json:"status"`
}

// SubmitResponse is returned once a transaction is handed to consensus
type SubmitResponse struct {
	TxID string         `json:"tx_id"`
	Mode consensus.Mode `json:"mode"`
}

// NewWebServer creates a new web server. gatherer may be nil to leave /metrics unmounted.
func NewWebServer(l *ledger.Ledger, httpPort string, nodeID string, logger cmtlog.Logger, gatherer prometheus.Gatherer) *WebServer {
	mux := http.NewServeMux()

	server := &WebServer{
		ledger:   l,
		httpAddr: ":" + httpPort,
		server: &http.Server{
			Addr:              ":" + httpPort,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:    logger,
		nodeID:    nodeID,
		startTime: time.Now(),
	}

	// Register routes
	mux.HandleFunc("GET /{$}", server.handleRoot)
	mux.HandleFunc("POST /api/v1/transactions", server.handlePostTransaction)
	mux.HandleFunc("GET /api/v1/transactions/{id}", server.handleGetTransaction)
	mux.HandleFunc("GET /api/v1/outputs/spent", server.handleGetSpent)
	mux.HandleFunc("GET /api/v1/blocks/latest", server.handleLatestBlock)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return server
}

// Handler exposes the router, mainly for httptest
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("web server error: ", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server")
	return ws.server.Shutdown(ctx)
}

// handleRoot reports node identity and the latest committed block
func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"node_id": ws.nodeID,
		"uptime":  time.Since(ws.startTime).String(),
	}
	latest, err := ws.ledger.GetLatestBlock(r.Context())
	if err != nil {
		info["store_error"] = err.Error()
	} else if latest != nil {
		info["latest_block"] = latest
	}
	writeJSON(w, http.StatusOK, info)
}

func (ws *WebServer) handlePostTransaction(w http.ResponseWriter, r *http.Request) {
	mode := consensus.ModeAsync
	if raw := r.URL.Query().Get("mode"); raw != "" {
		parsed, err := consensus.ParseMode(raw)
		if err != nil {
			JSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		mode = parsed
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		JSONError(w, "Failed to read request: "+err.Error(), http.StatusBadRequest)
		return
	}

	tx, ok := ws.ledger.CheckTransaction(r.Context(), ledger.RawRecord(body))
	if !ok {
		JSONError(w, "Invalid transaction", http.StatusBadRequest)
		return
	}

	err = ws.ledger.WriteTransaction(r.Context(), tx, map[string]string{"mode": string(mode)})
	if err != nil {
		var transportErr *consensus.TransportError
		switch {
		case errors.Is(err, consensus.ErrInvalidMode):
			JSONError(w, err.Error(), http.StatusBadRequest)
		case errors.As(err, &transportErr):
			JSONError(w, "Consensus error occurred: "+err.Error(), http.StatusBadGateway)
		default:
			JSONError(w, "An error occured: "+err.Error(), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{TxID: tx.ID, Mode: mode})
}

func (ws *WebServer) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, status, err := ws.ledger.GetTransactionWithStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		ws.logger.Error("Failed to read transaction", "err", err)
		JSONError(w, "Error reading transaction: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if tx == nil {
		JSONError(w, "Transaction not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, TransactionResponse{Transaction: tx, Status: status})
}

func (ws *WebServer) handleGetSpent(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	txID := query.Get("transaction_id")
	if txID == "" {
		JSONError(w, "transaction_id is required", http.StatusBadRequest)
		return
	}
	outputIndex, err := strconv.Atoi(query.Get("output_index"))
	if err != nil || outputIndex < 0 {
		JSONError(w, "output_index must be a non-negative integer", http.StatusBadRequest)
		return
	}

	tx, err := ws.ledger.GetSpent(r.Context(), txID, outputIndex)
	if err != nil {
		ws.logger.Error("Failed to read spending transaction", "err", err)
		JSONError(w, "Error reading spent output: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if tx == nil {
		JSONError(w, "Output not spent", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (ws *WebServer) handleLatestBlock(w http.ResponseWriter, r *http.Request) {
	block, err := ws.ledger.GetLatestBlock(r.Context())
	if err != nil {
		ws.logger.Error("Failed to read latest block", "err", err)
		JSONError(w, "Error reading latest block: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if block == nil {
		JSONError(w, "No block committed yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		JSONError(w, "Error encoding response: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(jsonBytes)
}

// JSONError sends a JSON formatted error response with the given status code and message
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	errorResponse := struct {
		Error string `json:"error"`
	}{
		Error: message,
	}
	jsonBytes, err := json.Marshal(errorResponse)
	if err != nil {
		http.Error(w, message, statusCode)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(jsonBytes)
}
