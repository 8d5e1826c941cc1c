package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ahmadzakiakmal/bftledger/transaction"
)

type RequestOptions struct {
	Headers map[string]string
	Timeout time.Duration
	Context context.Context
}

type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// APIError is a non-2xx answer from the ledger HTTP API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger api returned %d: %s", e.StatusCode, e.Message)
}

// TransactionResult is the body of a transaction lookup
type TransactionResult struct {
	Transaction *transaction.Transaction `json:"transaction"`
	Status      string                   `json:"status"`
}

// SubmitResult is the body of an accepted submission
type SubmitResult struct {
	TxID string `json:"tx_id"`
	Mode string `json:"mode"`
}

type HTTPClient struct {
	BaseURL     string
	Client      *http.Client
	DefaultOpts RequestOptions
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Client: &http.Client{
			Timeout: 30 * time.Second,
		},
		DefaultOpts: RequestOptions{
			Headers: map[string]string{},
			Timeout: 30 * time.Second,
		},
	}
}

func (c *HTTPClient) Call(method, endpoint string, body interface{}, opts *RequestOptions) (*Response, error) {
	if opts == nil {
		opts = &c.DefaultOpts
	}

	var bodyReader io.Reader
	if body != nil {
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewBuffer(bodyJSON)
	}

	ctx := opts.Context
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, bodyReader)
	if err != nil {
		return nil, err
	}
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Response{StatusCode: resp.StatusCode, Headers: resp.Header}, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

func (c *HTTPClient) GET(endpoint string, opts *RequestOptions) (*Response, error) {
	return c.Call(http.MethodGet, endpoint, nil, opts)
}

func (c *HTTPClient) POST(endpoint string, body interface{}, opts *RequestOptions) (*Response, error) {
	return c.Call(http.MethodPost, endpoint, body, opts)
}

// PostTransaction submits tx. An empty mode lets the server pick its default.
func (c *HTTPClient) PostTransaction(tx *transaction.Transaction, mode string) (*SubmitResult, error) {
	endpoint := "/api/v1/transactions"
	if mode != "" {
		endpoint += "?mode=" + url.QueryEscape(mode)
	}
	resp, err := c.POST(endpoint, tx, nil)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var result SubmitResult
	if err := UnmarshalBody(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTransaction returns nil without error when the id is unknown
func (c *HTTPClient) GetTransaction(id string) (*TransactionResult, error) {
	resp, err := c.GET("/api/v1/transactions/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var result TransactionResult
	if err := UnmarshalBody(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetSpent returns the transaction spending the output, or nil if unspent
func (c *HTTPClient) GetSpent(txID string, outputIndex int) (*transaction.Transaction, error) {
	query := url.Values{}
	query.Set("transaction_id", txID)
	query.Set("output_index", strconv.Itoa(outputIndex))
	resp, err := c.GET("/api/v1/outputs/spent?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var tx transaction.Transaction
	if err := UnmarshalBody(resp, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// LatestBlock returns nil when nothing has been committed
func (c *HTTPClient) LatestBlock() (*transaction.Block, error) {
	resp, err := c.GET("/api/v1/blocks/latest", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var block transaction.Block
	if err := UnmarshalBody(resp, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

func checkStatus(resp *Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(resp.Body)}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(resp.Body, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	}
	return apiErr
}

func UnmarshalBody(resp *Response, target interface{}) error {
	if len(resp.Body) == 0 {
		return fmt.Errorf("empty response body")
	}

	err := json.Unmarshal(resp.Body, target)
	if err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	return nil
}
