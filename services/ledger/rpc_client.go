package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// RPCClient talks JSON-RPC 2.0 to the escrow ledger service. It implements
// EscrowInitializer, TransactionSubmitter, MilestoneSubmitter and
// EscrowInspector.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	limiter   *rate.Limiter
	nextID    atomic.Int64
}

// RPCOption customises the client.
type RPCOption func(*RPCClient)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) RPCOption {
	return func(r *RPCClient) {
		if c != nil {
			r.http = c
		}
	}
}

// WithRateLimit paces outgoing calls. A non-positive rate disables pacing.
func WithRateLimit(perSecond float64, burst int) RPCOption {
	return func(r *RPCClient) {
		if perSecond <= 0 {
			r.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewRPCClient builds a client for baseURL. Calls time out after timeout.
func NewRPCClient(baseURL, authToken string, timeout time.Duration, opts ...RPCOption) *RPCClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &RPCClient{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		authToken: strings.TrimSpace(authToken),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// InitializeEscrow requests an unsigned deployment transaction.
func (c *RPCClient) InitializeEscrow(ctx context.Context, req EscrowDeployment) (*InitResponse, error) {
	payload := map[string]interface{}{
		"engagementId":     req.EngagementID,
		"title":            req.Title,
		"description":      req.Description,
		"platformFee":      req.PlatformFeePercent,
		"trustlineAddress": req.TrustlineAddress,
		"roles":            req.Roles,
		"milestones":       req.Milestones,
		"signer":           req.Roles.ReleaseSigner,
	}
	var result InitResponse
	if err := c.call(ctx, "escrow_initialize", []interface{}{payload}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SubmitTransaction submits a signed transaction envelope.
func (c *RPCClient) SubmitTransaction(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	var result SubmitResponse
	if err := c.call(ctx, "tx_submit", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SubmitMilestone adds a receiver-bound milestone to a deployed escrow.
func (c *RPCClient) SubmitMilestone(ctx context.Context, req MilestoneSubmission) (*MilestoneResponse, error) {
	var result MilestoneResponse
	if err := c.call(ctx, "escrow_addMilestone", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetEscrow fetches escrow funding state.
func (c *RPCClient) GetEscrow(ctx context.Context, contractID string) (*EscrowState, error) {
	var result EscrowState
	if err := c.call(ctx, "escrow_get", []interface{}{map[string]string{"contractId": contractID}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return &Error{Kind: KindMalformed, Message: "response is missing result"}
	}
	return json.Unmarshal(rpcResp.Result, out)
}

var _ interface {
	EscrowInitializer
	TransactionSubmitter
	MilestoneSubmitter
	EscrowInspector
} = (*RPCClient)(nil)
