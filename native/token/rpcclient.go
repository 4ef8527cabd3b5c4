package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"lendchain/crypto"
)

// callBudget is the fixed allowance for a single token contract call. Replies
// arriving after the budget are treated as absent.
const callBudget = 10 * time.Second

// RPCConfig controls how the RPCClient connects to a token contract endpoint.
type RPCConfig struct {
	BaseURL     string
	BearerToken string
}

// RPCClient implements Client over the JSON-RPC 2.0 surface exposed by the
// external token contracts.
type RPCClient struct {
	baseURL string
	http    *http.Client
	bearer  string
}

// NewRPCClient constructs an RPCClient from the provided configuration.
func NewRPCClient(cfg RPCConfig) (*RPCClient, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("token: base url is required")
	}
	return &RPCClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: callBudget},
		bearer:  strings.TrimSpace(cfg.BearerToken),
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type transferFromParams struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type transferParams struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type burnParams struct {
	From   string `json:"from"`
	Amount string `json:"amount"`
}

// TransferFrom implements the Client interface.
func (c *RPCClient) TransferFrom(ctx context.Context, from, to crypto.Address, amount *uint256.Int) error {
	return c.call(ctx, "token_transferFrom", transferFromParams{
		From:   from.String(),
		To:     to.String(),
		Amount: amountString(amount),
	})
}

// Transfer implements the Client interface.
func (c *RPCClient) Transfer(ctx context.Context, to crypto.Address, amount *uint256.Int) error {
	return c.call(ctx, "token_transfer", transferParams{
		To:     to.String(),
		Amount: amountString(amount),
	})
}

// Burn implements the Client interface.
func (c *RPCClient) Burn(ctx context.Context, from crypto.Address, amount *uint256.Int) error {
	return c.call(ctx, "token_burn", burnParams{
		From:   from.String(),
		Amount: amountString(amount),
	})
}

func (c *RPCClient) call(ctx context.Context, method string, params any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: []any{params}})
	if err != nil {
		return fmt.Errorf("token: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, callBudget)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("token: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoReply, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read reply: %v", ErrNoReply, err)
	}

	var decoded rpcResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("%w: malformed reply: %v", ErrNoReply, err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("%w: %s %v", ErrRejected, method, decoded.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s status %d", ErrRejected, method, resp.StatusCode)
	}
	return nil
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
