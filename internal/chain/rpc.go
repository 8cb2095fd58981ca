package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/shieldpool/relay/internal/registry"
	"github.com/shieldpool/relay/pkg/circuit"
	"github.com/shieldpool/relay/pkg/errors"
	"github.com/shieldpool/relay/pkg/retry"
)

// RPCClient talks JSON-RPC 2.0 to a chain node over HTTP. Every call goes
// through a circuit breaker wrapping retries, so a down node fails fast
// instead of stacking timeouts.
type RPCClient struct {
	url            string
	commitment     Commitment
	httpClient     *http.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	requestID      atomic.Uint64
}

// NewRPCClient creates a chain RPC client for the given endpoint and
// commitment level.
func NewRPCClient(url string, commitment Commitment) *RPCClient {
	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		OpenTimeout:     10 * time.Second,
		FailureWindow:   30 * time.Second,
	}

	return &RPCClient{
		url:        url,
		commitment: commitment,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.ChainConfig(),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// call performs one JSON-RPC exchange with breaker and retry applied and
// unmarshals the result into out.
func (c *RPCClient) call(ctx context.Context, operation, method string, params []any, out any) error {
	raw, err := circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (json.RawMessage, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (json.RawMessage, error) {
			return c.doRequest(ctx, operation, method, params)
		})
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, operation,
			"failed to decode rpc result").
			WithContext("method", method)
	}
	return nil
}

func (c *RPCClient) doRequest(ctx context.Context, operation, method string, params []any) (json.RawMessage, error) {
	body, err := json.Marshal(&rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, operation,
			"failed to encode rpc request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, operation,
			"failed to build rpc request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeChainTransient, operation,
			"rpc request failed").
			WithContext("method", method)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeChainTransient, operation,
			"failed to read rpc response").
			WithContext("method", method)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.ErrorTypeChainTransient, operation,
			fmt.Sprintf("rpc endpoint returned status %d", resp.StatusCode)).
			WithContext("method", method)
	}

	var decoded rpcResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeChainTransient, operation,
			"malformed rpc response").
			WithContext("method", method)
	}

	if decoded.Error != nil {
		return nil, errors.New(errors.ErrorTypeChainTransient, operation,
			fmt.Sprintf("rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)).
			WithContext("method", method).
			WithContext("rpc_code", decoded.Error.Code)
	}

	return decoded.Result, nil
}

// CurrentSlot returns the node's current slot.
func (c *RPCClient) CurrentSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := c.call(ctx, "get_slot", "getSlot",
		[]any{map[string]any{"commitment": string(c.commitment)}}, &slot)
	return slot, err
}

// SlotHash returns the hash for a recent slot. Missing means the slot aged
// out of the node's recent-slot window.
func (c *RPCClient) SlotHash(ctx context.Context, slot uint64) (registry.Hash32, bool, error) {
	var result *struct {
		Hash string `json:"hash"`
	}
	if err := c.call(ctx, "get_slot_hash", "getSlotHash", []any{slot}, &result); err != nil {
		return registry.Hash32{}, false, err
	}
	if result == nil {
		return registry.Hash32{}, false, nil
	}

	hash, err := registry.Hash32FromHex(result.Hash)
	if err != nil {
		return registry.Hash32{}, false, errors.Wrap(err, errors.ErrorTypeChainTransient,
			"get_slot_hash", "node returned malformed slot hash").
			WithContext("slot", slot)
	}
	return hash, true, nil
}

// ProgramAccounts lists accounts owned by a program, optionally filtered to
// an exact data size on the node side.
func (c *RPCClient) ProgramAccounts(ctx context.Context, program registry.Hash32, sizeFilter int) ([]AccountInfo, error) {
	opts := map[string]any{"commitment": string(c.commitment)}
	if sizeFilter > 0 {
		opts["dataSize"] = sizeFilter
	}

	var result []struct {
		Pubkey string `json:"pubkey"`
		Data   string `json:"data"`
	}
	if err := c.call(ctx, "get_program_accounts", "getProgramAccounts",
		[]any{program.String(), opts}, &result); err != nil {
		return nil, err
	}

	accounts := make([]AccountInfo, 0, len(result))
	for _, entry := range result {
		key, err := registry.Hash32FromHex(entry.Pubkey)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeChainTransient,
				"get_program_accounts", "node returned malformed account key")
		}
		data, err := base64.StdEncoding.DecodeString(entry.Data)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeChainTransient,
				"get_program_accounts", "node returned malformed account data").
				WithContext("pubkey", entry.Pubkey)
		}
		accounts = append(accounts, AccountInfo{Key: key, Owner: program, Data: data})
	}
	return accounts, nil
}

// Account reads a single account, nil when it does not exist.
func (c *RPCClient) Account(ctx context.Context, key registry.Hash32) (*AccountInfo, error) {
	var result *struct {
		Owner string `json:"owner"`
		Data  string `json:"data"`
	}
	if err := c.call(ctx, "get_account_info", "getAccountInfo",
		[]any{key.String(), map[string]any{"commitment": string(c.commitment)}}, &result); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	owner, err := registry.Hash32FromHex(result.Owner)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeChainTransient,
			"get_account_info", "node returned malformed owner key")
	}
	data, err := base64.StdEncoding.DecodeString(result.Data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeChainTransient,
			"get_account_info", "node returned malformed account data")
	}
	return &AccountInfo{Key: key, Owner: owner, Data: data}, nil
}

// SubmitTransaction sends a transaction and returns its signature. The node
// accepting the transaction says nothing about execution; poll
// SignatureStatus for the outcome.
func (c *RPCClient) SubmitTransaction(ctx context.Context, tx *Transaction) (string, error) {
	// Account carries the reveal/consume target; the instruction payload
	// alone does not identify the claim
	payload := map[string]any{
		"program": tx.Program.String(),
		"signer":  tx.Signer.String(),
		"account": tx.Account.String(),
		"data":    base64.StdEncoding.EncodeToString(tx.Data),
	}

	var signature string
	err := c.call(ctx, "send_transaction", "sendTransaction",
		[]any{payload, map[string]any{"commitment": string(c.commitment)}}, &signature)
	return signature, err
}

// SignatureStatus reports confirmation state for a signature, nil when the
// node has no record of it.
func (c *RPCClient) SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	var result *struct {
		Slot      uint64 `json:"slot"`
		Confirmed bool   `json:"confirmed"`
		Err       string `json:"err"`
	}
	if err := c.call(ctx, "get_signature_status", "getSignatureStatus",
		[]any{signature}, &result); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return &SignatureStatus{Slot: result.Slot, Confirmed: result.Confirmed, Err: result.Err}, nil
}

// HealthCheck verifies the node responds and reports itself healthy.
func (c *RPCClient) HealthCheck(ctx context.Context) error {
	var status string
	if err := c.call(ctx, "health_check", "getHealth", nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return errors.New(errors.ErrorTypeChainTransient, "health_check",
			fmt.Sprintf("node reports unhealthy: %s", status))
	}
	return nil
}

// BreakerState exposes the circuit breaker state for health endpoints.
func (c *RPCClient) BreakerState() circuit.State {
	return c.circuitBreaker.GetState()
}
