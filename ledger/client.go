package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"shipcover/crypto"
	"shipcover/insurance/fault"
)

// DefaultNodeURL is the public testnet JSON-RPC endpoint.
const DefaultNodeURL = "https://s.altnet.rippletest.net:51234"

// ClientConfig configures the JSON-RPC client.
type ClientConfig struct {
	URL     string
	Timeout time.Duration
	// RequestsPerSecond paces outbound calls; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// Client is a thin JSON-RPC client for a rippled node.
type Client struct {
	url     string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient constructs a client targeting cfg.URL.
func NewClient(cfg ClientConfig) *Client {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = DefaultNodeURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{
		url: url,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: limiter,
	}
}

type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
}

type rpcStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// RPCError is an error reported by the node inside a successful HTTP exchange.
type RPCError struct {
	Method  string
	Code    string
	Message string
	Raw     json.RawMessage
}

func (e *RPCError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rippled %s: %s: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("rippled %s: %s", e.Method, e.Code)
}

// IsRPCError reports whether err is a node error with the given code.
func IsRPCError(err error, code string) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}

// Call performs one JSON-RPC request. Transport failures and non-200 responses
// are reported as NetworkUnavailable.
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fault.Wrap(fault.KindNetworkUnavailable, err, "rippled %s", method)
		}
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	buf, err := json.Marshal(rpcRequest{Method: method, Params: []interface{}{params}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindNetworkUnavailable, err, "rippled %s", method)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fault.Wrap(fault.KindNetworkUnavailable, err, "rippled %s: read body", method)
	}
	if resp.StatusCode != http.StatusOK {
		ferr := fault.New(fault.KindNetworkUnavailable, "rippled %s failed: status=%d", method, resp.StatusCode)
		ferr.Raw = json.RawMessage(body)
		return ferr
	}
	var env rpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Result) == 0 {
		ferr := fault.New(fault.KindNetworkUnavailable, "rippled %s: malformed response", method)
		ferr.Raw = json.RawMessage(body)
		return ferr
	}
	var status rpcStatus
	if err := json.Unmarshal(env.Result, &status); err != nil {
		return fmt.Errorf("rippled %s: decode status: %w", method, err)
	}
	if status.Status == "error" || status.Error != "" {
		return &RPCError{Method: method, Code: status.Error, Message: status.ErrorMessage, Raw: env.Result}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("rippled %s: decode result: %w", method, err)
	}
	return nil
}

// AccountInfo is the slice of account_info the gateway needs.
type AccountInfo struct {
	Sequence uint32
	Balance  Drops
}

// AccountInfo reads the account root at ledgerIndex ("current" or "validated").
func (c *Client) AccountInfo(ctx context.Context, account crypto.Address, ledgerIndex string) (AccountInfo, error) {
	var result struct {
		AccountData struct {
			Balance  string `json:"Balance"`
			Sequence uint32 `json:"Sequence"`
		} `json:"account_data"`
	}
	params := map[string]interface{}{"account": account.String(), "ledger_index": ledgerIndex, "strict": true}
	if err := c.Call(ctx, "account_info", params, &result); err != nil {
		return AccountInfo{}, err
	}
	balance, err := ParseDrops(result.AccountData.Balance)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("rippled account_info: balance %q: %w", result.AccountData.Balance, err)
	}
	return AccountInfo{Sequence: result.AccountData.Sequence, Balance: balance}, nil
}

// FeeInfo carries the node's current fee levels.
type FeeInfo struct {
	Base Drops
	Open Drops
}

// Fee reads the fee levels of the open ledger.
func (c *Client) Fee(ctx context.Context) (FeeInfo, error) {
	var result struct {
		Drops struct {
			BaseFee       string `json:"base_fee"`
			OpenLedgerFee string `json:"open_ledger_fee"`
		} `json:"drops"`
	}
	if err := c.Call(ctx, "fee", nil, &result); err != nil {
		return FeeInfo{}, err
	}
	base, err := ParseDrops(result.Drops.BaseFee)
	if err != nil {
		return FeeInfo{}, fmt.Errorf("rippled fee: base_fee: %w", err)
	}
	open, err := ParseDrops(result.Drops.OpenLedgerFee)
	if err != nil {
		open = base
	}
	return FeeInfo{Base: base, Open: open}, nil
}

// ValidatedLedger returns the index of the latest validated ledger.
func (c *Client) ValidatedLedger(ctx context.Context) (uint32, error) {
	var result struct {
		LedgerIndex uint32 `json:"ledger_index"`
	}
	if err := c.Call(ctx, "ledger", map[string]interface{}{"ledger_index": "validated"}, &result); err != nil {
		return 0, err
	}
	return result.LedgerIndex, nil
}

// SubmitResult is the preliminary outcome of a submission.
type SubmitResult struct {
	EngineResult        string          `json:"engine_result"`
	EngineResultMessage string          `json:"engine_result_message"`
	Raw                 json.RawMessage `json:"-"`
}

// Submit broadcasts a signed blob.
func (c *Client) Submit(ctx context.Context, blob string) (SubmitResult, error) {
	var raw json.RawMessage
	if err := c.Call(ctx, "submit", map[string]interface{}{"tx_blob": blob}, &raw); err != nil {
		return SubmitResult{}, err
	}
	var result SubmitResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return SubmitResult{}, fmt.Errorf("rippled submit: %w", err)
	}
	result.Raw = raw
	return result, nil
}

// TxResult is the node's view of a transaction by hash.
type TxResult struct {
	Validated   bool
	Result      string
	LedgerIndex uint32
	Sequence    uint32
	Raw         json.RawMessage
}

// Tx looks a transaction up by hash. Unknown hashes yield an RPCError with code
// txnNotFound.
func (c *Client) Tx(ctx context.Context, hash string) (TxResult, error) {
	var raw json.RawMessage
	if err := c.Call(ctx, "tx", map[string]interface{}{"transaction": hash}, &raw); err != nil {
		return TxResult{}, err
	}
	var result struct {
		Validated   bool   `json:"validated"`
		LedgerIndex uint32 `json:"ledger_index"`
		Sequence    uint32 `json:"Sequence"`
		TxJSON      struct {
			Sequence uint32 `json:"Sequence"`
		} `json:"tx_json"`
		Meta struct {
			TransactionResult string `json:"TransactionResult"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return TxResult{}, fmt.Errorf("rippled tx: %w", err)
	}
	seq := result.Sequence
	if seq == 0 {
		seq = result.TxJSON.Sequence
	}
	return TxResult{
		Validated:   result.Validated,
		Result:      result.Meta.TransactionResult,
		LedgerIndex: result.LedgerIndex,
		Sequence:    seq,
		Raw:         raw,
	}, nil
}

// EscrowEntry is a live escrow object on the ledger.
type EscrowEntry struct {
	Account     string `json:"Account"`
	Destination string `json:"Destination"`
	Amount      string `json:"Amount"`
	Condition   string `json:"Condition"`
	FinishAfter uint32 `json:"FinishAfter"`
	CancelAfter uint32 `json:"CancelAfter"`
}

// EscrowEntry reads the escrow created by owner at sequence from the latest
// validated ledger. A missing object is reported as EscrowNotFound.
func (c *Client) EscrowEntry(ctx context.Context, owner crypto.Address, sequence uint32) (EscrowEntry, error) {
	var result struct {
		Node EscrowEntry `json:"node"`
	}
	params := map[string]interface{}{
		"escrow":       map[string]interface{}{"owner": owner.String(), "seq": sequence},
		"ledger_index": "validated",
	}
	if err := c.Call(ctx, "ledger_entry", params, &result); err != nil {
		if IsRPCError(err, "entryNotFound") {
			return EscrowEntry{}, fault.Wrap(fault.KindEscrowNotFound, err, "escrow %s/%d", owner, sequence).
				With("sequence", fmt.Sprint(sequence))
		}
		return EscrowEntry{}, err
	}
	return result.Node, nil
}
