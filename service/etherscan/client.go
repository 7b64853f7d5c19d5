package etherscan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/beanroast/service/chain"
	"github.com/brojonat/beanroast/service/metrics"
	"github.com/brojonat/beanroast/service/ratelimit"
)

const (
	// DefaultBaseURL is the mainnet API endpoint.
	DefaultBaseURL = "https://api.etherscan.io/api"

	providerName = "etherscan"
)

// Client talks to the Etherscan account, proxy and contract modules.
// Every request goes through the injected gateway.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	gateway    *ratelimit.Gateway
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewClient creates a new Etherscan client.
func NewClient(baseURL, apiKey string, gateway *ratelimit.Gateway, httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if gateway == nil {
		gateway = ratelimit.New(providerName, 200*time.Millisecond, 1)
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		gateway:    gateway,
		metrics:    m,
		logger:     logger,
	}
}

// accountEnvelope wraps account and contract module responses.
type accountEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// proxyEnvelope wraps JSON-RPC proxy responses.
type proxyEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	// rate-limit rejections on proxy calls come back in account shape
	Status  string `json:"status"`
	Message string `json:"message"`
}

// fetch performs a GET through the gateway and returns the raw body.
func (c *Client) fetch(ctx context.Context, call string, params url.Values) ([]byte, error) {
	params.Set("apikey", c.apiKey)
	u := c.baseURL + "?" + params.Encode()

	var body []byte
	err := c.gateway.Do(ctx, func(ctx context.Context) error {
		start := time.Now()
		b, err := c.doGet(ctx, u)
		c.metrics.RecordProviderCall(providerName, call, err, time.Since(start))
		body = b
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("etherscan %s: %w", call, err)
	}
	return body, nil
}

func (c *Client) doGet(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body))
	}
	return body, nil
}

// account calls an account/contract module action and decodes result into out.
// An empty result set ("No transactions found") decodes as an empty list.
func (c *Client) account(ctx context.Context, call string, params url.Values, out any) error {
	body, err := c.fetch(ctx, call, params)
	if err != nil {
		return err
	}
	var env accountEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("etherscan %s: malformed body: %w", call, err)
	}
	if env.Status != "1" {
		if strings.HasPrefix(env.Message, "No ") {
			return nil
		}
		return fmt.Errorf("etherscan %s: %s: %s", call, env.Message, truncate(env.Result))
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("etherscan %s: malformed result: %w", call, err)
	}
	return nil
}

// proxy calls a JSON-RPC proxy action and decodes result into out.
// It reports false when the node returned a null result.
func (c *Client) proxy(ctx context.Context, call string, params url.Values, out any) (bool, error) {
	body, err := c.fetch(ctx, call, params)
	if err != nil {
		return false, err
	}
	var env proxyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return false, fmt.Errorf("etherscan %s: malformed body: %w", call, err)
	}
	if env.Error != nil {
		return false, fmt.Errorf("etherscan %s: rpc error %d: %s", call, env.Error.Code, env.Error.Message)
	}
	if env.Status == "0" {
		return false, fmt.Errorf("etherscan %s: %s", call, env.Message)
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return false, fmt.Errorf("etherscan %s: malformed result: %w", call, err)
	}
	return true, nil
}

func listParams(action, address string) url.Values {
	return url.Values{
		"module":     {"account"},
		"action":     {action},
		"address":    {address},
		"startblock": {"0"},
		"endblock":   {"99999999"},
		"sort":       {"asc"},
	}
}

// GetTransactionList returns every normal transaction of address, oldest first.
func (c *Client) GetTransactionList(ctx context.Context, address string) ([]chain.RawTransaction, error) {
	var rows []txRow
	if err := c.account(ctx, "txlist", listParams("txlist", address), &rows); err != nil {
		return nil, err
	}
	out := make([]chain.RawTransaction, 0, len(rows))
	for _, r := range rows {
		tx, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("txlist row %s: %w", r.Hash, err)
		}
		out = append(out, tx)
	}
	c.logger.DebugContext(ctx, "fetched transaction list", "address", address, "count", len(out))
	return out, nil
}

// GetTokenTransferList returns every ERC-20 transfer touching address.
func (c *Client) GetTokenTransferList(ctx context.Context, address string) ([]chain.TokenTransfer, error) {
	var rows []tokenRow
	if err := c.account(ctx, "tokentx", listParams("tokentx", address), &rows); err != nil {
		return nil, err
	}
	out := make([]chain.TokenTransfer, 0, len(rows))
	for _, r := range rows {
		tr, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("tokentx row %s: %w", r.Hash, err)
		}
		out = append(out, tr)
	}
	c.logger.DebugContext(ctx, "fetched token transfer list", "address", address, "count", len(out))
	return out, nil
}

// GetInternalTransferList returns every internal transfer touching address.
func (c *Client) GetInternalTransferList(ctx context.Context, address string) ([]chain.InternalTransfer, error) {
	var rows []internalRow
	if err := c.account(ctx, "txlistinternal", listParams("txlistinternal", address), &rows); err != nil {
		return nil, err
	}
	out := make([]chain.InternalTransfer, 0, len(rows))
	for _, r := range rows {
		it, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("txlistinternal row %s: %w", r.Hash, err)
		}
		out = append(out, it)
	}
	c.logger.DebugContext(ctx, "fetched internal transfer list", "address", address, "count", len(out))
	return out, nil
}

// GetTransaction fetches a single transaction and its receipt by hash.
// The proxy module does not report a timestamp; callers supply it.
func (c *Client) GetTransaction(ctx context.Context, hash string) (*chain.RawTransaction, error) {
	var tx rpcTransaction
	found, err := c.proxy(ctx, "eth_getTransactionByHash", url.Values{
		"module": {"proxy"},
		"action": {"eth_getTransactionByHash"},
		"txhash": {hash},
	}, &tx)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("transaction %s not found", hash)
	}

	var receipt rpcReceipt
	found, err = c.proxy(ctx, "eth_getTransactionReceipt", url.Values{
		"module": {"proxy"},
		"action": {"eth_getTransactionReceipt"},
		"txhash": {hash},
	}, &receipt)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("receipt for %s not found", hash)
	}

	out, err := rpcToDomain(&tx, &receipt)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", hash, err)
	}
	c.logger.DebugContext(ctx, "fetched transaction by hash", "hash", hash, "block", out.BlockNumber)
	return out, nil
}

// GetTokenBalance returns the base-unit balance of contract held by address at block.
func (c *Client) GetTokenBalance(ctx context.Context, contract, address string, block uint64) (string, error) {
	var result string
	err := c.account(ctx, "tokenbalance", url.Values{
		"module":          {"account"},
		"action":          {"tokenbalance"},
		"contractaddress": {contract},
		"address":         {address},
		"tag":             {"0x" + strconv.FormatUint(block, 16)},
	}, &result)
	if err != nil {
		return "", err
	}
	if result == "" {
		return "0", nil
	}
	if _, ok := new(big.Int).SetString(result, 10); !ok {
		return "", fmt.Errorf("etherscan tokenbalance: malformed balance %q", result)
	}
	return result, nil
}

// GetSourceCode returns verified contract metadata. Unverified contracts
// come back with an empty ContractName.
func (c *Client) GetSourceCode(ctx context.Context, address string) (*chain.ContractSource, error) {
	var rows []sourceRow
	err := c.account(ctx, "getsourcecode", url.Values{
		"module":  {"contract"},
		"action":  {"getsourcecode"},
		"address": {address},
	}, &rows)
	if err != nil {
		return nil, err
	}
	src := &chain.ContractSource{Address: chain.NormalizeAddress(address)}
	if len(rows) > 0 {
		src.ContractName = rows[0].ContractName
	}
	return src, nil
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
