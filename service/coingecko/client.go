package coingecko

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/brojonat/beanroast/service/metrics"
	"github.com/brojonat/beanroast/service/ratelimit"
	"github.com/shopspring/decimal"
)

const (
	// DefaultBaseURL is the public v3 API.
	DefaultBaseURL = "https://api.coingecko.com/api/v3"

	providerName = "coingecko"
)

// ErrNoQuote means the provider answered but had no price for the request.
var ErrNoQuote = errors.New("no price quote")

// saiRetirement is the day compound-sai took over the cdai id.
var saiRetirement = time.Date(2019, 12, 17, 0, 0, 0, 0, time.UTC)

// Client fetches historical and latest coin prices.
type Client struct {
	baseURL    string
	httpClient *http.Client
	gateway    *ratelimit.Gateway
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewClient creates a new price client.
func NewClient(baseURL string, gateway *ratelimit.Gateway, httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if gateway == nil {
		gateway = ratelimit.New(providerName, 600*time.Millisecond, 1)
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		gateway:    gateway,
		metrics:    m,
		logger:     logger,
	}
}

// historyIDAt maps coin ids that were renamed upstream to the id that
// carried the history on the given day.
func historyIDAt(id string, day time.Time) string {
	if id == "compound-sai" && day.Before(saiRetirement) {
		return "cdai"
	}
	return id
}

// HistoryPrice returns the price of coin id in fiat on day.
// A provider-reported error or a missing quote wraps ErrNoQuote.
func (c *Client) HistoryPrice(ctx context.Context, id string, day time.Time, fiat string) (decimal.Decimal, error) {
	id = historyIDAt(id, day)
	u := fmt.Sprintf("%s/coins/%s/history?%s", c.baseURL, url.PathEscape(id), url.Values{
		"date":         {day.Format("02-01-2006")},
		"localization": {"false"},
	}.Encode())

	var resp struct {
		Error      string `json:"error"`
		MarketData *struct {
			CurrentPrice map[string]json.Number `json:"current_price"`
		} `json:"market_data"`
	}
	if err := c.get(ctx, "history", u, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.Error != "" {
		return decimal.Zero, fmt.Errorf("%s on %s: %s: %w", id, day.Format("2006-01-02"), resp.Error, ErrNoQuote)
	}
	if resp.MarketData == nil {
		return decimal.Zero, fmt.Errorf("%s on %s: no market data: %w", id, day.Format("2006-01-02"), ErrNoQuote)
	}
	num, ok := resp.MarketData.CurrentPrice[strings.ToLower(fiat)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s on %s: no %s quote: %w", id, day.Format("2006-01-02"), fiat, ErrNoQuote)
	}
	price, err := decimal.NewFromString(num.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("coingecko history: malformed price %q: %w", num, err)
	}
	return price, nil
}

// LatestPrices returns the current fiat price of every id the provider knows.
// Unknown ids are absent from the result.
func (c *Client) LatestPrices(ctx context.Context, ids []string, fiat string) (map[string]decimal.Decimal, error) {
	if len(ids) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	vs := strings.ToLower(fiat)
	u := fmt.Sprintf("%s/simple/price?%s", c.baseURL, url.Values{
		"ids":           {strings.Join(sorted, ",")},
		"vs_currencies": {vs},
	}.Encode())

	var resp map[string]map[string]json.Number
	if err := c.get(ctx, "simple_price", u, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(resp))
	for id, quotes := range resp {
		num, ok := quotes[vs]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(num.String())
		if err != nil {
			return nil, fmt.Errorf("coingecko simple price: malformed price for %s: %w", id, err)
		}
		out[id] = price
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, call, u string, out any) error {
	err := c.gateway.Do(ctx, func(ctx context.Context) error {
		start := time.Now()
		err := c.doGet(ctx, u, out)
		c.metrics.RecordProviderCall(providerName, call, err, time.Since(start))
		return err
	})
	if err != nil {
		return fmt.Errorf("coingecko %s: %w", call, err)
	}
	return nil
}

func (c *Client) doGet(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	// 404 carries {"error": "..."} which callers treat as a missing quote
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("malformed body: %w", err)
	}
	return nil
}
