package pricing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/brojonat/beanroast/service/coingecko"
	"github.com/brojonat/beanroast/service/config"
	"github.com/brojonat/beanroast/service/ledger"
	"github.com/brojonat/beanroast/service/metrics"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// incomeRoot is the account root whose postings always get a definite cost.
const incomeRoot = "Income"

// PriceClient fetches fiat prices by coin id.
type PriceClient interface {
	HistoryPrice(ctx context.Context, id string, day time.Time, fiat string) (decimal.Decimal, error)
	LatestPrices(ctx context.Context, ids []string, fiat string) (map[string]decimal.Decimal, error)
}

// Enricher attaches historical cost to postings of watched coins and emits
// latest price directives.
type Enricher struct {
	client  PriceClient
	coins   []config.Coin
	ids     map[string]string
	fiat    string
	loc     *time.Location
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an Enricher for the given coin watch list.
func New(client PriceClient, coins []config.Coin, fiat string, loc *time.Location, m *metrics.Metrics, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Enricher{
		client:  client,
		coins:   coins,
		ids:     config.CoinIDs(coins),
		fiat:    fiat,
		loc:     loc,
		now:     time.Now,
		metrics: m,
		logger:  logger,
	}
}

type groupKey struct {
	date string
	id   string
}

type group struct {
	day      time.Time
	id       string
	symbol   string
	postings []*ledger.Posting
	price    decimal.Decimal
	ok       bool
}

// Enrich prices every posting whose symbol is on the watch list. All
// (date, coin) lookups are submitted at once and awaited together.
// A lookup without a quote leaves its postings untouched.
func (e *Enricher) Enrich(ctx context.Context, txs []*ledger.Transaction) error {
	groups := e.group(txs)
	if len(groups) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, grp := range groups {
		g.Go(func() error {
			price, err := e.client.HistoryPrice(gctx, grp.id, grp.day, e.fiat)
			if errors.Is(err, coingecko.ErrNoQuote) {
				e.metrics.RecordPriceLookup("skipped")
				e.logger.WarnContext(gctx, "no historical price, leaving cost unset",
					"coin", grp.id,
					"date", grp.day.Format(ledger.DateLayout),
					"error", err,
				)
				return nil
			}
			if err != nil {
				e.metrics.RecordPriceLookup("error")
				return fmt.Errorf("price of %s on %s: %w", grp.id, grp.day.Format(ledger.DateLayout), err)
			}
			e.metrics.RecordPriceLookup("ok")
			grp.price, grp.ok = price, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, grp := range groups {
		if !grp.ok {
			continue
		}
		for _, p := range grp.postings {
			e.attachCost(p, grp.price)
		}
	}
	return nil
}

// group collects watched postings by transaction day and coin id, in first-seen order.
func (e *Enricher) group(txs []*ledger.Transaction) []*group {
	index := make(map[groupKey]*group)
	var groups []*group
	for _, tx := range txs {
		day := tx.Date.Format(ledger.DateLayout)
		for _, p := range tx.Postings {
			if p.Units == nil {
				continue
			}
			id, ok := e.ids[p.Units.Symbol]
			if !ok {
				continue
			}
			key := groupKey{date: day, id: id}
			grp, ok := index[key]
			if !ok {
				grp = &group{day: tx.Date, id: id, symbol: p.Units.Symbol}
				index[key] = grp
				groups = append(groups, grp)
			}
			grp.postings = append(grp.postings, p)
		}
	}
	return groups
}

func (e *Enricher) attachCost(p *ledger.Posting, price decimal.Decimal) {
	if !p.Units.Number.IsNegative() || isIncome(p.Account) {
		p.Cost = &ledger.Cost{Amount: ledger.NewAmount(price, e.fiat)}
		return
	}
	p.Cost = ledger.AmbiguousCost()
}

func isIncome(account string) bool {
	return account == incomeRoot || strings.HasPrefix(account, incomeRoot+":")
}

// Latest returns a price directive for every watched coin, dated today.
// Coins the provider has no quote for are skipped.
func (e *Enricher) Latest(ctx context.Context) ([]*ledger.Price, error) {
	if len(e.coins) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(e.coins))
	for _, c := range e.coins {
		ids = append(ids, c.ID)
	}
	quotes, err := e.client.LatestPrices(ctx, ids, e.fiat)
	if err != nil {
		return nil, fmt.Errorf("latest prices: %w", err)
	}

	now := e.now().In(e.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.loc)

	coins := append([]config.Coin(nil), e.coins...)
	sort.SliceStable(coins, func(i, j int) bool { return coins[i].Symbol < coins[j].Symbol })

	out := make([]*ledger.Price, 0, len(coins))
	for _, c := range coins {
		price, ok := quotes[c.ID]
		if !ok {
			e.metrics.RecordPriceLookup("skipped")
			e.logger.WarnContext(ctx, "no latest price", "coin", c.ID)
			continue
		}
		e.metrics.RecordPriceLookup("ok")
		out = append(out, &ledger.Price{
			Date:      today,
			Commodity: c.Symbol,
			Amount:    ledger.Amount{Number: price, Symbol: e.fiat},
		})
	}
	return out, nil
}
