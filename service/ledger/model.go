package ledger

import (
	"time"
)

// DateLayout is the date format used by every directive.
const DateLayout = "2006-01-02"

// Kind identifies a directive type.
type Kind string

const (
	KindTransaction Kind = "transaction"
	KindBalance     Kind = "balance"
	KindPrice       Kind = "price"
)

// Flag marks a transaction as cleared or pending review.
type Flag string

const (
	FlagCleared Flag = "*"
	FlagPending Flag = "!"
)

// Directive is a dated ledger entry that renders to one or more lines.
type Directive interface {
	DirectiveDate() time.Time
	Kind() Kind
	String() string
}

// Day truncates a unix timestamp to a calendar day in loc.
func Day(unix int64, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := time.Unix(unix, 0).In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// MetaEntry is one key/value metadata pair.
type MetaEntry struct {
	Key   string
	Value string
}

// Metadata is an insertion-ordered set of string key/value pairs.
type Metadata []MetaEntry

// Get returns the value stored for key.
func (m Metadata) Get(key string) (string, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Set replaces the value for key, appending it when absent.
func (m *Metadata) Set(key, value string) {
	for i := range *m {
		if (*m)[i].Key == key {
			(*m)[i].Value = value
			return
		}
	}
	*m = append(*m, MetaEntry{Key: key, Value: value})
}

// Cost is a per-unit acquisition cost. A nil Amount is the ambiguous cost,
// rendered as {} and left for the ledger's booking method to resolve.
type Cost struct {
	Amount *Amount
}

// AmbiguousCost returns a cost without an amount.
func AmbiguousCost() *Cost {
	return &Cost{}
}

// IsAmbiguous reports whether the cost has no amount.
func (c *Cost) IsAmbiguous() bool {
	return c != nil && c.Amount == nil
}

// Posting is a single leg of a transaction. A nil Units elides the amount
// so the ledger interpolates it.
type Posting struct {
	Account    string
	Units      *Amount
	Cost       *Cost
	Price      *Amount
	PriceTotal bool
	Metadata   Metadata
}

// Symbol returns the posting's commodity, or "" when the amount is elided.
func (p *Posting) Symbol() string {
	if p.Units == nil {
		return ""
	}
	return p.Units.Symbol
}

// Transaction is a dated, balanced set of postings.
type Transaction struct {
	Date      time.Time
	Flag      Flag
	Payee     string
	Narration string
	Metadata  Metadata
	Postings  []*Posting
}

func (t *Transaction) DirectiveDate() time.Time { return t.Date }
func (t *Transaction) Kind() Kind               { return KindTransaction }

// Balance asserts the amount held in an account at the start of Date.
type Balance struct {
	Date    time.Time
	Account string
	Amount  Amount
}

func (b *Balance) DirectiveDate() time.Time { return b.Date }
func (b *Balance) Kind() Kind               { return KindBalance }

// Price records the value of one unit of Commodity on Date.
type Price struct {
	Date      time.Time
	Commodity string
	Amount    Amount
}

func (p *Price) DirectiveDate() time.Time { return p.Date }
func (p *Price) Kind() Kind               { return KindPrice }
