package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/beanroast/service/ledger"
)

// DirectiveEvent is one rendered ledger directive published to NATS.
// It is published to the subject "ledger.{kind}" in JetStream.
type DirectiveEvent struct {
	Kind ledger.Kind `json:"kind"`
	Date string      `json:"date"`

	// Text is the directive exactly as written to the ledger file.
	Text string `json:"text"`

	// Transaction directives carry the chain hash they came from.
	Tx        string `json:"tx,omitempty"`
	Narration string `json:"narration,omitempty"`

	// Balance directives carry the asserted account.
	Account string `json:"account,omitempty"`

	// Commodity is the priced asset of a price directive or the asserted
	// symbol of a balance.
	Commodity string `json:"commodity,omitempty"`

	// RunID groups the directives of one conversion; Seq orders them and
	// Total lets consumers tell when a run is complete.
	RunID string `json:"run_id,omitempty"`
	Seq   int    `json:"seq"`
	Total int    `json:"total"`

	PublishedAt time.Time `json:"published_at"`
}

// MsgID is the JetStream deduplication id of the event.
func (e *DirectiveEvent) MsgID() string {
	return fmt.Sprintf("%s-%d", e.RunID, e.Seq)
}

// Subject returns the JetStream subject for the event.
func (e *DirectiveEvent) Subject() string {
	return SubjectPrefix + string(e.Kind)
}

// FromDirective converts a ledger directive to a DirectiveEvent for publishing.
func FromDirective(d ledger.Directive) *DirectiveEvent {
	event := &DirectiveEvent{
		Kind:        d.Kind(),
		Date:        d.DirectiveDate().Format(ledger.DateLayout),
		Text:        d.String(),
		PublishedAt: time.Now().UTC(),
	}

	switch v := d.(type) {
	case *ledger.Transaction:
		event.Tx, _ = v.Metadata.Get("tx")
		event.Narration = v.Narration
	case *ledger.Balance:
		event.Account = v.Account
		event.Commodity = v.Amount.Symbol
	case *ledger.Price:
		event.Commodity = v.Commodity
	}
	return event
}
