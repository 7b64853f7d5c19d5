package rules

import (
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/brojonat/beanroast/service/config"
	"github.com/brojonat/beanroast/service/ledger"
	"github.com/brojonat/beanroast/service/metrics"
	"github.com/shopspring/decimal"
)

// Pattern matches when Regex finds a match in the addressed field.
type Pattern struct {
	Target Target
	Field  Field
	Regex  *regexp.Regexp
}

// Transform writes a literal value into the addressed field.
type Transform struct {
	Target Target
	Field  Field
	Value  string
	number decimal.Decimal
}

// Rule applies every transform when every pattern matches.
type Rule struct {
	Patterns   []Pattern
	Transforms []Transform
}

// Compile parses field paths, regexes and literal values of every rule.
func Compile(cfgs []config.RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	for i, rc := range cfgs {
		var r Rule
		for j, fr := range rc.Pattern {
			target, field, err := parseEntry(fr)
			if err != nil {
				return nil, fmt.Errorf("rules[%d].pattern[%d]: %w", i, j, err)
			}
			re, err := regexp.Compile(fr.Value)
			if err != nil {
				return nil, fmt.Errorf("rules[%d].pattern[%d]: invalid regex: %w", i, j, err)
			}
			r.Patterns = append(r.Patterns, Pattern{Target: target, Field: field, Regex: re})
		}
		for j, fr := range rc.Transform {
			target, field, err := parseEntry(fr)
			if err != nil {
				return nil, fmt.Errorf("rules[%d].transform[%d]: %w", i, j, err)
			}
			t := Transform{Target: target, Field: field, Value: fr.Value}
			switch field.Kind {
			case FieldAmount:
				if t.number, err = ledger.ParseNumber(fr.Value); err != nil {
					return nil, fmt.Errorf("rules[%d].transform[%d]: amount: %w", i, j, err)
				}
			case FieldFlag:
				if fr.Value != string(ledger.FlagCleared) && fr.Value != string(ledger.FlagPending) {
					return nil, fmt.Errorf("rules[%d].transform[%d]: flag must be * or !, got %q", i, j, fr.Value)
				}
			case FieldAccount, FieldSymbol:
				if fr.Value == "" || strings.ContainsAny(fr.Value, " \t\n") {
					return nil, fmt.Errorf("rules[%d].transform[%d]: %s must be a single non-empty token", i, j, field)
				}
			}
			r.Transforms = append(r.Transforms, t)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func parseEntry(fr config.FieldRule) (Target, Field, error) {
	target, err := ParseTarget(fr.Type)
	if err != nil {
		return 0, Field{}, err
	}
	field, err := ParseField(target, fr.Field)
	if err != nil {
		return 0, Field{}, err
	}
	return target, field, nil
}

// Engine applies rules, in order and cumulatively, to postings and balances.
type Engine struct {
	rules   []Rule
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New compiles cfgs into an Engine.
func New(cfgs []config.RuleConfig, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	rules, err := Compile(cfgs)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Engine{rules: rules, metrics: m, logger: logger}, nil
}

// Rules returns the compiled rules.
func (e *Engine) Rules() []Rule {
	return e.rules
}

// scope is the set of objects visible to a rule application.
type scope struct {
	posting *ledger.Posting
	tx      *ledger.Transaction
	balance *ledger.Balance
}

// ApplyTransaction applies every rule to every posting of tx.
func (e *Engine) ApplyTransaction(tx *ledger.Transaction) {
	for _, p := range tx.Postings {
		e.ApplyPosting(p, tx)
	}
}

// ApplyPosting applies rules to posting p of transaction tx. Transaction
// patterns read tx; balance patterns never match here.
func (e *Engine) ApplyPosting(p *ledger.Posting, tx *ledger.Transaction) {
	e.apply(scope{posting: p, tx: tx}, TargetPosting)
}

// ApplyBalance applies rules to b. Only balance patterns can match.
func (e *Engine) ApplyBalance(b *ledger.Balance) {
	e.apply(scope{balance: b}, TargetBalance)
}

func (e *Engine) apply(s scope, kind Target) {
	for _, r := range e.rules {
		if !r.matches(s) {
			continue
		}
		e.metrics.RecordRuleMatch(kind.String())
		for _, t := range r.Transforms {
			if !t.apply(s) {
				e.logger.Debug("rule transform skipped", "target", t.Target, "field", t.Field)
			}
		}
	}
}

func (r Rule) matches(s scope) bool {
	if len(r.Patterns) == 0 {
		return false
	}
	for _, p := range r.Patterns {
		v, ok := read(s, p.Target, p.Field)
		if !ok || !p.Regex.MatchString(v) {
			return false
		}
	}
	return true
}

func read(s scope, target Target, f Field) (string, bool) {
	switch target {
	case TargetPosting:
		if s.posting == nil {
			return "", false
		}
		return readPosting(s.posting, f)
	case TargetTransaction:
		if s.tx == nil {
			return "", false
		}
		return readTransaction(s.tx, f)
	case TargetBalance:
		if s.balance == nil {
			return "", false
		}
		return readBalance(s.balance, f)
	}
	return "", false
}

func readPosting(p *ledger.Posting, f Field) (string, bool) {
	switch f.Kind {
	case FieldAccount:
		return p.Account, true
	case FieldSymbol:
		if p.Units == nil {
			return "", false
		}
		return p.Units.Symbol, true
	case FieldAmount:
		if p.Units == nil {
			return "", false
		}
		return p.Units.Number.String(), true
	case FieldMetadata:
		return p.Metadata.Get(f.Key)
	}
	return "", false
}

func readTransaction(tx *ledger.Transaction, f Field) (string, bool) {
	switch f.Kind {
	case FieldNarration:
		return tx.Narration, true
	case FieldPayee:
		return tx.Payee, true
	case FieldFlag:
		return string(tx.Flag), true
	case FieldMetadata:
		return tx.Metadata.Get(f.Key)
	}
	return "", false
}

func readBalance(b *ledger.Balance, f Field) (string, bool) {
	switch f.Kind {
	case FieldAccount:
		return b.Account, true
	case FieldSymbol:
		return b.Amount.Symbol, true
	case FieldAmount:
		return b.Amount.Number.String(), true
	}
	return "", false
}

// apply writes t into the scope and reports whether a target was present.
func (t Transform) apply(s scope) bool {
	switch t.Target {
	case TargetPosting:
		if s.posting == nil {
			return false
		}
		return t.writePosting(s.posting)
	case TargetTransaction:
		if s.tx == nil {
			return false
		}
		t.writeTransaction(s.tx)
		return true
	case TargetBalance:
		if s.balance == nil {
			return false
		}
		t.writeBalance(s.balance)
		return true
	}
	return false
}

func (t Transform) writePosting(p *ledger.Posting) bool {
	switch t.Field.Kind {
	case FieldAccount:
		p.Account = t.Value
	case FieldSymbol:
		if p.Units == nil {
			return false
		}
		p.Account = renameSuffix(p.Account, p.Units.Symbol, t.Value)
		p.Units.Symbol = t.Value
	case FieldAmount:
		if p.Units == nil {
			return false
		}
		p.Units.Number = t.number
	case FieldMetadata:
		p.Metadata.Set(t.Field.Key, t.Value)
	}
	return true
}

func (t Transform) writeTransaction(tx *ledger.Transaction) {
	switch t.Field.Kind {
	case FieldNarration:
		tx.Narration = t.Value
	case FieldPayee:
		tx.Payee = t.Value
	case FieldFlag:
		tx.Flag = ledger.Flag(t.Value)
	case FieldMetadata:
		tx.Metadata.Set(t.Field.Key, t.Value)
	}
}

func (t Transform) writeBalance(b *ledger.Balance) {
	switch t.Field.Kind {
	case FieldAccount:
		b.Account = t.Value
	case FieldSymbol:
		b.Account = renameSuffix(b.Account, b.Amount.Symbol, t.Value)
		b.Amount.Symbol = t.Value
	case FieldAmount:
		b.Amount.Number = t.number
	}
}

// renameSuffix replaces a trailing ":old" account component with ":repl".
func renameSuffix(account, old, repl string) string {
	if old == "" {
		return account
	}
	if base, ok := strings.CutSuffix(account, ":"+old); ok {
		return base + ":" + repl
	}
	return account
}
