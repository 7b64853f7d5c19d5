package ledger

import (
	"fmt"
	"strings"
)

// ParsePosting parses a single rendered posting line (without metadata).
func ParsePosting(line string) (*Posting, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty posting line")
	}
	p := &Posting{Account: fields[0]}
	rest := fields[1:]
	if len(rest) == 0 {
		return p, nil
	}

	units, rest, err := parseAmountTokens(rest)
	if err != nil {
		return nil, fmt.Errorf("posting units: %w", err)
	}
	p.Units = units

	if len(rest) > 0 && strings.HasPrefix(rest[0], "{") {
		end := -1
		for i, f := range rest {
			if strings.HasSuffix(f, "}") {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, fmt.Errorf("unterminated cost in %q", line)
		}
		inner := strings.Join(rest[:end+1], " ")
		inner = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(inner, "{"), "}"))
		rest = rest[end+1:]
		if inner == "" {
			p.Cost = AmbiguousCost()
		} else {
			amt, leftover, err := parseAmountTokens(strings.Fields(inner))
			if err != nil {
				return nil, fmt.Errorf("posting cost: %w", err)
			}
			if len(leftover) > 0 {
				return nil, fmt.Errorf("unexpected cost tokens %v", leftover)
			}
			p.Cost = &Cost{Amount: amt}
		}
	}

	if len(rest) > 0 {
		switch rest[0] {
		case "@":
		case "@@":
			p.PriceTotal = true
		default:
			return nil, fmt.Errorf("unexpected token %q", rest[0])
		}
		price, leftover, err := parseAmountTokens(rest[1:])
		if err != nil {
			return nil, fmt.Errorf("posting price: %w", err)
		}
		if len(leftover) > 0 {
			return nil, fmt.Errorf("unexpected trailing tokens %v", leftover)
		}
		p.Price = price
	}
	return p, nil
}

func parseAmountTokens(tokens []string) (*Amount, []string, error) {
	if len(tokens) < 2 {
		return nil, nil, fmt.Errorf("expected number and symbol, got %v", tokens)
	}
	n, err := ParseNumber(tokens[0])
	if err != nil {
		return nil, nil, err
	}
	return NewAmount(n, tokens[1]), tokens[2:], nil
}
