package ledger

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

var quoteReplacer = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", " ")

func quote(s string) string {
	return `"` + quoteReplacer.Replace(s) + `"`
}

func writeMetadata(b *strings.Builder, m Metadata, indent string) {
	for _, e := range m {
		b.WriteString(indent)
		b.WriteString(e.Key)
		b.WriteString(": ")
		b.WriteString(quote(e.Value))
		b.WriteByte('\n')
	}
}

// String renders the posting line without metadata.
func (p *Posting) String() string {
	var b strings.Builder
	b.WriteString(p.Account)
	if p.Units != nil {
		b.WriteByte(' ')
		b.WriteString(p.Units.String())
	}
	if p.Cost != nil {
		if p.Cost.IsAmbiguous() {
			b.WriteString(" {}")
		} else {
			b.WriteString(" {" + p.Cost.Amount.String() + "}")
		}
	}
	if p.Price != nil {
		if p.PriceTotal {
			b.WriteString(" @@ ")
		} else {
			b.WriteString(" @ ")
		}
		b.WriteString(p.Price.String())
	}
	return b.String()
}

func (t *Transaction) String() string {
	var b strings.Builder
	flag := t.Flag
	if flag == "" {
		flag = FlagCleared
	}
	b.WriteString(t.Date.Format(DateLayout))
	b.WriteByte(' ')
	b.WriteString(string(flag))
	if t.Payee != "" {
		b.WriteByte(' ')
		b.WriteString(quote(t.Payee))
	}
	b.WriteByte(' ')
	b.WriteString(quote(t.Narration))
	b.WriteByte('\n')
	writeMetadata(&b, t.Metadata, "  ")
	for _, p := range t.Postings {
		b.WriteString("  ")
		b.WriteString(p.String())
		b.WriteByte('\n')
		writeMetadata(&b, p.Metadata, "    ")
	}
	return b.String()
}

func (b *Balance) String() string {
	return fmt.Sprintf("%s balance %s %s\n", b.Date.Format(DateLayout), b.Account, b.Amount.String())
}

func (p *Price) String() string {
	return fmt.Sprintf("%s price %s %s\n", p.Date.Format(DateLayout), p.Commodity, p.Amount.String())
}

// Format writes directives in order, separated by a blank line.
func Format(w io.Writer, directives []Directive) error {
	bw := bufio.NewWriter(w)
	for i, d := range directives {
		if i > 0 {
			if err := bw.WriteByte('\n'); err != nil {
				return fmt.Errorf("write separator: %w", err)
			}
		}
		if _, err := bw.WriteString(d.String()); err != nil {
			return fmt.Errorf("write %s directive: %w", d.Kind(), err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush directives: %w", err)
	}
	return nil
}
