package rules

import (
	"fmt"
	"strings"
)

// Target is the kind of object a pattern reads or a transform writes.
type Target int

const (
	TargetPosting Target = iota
	TargetTransaction
	TargetBalance
)

func (t Target) String() string {
	switch t {
	case TargetPosting:
		return "posting"
	case TargetTransaction:
		return "transaction"
	case TargetBalance:
		return "balance"
	default:
		return fmt.Sprintf("target(%d)", int(t))
	}
}

// ParseTarget parses a rule entry type.
func ParseTarget(s string) (Target, error) {
	switch strings.ToLower(s) {
	case "posting":
		return TargetPosting, nil
	case "transaction":
		return TargetTransaction, nil
	case "balance":
		return TargetBalance, nil
	default:
		return 0, fmt.Errorf("unknown rule type %q", s)
	}
}

// FieldKind enumerates every addressable field.
type FieldKind int

const (
	FieldAccount FieldKind = iota
	FieldSymbol
	// FieldAmount reads as the plain decimal string ("-1234.5"), without
	// the digit grouping used when rendering the ledger.
	FieldAmount
	FieldNarration
	FieldPayee
	FieldFlag
	FieldMetadata
)

var fieldNames = map[string]FieldKind{
	"account":   FieldAccount,
	"symbol":    FieldSymbol,
	"amount":    FieldAmount,
	"narration": FieldNarration,
	"payee":     FieldPayee,
	"flag":      FieldFlag,
}

// fieldsByTarget lists the fields each target exposes. Metadata is handled separately.
var fieldsByTarget = map[Target][]FieldKind{
	TargetPosting:     {FieldAccount, FieldSymbol, FieldAmount},
	TargetTransaction: {FieldNarration, FieldPayee, FieldFlag},
	TargetBalance:     {FieldAccount, FieldSymbol, FieldAmount},
}

// Field addresses one value of a target. Key is set only for FieldMetadata.
type Field struct {
	Kind FieldKind
	Key  string
}

func (f Field) String() string {
	if f.Kind == FieldMetadata {
		return "metadata." + f.Key
	}
	for name, kind := range fieldNames {
		if kind == f.Kind {
			return name
		}
	}
	return fmt.Sprintf("field(%d)", int(f.Kind))
}

// ParseField resolves a field path for target. Paths may be written as
// "symbol", "/symbol", "metadata.key" or "/metadata/key".
func ParseField(target Target, path string) (Field, error) {
	p := strings.TrimPrefix(strings.TrimSpace(path), "/")
	p = strings.Replace(p, "/", ".", 1)

	if key, ok := strings.CutPrefix(p, "metadata."); ok {
		if target == TargetBalance {
			return Field{}, fmt.Errorf("balance has no metadata field %q", path)
		}
		if key == "" {
			return Field{}, fmt.Errorf("empty metadata key in %q", path)
		}
		return Field{Kind: FieldMetadata, Key: key}, nil
	}

	kind, ok := fieldNames[strings.ToLower(p)]
	if !ok {
		return Field{}, fmt.Errorf("unknown field %q", path)
	}
	for _, allowed := range fieldsByTarget[target] {
		if allowed == kind {
			return Field{Kind: kind}, nil
		}
	}
	return Field{}, fmt.Errorf("%s has no field %q", target, path)
}
