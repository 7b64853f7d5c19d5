package solana

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/brojonat/beanroast/service/chain"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Well-known Solana program IDs
var (
	// SystemProgramID is the native SOL transfer program
	SystemProgramID = solana.MustPublicKeyFromBase58("11111111111111111111111111111111")

	// TokenProgramID is the SPL Token program
	TokenProgramID = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	// Token2022ProgramID is the Token Extensions program (Token-2022)
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

	MemoProgramIDSPL    = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
	MemoProgramIDLegacy = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")

	ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")
)

// System Program instruction types
const (
	SystemProgramTransferInstruction = uint32(2)
)

// Token Program instruction types
const (
	TokenProgramTransferInstruction        = uint8(3)
	TokenProgramTransferCheckedInstruction = uint8(12)
)

var errNotTransfer = errors.New("not a transfer instruction")

// instruction is a compiled instruction from either the message or the
// inner instruction list.
type instruction struct {
	program  uint16
	accounts []uint16
	data     []byte
}

// tokenAccount is what the token balance table says about a token account.
type tokenAccount struct {
	owner    string
	mint     string
	decimals int32
}

// decoder turns one fetched transaction into feed entries.
type decoder struct {
	hash      string
	keys      []solana.PublicKey
	accounts  map[uint16]tokenAccount
	mints     map[string]string
	timestamp int64
	slot      uint64
}

// decodeTransaction converts a getTransaction result. The first top-level
// system transfer signed by the fee payer is the transaction value; every
// other system transfer becomes an internal transfer. SPL transfers are
// attributed to the owners of the token accounts involved.
func decodeTransaction(sig solana.Signature, result *rpc.GetTransactionResult, mints map[string]string) (*Decoded, error) {
	if result == nil || result.Transaction == nil {
		return nil, fmt.Errorf("transaction %s: empty result", sig)
	}
	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("transaction %s: failed to decode: %w", sig, err)
	}
	if len(tx.Message.AccountKeys) == 0 {
		return nil, fmt.Errorf("transaction %s: no account keys", sig)
	}

	d := &decoder{
		hash:     sig.String(),
		keys:     append([]solana.PublicKey(nil), tx.Message.AccountKeys...),
		accounts: make(map[uint16]tokenAccount),
		mints:    mints,
		slot:     result.Slot,
	}
	if result.BlockTime != nil {
		d.timestamp = int64(*result.BlockTime)
	}

	out := &Decoded{Transaction: chain.RawTransaction{
		Hash:        d.hash,
		From:        tx.Message.AccountKeys[0].String(),
		Value:       "0",
		GasUsed:     "0",
		GasPrice:    "1",
		Timestamp:   d.timestamp,
		BlockNumber: d.slot,
	}}

	var inner []rpc.InnerInstruction
	if meta := result.Meta; meta != nil {
		out.Transaction.GasUsed = strconv.FormatUint(meta.Fee, 10)
		out.Transaction.IsError = meta.Err != nil
		d.keys = append(d.keys, meta.LoadedAddresses.Writable...)
		d.keys = append(d.keys, meta.LoadedAddresses.ReadOnly...)
		for _, tb := range meta.PreTokenBalances {
			d.recordTokenAccount(tb)
		}
		for _, tb := range meta.PostTokenBalances {
			d.recordTokenAccount(tb)
		}
		inner = meta.InnerInstructions
	}

	var ixs []instruction
	for _, ix := range tx.Message.Instructions {
		ixs = append(ixs, instruction{program: ix.ProgramIDIndex, accounts: ix.Accounts, data: ix.Data})
	}
	topLevel := len(ixs)
	for _, group := range inner {
		for _, ix := range group.Instructions {
			ixs = append(ixs, instruction{program: ix.ProgramIDIndex, accounts: ix.Accounts, data: ix.Data})
		}
	}

	valueSet := false
	for i, ix := range ixs {
		program, ok := d.key(ix.program)
		if !ok {
			continue
		}
		switch {
		case program.Equals(SystemProgramID):
			from, to, lamports, err := d.systemTransfer(ix)
			if err != nil {
				continue
			}
			if !valueSet && i < topLevel && from == out.Transaction.From {
				out.Transaction.To = to
				out.Transaction.Value = strconv.FormatUint(lamports, 10)
				valueSet = true
				continue
			}
			out.Internal = append(out.Internal, chain.InternalTransfer{
				Hash:        d.hash,
				From:        from,
				To:          to,
				Value:       strconv.FormatUint(lamports, 10),
				Timestamp:   d.timestamp,
				BlockNumber: d.slot,
				IsError:     out.Transaction.IsError,
			})
		case program.Equals(TokenProgramID) || program.Equals(Token2022ProgramID):
			tr, err := d.tokenTransfer(ix)
			if err != nil {
				continue
			}
			out.Transfers = append(out.Transfers, *tr)
		case program.Equals(MemoProgramIDSPL) || program.Equals(MemoProgramIDLegacy):
			if memo := parseMemo(ix.data); memo != "" {
				out.Transaction.Memo = memo
			}
		}
		if out.Transaction.To == "" && i < topLevel && !auxiliary(program) {
			out.Transaction.To = program.String()
		}
	}

	// A failed transaction moves no tokens.
	if out.Transaction.IsError {
		out.Transfers = nil
	}
	return out, nil
}

// auxiliary programs never name the counterparty of a transaction.
func auxiliary(program solana.PublicKey) bool {
	return program.Equals(MemoProgramIDSPL) ||
		program.Equals(MemoProgramIDLegacy) ||
		program.Equals(ComputeBudgetProgramID)
}

func (d *decoder) key(i uint16) (solana.PublicKey, bool) {
	if int(i) >= len(d.keys) {
		return solana.PublicKey{}, false
	}
	return d.keys[i], true
}

func (d *decoder) recordTokenAccount(tb rpc.TokenBalance) {
	ta := d.accounts[tb.AccountIndex]
	ta.mint = tb.Mint.String()
	if tb.Owner != nil {
		ta.owner = tb.Owner.String()
	}
	if tb.UiTokenAmount != nil {
		ta.decimals = int32(tb.UiTokenAmount.Decimals)
	}
	d.accounts[tb.AccountIndex] = ta
}

// owner resolves a token account to the wallet that owns it, falling back
// to the token account address.
func (d *decoder) owner(i uint16) string {
	if ta, ok := d.accounts[i]; ok && ta.owner != "" {
		return ta.owner
	}
	if k, ok := d.key(i); ok {
		return k.String()
	}
	return ""
}

// systemTransfer decodes a System Program Transfer: [from, to], u32 type, u64 lamports.
func (d *decoder) systemTransfer(ix instruction) (from, to string, lamports uint64, err error) {
	if len(ix.data) < 12 || len(ix.accounts) < 2 {
		return "", "", 0, errNotTransfer
	}
	if binary.LittleEndian.Uint32(ix.data[0:4]) != SystemProgramTransferInstruction {
		return "", "", 0, errNotTransfer
	}
	fromKey, ok1 := d.key(ix.accounts[0])
	toKey, ok2 := d.key(ix.accounts[1])
	if !ok1 || !ok2 {
		return "", "", 0, fmt.Errorf("system transfer account index out of bounds")
	}
	return fromKey.String(), toKey.String(), binary.LittleEndian.Uint64(ix.data[4:12]), nil
}

// tokenTransfer decodes SPL Transfer ([source, destination, authority]) and
// TransferChecked ([source, mint, destination, authority]).
func (d *decoder) tokenTransfer(ix instruction) (*chain.TokenTransfer, error) {
	if len(ix.data) == 0 {
		return nil, errNotTransfer
	}

	var source, dest uint16
	var mint string
	decimals := int32(-1)

	switch ix.data[0] {
	case TokenProgramTransferInstruction:
		if len(ix.data) < 9 || len(ix.accounts) < 3 {
			return nil, fmt.Errorf("transfer instruction too short")
		}
		source, dest = ix.accounts[0], ix.accounts[1]
	case TokenProgramTransferCheckedInstruction:
		if len(ix.data) < 10 || len(ix.accounts) < 4 {
			return nil, fmt.Errorf("transferChecked instruction too short")
		}
		source, dest = ix.accounts[0], ix.accounts[2]
		mintKey, ok := d.key(ix.accounts[1])
		if !ok {
			return nil, fmt.Errorf("mint account index out of bounds")
		}
		mint = mintKey.String()
		decimals = int32(ix.data[9])
	default:
		return nil, errNotTransfer
	}
	amount := binary.LittleEndian.Uint64(ix.data[1:9])

	// Plain transfers carry neither mint nor decimals; the balance table does.
	for _, idx := range []uint16{source, dest} {
		ta, ok := d.accounts[idx]
		if !ok {
			continue
		}
		if mint == "" {
			mint = ta.mint
		}
		if decimals < 0 {
			decimals = ta.decimals
		}
	}
	if mint == "" || decimals < 0 {
		return nil, fmt.Errorf("unknown mint for token transfer in %s", d.hash)
	}

	return &chain.TokenTransfer{
		Hash:            d.hash,
		From:            d.owner(source),
		To:              d.owner(dest),
		TokenSymbol:     mintSymbol(d.mints, mint),
		TokenDecimals:   decimals,
		Value:           strconv.FormatUint(amount, 10),
		ContractAddress: mint,
		Timestamp:       d.timestamp,
		BlockNumber:     d.slot,
	}, nil
}

// parseMemo extracts the memo text. Base64 payloads that decode to
// printable UTF-8 are decoded.
func parseMemo(data []byte) string {
	memo := string(data)
	if decoded, err := base64.StdEncoding.DecodeString(memo); err == nil && isText(decoded) {
		return string(decoded)
	}
	return memo
}

func isText(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return true
}
