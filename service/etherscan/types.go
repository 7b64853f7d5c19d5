package etherscan

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/brojonat/beanroast/service/chain"
)

// Etherscan reports every numeric field of the account module as a decimal string.

type txRow struct {
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	GasPrice    string `json:"gasPrice"`
	GasUsed     string `json:"gasUsed"`
	IsError     string `json:"isError"`
	Input       string `json:"input"`
}

func (r txRow) toDomain() (chain.RawTransaction, error) {
	ts, block, err := parseStamp(r.TimeStamp, r.BlockNumber)
	if err != nil {
		return chain.RawTransaction{}, err
	}
	return chain.RawTransaction{
		Hash:        r.Hash,
		From:        chain.NormalizeAddress(r.From),
		To:          chain.NormalizeAddress(r.To),
		Value:       orZero(r.Value),
		GasUsed:     orZero(r.GasUsed),
		GasPrice:    orZero(r.GasPrice),
		Timestamp:   ts,
		BlockNumber: block,
		IsError:     r.IsError == "1",
		Input:       r.Input,
	}, nil
}

type tokenRow struct {
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	ContractAddress string `json:"contractAddress"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
}

func (r tokenRow) toDomain() (chain.TokenTransfer, error) {
	ts, block, err := parseStamp(r.TimeStamp, r.BlockNumber)
	if err != nil {
		return chain.TokenTransfer{}, err
	}
	decimals := int64(0)
	if r.TokenDecimal != "" {
		decimals, err = strconv.ParseInt(r.TokenDecimal, 10, 32)
		if err != nil {
			return chain.TokenTransfer{}, fmt.Errorf("token decimals %q: %w", r.TokenDecimal, err)
		}
	}
	return chain.TokenTransfer{
		Hash:            r.Hash,
		From:            r.From,
		To:              r.To,
		TokenSymbol:     r.TokenSymbol,
		TokenDecimals:   int32(decimals),
		Value:           orZero(r.Value),
		ContractAddress: chain.NormalizeAddress(r.ContractAddress),
		Timestamp:       ts,
		BlockNumber:     block,
	}, nil
}

type internalRow struct {
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	IsError     string `json:"isError"`
}

func (r internalRow) toDomain() (chain.InternalTransfer, error) {
	ts, block, err := parseStamp(r.TimeStamp, r.BlockNumber)
	if err != nil {
		return chain.InternalTransfer{}, err
	}
	return chain.InternalTransfer{
		Hash:        r.Hash,
		From:        chain.NormalizeAddress(r.From),
		To:          chain.NormalizeAddress(r.To),
		Value:       orZero(r.Value),
		Timestamp:   ts,
		BlockNumber: block,
		IsError:     r.IsError == "1",
	}, nil
}

type sourceRow struct {
	ContractName string `json:"ContractName"`
}

// The proxy module speaks JSON-RPC and reports quantities in hex.

type rpcTransaction struct {
	Hash        string `json:"hash"`
	BlockNumber string `json:"blockNumber"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	GasPrice    string `json:"gasPrice"`
	Input       string `json:"input"`
}

type rpcReceipt struct {
	GasUsed           string `json:"gasUsed"`
	EffectiveGasPrice string `json:"effectiveGasPrice"`
	Status            string `json:"status"`
}

func rpcToDomain(tx *rpcTransaction, receipt *rpcReceipt) (*chain.RawTransaction, error) {
	block, err := hexToUint(tx.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	value, err := hexToDecimalString(tx.Value)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	gasUsed, err := hexToDecimalString(receipt.GasUsed)
	if err != nil {
		return nil, fmt.Errorf("gas used: %w", err)
	}
	priceHex := receipt.EffectiveGasPrice
	if priceHex == "" {
		priceHex = tx.GasPrice
	}
	gasPrice, err := hexToDecimalString(priceHex)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	return &chain.RawTransaction{
		Hash:        tx.Hash,
		From:        chain.NormalizeAddress(tx.From),
		To:          chain.NormalizeAddress(tx.To),
		Value:       value,
		GasUsed:     gasUsed,
		GasPrice:    gasPrice,
		BlockNumber: block,
		IsError:     receipt.Status == "0x0",
		Input:       tx.Input,
	}, nil
}

func parseStamp(timeStamp, blockNumber string) (int64, uint64, error) {
	ts, err := strconv.ParseInt(timeStamp, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("timestamp %q: %w", timeStamp, err)
	}
	block, err := strconv.ParseUint(blockNumber, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("block number %q: %w", blockNumber, err)
	}
	return ts, block, nil
}

func hexToBig(s string) (*big.Int, error) {
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if digits == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", s)
	}
	return n, nil
}

func hexToDecimalString(s string) (string, error) {
	n, err := hexToBig(s)
	if err != nil {
		return "", err
	}
	return n.String(), nil
}

func hexToUint(s string) (uint64, error) {
	n, err := hexToBig(s)
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("quantity %q overflows uint64", s)
	}
	return n.Uint64(), nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
