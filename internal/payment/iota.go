package payment

import (
	"context"
	"math"
	"strings"
	"time"
)

// IOTAProcessor keys every wallet operation by the account identifier and offers a faucet.
type IOTAProcessor struct {
	gateway Gateway
	faucet  Faucet
	units   Units
	now     func() time.Time
}

// NewIOTAProcessor wraps the gateway and faucet used for IOTA wallets.
func NewIOTAProcessor(gateway Gateway, faucet Faucet, units Units) *IOTAProcessor {
	return &IOTAProcessor{gateway: gateway, faucet: faucet, units: units, now: time.Now}
}

func (processor *IOTAProcessor) Backend() string { return BackendIOTA }

func (processor *IOTAProcessor) Units() Units { return processor.units }

func (processor *IOTAProcessor) CreateAccount(ctx context.Context, identifier string) (Account, error) {
	return processor.gateway.CreateAccount(ctx, identifier)
}

func (processor *IOTAProcessor) AccountData(ctx context.Context, identifier string) (Account, error) {
	return processor.gateway.AccountData(ctx, identifier)
}

func (processor *IOTAProcessor) Balance(ctx context.Context, identifier string) (Balance, error) {
	return processor.gateway.Balance(ctx, identifier)
}

// ExecuteTransaction truncates the value: IOTA transfers whole transaction units only.
func (processor *IOTAProcessor) ExecuteTransaction(ctx context.Context, fromIdentifier string, toIdentifier string, value float64) (Transaction, error) {
	return processor.gateway.Transfer(ctx, fromIdentifier, toIdentifier, math.Trunc(value))
}

func (processor *IOTAProcessor) TransactionHistory(ctx context.Context, identifier string) ([]Transaction, error) {
	return processor.gateway.History(ctx, identifier)
}

func (processor *IOTAProcessor) TransactionsByField(ctx context.Context, filters map[string]any) ([]Transaction, error) {
	return processor.gateway.TransactionsByField(ctx, filters)
}

func (processor *IOTAProcessor) ValidateTransactions(ctx context.Context) ([]Transaction, error) {
	return processor.gateway.ValidateTransactions(ctx, processor.now().UTC().Add(-time.Hour))
}

// RequestFunds asks the faucet to fund the address.
func (processor *IOTAProcessor) RequestFunds(ctx context.Context, address string) (FundReceipt, error) {
	if processor.faucet == nil {
		return FundReceipt{}, Unsupported(BackendIOTA, "faucet")
	}
	if strings.TrimSpace(address) == "" {
		return FundReceipt{}, NewError(CodeAccountNotFound, "address must be provided", nil)
	}
	return processor.faucet.RequestFunds(ctx, address)
}
