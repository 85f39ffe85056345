package payment

import (
	"context"
	"time"
)

// EthereumProcessor drives an ERC20 contract; balances and transfers are keyed by address.
type EthereumProcessor struct {
	gateway Gateway
	units   Units
	now     func() time.Time
}

// NewEthereumProcessor wraps the gateway used for ERC20 wallets.
func NewEthereumProcessor(gateway Gateway, units Units) *EthereumProcessor {
	return &EthereumProcessor{gateway: gateway, units: units, now: time.Now}
}

func (processor *EthereumProcessor) Backend() string { return BackendERC20 }

func (processor *EthereumProcessor) Units() Units { return processor.units }

func (processor *EthereumProcessor) CreateAccount(ctx context.Context, identifier string) (Account, error) {
	return processor.gateway.CreateAccount(ctx, identifier)
}

func (processor *EthereumProcessor) AccountData(ctx context.Context, identifier string) (Account, error) {
	return processor.gateway.AccountData(ctx, identifier)
}

// ResolveAddress maps the owner identifier to the contract address.
func (processor *EthereumProcessor) ResolveAddress(ctx context.Context, identifier string) (string, error) {
	account, err := processor.gateway.AccountData(ctx, identifier)
	if err != nil {
		return "", err
	}
	if account.Address == "" {
		return "", NewError(CodeAccountNotFound, "account has no address", map[string]any{"identifier": identifier})
	}
	return account.Address, nil
}

func (processor *EthereumProcessor) Balance(ctx context.Context, address string) (Balance, error) {
	return processor.gateway.Balance(ctx, address)
}

func (processor *EthereumProcessor) ExecuteTransaction(ctx context.Context, fromAddress string, toIdentifier string, value float64) (Transaction, error) {
	return processor.gateway.Transfer(ctx, fromAddress, toIdentifier, value)
}

func (processor *EthereumProcessor) TransactionHistory(ctx context.Context, address string) ([]Transaction, error) {
	return processor.gateway.History(ctx, address)
}

func (processor *EthereumProcessor) TransactionsByField(ctx context.Context, filters map[string]any) ([]Transaction, error) {
	return processor.gateway.TransactionsByField(ctx, filters)
}

func (processor *EthereumProcessor) ValidateTransactions(ctx context.Context) ([]Transaction, error) {
	return processor.gateway.ValidateTransactions(ctx, processor.now().UTC().Add(-time.Hour))
}
