// Package payment exposes the payment backend selected at startup behind a single
// Processor interface. Backend-specific behavior is expressed through capability
// interfaces that callers query with type assertions.
package payment

import (
	"context"
	"time"
)

// Backend names accepted by NewProcessor.
const (
	BackendIOTA  = "IOTA"
	BackendERC20 = "ERC20"
	BackendFiat  = "FIAT"
)

// Transaction states recorded by gateways.
const (
	StatePending   = "pending"
	StateConfirmed = "confirmed"
)

// Account is the backend view of a wallet owned by an identifier (the user email).
type Account struct {
	Identifier string         `json:"identifier"`
	Address    string         `json:"address"`
	Backend    string         `json:"backend"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Balance is expressed in the backend transaction unit.
type Balance struct {
	Identifier string  `json:"identifier"`
	Address    string  `json:"address"`
	Balance    float64 `json:"balance"`
	Unit       string  `json:"unit"`
}

// Transaction is a single transfer recorded by the backend.
type Transaction struct {
	TransactionID string    `json:"transaction_id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Value         float64   `json:"value"`
	State         string    `json:"state"`
	Receipt       string    `json:"receipt"`
	Backend       string    `json:"backend"`
	CreatedAt     time.Time `json:"timestamp"`
}

// FundReceipt mirrors the faucet enqueue reply.
type FundReceipt struct {
	Address         string `json:"address"`
	WaitingRequests int    `json:"waitingRequests"`
}

// Processor is the facade every wallet route talks to.
type Processor interface {
	Backend() string
	Units() Units
	CreateAccount(ctx context.Context, identifier string) (Account, error)
	AccountData(ctx context.Context, identifier string) (Account, error)
	Balance(ctx context.Context, identifier string) (Balance, error)
	ExecuteTransaction(ctx context.Context, fromIdentifier string, toIdentifier string, value float64) (Transaction, error)
	TransactionHistory(ctx context.Context, identifier string) ([]Transaction, error)
	TransactionsByField(ctx context.Context, filters map[string]any) ([]Transaction, error)
	ValidateTransactions(ctx context.Context) ([]Transaction, error)
}

// AddressResolvable is implemented by backends that key balances and transfers by
// address rather than by the account identifier.
type AddressResolvable interface {
	ResolveAddress(ctx context.Context, identifier string) (string, error)
}

// FaucetProvider is implemented by backends able to grant demo funds.
type FaucetProvider interface {
	RequestFunds(ctx context.Context, address string) (FundReceipt, error)
}

// Gateway is the boundary to the backend SDK or service.
type Gateway interface {
	CreateAccount(ctx context.Context, identifier string) (Account, error)
	AccountData(ctx context.Context, identifier string) (Account, error)
	Balance(ctx context.Context, identifier string) (Balance, error)
	Transfer(ctx context.Context, fromIdentifier string, toIdentifier string, value float64) (Transaction, error)
	History(ctx context.Context, identifier string) ([]Transaction, error)
	TransactionsByField(ctx context.Context, filters map[string]any) ([]Transaction, error)
	ValidateTransactions(ctx context.Context, since time.Time) ([]Transaction, error)
}

// Faucet is the boundary to a faucet service.
type Faucet interface {
	RequestFunds(ctx context.Context, address string) (FundReceipt, error)
}

// IdentifierFor returns the identifier a balance or transfer call expects for the
// given account owner: the resolved address for AddressResolvable backends, the
// owner itself otherwise.
func IdentifierFor(ctx context.Context, processor Processor, owner string) (string, error) {
	resolver, ok := processor.(AddressResolvable)
	if !ok {
		return owner, nil
	}
	return resolver.ResolveAddress(ctx, owner)
}
