package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tyemirov/predicowallet/internal/upstream"
)

// RemoteGateway talks JSON to a payment gateway service.
type RemoteGateway struct {
	client  upstream.Doer
	backend string
}

// NewRemoteGateway builds a gateway for the given backend using a preconfigured HTTP client.
func NewRemoteGateway(client upstream.Doer, backend string) *RemoteGateway {
	return &RemoteGateway{client: client, backend: NormalizeBackend(backend)}
}

func (gateway *RemoteGateway) CreateAccount(ctx context.Context, identifier string) (Account, error) {
	var account Account
	err := gateway.call(ctx, http.MethodPost, "/accounts", map[string]any{"identifier": identifier, "backend": gateway.backend}, &account)
	return account, err
}

func (gateway *RemoteGateway) AccountData(ctx context.Context, identifier string) (Account, error) {
	var account Account
	err := gateway.call(ctx, http.MethodGet, "/accounts/"+url.PathEscape(identifier), nil, &account)
	return account, err
}

func (gateway *RemoteGateway) Balance(ctx context.Context, identifier string) (Balance, error) {
	var balance Balance
	err := gateway.call(ctx, http.MethodGet, "/accounts/"+url.PathEscape(identifier)+"/balance", nil, &balance)
	return balance, err
}

func (gateway *RemoteGateway) Transfer(ctx context.Context, fromIdentifier string, toIdentifier string, value float64) (Transaction, error) {
	var transaction Transaction
	err := gateway.call(ctx, http.MethodPost, "/transactions", map[string]any{
		"from":  fromIdentifier,
		"to":    toIdentifier,
		"value": value,
	}, &transaction)
	return transaction, err
}

func (gateway *RemoteGateway) History(ctx context.Context, identifier string) ([]Transaction, error) {
	var transactions []Transaction
	err := gateway.call(ctx, http.MethodGet, "/accounts/"+url.PathEscape(identifier)+"/transactions", nil, &transactions)
	return transactions, err
}

func (gateway *RemoteGateway) TransactionsByField(ctx context.Context, filters map[string]any) ([]Transaction, error) {
	if len(filters) == 0 {
		filters = map[string]any{}
	}
	var transactions []Transaction
	err := gateway.call(ctx, http.MethodPost, "/transactions/search", filters, &transactions)
	return transactions, err
}

func (gateway *RemoteGateway) ValidateTransactions(ctx context.Context, since time.Time) ([]Transaction, error) {
	var transactions []Transaction
	err := gateway.call(ctx, http.MethodPost, "/transactions/validate", map[string]any{"since": since.UTC().Format(time.RFC3339)}, &transactions)
	return transactions, err
}

func (gateway *RemoteGateway) call(ctx context.Context, method string, endpoint string, body any, target any) error {
	request := upstream.Request{Endpoint: endpoint, Method: method}
	if body != nil {
		request.JSON = body
	}
	response, err := gateway.client.Do(ctx, request)
	if err != nil {
		return NewError(CodeBackendFailure, err.Error(), map[string]any{"backend": gateway.backend})
	}
	if !response.OK() {
		return decodeGatewayError(response)
	}
	if target == nil || len(response.Body) == 0 {
		return nil
	}
	if decodeErr := json.Unmarshal(response.Body, target); decodeErr != nil {
		return NewError(CodeBackendFailure, fmt.Sprintf("decode gateway reply: %v", decodeErr), nil)
	}
	return nil
}

func decodeGatewayError(response *upstream.Response) *Error {
	code := response.Get("code").String()
	message := response.Get("message").String()
	if code == "" {
		switch response.StatusCode {
		case http.StatusNotFound:
			code = CodeAccountNotFound
		case http.StatusConflict:
			code = CodeAccountExists
		default:
			code = CodeBackendFailure
		}
	}
	if message == "" {
		message = http.StatusText(response.StatusCode)
	}
	details := map[string]any{"status": response.StatusCode}
	if detailsResult := response.Get("details"); detailsResult.IsObject() {
		if decoded, ok := detailsResult.Value().(map[string]any); ok {
			for key, value := range decoded {
				details[key] = value
			}
		}
	}
	return NewError(code, message, details)
}

// RemoteFaucet enqueues funding requests on an IOTA faucet.
type RemoteFaucet struct {
	client upstream.Doer
}

// NewRemoteFaucet builds a faucet client.
func NewRemoteFaucet(client upstream.Doer) *RemoteFaucet {
	return &RemoteFaucet{client: client}
}

// RequestFunds posts the address to the faucet queue.
func (faucet *RemoteFaucet) RequestFunds(ctx context.Context, address string) (FundReceipt, error) {
	response, err := faucet.client.Do(ctx, upstream.Request{
		Endpoint: "/api/enqueue",
		Method:   http.MethodPost,
		JSON:     map[string]string{"address": address},
	})
	if err != nil {
		return FundReceipt{}, NewError(CodeBackendFailure, err.Error(), map[string]any{"operation": "faucet"})
	}
	if !response.OK() {
		return FundReceipt{}, decodeGatewayError(response)
	}
	receipt := FundReceipt{
		Address:         response.Get("address").String(),
		WaitingRequests: int(response.Get("waitingRequests").Int()),
	}
	if receipt.Address == "" {
		receipt.Address = address
	}
	return receipt, nil
}
