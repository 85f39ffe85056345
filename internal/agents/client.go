package agents

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
	"github.com/tyemirov/predicowallet/internal/upstream"
)

// ErrMissingToken indicates the login reply carried no access token.
var ErrMissingToken = errors.New("agents.missing_access_token")

// APIError is a non-2xx reply from the wallet API.
type APIError struct {
	StatusCode int
	Body       string
}

func (apiErr *APIError) Error() string {
	return fmt.Sprintf("agents.api: status %d: %s", apiErr.StatusCode, apiErr.Body)
}

// Bid is the payload of a market bid.
type Bid struct {
	MarketSession int64   `json:"market_session"`
	BidPrice      float64 `json:"bid_price"`
	MaxPayment    float64 `json:"max_payment"`
	Resource      string  `json:"resource"`
	GainFunc      string  `json:"gain_func"`
}

// APIClient calls the wallet API as one user at a time.
type APIClient struct {
	doer upstream.Doer
}

// NewAPIClient wraps a transport pointed at the wallet API.
func NewAPIClient(doer upstream.Doer) *APIClient {
	return &APIClient{doer: doer}
}

// Register creates the user in the market and its wallet.
func (client *APIClient) Register(ctx context.Context, user User) (gjson.Result, error) {
	return client.call(ctx, "", http.MethodPost, "/user/register", map[string]any{
		"email":         user.Email,
		"password":      user.Password,
		"password_conf": user.Password,
		"first_name":    user.FirstName,
		"last_name":     user.LastName,
		"role":          user.Role,
	})
}

// Login returns an access token for the user.
func (client *APIClient) Login(ctx context.Context, user User) (string, error) {
	reply, err := client.call(ctx, "", http.MethodPost, "/user/login", map[string]string{
		"email":    user.Email,
		"password": user.Password,
	})
	if err != nil {
		return "", err
	}
	token := reply.Get("access_token").String()
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Address returns the wallet account of the token owner.
func (client *APIClient) Address(ctx context.Context, token string) (gjson.Result, error) {
	return client.call(ctx, token, http.MethodGet, "/wallet/address", nil)
}

// Balance returns the wallet balance in the transaction unit.
func (client *APIClient) Balance(ctx context.Context, token string) (gjson.Result, error) {
	return client.call(ctx, token, http.MethodGet, "/wallet/balance", nil)
}

// Transfer sends amount, in the base unit, to identifier.
func (client *APIClient) Transfer(ctx context.Context, token string, amount float64, identifier string) (gjson.Result, error) {
	return client.call(ctx, token, http.MethodPost, "/wallet/transfer", map[string]any{
		"amount":     amount,
		"identifier": identifier,
	})
}

// RequestFunds asks the faucet for demo funds.
func (client *APIClient) RequestFunds(ctx context.Context, token string) (gjson.Result, error) {
	return client.call(ctx, token, http.MethodGet, "/wallet/request_funds", nil)
}

// Units returns the payment units of the backend.
func (client *APIClient) Units(ctx context.Context, token string) (gjson.Result, error) {
	return client.call(ctx, token, http.MethodGet, "/market/unit", nil)
}

// RegisterMarketWallet registers the user's wallet address in the market.
func (client *APIClient) RegisterMarketWallet(ctx context.Context, token string) (gjson.Result, error) {
	return client.call(ctx, token, http.MethodPost, "/market/wallet/user_wallet_address", nil)
}

// OpenSessions lists the latest open market session.
func (client *APIClient) OpenSessions(ctx context.Context, token string) (gjson.Result, error) {
	query := url.Values{"status": {"open"}, "latest_only": {"true"}}
	return client.call(ctx, token, http.MethodGet, "/market/session?"+query.Encode(), nil)
}

// PlaceBid posts a bid; the API settles the payment in the background.
func (client *APIClient) PlaceBid(ctx context.Context, token string, bid Bid) (gjson.Result, error) {
	return client.call(ctx, token, http.MethodPost, "/market/session/bid", bid)
}

func (client *APIClient) call(ctx context.Context, token string, method string, endpoint string, body any) (gjson.Result, error) {
	request := upstream.Request{Endpoint: endpoint, Method: method, JSON: body}
	if token != "" {
		request.Headers = upstream.BearerHeader(token)
	}
	response, err := client.doer.Do(ctx, request)
	if err != nil {
		return gjson.Result{}, err
	}
	if !response.OK() {
		return gjson.Result{}, &APIError{StatusCode: response.StatusCode, Body: string(response.JSON())}
	}
	return gjson.ParseBytes(response.Body), nil
}
