package agents

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// DefaultGainFunc is the gain function sent with agent bids.
const DefaultGainFunc = "mse"

// ErrNoOpenSession indicates the market has no open session to bid on.
var ErrNoOpenSession = errors.New("agents.no_open_session")

// Result is the outcome of one operation for one user.
type Result struct {
	Email  string
	Detail string
	Err    error
}

// String renders the result as a menu line.
func (result Result) String() string {
	if result.Err != nil {
		return fmt.Sprintf("%s: error: %v", result.Email, result.Err)
	}
	return fmt.Sprintf("%s: %s", result.Email, result.Detail)
}

// Manager runs operations for every stored user.
type Manager struct {
	client *APIClient
	file   *UsersFile
	logger *zap.Logger
	users  []User
	tokens map[string]string
}

// NewManager builds a Manager. Users are read lazily from the users file.
func NewManager(client *APIClient, file *UsersFile, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{client: client, file: file, logger: logger, tokens: map[string]string{}}
}

// Installed reports whether agents were provisioned before.
func (manager *Manager) Installed() bool {
	return manager.file.Installed()
}

// CreateUsers generates count users, stores their credentials and registers
// each through the API, which also creates the wallet.
func (manager *Manager) CreateUsers(ctx context.Context, count int) ([]Result, error) {
	if count <= 0 {
		return nil, fmt.Errorf("agents.create_users: count must be positive, got %d", count)
	}
	users := GenerateUsers(count)
	if err := manager.file.Save(users); err != nil {
		return nil, err
	}
	manager.users = users
	manager.tokens = map[string]string{}
	manager.logger.Info("agent users stored", zap.Int("count", count), zap.String("path", manager.file.Path()))

	results := make([]Result, 0, len(users))
	for _, user := range users {
		_, err := manager.client.Register(ctx, user)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			err = nil
		}
		results = append(results, manager.result(user, "registered", err))
	}
	return results, nil
}

// WalletAddresses lists each user's wallet address.
func (manager *Manager) WalletAddresses(ctx context.Context) ([]Result, error) {
	return manager.each(ctx, func(ctx context.Context, user User, token string) (string, error) {
		reply, err := manager.client.Address(ctx, token)
		if err != nil {
			return "", err
		}
		return reply.Get("address").String(), nil
	})
}

// WalletBalances lists each user's balance.
func (manager *Manager) WalletBalances(ctx context.Context) ([]Result, error) {
	return manager.each(ctx, func(ctx context.Context, user User, token string) (string, error) {
		reply, err := manager.client.Balance(ctx, token)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s", reply.Get("balance").String(), reply.Get("unit").String()), nil
	})
}

// TransferBalances moves each user's whole balance to address.
func (manager *Manager) TransferBalances(ctx context.Context, address string) ([]Result, error) {
	if address == "" {
		return nil, errors.New("agents.transfer: address must be non-empty")
	}
	return manager.each(ctx, func(ctx context.Context, user User, token string) (string, error) {
		units, err := manager.client.Units(ctx, token)
		if err != nil {
			return "", err
		}
		rate := units.Get("rates.base_to_transaction").Float()
		if rate <= 0 {
			rate = 1
		}
		balance, err := manager.client.Balance(ctx, token)
		if err != nil {
			return "", err
		}
		amount := balance.Get("balance").Float() / rate
		if amount <= 0 {
			return "nothing to transfer", nil
		}
		reply, err := manager.client.Transfer(ctx, token, amount, address)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("transferred %g %s (transaction %s)", amount, units.Get("base_unit").String(), reply.Get("transaction_id").String()), nil
	})
}

// RequestFunds asks the faucet to fund each user's wallet.
func (manager *Manager) RequestFunds(ctx context.Context) ([]Result, error) {
	return manager.each(ctx, func(ctx context.Context, user User, token string) (string, error) {
		reply, err := manager.client.RequestFunds(ctx, token)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("funds requested, %d waiting", reply.Get("waitingRequests").Int()), nil
	})
}

// RegisterMarketWallets registers each user's wallet address in the market.
func (manager *Manager) RegisterMarketWallets(ctx context.Context) ([]Result, error) {
	return manager.each(ctx, func(ctx context.Context, user User, token string) (string, error) {
		if _, err := manager.client.RegisterMarketWallet(ctx, token); err != nil {
			return "", err
		}
		return "wallet registered in market", nil
	})
}

// PlaceBids places one bid per user on the latest open session. Users without a
// resource id in the users file are skipped.
func (manager *Manager) PlaceBids(ctx context.Context, maxPayment float64, bidPrice float64) ([]Result, error) {
	return manager.each(ctx, func(ctx context.Context, user User, token string) (string, error) {
		if user.ResourceID == "" {
			return "skipped, no resource_id in users file", nil
		}
		sessions, err := manager.client.OpenSessions(ctx, token)
		if err != nil {
			return "", err
		}
		sessionID := sessions.Get("data.0.id")
		if !sessionID.Exists() {
			return "", ErrNoOpenSession
		}
		reply, err := manager.client.PlaceBid(ctx, token, Bid{
			MarketSession: sessionID.Int(),
			BidPrice:      bidPrice,
			MaxPayment:    maxPayment,
			Resource:      user.ResourceID,
			GainFunc:      DefaultGainFunc,
		})
		if err != nil {
			return "", err
		}
		return reply.Get("message").String(), nil
	})
}

func (manager *Manager) each(ctx context.Context, operation func(ctx context.Context, user User, token string) (string, error)) ([]Result, error) {
	users, err := manager.loadUsers()
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(users))
	for _, user := range users {
		token, loginErr := manager.token(ctx, user)
		if loginErr != nil {
			results = append(results, manager.result(user, "", loginErr))
			continue
		}
		detail, opErr := operation(ctx, user, token)
		results = append(results, manager.result(user, detail, opErr))
	}
	return results, nil
}

func (manager *Manager) loadUsers() ([]User, error) {
	if manager.users != nil {
		return manager.users, nil
	}
	users, err := manager.file.Load()
	if err != nil {
		return nil, err
	}
	manager.users = users
	return users, nil
}

func (manager *Manager) token(ctx context.Context, user User) (string, error) {
	if token, ok := manager.tokens[user.Email]; ok {
		return token, nil
	}
	token, err := manager.client.Login(ctx, user)
	if err != nil {
		return "", err
	}
	manager.tokens[user.Email] = token
	return token, nil
}

func (manager *Manager) result(user User, detail string, err error) Result {
	if err != nil {
		manager.logger.Warn("agent operation failed",
			zap.String("code", "agents.operation"),
			zap.String("user_email", user.Email),
			zap.Error(err))
	}
	return Result{Email: user.Email, Detail: detail, Err: err}
}
