package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tyemirov/predicowallet/internal/upstream"
	"go.uber.org/zap/zaptest"
)

type fakeAPI struct {
	mu        sync.Mutex
	requests  []string
	bodies    map[string]map[string]any
	conflicts map[string]bool
}

func (api *fakeAPI) handler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		api.mu.Lock()
		defer api.mu.Unlock()
		api.requests = append(api.requests, request.Method+" "+request.URL.Path)
		body := map[string]any{}
		_ = json.NewDecoder(request.Body).Decode(&body)
		api.bodies[request.Method+" "+request.URL.Path] = body
		writer.Header().Set("Content-Type", "application/json")

		authorized := strings.HasPrefix(request.Header.Get("Authorization"), "Bearer token-")
		switch request.Method + " " + request.URL.Path {
		case "POST /user/register":
			email, _ := body["email"].(string)
			if api.conflicts[email] {
				writer.WriteHeader(http.StatusConflict)
				_, _ = writer.Write([]byte(`{"detail":"exists"}`))
				return
			}
			writer.WriteHeader(http.StatusCreated)
			_, _ = writer.Write([]byte(`{"data":{"email":"` + email + `"}}`))
		case "POST /user/login":
			email, _ := body["email"].(string)
			_, _ = writer.Write([]byte(`{"access_token":"token-` + email + `","refresh_token":"r","token_type":"bearer"}`))
		case "GET /wallet/address":
			if !authorized {
				writer.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = writer.Write([]byte(`{"address":"iota1abc"}`))
		case "GET /wallet/balance":
			_, _ = writer.Write([]byte(`{"balance":3000000,"unit":"micro"}`))
		case "GET /market/unit":
			_, _ = writer.Write([]byte(`{"base_unit":"IOTA","transaction_unit":"micro","rates":{"base_to_transaction":1000000}}`))
		case "POST /wallet/transfer":
			_, _ = writer.Write([]byte(`{"transaction_id":"tx-1"}`))
		case "GET /market/session":
			_, _ = writer.Write([]byte(`{"data":[{"id":5,"status":"open"}]}`))
		case "POST /market/session/bid":
			writer.WriteHeader(http.StatusAccepted)
			_, _ = writer.Write([]byte(`{"message":"Bid successfully posted. Transaction in progress..."}`))
		case "POST /market/wallet/user_wallet_address":
			writer.WriteHeader(http.StatusCreated)
			_, _ = writer.Write([]byte(`{}`))
		case "GET /wallet/request_funds":
			writer.WriteHeader(http.StatusBadRequest)
			_, _ = writer.Write([]byte(`{"code":"unsupported","message":"faucet not available for ERC20"}`))
		default:
			writer.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestManager(t *testing.T, dir string) (*Manager, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{bodies: map[string]map[string]any{}, conflicts: map[string]bool{}}
	server := httptest.NewServer(api.handler(t))
	t.Cleanup(server.Close)

	transport, err := upstream.NewClient(server.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	file, err := NewUsersFile(dir)
	if err != nil {
		t.Fatalf("users file: %v", err)
	}
	return NewManager(NewAPIClient(transport), file, zaptest.NewLogger(t)), api
}

func TestGenerateUsersSatisfyPasswordRules(t *testing.T) {
	users := GenerateUsers(3)
	if len(users) != 3 {
		t.Fatalf("expected 3 users, got %d", len(users))
	}
	seen := map[string]bool{}
	for _, user := range users {
		if seen[user.Email] {
			t.Fatalf("duplicate email %s", user.Email)
		}
		seen[user.Email] = true
		if len(user.Password) < 9 || !strings.ContainsAny(user.Password, "0123456789") || !strings.Contains(user.Password, "#") {
			t.Fatalf("password %q does not satisfy registration rules", user.Password)
		}
	}
}

func TestUsersFileRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "agents")
	file, err := NewUsersFile(dir)
	if err != nil {
		t.Fatalf("users file: %v", err)
	}
	if file.Installed() {
		t.Fatalf("expected a missing directory to be reported as not installed")
	}
	if _, err := file.Load(); !errors.Is(err, ErrNoUsers) {
		t.Fatalf("expected ErrNoUsers, got %v", err)
	}
	if err := file.Save([]User{{Email: "a@example.com", Password: "p"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !file.Installed() {
		t.Fatalf("expected directory to exist after save")
	}
	info, err := os.Stat(file.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
	users, err := file.Load()
	if err != nil || len(users) != 1 || users[0].Email != "a@example.com" {
		t.Fatalf("unexpected load result %v, %v", users, err)
	}

	if _, err := NewUsersFile("  "); !errors.Is(err, ErrEmptyUsersDir) {
		t.Fatalf("expected ErrEmptyUsersDir, got %v", err)
	}
}

func TestCreateUsersRegistersEachAndToleratesConflict(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "agents")
	manager, api := newTestManager(t, dir)

	results, err := manager.CreateUsers(context.Background(), 2)
	if err != nil {
		t.Fatalf("create users: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, result := range results {
		if result.Err != nil {
			t.Fatalf("unexpected error for %s: %v", result.Email, result.Err)
		}
	}
	body := api.bodies["POST /user/register"]
	if body["password"] != body["password_conf"] {
		t.Fatalf("expected matching password confirmation, got %v", body)
	}
	if !manager.Installed() {
		t.Fatalf("expected users directory after installation")
	}

	if _, err := manager.CreateUsers(context.Background(), 0); err == nil {
		t.Fatalf("expected error for zero users")
	}
}

func TestWalletOperationsLoginOncePerUser(t *testing.T) {
	dir := t.TempDir()
	manager, api := newTestManager(t, dir)
	if err := manager.file.Save([]User{{Email: "a@example.com", Password: "p"}}); err != nil {
		t.Fatalf("save: %v", err)
	}

	addresses, err := manager.WalletAddresses(context.Background())
	if err != nil || len(addresses) != 1 || addresses[0].Detail != "iota1abc" {
		t.Fatalf("unexpected addresses %v, %v", addresses, err)
	}
	balances, err := manager.WalletBalances(context.Background())
	if err != nil || balances[0].Detail != "3000000 micro" {
		t.Fatalf("unexpected balances %v, %v", balances, err)
	}

	logins := 0
	for _, request := range api.requests {
		if request == "POST /user/login" {
			logins++
		}
	}
	if logins != 1 {
		t.Fatalf("expected one login, got %d", logins)
	}
}

func TestTransferBalancesConvertsToBaseUnit(t *testing.T) {
	dir := t.TempDir()
	manager, api := newTestManager(t, dir)
	if err := manager.file.Save([]User{{Email: "a@example.com", Password: "p"}}); err != nil {
		t.Fatalf("save: %v", err)
	}

	results, err := manager.TransferBalances(context.Background(), "iota1out")
	if err != nil || results[0].Err != nil {
		t.Fatalf("unexpected transfer result %v, %v", results, err)
	}
	body := api.bodies["POST /wallet/transfer"]
	if body["amount"] != float64(3) || body["identifier"] != "iota1out" {
		t.Fatalf("unexpected transfer body %v", body)
	}

	if _, err := manager.TransferBalances(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestPlaceBidsUsesLatestOpenSession(t *testing.T) {
	dir := t.TempDir()
	manager, api := newTestManager(t, dir)
	users := []User{
		{Email: "a@example.com", Password: "p", ResourceID: "8a1f2c4e-6b3d-4f5a-9c7e-0d1b2a3c4d5e"},
		{Email: "b@example.com", Password: "p"},
	}
	if err := manager.file.Save(users); err != nil {
		t.Fatalf("save: %v", err)
	}

	results, err := manager.PlaceBids(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("place bids: %v", err)
	}
	if results[0].Err != nil || !strings.HasPrefix(results[0].Detail, "Bid successfully posted") {
		t.Fatalf("unexpected first result %v", results[0])
	}
	if !strings.HasPrefix(results[1].Detail, "skipped") {
		t.Fatalf("expected user without resource to be skipped, got %v", results[1])
	}
	body := api.bodies["POST /market/session/bid"]
	if body["market_session"] != float64(5) || body["max_payment"] != float64(10) || body["gain_func"] != DefaultGainFunc {
		t.Fatalf("unexpected bid body %v", body)
	}
}

func TestRequestFundsReportsAPIError(t *testing.T) {
	dir := t.TempDir()
	manager, _ := newTestManager(t, dir)
	if err := manager.file.Save([]User{{Email: "a@example.com", Password: "p"}}); err != nil {
		t.Fatalf("save: %v", err)
	}

	results, err := manager.RequestFunds(context.Background())
	if err != nil {
		t.Fatalf("request funds: %v", err)
	}
	var apiErr *APIError
	if !errors.As(results[0].Err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected API error with status 400, got %v", results[0].Err)
	}
	if !strings.Contains(results[0].String(), "unsupported") {
		t.Fatalf("expected the error body in the rendered line, got %s", results[0].String())
	}
}

func TestOperationsWithoutUsers(t *testing.T) {
	manager, _ := newTestManager(t, t.TempDir())
	if _, err := manager.WalletBalances(context.Background()); !errors.Is(err, ErrNoUsers) {
		t.Fatalf("expected ErrNoUsers, got %v", err)
	}
}
