package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/predicowallet/internal/authkit"
	"github.com/tyemirov/predicowallet/internal/payment"
	"github.com/tyemirov/predicowallet/internal/upstream"
	"github.com/tyemirov/predicowallet/internal/web"
	"go.uber.org/zap/zaptest"
)

type scriptedMarket struct {
	replies map[string]*upstream.Response
}

func (market *scriptedMarket) Do(ctx context.Context, request upstream.Request) (*upstream.Response, error) {
	if reply, ok := market.replies[request.Method+" "+request.Endpoint]; ok {
		return reply, nil
	}
	return &upstream.Response{StatusCode: http.StatusNotFound, Body: []byte(`{"detail":"not found"}`)}, nil
}

func newLedgerBackedRouter(t *testing.T, databaseName string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	web.UseJSONFieldNames()
	ctx := context.Background()

	db, driverLabel, err := authkit.OpenDatabase("sqlite:file:" + databaseName + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	store, err := authkit.NewDatabaseCredentialStore(ctx, db, driverLabel)
	if err != nil {
		t.Fatalf("credential store: %v", err)
	}
	ledger, err := payment.NewLedgerGateway(ctx, db, payment.BackendIOTA)
	if err != nil {
		t.Fatalf("ledger gateway: %v", err)
	}
	processor := payment.NewIOTAProcessor(ledger, nil, payment.DefaultUnits(payment.BackendIOTA))
	tokens := authkit.NewTokenService(authkit.ServerConfig{
		SigningKey:       []byte("flow-signing-key"),
		Issuer:           "predicowallet-test",
		AccessTTL:        15 * time.Minute,
		RefreshTTL:       time.Hour,
		UpstreamTokenTTL: time.Hour,
	}, store, authkit.NewSystemClock())

	market := &scriptedMarket{replies: map[string]*upstream.Response{
		"POST /user/register/": {StatusCode: http.StatusCreated, Body: []byte(`{"code":201}`)},
		"POST /token":          {StatusCode: http.StatusOK, Body: []byte(`{"access":"upstream-access"}`)},
	}}
	logger := zaptest.NewLogger(t)

	router := gin.New()
	authkit.MountUserRoutes(router.Group("/user"), authkit.UserRouteDependencies{
		Tokens:   tokens,
		Users:    store,
		Upstream: market,
		Payments: processor,
		Logger:   logger,
	})
	MountWalletRoutes(router.Group("/wallet", authkit.RequireBearer(tokens, store)), RouteDependencies{
		Payments: processor,
		Logger:   logger,
	})
	return router
}

func serveJSON(router http.Handler, method string, path string, body any, accessToken string) *httptest.ResponseRecorder {
	encoded, _ := json.Marshal(body)
	request := httptest.NewRequest(method, path, bytes.NewReader(encoded))
	request.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestRegisteredMixedCaseUserReachesOwnWallet(t *testing.T) {
	router := newLedgerBackedRouter(t, "wallet_flow_mixed_case")

	registered := serveJSON(router, http.MethodPost, "/user/register", map[string]any{
		"email":         "User@Example.com",
		"password":      "longenough1~",
		"password_conf": "longenough1~",
		"first_name":    "Ada",
		"last_name":     "Lovelace",
		"role":          []string{"buyer"},
	}, "")
	if registered.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", registered.Code, registered.Body.String())
	}

	login := serveJSON(router, http.MethodPost, "/user/login", map[string]string{"email": "User@Example.com", "password": "longenough1~"}, "")
	if login.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", login.Code, login.Body.String())
	}
	var pair authkit.TokenPair
	if err := json.Unmarshal(login.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode pair: %v", err)
	}

	address := serveJSON(router, http.MethodGet, "/wallet/address", nil, pair.AccessToken)
	if address.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", address.Code, address.Body.String())
	}
	var account payment.Account
	if err := json.Unmarshal(address.Body.Bytes(), &account); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if account.Identifier != "user@example.com" || account.Address == "" {
		t.Fatalf("unexpected account %+v", account)
	}

	balance := serveJSON(router, http.MethodGet, "/wallet/balance", nil, pair.AccessToken)
	if balance.Code != http.StatusOK {
		t.Fatalf("expected 200 from balance, got %d: %s", balance.Code, balance.Body.String())
	}
}
