package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/predicowallet/internal/payment"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	sqliteDialector "github.com/glebarez/sqlite"
)

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, err := zap.NewProduction()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	router := gin.New()
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigValidation(t *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]any
		expected string
	}{
		{
			name:     "missing signing key",
			settings: map[string]any{"market_base_url": "http://market"},
			expected: "config.missing_jwt_signing_key: jwt_signing_key must be provided",
		},
		{
			name:     "missing market url",
			settings: map[string]any{"jwt_signing_key": "signing-secret"},
			expected: "config.missing_market_base_url: market_base_url must be provided",
		},
		{
			name: "non-positive access ttl",
			settings: map[string]any{
				"jwt_signing_key": "signing-secret",
				"market_base_url": "http://market",
				"access_ttl":      0,
				"refresh_ttl":     time.Hour,
			},
			expected: "config.invalid_access_ttl: access_ttl must be greater than zero",
		},
		{
			name: "non-positive refresh ttl",
			settings: map[string]any{
				"jwt_signing_key": "signing-secret",
				"market_base_url": "http://market",
				"access_ttl":      time.Minute,
				"refresh_ttl":     -time.Hour,
			},
			expected: "config.invalid_refresh_ttl: refresh_ttl must be greater than zero",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			for key, value := range testCase.settings {
				viper.Set(key, value)
			}
			_, err := LoadServerConfig()
			if err == nil || err.Error() != testCase.expected {
				t.Fatalf("expected error %q, got %v", testCase.expected, err)
			}
		})
	}
}

func TestLoadServerConfigSuccess(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setValidConfig(t)
	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if string(config.SigningKey) != "signing-secret" || config.Issuer != tokenIssuer || config.AccessTTL != time.Minute {
		t.Fatalf("unexpected config %+v", config)
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("expected a missing env file to be ignored, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("APP_ENV_FILE_CHECK=loaded\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("APP_ENV_FILE_CHECK") })
	if err := loadEnvFile(path); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if os.Getenv("APP_ENV_FILE_CHECK") != "loaded" {
		t.Fatalf("expected variable from env file to be exported")
	}

	malformed := filepath.Join(t.TempDir(), "bad.env")
	if err := os.WriteFile(malformed, []byte("APP_BROKEN='unterminated\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	if err := loadEnvFile(malformed); err == nil || !strings.HasPrefix(err.Error(), configCodeEnvFile) {
		t.Fatalf("expected env file error, got %v", err)
	}
}

func TestRunServerSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		assertRoute(t, server.Handler, http.MethodGet, "/", http.StatusOK)
		assertRoute(t, server.Handler, http.MethodGet, "/metrics", http.StatusOK)
		assertRoute(t, server.Handler, http.MethodGet, "/wallet/balance", http.StatusUnauthorized)
		assertRoute(t, server.Handler, http.MethodGet, "/market/unit", http.StatusUnauthorized)
		return http.ErrServerClosed
	})
	defer restoreServe()

	setValidConfig(t)
	viper.Set("database_url", "sqlite:file:server_success?mode=memory&cache=shared")
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"http://localhost:3000"})

	if err := runServer(preparedCommand(t), nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
}

func TestRunServerRejectsUnsupportedPaymentBackend(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		t.Fatalf("server must not start")
		return nil
	})
	defer restoreServe()

	setValidConfig(t)
	viper.Set("database_url", "sqlite:file:server_fiat?mode=memory&cache=shared")
	viper.Set("payment_processor_type", payment.BackendFiat)

	err := runServer(preparedCommand(t), nil)
	if !errors.Is(err, payment.ErrFiatNotImplemented) || !strings.HasPrefix(err.Error(), configCodePaymentInit) {
		t.Fatalf("expected payment init error, got %v", err)
	}
}

func TestRunServerRejectsBadCORSOrigins(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	setValidConfig(t)
	viper.Set("database_url", "sqlite:file:server_cors?mode=memory&cache=shared")
	viper.Set("enable_cors", true)

	if err := runServer(preparedCommand(t), nil); err == nil {
		t.Fatalf("expected CORS configuration error without origins")
	}
}

func TestBuildPaymentProcessorSelectsGateway(t *testing.T) {
	db, err := gorm.Open(sqliteDialector.Open("file:build_processor?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	testLogger := zaptest.NewLogger(t)

	ledgerBacked, err := buildPaymentProcessor(context.Background(), testLogger, "iota", "", "", time.Second, db)
	if err != nil {
		t.Fatalf("ledger processor: %v", err)
	}
	if _, ok := ledgerBacked.(payment.FaucetProvider); !ok || ledgerBacked.Backend() != payment.BackendIOTA {
		t.Fatalf("expected an IOTA processor with a faucet, got %T", ledgerBacked)
	}

	remote, err := buildPaymentProcessor(context.Background(), testLogger, "erc20", "http://gateway.local", "", time.Second, nil)
	if err != nil {
		t.Fatalf("remote processor: %v", err)
	}
	if _, ok := remote.(payment.AddressResolvable); !ok || remote.Backend() != payment.BackendERC20 {
		t.Fatalf("expected an address-keyed ERC20 processor, got %T", remote)
	}

	if _, err := buildPaymentProcessor(context.Background(), testLogger, "iota", "not a url", "", time.Second, nil); err == nil {
		t.Fatalf("expected invalid gateway url to fail")
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	cmd.SetOut(io.Discard)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func setValidConfig(t *testing.T) {
	t.Helper()
	viper.Set("listen_addr", ":0")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("market_base_url", "http://market.local")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
}

func preparedCommand(t *testing.T) *cobra.Command {
	t.Helper()
	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))
	return command
}

func assertRoute(t *testing.T, handler http.Handler, method string, path string, expected int) {
	t.Helper()
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(method, path, nil))
	if recorder.Code != expected {
		t.Fatalf("expected %d from %s %s, got %d", expected, method, path, recorder.Code)
	}
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}
