package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/predicowallet/internal/authkit"
	"github.com/tyemirov/predicowallet/internal/jobs"
	"github.com/tyemirov/predicowallet/internal/market"
	"github.com/tyemirov/predicowallet/internal/payment"
	"github.com/tyemirov/predicowallet/internal/upstream"
	"github.com/tyemirov/predicowallet/internal/wallet"
	"github.com/tyemirov/predicowallet/internal/web"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "predicowallet",
		Short:   "Wallet client API for the Predico market: user proxying, wallet operations and bid settlement",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("env_file", ".env", "Dotenv file loaded before reading APP_ environment variables")
	rootCmd.Flags().String("listen_addr", ":8000", "HTTP listen address")
	rootCmd.Flags().String("database_url", "sqlite://file::memory:?cache=shared", "Database URL for users, cached market tokens and the local ledger (postgres:// or sqlite://)")
	rootCmd.Flags().String("market_base_url", "", "Base URL of the Predico market server")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access and refresh tokens")
	rootCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 7*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().Duration("upstream_token_ttl", 24*time.Hour, "Fallback lifetime of cached market tokens without an exp claim")
	rootCmd.Flags().Duration("upstream_timeout", 30*time.Second, "Timeout for market server and payment gateway calls")
	rootCmd.Flags().String("payment_processor_type", payment.BackendIOTA, "Payment backend: IOTA or ERC20")
	rootCmd.Flags().String("payment_gateway_url", "", "Payment gateway service URL; empty uses the local ledger")
	rootCmd.Flags().String("faucet_url", "", "IOTA faucet URL; empty uses the local ledger faucet")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for browser clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().String("token_prune_schedule", authkit.DefaultPruneSchedule, "Cron schedule for pruning expired market tokens")
	rootCmd.Flags().Int("job_workers", 2, "Background job workers")
	rootCmd.Flags().Int("job_queue_size", 64, "Background job queue size")

	for _, name := range []string{
		"env_file", "listen_addr", "database_url", "market_base_url", "jwt_signing_key",
		"access_ttl", "refresh_ttl", "upstream_token_ttl", "upstream_timeout",
		"payment_processor_type", "payment_gateway_url", "faucet_url",
		"enable_cors", "cors_allowed_origins", "token_prune_schedule", "job_workers", "job_queue_size",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	tokenIssuer = "predicowallet"

	configCodeEnvFile                 = "config.env_file"
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeMissingMarketBaseURL    = "config.missing_market_base_url"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeDatabaseInit            = "config.database_init"
	configCodeUpstreamInit            = "config.upstream_init"
	configCodePaymentInit             = "config.payment_init"
	configCodeMetricsInit             = "config.metrics_init"
	configCodeSchedulerInit           = "config.scheduler_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	if err := loadEnvFile(viper.GetString("env_file")); err != nil {
		return err
	}
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

// loadEnvFile exports the dotenv file into the process environment. Variables
// already set win, and a missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", configCodeEnvFile, err)
	}
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (authkit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	if viper.GetString("market_base_url") == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingMarketBaseURL, "market_base_url must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	return authkit.ServerConfig{
		SigningKey:       []byte(jwtSigningKey),
		Issuer:           tokenIssuer,
		AccessTTL:        accessTTL,
		RefreshTTL:       refreshTTL,
		UpstreamTokenTTL: viper.GetDuration("upstream_token_ttl"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	upstreamTimeout := viper.GetDuration("upstream_timeout")
	processorType := viper.GetString("payment_processor_type")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	db, driverLabel, dbErr := authkit.OpenDatabase(databaseURL)
	if dbErr != nil {
		return fmt.Errorf("%s: %w", configCodeDatabaseInit, dbErr)
	}
	credentials, storeErr := authkit.NewDatabaseCredentialStore(runCtx, db, driverLabel)
	if storeErr != nil {
		return fmt.Errorf("%s: %w", configCodeDatabaseInit, storeErr)
	}
	logger.Info("using credential store", zap.String("driver", credentials.Driver()))

	marketClient, marketErr := upstream.NewClient(viper.GetString("market_base_url"), upstreamTimeout)
	if marketErr != nil {
		return fmt.Errorf("%s: %w", configCodeUpstreamInit, marketErr)
	}

	payments, paymentErr := buildPaymentProcessor(runCtx, logger, processorType, viper.GetString("payment_gateway_url"), viper.GetString("faucet_url"), upstreamTimeout, db)
	if paymentErr != nil {
		return fmt.Errorf("%s: %w", configCodePaymentInit, paymentErr)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsRecorder, metricsErr := authkit.NewPrometheusMetrics(registry)
	if metricsErr != nil {
		return fmt.Errorf("%s: %w", configCodeMetricsInit, metricsErr)
	}

	runner := jobs.NewRunner(jobs.Config{
		Workers:   viper.GetInt("job_workers"),
		QueueSize: viper.GetInt("job_queue_size"),
	}, logger, metricsRecorder)
	if err := runner.Start(runCtx); err != nil {
		return fmt.Errorf("%s: %w", configCodeSchedulerInit, err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := runner.Stop(stopCtx); err != nil {
			logger.Warn("job runner stop", zap.String("code", "jobs.stop"), zap.Error(err))
		}
	}()

	tokens := authkit.NewTokenService(serverConfig, credentials, authkit.NewSystemClock())
	pruneCron, cronErr := authkit.NewPruneCron(viper.GetString("token_prune_schedule"), runner, tokens, logger)
	if cronErr != nil {
		return fmt.Errorf("%s: %w", configCodeSchedulerInit, cronErr)
	}
	pruneCron.Start()
	defer func() { <-pruneCron.Stop().Done() }()

	web.UseJSONFieldNames()
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{
			"message": "Welcome to the PREDICO wallet client API. With this API you can register users in the market, send measurements and place bids.",
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	authkit.MountUserRoutes(router.Group("/user"), authkit.UserRouteDependencies{
		Tokens:    tokens,
		Users:     credentials,
		Upstream:  marketClient,
		Payments:  payments,
		Scheduler: runner,
		Logger:    logger,
		Metrics:   metricsRecorder,
	})
	wallet.MountWalletRoutes(router.Group("/wallet", authkit.RequireBearer(tokens, credentials)), wallet.RouteDependencies{
		Payments: payments,
		Logger:   logger,
		Metrics:  metricsRecorder,
	})
	market.MountMarketRoutes(router.Group("/market", authkit.RequireBearer(tokens, credentials)), market.RouteDependencies{
		Tokens:    tokens,
		Upstream:  marketClient,
		Payments:  payments,
		Scheduler: runner,
		Logger:    logger,
		Metrics:   metricsRecorder,
	})

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-runCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(runCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening",
		zap.String("addr", listenAddr),
		zap.String("payment_backend", payments.Backend()))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// buildPaymentProcessor wires the configured backend to either a remote payment
// gateway or the ledger kept in db.
func buildPaymentProcessor(ctx context.Context, logger *zap.Logger, processorType string, gatewayURL string, faucetURL string, timeout time.Duration, db *gorm.DB) (payment.Processor, error) {
	backend := payment.NormalizeBackend(processorType)
	var gateway payment.Gateway
	var faucet payment.Faucet

	if gatewayURL != "" {
		gatewayClient, err := upstream.NewClient(gatewayURL, timeout)
		if err != nil {
			return nil, err
		}
		gateway = payment.NewRemoteGateway(gatewayClient, backend)
		logger.Info("using remote payment gateway", zap.String("backend", backend), zap.String("url", gatewayClient.BaseURL()))
	} else {
		ledger, err := payment.NewLedgerGateway(ctx, db, backend)
		if err != nil {
			return nil, err
		}
		gateway = ledger
		faucet = ledger
		logger.Info("using local payment ledger", zap.String("backend", backend))
	}

	if faucetURL != "" {
		faucetClient, err := upstream.NewClient(faucetURL, timeout)
		if err != nil {
			return nil, err
		}
		faucet = payment.NewRemoteFaucet(faucetClient)
	}

	return payment.NewProcessor(backend, gateway, faucet, payment.DefaultUnits(backend))
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
