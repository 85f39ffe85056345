// Package market proxies the market server session, balance and bid endpoints on
// behalf of the authenticated user and settles bids from the user's wallet.
package market

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/predicowallet/internal/authkit"
	"github.com/tyemirov/predicowallet/internal/payment"
	"github.com/tyemirov/predicowallet/internal/upstream"
	"github.com/tyemirov/predicowallet/internal/web"
	"go.uber.org/zap"
)

const (
	userWalletEndpoint          = "/user/wallet-address/"
	marketWalletEndpoint        = "/market/wallet-address/"
	sessionEndpoint             = "/market/session/"
	sessionBalanceEndpoint      = "/market/session-balance/"
	balanceEndpoint             = "/market/balance"
	bidEndpoint                 = "/market/bid/"
	sessionTransactionsEndpoint = "/market/session-transactions/"

	settleJobName = "market.bid.settle"
)

// RouteDependencies are the collaborators of the /market routes.
type RouteDependencies struct {
	Tokens    *authkit.TokenService
	Upstream  upstream.Doer
	Payments  payment.Processor
	Scheduler authkit.JobScheduler
	Logger    *zap.Logger
	Metrics   authkit.MetricsRecorder
}

type sessionQuery struct {
	Status     string `form:"status" json:"status" binding:"omitempty,oneof=finished open closed running"`
	LatestOnly bool   `form:"latest_only" json:"latest_only"`
}

type sessionBalanceQuery struct {
	ByResource bool `form:"by_resource" json:"by_resource"`
}

type bidRequest struct {
	MarketSession int     `json:"market_session" binding:"required"`
	BidPrice      float64 `json:"bid_price" binding:"gte=0"`
	MaxPayment    float64 `json:"max_payment" binding:"gtefield=BidPrice"`
	Resource      string  `json:"resource" binding:"required,uuid"`
	GainFunc      string  `json:"gain_func" binding:"required"`
}

func (bid bidRequest) form() url.Values {
	return url.Values{
		"market_session": {strconv.Itoa(bid.MarketSession)},
		"bid_price":      {strconv.FormatFloat(bid.BidPrice, 'f', -1, 64)},
		"max_payment":    {strconv.FormatFloat(bid.MaxPayment, 'f', -1, 64)},
		"resource":       {bid.Resource},
		"gain_func":      {bid.GainFunc},
	}
}

type routes struct {
	dependencies RouteDependencies
	logger       *zap.Logger
	metrics      authkit.MetricsRecorder
}

// MountMarketRoutes registers the market routes. The router must already
// authenticate requests with authkit.RequireBearer.
func MountMarketRoutes(router gin.IRouter, dependencies RouteDependencies) {
	handlers := &routes{dependencies: dependencies, logger: dependencies.Logger, metrics: dependencies.Metrics}
	if handlers.logger == nil {
		handlers.logger = zap.NewNop()
	}
	if handlers.metrics == nil {
		handlers.metrics = authkit.NewCounterMetrics()
	}

	router.GET("/wallet/user_wallet_address", func(contextGin *gin.Context) {
		handlers.proxy(contextGin, "market.user_wallet", http.MethodGet, userWalletEndpoint, nil)
	})
	router.POST("/wallet/user_wallet_address", handlers.registerWalletAddress)
	router.GET("/wallet/market_wallet_address", func(contextGin *gin.Context) {
		handlers.proxy(contextGin, "market.market_wallet", http.MethodGet, marketWalletEndpoint, nil)
	})
	router.GET("/unit", handlers.units)
	router.GET("/session", handlers.sessions)
	router.GET("/session/balance", handlers.sessionBalance)
	router.GET("/balance", func(contextGin *gin.Context) {
		handlers.proxy(contextGin, "market.balance", http.MethodGet, balanceEndpoint, nil)
	})
	router.GET("/session/bid/:market_session", handlers.sessionBids)
	router.POST("/session/bid", handlers.placeBid)
	router.GET("/session/transactions", func(contextGin *gin.Context) {
		handlers.proxy(contextGin, "market.session_transactions", http.MethodGet, sessionTransactionsEndpoint, nil)
	})
}

func (handlers *routes) registerWalletAddress(contextGin *gin.Context) {
	account, err := handlers.dependencies.Payments.AccountData(contextGin.Request.Context(), authkit.AuthenticatedEmail(contextGin))
	if err != nil {
		web.RespondPaymentError(contextGin, handlers.logger, "market.user_wallet.account", err)
		return
	}
	handlers.proxy(contextGin, "market.user_wallet.register", http.MethodPost, userWalletEndpoint,
		url.Values{"wallet_address": {account.Address}})
}

func (handlers *routes) units(contextGin *gin.Context) {
	units := handlers.dependencies.Payments.Units()
	rates := gin.H{"base_to_transaction": units.ToTransaction(1)}
	if units.Rate != 0 {
		rates["transaction_to_base"] = units.ToBase(1)
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"backend":          handlers.dependencies.Payments.Backend(),
		"base_unit":        units.BaseUnit,
		"transaction_unit": units.TransactionUnit,
		"rates":            rates,
	})
}

func (handlers *routes) sessions(contextGin *gin.Context) {
	query := sessionQuery{Status: "open"}
	if err := contextGin.ShouldBindQuery(&query); err != nil {
		web.RespondValidation(contextGin, web.DescribeBindError(err))
		return
	}
	values := url.Values{}
	if query.Status != "" {
		values.Set("market_session_status", query.Status)
	}
	if query.LatestOnly {
		values.Set("latest_only", "true")
	}
	endpoint := sessionEndpoint
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	handlers.proxy(contextGin, "market.sessions", http.MethodGet, endpoint, nil)
}

func (handlers *routes) sessionBalance(contextGin *gin.Context) {
	var query sessionBalanceQuery
	if err := contextGin.ShouldBindQuery(&query); err != nil {
		web.RespondValidation(contextGin, web.DescribeBindError(err))
		return
	}
	endpoint := sessionBalanceEndpoint + "?balance_by_resource=" + strconv.FormatBool(query.ByResource)
	handlers.proxy(contextGin, "market.session_balance", http.MethodGet, endpoint, nil)
}

func (handlers *routes) sessionBids(contextGin *gin.Context) {
	marketSession, err := strconv.Atoi(contextGin.Param("market_session"))
	if err != nil {
		fieldErrors := web.FieldErrors{}
		fieldErrors.Add("market_session", "Input should be a valid integer")
		web.RespondValidation(contextGin, fieldErrors)
		return
	}
	endpoint := bidEndpoint + "?market_session=" + strconv.Itoa(marketSession)
	handlers.proxy(contextGin, "market.session_bids", http.MethodGet, endpoint, nil)
}

func (handlers *routes) placeBid(contextGin *gin.Context) {
	var inbound bidRequest
	if !web.BindJSON(contextGin, &inbound) {
		return
	}
	ctx := contextGin.Request.Context()
	email := authkit.AuthenticatedEmail(contextGin)
	header, headerErr := handlers.dependencies.Tokens.UpstreamHeader(ctx, email)
	if headerErr != nil {
		authkit.RespondUpstreamHeaderError(contextGin, handlers.logger, "market.bid.header", headerErr)
		return
	}

	walletResponse, err := handlers.dependencies.Upstream.Do(ctx, upstream.Request{
		Endpoint: marketWalletEndpoint,
		Method:   http.MethodGet,
		Headers:  header,
	})
	if err != nil {
		web.RespondUpstreamFailure(contextGin, handlers.logger, "market.bid.market_wallet", err)
		return
	}
	if walletResponse.StatusCode != http.StatusOK {
		web.RespondUpstream(contextGin, walletResponse)
		return
	}
	marketWallet := walletResponse.Get("data.wallet_address").String()
	if marketWallet == "" {
		handlers.logger.Warn("market wallet address missing", zap.String("code", "market.bid.market_wallet_missing"))
		contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "Market wallet address unavailable"})
		return
	}

	payments := handlers.dependencies.Payments
	payer, err := payment.IdentifierFor(ctx, payments, email)
	if err != nil {
		web.RespondPaymentError(contextGin, handlers.logger, "market.bid.resolve", err)
		return
	}
	balance, err := payments.Balance(ctx, payer)
	if err != nil {
		web.RespondPaymentError(contextGin, handlers.logger, "market.bid.balance", err)
		return
	}
	value := payments.Units().ToTransaction(inbound.MaxPayment)
	if balance.Balance < value {
		handlers.metrics.Increment("market.bid.insufficient_balance")
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Insufficient balance"})
		return
	}

	bidResponse, err := handlers.dependencies.Upstream.Do(ctx, upstream.Request{
		Endpoint: bidEndpoint,
		Method:   http.MethodPost,
		Form:     inbound.form(),
		Headers:  header,
	})
	if err != nil {
		web.RespondUpstreamFailure(contextGin, handlers.logger, "market.bid.post", err)
		return
	}
	if !bidResponse.OK() {
		handlers.metrics.Increment("market.bid.rejected")
		web.RespondUpstream(contextGin, bidResponse)
		return
	}
	bidID := bidResponse.Get("data.id").String()
	if bidID == "" {
		handlers.logger.Error("bid reply missing id", zap.String("code", "market.bid.missing_id"))
		contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "Bid id missing from market reply"})
		return
	}
	handlers.metrics.Increment("market.bid.posted")

	job := settlement{
		payments: payments,
		upstream: handlers.dependencies.Upstream,
		header:   header.Clone(),
		from:     payer,
		to:       marketWallet,
		value:    value,
		bidID:    bidID,
	}
	if !handlers.dependencies.Scheduler.Submit(settleJobName, job.run) {
		handlers.logger.Error("bid settlement not scheduled",
			zap.String("code", "market.bid.settle_dropped"),
			zap.String("bid_id", bidID),
			zap.String("user_email", email))
		handlers.metrics.Increment("market.bid.settle_dropped")
		contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":  "Bid posted but payment could not be scheduled",
			"bid_id": bidID,
		})
		return
	}
	contextGin.JSON(http.StatusAccepted, gin.H{"message": "Bid successfully posted. Transaction in progress..."})
}

func (handlers *routes) proxy(contextGin *gin.Context, code string, method string, endpoint string, form url.Values) {
	ctx := contextGin.Request.Context()
	header, headerErr := handlers.dependencies.Tokens.UpstreamHeader(ctx, authkit.AuthenticatedEmail(contextGin))
	if headerErr != nil {
		authkit.RespondUpstreamHeaderError(contextGin, handlers.logger, code+".header", headerErr)
		return
	}
	response, err := handlers.dependencies.Upstream.Do(ctx, upstream.Request{
		Endpoint: endpoint,
		Method:   method,
		Form:     form,
		Headers:  header,
	})
	if err != nil {
		web.RespondUpstreamFailure(contextGin, handlers.logger, code, err)
		return
	}
	web.RespondUpstream(contextGin, response)
}

// settlement pays the market wallet for a posted bid and records the receipt on the bid.
type settlement struct {
	payments payment.Processor
	upstream upstream.Doer
	header   http.Header
	from     string
	to       string
	value    float64
	bidID    string
}

func (job settlement) run(ctx context.Context) error {
	transaction, err := job.payments.ExecuteTransaction(ctx, job.from, job.to, job.value)
	if err != nil {
		return fmt.Errorf("market.settle.transfer bid %s: %w", job.bidID, err)
	}
	receipt := transaction.Receipt
	if receipt == "" {
		receipt = transaction.TransactionID
	}
	response, err := job.upstream.Do(ctx, upstream.Request{
		Endpoint: bidEndpoint + url.PathEscape(job.bidID),
		Method:   http.MethodPatch,
		Form:     url.Values{"transaction_id": {receipt}},
		Headers:  job.header,
	})
	if err != nil {
		return fmt.Errorf("market.settle.update bid %s: %w", job.bidID, err)
	}
	if !response.OK() {
		return fmt.Errorf("market.settle.update bid %s: %w: status %d", job.bidID, ErrBidUpdateRejected, response.StatusCode)
	}
	return nil
}
