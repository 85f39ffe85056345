// Package wallet exposes the authenticated user's payment account over HTTP.
package wallet

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/predicowallet/internal/authkit"
	"github.com/tyemirov/predicowallet/internal/payment"
	"github.com/tyemirov/predicowallet/internal/web"
	"go.uber.org/zap"
)

// RouteDependencies are the collaborators of the /wallet routes.
type RouteDependencies struct {
	Payments payment.Processor
	Logger   *zap.Logger
	Metrics  authkit.MetricsRecorder
}

type transferRequest struct {
	Amount     float64 `json:"amount" binding:"gt=0"`
	Identifier string  `json:"identifier" binding:"required"`
}

// MountWalletRoutes registers the wallet routes. The router must already
// authenticate requests with authkit.RequireBearer.
func MountWalletRoutes(router gin.IRouter, dependencies RouteDependencies) {
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = authkit.NewCounterMetrics()
	}
	payments := dependencies.Payments

	router.GET("/address", func(contextGin *gin.Context) {
		account, err := payments.AccountData(contextGin.Request.Context(), authkit.AuthenticatedEmail(contextGin))
		if err != nil {
			web.RespondPaymentError(contextGin, logger, "wallet.address", err)
			return
		}
		contextGin.JSON(http.StatusOK, account)
	})

	router.GET("/balance", func(contextGin *gin.Context) {
		identifier, resolveErr := payment.IdentifierFor(contextGin.Request.Context(), payments, authkit.AuthenticatedEmail(contextGin))
		if resolveErr != nil {
			web.RespondPaymentError(contextGin, logger, "wallet.balance.resolve", resolveErr)
			return
		}
		balance, err := payments.Balance(contextGin.Request.Context(), identifier)
		if err != nil {
			web.RespondPaymentError(contextGin, logger, "wallet.balance", err)
			return
		}
		contextGin.JSON(http.StatusOK, balance)
	})

	router.POST("/transfer", func(contextGin *gin.Context) {
		var inbound transferRequest
		if !web.BindJSON(contextGin, &inbound) {
			return
		}
		from, resolveErr := payment.IdentifierFor(contextGin.Request.Context(), payments, authkit.AuthenticatedEmail(contextGin))
		if resolveErr != nil {
			web.RespondPaymentError(contextGin, logger, "wallet.transfer.resolve", resolveErr)
			return
		}
		value := payments.Units().ToTransaction(inbound.Amount)
		transaction, err := payments.ExecuteTransaction(contextGin.Request.Context(), from, inbound.Identifier, value)
		if err != nil {
			metrics.Increment("wallet.transfer.failure")
			web.RespondPaymentError(contextGin, logger, "wallet.transfer", err)
			return
		}
		metrics.Increment("wallet.transfer.success")
		logger.Info("wallet transfer submitted",
			zap.String("from", from),
			zap.String("to", inbound.Identifier),
			zap.Float64("value", value),
			zap.String("transaction_id", transaction.TransactionID))
		contextGin.JSON(http.StatusOK, transaction)
	})

	router.GET("/transactions", func(contextGin *gin.Context) {
		account, err := payments.AccountData(contextGin.Request.Context(), authkit.AuthenticatedEmail(contextGin))
		if err != nil {
			web.RespondPaymentError(contextGin, logger, "wallet.transactions.account", err)
			return
		}
		history, err := payments.TransactionHistory(contextGin.Request.Context(), account.Address)
		if err != nil {
			web.RespondPaymentError(contextGin, logger, "wallet.transactions", err)
			return
		}
		contextGin.JSON(http.StatusOK, history)
	})

	router.POST("/filter_transactions_by", func(contextGin *gin.Context) {
		filters := map[string]any{}
		if !web.BindJSON(contextGin, &filters) {
			return
		}
		transactions, err := payments.TransactionsByField(contextGin.Request.Context(), filters)
		if err != nil {
			web.RespondPaymentError(contextGin, logger, "wallet.filter_transactions", err)
			return
		}
		contextGin.JSON(http.StatusOK, transactions)
	})

	router.GET("/request_funds", func(contextGin *gin.Context) {
		faucet, supported := payments.(payment.FaucetProvider)
		if !supported {
			web.RespondPaymentError(contextGin, logger, "wallet.request_funds.unsupported", payment.Unsupported(payments.Backend(), "faucet"))
			return
		}
		account, err := payments.AccountData(contextGin.Request.Context(), authkit.AuthenticatedEmail(contextGin))
		if err != nil {
			web.RespondPaymentError(contextGin, logger, "wallet.request_funds.account", err)
			return
		}
		receipt, err := faucet.RequestFunds(contextGin.Request.Context(), account.Address)
		if err != nil {
			web.RespondPaymentError(contextGin, logger, "wallet.request_funds", err)
			return
		}
		metrics.Increment("wallet.faucet.requested")
		contextGin.JSON(http.StatusOK, receipt)
	})

	router.GET("/validate_transactions", func(contextGin *gin.Context) {
		transactions, err := payments.ValidateTransactions(contextGin.Request.Context())
		if err != nil {
			web.RespondPaymentError(contextGin, logger, "wallet.validate_transactions", err)
			return
		}
		contextGin.JSON(http.StatusOK, transactions)
	})
}
