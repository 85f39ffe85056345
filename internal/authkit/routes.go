package authkit

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/predicowallet/internal/payment"
	"github.com/tyemirov/predicowallet/internal/upstream"
	"github.com/tyemirov/predicowallet/internal/web"
	"go.uber.org/zap"
)

// UserRouteDependencies are the collaborators of the /user routes.
type UserRouteDependencies struct {
	Tokens    *TokenService
	Users     UserStore
	Upstream  upstream.Doer
	Payments  payment.Processor
	Scheduler JobScheduler
	Logger    *zap.Logger
	Metrics   MetricsRecorder
}

type registerRequest struct {
	Email        string   `json:"email" binding:"required,email"`
	Password     string   `json:"password" binding:"required"`
	PasswordConf string   `json:"password_conf" binding:"required"`
	FirstName    string   `json:"first_name" binding:"required"`
	LastName     string   `json:"last_name" binding:"required"`
	Role         []string `json:"role" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type socialLoginRequest struct {
	Token    string `json:"token" binding:"required"`
	Provider string `json:"provider" binding:"required"`
}

type detailsUpdateRequest struct {
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Email     *string `json:"email,omitempty" binding:"omitempty,email"`
	Password  *string `json:"password,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// MountUserRoutes registers /register, /login, /social-login, /details and /refresh.
func MountUserRoutes(router gin.IRouter, dependencies UserRouteDependencies) {
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = NewCounterMetrics()
	}

	router.POST("/register", func(contextGin *gin.Context) {
		var inbound registerRequest
		if !web.BindJSON(contextGin, &inbound) {
			return
		}
		fieldErrors := web.FieldErrors{}
		if passwordErr := ValidatePassword(inbound.Password); passwordErr != nil {
			fieldErrors.Add("password", passwordErr.Error())
		}
		if inbound.PasswordConf != inbound.Password {
			fieldErrors.Add("password_conf", ErrPasswordMismatch.Error())
		}
		roles, roleErr := RoleCodes(inbound.Role)
		if roleErr != nil {
			fieldErrors.Add("role", roleErr.Error())
		}
		if len(fieldErrors) > 0 {
			web.RespondValidation(contextGin, fieldErrors)
			return
		}

		form := url.Values{}
		form.Set("email", inbound.Email)
		form.Set("password", inbound.Password)
		form.Set("password_conf", inbound.PasswordConf)
		form.Set("first_name", inbound.FirstName)
		form.Set("last_name", inbound.LastName)
		for _, role := range roles {
			form.Add("role", strconv.Itoa(role))
		}
		response, upstreamErr := dependencies.Upstream.Do(contextGin.Request.Context(), upstream.Request{
			Endpoint: "/user/register/",
			Method:   http.MethodPost,
			Form:     form,
		})
		if upstreamErr != nil {
			web.RespondUpstreamFailure(contextGin, logger, "user.register.upstream", upstreamErr)
			return
		}
		if response.StatusCode != http.StatusCreated && response.StatusCode != http.StatusConflict {
			metrics.Increment("auth.register.rejected")
			web.RespondUpstream(contextGin, response)
			return
		}

		localUser, ensureErr := ensureLocalUser(contextGin, dependencies.Users, inbound.Email, inbound.Password)
		if ensureErr != nil {
			logger.Error("local user mirror failed",
				zap.String("code", "user.register.local_user"),
				zap.String("user_email", inbound.Email),
				zap.Error(ensureErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": ensureErr.Error()})
			return
		}
		if _, accountErr := dependencies.Payments.CreateAccount(contextGin.Request.Context(), localUser.Email); accountErr != nil && !errors.Is(accountErr, payment.ErrAccountExists) {
			logger.Error("payment account creation failed",
				zap.String("code", "user.register.payment_account"),
				zap.String("user_email", localUser.Email),
				zap.Error(accountErr))
			metrics.Increment("auth.register.payment_failure")
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": accountErr.Error()})
			return
		}
		metrics.Increment("auth.register.success")
		web.RespondUpstream(contextGin, response)
	})

	router.POST("/login", func(contextGin *gin.Context) {
		var inbound loginRequest
		if !web.BindJSON(contextGin, &inbound) {
			return
		}
		response, upstreamErr := dependencies.Upstream.Do(contextGin.Request.Context(), upstream.Request{
			Endpoint: "/token",
			Method:   http.MethodPost,
			Form:     url.Values{"email": {inbound.Email}, "password": {inbound.Password}},
		})
		if upstreamErr != nil {
			web.RespondUpstreamFailure(contextGin, logger, "user.login.upstream", upstreamErr)
			return
		}

		user, userErr := dependencies.Users.GetUser(contextGin.Request.Context(), inbound.Email)
		if userErr != nil || !CheckPassword(user.PasswordHash, inbound.Password) {
			if userErr != nil && !errors.Is(userErr, ErrUserNotFound) {
				logger.Error("local user lookup failed", zap.String("code", "user.login.lookup"), zap.Error(userErr))
			}
			metrics.Increment("auth.login.local_mismatch")
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Incorrect email or password"})
			return
		}

		if response.StatusCode != http.StatusOK {
			logger.Warn("market server login rejected",
				zap.String("code", "user.login.upstream_rejected"),
				zap.Int("status", response.StatusCode))
			metrics.Increment("auth.login.upstream_rejected")
			contextGin.AbortWithStatusJSON(response.StatusCode, gin.H{"error": "Failed to login"})
			return
		}
		upstreamToken := response.Get("access").String()
		if upstreamToken == "" {
			logger.Warn("market server login reply missing access token", zap.String("code", "user.login.missing_access"))
			contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "Failed to login"})
			return
		}
		issueSession(contextGin, dependencies, logger, metrics, user.Email, upstreamToken, "auth.login.success")
	})

	router.POST("/social-login", func(contextGin *gin.Context) {
		var inbound socialLoginRequest
		if !web.BindJSON(contextGin, &inbound) {
			return
		}
		response, upstreamErr := dependencies.Upstream.Do(contextGin.Request.Context(), upstream.Request{
			Endpoint: "/token/social",
			Method:   http.MethodPost,
			Form:     url.Values{"token": {inbound.Token}, "provider": {inbound.Provider}},
		})
		if upstreamErr != nil {
			web.RespondUpstreamFailure(contextGin, logger, "user.social_login.upstream", upstreamErr)
			return
		}
		if response.StatusCode != http.StatusCreated {
			metrics.Increment("auth.social_login.upstream_rejected")
			contextGin.AbortWithStatusJSON(response.StatusCode, gin.H{"error": "Failed to login"})
			return
		}
		userEmail := response.Get("data.user_email").String()
		upstreamToken := response.Get("data.access").String()
		if userEmail == "" || upstreamToken == "" {
			logger.Warn("market server social login reply incomplete", zap.String("code", "user.social_login.incomplete"))
			contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "Failed to login"})
			return
		}

		localUser, lookupErr := dependencies.Users.GetUser(contextGin.Request.Context(), userEmail)
		switch {
		case errors.Is(lookupErr, ErrUserNotFound):
			provisioned, ensureErr := ensureLocalUser(contextGin, dependencies.Users, userEmail, RandomPassword())
			if ensureErr != nil {
				logger.Error("social login provisioning failed", zap.String("code", "user.social_login.local_user"), zap.Error(ensureErr))
				contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": ensureErr.Error()})
				return
			}
			localUser = provisioned
			if _, accountErr := dependencies.Payments.CreateAccount(contextGin.Request.Context(), localUser.Email); accountErr != nil && !errors.Is(accountErr, payment.ErrAccountExists) {
				web.RespondPaymentError(contextGin, logger, "user.social_login.payment_account", accountErr)
				return
			}
			metrics.Increment("auth.social_login.provisioned")
		case lookupErr != nil:
			logger.Error("local user lookup failed", zap.String("code", "user.social_login.lookup"), zap.Error(lookupErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": lookupErr.Error()})
			return
		}
		issueSession(contextGin, dependencies, logger, metrics, localUser.Email, upstreamToken, "auth.social_login.success")
	})

	protected := router.Group("", RequireBearer(dependencies.Tokens, dependencies.Users))

	protected.GET("/details", func(contextGin *gin.Context) {
		proxyDetails(contextGin, dependencies, logger, http.MethodGet, nil)
	})

	protected.PATCH("/details", func(contextGin *gin.Context) {
		var inbound detailsUpdateRequest
		if !web.BindJSON(contextGin, &inbound) {
			return
		}
		proxyDetails(contextGin, dependencies, logger, http.MethodPatch, inbound)
	})

	router.POST("/refresh", func(contextGin *gin.Context) {
		refreshToken := strings.TrimSpace(contextGin.Query("refresh_token"))
		if refreshToken == "" {
			var inbound refreshRequest
			if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr == nil {
				refreshToken = strings.TrimSpace(inbound.RefreshToken)
			}
		}
		subject, resolveErr := dependencies.Tokens.ResolveSubject(refreshToken)
		if resolveErr != nil {
			metrics.Increment("auth.refresh.invalid")
			abortUnauthorized(contextGin, "Invalid token")
			return
		}
		user, userErr := dependencies.Users.GetUser(contextGin.Request.Context(), subject)
		if userErr != nil {
			metrics.Increment("auth.refresh.unknown_user")
			abortUnauthorized(contextGin, "Invalid token")
			return
		}
		pair, pairErr := dependencies.Tokens.IssuePair(user.Email)
		if pairErr != nil {
			logger.Error("token issue failed", zap.String("code", "user.refresh.issue"), zap.Error(pairErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		metrics.Increment("auth.refresh.success")
		contextGin.JSON(http.StatusOK, pair)
	})
}

// RespondUpstreamHeaderError renders a failed cached-token lookup. A missing token is a 401.
func RespondUpstreamHeaderError(contextGin *gin.Context, logger *zap.Logger, code string, err error) {
	if errors.Is(err, ErrUpstreamTokenMissing) {
		abortUnauthorized(contextGin, "Market session missing, login again")
		return
	}
	if logger != nil {
		logger.Error("upstream token lookup failed", zap.String("code", code), zap.Error(err))
	}
	contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// ensureLocalUser returns the stored user, creating it when absent. The stored
// email is normalized and is the identifier every later lookup uses.
func ensureLocalUser(contextGin *gin.Context, users UserStore, email string, password string) (User, error) {
	existing, lookupErr := users.GetUser(contextGin.Request.Context(), email)
	if lookupErr == nil {
		return existing, nil
	}
	if !errors.Is(lookupErr, ErrUserNotFound) {
		return User{}, lookupErr
	}
	passwordHash, hashErr := HashPassword(password)
	if hashErr != nil {
		return User{}, hashErr
	}
	created, createErr := users.CreateUser(contextGin.Request.Context(), email, passwordHash)
	if createErr == nil {
		return created, nil
	}
	if !errors.Is(createErr, ErrUserExists) {
		return User{}, createErr
	}
	return users.GetUser(contextGin.Request.Context(), email)
}

func issueSession(contextGin *gin.Context, dependencies UserRouteDependencies, logger *zap.Logger, metrics MetricsRecorder, email string, upstreamToken string, event string) {
	if cacheErr := dependencies.Tokens.CacheUpstreamToken(contextGin.Request.Context(), email, upstreamToken); cacheErr != nil {
		logger.Error("upstream token cache failed",
			zap.String("code", "user.session.cache_token"),
			zap.String("user_email", email),
			zap.Error(cacheErr))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": cacheErr.Error()})
		return
	}
	pair, pairErr := dependencies.Tokens.IssuePair(email)
	if pairErr != nil {
		logger.Error("token issue failed", zap.String("code", "user.session.issue"), zap.Error(pairErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	SchedulePrune(dependencies.Scheduler, dependencies.Tokens, logger, email)
	metrics.Increment(event)
	contextGin.JSON(http.StatusOK, pair)
}

func proxyDetails(contextGin *gin.Context, dependencies UserRouteDependencies, logger *zap.Logger, method string, body any) {
	email := AuthenticatedEmail(contextGin)
	header, headerErr := dependencies.Tokens.UpstreamHeader(contextGin.Request.Context(), email)
	if headerErr != nil {
		RespondUpstreamHeaderError(contextGin, logger, "user.details.header", headerErr)
		return
	}
	response, upstreamErr := dependencies.Upstream.Do(contextGin.Request.Context(), upstream.Request{
		Endpoint: "/user/list",
		Method:   method,
		JSON:     body,
		Headers:  header,
	})
	if upstreamErr != nil {
		web.RespondUpstreamFailure(contextGin, logger, "user.details.upstream", upstreamErr)
		return
	}
	web.RespondUpstream(contextGin, response)
}
