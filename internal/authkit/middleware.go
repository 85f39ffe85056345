package authkit

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	contextKeyClaims = "auth_claims"
	contextKeyEmail  = "auth_email"
)

// RequireBearer validates the access token in the Authorization header and
// injects the claims and the subject email.
func RequireBearer(tokens *TokenService, users UserStore) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		accessToken := bearerToken(contextGin.GetHeader("Authorization"))
		if accessToken == "" {
			abortUnauthorized(contextGin, "Not authenticated")
			return
		}
		claims, validateErr := tokens.ValidateAccessToken(accessToken)
		if validateErr != nil {
			abortUnauthorized(contextGin, "Could not validate credentials")
			return
		}
		user, userErr := users.GetUser(contextGin.Request.Context(), claims.Subject)
		if userErr != nil {
			abortUnauthorized(contextGin, "Could not validate credentials")
			return
		}
		contextGin.Set(contextKeyClaims, claims)
		contextGin.Set(contextKeyEmail, user.Email)
		contextGin.Next()
	}
}

// AuthenticatedEmail returns the email injected by RequireBearer.
func AuthenticatedEmail(contextGin *gin.Context) string {
	return contextGin.GetString(contextKeyEmail)
}

func bearerToken(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func abortUnauthorized(contextGin *gin.Context, detail string) {
	contextGin.Header("WWW-Authenticate", "Bearer")
	contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": detail})
}
