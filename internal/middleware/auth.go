package middleware

import (
	"net/http"
	"strings"

	"github.com/casdoor/casdoor-go-sdk/casdoorsdk"
	"github.com/gin-gonic/gin"

	"github.com/classworks/attempt-service/internal/config"
)

const (
	// ContextKeyStudentID is the gin context key carrying the authenticated
	// student's id.
	ContextKeyStudentID = "student_id"
	// ContextKeyUser carries the full identity claims.
	ContextKeyUser = "user"
)

// TokenVerifier validates a bearer token into identity claims. The Casdoor
// client satisfies it; tests supply a stub.
type TokenVerifier interface {
	ParseJwtToken(token string) (*casdoorsdk.Claims, error)
}

// NewCasdoorVerifier builds the Casdoor client from config.
func NewCasdoorVerifier(cfg *config.Config) TokenVerifier {
	return casdoorsdk.NewClient(
		cfg.CasdoorEndpoint,
		cfg.CasdoorClientID,
		cfg.CasdoorClientSecret,
		cfg.CasdoorCertificate,
		cfg.CasdoorOrganization,
		cfg.CasdoorApplication,
	)
}

// RequireStudent validates the bearer token and stores the student identity
// in the request context. Every attempt route sits behind it; the handler
// never trusts a student id from the request body.
func RequireStudent(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"message": "Authorization required",
			})
			return
		}

		claims, err := verifier.ParseJwtToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"message": "Invalid token",
			})
			return
		}

		c.Set(ContextKeyStudentID, claims.User.Id)
		c.Set(ContextKeyUser, claims)
		c.Next()
	}
}

// StudentID retrieves the authenticated student id from the gin context.
func StudentID(c *gin.Context) string {
	if v, ok := c.Get(ContextKeyStudentID); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	// EventSource cannot send headers; accept a query token for the state
	// polling route.
	return c.Query("token")
}
