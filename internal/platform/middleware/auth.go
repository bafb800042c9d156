package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// BearerValidator validates inbound bearer tokens. This gates who may call
// the API at all; which publisher may set which attribute is decided by the
// verification engine, not here.
type BearerValidator interface {
	ValidateToken(tokenString string) (*BearerClaims, error)
}

// BearerClaims carries the caller identity extracted from a bearer token.
type BearerClaims struct {
	Subject  string
	ClientID string
}

type contextKeyCaller struct{}

// ContextKeyCaller is exported for use in handlers.
var ContextKeyCaller = contextKeyCaller{}

// GetCaller retrieves the authenticated caller subject from the context.
func GetCaller(ctx context.Context) string {
	sub, ok := ctx.Value(ContextKeyCaller).(string)
	if !ok {
		return ""
	}
	return sub
}

// RequireAuth enforces a valid bearer token on every request.
func RequireAuth(validator BearerValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				unauthorized(w, r, logger, "missing bearer token")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(r.Context(), "unauthorized access - invalid token",
					"error", err,
					"request_id", GetRequestID(r.Context()),
				)
				unauthorized(w, r, logger, "invalid bearer token")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyCaller, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, logger *slog.Logger, reason string) {
	logger.WarnContext(r.Context(), "unauthorized access",
		"reason", reason,
		"request_id", GetRequestID(r.Context()),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"Invalid or expired token"}`))
}

// HMACValidator validates HS256 bearer tokens issued by the deployment's
// identity provider.
type HMACValidator struct {
	key []byte
}

// NewHMACValidator creates a validator over a shared signing key.
func NewHMACValidator(key string) *HMACValidator {
	return &HMACValidator{key: []byte(key)}
}

func (v *HMACValidator) ValidateToken(tokenString string) (*BearerClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("parse bearer token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	sub, _ := claims["sub"].(string)
	clientID, _ := claims["client_id"].(string)
	return &BearerClaims{Subject: sub, ClientID: clientID}, nil
}
