// ABOUTME: HTTP middleware for JWT authentication on operator API endpoints
// ABOUTME: Extracts JWT from the Authorization header and adds the operator to context

package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/2389/switchboard/internal/store"
)

// OperatorStore looks up the operator a token was issued to
type OperatorStore interface {
	GetOperator(ctx context.Context, id string) (*store.Operator, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// requestToken reads the bearer token, falling back to the access_token query
// parameter for EventSource clients, which cannot set headers.
func requestToken(r *http.Request) (string, string) {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" && r.Header.Get("Authorization") == "" {
		if q := r.URL.Query().Get("access_token"); q != "" {
			return q, ""
		}
	}
	return token, errMsg
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates JWT tokens.
// Inactive operators and the assistant identity are rejected.
func HTTPAuthMiddleware(operators OperatorStore, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := requestToken(r)
			if errMsg != "" {
				writeError(w, http.StatusUnauthorized, errMsg)
				return
			}

			operatorID, err := verifier.Verify(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			op, err := operators.GetOperator(r.Context(), operatorID)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "operator not found")
				return
			}
			if !op.Active || op.Kind == store.OperatorAssistant {
				writeError(w, http.StatusForbidden, "operator is not active")
				return
			}

			authCtx := &AuthContext{
				OperatorID:   op.ID,
				DisplayName:  op.DisplayName,
				Capabilities: op.Capabilities,
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireCapability creates an HTTP middleware that requires the operator to
// hold capability. Must be used after HTTPAuthMiddleware.
func RequireCapability(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !authCtx.Can(capability) {
				writeError(w, http.StatusForbidden, capability+" capability required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ProviderTokenMiddleware guards provider callback endpoints with a shared
// bearer token. An empty token disables the check.
func ProviderTokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeError(w, http.StatusUnauthorized, errMsg)
				return
			}
			if !constantTimeEqual(got, token) {
				writeError(w, http.StatusUnauthorized, "invalid provider token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
