package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey int

const orgContextKey contextKey = iota

// ContextWithOrg returns a new context carrying the given organization.
func ContextWithOrg(ctx context.Context, org *Organization) context.Context {
	return context.WithValue(ctx, orgContextKey, org)
}

// OrgFromContext extracts the organization from the context, or nil if
// not present.
func OrgFromContext(ctx context.Context) *Organization {
	org, _ := ctx.Value(orgContextKey).(*Organization)
	return org
}

// OrgAuthMiddleware returns middleware that authenticates requests using
// an API key in the Authorization header. The key is hashed and looked up
// via the service's organization store. On success the organization is
// injected into the request context.
func OrgAuthMiddleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				svc.recordFailure("api_key")
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			hash := HashKey(token)
			org, err := svc.store.GetByKeyHash(r.Context(), hash)
			if err != nil || org == nil {
				svc.recordFailure("api_key")
				writeUnauthorized(w, "invalid api key")
				return
			}

			svc.recordSuccess("api_key")
			ctx := ContextWithOrg(r.Context(), org)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalOrgAuthMiddleware resolves the organization when a valid API
// key is present but lets unauthenticated requests through. Handlers
// that need the tenant check OrgFromContext themselves.
func OptionalOrgAuthMiddleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			org, err := svc.store.GetByKeyHash(r.Context(), HashKey(token))
			if err != nil || org == nil {
				next.ServeHTTP(w, r)
				return
			}

			svc.recordSuccess("api_key")
			next.ServeHTTP(w, r.WithContext(ContextWithOrg(r.Context(), org)))
		})
	}
}

// AdminAuthMiddleware returns middleware that validates the shared admin
// key from config using a constant-time comparison.
func AdminAuthMiddleware(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			if subtle.ConstantTimeCompare([]byte(token), []byte(adminKey)) != 1 {
				writeUnauthorized(w, "invalid admin key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "unauthorized",
			Message: message,
		},
	})
}
