// ABOUTME: HTTP middleware authenticating users by bearer JWT and machines by API key
// ABOUTME: Both attach an Identity to the request context for handlers to read

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// APIKeyHeader carries API keys on /probe requests.
const APIKeyHeader = "X-API-Key"

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

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// RequireUser authenticates the request with a bearer JWT. With a nil
// verifier every request runs as the anonymous user 0.
func RequireUser(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{Anonymous: true})))
				return
			}

			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeAuthError(w, http.StatusUnauthorized, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{UserID: userID})))
		})
	}
}

// RequireAPIKey authenticates the request with the X-API-Key header.
func RequireAPIKey(verifier *APIKeyVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(APIKeyHeader)
			if raw == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing api key")
				return
			}

			key, err := verifier.Verify(r.Context(), raw)
			switch {
			case errors.Is(err, ErrRevokedAPIKey):
				writeAuthError(w, http.StatusForbidden, "api key revoked")
				return
			case errors.Is(err, ErrInvalidAPIKey):
				writeAuthError(w, http.StatusUnauthorized, "invalid api key")
				return
			case err != nil:
				writeAuthError(w, http.StatusInternalServerError, "api key lookup failed")
				return
			}

			keyID := key.ID
			id := &Identity{UserID: key.UserID, APIKeyID: &keyID}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
