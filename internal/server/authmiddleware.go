package server

import (
	"context"
	"net/http"

	"github.com/tjfontaine/carecall/internal/auth"
)

// TokenVerifier validates identity-provider session tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.Claims, error)
}

// RequireUser validates the bearer session token and injects the user id.
// With a nil verifier every request is rejected with 503.
func RequireUser(verifier TokenVerifier) func(http.Handler) http.Handler {
	return requireAuth(verifier, nil)
}

// RequireUserOrAdmin accepts either a user session token or an admin API key.
func RequireUserOrAdmin(verifier TokenVerifier, keys *auth.KeyAuthenticator) func(http.Handler) http.Handler {
	return requireAuth(verifier, keys)
}

func requireAuth(verifier TokenVerifier, keys *auth.KeyAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				AddError(r.Context(), err)
				WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			if keys.Len() > 0 {
				if k, err := keys.ValidateAPIKey(token); err == nil {
					AddLogField(r.Context(), "admin_key", k.Name)
					next.ServeHTTP(w, r.WithContext(auth.WithAdmin(r.Context(), k.Name)))
					return
				}
			}

			if verifier == nil {
				WriteError(w, http.StatusServiceUnavailable, "authentication is not configured")
				return
			}

			claims, err := verifier.Verify(r.Context(), token)
			if err != nil {
				AddError(r.Context(), err)
				WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			AddLogField(r.Context(), "user_id", claims.Subject)
			next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), claims.Subject)))
		})
	}
}

// RequireAdmin accepts only admin API keys.
func RequireAdmin(keys *auth.KeyAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keys.Len() == 0 {
				WriteError(w, http.StatusServiceUnavailable, "admin keys are not configured")
				return
			}
			token, err := auth.ExtractBearer(r)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			k, err := keys.ValidateAPIKey(token)
			if err != nil {
				AddError(r.Context(), err)
				WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			AddLogField(r.Context(), "admin_key", k.Name)
			next.ServeHTTP(w, r.WithContext(auth.WithAdmin(r.Context(), k.Name)))
		})
	}
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// websocket handshakes, so upgrades may pass the token as ?token= instead.
func bearerToken(r *http.Request) (string, error) {
	token, err := auth.ExtractBearer(r)
	if err != nil && isWebsocketUpgrade(r) {
		if q := r.URL.Query().Get("token"); q != "" {
			return q, nil
		}
	}
	return token, err
}
