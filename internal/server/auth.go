// auth.go - Login endpoint and the per-request authentication gate.
//
// The session credential travels in one place only: an HttpOnly cookie named
// by AuthConfig.CookieName. Supporting a header transport as well would leave
// two credentials able to disagree, so there is deliberately no fallback.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// AuthConfig wires the identity verifier, the user directory and the session
// codec into the HTTP layer.
type AuthConfig struct {
	Verifier   *IdentityVerifier
	Users      UserDirectory
	Sessions   *SessionCodec
	CookieName string
}

func (a AuthConfig) cookieName() string {
	if a.CookieName == "" {
		return "cn_session"
	}
	return a.CookieName
}

const userKey ctxKey = "current_user"

// UserFromContext returns the authenticated user, or nil when the request
// passed through the optional gate unauthenticated.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userKey).(*User)
	return u
}

// loginHandler handles POST /api/auth/google. The body carries a Google ID
// token; on success a session cookie is set and the user record returned.
func (a AuthConfig) loginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		ident, err := a.Verifier.Verify(r.Context(), body.Token)
		if err != nil {
			auditAuthFailure(RequestIDFromContext(r.Context()), "login", err)
			if errors.Is(err, ErrFetchFailed) || errors.Is(err, ErrMalformedKeySet) {
				// Transient provider trouble, not a bad credential. Retryable.
				http.Error(w, "identity provider unavailable", http.StatusServiceUnavailable)
				return
			}
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}

		user, err := a.Users.FindOrCreate(r.Context(), ident)
		if err != nil {
			DefaultLogger.Error("login_user_lookup_failed", map[string]any{
				"rid": RequestIDFromContext(r.Context()),
			}, err)
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}

		token, exp, err := a.Sessions.Issue(user)
		if err != nil {
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     a.cookieName(),
			Value:    token,
			Path:     "/",
			Expires:  exp,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   true,
		})

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(user)
	}
}

// logoutHandler clears the session cookie by setting an expired one.
func (a AuthConfig) logoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{
			Name:     a.cookieName(),
			Value:    "",
			Path:     "/",
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   true,
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}
}

// meHandler returns the authenticated user attached by requireUser.
func (a AuthConfig) meHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(UserFromContext(r.Context()))
	}
}

// resolveUser reads the session cookie and verifies it. Read-only against the
// directory; the gate never writes.
func (a AuthConfig) resolveUser(r *http.Request) (*User, error) {
	c, err := r.Cookie(a.cookieName())
	if err != nil {
		return nil, errors.New("no session cookie")
	}
	return a.Sessions.Verify(r.Context(), c.Value)
}

// requireUser aborts with 401 unless the request carries a valid session.
// Downstream handlers are never invoked on failure.
func (a AuthConfig) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.resolveUser(r)
		if err != nil {
			auditAuthFailure(RequestIDFromContext(r.Context()), "require_user", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// optionalUser attaches the user when a valid session is present and proceeds
// anonymously otherwise. Used by listing routes that personalise but do not
// require login.
func (a AuthConfig) optionalUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, err := a.resolveUser(r); err == nil {
			r = r.WithContext(context.WithValue(r.Context(), userKey, user))
		}
		next.ServeHTTP(w, r)
	})
}
