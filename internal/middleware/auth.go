package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"llm_broker/internal/auth"
	"llm_broker/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

// TeamIDKey is the context key of the authenticated team id
const TeamIDKey ContextKey = "teamID"

// TokenValidator resolves a bearer token to a team
type TokenValidator interface {
	ValidateTeamToken(token string) (uuid.UUID, error)
}

// TeamAuth requires "Authorization: Bearer <team token>" and stores the
// team id in the request context.
func TeamAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				utils.RespondWithTypedError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid Authorization header")
				return
			}

			teamID, err := validator.ValidateTeamToken(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, auth.ErrTokenExpired) {
					msg = "token expired"
				}
				utils.RespondWithTypedError(w, http.StatusUnauthorized, "unauthorized", msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithTeamID(r.Context(), teamID)))
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// TeamID returns the authenticated team id of the request
func TeamID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(TeamIDKey).(uuid.UUID)
	return id, ok
}

// WithTeamID stores a team id the way TeamAuth does
func WithTeamID(ctx context.Context, teamID uuid.UUID) context.Context {
	return context.WithValue(ctx, TeamIDKey, teamID)
}
