package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"slipsync/internal/domain"
)

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
	// AllowLegacyActorHeader accepts X-Actor-Id/X-Team-Id headers from
	// clients that predate token auth. Such callers are always members.
	AllowLegacyActorHeader bool
	Logger                 *log.Logger
}

// Principal is the authenticated caller extracted from the token.
type Principal struct {
	Sub    string
	Email  string
	Name   string
	TeamID string
	Role   domain.Role
}

func (p Principal) Actor() domain.Actor {
	return domain.Actor{Sub: p.Sub, Email: p.Email, Name: p.Name, TeamID: p.TeamID, Role: p.Role}
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Sub != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Team  string `json:"team,omitempty"`
	Role  string `json:"role,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	if claims.Team == "" {
		return Principal{}, errors.New("team claim required")
	}
	role := domain.Role(claims.Role)
	if role == "" {
		role = domain.RoleMember
	}
	switch role {
	case domain.RoleMember, domain.RoleOwner, domain.RoleAdmin:
	default:
		return Principal{}, errors.New("unknown role claim")
	}
	return Principal{
		Sub:    claims.Subject,
		Email:  claims.Email,
		Name:   claims.Name,
		TeamID: claims.Team,
		Role:   role,
	}, nil
}

// SignToken mints an HS256 bearer token with the claim set the API
// expects. The CLI uses it for local tokens; the dev login endpoint
// goes through it too.
func SignToken(secret, sub, teamID, role, email, name string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: email,
		Name:  name,
		Team:  teamID,
		Role:  role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for the API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || req.URL.Path == devLoginPath {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				if cfg.AllowLegacyActorHeader {
					if principal, ok := legacyPrincipal(req); ok {
						next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
						return
					}
				}
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			principal, err := authenticateJWT(token, cfg.JWTSecret)
			if err != nil {
				cfg.logger().Printf("auth: rejected token: %v", err)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func legacyPrincipal(req *http.Request) (Principal, bool) {
	sub := strings.TrimSpace(req.Header.Get("X-Actor-Id"))
	team := strings.TrimSpace(req.Header.Get("X-Team-Id"))
	if sub == "" || team == "" {
		return Principal{}, false
	}
	return Principal{Sub: sub, TeamID: team, Role: domain.RoleMember}, true
}

// requireTeam rejects cross-team access: the token's team claim must
// match the team in the path.
func requireTeam(ctx context.Context, teamID string) (Principal, huma.StatusError) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if principal.TeamID != teamID {
		return Principal{}, newAPIError(http.StatusForbidden, "forbidden", "token is not valid for this team", map[string]any{"team_id": teamID})
	}
	return principal, nil
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
