package security

import (
	"context"
	"strings"

	"github.com/antigravity/cortex/internal/apierr"
	"github.com/antigravity/cortex/internal/config"
	"github.com/charmbracelet/log"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyClientID is the gin context key for the authenticated client ID.
	ContextKeyClientID = "clientID"
	// ContextKeyIsAdmin is the gin context key for admin authorization.
	ContextKeyIsAdmin = "isAdmin"
)

// Identity holds the resolved caller identity.
type Identity struct {
	ClientID string
	IsAdmin  bool
}

// TokenResolver resolves API keys and OIDC bearer tokens to caller identities.
// It is initialized once at startup and shared by the HTTP middleware.
type TokenResolver struct {
	verifier     *oidc.IDTokenVerifier
	apiKeys      map[string]string
	adminRole    string
	adminClients map[string]bool
}

// NewTokenResolver creates a TokenResolver from the application config. It performs
// one-time OIDC provider discovery if OIDCIssuer is configured.
func NewTokenResolver(cfg *config.Config) *TokenResolver {
	var verifier *oidc.IDTokenVerifier
	if cfg.OIDCIssuer != "" {
		provider, err := oidc.NewProvider(context.Background(), cfg.OIDCIssuer)
		if err != nil {
			log.Error("Failed to initialize OIDC provider; falling back to API key auth",
				"issuer", cfg.OIDCIssuer, "err", err)
		} else {
			verifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
			log.Info("OIDC auth enabled", "issuer", cfg.OIDCIssuer)
		}
	}

	adminRole := strings.TrimSpace(cfg.AdminRole)
	if adminRole == "" {
		adminRole = "admin"
	}

	return &TokenResolver{
		verifier:     verifier,
		apiKeys:      cfg.APIKeys,
		adminRole:    adminRole,
		adminClients: splitCSV(cfg.AdminClients),
	}
}

// Resolve resolves an X-API-KEY header value or a bearer JWT into a caller Identity.
// Exactly one of apiKey and bearerToken is expected to be set; apiKey wins when both are.
func (r *TokenResolver) Resolve(ctx context.Context, apiKey, bearerToken string) (*Identity, error) {
	if key := strings.TrimSpace(apiKey); key != "" {
		clientID, ok := r.apiKeys[key]
		if !ok {
			log.Warn("Received invalid API key")
			return nil, apierr.New(apierr.CodeUnauthenticated, "invalid API key")
		}
		return &Identity{ClientID: clientID, IsAdmin: r.adminClients[clientID]}, nil
	}

	if r.verifier != nil && strings.Count(bearerToken, ".") >= 2 {
		idToken, err := r.verifier.Verify(ctx, bearerToken)
		if err != nil {
			return nil, apierr.New(apierr.CodeUnauthenticated, "invalid bearer token")
		}
		var claims struct {
			Sub               string `json:"sub"`
			PreferredUsername string `json:"preferred_username"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, apierr.New(apierr.CodeUnauthenticated, "invalid bearer token")
		}
		clientID := claims.PreferredUsername
		if clientID == "" {
			clientID = claims.Sub
		}
		if clientID == "" {
			return nil, apierr.New(apierr.CodeUnauthenticated, "token missing identity claims")
		}

		isAdmin := r.adminClients[clientID]
		var rawClaims map[string]any
		if err := idToken.Claims(&rawClaims); err == nil {
			if extractTokenRoles(rawClaims)[r.adminRole] {
				isAdmin = true
			}
		}
		return &Identity{ClientID: clientID, IsAdmin: isAdmin}, nil
	}

	return nil, apierr.New(apierr.CodeUnauthenticated, "missing credentials")
}

// GetClientID returns the authenticated client ID from the gin context.
func GetClientID(c *gin.Context) string {
	return c.GetString(ContextKeyClientID)
}

// IsAdmin returns true if the request is from an admin client.
func IsAdmin(c *gin.Context) bool {
	v, _ := c.Get(ContextKeyIsAdmin)
	b, _ := v.(bool)
	return b
}

// AuthMiddleware authenticates every request via the X-API-KEY header or an
// OIDC bearer token and stores the resolved identity in the gin context.
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-KEY")
		bearer := ""
		if auth := c.GetHeader("Authorization"); auth != "" {
			bearer = strings.TrimPrefix(auth, "Bearer ")
		}
		if apiKey == "" && bearer == "" {
			log.Info("Auth rejected: no credentials", "method", c.Request.Method, "path", c.Request.URL.Path)
			apierr.Write(c, apierr.New(apierr.CodeUnauthenticated, "missing credentials"))
			return
		}

		id, err := resolver.Resolve(c.Request.Context(), apiKey, bearer)
		if err != nil {
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			apierr.Write(c, err)
			return
		}

		c.Set(ContextKeyClientID, id.ClientID)
		c.Set(ContextKeyIsAdmin, id.IsAdmin)
		c.Next()
	}
}

// RequireAdmin requires the caller to be an admin client.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			apierr.Write(c, apierr.New(apierr.CodePermissionDenied, "admin access required"))
			return
		}
		c.Next()
	}
}

func splitCSV(raw string) map[string]bool {
	result := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		result[item] = true
	}
	return result
}

func extractTokenRoles(claims map[string]any) map[string]bool {
	result := map[string]bool{}
	addList := func(values []string) {
		for _, v := range values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			result[v] = true
		}
	}

	addList(toStringSlice(claims["roles"]))
	addList(toStringSlice(claims["groups"]))

	if scope, ok := claims["scope"].(string); ok {
		addList(strings.Fields(scope))
	}

	// Keycloak-style realm_access.roles.
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		addList(toStringSlice(realm["roles"]))
	}

	return result
}

func toStringSlice(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}
