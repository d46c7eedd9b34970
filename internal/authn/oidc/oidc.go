// Package oidc authenticates bearer tokens issued by a remote OIDC provider,
// for deployments where query clients carry identity from an external IdP.
package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	grpcauth "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"github.com/hashicorp/go-retryablehttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/loomdb/loom/internal/authn"
	"github.com/loomdb/loom/pkg/authcontext"
)

type RemoteOidcAuthenticator struct {
	MainIssuer    string
	IssuerAliases []string
	Audience      string
	Subjects      []string

	JwksURI string
	JWKs    *keyfunc.JWKS

	httpClient *http.Client
}

var (
	jwkRefreshInterval = 48 * time.Hour

	errInvalidAudience = status.Error(codes.Unauthenticated, "invalid audience")
	errInvalidClaims   = status.Error(codes.Unauthenticated, "invalid claims")
	errInvalidIssuer   = status.Error(codes.Unauthenticated, "invalid issuer")
	errInvalidSubject  = status.Error(codes.Unauthenticated, "invalid subject")
	errInvalidToken    = status.Error(codes.Unauthenticated, "invalid bearer token")

	// fetchJWKs is a hook so tests can install keys without a live provider.
	fetchJWKs = fetchJWK
)

var (
	_ authn.Authenticator     = (*RemoteOidcAuthenticator)(nil)
	_ authn.OIDCAuthenticator = (*RemoteOidcAuthenticator)(nil)
)

func NewRemoteOidcAuthenticator(mainIssuer string, issuerAliases []string, audience string, subjects []string) (*RemoteOidcAuthenticator, error) {
	client := retryablehttp.NewClient()
	client.Logger = nil
	oidc := &RemoteOidcAuthenticator{
		MainIssuer:    mainIssuer,
		IssuerAliases: issuerAliases,
		Audience:      audience,
		Subjects:      subjects,
		httpClient:    client.StandardClient(),
	}
	err := fetchJWKs(oidc)
	if err != nil {
		return nil, err
	}
	return oidc, nil
}

func (oidc *RemoteOidcAuthenticator) Authenticate(requestContext context.Context) (*authcontext.AuthClaims, error) {
	authHeader, err := grpcauth.AuthFromMD(requestContext, "Bearer")
	if err != nil {
		return nil, authn.ErrMissingBearerToken
	}

	jwtParser := jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))

	token, err := jwtParser.Parse(authHeader, func(token *jwt.Token) (any, error) {
		return oidc.JWKs.Keyfunc(token)
	})
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errInvalidClaims
	}

	validIssuers := []string{oidc.MainIssuer}
	validIssuers = append(validIssuers, oidc.IssuerAliases...)

	issuerFound := slices.ContainsFunc(validIssuers, func(issuer string) bool {
		v := jwt.NewValidator(jwt.WithIssuer(issuer))
		return v.Validate(claims) == nil
	})
	if !issuerFound {
		return nil, errInvalidIssuer
	}

	if err := jwt.NewValidator(jwt.WithAudience(oidc.Audience)).Validate(claims); err != nil {
		return nil, errInvalidAudience
	}

	subject, err := claims.GetSubject()
	if err != nil {
		return nil, errInvalidClaims
	}
	if len(oidc.Subjects) > 0 && !slices.Contains(oidc.Subjects, subject) {
		return nil, errInvalidSubject
	}

	principal := &authcontext.AuthClaims{
		Subject: subject,
		Scopes:  make(map[string]bool),
	}

	// The authorized party, when present, identifies the OAuth client the
	// token was issued to.
	for _, claimName := range []string{"azp", "client_id"} {
		if raw, found := claims[claimName]; found {
			if clientID, ok := raw.(string); ok {
				principal.ClientID = clientID
				break
			}
		}
	}

	if scopeKey, found := claims["scope"]; found {
		if scope, ok := scopeKey.(string); ok {
			for _, s := range strings.Split(scope, " ") {
				principal.Scopes[s] = true
			}
		}
	}

	return principal, nil
}

func fetchJWK(oidc *RemoteOidcAuthenticator) error {
	oidcConfig, err := oidc.GetConfiguration()
	if err != nil {
		return fmt.Errorf("error fetching OIDC configuration: %w", err)
	}

	oidc.JwksURI = oidcConfig.JWKsURI
	jwks, err := oidc.GetKeys()
	if err != nil {
		return fmt.Errorf("error fetching OIDC keys: %w", err)
	}
	oidc.JWKs = jwks

	return nil
}

func (oidc *RemoteOidcAuthenticator) GetKeys() (*keyfunc.JWKS, error) {
	jwks, err := keyfunc.Get(oidc.JwksURI, keyfunc.Options{
		Client:          oidc.httpClient,
		RefreshInterval: jwkRefreshInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching keys from %v: %w", oidc.JwksURI, err)
	}
	return jwks, nil
}

func (oidc *RemoteOidcAuthenticator) GetConfiguration() (*authn.OidcConfig, error) {
	wellKnown := strings.TrimSuffix(oidc.MainIssuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequest("GET", wellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("error forming request to get OIDC: %w", err)
	}

	res, err := oidc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error getting OIDC: %w", err)
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code getting OIDC: %v", res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}

	oidcConfig := &authn.OidcConfig{}
	if err := json.Unmarshal(body, oidcConfig); err != nil {
		return nil, fmt.Errorf("failed to decode OIDC configuration from well-known endpoint: %w", err)
	}

	if oidcConfig.Issuer == "" {
		return nil, errors.New("missing issuer value")
	}

	if oidcConfig.JWKsURI == "" {
		return nil, errors.New("missing jwks_uri value")
	}

	return oidcConfig, nil
}

func (oidc *RemoteOidcAuthenticator) Close() {
	oidc.JWKs.EndBackground()
}
