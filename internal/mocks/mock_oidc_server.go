package mocks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// keyID ties the kid header of issued tokens to the single key the JWKS
// endpoint publishes.
const keyID = "primary"

type oidcProvider struct {
	issuerURL  string
	privateKey *rsa.PrivateKey
	httpServer *http.Server
}

type jwk struct {
	KeyID    string `json:"kid"`
	KeyType  string `json:"kty"`
	Modulus  string `json:"n"`
	Exponent string `json:"e"`
}

// NewMockOidcServer serves an OIDC discovery document and JWKS for a freshly
// generated RSA key at the given issuer URL. Call Stop when done with it.
func NewMockOidcServer(issuerURL string) (*oidcProvider, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	provider := &oidcProvider{
		issuerURL:  issuerURL,
		privateKey: privateKey,
	}
	if err := provider.serve(); err != nil {
		return nil, err
	}

	return provider, nil
}

// NewAliasMockServer serves the same key material under a second issuer URL,
// mimicking a provider reachable through more than one hostname. Call Stop on
// the alias as well.
func (p *oidcProvider) NewAliasMockServer(aliasURL string) *oidcProvider {
	alias := &oidcProvider{
		issuerURL:  aliasURL,
		privateKey: p.privateKey,
	}
	if err := alias.serve(); err != nil {
		log.Fatalf("failed to start alias OIDC server: %v", err)
	}

	return alias
}

func (p *oidcProvider) serve() error {
	lis, err := net.Listen("tcp", strings.TrimPrefix(p.issuerURL, "http://"))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSONDoc(w, map[string]string{
			"issuer":   p.issuerURL,
			"jwks_uri": p.issuerURL + "/jwks.json",
		})
	})
	mux.HandleFunc("/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		public := p.privateKey.Public().(*rsa.PublicKey)
		writeJSONDoc(w, map[string][]jwk{
			"keys": {{
				KeyID:    keyID,
				KeyType:  "RSA",
				Modulus:  base64.RawURLEncoding.EncodeToString(public.N.Bytes()),
				Exponent: base64.RawURLEncoding.EncodeToString(big.NewInt(int64(public.E)).Bytes()),
			}},
		})
	})

	p.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := p.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Printf("mock OIDC server for %s exited: %v", p.issuerURL, err)
		}
	}()

	return nil
}

func writeJSONDoc(w http.ResponseWriter, doc any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (p *oidcProvider) Stop() {
	if p.httpServer != nil {
		_ = p.httpServer.Shutdown(context.Background())
	}
}

// GetToken issues a short-lived RS256 token for the given audience and
// subject, signed by the provider's key.
func (p *oidcProvider) GetToken(audience, subject string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    p.issuerURL,
		Audience:  []string{audience},
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(30 * time.Second)),
	})
	token.Header["kid"] = keyID

	return token.SignedString(p.privateKey)
}
