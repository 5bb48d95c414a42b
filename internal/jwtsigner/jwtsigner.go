// Package jwtsigner issues and verifies the Ed25519 JWTs the directory
// accepts: signup tokens for account creation and connector pre-validation
// tokens.
package jwtsigner

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("jwtsigner: invalid token")

// Signer holds an Ed25519 keypair for issuing and verifying directory JWTs.
type Signer struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	KeyID   string
	Issuer  string
}

// NewFromBase64 creates a signer from base64-encoded ed25519 private key
// bytes. If privB64 is empty, it generates an ephemeral key (good for local
// dev).
func NewFromBase64(privB64, kid, iss string) (*Signer, error) {
	var priv ed25519.PrivateKey
	if privB64 == "" {
		_, priv, _ = ed25519.GenerateKey(rand.Reader)
	} else {
		raw, err := base64.StdEncoding.DecodeString(privB64)
		if err != nil {
			return nil, err
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, errors.New("jwtsigner: invalid ed25519 private key size")
		}
		priv = ed25519.PrivateKey(raw)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{private: priv, public: pub, KeyID: kid, Issuer: iss}, nil
}

// SignupToken issues a JWT authorizing one account creation under the given
// application scope.
func (s *Signer) SignupToken(appID string, ttl time.Duration) (string, error) {
	return s.sign("", ttl, map[string]any{"scope": "signup", "app_id": appID})
}

// ConnectorToken issues a pre-validation JWT binding a connector type-value
// pair, so the directory can skip the challenge round-trip.
func (s *Signer) ConnectorToken(appID, connType, value string, ttl time.Duration) (string, error) {
	return s.sign("", ttl, map[string]any{
		"scope":           "connector",
		"app_id":          appID,
		"connector_type":  connType,
		"connector_value": value,
	})
}

// BearerToken issues a short-lived JWT identifying a device for directory
// calls.
func (s *Signer) BearerToken(userID, deviceID string, ttl time.Duration) (string, error) {
	return s.sign(userID, ttl, map[string]any{"scope": "api", "device_id": deviceID})
}

func (s *Signer) sign(sub string, ttl time.Duration, claims map[string]any) (string, error) {
	now := time.Now()
	m := jwt.MapClaims{
		"iss": s.Issuer,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if sub != "" {
		m["sub"] = sub
	}
	for k, v := range claims {
		m[k] = v
	}
	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, m)
	t.Header["kid"] = s.KeyID
	return t.SignedString(s.private)
}

// Verify parses a token issued by this signer and checks the expected scope.
func (s *Signer) Verify(token, wantScope string) (jwt.MapClaims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.public, nil
	}, jwt.WithIssuer(s.Issuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if scope, _ := claims["scope"].(string); scope != wantScope {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// PublicJWK renders the public part as JWK for the JWKS endpoint.
func (s *Signer) PublicJWK() map[string]any {
	return map[string]any{
		"kty": "OKP",
		"crv": "Ed25519",
		"alg": "EdDSA",
		"use": "sig",
		"kid": s.KeyID,
		"x":   base64.RawURLEncoding.EncodeToString(s.public),
	}
}
