// Package auth issues and validates principal tokens.
//
// Uses Ed25519 (EdDSA) for JWT signing. Keys can be loaded from PEM files
// or auto-generated for development. The token subject is the principal id;
// every governance operation is scoped to it.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/model"
)

// Claims extends jwt.RegisteredClaims with the principal and its role.
type Claims struct {
	jwt.RegisteredClaims
	PrincipalID string     `json:"principal_id"`
	Role        model.Role `json:"role"`
	ScopedBy    string     `json:"scoped_by,omitempty"` // Set on short-lived tokens minted for another principal.
}

// MaxScopedTokenTTL is the maximum lifetime of a scoped token.
const MaxScopedTokenTTL = time.Hour

const issuer = "kanri"

// JWTManager handles JWT creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager creates a JWTManager from PEM key files.
// If paths are empty, generates an ephemeral key pair (for development).
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	privPEM, err := os.ReadFile(privateKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("auth: decode private key PEM")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	edPriv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}

	pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}

	// Verify the public key matches the private key to catch misconfiguration
	// (e.g., deploying a private key from one environment with a public key from another).
	derivedPub := edPriv.Public().(ed25519.PublicKey)
	if !bytes.Equal(derivedPub, edPub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}

	return &JWTManager{privateKey: edPriv, publicKey: edPub, expiration: expiration}, nil
}

// IssueToken creates a signed JWT for the principal.
func (m *JWTManager) IssueToken(principalID string, role model.Role) (string, time.Time, error) {
	return m.sign(principalID, role, "", m.expiration)
}

// IssueScopedToken issues a short-lived token for principalID on behalf of
// scopedBy. TTL is capped at MaxScopedTokenTTL regardless of the requested value.
func (m *JWTManager) IssueScopedToken(scopedBy, principalID string, role model.Role, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 || ttl > MaxScopedTokenTTL {
		ttl = MaxScopedTokenTTL
	}
	return m.sign(principalID, role, scopedBy, ttl)
}

func (m *JWTManager) sign(principalID string, role model.Role, scopedBy string, ttl time.Duration) (string, time.Time, error) {
	if err := model.ValidatePrincipalID(principalID); err != nil {
		return "", time.Time{}, fmt.Errorf("auth: %w", err)
	}
	if role == "" {
		role = model.RoleOperator
	}
	if model.RoleRank(role) == 0 {
		return "", time.Time{}, fmt.Errorf("auth: unknown role %q", role)
	}

	now := time.Now().UTC()
	exp := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		PrincipalID: principalID,
		Role:        role,
		ScopedBy:    scopedBy,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}

	if claims.Issuer != issuer {
		return nil, fmt.Errorf("auth: invalid issuer: %s", claims.Issuer)
	}

	if err := model.ValidatePrincipalID(claims.Subject); err != nil {
		return nil, fmt.Errorf("auth: invalid subject: %w", err)
	}
	if claims.PrincipalID != claims.Subject {
		return nil, fmt.Errorf("auth: invalid subject: principal_id does not match")
	}

	return claims, nil
}
