package authctx

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
)

const tokenIssuer = "helm-pay"

// ErrTokenExpired is returned by Verify for a token past its exp claim.
var ErrTokenExpired = errors.New("mandate token expired")

// MandateClaims bind a bearer token to one mandate. The token never outlives
// the mandate.
type MandateClaims struct {
	jwt.RegisteredClaims
	MandateID   string       `json:"mandate_id"`
	BusinessID  string       `json:"business_id"`
	MandateType mandate.Type `json:"mandate_type"`
}

// TokenIssuer mints and verifies EdDSA mandate tokens. Tokens carry the key
// id in the kid header; rotated keys stay trusted until removed.
type TokenIssuer struct {
	mu      sync.RWMutex
	keyID   string
	private ed25519.PrivateKey
	trusted map[string]ed25519.PublicKey
	clock   func() time.Time
}

func NewTokenIssuer(keyID string, private ed25519.PrivateKey) *TokenIssuer {
	pub, _ := private.Public().(ed25519.PublicKey)
	return &TokenIssuer{
		keyID:   keyID,
		private: private,
		trusted: map[string]ed25519.PublicKey{keyID: pub},
		clock:   time.Now,
	}
}

// WithClock overrides clock for testing.
func (t *TokenIssuer) WithClock(clock func() time.Time) *TokenIssuer {
	t.clock = clock
	return t
}

// Trust accepts tokens signed by another key.
func (t *TokenIssuer) Trust(keyID string, pub ed25519.PublicKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trusted[keyID] = pub
}

// Distrust stops accepting tokens signed with keyID.
func (t *TokenIssuer) Distrust(keyID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.trusted, keyID)
}

// Issue mints a token for m expiring with it.
func (t *TokenIssuer) Issue(m *mandate.Mandate) (string, error) {
	if m == nil || m.ID == "" {
		return "", errors.New("cannot issue token for empty mandate")
	}
	claims := MandateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   m.SubjectUserID,
			ID:        m.ID,
			IssuedAt:  jwt.NewNumericDate(t.clock()),
			ExpiresAt: jwt.NewNumericDate(m.ExpiresAt),
		},
		MandateID:   m.ID,
		BusinessID:  m.BusinessID,
		MandateType: m.Type,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = t.keyID
	signed, err := tok.SignedString(t.private)
	if err != nil {
		return "", fmt.Errorf("sign mandate token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token.
func (t *TokenIssuer) Verify(tokenStr string) (*MandateClaims, error) {
	claims := &MandateClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, t.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.clock),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.MandateID == "" || claims.MandateID != claims.ID {
		return nil, errors.New("token mandate binding is required")
	}
	return claims, nil
}

func (t *TokenIssuer) keyFunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	t.mu.RLock()
	pub, ok := t.trusted[kid]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown or revoked key: %q", kid)
	}
	return pub, nil
}
