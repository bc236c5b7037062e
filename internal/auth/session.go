// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// CookieName carries the session token issued by the account service.
const CookieName = "auth_token"

var (
	ErrMissingToken = errors.New("missing auth_token")
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier checks EdDSA-signed session tokens. Matchmaking never issues
// tokens; it only needs the account service's public key.
type Verifier struct {
	publicKey ed25519.PublicKey
}

func NewVerifier(pub ed25519.PublicKey) *Verifier {
	return &Verifier{publicKey: pub}
}

// LoadVerifier reads a public key file, either PEM encoded or the raw 32 bytes.
func LoadVerifier(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read public key file")
	}
	if len(data) == ed25519.PublicKeySize {
		return NewVerifier(ed25519.PublicKey(data)), nil
	}
	key, err := jwt.ParseEdPublicKeyFromPEM(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse public key")
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("public key is not ed25519")
	}
	return NewVerifier(pub), nil
}

// Authenticate verifies tokenString and returns the user id in its "sub" claim.
func (v *Verifier) Authenticate(tokenString string) (uuid.UUID, error) {
	if tokenString == "" {
		return uuid.Nil, ErrMissingToken
	}
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil {
		return uuid.Nil, errors.Wrap(ErrInvalidToken, err.Error())
	}
	if !t.Valid {
		return uuid.Nil, ErrInvalidToken
	}

	sub, err := t.Claims.GetSubject()
	if err != nil || sub == "" {
		return uuid.Nil, errors.Wrap(ErrInvalidToken, "missing sub in jwt")
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, errors.Wrap(ErrInvalidToken, "sub is not a user id")
	}
	return userID, nil
}

// UserFromRequest authenticates the request's auth_token cookie.
func (v *Verifier) UserFromRequest(r *http.Request) (uuid.UUID, error) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return uuid.Nil, ErrMissingToken
	}
	return v.Authenticate(c.Value)
}

// Signer issues tokens. Used by tests and local tooling that stand in for the
// account service.
type Signer struct {
	privateKey ed25519.PrivateKey
	ttl        time.Duration
}

// GenerateKeys creates a fresh ed25519 key pair. A zero ttl issues tokens
// without an exp claim.
func GenerateKeys(ttl time.Duration) (*Signer, *Verifier, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to generate ed25519 key pair")
	}
	return &Signer{privateKey: priv, ttl: ttl}, NewVerifier(pub), nil
}

// CreateJWT signs a token with "sub" = userID.
func (s *Signer) CreateJWT(userID uuid.UUID) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID.String(),
	}
	if s.ttl > 0 {
		claims["exp"] = time.Now().Add(s.ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(s.privateKey)
}
