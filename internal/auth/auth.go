// Package auth validates join tokens. The protocol engine only depends
// on the Validator interface; the concrete scheme is chosen at startup.
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Validator checks a join credential.
type Validator interface {
	Validate(token string) bool
}

// JWTValidator accepts HS256-signed tokens.
type JWTValidator struct {
	secret []byte
}

// Claims holds the token claims Orchard cares about.
type Claims struct {
	Workspace string `json:"workspace,omitempty"`
	jwt.RegisteredClaims
}

// NewJWTValidator creates a validator for HS256 tokens signed with secret.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// Validate reports whether the token is well-formed, correctly signed
// and unexpired.
func (v *JWTValidator) Validate(tokenStr string) bool {
	_, err := v.Parse(tokenStr)
	return err == nil
}

// Parse validates the token and returns its claims.
func (v *JWTValidator) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Sign issues a token for the given workspace. Used by tests and by
// deployments that mint tokens out of band.
func (v *JWTValidator) Sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// StaticValidator compares the presented token against a bcrypt hash of
// the single shared workspace token.
type StaticValidator struct {
	hash []byte
}

// NewStaticValidator creates a validator from a bcrypt hash string.
func NewStaticValidator(bcryptHash string) *StaticValidator {
	return &StaticValidator{hash: []byte(bcryptHash)}
}

// HashToken produces a bcrypt hash suitable for NewStaticValidator.
func HashToken(token string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hashed), nil
}

// Validate reports whether the token matches the configured hash.
func (v *StaticValidator) Validate(token string) bool {
	return bcrypt.CompareHashAndPassword(v.hash, []byte(token)) == nil
}
