// Package auth issues and verifies operator session tokens.
package auth

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"line-plant/pkg/model"
)

const (
	issuer        = "line-plant"
	secretEnv     = "PLANT_JWT_SECRET"
	defaultSecret = "change-me-secret"
)

// ErrInvalid is returned for any token that fails verification.
var ErrInvalid = errors.New("invalid token")

// Claims identify the operator a session belongs to.
type Claims struct {
	OperatorID uint   `json:"oid"`
	Username   string `json:"username"`
	Admin      bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

var parser = jwt.NewParser(
	jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	jwt.WithIssuer(issuer),
	jwt.WithExpirationRequired(),
)

func signingKey(*jwt.Token) (interface{}, error) {
	return key(), nil
}

func key() []byte {
	if s, ok := os.LookupEnv(secretEnv); ok && s != "" {
		return []byte(s)
	}
	return []byte(defaultSecret)
}

func operatorClaims(op model.Operator, issued time.Time, ttl time.Duration) Claims {
	return Claims{
		OperatorID: op.ID,
		Username:   op.Username,
		Admin:      op.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   op.Username,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
		},
	}
}

// Generate signs a token for op valid for ttl.
func Generate(op model.Operator, ttl time.Duration) (string, error) {
	c := operatorClaims(op, time.Now(), ttl)
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(key())
}

// Parse verifies an HS256 token issued by Generate.
func Parse(raw string) (*Claims, error) {
	var c Claims
	if _, err := parser.ParseWithClaims(raw, &c, signingKey); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	if c.Username == "" {
		return nil, ErrInvalid
	}
	return &c, nil
}
