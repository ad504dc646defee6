package auth

import (
	"crypto"
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Leeway absorbs clock skew between the token issuer and this service when checking exp.
var Leeway = 30 * time.Second

// Claims identify the caller. Role is one of the Role* constants; providers posting delivery
// callbacks use RoleProvider.
type Claims struct {
	Sub  string `json:"sub"`
	Role string `json:"role"`
	Exp  int64  `json:"exp"`
	Iat  int64  `json:"iat"`
}

const (
	RoleAdmin    = "admin"
	RoleStaff    = "staff"
	RoleProvider = "provider"
	RolePatient  = "patient"
)

func (c Claims) GetExpirationTime() (*jwt.NumericDate, error) { return numericDate(c.Exp), nil }
func (c Claims) GetIssuedAt() (*jwt.NumericDate, error)       { return numericDate(c.Iat), nil }
func (c Claims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (c Claims) GetIssuer() (string, error)                   { return "", nil }
func (c Claims) GetSubject() (string, error)                  { return c.Sub, nil }
func (c Claims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

func numericDate(unix int64) *jwt.NumericDate {
	if unix == 0 {
		return nil
	}
	return jwt.NewNumericDate(time.Unix(unix, 0))
}

type Header struct {
	Alg string
	Typ string
	Kid string
}

// ParseHeader reads the JOSE header without verifying the signature, so the caller can pick a key.
func ParseHeader(raw string) (*Header, error) {
	tok, _, err := jwt.NewParser().ParseUnverified(raw, &Claims{})
	if err != nil {
		return nil, ErrInvalidToken
	}
	h := &Header{Alg: tok.Method.Alg()}
	h.Typ, _ = tok.Header["typ"].(string)
	h.Kid, _ = tok.Header["kid"].(string)
	return h, nil
}

func SignHS256(claims Claims, secret string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func ParseAndVerifyHS256(raw, secret string) (*Claims, error) {
	return parse(raw, jwt.SigningMethodHS256, []byte(secret))
}

func VerifyRS256(raw string, pubKey crypto.PublicKey) (*Claims, error) {
	rsaKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, ErrInvalidToken
	}
	return parse(raw, jwt.SigningMethodRS256, rsaKey)
}

// parse pins the algorithm so a token signed with one method never verifies under another key type.
func parse(raw string, method jwt.SigningMethod, key any) (*Claims, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(raw, &c,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithLeeway(Leeway),
	)
	if err != nil || c.Sub == "" {
		return nil, ErrInvalidToken
	}
	return &c, nil
}
