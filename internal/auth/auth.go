package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrUnauthorized covers missing, malformed, expired or mismatched credentials.
var ErrUnauthorized = errors.New("unauthorized")

var ErrTokenExpired = fmt.Errorf("%w: token has expired", ErrUnauthorized)

type Role string

const (
	RoleCustomer  Role = "customer"
	RoleCollector Role = "collector"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleCustomer:
		return RoleCustomer, nil
	case RoleCollector:
		return RoleCollector, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrUnauthorized, s)
}

// Claims is what a verified credential binds a connection or request to.
type Claims struct {
	UserID    string
	Role      Role
	ExpiresAt time.Time
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

type tokenClaims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HMAC-signed tokens issued by the user service.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, tokenStr string) (Claims, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))
	if tokenStr == "" {
		return Claims{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	var tc tokenClaims
	token, err := jwt.ParseWithClaims(tokenStr, &tc, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return Claims{}, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	if tc.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("%w: token has no expiry", ErrUnauthorized)
	}
	if tc.UserID == "" {
		return Claims{}, fmt.Errorf("%w: token has no userId", ErrUnauthorized)
	}
	role, err := ParseRole(tc.Role)
	if err != nil {
		return Claims{}, err
	}
	return Claims{UserID: tc.UserID, Role: role, ExpiresAt: tc.ExpiresAt.Time}, nil
}

// Issue signs a token the same way the user service does. Used for local
// tooling and tests.
func (v *JWTVerifier) Issue(userID string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		UserID: userID,
		Role:   string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(v.secret)
}
