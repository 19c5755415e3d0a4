package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier checks HS256 tokens and yields the owner identity from the subject.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second}
}

func (v *Verifier) OwnerFromToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// OwnerFromRequest reads the token from the Authorization header, or from the
// token query parameter for websocket clients that cannot set headers.
func (v *Verifier) OwnerFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", ErrMissingToken
		}
		return v.OwnerFromToken(token)
	}
	return v.OwnerFromToken(r.URL.Query().Get("token"))
}

// Issue signs a token for ownerID. Used by tooling and tests.
func (v *Verifier) Issue(ownerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   ownerID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type ownerKey struct{}

func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

func OwnerFrom(ctx context.Context) string {
	v, _ := ctx.Value(ownerKey{}).(string)
	return v
}

// Admin checks basic-auth credentials against a bcrypt hash.
type Admin struct {
	user         string
	passwordHash []byte
}

func NewAdmin(user, passwordHash string) *Admin {
	return &Admin{user: user, passwordHash: []byte(passwordHash)}
}

func (a *Admin) Enabled() bool {
	return a != nil && a.user != "" && len(a.passwordHash) > 0
}

func (a *Admin) Check(r *http.Request) bool {
	if !a.Enabled() {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != a.user {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.passwordHash, []byte(pass)) == nil
}
