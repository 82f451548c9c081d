package fundflowd

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fundflow/native/wallet"
)

type contextKey string

const contextKeyOperator contextKey = "operator"

// Operator is the authenticated caller. Wallet is the ledger address the
// operator signs with; every escrow role of their campaigns binds to it.
type Operator struct {
	Subject string
	Wallet  string
}

// OperatorClaims are the JWT claims accepted by the API.
type OperatorClaims struct {
	Wallet string `json:"wallet"`
	jwt.RegisteredClaims
}

var (
	errMissingToken  = errors.New("missing bearer token")
	errInvalidWallet = errors.New("token wallet claim is not a valid ledger address")
)

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// NewAuthenticator builds a verifier from the auth configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	if len(cfg.JWTSecret) == 0 {
		return nil, errors.New("fundflowd: jwt secret required")
	}
	return &Authenticator{
		secret:   []byte(cfg.JWTSecret),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		leeway:   30 * time.Second,
	}, nil
}

// Verify parses the token and returns the operator it identifies.
func (a *Authenticator) Verify(token string) (Operator, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	claims := &OperatorClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return Operator{}, err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Operator{}, errors.New("token subject required")
	}
	addr := wallet.Normalize(claims.Wallet)
	if !wallet.ValidAddress(addr) {
		return Operator{}, errInvalidWallet
	}
	return Operator{Subject: subject, Wallet: addr}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// operator on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		op, err := a.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid authorization token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyOperator, op)))
	})
}

// OperatorFromContext returns the authenticated operator.
func OperatorFromContext(ctx context.Context) (Operator, bool) {
	op, ok := ctx.Value(contextKeyOperator).(Operator)
	return op, ok
}

func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errMissingToken
	}
	return strings.TrimSpace(token), nil
}
